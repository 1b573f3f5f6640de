// Package envelope builds and parses DIDComm-v2-shaped JWS and JWE
// envelopes: a JWS/JWE general-serialization message envelope with
// signed, authcrypt, and anoncrypt packing modes.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"sort"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lestrrat-go/jwx/v2/jwa"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/codec"
	tapdid "github.com/TransactionAuthorizationProtocol/tap-rs-sub002/did"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

// Mode selects how Pack protects a message.
type Mode int

const (
	Signed Mode = iota
	Authcrypt
	Anoncrypt
)

const (
	typJWSSigned    = "application/didcomm-signed+json"
	typJWEEncrypted = "application/didcomm-encrypted+json"
)

// Keys is the subset of keystore.Store's contract the envelope package
// needs: sign, derive the JOSE alg for a key, and ECDH agreement.
type Keys interface {
	Sign(kid string, data []byte) ([]byte, error)
	Algorithm(kid string) (string, error)
	Agree(kid string, peerPublicKey []byte) ([]byte, error)
}

// PackOpts configures one Pack call.
type PackOpts struct {
	Mode       Mode
	SignerKID  string   // required for Signed and Authcrypt
	Recipients []string // recipient DIDs; required for Authcrypt/Anoncrypt
}

// Warning records a recipient that could not be included in a packed
// envelope, per spec.md §4.4's "omitted with a structured warning" policy.
type Warning struct {
	Recipient string
	Err       error
}

// UnpackMeta describes how an envelope was protected and by/for whom.
type UnpackMeta struct {
	Kind         Mode
	SenderDID    string // verified signer or authcrypt sender; empty for anoncrypt
	RecipientKID string // local key id the envelope was unpacked with (JWE only)
}

// LocalKey pairs a recipient key id as it appears on the wire
// (recipients[].header.kid) with the keystore kid Unpack should use to
// perform ECDH agreement for it. The two differ because a DID's published
// key-agreement verification method id (e.g. a did:key "-kx" derived
// fragment) is not necessarily the same string the Key Store indexes its
// record under.
type LocalKey struct {
	RecipientKID string
	KeystoreKID  string
}

// Pack builds a JWS (Signed) or JWE (Authcrypt/Anoncrypt) envelope for msg.
func Pack(ctx context.Context, keys Keys, resolver tapdid.Resolver, msg interface{}, opts PackOpts) ([]byte, []Warning, error) {
	payload, err := codec.CanonicalJSON(msg)
	if err != nil {
		return nil, nil, errs.Wrap(errs.InvalidJSON, err, "canonicalize message for packing")
	}

	switch opts.Mode {
	case Signed:
		if opts.SignerKID == "" {
			return nil, nil, errs.Field(errs.MissingField, "signerKid", "signer kid required for a signed envelope")
		}
		out, err := packJWS(keys, opts.SignerKID, payload)
		return out, nil, err
	case Authcrypt, Anoncrypt:
		return packJWE(ctx, keys, resolver, payload, opts)
	default:
		return nil, nil, errs.New(errs.InvalidFormat, "unknown pack mode %d", opts.Mode)
	}
}

// Unpack parses a JWS or JWE envelope, verifying the signature or
// decrypting the content, and returns the canonical-JSON message payload.
func Unpack(ctx context.Context, keys Keys, resolver tapdid.Resolver, raw []byte, locals []LocalKey) (json.RawMessage, UnpackMeta, error) {
	var probe struct {
		Payload    json.RawMessage `json:"payload"`
		Signatures json.RawMessage `json:"signatures"`
		Ciphertext json.RawMessage `json:"ciphertext"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.MalformedEncoding, err, "parse envelope JSON")
	}
	switch {
	case probe.Ciphertext != nil:
		return unpackJWE(ctx, keys, resolver, raw, locals)
	case probe.Payload != nil && probe.Signatures != nil:
		return unpackJWS(ctx, resolver, raw)
	default:
		return nil, UnpackMeta{}, errs.New(errs.Malformed, "envelope is neither a JWS nor a JWE general-serialization object")
	}
}

// ---- JWS ----

type jwsGeneral struct {
	Payload    string         `json:"payload"`
	Signatures []jwsSignature `json:"signatures"`
}

type jwsSignature struct {
	Protected string `json:"protected"`
	Signature string `json:"signature"`
}

type jwsHeader struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
	KID string `json:"kid"`
}

func packJWS(keys Keys, signerKID string, payload []byte) ([]byte, error) {
	alg, err := keys.Algorithm(signerKID)
	if err != nil {
		return nil, err
	}
	headerBytes, err := codec.CanonicalJSON(jwsHeader{Typ: typJWSSigned, Alg: alg, KID: signerKID})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidJSON, err, "build JWS header")
	}
	protectedB64 := codec.B64URLEncode(headerBytes)
	payloadB64 := codec.B64URLEncode(payload)

	sig, err := keys.Sign(signerKID, []byte(protectedB64+"."+payloadB64))
	if err != nil {
		return nil, errs.Wrap(errs.KeyUnavailable, err, "sign envelope")
	}

	out := jwsGeneral{
		Payload:    payloadB64,
		Signatures: []jwsSignature{{Protected: protectedB64, Signature: codec.B64URLEncode(sig)}},
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidJSON, err, "marshal JWS")
	}
	return b, nil
}

func unpackJWS(ctx context.Context, resolver tapdid.Resolver, raw []byte) (json.RawMessage, UnpackMeta, error) {
	var env jwsGeneral
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.MalformedEncoding, err, "parse JWS")
	}
	if len(env.Signatures) == 0 {
		return nil, UnpackMeta{}, errs.New(errs.Malformed, "JWS has no signatures")
	}
	payloadBytes, err := codec.B64URLDecode(env.Payload)
	if err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.MalformedEncoding, err, "decode JWS payload")
	}

	var lastErr error
	for _, sig := range env.Signatures {
		headerBytes, err := codec.B64URLDecode(sig.Protected)
		if err != nil {
			lastErr = err
			continue
		}
		var header jwsHeader
		if err := json.Unmarshal(headerBytes, &header); err != nil {
			lastErr = err
			continue
		}
		sigBytes, err := codec.B64URLDecode(sig.Signature)
		if err != nil {
			lastErr = err
			continue
		}
		signerDID := stripFragment(header.KID)
		doc, err := resolver.Resolve(ctx, signerDID)
		if err != nil {
			lastErr = err
			continue
		}
		vm, ok := doc.VerificationMethodByID(header.KID)
		if !ok {
			lastErr = errs.New(errs.NotFound, "verification method %q not in resolved document", header.KID)
			continue
		}
		signingInput := []byte(sig.Protected + "." + env.Payload)
		if !verifySignature(header.Alg, vm.PublicKeyBytes, signingInput, sigBytes) {
			lastErr = errs.New(errs.SignatureInvalid, "signature by %q did not verify", header.KID)
			continue
		}
		return payloadBytes, UnpackMeta{Kind: Signed, SenderDID: signerDID}, nil
	}
	if lastErr == nil {
		lastErr = errs.New(errs.SignatureInvalid, "no signature verified")
	}
	return nil, UnpackMeta{}, errs.Wrap(errs.SignatureInvalid, lastErr, "JWS verification failed")
}

func verifySignature(alg string, pub, signingInput, sig []byte) bool {
	switch alg {
	case "EdDSA":
		if len(pub) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(pub, signingInput, sig)

	case "ES256":
		if len(sig) != 64 {
			return false
		}
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), pub)
		if x == nil {
			return false
		}
		pubKey := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		digest := sha256.Sum256(signingInput)
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:64])
		return ecdsa.Verify(pubKey, digest[:], r, s)

	case "ES256K":
		if len(sig) != 64 {
			return false
		}
		pubKey, err := secp256k1.ParsePubKey(pub)
		if err != nil {
			return false
		}
		var rS, sS secp256k1.ModNScalar
		if rS.SetByteSlice(sig[:32]) || sS.SetByteSlice(sig[32:64]) {
			return false
		}
		signature := dcrecdsa.NewSignature(&rS, &sS)
		digest := sha256.Sum256(signingInput)
		return signature.Verify(digest[:], pubKey)

	default:
		return false
	}
}

func stripFragment(kid string) string {
	if i := strings.IndexByte(kid, '#'); i >= 0 {
		return kid[:i]
	}
	return kid
}

// ---- JWE ----

type jweGeneral struct {
	Protected  string         `json:"protected"`
	Recipients []jweRecipient `json:"recipients"`
	IV         string         `json:"iv"`
	Ciphertext string         `json:"ciphertext"`
	Tag        string         `json:"tag"`
}

type jweRecipient struct {
	Header       jweRecipHeader `json:"header"`
	EncryptedKey string         `json:"encrypted_key"`
}

type jweRecipHeader struct {
	KID string `json:"kid"`
}

type epkJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y,omitempty"`
}

type jweProtectedHeader struct {
	Typ  string `json:"typ"`
	Alg  string `json:"alg"`
	Enc  string `json:"enc"`
	EPK  epkJWK `json:"epk"`
	APU  string `json:"apu,omitempty"`
	APV  string `json:"apv"`
	SKID string `json:"skid,omitempty"`
}

// encA256CBC and the two key-management algs are named after jwx's own
// jwa constants so the wire "alg"/"enc" strings match what a mainstream JOSE
// stack would emit, even though the ECDH-1PU half has no jwx implementation
// to call into (anoncrypt's ECDH-ES is the one variant jwx understands, so
// its jwa package is the shared source of truth for both algorithm names).
var (
	algAnoncrypt = string(jwa.ECDH_ES_A256KW)
	algAuthcrypt = "ECDH-1PU+A256KW" // not in jwx/jwa: DIDComm-specific extension
	encA256CBC   = string(jwa.A256CBC_HS512)
)

type recipientKey struct {
	did   string
	kid   string
	pub   []byte
	curve ecdh.Curve
}

func packJWE(ctx context.Context, keys Keys, resolver tapdid.Resolver, payload []byte, opts PackOpts) ([]byte, []Warning, error) {
	if len(opts.Recipients) == 0 {
		return nil, nil, errs.Field(errs.MissingField, "recipients", "at least one recipient required")
	}
	if opts.Mode == Authcrypt && opts.SignerKID == "" {
		return nil, nil, errs.Field(errs.MissingField, "signerKid", "signer kid required for authcrypt")
	}

	var resolved []recipientKey
	var warnings []Warning
	for _, rDID := range opts.Recipients {
		doc, err := resolver.Resolve(ctx, rDID)
		if err != nil {
			warnings = append(warnings, Warning{Recipient: rDID, Err: err})
			continue
		}
		kas := doc.KeyAgreementMethods()
		if len(kas) == 0 {
			warnings = append(warnings, Warning{Recipient: rDID, Err: errs.New(errs.KeyUnavailable, "document has no key-agreement method")})
			continue
		}
		vm := kas[0]
		var curve ecdh.Curve
		switch vm.KeyType {
		case tapdid.KeyTypeX25519:
			curve = ecdh.X25519()
		case tapdid.KeyTypeP256:
			curve = ecdh.P256()
		default:
			warnings = append(warnings, Warning{Recipient: rDID, Err: errs.New(errs.KeyUnavailable, "unsupported key-agreement key type %q", vm.KeyType)})
			continue
		}
		resolved = append(resolved, recipientKey{did: rDID, kid: vm.ID, pub: vm.PublicKeyBytes, curve: curve})
	}
	if len(resolved) == 0 {
		return nil, warnings, errs.New(errs.NoResolvableRecipients, "no recipient could be resolved for packing")
	}
	curve := resolved[0].curve
	for _, rk := range resolved[1:] {
		if rk.curve != curve {
			return nil, warnings, errs.New(errs.InvalidFormat, "recipients span more than one key-agreement curve; pack separately per curve")
		}
	}

	ephPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, warnings, errs.Wrap(errs.KeyUnavailable, err, "generate ephemeral key")
	}

	cek := make([]byte, 64) // A256CBC-HS512 key size
	if _, err := rand.Read(cek); err != nil {
		return nil, warnings, errs.Wrap(errs.KeyUnavailable, err, "generate content encryption key")
	}

	alg := algAnoncrypt
	if opts.Mode == Authcrypt {
		alg = algAuthcrypt
	}
	apv := combinedAPV(resolved)

	header := jweProtectedHeader{
		Typ: typJWEEncrypted, Alg: alg, Enc: encA256CBC,
		EPK: jwkFor(curve, ephPriv.PublicKey()), APV: apv,
	}
	if opts.Mode == Authcrypt {
		header.APU = codec.B64URLEncode([]byte(opts.SignerKID))
		header.SKID = opts.SignerKID
	}
	headerBytes, err := codec.CanonicalJSON(header)
	if err != nil {
		return nil, warnings, errs.Wrap(errs.InvalidJSON, err, "build JWE protected header")
	}
	protectedB64 := codec.B64URLEncode(headerBytes)

	var recipients []jweRecipient
	for _, rk := range resolved {
		peerPub, err := curve.NewPublicKey(rk.pub)
		if err != nil {
			warnings = append(warnings, Warning{Recipient: rk.did, Err: err})
			continue
		}
		z, err := ephPriv.ECDH(peerPub)
		if err != nil {
			warnings = append(warnings, Warning{Recipient: rk.did, Err: err})
			continue
		}
		if opts.Mode == Authcrypt {
			zs, err := keys.Agree(opts.SignerKID, rk.pub)
			if err != nil {
				warnings = append(warnings, Warning{Recipient: rk.did, Err: err})
				continue
			}
			z = append(append([]byte{}, z...), zs...)
		}
		kek := concatKDF(z, alg, headerAPUBytes(header), []byte(apv), 256)
		wrapped, err := aesKWWrap(kek, cek)
		if err != nil {
			warnings = append(warnings, Warning{Recipient: rk.did, Err: err})
			continue
		}
		recipients = append(recipients, jweRecipient{Header: jweRecipHeader{KID: rk.kid}, EncryptedKey: codec.B64URLEncode(wrapped)})
	}
	if len(recipients) == 0 {
		return nil, warnings, errs.New(errs.NoResolvableRecipients, "key wrapping failed for every resolved recipient")
	}

	iv, ciphertext, tag, err := contentEncrypt(cek, []byte(protectedB64), payload)
	if err != nil {
		return nil, warnings, err
	}

	out := jweGeneral{
		Protected:  protectedB64,
		Recipients: recipients,
		IV:         codec.B64URLEncode(iv),
		Ciphertext: codec.B64URLEncode(ciphertext),
		Tag:        codec.B64URLEncode(tag),
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, warnings, errs.Wrap(errs.InvalidJSON, err, "marshal JWE")
	}
	return b, warnings, nil
}

func unpackJWE(ctx context.Context, keys Keys, resolver tapdid.Resolver, raw []byte, locals []LocalKey) (json.RawMessage, UnpackMeta, error) {
	var env jweGeneral
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.MalformedEncoding, err, "parse JWE")
	}
	headerBytes, err := codec.B64URLDecode(env.Protected)
	if err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.MalformedEncoding, err, "decode JWE protected header")
	}
	var header jweProtectedHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.Malformed, err, "parse JWE protected header")
	}

	mode := Anoncrypt
	if header.Alg == algAuthcrypt {
		mode = Authcrypt
	}

	var matched *jweRecipient
	var keystoreKID string
	for _, lk := range locals {
		for i := range env.Recipients {
			if env.Recipients[i].Header.KID == lk.RecipientKID {
				matched = &env.Recipients[i]
				keystoreKID = lk.KeystoreKID
				break
			}
		}
		if matched != nil {
			break
		}
	}
	if matched == nil {
		return nil, UnpackMeta{}, errs.New(errs.KeyUnavailable, "no local key matches any JWE recipient")
	}

	_, peerPub, err := curveAndPubFromJWK(header.EPK)
	if err != nil {
		return nil, UnpackMeta{}, err
	}

	z, err := keys.Agree(keystoreKID, peerPub)
	if err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.DecryptFailed, err, "agree on ephemeral key")
	}

	var senderDID string
	if mode == Authcrypt {
		if header.SKID == "" {
			return nil, UnpackMeta{}, errs.New(errs.Unauthorized, "authcrypt envelope missing skid")
		}
		senderDID = stripFragment(header.SKID)
		doc, err := resolver.Resolve(ctx, senderDID)
		if err != nil {
			return nil, UnpackMeta{}, errs.Wrap(errs.Unauthorized, err, "resolve authcrypt sender")
		}
		vm, ok := doc.VerificationMethodByID(header.SKID)
		if !ok {
			return nil, UnpackMeta{}, errs.New(errs.Unauthorized, "authcrypt sender key %q not in resolved document", header.SKID)
		}
		zs, err := keys.Agree(keystoreKID, vm.PublicKeyBytes)
		if err != nil {
			return nil, UnpackMeta{}, errs.Wrap(errs.DecryptFailed, err, "agree on sender static key")
		}
		z = append(append([]byte{}, z...), zs...)
	}

	wrapped, err := codec.B64URLDecode(matched.EncryptedKey)
	if err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.MalformedEncoding, err, "decode encrypted_key")
	}
	kek := concatKDF(z, header.Alg, headerAPUBytes(header), []byte(header.APV), 256)
	cek, err := aesKWUnwrap(kek, wrapped)
	if err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.DecryptFailed, err, "unwrap content encryption key")
	}

	iv, err := codec.B64URLDecode(env.IV)
	if err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.MalformedEncoding, err, "decode iv")
	}
	ciphertext, err := codec.B64URLDecode(env.Ciphertext)
	if err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.MalformedEncoding, err, "decode ciphertext")
	}
	tag, err := codec.B64URLDecode(env.Tag)
	if err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.MalformedEncoding, err, "decode tag")
	}

	plaintext, err := contentDecrypt(cek, []byte(env.Protected), iv, ciphertext, tag)
	if err != nil {
		return nil, UnpackMeta{}, errs.Wrap(errs.DecryptFailed, err, "decrypt content")
	}

	return json.RawMessage(plaintext), UnpackMeta{Kind: mode, SenderDID: senderDID, RecipientKID: keystoreKID}, nil
}

func headerAPUBytes(h jweProtectedHeader) []byte {
	if h.APU == "" {
		return nil
	}
	b, err := codec.B64URLDecode(h.APU)
	if err != nil {
		return nil
	}
	return b
}

func combinedAPV(resolved []recipientKey) string {
	kids := make([]string, len(resolved))
	for i, rk := range resolved {
		kids[i] = rk.kid
	}
	sort.Strings(kids)
	h := sha256.Sum256([]byte(strings.Join(kids, ".")))
	return codec.B64URLEncode(h[:])
}

func jwkFor(curve ecdh.Curve, pub *ecdh.PublicKey) epkJWK {
	raw := pub.Bytes()
	if curve == ecdh.X25519() {
		return epkJWK{Kty: "OKP", Crv: "X25519", X: codec.B64URLEncode(raw)}
	}
	// P-256 ecdh.PublicKey.Bytes() is uncompressed SEC1: 0x04 || X || Y.
	x := raw[1:33]
	y := raw[33:65]
	return epkJWK{Kty: "EC", Crv: "P-256", X: codec.B64URLEncode(x), Y: codec.B64URLEncode(y)}
}

func curveAndPubFromJWK(j epkJWK) (ecdh.Curve, []byte, error) {
	switch j.Kty {
	case "OKP":
		if j.Crv != "X25519" {
			return nil, nil, errs.New(errs.Malformed, "unsupported OKP epk curve %q", j.Crv)
		}
		x, err := codec.B64URLDecode(j.X)
		if err != nil {
			return nil, nil, errs.Wrap(errs.MalformedEncoding, err, "decode epk.x")
		}
		return ecdh.X25519(), x, nil
	case "EC":
		if j.Crv != "P-256" {
			return nil, nil, errs.New(errs.Malformed, "unsupported EC epk curve %q", j.Crv)
		}
		x, err := codec.B64URLDecode(j.X)
		if err != nil {
			return nil, nil, errs.Wrap(errs.MalformedEncoding, err, "decode epk.x")
		}
		y, err := codec.B64URLDecode(j.Y)
		if err != nil {
			return nil, nil, errs.Wrap(errs.MalformedEncoding, err, "decode epk.y")
		}
		raw := append([]byte{0x04}, append(append([]byte{}, x...), y...)...)
		return ecdh.P256(), raw, nil
	default:
		return nil, nil, errs.New(errs.Malformed, "unsupported epk kty %q", j.Kty)
	}
}

// ---- Concat KDF (NIST SP 800-56A, single round, RFC 7518 §4.6) ----

func concatKDF(z []byte, alg string, apu, apv []byte, keyDataLenBits int) []byte {
	otherInfo := concatOtherInfo(alg, apu, apv, keyDataLenBits)
	outLen := keyDataLenBits / 8
	var out []byte
	for counter := uint32(1); len(out) < outLen; counter++ {
		h := sha256.New()
		var c [4]byte
		binary.BigEndian.PutUint32(c[:], counter)
		h.Write(c[:])
		h.Write(z)
		h.Write(otherInfo)
		out = append(out, h.Sum(nil)...)
	}
	return out[:outLen]
}

func concatOtherInfo(alg string, apu, apv []byte, keyDataLenBits int) []byte {
	var buf []byte
	buf = append(buf, lenPrefixed([]byte(alg))...)
	buf = append(buf, lenPrefixed(apu)...)
	buf = append(buf, lenPrefixed(apv)...)
	var suppPub [4]byte
	binary.BigEndian.PutUint32(suppPub[:], uint32(keyDataLenBits))
	buf = append(buf, suppPub[:]...)
	return buf
}

func lenPrefixed(data []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)))
	return append(l[:], data...)
}

// ---- RFC 3394 AES Key Wrap ----

var kwIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

func aesKWWrap(kek, cek []byte) ([]byte, error) {
	if len(cek)%8 != 0 {
		return nil, errs.New(errs.KeyUnavailable, "key to wrap is not a multiple of 64 bits")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	n := len(cek) / 8
	r := make([][8]byte, n)
	for i := range r {
		copy(r[i][:], cek[i*8:(i+1)*8])
	}
	a := kwIV
	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Encrypt(buf, buf)
			copy(a[:], buf[:8])
			xorUint64(a[:], uint64(n*j+i))
			copy(r[i-1][:], buf[8:])
		}
	}
	out := append([]byte{}, a[:]...)
	for _, blk := range r {
		out = append(out, blk[:]...)
	}
	return out, nil
}

func aesKWUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, errs.New(errs.DecryptFailed, "wrapped key has invalid length %d", len(wrapped))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])
	r := make([][8]byte, n)
	for i := range r {
		copy(r[i][:], wrapped[(i+1)*8:(i+2)*8])
	}
	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			aXor := a
			xorUint64(aXor[:], uint64(n*j+i))
			copy(buf[:8], aXor[:])
			copy(buf[8:], r[i-1][:])
			block.Decrypt(buf, buf)
			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])
		}
	}
	if subtle.ConstantTimeCompare(a[:], kwIV[:]) != 1 {
		return nil, errs.New(errs.DecryptFailed, "key wrap integrity check failed")
	}
	out := make([]byte, 0, n*8)
	for _, blk := range r {
		out = append(out, blk[:]...)
	}
	return out, nil
}

func xorUint64(dst []byte, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	for i := range dst {
		dst[i] ^= b[i]
	}
}

// ---- A256CBC-HS512 content encryption (RFC 7518 §5.2.2) ----

func contentEncrypt(cek, aad, plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	if len(cek) != 64 {
		return nil, nil, nil, errs.New(errs.KeyUnavailable, "A256CBC-HS512 requires a 64-byte CEK, got %d", len(cek))
	}
	macKey, encKey := cek[:32], cek[32:]

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	tag = macTag(macKey, aad, iv, ciphertext)
	return iv, ciphertext, tag, nil
}

func contentDecrypt(cek, aad, iv, ciphertext, tag []byte) ([]byte, error) {
	if len(cek) != 64 {
		return nil, errs.New(errs.KeyUnavailable, "A256CBC-HS512 requires a 64-byte CEK, got %d", len(cek))
	}
	macKey, encKey := cek[:32], cek[32:]

	expectedTag := macTag(macKey, aad, iv, ciphertext)
	if subtle.ConstantTimeCompare(expectedTag, tag) != 1 {
		return nil, errs.New(errs.DecryptFailed, "authentication tag mismatch")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errs.New(errs.DecryptFailed, "ciphertext is not a multiple of the block size")
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded)
}

func macTag(macKey, aad, iv, ciphertext []byte) []byte {
	al := make([]byte, 8)
	binary.BigEndian.PutUint64(al, uint64(len(aad))*8)
	mac := hmac.New(sha512.New, macKey)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(al)
	return mac.Sum(nil)[:32]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errs.New(errs.DecryptFailed, "empty padded content")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errs.New(errs.DecryptFailed, "invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errs.New(errs.DecryptFailed, "invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
