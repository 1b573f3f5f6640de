// Package keystore owns agent private keys and exposes sign/agree
// operations without returning key bytes to callers, generalizing the
// teacher's internal/agent/keys JWK-loading wrapper into the full
// generate/list/sign/agree contract spec.md §4.3 requires.
package keystore

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"math/big"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	tapdid "github.com/TransactionAuthorizationProtocol/tap-rs-sub002/did"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/didkey"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

// KeyType mirrors did.KeyType to keep the package self-contained for
// callers that only need key generation.
type KeyType = tapdid.KeyType

const (
	Ed25519   = tapdid.KeyTypeEd25519
	P256      = tapdid.KeyTypeP256
	Secp256k1 = tapdid.KeyTypeSecp256k1
)

// Entry describes one managed key without exposing private material.
type Entry struct {
	DID     string
	Label   string
	KID     string
	KeyType KeyType
}

type keyRecord struct {
	keyType KeyType
	label   string

	ed25519Priv ed25519.PrivateKey
	ed25519Pub  ed25519.PublicKey

	p256Priv *ecdsa.PrivateKey

	secp256k1Priv *secp256k1.PrivateKey
}

// Store owns private key material for a set of DIDs. All mutating
// operations are guarded by a short critical section, per spec.md §5 ("Key
// Store is accessed under a short critical section per operation; concurrent
// signs are allowed").
type Store struct {
	mu   sync.RWMutex
	keys map[string]*keyRecord // kid -> record
	dids map[string]string     // kid -> did
}

// NewStore creates an empty, in-memory Key Store. Host applications are
// responsible for persisting/loading key material (the on-disk key-file
// format is an external collaborator contract per spec.md §6, out of scope
// for this package).
func NewStore() *Store {
	return &Store{keys: make(map[string]*keyRecord), dids: make(map[string]string)}
}

// Generate creates a new key pair of keyType, derives its did:key DID, and
// stores it. Returns the DID and the key id ("<did>#<fragment>").
func (s *Store) Generate(keyType KeyType) (did string, kid string, err error) {
	switch keyType {
	case Ed25519, "":
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", "", errs.Wrap(errs.KeyUnavailable, err, "generate ed25519 key")
		}
		d, err := didkey.Encode(0xed, pub)
		if err != nil {
			return "", "", err
		}
		kid := d + "#" + d[len("did:key:"):]
		s.store(kid, d, &keyRecord{keyType: Ed25519, ed25519Priv: priv, ed25519Pub: pub})
		return d, kid, nil

	case P256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return "", "", errs.Wrap(errs.KeyUnavailable, err, "generate P-256 key")
		}
		pubBytes := elliptic.MarshalCompressed(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
		d, err := didkey.Encode(0x1200, pubBytes)
		if err != nil {
			return "", "", err
		}
		kid := d + "#" + d[len("did:key:"):]
		s.store(kid, d, &keyRecord{keyType: P256, p256Priv: priv})
		return d, kid, nil

	case Secp256k1:
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return "", "", errs.Wrap(errs.KeyUnavailable, err, "generate secp256k1 key")
		}
		pubBytes := priv.PubKey().SerializeCompressed()
		d, err := didkey.Encode(0xe7, pubBytes)
		if err != nil {
			return "", "", err
		}
		kid := d + "#" + d[len("did:key:"):]
		s.store(kid, d, &keyRecord{keyType: Secp256k1, secp256k1Priv: priv})
		return d, kid, nil

	default:
		return "", "", errs.New(errs.KeyUnavailable, "unsupported key type %q", keyType)
	}
}

func (s *Store) store(kid, did string, rec *keyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[kid] = rec
	s.dids[kid] = did
}

// List returns all managed keys.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.keys))
	for kid, rec := range s.keys {
		out = append(out, Entry{DID: s.dids[kid], Label: rec.label, KID: kid, KeyType: rec.keyType})
	}
	return out
}

// Sign signs bytes with the named key. The algorithm used depends on the
// key's type: EdDSA for Ed25519, ES256 for P-256 (raw fixed-width r||s, not
// ASN.1 DER, per JOSE), ES256K for secp256k1.
func (s *Store) Sign(kid string, data []byte) ([]byte, error) {
	s.mu.RLock()
	rec, ok := s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KeyUnavailable, "no such key %q", kid)
	}

	switch rec.keyType {
	case Ed25519:
		return ed25519.Sign(rec.ed25519Priv, data), nil

	case P256:
		digest := sha256.Sum256(data)
		r, sVal, err := ecdsa.Sign(rand.Reader, rec.p256Priv, digest[:])
		if err != nil {
			return nil, errs.Wrap(errs.KeyUnavailable, err, "sign with P-256 key")
		}
		return joseFixedWidth(r, sVal, 32), nil

	case Secp256k1:
		digest := sha256.Sum256(data)
		sig := dcrecdsa.SignCompact(rec.secp256k1Priv, digest[:], false)
		// SignCompact returns [recovery_id(1) || r(32) || s(32)]; JOSE ES256K
		// wants raw r||s without the recovery byte.
		if len(sig) != 65 {
			return nil, errs.New(errs.KeyUnavailable, "unexpected secp256k1 signature length %d", len(sig))
		}
		return sig[1:], nil

	default:
		return nil, errs.New(errs.KeyUnavailable, "key %q has unsupported type %q", kid, rec.keyType)
	}
}

// Algorithm returns the JOSE "alg" value for the named key's type, per
// spec.md §4.4 ("alg is derived from the signing key type").
func (s *Store) Algorithm(kid string) (string, error) {
	s.mu.RLock()
	rec, ok := s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return "", errs.New(errs.KeyUnavailable, "no such key %q", kid)
	}
	switch rec.keyType {
	case Ed25519:
		return "EdDSA", nil
	case P256:
		return "ES256", nil
	case Secp256k1:
		return "ES256K", nil
	default:
		return "", errs.New(errs.KeyUnavailable, "key %q has unsupported type %q", kid, rec.keyType)
	}
}

// Agree performs ECDH key agreement between the named local key and a
// peer's raw public key bytes, converting Ed25519 keys to X25519 first, per
// spec.md §4.3.
func (s *Store) Agree(kid string, peerPublicKey []byte) ([]byte, error) {
	s.mu.RLock()
	rec, ok := s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KeyUnavailable, "no such key %q", kid)
	}

	switch rec.keyType {
	case Ed25519:
		xPriv := ed25519PrivToX25519(rec.ed25519Priv)
		curve := ecdh.X25519()
		priv, err := curve.NewPrivateKey(xPriv)
		if err != nil {
			return nil, errs.Wrap(errs.KeyUnavailable, err, "load X25519 private key")
		}
		peer, err := curve.NewPublicKey(peerPublicKey)
		if err != nil {
			return nil, errs.Wrap(errs.KeyUnavailable, err, "load peer X25519 public key")
		}
		secret, err := priv.ECDH(peer)
		if err != nil {
			return nil, errs.Wrap(errs.KeyUnavailable, err, "ECDH")
		}
		return secret, nil

	case P256:
		curve := ecdh.P256()
		priv, err := curve.NewPrivateKey(rec.p256Priv.D.FillBytes(make([]byte, 32)))
		if err != nil {
			return nil, errs.Wrap(errs.KeyUnavailable, err, "load P-256 private key")
		}
		peer, err := curve.NewPublicKey(peerPublicKey)
		if err != nil {
			return nil, errs.Wrap(errs.KeyUnavailable, err, "load peer P-256 public key")
		}
		secret, err := priv.ECDH(peer)
		if err != nil {
			return nil, errs.Wrap(errs.KeyUnavailable, err, "ECDH")
		}
		return secret, nil

	default:
		return nil, errs.New(errs.KeyUnavailable, "key %q has unsupported type %q for key agreement", kid, rec.keyType)
	}
}

// Export returns the raw private key bytes for kid, gated by a host-issued
// token. The core never generates or validates these tokens itself — per
// spec.md §4.3, export is an out-of-band host concern; this method exists
// only so a host integration has one place to hook the gate.
func (s *Store) Export(kid string, hostToken ExportToken) ([]byte, error) {
	if hostToken == nil || !hostToken.Allow(kid) {
		return nil, errs.New(errs.Unauthorized, "export of key %q not authorized by host", kid)
	}
	s.mu.RLock()
	rec, ok := s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KeyUnavailable, "no such key %q", kid)
	}
	switch rec.keyType {
	case Ed25519:
		return append([]byte(nil), rec.ed25519Priv...), nil
	case P256:
		return rec.p256Priv.D.FillBytes(make([]byte, 32)), nil
	case Secp256k1:
		return rec.secp256k1Priv.Serialize(), nil
	default:
		return nil, errs.New(errs.KeyUnavailable, "key %q has unsupported type %q", kid, rec.keyType)
	}
}

// ExportToken is a host-supplied capability gating Export. The core treats
// it opaquely; hosts decide what Allow means for their deployment.
type ExportToken interface {
	Allow(kid string) bool
}

func joseFixedWidth(r, s *big.Int, size int) []byte {
	out := make([]byte, size*2)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out
}

// ed25519PrivToX25519 derives the Curve25519 (X25519) private scalar from an
// Ed25519 private key's seed: SHA-512(seed)[0:32], clamped per RFC 8032 —
// the same derivation libsodium's crypto_sign_ed25519_sk_to_curve25519 uses,
// mirroring how Ed25519 itself expands its seed into a signing scalar.
func ed25519PrivToX25519(priv ed25519.PrivateKey) []byte {
	digest := sha512.Sum512(priv.Seed())
	scalar := make([]byte, 32)
	copy(scalar, digest[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}
