// Package didkey resolves did:key DIDs in-process by decoding the
// multibase-multicodec public key and constructing a deterministic
// Document with one verification method and, for Ed25519 keys, one derived
// X25519 key-agreement method (spec.md §4.2).
package didkey

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/did"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

// Multicodec prefixes, varint-encoded, per the did:key / multicodec table.
const (
	codecEd25519Pub   = 0xed
	codecX25519Pub    = 0xec
	codecP256Pub      = 0x1200
	codecSecp256k1Pub = 0xe7
)

// Resolver resolves did:key identifiers without any network access.
type Resolver struct{}

// NewResolver returns a did:key Resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve decodes a did:key DID into a deterministic DID Document.
func (r *Resolver) Resolve(_ context.Context, id string) (*did.Document, error) {
	codecID, pub, err := decode(id)
	if err != nil {
		return nil, err
	}

	doc := &did.Document{ID: id}

	switch codecID {
	case codecEd25519Pub:
		if len(pub) != ed25519.PublicKeySize {
			return nil, errs.New(errs.Malformed, "did:key ed25519 public key has wrong length %d", len(pub))
		}
		signID := id + "#" + id[len("did:key:"):]
		doc.VerificationMethod = append(doc.VerificationMethod, did.VerificationMethod{
			ID: signID, Type: "Ed25519VerificationKey2020", Controller: id,
			KeyType: did.KeyTypeEd25519, PublicKeyBytes: append([]byte(nil), pub...),
			PublicKeyMultibase: id[len("did:key:"):],
		})
		doc.Authentication = []string{signID}
		doc.AssertionMethod = []string{signID}

		x25519Pub, err := ed25519PubToX25519(pub)
		if err != nil {
			return nil, errs.Wrap(errs.Malformed, err, "convert ed25519 key to X25519")
		}
		kaID := signID + "-kx"
		kaMultibase, err := encode(codecX25519Pub, x25519Pub)
		if err != nil {
			return nil, err
		}
		doc.VerificationMethod = append(doc.VerificationMethod, did.VerificationMethod{
			ID: kaID, Type: "X25519KeyAgreementKey2020", Controller: id,
			KeyType: did.KeyTypeX25519, PublicKeyBytes: x25519Pub,
			PublicKeyMultibase: kaMultibase[len("z"):],
		})
		doc.KeyAgreement = []string{kaID}

	case codecX25519Pub:
		kaID := id + "#" + id[len("did:key:"):]
		doc.VerificationMethod = append(doc.VerificationMethod, did.VerificationMethod{
			ID: kaID, Type: "X25519KeyAgreementKey2020", Controller: id,
			KeyType: did.KeyTypeX25519, PublicKeyBytes: pub,
			PublicKeyMultibase: id[len("did:key:"):],
		})
		doc.KeyAgreement = []string{kaID}

	case codecP256Pub:
		signID := id + "#" + id[len("did:key:"):]
		doc.VerificationMethod = append(doc.VerificationMethod, did.VerificationMethod{
			ID: signID, Type: "JsonWebKey2020", Controller: id,
			KeyType: did.KeyTypeP256, PublicKeyBytes: pub,
			PublicKeyMultibase: id[len("did:key:"):],
		})
		doc.Authentication = []string{signID}
		doc.AssertionMethod = []string{signID}

	case codecSecp256k1Pub:
		signID := id + "#" + id[len("did:key:"):]
		doc.VerificationMethod = append(doc.VerificationMethod, did.VerificationMethod{
			ID: signID, Type: "JsonWebKey2020", Controller: id,
			KeyType: did.KeyTypeSecp256k1, PublicKeyBytes: pub,
			PublicKeyMultibase: id[len("did:key:"):],
		})
		doc.Authentication = []string{signID}
		doc.AssertionMethod = []string{signID}

	default:
		return nil, errs.New(errs.Malformed, "did:key unsupported multicodec 0x%x", codecID)
	}

	return doc, nil
}

// Encode builds a did:key identifier for a public key of the given
// multicodec id (one of the codec* constants).
func Encode(codecID uint64, pub []byte) (string, error) {
	mb, err := encode(codecID, pub)
	if err != nil {
		return "", err
	}
	return "did:key:" + mb, nil
}

func encode(codecID uint64, pub []byte) (string, error) {
	var varint [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varint[:], codecID)
	data := append(append([]byte{}, varint[:n]...), pub...)
	return "z" + base58.Encode(data), nil
}

func decode(id string) (uint64, []byte, error) {
	const prefix = "did:key:"
	if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
		return 0, nil, errs.New(errs.Malformed, "not a did:key DID: %q", id)
	}
	mb := id[len(prefix):]
	if len(mb) == 0 || mb[0] != 'z' {
		return 0, nil, errs.New(errs.Malformed, "did:key must use base58btc multibase (z-prefix): %q", id)
	}
	data, err := base58.Decode(mb[1:])
	if err != nil {
		return 0, nil, errs.Wrap(errs.MalformedEncoding, err, "base58 decode")
	}
	codecID, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, errs.New(errs.Malformed, "did:key multicodec varint malformed")
	}
	return codecID, data[n:], nil
}

// ed25519PubToX25519 converts an Ed25519 public key to its X25519
// (Montgomery form) counterpart via filippo.io/edwards25519's birational
// map, so a did:key's key-agreement key is deterministically derived from
// its signing key rather than generated independently.
func ed25519PubToX25519(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("not a valid Edwards25519 point: %w", err)
	}
	return p.BytesMontgomery(), nil
}
