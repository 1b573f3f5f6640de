package keystore

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"filippo.io/edwards25519"
)

func TestGenerateAndSignEd25519(t *testing.T) {
	s := NewStore()
	did, kid, err := s.Generate(Ed25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if did == "" || kid == "" {
		t.Fatal("expected non-empty did and kid")
	}

	alg, err := s.Algorithm(kid)
	if err != nil {
		t.Fatalf("algorithm: %v", err)
	}
	if alg != "EdDSA" {
		t.Fatalf("alg = %s, want EdDSA", alg)
	}

	msg := []byte("authorize transfer")
	sig, err := s.Sign(kid, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	entries := s.List()
	if len(entries) != 1 || entries[0].KID != kid {
		t.Fatalf("unexpected list: %+v", entries)
	}

	// Recover the public key via Export (gated) to verify the signature
	// independently of the store's own signing path.
	token := allowAll{}
	priv, err := s.Export(kid, token)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	pub := ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, msg, sig) {
		t.Fatal("signature did not verify against exported public key")
	}
}

func TestGenerateP256(t *testing.T) {
	s := NewStore()
	did, kid, err := s.Generate(P256)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if did == "" {
		t.Fatal("expected non-empty did")
	}
	alg, err := s.Algorithm(kid)
	if err != nil || alg != "ES256" {
		t.Fatalf("alg = %q, err = %v, want ES256", alg, err)
	}
	sig, err := s.Sign(kid, []byte("payment"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("expected 64-byte fixed-width r||s signature, got %d", len(sig))
	}
}

func TestGenerateSecp256k1(t *testing.T) {
	s := NewStore()
	_, kid, err := s.Generate(Secp256k1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	alg, err := s.Algorithm(kid)
	if err != nil || alg != "ES256K" {
		t.Fatalf("alg = %q, err = %v, want ES256K", alg, err)
	}
	sig, err := s.Sign(kid, []byte("settle"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("expected 64-byte r||s signature without recovery byte, got %d", len(sig))
	}
}

func TestAgreeEd25519RoundTrip(t *testing.T) {
	s := NewStore()
	_, aliceKID, err := s.Generate(Ed25519)
	if err != nil {
		t.Fatalf("generate alice: %v", err)
	}
	_, bobKID, err := s.Generate(Ed25519)
	if err != nil {
		t.Fatalf("generate bob: %v", err)
	}

	alicePub := publicKeyBytes(t, s, aliceKID)
	bobPub := publicKeyBytes(t, s, bobKID)

	aliceX25519Peer, err := x25519PubFromEd25519(bobPub)
	if err != nil {
		t.Fatalf("convert bob pub: %v", err)
	}
	bobX25519Peer, err := x25519PubFromEd25519(alicePub)
	if err != nil {
		t.Fatalf("convert alice pub: %v", err)
	}

	secretA, err := s.Agree(aliceKID, aliceX25519Peer)
	if err != nil {
		t.Fatalf("alice agree: %v", err)
	}
	secretB, err := s.Agree(bobKID, bobX25519Peer)
	if err != nil {
		t.Fatalf("bob agree: %v", err)
	}
	if !bytes.Equal(secretA, secretB) {
		t.Fatal("ECDH shared secrets do not match")
	}
}

func TestExportRequiresAuthorization(t *testing.T) {
	s := NewStore()
	_, kid, err := s.Generate(Ed25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := s.Export(kid, denyAll{}); err == nil {
		t.Fatal("expected export to be rejected without authorization")
	}
	if _, err := s.Export(kid, nil); err == nil {
		t.Fatal("expected export to be rejected with a nil token")
	}
}

func TestSignUnknownKeyFails(t *testing.T) {
	s := NewStore()
	if _, err := s.Sign("did:key:zUnknown#zUnknown", []byte("x")); err == nil {
		t.Fatal("expected error signing with unknown key id")
	}
}

type allowAll struct{}

func (allowAll) Allow(string) bool { return true }

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func publicKeyBytes(t *testing.T, s *Store, kid string) ed25519.PublicKey {
	t.Helper()
	priv, err := s.Export(kid, allowAll{})
	if err != nil {
		t.Fatalf("export %s: %v", kid, err)
	}
	return ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)
}

// x25519PubFromEd25519 mirrors didkey's conversion so this test can derive
// the key-agreement public key a peer would publish in its did:key document.
func x25519PubFromEd25519(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, err
	}
	return p.BytesMontgomery(), nil
}
