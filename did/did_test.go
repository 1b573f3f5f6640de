package did

import (
	"context"
	"testing"
	"time"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

func sampleDoc(id string) *Document {
	return &Document{
		ID: id,
		VerificationMethod: []VerificationMethod{
			{ID: id + "#sig", Type: "Ed25519VerificationKey2020", KeyType: KeyTypeEd25519},
			{ID: id + "#kx", Type: "X25519KeyAgreementKey2020", KeyType: KeyTypeX25519},
		},
		Authentication: []string{id + "#sig"},
		KeyAgreement:   []string{id + "#kx"},
	}
}

func TestVerificationMethodByID(t *testing.T) {
	doc := sampleDoc("did:key:zAlice")
	vm, ok := doc.VerificationMethodByID("did:key:zAlice#sig")
	if !ok || vm.KeyType != KeyTypeEd25519 {
		t.Fatalf("expected sig method, got %+v ok=%v", vm, ok)
	}
	if _, ok := doc.VerificationMethodByID("#nope"); ok {
		t.Fatalf("expected no match for unknown fragment")
	}
}

func TestSigningAndKeyAgreementMethods(t *testing.T) {
	doc := sampleDoc("did:key:zAlice")
	signing := doc.SigningMethods()
	if len(signing) != 1 || signing[0].KeyType != KeyTypeEd25519 {
		t.Fatalf("signing methods = %+v, want one Ed25519 entry", signing)
	}
	ka := doc.KeyAgreementMethods()
	if len(ka) != 1 || ka[0].KeyType != KeyTypeX25519 {
		t.Fatalf("key agreement methods = %+v, want one X25519 entry", ka)
	}
}

func TestMethod(t *testing.T) {
	m, err := Method("did:key:zAlice")
	if err != nil || m != "key" {
		t.Fatalf("Method = %q, %v, want key, nil", m, err)
	}
	if _, err := Method("not-a-did"); !errs.OfKind(err, errs.Malformed) {
		t.Fatalf("expected Malformed error, got %v", err)
	}
}

func TestRegistryDispatchesByMethod(t *testing.T) {
	reg := NewRegistry()
	reg.Register("key", ResolverFunc(func(_ context.Context, d string) (*Document, error) {
		return sampleDoc(d), nil
	}))

	doc, err := reg.Resolve(context.Background(), "did:key:zBob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if doc.ID != "did:key:zBob" {
		t.Fatalf("doc.ID = %q, want did:key:zBob", doc.ID)
	}

	if _, err := reg.Resolve(context.Background(), "did:web:example.com"); !errs.OfKind(err, errs.MethodUnsupported) {
		t.Fatalf("expected MethodUnsupported, got %v", err)
	}
}

func TestRegistryRejectsNilDocument(t *testing.T) {
	reg := NewRegistry()
	reg.Register("key", ResolverFunc(func(_ context.Context, d string) (*Document, error) {
		return nil, nil
	}))
	if _, err := reg.Resolve(context.Background(), "did:key:zNobody"); !errs.OfKind(err, errs.NotFound) {
		t.Fatalf("expected NotFound for nil document, got %v", err)
	}
}

func TestCachingResolverReusesEntryUntilExpiry(t *testing.T) {
	calls := 0
	inner := ResolverFunc(func(_ context.Context, d string) (*Document, error) {
		calls++
		return sampleDoc(d), nil
	})
	c := NewCachingResolver(inner, 20*time.Millisecond)

	if _, err := c.Resolve(context.Background(), "did:key:zAlice"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := c.Resolve(context.Background(), "did:key:zAlice"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (cached)", calls)
	}

	time.Sleep(30 * time.Millisecond)
	if _, err := c.Resolve(context.Background(), "did:key:zAlice"); err != nil {
		t.Fatalf("resolve after expiry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (re-resolved after TTL)", calls)
	}
}

func TestCachingResolverInvalidate(t *testing.T) {
	calls := 0
	inner := ResolverFunc(func(_ context.Context, d string) (*Document, error) {
		calls++
		return sampleDoc(d), nil
	})
	c := NewCachingResolver(inner, time.Hour)

	if _, err := c.Resolve(context.Background(), "did:key:zAlice"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	c.Invalidate("did:key:zAlice")
	if _, err := c.Resolve(context.Background(), "did:key:zAlice"); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (invalidate forces re-resolve)", calls)
	}
}
