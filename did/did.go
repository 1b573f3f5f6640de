// Package did defines the DID Document shape and the pluggable Resolver
// contract TAP agents use to look up verification and key-agreement keys.
// It composes method-specific resolvers (didkey, didweb, or host-registered
// others) behind one Registry, dispatching by DID method, plus a
// bounded-TTL CachingResolver wrapping any inner Resolver.
package did

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

// KeyType identifies the cryptographic type of a verification method.
type KeyType string

const (
	KeyTypeEd25519   KeyType = "Ed25519"
	KeyTypeP256      KeyType = "P-256"
	KeyTypeSecp256k1 KeyType = "secp256k1"
	KeyTypeX25519    KeyType = "X25519"
)

// VerificationMethod is one key entry in a DID Document.
type VerificationMethod struct {
	ID                 string  `json:"id"`
	Type               string  `json:"type"`
	Controller         string  `json:"controller"`
	KeyType            KeyType `json:"-"`
	PublicKeyMultibase string  `json:"publicKeyMultibase,omitempty"`
	PublicKeyJWK       map[string]interface{} `json:"publicKeyJwk,omitempty"`
	PublicKeyBytes     []byte  `json:"-"`
}

// ServiceEndpoint is a DID Document service entry (used by the HTTPS
// transport to find where to POST an envelope).
type ServiceEndpoint struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Document is a resolved DID Document.
type Document struct {
	ID                 string                `json:"id"`
	VerificationMethod []VerificationMethod  `json:"verificationMethod,omitempty"`
	Authentication     []string              `json:"authentication,omitempty"`
	AssertionMethod    []string              `json:"assertionMethod,omitempty"`
	KeyAgreement       []string              `json:"keyAgreement,omitempty"`
	Service            []ServiceEndpoint     `json:"service,omitempty"`
	TTL                time.Duration         `json:"-"` // document-asserted cache TTL, 0 = use resolver default
}

// VerificationMethodByID returns the verification method whose id equals
// the did#fragment form, or whose fragment alone matches.
func (d *Document) VerificationMethodByID(id string) (*VerificationMethod, bool) {
	for i := range d.VerificationMethod {
		vm := &d.VerificationMethod[i]
		if vm.ID == id || strings.HasSuffix(vm.ID, "#"+fragment(id)) {
			return vm, true
		}
	}
	return nil, false
}

// SigningMethods returns the verification methods usable for signing
// (those referenced by Authentication or AssertionMethod).
func (d *Document) SigningMethods() []VerificationMethod {
	return d.methodsIn(append(append([]string{}, d.Authentication...), d.AssertionMethod...))
}

// KeyAgreementMethods returns the verification methods usable for ECDH key
// agreement.
func (d *Document) KeyAgreementMethods() []VerificationMethod {
	return d.methodsIn(d.KeyAgreement)
}

func (d *Document) methodsIn(ids []string) []VerificationMethod {
	if len(ids) == 0 {
		return d.VerificationMethod
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
		seen[fragment(id)] = true
	}
	var out []VerificationMethod
	for _, vm := range d.VerificationMethod {
		if seen[vm.ID] || seen[fragment(vm.ID)] {
			out = append(out, vm)
		}
	}
	return out
}

func fragment(id string) string {
	if i := strings.IndexByte(id, '#'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Resolver resolves a DID to a Document.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(ctx context.Context, did string) (*Document, error)

func (f ResolverFunc) Resolve(ctx context.Context, did string) (*Document, error) {
	return f(ctx, did)
}

// Method extracts the method segment of a DID ("key", "web", ...).
func Method(d string) (string, error) {
	parts := strings.SplitN(d, ":", 3)
	if len(parts) < 3 || parts[0] != "did" {
		return "", errs.New(errs.Malformed, "not a DID: %q", d)
	}
	return parts[1], nil
}

// Registry composes method-specific resolvers behind one Resolver, the
// pluggable resolver map spec.md §4.2 calls for.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewRegistry creates an empty registry. Register did:key/did:web (or any
// other method) resolvers onto it before use.
func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string]Resolver)}
}

// Register installs the resolver for a DID method (e.g. "key", "web").
func (r *Registry) Register(method string, resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[method] = resolver
}

// Resolve dispatches to the resolver registered for did's method.
func (r *Registry) Resolve(ctx context.Context, d string) (*Document, error) {
	method, err := Method(d)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	resolver, ok := r.resolvers[method]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.MethodUnsupported, "no resolver registered for DID method %q", method)
	}
	doc, err := resolver.Resolve(ctx, d)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errs.New(errs.NotFound, "resolver returned no document for %q", d)
	}
	return doc, nil
}

const defaultCacheTTL = 10 * time.Minute

type cacheEntry struct {
	doc       *Document
	expiresAt time.Time
}

// CachingResolver wraps an inner Resolver with a bounded-TTL cache,
// respecting Document.TTL when the document asserts one, falling back to a
// bounded default otherwise, per spec.md §4.2.
type CachingResolver struct {
	inner      Resolver
	defaultTTL time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCachingResolver wraps inner with a cache using defaultTTL when a
// document does not assert its own TTL. defaultTTL <= 0 uses a 10 minute
// default.
func NewCachingResolver(inner Resolver, defaultTTL time.Duration) *CachingResolver {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	return &CachingResolver{inner: inner, defaultTTL: defaultTTL, entries: make(map[string]cacheEntry)}
}

func (c *CachingResolver) Resolve(ctx context.Context, d string) (*Document, error) {
	c.mu.Lock()
	if e, ok := c.entries[d]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.doc, nil
	}
	c.mu.Unlock()

	doc, err := c.inner.Resolve(ctx, d)
	if err != nil {
		return nil, err
	}

	ttl := c.defaultTTL
	if doc.TTL > 0 {
		ttl = doc.TTL
	}
	c.mu.Lock()
	c.entries[d] = cacheEntry{doc: doc, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return doc, nil
}

// Invalidate drops any cached document for did.
func (c *CachingResolver) Invalidate(d string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, d)
}
