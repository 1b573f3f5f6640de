package didweb

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"context"
)

func TestResolveWellKnown(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/did.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/did+json")
		w.Write([]byte(`{
			"id": "` + didForServer(r.Host) + `",
			"verificationMethod": [{"id":"` + didForServer(r.Host) + `#key-1","type":"JsonWebKey2020","controller":"` + didForServer(r.Host) + `"}],
			"authentication": ["` + didForServer(r.Host) + `#key-1"],
			"service": [{"id":"` + didForServer(r.Host) + `#tap","type":"TAPAgent","serviceEndpoint":"https://example.com/tap"}]
		}`))
	}))
	defer srv.Close()

	r := NewResolver(srv.Client())
	id := didForServer(strings.TrimPrefix(srv.URL, "https://"))
	doc, err := r.Resolve(context.Background(), id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(doc.VerificationMethod) != 1 {
		t.Fatalf("expected 1 verification method, got %d", len(doc.VerificationMethod))
	}
	if len(doc.Service) != 1 || doc.Service[0].ServiceEndpoint != "https://example.com/tap" {
		t.Fatalf("service entry not parsed: %+v", doc.Service)
	}
}

func TestResolveNotFound(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := NewResolver(srv.Client())
	id := didForServer(strings.TrimPrefix(srv.URL, "https://"))
	if _, err := r.Resolve(context.Background(), id); err == nil {
		t.Fatal("expected NotFound error")
	}
}

func didForServer(hostport string) string {
	return "did:web:" + strings.ReplaceAll(hostport, ":", "%3A")
}
