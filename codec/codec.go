// Package codec provides the canonical base64url and JSON primitives the
// envelope layer builds JWS/JWE signing input from. It does not re-sort or
// reformat JSON supplied by callers: per spec.md's design note, a sender
// signs exactly the bytes it emitted, and a verifier checks exactly the
// bytes it received.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

// B64URLEncode encodes data as unpadded base64url, the encoding DIDComm v2
// envelopes use for "payload", "protected", and "signature" fields.
func B64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// B64URLDecode decodes unpadded (or padded, tolerated) base64url.
func B64URLDecode(s string) ([]byte, error) {
	if data, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedEncoding, err, "invalid base64url")
	}
	return data, nil
}

// CanonicalJSON marshals v into a compact, UTF-8, whitespace-free JSON
// byte string via encoding/json's default map/struct key ordering (struct
// field declaration order, alphabetical for map[string]any). Callers that
// need a specific field order should marshal an ordered structure (e.g. a
// struct, not a map) themselves; CanonicalJSON only strips incidental
// whitespace and validates UTF-8, it does not reorder keys a caller chose.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidJSON, err, "marshal")
	}
	return Compact(raw)
}

// Compact strips insignificant whitespace from an already-encoded JSON
// document and validates that it is well-formed UTF-8, without altering key
// order. It is idempotent: Compact(Compact(x)) == Compact(x).
func Compact(raw []byte) ([]byte, error) {
	if !utf8.Valid(raw) {
		return nil, errs.New(errs.InvalidJSON, "payload is not valid UTF-8")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, errs.Wrap(errs.InvalidJSON, err, "compact")
	}
	return buf.Bytes(), nil
}

// Reparse decodes raw JSON into an interface{} value tree, used by callers
// verifying that CanonicalJSON's output reparses to an equal value tree.
func Reparse(raw []byte) (interface{}, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, errs.Wrap(errs.InvalidJSON, err, "decode")
	}
	return v, nil
}
