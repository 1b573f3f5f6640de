package codec

import (
	"reflect"
	"testing"
)

func TestB64URLRoundTrip(t *testing.T) {
	data := []byte{0, 1, 2, 250, 251, 252, 253, 254, 255}
	enc := B64URLEncode(data)
	dec, err := B64URLDecode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(data, dec) {
		t.Fatalf("round trip mismatch: got %v want %v", dec, data)
	}
}

func TestB64URLDecodeMalformed(t *testing.T) {
	if _, err := B64URLDecode("not base64!!"); err == nil {
		t.Fatal("expected error for malformed base64url")
	}
}

func TestCanonicalJSONIdempotent(t *testing.T) {
	type msg struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	first, err := CanonicalJSON(msg{ID: "1", Type: "https://tap.rsvp/schema/1.0#Transfer"})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	second, err := Compact(first)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("not idempotent: %s vs %s", first, second)
	}

	v1, err := Reparse(first)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	v2, err := Reparse(second)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reflect.DeepEqual(v1, v2) {
		t.Fatalf("reparsed trees differ: %v vs %v", v1, v2)
	}
}

func TestCompactRejectsInvalidUTF8(t *testing.T) {
	if _, err := Compact([]byte{0xff, 0xfe, 0xfd}); err == nil {
		t.Fatal("expected error for invalid UTF-8")
	}
}
