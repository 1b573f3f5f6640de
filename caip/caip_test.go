package caip

import "testing"

func TestParseAccountRoundTrip(t *testing.T) {
	const s = "eip155:1:0xab16a96D359eC26A11e2C2b3d8f8B8942d5Bfcdb"
	a, err := ParseAccount(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.String() != s {
		t.Fatalf("reserialize = %q, want %q", a.String(), s)
	}
}

func TestParseAssetRoundTrip(t *testing.T) {
	const s = "eip155:1/erc20:0xdAC17F958D2ee523a2206206994597C13D831ec7"
	a, err := ParseAsset(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.String() != s {
		t.Fatalf("reserialize = %q, want %q", a.String(), s)
	}
}

func TestParseSettlementIDRoundTrip(t *testing.T) {
	const s = "eip155:1:tx:0x9fc76417374aa880d4449a1f7f31ec597f00b1f6f3dd2d66f4c9c6c445836d8b"
	id, err := ParseSettlementID(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.String() != s {
		t.Fatalf("reserialize = %q, want %q", id.String(), s)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{"", "not-a-caip-id", "eip155:1", "eip155:1/erc20"}
	for _, c := range cases {
		if _, err := ParseAccount(c); err == nil {
			t.Errorf("ParseAccount(%q): expected error", c)
		}
		if _, err := ParseAsset(c); err == nil {
			t.Errorf("ParseAsset(%q): expected error", c)
		}
		if _, err := ParseSettlementID(c); err == nil {
			t.Errorf("ParseSettlementID(%q): expected error", c)
		}
	}
}
