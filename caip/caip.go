// Package caip parses and losslessly reserializes the three
// Chain-Agnostic-Improvement-Proposal identifier shapes TAP messages carry:
// CAIP-10 settlement addresses, CAIP-19 assets, and CAIP-220 settlement
// transaction ids. No library in the retrieved example corpus implements
// this small fixed grammar, so it is a direct regexp-based parser.
package caip

import (
	"regexp"
	"strings"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

var (
	// CAIP-2 chain id: namespace:reference
	chainRe = regexp.MustCompile(`^[-a-z0-9]{3,8}:[-a-zA-Z0-9]{1,32}$`)

	// CAIP-10 account id: namespace:reference:address
	accountRe = regexp.MustCompile(`^([-a-z0-9]{3,8}):([-a-zA-Z0-9]{1,32}):([a-zA-Z0-9]{1,64})$`)

	// CAIP-19 asset id: namespace:reference/assetNamespace:assetReference
	assetRe = regexp.MustCompile(`^([-a-z0-9]{3,8}):([-a-zA-Z0-9]{1,32})/([-a-z0-9]{3,8}):([a-zA-Z0-9]{1,64})$`)
)

// Account is a parsed CAIP-10 identifier (used for settlementAddress).
type Account struct {
	Namespace string
	Reference string
	Address   string
}

// String reserializes losslessly to "namespace:reference:address".
func (a Account) String() string {
	return a.Namespace + ":" + a.Reference + ":" + a.Address
}

// ParseAccount parses a CAIP-10 account identifier.
func ParseAccount(s string) (Account, error) {
	m := accountRe.FindStringSubmatch(s)
	if m == nil {
		return Account{}, errs.New(errs.InvalidFormat, "not a valid CAIP-10 account id: %q", s)
	}
	return Account{Namespace: m[1], Reference: m[2], Address: m[3]}, nil
}

// Asset is a parsed CAIP-19 identifier.
type Asset struct {
	ChainNamespace string
	ChainReference string
	AssetNamespace string
	AssetReference string
}

// String reserializes losslessly to "ns:ref/assetNs:assetRef".
func (a Asset) String() string {
	return a.ChainNamespace + ":" + a.ChainReference + "/" + a.AssetNamespace + ":" + a.AssetReference
}

// ParseAsset parses a CAIP-19 asset identifier.
func ParseAsset(s string) (Asset, error) {
	m := assetRe.FindStringSubmatch(s)
	if m == nil {
		return Asset{}, errs.New(errs.InvalidFormat, "not a valid CAIP-19 asset id: %q", s)
	}
	return Asset{ChainNamespace: m[1], ChainReference: m[2], AssetNamespace: m[3], AssetReference: m[4]}, nil
}

// SettlementID is a parsed CAIP-220 settlement transaction identifier: a
// CAIP-2 chain id, "tx", and an opaque transaction reference, joined by ':'.
type SettlementID struct {
	ChainNamespace string
	ChainReference string
	TxRef          string
}

// String reserializes losslessly to "ns:ref:tx:txref".
func (s SettlementID) String() string {
	return s.ChainNamespace + ":" + s.ChainReference + ":tx:" + s.TxRef
}

// ParseSettlementID parses a CAIP-220 settlement transaction identifier.
func ParseSettlementID(s string) (SettlementID, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 || parts[2] != "tx" {
		return SettlementID{}, errs.New(errs.InvalidFormat, "not a valid CAIP-220 settlement id: %q", s)
	}
	if !chainRe.MatchString(parts[0] + ":" + parts[1]) {
		return SettlementID{}, errs.New(errs.InvalidFormat, "not a valid CAIP-220 settlement id: %q", s)
	}
	if parts[3] == "" {
		return SettlementID{}, errs.New(errs.InvalidFormat, "CAIP-220 settlement id has empty tx reference: %q", s)
	}
	return SettlementID{ChainNamespace: parts[0], ChainReference: parts[1], TxRef: parts[3]}, nil
}
