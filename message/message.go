// Package message defines the envelope-independent TAP message shape, the
// strongly-typed body for every variant, and their validators: a
// tagged-sum-of-variants shape with thid/pthid thread correlation, per
// spec.md §3/§4.5.
package message

import (
	"encoding/json"
	"math/big"
	"regexp"

	"github.com/google/uuid"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/caip"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

// Message type URIs, bit-exact per spec.md §6.
const (
	TypeTransfer             = "https://tap.rsvp/schema/1.0#Transfer"
	TypePayment              = "https://tap.rsvp/schema/1.0#Payment"
	TypeAuthorize            = "https://tap.rsvp/schema/1.0#Authorize"
	TypeReject               = "https://tap.rsvp/schema/1.0#Reject"
	TypeCancel               = "https://tap.rsvp/schema/1.0#Cancel"
	TypeSettle               = "https://tap.rsvp/schema/1.0#Settle"
	TypeRevert               = "https://tap.rsvp/schema/1.0#Revert"
	TypeComplete             = "https://tap.rsvp/schema/1.0#Complete"
	TypeConnect              = "https://tap.rsvp/schema/1.0#Connect"
	TypeAddAgents            = "https://tap.rsvp/schema/1.0#AddAgents"
	TypeRemoveAgent          = "https://tap.rsvp/schema/1.0#RemoveAgent"
	TypeReplaceAgent         = "https://tap.rsvp/schema/1.0#ReplaceAgent"
	TypeUpdatePolicies       = "https://tap.rsvp/schema/1.0#UpdatePolicies"
	TypeUpdateParty          = "https://tap.rsvp/schema/1.0#UpdateParty"
	TypeConfirmRelationship  = "https://tap.rsvp/schema/1.0#ConfirmRelationship"
	TypeBasicMessage         = "https://didcomm.org/basicmessage/2.0/message"
	TypeTrustPing            = "https://didcomm.org/trust-ping/2.0/ping"
)

var amountRe = regexp.MustCompile(`^\d+(\.\d+)?$`)
var iso4217Re = regexp.MustCompile(`^[A-Z]{3}$`)

// Message is the envelope-independent shape shared by every TAP variant.
type Message struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	From        string          `json:"from"`
	To          []string        `json:"to"`
	CreatedTime int64           `json:"created_time"`
	ExpiresTime *int64          `json:"expires_time,omitempty"`
	ThID        string          `json:"thid,omitempty"`
	PThID       string          `json:"pthid,omitempty"`
	Body        json.RawMessage `json:"body"`
	Attachments []Attachment    `json:"attachments,omitempty"`
}

// NewID returns a fresh message/thread id.
func NewID() string { return uuid.NewString() }

// Attachment carries either inline data or external links, per spec.md's
// expansion of the Data Model ("both inline (base64/json) and links forms").
type Attachment struct {
	ID          string         `json:"id,omitempty"`
	Description string         `json:"description,omitempty"`
	MediaType   string         `json:"media_type,omitempty"`
	Data        AttachmentData `json:"data"`
}

// AttachmentData is opaque to the core; exactly one field is expected to be
// populated by the sender.
type AttachmentData struct {
	Base64 string          `json:"base64,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Links  []string        `json:"links,omitempty"`
}

// Party is an endpoint principal (originator, beneficiary, merchant,
// customer), carrying the TAIP-10 (IVMS101 Travel Rule) fields the
// distillation dropped but the original system supports.
type Party struct {
	ID      string                 `json:"@id"`
	Name    string                 `json:"name,omitempty"`
	LEICode string                 `json:"lei_code,omitempty"`
	IVMS101 map[string]interface{} `json:"ivms101,omitempty"`
}

// Agent is a participant in a Transfer's agent graph (TAIP-5/7).
type Agent struct {
	ID       string          `json:"@id"`
	Role     string          `json:"role,omitempty"`
	For      string          `json:"for,omitempty"`
	Policies json.RawMessage `json:"policies,omitempty"`
}

// TransferRef is the "transfer":{"@id":"..."} pointer every reply carries
// back to the thread-starting message.
type TransferRef struct {
	ID string `json:"@id"`
}

// ---- Variant bodies ----

type Transfer struct {
	Asset           string  `json:"asset"`
	Amount          string  `json:"amount"`
	Originator      Party   `json:"originator"`
	Beneficiary     *Party  `json:"beneficiary,omitempty"`
	Agents          []Agent `json:"agents"`
	SettlementID    string  `json:"settlementId,omitempty"`
	Memo            string  `json:"memo,omitempty"`
	Purpose         string  `json:"purpose,omitempty"`
	CategoryPurpose string  `json:"categoryPurpose,omitempty"`
	Expiry          *int64  `json:"expiry,omitempty"`
}

type Payment struct {
	Amount          string   `json:"amount"`
	Currency        string   `json:"currency,omitempty"`
	Asset           string   `json:"asset,omitempty"`
	Merchant        Party    `json:"merchant"`
	Customer        *Party   `json:"customer,omitempty"`
	Agents          []Agent  `json:"agents"`
	SupportedAssets []string `json:"supportedAssets,omitempty"`
	Invoice         string   `json:"invoice,omitempty"`
	Expiry          *int64   `json:"expiry,omitempty"`
}

type Authorize struct {
	Transfer          TransferRef `json:"transfer"`
	SettlementAddress string      `json:"settlementAddress,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	Expiry            *int64      `json:"expiry,omitempty"`
}

type Reject struct {
	Transfer TransferRef `json:"transfer"`
	Reason   string      `json:"reason"`
}

type Cancel struct {
	Transfer TransferRef `json:"transfer"`
	By       string      `json:"by"`
	Reason   string      `json:"reason,omitempty"`
}

type Settle struct {
	Transfer     TransferRef `json:"transfer"`
	SettlementID string      `json:"settlementId"`
	Amount       string      `json:"amount,omitempty"`
}

type Revert struct {
	Transfer          TransferRef `json:"transfer"`
	SettlementAddress string      `json:"settlementAddress"`
	Reason            string      `json:"reason"`
}

// Complete replies to a Payment. Its Amount, when present, must not exceed
// the original Payment's amount — a cross-message invariant that needs
// thread context, so it is checked separately by
// ValidateCompleteAgainstPayment rather than by Validate.
type Complete struct {
	SettlementAddress string `json:"settlementAddress"`
	Amount            string `json:"amount,omitempty"`
}

type Connect struct {
	For         string          `json:"for"`
	Constraints json.RawMessage `json:"constraints,omitempty"`
	Agent       *Agent          `json:"agent,omitempty"`
	Expiry      *int64          `json:"expiry,omitempty"`
}

type AddAgents struct {
	Agents []Agent `json:"agents"`
}

type RemoveAgent struct {
	Agent string `json:"@id"`
}

type ReplaceAgent struct {
	Original    string `json:"original"`
	Replacement Agent  `json:"replacement"`
}

type UpdatePolicies struct {
	Policies json.RawMessage `json:"policies"`
}

// PartyRole names which Transfer/Payment party field UpdateParty amends.
type PartyRole string

const (
	RoleOriginator  PartyRole = "originator"
	RoleBeneficiary PartyRole = "beneficiary"
	RoleMerchant    PartyRole = "merchant"
	RoleCustomer    PartyRole = "customer"
)

type UpdateParty struct {
	PartyType PartyRole `json:"partyType"`
	Party     Party     `json:"party"`
}

type ConfirmRelationship struct {
	Agent string `json:"@id"`
	For   string `json:"for,omitempty"`
}

type BasicMessage struct {
	Content string `json:"content"`
	Locale  string `json:"locale,omitempty"`
}

type TrustPing struct {
	ResponseRequested bool `json:"response_requested,omitempty"`
}

// DecodeBody unmarshals a message's body into the given variant type.
func DecodeBody[T any](body json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		var zero T
		return zero, errs.Wrap(errs.InvalidJSON, err, "decode message body")
	}
	return v, nil
}

// Validate checks the common envelope fields and, for known types,
// dispatches to the variant's field/format validation per spec.md §4.5.
// Unknown message types are treated as opaque and pass with only the
// common-field checks (an opaque fallback for unknown variants).
func Validate(m Message) error {
	if m.ID == "" {
		return errs.Field(errs.MissingField, "id", "message id is required")
	}
	if m.Type == "" {
		return errs.Field(errs.MissingField, "type", "message type is required")
	}
	if m.From == "" {
		return errs.Field(errs.MissingField, "from", "message from is required")
	}
	if len(m.To) == 0 {
		return errs.Field(errs.MissingField, "to", "message to is required")
	}
	if m.CreatedTime <= 0 {
		return errs.Field(errs.MissingField, "created_time", "created_time is required")
	}

	switch m.Type {
	case TypeTransfer:
		b, err := DecodeBody[Transfer](m.Body)
		if err != nil {
			return err
		}
		return validateTransfer(b)

	case TypePayment:
		b, err := DecodeBody[Payment](m.Body)
		if err != nil {
			return err
		}
		return validatePayment(b)

	case TypeAuthorize:
		b, err := DecodeBody[Authorize](m.Body)
		if err != nil {
			return err
		}
		return validateReplyThread(m, b.Transfer.ID)

	case TypeReject:
		b, err := DecodeBody[Reject](m.Body)
		if err != nil {
			return err
		}
		if b.Reason == "" {
			return errs.Field(errs.MissingField, "reason", "reject requires a reason")
		}
		return validateReplyThread(m, b.Transfer.ID)

	case TypeCancel:
		b, err := DecodeBody[Cancel](m.Body)
		if err != nil {
			return err
		}
		if b.By == "" {
			return errs.Field(errs.MissingField, "by", "cancel requires by")
		}
		return validateReplyThread(m, b.Transfer.ID)

	case TypeSettle:
		b, err := DecodeBody[Settle](m.Body)
		if err != nil {
			return err
		}
		if _, err := caip.ParseSettlementID(b.SettlementID); err != nil {
			return errs.Field(errs.InvalidFormat, "settlementId", "%v", err)
		}
		if b.Amount != "" && !amountRe.MatchString(b.Amount) {
			return errs.Field(errs.InvalidFormat, "amount", "amount %q does not match decimal format", b.Amount)
		}
		return validateReplyThread(m, b.Transfer.ID)

	case TypeRevert:
		b, err := DecodeBody[Revert](m.Body)
		if err != nil {
			return err
		}
		if b.SettlementAddress == "" {
			return errs.Field(errs.MissingField, "settlementAddress", "revert requires settlementAddress")
		}
		if b.Reason == "" {
			return errs.Field(errs.MissingField, "reason", "revert requires a reason")
		}
		return validateReplyThread(m, b.Transfer.ID)

	case TypeComplete:
		b, err := DecodeBody[Complete](m.Body)
		if err != nil {
			return err
		}
		return validateCompleteShape(m, b)

	case TypeConnect:
		b, err := DecodeBody[Connect](m.Body)
		if err != nil {
			return err
		}
		if b.For == "" {
			return errs.Field(errs.MissingField, "for", "connect requires for")
		}
		return nil

	case TypeAddAgents:
		b, err := DecodeBody[AddAgents](m.Body)
		if err != nil {
			return err
		}
		if len(b.Agents) == 0 {
			return errs.Field(errs.MissingField, "agents", "addAgents requires at least one agent")
		}
		return requireThID(m)

	case TypeRemoveAgent:
		b, err := DecodeBody[RemoveAgent](m.Body)
		if err != nil {
			return err
		}
		if b.Agent == "" {
			return errs.Field(errs.MissingField, "@id", "removeAgent requires @id")
		}
		return requireThID(m)

	case TypeReplaceAgent:
		b, err := DecodeBody[ReplaceAgent](m.Body)
		if err != nil {
			return err
		}
		if b.Original == "" || b.Replacement.ID == "" {
			return errs.Field(errs.MissingField, "replacement", "replaceAgent requires original and replacement @id")
		}
		return requireThID(m)

	case TypeUpdatePolicies:
		return requireThID(m)

	case TypeUpdateParty:
		b, err := DecodeBody[UpdateParty](m.Body)
		if err != nil {
			return err
		}
		if b.Party.ID == "" {
			return errs.Field(errs.MissingField, "party", "updateParty requires party.@id")
		}
		return requireThID(m)

	case TypeConfirmRelationship:
		b, err := DecodeBody[ConfirmRelationship](m.Body)
		if err != nil {
			return err
		}
		if b.Agent == "" {
			return errs.Field(errs.MissingField, "@id", "confirmRelationship requires @id")
		}
		return requireThID(m)

	case TypeBasicMessage, TypeTrustPing:
		return nil

	default:
		return nil // opaque fallback: unknown variants pass common-field validation only
	}
}

func validateTransfer(b Transfer) error {
	if b.Asset == "" {
		return errs.Field(errs.MissingField, "asset", "transfer requires asset")
	}
	if _, err := caip.ParseAsset(b.Asset); err != nil {
		return errs.Field(errs.InvalidFormat, "asset", "%v", err)
	}
	if !amountRe.MatchString(b.Amount) {
		return errs.Field(errs.InvalidFormat, "amount", "amount %q does not match decimal format", b.Amount)
	}
	if b.Originator.ID == "" {
		return errs.Field(errs.MissingField, "originator", "transfer requires originator.@id")
	}
	if len(b.Agents) == 0 {
		return errs.Field(errs.MissingField, "agents", "transfer requires at least one agent")
	}
	if b.SettlementID != "" {
		if _, err := caip.ParseSettlementID(b.SettlementID); err != nil {
			return errs.Field(errs.InvalidFormat, "settlementId", "%v", err)
		}
	}
	return nil
}

func validatePayment(b Payment) error {
	if !amountRe.MatchString(b.Amount) {
		return errs.Field(errs.InvalidFormat, "amount", "amount %q does not match decimal format", b.Amount)
	}
	if b.Merchant.ID == "" {
		return errs.Field(errs.MissingField, "merchant", "payment requires merchant.@id")
	}
	if len(b.Agents) == 0 {
		return errs.Field(errs.MissingField, "agents", "payment requires at least one agent")
	}
	hasAsset, hasCurrency := b.Asset != "", b.Currency != ""
	if hasAsset == hasCurrency {
		return errs.Field(errs.PolicyViolation, "asset", "payment requires exactly one of asset or currency")
	}
	if hasAsset {
		if _, err := caip.ParseAsset(b.Asset); err != nil {
			return errs.Field(errs.InvalidFormat, "asset", "%v", err)
		}
	}
	if hasCurrency && !iso4217Re.MatchString(b.Currency) {
		return errs.Field(errs.InvalidFormat, "currency", "currency %q is not a valid ISO-4217 code", b.Currency)
	}
	return nil
}

func validateCompleteShape(m Message, b Complete) error {
	if b.SettlementAddress == "" {
		return errs.Field(errs.MissingField, "settlementAddress", "complete requires settlementAddress")
	}
	if b.Amount != "" && !amountRe.MatchString(b.Amount) {
		return errs.Field(errs.InvalidFormat, "amount", "amount %q does not match decimal format", b.Amount)
	}
	return requireThID(m)
}

// ValidateCompleteAgainstPayment enforces that a Complete's optional Amount
// does not exceed the original Payment's amount (spec.md §4.5). Neither
// Validate nor statemachine.Fold calls it: a Complete is only checked
// against its Payment's amount when a caller that holds that amount calls
// this directly.
func ValidateCompleteAgainstPayment(c Complete, paymentAmount string) error {
	if c.Amount == "" {
		return nil
	}
	ca, ok := new(big.Rat).SetString(c.Amount)
	if !ok {
		return errs.Field(errs.InvalidFormat, "amount", "amount %q is not a valid decimal", c.Amount)
	}
	pa, ok := new(big.Rat).SetString(paymentAmount)
	if !ok {
		return errs.Field(errs.InvalidFormat, "amount", "original payment amount %q is not a valid decimal", paymentAmount)
	}
	if ca.Cmp(pa) > 0 {
		return errs.Field(errs.PolicyViolation, "amount", "complete amount %s exceeds original payment amount %s", c.Amount, paymentAmount)
	}
	return nil
}

func requireThID(m Message) error {
	if m.ThID == "" {
		return errs.Field(errs.MissingField, "thid", "message requires thid")
	}
	return nil
}

// validateReplyThread enforces that a reply carries a thid and that its
// transfer.@id pointer (when present) agrees with it, per spec.md §4.5
// ("validators reject a reply whose transfer.@id contradicts the carrying
// thid").
func validateReplyThread(m Message, transferID string) error {
	if m.ThID == "" {
		return errs.Field(errs.MissingField, "thid", "reply requires thid")
	}
	if transferID != "" && transferID != m.ThID {
		return errs.Field(errs.ThreadMismatch, "transfer.@id", "transfer.@id %q does not match thid %q", transferID, m.ThID)
	}
	return nil
}
