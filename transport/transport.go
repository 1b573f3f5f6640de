// Package transport implements the delivery mechanisms node.Node tries, in
// order, for each outbound recipient: an in-process loopback, a return-path
// reuse of a recently seen inbound channel, an HTTPS POST to the
// recipient's DID Document service endpoint, and a pickup-queue fallback.
// Internal loopback and return-path are not types of this package: node.Node
// calls a registered Agent's Receive directly for loopback, and reuses HTTPS
// with a remembered endpoint for return-path; HTTPS posts the
// packed envelope to the recipient's resolved service endpoint with
// content-type switching (TAP signs at the envelope layer, so no
// request-level signing is needed here); PickupQueue is a Hub/Client
// fan-out over websocket connections, keyed per recipient DID.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

// Outcome classifies one delivery attempt result for the retry scheduler.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Transport delivers one already-packed envelope to one recipient DID.
// Implementations never interpret the envelope bytes; they only move them.
type Transport interface {
	Name() string
	Send(ctx context.Context, recipientDID, endpoint string, raw []byte) (Outcome, error)
}

// contentType sniffs the envelope's wire shape (jwsGeneral carries
// "signatures", jweGeneral carries "recipients") without depending on the
// envelope package's internal types.
func contentType(raw []byte) string {
	var probe struct {
		Signatures json.RawMessage `json:"signatures"`
		Recipients json.RawMessage `json:"recipients"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Recipients != nil {
		return "application/didcomm-encrypted+json"
	}
	return "application/didcomm-signed+json"
}

// HTTPS posts the envelope to a recipient's resolved service endpoint.
type HTTPS struct {
	Client *http.Client
}

func (h *HTTPS) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (h *HTTPS) Name() string { return "https" }

func (h *HTTPS) Send(ctx context.Context, recipientDID, endpoint string, raw []byte) (Outcome, error) {
	if endpoint == "" {
		return Rejected, errs.New(errs.NotFound, "no HTTPS service endpoint for %s", recipientDID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return Rejected, errs.Wrap(errs.Malformed, err, "build https request to %s", recipientDID)
	}
	req.Header.Set("Content-Type", contentType(raw))

	resp, err := h.client().Do(req)
	if err != nil {
		return Transient, errs.WrapRetryable(errs.Network, err, "https delivery to %s", recipientDID)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode/100 == 2:
		return Accepted, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5:
		return Transient, errs.New(errs.Transient, "https %d from %s", resp.StatusCode, recipientDID)
	default:
		return Rejected, errs.New(errs.PermanentRejection, "https %d from %s", resp.StatusCode, recipientDID)
	}
}
