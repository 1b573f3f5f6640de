// Package node is the dispatcher that sits between Agents and the outside
// world: a DID-keyed transport registry (spec.md §4.8) that tries an
// in-process agent directly, falls back to a recently seen return path,
// then HTTPS to the recipient's resolved service endpoint, and finally a
// pickup-queue as the last resort, each transport guarded by its own
// circuit breaker. Node implements agent.Deliverer, closing the loop an
// Agent opens when it calls Send.
package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/agent"
	tapdid "github.com/TransactionAuthorizationProtocol/tap-rs-sub002/did"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/envelope"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/logger"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/message"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/resilience"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/storage"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/transport"
)

// Node holds every locally registered Agent and dispatches envelopes between
// them and the outside world.
type Node struct {
	mu     sync.RWMutex
	agents map[string]*agent.Agent
	locals map[string][]envelope.LocalKey

	resolver tapdid.Resolver
	https    transport.Transport
	pickup   *transport.PickupQueue

	returnPaths map[string]string // recipient DID -> last endpoint it was reached at

	cbMu            sync.Mutex
	circuitBreakers map[string]*resilience.CircuitBreaker

	log *logger.Logger
}

// New builds an empty Node. resolver is used to look up a remote
// recipient's DID Document service endpoint for the HTTPS transport.
func New(resolver tapdid.Resolver) *Node {
	return &Node{
		agents:          make(map[string]*agent.Agent),
		locals:          make(map[string][]envelope.LocalKey),
		resolver:        resolver,
		https:           &transport.HTTPS{},
		pickup:          transport.NewPickupQueue(),
		returnPaths:     make(map[string]string),
		circuitBreakers: make(map[string]*resilience.CircuitBreaker),
		log:             logger.GetLogger().WithField("component", "node"),
	}
}

// Pickup exposes the pickup-queue transport's HTTP handler so a caller can
// mount it (e.g. at /pickup) for recipients to drain their backlog over a
// live websocket connection.
func (n *Node) Pickup() *transport.PickupQueue { return n.pickup }

// Register attaches an Agent to this Node, wiring its Deliverer back-edge
// and recording the key-agreement locals Receive needs to decrypt for it.
func (n *Node) Register(a *agent.Agent, locals []envelope.LocalKey) {
	n.mu.Lock()
	n.agents[a.DID()] = a
	n.locals[a.DID()] = locals
	n.mu.Unlock()
	a.AttachNode(n)
	n.log.Infof("registered agent %s", a.DID())
}

func (n *Node) agentFor(did string) (*agent.Agent, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a, ok := n.agents[did]
	return a, ok
}

func (n *Node) rememberEndpoint(did, endpoint string) {
	n.mu.Lock()
	n.returnPaths[did] = endpoint
	n.mu.Unlock()
}

func (n *Node) returnPath(did string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.returnPaths[did]
	return e, ok
}

// Deliver implements agent.Deliverer: it attempts one delivery per
// recipient and reports each outcome. Transient failures are left
// DeliveryPending for ProcessPendingDeliveries to retry later, rather than
// blocking the caller on a retry loop here.
func (n *Node) Deliver(ctx context.Context, from string, recipients []string, raw []byte) ([]agent.DeliveryOutcome, error) {
	outcomes := make([]agent.DeliveryOutcome, 0, len(recipients))
	for _, r := range recipients {
		status, err := n.deliverOne(ctx, r, raw)
		outcomes = append(outcomes, agent.DeliveryOutcome{Recipient: r, Status: status, Err: err})
	}
	return outcomes, nil
}

// deliverOne tries, in order: an in-process agent, a remembered return
// path, the recipient's resolved HTTPS service endpoint, and finally the
// pickup queue. A transient HTTPS result (or an open breaker) is returned
// as Pending for ProcessPendingDeliveries to retry rather than handed to
// the pickup queue.
func (n *Node) deliverOne(ctx context.Context, recipientDID string, raw []byte) (storage.DeliveryStatus, error) {
	if target, ok := n.agentFor(recipientDID); ok {
		locals, _ := n.localsFor(recipientDID)
		if _, err := target.Receive(ctx, raw, locals); err != nil {
			n.log.Warnf("internal delivery to %s failed: %v", recipientDID, err)
			if !resilience.IsRetryable(err) {
				return storage.DeliveryFailed, err
			}
			return storage.DeliveryPending, err
		}
		return storage.DeliverySuccess, nil
	}

	if endpoint, ok := n.returnPath(recipientDID); ok {
		if status, err := n.sendVia(ctx, n.https, recipientDID, endpoint, raw); status != storage.DeliveryFailed {
			return status, err
		}
	}

	if n.resolver != nil {
		if doc, err := n.resolver.Resolve(ctx, recipientDID); err == nil {
			if endpoint := serviceEndpoint(doc); endpoint != "" {
				status, err := n.sendVia(ctx, n.https, recipientDID, endpoint, raw)
				switch status {
				case storage.DeliverySuccess:
					n.rememberEndpoint(recipientDID, endpoint)
					return status, nil
				default:
					return status, err
				}
			}
		}
	}

	return n.sendVia(ctx, n.pickup, recipientDID, "", raw)
}

func (n *Node) localsFor(did string) ([]envelope.LocalKey, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	l, ok := n.locals[did]
	return l, ok
}

// sendVia runs t.Send behind that transport's own circuit breaker. Within
// one breaker-guarded call it also allows two rapid attempts via
// resilience.RetryWithBackoff, smoothing over a single dropped packet or
// reset connection without waiting for ProcessPendingDeliveries' much
// longer persisted backoff to pick it up. An open breaker translates to a
// Pending status rather than an error the caller must special-case.
func (n *Node) sendVia(ctx context.Context, t transport.Transport, recipientDID, endpoint string, raw []byte) (storage.DeliveryStatus, error) {
	cb := n.circuitBreaker(t.Name())
	var outcome transport.Outcome
	var sendErr error
	cbErr := cb.Execute(func() error {
		_ = resilience.RetryWithBackoff(ctx, 2, 200*time.Millisecond, func() error {
			outcome, sendErr = t.Send(ctx, recipientDID, endpoint, raw)
			if outcome == transport.Transient {
				return sendErr
			}
			return nil
		})
		if outcome == transport.Transient {
			return sendErr
		}
		return nil
	})
	if cbErr == resilience.ErrCircuitOpen || cbErr == resilience.ErrTooManyRequests {
		n.log.Warnf("%s transport circuit open for %s", t.Name(), recipientDID)
		return storage.DeliveryPending, errs.WrapRetryable(errs.Transient, cbErr, "%s circuit open for %s", t.Name(), recipientDID)
	}
	switch outcome {
	case transport.Accepted:
		return storage.DeliverySuccess, nil
	case transport.Rejected:
		return storage.DeliveryFailed, sendErr
	default:
		return storage.DeliveryPending, sendErr
	}
}

func (n *Node) circuitBreaker(name string) *resilience.CircuitBreaker {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	cb, ok := n.circuitBreakers[name]
	if !ok {
		cb = resilience.NewCircuitBreaker(3, 30*time.Second)
		n.circuitBreakers[name] = cb
	}
	return cb
}

// ProcessPendingDeliveries re-attempts every DeliveryPending record across
// every registered agent whose NextRetryAt has elapsed, advancing it to
// success, failed (attempts exhausted), or a later NextRetryAt. Intended to
// be driven by a caller-owned ticker; one call processes one pass.
func (n *Node) ProcessPendingDeliveries(ctx context.Context, now int64) error {
	n.mu.RLock()
	agents := make([]*agent.Agent, 0, len(n.agents))
	for _, a := range n.agents {
		agents = append(agents, a)
	}
	n.mu.RUnlock()

	maxAttempts := resilience.DefaultRetryConfig().MaxAttempts
	for _, a := range agents {
		pending, err := a.Store().PendingDeliveries()
		if err != nil {
			return err
		}
		for _, d := range pending {
			if d.NextRetryAt > now {
				continue
			}
			if d.AttemptCount >= maxAttempts {
				d.Status = storage.DeliveryFailed
				d.LastError = "max delivery attempts exceeded"
				n.log.Errorf("delivery %s to %s exhausted %d attempts", d.ID, d.Recipient, d.AttemptCount)
				if err := a.Store().PutDelivery(d); err != nil {
					return err
				}
				continue
			}

			status, sendErr := n.deliverOne(ctx, d.Recipient, d.Envelope)
			d.AttemptCount++
			d.Status = status
			if sendErr != nil {
				d.LastError = sendErr.Error()
			} else {
				d.LastError = ""
			}
			if status == storage.DeliveryPending {
				d.NextRetryAt = now + int64(backoffFor(d.AttemptCount).Seconds())
			} else {
				d.NextRetryAt = 0
			}
			if err := a.Store().PutDelivery(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// backoffFor computes the jittered exponential delay before a given
// 1-indexed attempt, per the schedule resilience.DefaultRetryConfig carries
// (base 1s, factor 2, cap 1h, jitter ±20%). The growth curve itself comes
// from a resilience.ExponentialBackoffPolicy built off that same config;
// jitter is applied locally since NextDelay alone is deterministic.
func backoffFor(attempt int) time.Duration {
	cfg := resilience.DefaultRetryConfig()
	policy := &resilience.ExponentialBackoffPolicy{
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.Multiplier,
		MaxAttempts:  cfg.MaxAttempts,
	}
	d := float64(policy.NextDelay(attempt - 1))
	jitter := d * cfg.RandomizeFactor
	d = d - jitter + rand.Float64()*2*jitter
	return time.Duration(d)
}

// RouteInbound is the entry point for envelopes arriving from outside this
// process (an HTTPS handler, a pickup-queue drain): it identifies the
// intended recipient DIDs directly from the envelope's wire shape and hands
// the raw bytes to every one of them that is locally registered, returning
// one decoded Message per agent that accepted it.
func (n *Node) RouteInbound(ctx context.Context, raw []byte) ([]message.Message, error) {
	recipientDIDs, err := identifyRecipients(raw)
	if err != nil {
		return nil, err
	}

	var delivered []message.Message
	var lastErr error
	matched := false
	for _, did := range recipientDIDs {
		target, ok := n.agentFor(did)
		if !ok {
			continue
		}
		matched = true
		locals, _ := n.localsFor(did)
		m, err := target.Receive(ctx, raw, locals)
		if err != nil {
			lastErr = err
			continue
		}
		delivered = append(delivered, m)
	}
	if !matched {
		return nil, errs.New(errs.NotFound, "no locally registered agent among recipients")
	}
	if len(delivered) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return delivered, nil
}

func serviceEndpoint(doc *tapdid.Document) string {
	for _, s := range doc.Service {
		if s.ServiceEndpoint != "" {
			return s.ServiceEndpoint
		}
	}
	return ""
}

func stripFragment(kid string) string {
	if i := strings.IndexByte(kid, '#'); i >= 0 {
		return kid[:i]
	}
	return kid
}

// identifyRecipients reads an envelope's recipient DIDs directly off its
// wire shape: a JWE general-serialization envelope's recipients[].header.kid
// entries, or a JWS general-serialization envelope's signed "to" field,
// without depending on the envelope package's internal types.
func identifyRecipients(raw []byte) ([]string, error) {
	var probe struct {
		Payload    string `json:"payload"`
		Recipients []struct {
			Header struct {
				KID string `json:"kid"`
			} `json:"header"`
		} `json:"recipients"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errs.Wrap(errs.MalformedEncoding, err, "parse envelope for routing")
	}
	if len(probe.Recipients) > 0 {
		dids := make([]string, 0, len(probe.Recipients))
		for _, r := range probe.Recipients {
			dids = append(dids, stripFragment(r.Header.KID))
		}
		return dids, nil
	}
	if probe.Payload != "" {
		payload, err := base64.RawURLEncoding.DecodeString(probe.Payload)
		if err != nil {
			return nil, errs.Wrap(errs.MalformedEncoding, err, "decode signed payload for routing")
		}
		var m struct {
			To []string `json:"to"`
		}
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, errs.Wrap(errs.InvalidJSON, err, "decode message for routing")
		}
		return m.To, nil
	}
	return nil, errs.New(errs.Malformed, "envelope carries neither recipients nor a payload")
}
