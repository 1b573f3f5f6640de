// Package agent binds one DID to its key handles, isolated storage, and a
// weak link to a Node for delivery: the builder/send/receive contract of
// spec.md §4.7.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	tapdid "github.com/TransactionAuthorizationProtocol/tap-rs-sub002/did"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/envelope"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/keystore"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/logger"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/message"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/storage"
)

// Deliverer is the Agent's weak link to its Node: it asks for recipients to
// be reached, without importing the node package itself (the Node, in turn,
// holds the DID→Agent registry — this interface is what keeps that
// dependency one-directional).
type Deliverer interface {
	Deliver(ctx context.Context, from string, recipients []string, envelope []byte) ([]DeliveryOutcome, error)
}

// DeliveryOutcome reports one recipient's delivery result.
type DeliveryOutcome struct {
	Recipient string
	Status    storage.DeliveryStatus
	Err       error
}

// Agent is one DID + owned key handles + isolated storage + a Node link.
type Agent struct {
	did             string
	signingKID      string
	keyAgreementKID string
	keys            *keystore.Store
	store           *storage.Store
	resolver        tapdid.Resolver
	node            Deliverer
	log             *logger.Logger
}

// New constructs an Agent. signingKID and keyAgreementKID are kids already
// present in keys (see keystore.Store.Generate), and store must have been
// opened for this same DID.
func New(did, signingKID, keyAgreementKID string, keys *keystore.Store, store *storage.Store, resolver tapdid.Resolver) *Agent {
	return &Agent{
		did:             did,
		signingKID:      signingKID,
		keyAgreementKID: keyAgreementKID,
		keys:            keys,
		store:           store,
		resolver:        resolver,
		log:             logger.GetLogger().WithField("component", "agent").WithField("did", did),
	}
}

// DID returns the agent's own identity.
func (a *Agent) DID() string { return a.did }

// Store exposes the agent's durable log for a Node's retry scheduler and
// for direct thread inspection by callers that hold the Agent.
func (a *Agent) Store() *storage.Store { return a.store }

// AttachNode wires the Node this Agent sends through. Attaching after
// construction lets a Node build all its Agents before each one gets a
// back-reference, avoiding any ordering dependency at startup.
func (a *Agent) AttachNode(d Deliverer) { a.node = d }

// Send fills in `from`, stamps `created_time` if unset, validates, packs the
// envelope per mode, durably records the outgoing message, and asks the
// attached Node to deliver to every recipient in m.To.
func (a *Agent) Send(ctx context.Context, m message.Message, mode envelope.Mode) ([]byte, []storage.Delivery, error) {
	m.From = a.did
	if m.CreatedTime == 0 {
		m.CreatedTime = time.Now().Unix()
	}
	if err := message.Validate(m); err != nil {
		return nil, nil, err
	}

	opts := envelope.PackOpts{Mode: mode, SignerKID: a.signingKID, Recipients: m.To}
	raw, _, err := envelope.Pack(ctx, a.keys, a.resolver, m, opts)
	if err != nil {
		return nil, nil, err
	}

	if err := a.store.AppendMessage(m); err != nil {
		return nil, nil, err
	}
	a.log.Debugf("recorded outbound message %s (%s) thid=%s", m.ID, m.Type, m.ThID)

	if a.node == nil {
		return raw, nil, errs.New(errs.Transient, "agent %s has no attached node to deliver through", a.did)
	}
	outcomes, err := a.node.Deliver(ctx, a.did, m.To, raw)
	if err != nil {
		return raw, nil, err
	}

	deliveries := make([]storage.Delivery, 0, len(outcomes))
	for _, o := range outcomes {
		d := storage.Delivery{ID: m.ID + ":" + o.Recipient, MessageID: m.ID, Recipient: o.Recipient, Status: o.Status, Envelope: raw}
		if o.Err != nil {
			d.LastError = o.Err.Error()
			a.log.Warnf("delivery of %s to %s: %s (%v)", m.ID, o.Recipient, o.Status, o.Err)
		} else {
			a.log.Debugf("delivery of %s to %s: %s", m.ID, o.Recipient, o.Status)
		}
		if err := a.store.PutDelivery(d); err != nil {
			return raw, deliveries, err
		}
		deliveries = append(deliveries, d)
	}
	return raw, deliveries, nil
}

// Receive unpacks a raw envelope, verifies this Agent is an intended
// recipient, validates the message, records the receipt (idempotently), and
// returns the decoded Message.
func (a *Agent) Receive(ctx context.Context, raw []byte, locals []envelope.LocalKey) (message.Message, error) {
	payload, _, err := envelope.Unpack(ctx, a.keys, a.resolver, raw, locals)
	if err != nil {
		return message.Message{}, err
	}

	var m message.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return message.Message{}, errs.Wrap(errs.InvalidJSON, err, "decode received message")
	}

	recipient := false
	for _, to := range m.To {
		if to == a.did {
			recipient = true
			break
		}
	}
	if !recipient {
		a.log.Warnf("rejected message %s: %s is not among recipients", m.ID, a.did)
		return message.Message{}, errs.New(errs.Unauthorized, "%s is not an intended recipient of message %s", a.did, m.ID)
	}

	if err := message.Validate(m); err != nil {
		return message.Message{}, err
	}

	sum := sha256.Sum256(raw)
	seen, err := a.store.MarkReceived(hex.EncodeToString(sum[:]))
	if err != nil {
		return message.Message{}, err
	}
	if seen {
		a.log.Debugf("duplicate delivery of %s from %s ignored", m.ID, m.From)
		return m, nil
	}

	if err := a.store.AppendMessage(m); err != nil {
		return message.Message{}, err
	}
	a.log.Debugf("received %s (%s) from %s thid=%s", m.ID, m.Type, m.From, m.ThID)
	return m, nil
}

// newMessage stamps the fields every builder shares.
func (a *Agent) newMessage(typ string, to []string, body interface{}, thid, pthid string) (message.Message, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return message.Message{}, errs.Wrap(errs.InvalidJSON, err, "marshal %s body", typ)
	}
	return message.Message{
		ID:          message.NewID(),
		Type:        typ,
		From:        a.did,
		To:          to,
		CreatedTime: time.Now().Unix(),
		ThID:        thid,
		PThID:       pthid,
		Body:        b,
	}, nil
}

// Transfer builds a thread-starting Transfer message.
func (a *Agent) Transfer(to []string, body message.Transfer) (message.Message, error) {
	return a.newMessage(message.TypeTransfer, to, body, "", "")
}

// Payment builds a thread-starting Payment message.
func (a *Agent) Payment(to []string, body message.Payment) (message.Message, error) {
	return a.newMessage(message.TypePayment, to, body, "", "")
}

// Authorize builds an Authorize reply in the given thread.
func (a *Agent) Authorize(to []string, thid string, body message.Authorize) (message.Message, error) {
	body.Transfer.ID = thid
	return a.newMessage(message.TypeAuthorize, to, body, thid, "")
}

// Reject builds a Reject reply in the given thread.
func (a *Agent) Reject(to []string, thid string, body message.Reject) (message.Message, error) {
	body.Transfer.ID = thid
	return a.newMessage(message.TypeReject, to, body, thid, "")
}

// Cancel builds a Cancel reply in the given thread.
func (a *Agent) Cancel(to []string, thid string, body message.Cancel) (message.Message, error) {
	body.Transfer.ID = thid
	body.By = a.did
	return a.newMessage(message.TypeCancel, to, body, thid, "")
}

// Settle builds a Settle reply in the given thread.
func (a *Agent) Settle(to []string, thid string, body message.Settle) (message.Message, error) {
	body.Transfer.ID = thid
	return a.newMessage(message.TypeSettle, to, body, thid, "")
}

// Revert builds a Revert reply in the given thread.
func (a *Agent) Revert(to []string, thid string, body message.Revert) (message.Message, error) {
	body.Transfer.ID = thid
	return a.newMessage(message.TypeRevert, to, body, thid, "")
}

// Complete builds a Complete reply in the given thread, referencing the
// originating Payment's thid.
func (a *Agent) Complete(to []string, thid string, body message.Complete) (message.Message, error) {
	return a.newMessage(message.TypeComplete, to, body, thid, "")
}

// Connect builds a Connect request (not thread-bound to a prior message).
func (a *Agent) Connect(to []string, body message.Connect) (message.Message, error) {
	return a.newMessage(message.TypeConnect, to, body, "", "")
}

// AddAgents builds an AddAgents thread mutation.
func (a *Agent) AddAgents(to []string, thid string, body message.AddAgents) (message.Message, error) {
	return a.newMessage(message.TypeAddAgents, to, body, thid, "")
}

// RemoveAgent builds a RemoveAgent thread mutation.
func (a *Agent) RemoveAgent(to []string, thid string, body message.RemoveAgent) (message.Message, error) {
	return a.newMessage(message.TypeRemoveAgent, to, body, thid, "")
}

// ReplaceAgent builds a ReplaceAgent thread mutation.
func (a *Agent) ReplaceAgent(to []string, thid string, body message.ReplaceAgent) (message.Message, error) {
	return a.newMessage(message.TypeReplaceAgent, to, body, thid, "")
}

// UpdatePolicies builds an UpdatePolicies thread mutation.
func (a *Agent) UpdatePolicies(to []string, thid string, body message.UpdatePolicies) (message.Message, error) {
	return a.newMessage(message.TypeUpdatePolicies, to, body, thid, "")
}

// UpdateParty builds an UpdateParty thread mutation.
func (a *Agent) UpdateParty(to []string, thid string, body message.UpdateParty) (message.Message, error) {
	return a.newMessage(message.TypeUpdateParty, to, body, thid, "")
}

// ConfirmRelationship builds a ConfirmRelationship thread mutation.
func (a *Agent) ConfirmRelationship(to []string, thid string, body message.ConfirmRelationship) (message.Message, error) {
	return a.newMessage(message.TypeConfirmRelationship, to, body, thid, "")
}

// TrustPing builds a standalone TrustPing.
func (a *Agent) TrustPing(to []string, body message.TrustPing) (message.Message, error) {
	return a.newMessage(message.TypeTrustPing, to, body, "", "")
}

// BasicMessage builds a standalone BasicMessage, optionally threaded.
func (a *Agent) BasicMessage(to []string, thid string, body message.BasicMessage) (message.Message, error) {
	return a.newMessage(message.TypeBasicMessage, to, body, thid, "")
}
