package agent

import (
	"context"
	"testing"

	tapdid "github.com/TransactionAuthorizationProtocol/tap-rs-sub002/did"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/didkey"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/envelope"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/keystore"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/message"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/storage"
)

// loopback is a Deliverer that hands the envelope straight to the
// recipient Agent's Receive, mirroring node.Node's internal transport
// without pulling in the node package (which itself depends on agent).
type loopback struct {
	agents map[string]*Agent
	locals map[string][]envelope.LocalKey
}

func (l *loopback) Deliver(ctx context.Context, from string, recipients []string, raw []byte) ([]DeliveryOutcome, error) {
	outcomes := make([]DeliveryOutcome, 0, len(recipients))
	for _, r := range recipients {
		target, ok := l.agents[r]
		if !ok {
			outcomes = append(outcomes, DeliveryOutcome{Recipient: r, Status: storage.DeliveryFailed})
			continue
		}
		if _, err := target.Receive(ctx, raw, l.locals[r]); err != nil {
			outcomes = append(outcomes, DeliveryOutcome{Recipient: r, Status: storage.DeliveryFailed, Err: err})
			continue
		}
		outcomes = append(outcomes, DeliveryOutcome{Recipient: r, Status: storage.DeliverySuccess})
	}
	return outcomes, nil
}

func kaKIDFor(did string) string {
	frag := did[len("did:key:"):]
	return did + "#" + frag + "-kx"
}

func newTestAgent(t *testing.T, reg *tapdid.Registry, ks *keystore.Store) (*Agent, string, string) {
	t.Helper()
	did, kid, err := ks.Generate(keystore.Ed25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	st, err := storage.Open(t.TempDir(), did)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(did, kid, kid, ks, st, reg), did, kid
}

func TestSendReceiveTrustPing(t *testing.T) {
	ks := keystore.NewStore()
	reg := tapdid.NewRegistry()
	reg.Register("key", didkey.NewResolver())

	sender, senderDID, _ := newTestAgent(t, reg, ks)
	receiver, receiverDID, receiverKID := newTestAgent(t, reg, ks)

	lb := &loopback{
		agents: map[string]*Agent{receiverDID: receiver},
		locals: map[string][]envelope.LocalKey{
			receiverDID: {{RecipientKID: kaKIDFor(receiverDID), KeystoreKID: receiverKID}},
		},
	}
	sender.AttachNode(lb)

	msg, err := sender.TrustPing([]string{receiverDID}, message.TrustPing{ResponseRequested: true})
	if err != nil {
		t.Fatalf("build trust ping: %v", err)
	}
	_, deliveries, err := sender.Send(context.Background(), msg, envelope.Signed)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Status != storage.DeliverySuccess {
		t.Fatalf("unexpected deliveries: %+v", deliveries)
	}

	received, err := receiver.store.Thread(msg.ID)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if len(received) != 1 || received[0].From != senderDID {
		t.Fatalf("receiver thread = %+v", received)
	}
}

func TestReceiveRejectsNonRecipient(t *testing.T) {
	ks := keystore.NewStore()
	reg := tapdid.NewRegistry()
	reg.Register("key", didkey.NewResolver())

	sender, _, _ := newTestAgent(t, reg, ks)
	receiver, _, _ := newTestAgent(t, reg, ks)
	bystander, _, _ := newTestAgent(t, reg, ks)

	msg, err := sender.TrustPing([]string{receiver.DID()}, message.TrustPing{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, _, err := envelope.Pack(context.Background(), ks, reg, msg, envelope.PackOpts{Mode: envelope.Signed, SignerKID: sender.signingKID})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if _, err := bystander.Receive(context.Background(), raw, nil); err == nil {
		t.Fatalf("expected bystander Receive to fail")
	}
}
