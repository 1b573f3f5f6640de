package storage

import (
	"testing"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/message"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "did:key:zAgent1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndThread(t *testing.T) {
	s := openTestStore(t)
	transfer := message.Message{ID: "t1", Type: message.TypeTransfer, From: "did:key:zA", To: []string{"did:key:zB"}, CreatedTime: 1}
	authorize := message.Message{ID: "a1", Type: message.TypeAuthorize, From: "did:key:zB", To: []string{"did:key:zA"}, CreatedTime: 2, ThID: "t1"}
	unrelated := message.Message{ID: "u1", Type: message.TypeTrustPing, From: "did:key:zC", To: []string{"did:key:zD"}, CreatedTime: 3}

	for _, m := range []message.Message{transfer, authorize, unrelated} {
		if err := s.AppendMessage(m); err != nil {
			t.Fatalf("append %s: %v", m.ID, err)
		}
	}

	thread, err := s.Thread("t1")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("thread len = %d, want 2", len(thread))
	}

	all, err := s.AllMessages()
	if err != nil {
		t.Fatalf("all messages: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all messages len = %d, want 3", len(all))
	}
}

func TestMarkReceivedIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	seen1, err := s.MarkReceived("hash-1")
	if err != nil {
		t.Fatalf("mark received: %v", err)
	}
	if seen1 {
		t.Fatalf("first mark should report unseen")
	}
	seen2, err := s.MarkReceived("hash-1")
	if err != nil {
		t.Fatalf("mark received again: %v", err)
	}
	if !seen2 {
		t.Fatalf("second mark should report already seen")
	}
}

func TestPendingDeliveries(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutDelivery(Delivery{ID: "d1", MessageID: "m1", Recipient: "did:key:zB", Status: DeliveryPending}); err != nil {
		t.Fatalf("put delivery: %v", err)
	}
	if err := s.PutDelivery(Delivery{ID: "d2", MessageID: "m1", Recipient: "did:key:zC", Status: DeliverySuccess}); err != nil {
		t.Fatalf("put delivery: %v", err)
	}
	pending, err := s.PendingDeliveries()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "d1" {
		t.Fatalf("pending = %+v, want only d1", pending)
	}
}

func TestDecisionsOrdering(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordDecision(Decision{ThID: "t1", State: "Proposed", At: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordDecision(Decision{ThID: "t1", State: "Authorized", At: 2}); err != nil {
		t.Fatalf("record: %v", err)
	}
	decisions, err := s.Decisions("t1")
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(decisions) != 2 || decisions[0].State != "Proposed" || decisions[1].State != "Authorized" {
		t.Fatalf("decisions = %+v", decisions)
	}
}
