// Package statemachine folds a thread's ordered message log into its
// current Transaction State, per spec.md §4.6. It is pure: the same slice
// always folds to the same state, so the Node/Agent packages treat any
// cached State as a snapshot invalidated by every new message rather than
// mutable state this package itself owns.
package statemachine

import (
	"sort"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/message"
)

// State is a transaction's position in the per-thread lifecycle.
type State string

const (
	Proposed         State = "Proposed"
	Authorized       State = "Authorized"
	Rejected         State = "Rejected"
	Canceled         State = "Canceled"
	Settled          State = "Settled"
	RevertRequested  State = "RevertRequested"
	Reverted         State = "Reverted"
)

// Policy parameterizes transitions an Open Question left undecided.
type Policy struct {
	// RequireReauthorizationForRevert, when true, demands a fresh Authorize
	// from every required agent after RevertRequested before a reverse
	// Settle is accepted. Defaults to false: DESIGN.md records this as a
	// per-deployment opt-in, not the baseline behavior.
	RequireReauthorizationForRevert bool
}

// AgentRole mirrors message.Agent.Role strings that participate in a
// thread's authorization graph.
type AgentRole = string

const (
	RoleCompliance      AgentRole = "Compliance"
	RoleSourceAddress   AgentRole = "SourceAddress"
	RoleDestAddress     AgentRole = "DestinationAddress"
)

// requiresAuthorization reports whether a participant in this role must
// produce an Authorize before the thread can move past Proposed, per
// spec.md §4.6's "each agent whose role requires authorization (e.g.
// Compliance, SettlementAddress on the payer side)".
func requiresAuthorization(role AgentRole) bool {
	switch role {
	case RoleCompliance, RoleSourceAddress:
		return true
	default:
		return false
	}
}

// Thread is the per-thid state reached by folding a message log:  the
// lifecycle State, the current agent graph, and the policy predicate those
// messages have mutated along the way.
type Thread struct {
	State   State
	Agents  []message.Agent
	Policy  Policy
	Authors map[string]bool // DIDs that have produced an Authorize for the current cycle
}

// Fold computes the Transaction State for one thread from its ordered
// message log. Messages need not already be in timestamp order; Fold sorts
// by (created_time, id) before applying transitions: later created_time
// wins, ties broken lexicographically by id, as a stable total order over
// the whole log rather than a special case at the point of conflict.
func Fold(thread []message.Message) (Thread, error) {
	ordered := make([]message.Message, len(thread))
	copy(ordered, thread)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedTime != ordered[j].CreatedTime {
			return ordered[i].CreatedTime < ordered[j].CreatedTime
		}
		return ordered[i].ID < ordered[j].ID
	})

	t := Thread{Authors: map[string]bool{}}
	for _, m := range ordered {
		if err := apply(&t, m); err != nil {
			return t, err
		}
	}
	return t, nil
}

func apply(t *Thread, m message.Message) error {
	switch m.Type {
	case message.TypeTransfer:
		b, err := message.DecodeBody[message.Transfer](m.Body)
		if err != nil {
			return err
		}
		if t.State != "" {
			return errs.New(errs.IllegalTransition, "Transfer received for a thread already in state %s", t.State)
		}
		t.State = Proposed
		t.Agents = b.Agents
		return nil

	case message.TypePayment:
		b, err := message.DecodeBody[message.Payment](m.Body)
		if err != nil {
			return err
		}
		if t.State != "" {
			return errs.New(errs.IllegalTransition, "Payment received for a thread already in state %s", t.State)
		}
		t.State = Proposed
		t.Agents = b.Agents
		return nil

	case message.TypeAuthorize:
		if t.State != Proposed {
			return errs.New(errs.IllegalTransition, "Authorize invalid from state %s", t.State)
		}
		if err := requireParticipant(t, m.From); err != nil {
			return err
		}
		t.Authors[m.From] = true
		if allRequiredAuthorized(t) {
			t.State = Authorized
		}
		return nil

	case message.TypeReject:
		if t.State != Proposed {
			return errs.New(errs.IllegalTransition, "Reject invalid from state %s", t.State)
		}
		if err := requireParticipant(t, m.From); err != nil {
			return err
		}
		t.State = Rejected
		return nil

	case message.TypeCancel:
		if t.State != Proposed && t.State != Authorized {
			return errs.New(errs.IllegalTransition, "Cancel invalid from state %s", t.State)
		}
		if err := requireParticipant(t, m.From); err != nil {
			return err
		}
		t.State = Canceled
		return nil

	case message.TypeSettle:
		if err := requireParticipant(t, m.From); err != nil {
			return err
		}
		switch t.State {
		case Authorized:
			t.State = Settled
		case RevertRequested:
			if t.Policy.RequireReauthorizationForRevert && !allRequiredAuthorized(t) {
				return errs.New(errs.IllegalTransition, "reverse Settle requires reauthorization under the active policy")
			}
			t.State = Reverted
		default:
			return errs.New(errs.IllegalTransition, "Settle invalid from state %s", t.State)
		}
		return nil

	case message.TypeRevert:
		if t.State != Settled {
			return errs.New(errs.IllegalTransition, "Revert invalid from state %s", t.State)
		}
		if err := requireParticipant(t, m.From); err != nil {
			return err
		}
		t.State = RevertRequested
		if t.Policy.RequireReauthorizationForRevert {
			t.Authors = map[string]bool{}
		}
		return nil

	case message.TypeAddAgents:
		b, err := message.DecodeBody[message.AddAgents](m.Body)
		if err != nil {
			return err
		}
		t.Agents = append(t.Agents, b.Agents...)
		return nil

	case message.TypeRemoveAgent:
		b, err := message.DecodeBody[message.RemoveAgent](m.Body)
		if err != nil {
			return err
		}
		kept := t.Agents[:0]
		for _, a := range t.Agents {
			if a.ID != b.Agent {
				kept = append(kept, a)
			}
		}
		t.Agents = kept
		return nil

	case message.TypeReplaceAgent:
		b, err := message.DecodeBody[message.ReplaceAgent](m.Body)
		if err != nil {
			return err
		}
		for i, a := range t.Agents {
			if a.ID == b.Original {
				t.Agents[i] = b.Replacement
			}
		}
		return nil

	case message.TypeUpdatePolicies:
		// The policy predicate is a per-agent `message.UpdatePolicies`
		// payload; its contents are opaque to the fold (spec.md §4.6's
		// "UpdatePolicies mutates the predicate"). statemachine only tracks
		// the Policy fields it itself interprets (reauthorization-on-revert);
		// the rest is surfaced to callers via the decoded body, not stored
		// in Thread.
		return nil

	default:
		return nil
	}
}

// requireParticipant enforces "an agent that is not a participant of the
// thread cannot drive transitions" (spec.md §4.6).
func requireParticipant(t *Thread, from string) error {
	if from == "" {
		return errs.New(errs.Unauthorized, "message has no sender")
	}
	for _, a := range t.Agents {
		if a.ID == from || a.For == from {
			return nil
		}
	}
	return errs.New(errs.Unauthorized, "%s is not a participant of this thread", from)
}

// allRequiredAuthorized reports whether every agent whose role requires
// authorization has produced an Authorize so far this cycle.
func allRequiredAuthorized(t *Thread) bool {
	for _, a := range t.Agents {
		if requiresAuthorization(a.Role) && !t.Authors[a.ID] {
			return false
		}
	}
	return true
}
