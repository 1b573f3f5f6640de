// cmd/tapdemo/main.go
// Boot two in-process TAP agents wired through one Node over the loopback
// transport and run scenario S1 (spec.md §8): Alice sends a Transfer, Bob
// authorizes it, and the resulting per-thread decision log is printed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/agent"
	tapdid "github.com/TransactionAuthorizationProtocol/tap-rs-sub002/did"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/didkey"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/envelope"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/keystore"
	loggerpkg "github.com/TransactionAuthorizationProtocol/tap-rs-sub002/logger"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/message"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/node"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/resilience"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/statemachine"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/storage"
)

func keyAgreementKID(did string) string {
	frag := did[len("did:key:"):]
	return did + "#" + frag + "-kx"
}

func bootAgent(storageDir string, ks *keystore.Store, reg tapdid.Resolver, n *node.Node) (*agent.Agent, envelope.LocalKey) {
	did, kid, err := ks.Generate(keystore.Ed25519)
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	st, err := storage.Open(storageDir, did)
	if err != nil {
		log.Fatalf("open storage for %s: %v", did, err)
	}
	a := agent.New(did, kid, kid, ks, st, reg)
	local := envelope.LocalKey{RecipientKID: keyAgreementKID(did), KeystoreKID: kid}
	n.Register(a, []envelope.LocalKey{local})
	return a, local
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("[tapdemo] ")

	storageDir := flag.String("storage-dir", "", "directory for agent storage (defaults to a temp dir)")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	flag.Parse()

	if lvl, err := loggerpkg.ParseLevel(*logLevel); err == nil {
		loggerpkg.SetGlobalLevel(lvl)
	}

	dir := *storageDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "tapdemo-*")
		if err != nil {
			log.Fatalf("create temp dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	ks := keystore.NewStore()
	reg := tapdid.NewRegistry()
	reg.Register("key", didkey.NewResolver())
	cached := tapdid.NewCachingResolver(reg, 0)
	n := node.New(cached)

	alice, _ := bootAgent(dir, ks, cached, n)
	bob, _ := bootAgent(dir, ks, cached, n)

	ctx := context.Background()

	transfer := message.Transfer{
		Asset:       "eip155:1/erc20:0x6B175474E89094C44Da98b954EedeAC495271d0F",
		Amount:      "100.0",
		Originator:  message.Party{ID: alice.DID()},
		Beneficiary: &message.Party{ID: bob.DID()},
		Agents: []message.Agent{
			{ID: alice.DID(), Role: "OriginatingAddress", For: alice.DID()},
			{ID: bob.DID(), Role: "DestinationAddress", For: bob.DID()},
		},
	}
	transferMsg, err := alice.Transfer([]string{bob.DID()}, transfer)
	if err != nil {
		log.Fatalf("build transfer: %v", err)
	}
	// A one-shot CLI send has no persisted retry schedule to fall back on
	// like node.ProcessPendingDeliveries does, so it retries inline instead.
	if err := resilience.Retry(ctx, func() error {
		_, _, err := alice.Send(ctx, transferMsg, envelope.Signed)
		return err
	}); err != nil {
		log.Fatalf("send transfer: %v", err)
	}
	log.Printf("Alice -> Bob: Transfer %s (%s %s)", transferMsg.ID, transfer.Amount, transfer.Asset)

	authMsg, err := bob.Authorize([]string{alice.DID()}, transferMsg.ID, message.Authorize{})
	if err != nil {
		log.Fatalf("build authorize: %v", err)
	}
	// Fold orders by (created_time, id); force the reply strictly after the
	// Transfer regardless of how fast these two builds land in the same
	// wall-clock second.
	if authMsg.CreatedTime <= transferMsg.CreatedTime {
		authMsg.CreatedTime = transferMsg.CreatedTime + 1
	}
	if err := resilience.Retry(ctx, func() error {
		_, _, err := bob.Send(ctx, authMsg, envelope.Signed)
		return err
	}); err != nil {
		log.Fatalf("send authorize: %v", err)
	}
	log.Printf("Bob -> Alice: Authorize %s thid=%s", authMsg.ID, authMsg.ThID)

	for _, who := range []struct {
		name string
		a    *agent.Agent
	}{{"Alice", alice}, {"Bob", bob}} {
		thread, err := who.a.Store().Thread(transferMsg.ID)
		if err != nil {
			log.Fatalf("%s thread: %v", who.name, err)
		}
		th, err := statemachine.Fold(thread)
		if err != nil {
			log.Fatalf("%s fold: %v", who.name, err)
		}
		if err := who.a.Store().RecordDecision(storage.Decision{
			ThID:   transferMsg.ID,
			State:  string(th.State),
			At:     time.Now().Unix(),
			Detail: fmt.Sprintf("folded %d messages", len(thread)),
		}); err != nil {
			log.Fatalf("%s record decision: %v", who.name, err)
		}

		decisions, err := who.a.Store().Decisions(transferMsg.ID)
		if err != nil {
			log.Fatalf("%s decisions: %v", who.name, err)
		}
		fmt.Printf("%s's decision log for thread %s:\n", who.name, transferMsg.ID)
		for _, d := range decisions {
			fmt.Printf("  state=%s at=%d %s\n", d.State, d.At, d.Detail)
		}
	}
}
