package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

// PickupQueue holds envelopes for recipients with no reachable live
// connection: one FIFO queue per recipient DID.
// Send always reports Accepted: queuing is itself the successful outcome,
// per spec.md §4.8 listing pickup-queue as the last resort in the transport
// registry rather than a failure path.
type PickupQueue struct {
	mu     sync.Mutex
	queues map[string][][]byte
	hub    *Hub
}

// NewPickupQueue creates an empty queue with its own client Hub.
func NewPickupQueue() *PickupQueue {
	return &PickupQueue{queues: make(map[string][][]byte), hub: newHub()}
}

func (q *PickupQueue) Name() string { return "pickup-queue" }

func (q *PickupQueue) Send(ctx context.Context, recipientDID, _ string, raw []byte) (Outcome, error) {
	if client, ok := q.hub.clientFor(recipientDID); ok {
		if err := client.enqueue(raw); err == nil {
			return Accepted, nil
		}
	}
	q.mu.Lock()
	q.queues[recipientDID] = append(q.queues[recipientDID], raw)
	q.mu.Unlock()
	return Accepted, nil
}

// Drain removes and returns every envelope queued for recipientDID.
func (q *PickupQueue) Drain(recipientDID string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queues[recipientDID]
	delete(q.queues, recipientDID)
	return out
}

// Pending reports how many envelopes are queued for recipientDID.
func (q *PickupQueue) Pending(recipientDID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[recipientDID])
}

// ServeHTTP upgrades a recipient's pickup connection and streams queued
// envelopes plus any that arrive while connected, draining the backlog on
// connect the way a mail-drop client would.
func (q *PickupQueue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recipientDID := r.URL.Query().Get("did")
	if recipientDID == "" {
		http.Error(w, "missing did query parameter", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := q.hub.register(recipientDID, conn)
	defer q.hub.unregister(client)

	for _, raw := range q.Drain(recipientDID) {
		if err := client.enqueue(raw); err != nil {
			break
		}
	}
	client.writePump()
}

// hubClient is one recipient's live pickup connection.
type hubClient struct {
	did  string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func (c *hubClient) enqueue(raw []byte) error {
	select {
	case c.send <- raw:
		return nil
	default:
		return errs.New(errs.Transient, "pickup client %s send buffer full", c.did)
	}
}

func (c *hubClient) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Hub tracks each recipient's single live pickup connection (a recipient
// reconnecting supersedes its prior connection rather than fanning out).
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*hubClient
}

func newHub() *Hub { return &Hub{clients: make(map[string]*hubClient)} }

func (h *Hub) register(did string, conn *websocket.Conn) *hubClient {
	c := &hubClient{did: did, conn: conn, send: make(chan []byte, 32), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[did] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if h.clients[c.did] == c {
		delete(h.clients, c.did)
	}
	h.mu.Unlock()
	close(c.done)
}

func (h *Hub) clientFor(did string) (*hubClient, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[did]
	return c, ok
}
