// Package storage is a per-agent, directory-isolated append-only log of
// messages, inbound receipts, outbound deliveries, and transaction
// decisions, kept as four key-prefixed collections in one embedded store.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/logger"
	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/message"
)

const schemaVersion = 1

const (
	prefixMessage  = "msg:"
	prefixReceived = "rcv:"
	prefixDelivery = "dlv:"
	prefixDecision = "dec:"
	keySchema      = "meta:schema_version"
)

// Store is one agent's isolated message/delivery log.
type Store struct {
	db  *badger.DB
	dir string
}

// Open opens (creating if absent) the on-disk store for one agent DID under
// baseDir, in its own sanitized subdirectory so agents never share files.
func Open(baseDir, ownerDID string) (*Store, error) {
	dir := filepath.Join(baseDir, sanitizeDID(ownerDID))
	opts := badger.DefaultOptions(dir).WithLogger(&badgerLogger{log: logger.GetLogger().WithField("component", "storage").WithField("owner", ownerDID)})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, err, "open storage for %s", ownerDID)
	}
	s := &Store{db: db, dir: dir}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.Wrap(errs.IOFailure, err, "close storage")
	}
	return nil
}

func (s *Store) ensureSchema() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySchema))
		if err == badger.ErrKeyNotFound {
			return txn.Set([]byte(keySchema), []byte(fmt.Sprintf("%d", schemaVersion)))
		}
		if err != nil {
			return err
		}
		var got int
		if err := item.Value(func(v []byte) error {
			_, scanErr := fmt.Sscanf(string(v), "%d", &got)
			return scanErr
		}); err != nil {
			return err
		}
		if got != schemaVersion {
			return errs.New(errs.IOFailure, "storage schema version %d does not match expected %d", got, schemaVersion)
		}
		return nil
	})
}

// sanitizeDID turns a DID into a filesystem-safe directory component.
func sanitizeDID(did string) string {
	r := strings.NewReplacer(":", "_", "/", "_")
	return r.Replace(did)
}

// AppendMessage durably records a message this agent sent or received, key
// prefixed so a thread's messages can be range-scanned in created_time order.
func (s *Store) AppendMessage(m message.Message) error {
	key := fmt.Sprintf("%s%020d:%s", prefixMessage, m.CreatedTime, m.ID)
	v, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "marshal message %s", m.ID)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), v)
	}); err != nil {
		return errs.Wrap(errs.IOFailure, err, "append message %s", m.ID)
	}
	return nil
}

// Thread returns every stored message belonging to the given thread id,
// ordered by created_time — the log Fold operates over. A Transfer or
// Payment's own id is its thread's thid, so the thread-starting message is
// matched on ID as well as ThID.
func (s *Store) Thread(thid string) ([]message.Message, error) {
	var out []message.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(prefixMessage)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m message.Message
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return err
			}
			if m.ID == thid || m.ThID == thid {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, err, "scan thread %s", thid)
	}
	return out, nil
}

// AllMessages returns every message ever recorded by this store, in
// created_time order.
func (s *Store) AllMessages() ([]message.Message, error) {
	var out []message.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(prefixMessage)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m message.Message
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, err, "scan all messages")
	}
	return out, nil
}

// MarkReceived records that an inbound envelope with the given content hash
// has been processed, and reports whether it had already been seen — the
// Agent's idempotent-duplicate-handling check on Receive (spec.md §4.8).
func (s *Store) MarkReceived(envelopeHash string) (alreadySeen bool, err error) {
	key := []byte(prefixReceived + envelopeHash)
	updateErr := s.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(key)
		if getErr == nil {
			alreadySeen = true
			return nil
		}
		if getErr != badger.ErrKeyNotFound {
			return getErr
		}
		return txn.Set(key, []byte{1})
	})
	if updateErr != nil {
		return false, errs.Wrap(errs.IOFailure, updateErr, "mark received %s", envelopeHash)
	}
	return alreadySeen, nil
}

// DeliveryStatus is a Delivery's position in the Node's per-recipient
// outbound state machine (spec.md §4.8: pending → success | failed).
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Delivery is one recipient's outbound delivery attempt record. Envelope
// carries the packed bytes forward so a later retry attempt does not need
// the original Message still in memory.
type Delivery struct {
	ID           string         `json:"id"`
	MessageID    string         `json:"message_id"`
	Recipient    string         `json:"recipient"`
	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	NextRetryAt  int64          `json:"next_retry_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Envelope     []byte         `json:"envelope,omitempty"`
}

// PutDelivery upserts a Delivery record.
func (s *Store) PutDelivery(d Delivery) error {
	v, err := json.Marshal(d)
	if err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "marshal delivery %s", d.ID)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixDelivery+d.ID), v)
	}); err != nil {
		return errs.Wrap(errs.IOFailure, err, "put delivery %s", d.ID)
	}
	return nil
}

// PendingDeliveries returns every Delivery still in DeliveryPending status.
func (s *Store) PendingDeliveries() ([]Delivery, error) {
	var out []Delivery
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(prefixDelivery)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var d Delivery
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &d)
			}); err != nil {
				return err
			}
			if d.Status == DeliveryPending {
				out = append(out, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, err, "scan pending deliveries")
	}
	return out, nil
}

// Decision is a durable record of a transaction-state transition this agent
// observed, one per thread per state reached.
type Decision struct {
	ThID      string `json:"thid"`
	State     string `json:"state"`
	At        int64  `json:"at"`
	Detail    string `json:"detail,omitempty"`
}

// RecordDecision appends a Decision for a thread.
func (s *Store) RecordDecision(d Decision) error {
	key := fmt.Sprintf("%s%s:%020d", prefixDecision, d.ThID, d.At)
	v, err := json.Marshal(d)
	if err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "marshal decision for %s", d.ThID)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), v)
	}); err != nil {
		return errs.Wrap(errs.IOFailure, err, "record decision for %s", d.ThID)
	}
	return nil
}

// Decisions returns every recorded Decision for a thread, in order.
func (s *Store) Decisions(thid string) ([]Decision, error) {
	var out []Decision
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(prefixDecision + thid + ":")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var d Decision
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &d)
			}); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, err, "scan decisions for %s", thid)
	}
	return out, nil
}

// badgerLogger routes badger's internal logging through the ambient logger
// instead of badger's default stderr writer.
type badgerLogger struct {
	log *logger.Logger
}

func (b *badgerLogger) Errorf(format string, args ...interface{})   { b.log.Errorf(format, args...) }
func (b *badgerLogger) Warningf(format string, args ...interface{}) { b.log.Warnf(format, args...) }
func (b *badgerLogger) Infof(format string, args ...interface{})    { b.log.Infof(format, args...) }
func (b *badgerLogger) Debugf(format string, args ...interface{})   { b.log.Debugf(format, args...) }
