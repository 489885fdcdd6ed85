// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package offline persists writes attempted while disconnected and replays
// them in enqueue order once the transport comes back. Entries are stored
// in BadgerDB under monotonically increasing keys so iteration order is
// enqueue order, surviving process restarts.
package offline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/metrics"
)

// ErrQueueClosed is returned after Close.
var ErrQueueClosed = errors.New("offline: queue closed")

// Operation classifies a queued write.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Entry is one write captured while offline.
type Entry struct {
	Operation    Operation       `json:"operation"`
	Channel      string          `json:"channel"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	EnqueuedAtMs int64           `json:"enqueuedAtMs"`
}

// SendFunc replays one entry to the live transport.
type SendFunc func(Entry) error

// Queue is an ordered, replayable backlog of offline writes.
type Queue interface {
	Enqueue(entry Entry) error
	Flush(send SendFunc) (sent int, err error)
	Depth() int
	Close() error
}

const keyPrefix = "entry:"

// BadgerQueue is the durable Queue implementation. The in-memory slice is
// the source of truth for ordering; BadgerDB persistence is best effort
// and reloaded on Open.
type BadgerQueue struct {
	db *badger.DB

	mu      sync.Mutex
	records []record
	nextSeq uint64
	closed  bool
}

type record struct {
	key   []byte
	entry Entry
}

// Open opens (or creates) the durable queue at path and loads any entries
// left over from a previous run, preserving their order.
func Open(path string) (*BadgerQueue, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("offline: open badger at %s: %w", path, err)
	}

	q := &BadgerQueue{db: db}
	if err := q.load(); err != nil {
		db.Close()
		return nil, err
	}

	metrics.OfflineQueueDepth.Set(float64(len(q.records)))
	logging.Info().
		Str("path", path).
		Int("pending", len(q.records)).
		Msg("Offline queue opened")
	return q, nil
}

// load reads persisted entries in key order. Keys are fixed-width hex
// sequence numbers, so lexicographic iteration is enqueue order.
func (q *BadgerQueue) load() error {
	return q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)

			var e Entry
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(key)).Msg("Skipping unreadable offline entry")
				continue
			}

			q.records = append(q.records, record{key: key, entry: e})
			if seq, ok := parseSeq(key); ok && seq >= q.nextSeq {
				q.nextSeq = seq + 1
			}
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", keyPrefix, seq))
}

func parseSeq(key []byte) (uint64, bool) {
	var seq uint64
	if _, err := fmt.Sscanf(string(key), keyPrefix+"%016x", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// Enqueue appends entry and persists it. A persistence failure is logged
// as a warning; the entry still joins the in-memory queue so the session
// can replay it, just without crash durability.
func (q *BadgerQueue) Enqueue(entry Entry) error {
	if entry.EnqueuedAtMs == 0 {
		entry.EnqueuedAtMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	key := seqKey(q.nextSeq)
	q.nextSeq++
	q.records = append(q.records, record{key: key, entry: entry})
	metrics.OfflineQueueDepth.Set(float64(len(q.records)))

	data, err := json.Marshal(entry)
	if err != nil {
		metrics.OfflineQueuePersistFailures.Inc()
		logging.Warn().Err(err).Str("channel", entry.Channel).Msg("Failed to serialize offline entry")
		return nil
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		metrics.OfflineQueuePersistFailures.Inc()
		logging.Warn().Err(err).Str("channel", entry.Channel).Msg("Failed to persist offline entry")
	}
	return nil
}

// Flush replays entries strictly in enqueue order. A send failure halts
// the replay with the failed entry still at the front; entries already
// sent are removed from storage. Returns how many entries were sent.
func (q *BadgerQueue) Flush(send SendFunc) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}

	sent := 0
	for len(q.records) > 0 {
		rec := q.records[0]
		if err := send(rec.entry); err != nil {
			metrics.OfflineQueueReplayed.WithLabelValues("failed").Inc()
			metrics.OfflineQueueDepth.Set(float64(len(q.records)))
			logging.Warn().
				Err(err).
				Str("channel", rec.entry.Channel).
				Int("remaining", len(q.records)).
				Msg("Offline replay halted")
			return sent, fmt.Errorf("offline: replay %s on %s: %w", rec.entry.Operation, rec.entry.Channel, err)
		}

		q.records = q.records[1:]
		sent++
		metrics.OfflineQueueReplayed.WithLabelValues("sent").Inc()

		delErr := q.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(rec.key)
		})
		if delErr != nil {
			logging.Warn().Err(delErr).Str("key", string(rec.key)).Msg("Failed to delete replayed offline entry")
		}
	}

	metrics.OfflineQueueDepth.Set(0)
	if sent > 0 {
		logging.Info().Int("sent", sent).Msg("Offline queue replayed")
	}
	return sent, nil
}

// Depth returns the number of pending entries.
func (q *BadgerQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Close closes the underlying store. Pending entries stay persisted for
// the next run.
func (q *BadgerQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.db.Close()
}
