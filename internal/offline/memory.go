// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package offline

import (
	"sync"
	"time"
)

// MemoryQueue is a Queue without durability, used when no storage path is
// configured and in tests. Replay semantics match BadgerQueue.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Enqueue appends entry.
func (q *MemoryQueue) Enqueue(entry Entry) error {
	if entry.EnqueuedAtMs == 0 {
		entry.EnqueuedAtMs = time.Now().UnixMilli()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.entries = append(q.entries, entry)
	return nil
}

// Flush replays entries in order, halting on the first failure with the
// failed entry left at the front.
func (q *MemoryQueue) Flush(send SendFunc) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}

	sent := 0
	for len(q.entries) > 0 {
		if err := send(q.entries[0]); err != nil {
			return sent, err
		}
		q.entries = q.entries[1:]
		sent++
	}
	return sent, nil
}

// Depth returns the number of pending entries.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close marks the queue closed; pending entries are discarded.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.entries = nil
	return nil
}
