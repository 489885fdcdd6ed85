// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package message

import (
	"fmt"
	"sync"

	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/metrics"
)

const defaultMaxQueueSize = 256

// SendFunc delivers one encoded frame to the network.
type SendFunc func(frame []byte) error

// Queue is a bounded outbound queue ordered by priority. Messages of equal
// priority keep their enqueue order. When full, the oldest low-priority
// entry is evicted first, then the oldest entry overall.
type Queue struct {
	mu      sync.Mutex
	entries []*Message
	maxSize int
	codec   *Codec

	// drainMu serializes Process so overlapping drains cannot interleave
	// equal-priority messages out of enqueue order.
	drainMu sync.Mutex
}

// NewQueue creates a Queue holding at most maxSize messages. maxSize <= 0
// uses the default. codec may be nil for uncompressed frames.
func NewQueue(maxSize int, codec *Codec) *Queue {
	if maxSize <= 0 {
		maxSize = defaultMaxQueueSize
	}
	if codec == nil {
		codec = &Codec{}
	}
	return &Queue{maxSize: maxSize, codec: codec}
}

// Enqueue inserts msg in priority order, evicting if the queue is full.
func (q *Queue) Enqueue(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		q.evictLocked()
	}
	q.insertLocked(msg)
	metrics.MessageQueueDepth.Set(float64(len(q.entries)))
}

// insertLocked places msg after the last entry of equal or higher priority.
func (q *Queue) insertLocked(msg *Message) {
	i := len(q.entries)
	for i > 0 && q.entries[i-1].Priority < msg.Priority {
		i--
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = msg
}

// requeueFrontLocked puts msg back at the front of its priority class.
func (q *Queue) requeueFrontLocked(msg *Message) {
	i := 0
	for i < len(q.entries) && q.entries[i].Priority > msg.Priority {
		i++
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = msg
}

func (q *Queue) evictLocked() {
	// The queue is priority-sorted and FIFO within a class, so the first
	// low-priority entry is also the oldest one.
	for i, e := range q.entries {
		if e.Priority == PriorityLow {
			q.removeLocked(i)
			metrics.MessageQueueEvictions.WithLabelValues("low_priority").Inc()
			return
		}
	}

	oldest := 0
	for i, e := range q.entries {
		if e.Timestamp < q.entries[oldest].Timestamp {
			oldest = i
		}
	}
	evicted := q.entries[oldest]
	q.removeLocked(oldest)
	metrics.MessageQueueEvictions.WithLabelValues("oldest").Inc()
	logging.Warn().
		Str("message_id", evicted.ID).
		Str("type", evicted.Type).
		Str("priority", evicted.Priority.String()).
		Msg("Outbound queue full, evicted oldest message")
}

func (q *Queue) removeLocked(i int) {
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
}

// Depth returns the number of queued messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Process drains the queue in priority order through send. Only one drain
// runs at a time; concurrent callers wait their turn so delivery order
// matches enqueue order within a priority class. A send failure halts the
// drain; a failed critical message is put back at the front of its class
// so it is retried before anything newer.
func (q *Queue) Process(send SendFunc) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			metrics.MessageQueueDepth.Set(0)
			q.mu.Unlock()
			return nil
		}
		msg := q.entries[0]
		q.removeLocked(0)
		q.mu.Unlock()

		frame, err := q.codec.Encode(msg)
		if err != nil {
			// Unencodable messages cannot be retried.
			logging.Error().Err(err).Str("message_id", msg.ID).Msg("Dropping unencodable message")
			continue
		}

		if err := send(frame); err != nil {
			q.mu.Lock()
			if msg.Priority == PriorityCritical {
				q.requeueFrontLocked(msg)
			}
			metrics.MessageQueueDepth.Set(float64(len(q.entries)))
			q.mu.Unlock()
			return fmt.Errorf("message: send %s: %w", msg.Type, err)
		}
		metrics.MessagesSent.WithLabelValues(msg.Priority.String()).Inc()

		q.mu.Lock()
		metrics.MessageQueueDepth.Set(float64(len(q.entries)))
		q.mu.Unlock()
	}
}
