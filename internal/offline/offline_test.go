// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package offline

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
)

func entry(op Operation, channel string, n int64) Entry {
	payload, _ := json.Marshal(map[string]int64{"n": n})
	return Entry{Operation: op, Channel: channel, Payload: payload, EnqueuedAtMs: n}
}

func openTestQueue(t *testing.T, path string) *BadgerQueue {
	t.Helper()
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q
}

func TestFlushPreservesEnqueueOrder(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	for i := int64(1); i <= 3; i++ {
		if err := q.Enqueue(entry(OpUpdate, "positions", i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var got []int64
	sent, err := q.Flush(func(e Entry) error {
		got = append(got, e.EnqueuedAtMs)
		return nil
	})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sent != 3 {
		t.Errorf("sent = %d, want 3", sent)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("replay order = %v, want [1 2 3]", got)
	}
	if q.Depth() != 0 {
		t.Errorf("Depth = %d after full flush, want 0", q.Depth())
	}
}

func TestFlushHaltsOnFailureKeepingFailedEntryFirst(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Close()

	for i := int64(1); i <= 3; i++ {
		q.Enqueue(entry(OpUpdate, "positions", i))
	}

	sendErr := errors.New("still offline")
	calls := 0
	sent, err := q.Flush(func(e Entry) error {
		calls++
		if e.EnqueuedAtMs == 2 {
			return sendErr
		}
		return nil
	})
	if !errors.Is(err, sendErr) {
		t.Fatalf("Flush err = %v, want %v", err, sendErr)
	}
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if calls != 2 {
		t.Errorf("send called %d times, want 2 (halt after failure)", calls)
	}
	if q.Depth() != 2 {
		t.Errorf("Depth = %d, want 2 (failed entry retained)", q.Depth())
	}

	// Retry resumes at the failed entry, order intact.
	var got []int64
	q.Flush(func(e Entry) error {
		got = append(got, e.EnqueuedAtMs)
		return nil
	})
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("retry order = %v, want [2 3]", got)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	q := openTestQueue(t, dir)
	q.Enqueue(entry(OpCreate, "positions", 1))
	q.Enqueue(entry(OpDelete, "positions", 2))
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q2 := openTestQueue(t, dir)
	defer q2.Close()

	if q2.Depth() != 2 {
		t.Fatalf("Depth after reopen = %d, want 2", q2.Depth())
	}

	var got []int64
	q2.Flush(func(e Entry) error {
		got = append(got, e.EnqueuedAtMs)
		return nil
	})
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("replay order after reopen = %v, want [1 2]", got)
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	q.Close()

	if err := q.Enqueue(entry(OpCreate, "positions", 1)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after close = %v, want ErrQueueClosed", err)
	}
}

func TestMemoryQueueMatchesReplaySemantics(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	for i := int64(1); i <= 3; i++ {
		q.Enqueue(entry(OpUpdate, "positions", i))
	}

	sendErr := errors.New("down")
	sent, err := q.Flush(func(e Entry) error {
		if e.EnqueuedAtMs == 1 {
			return sendErr
		}
		return nil
	})
	if !errors.Is(err, sendErr) || sent != 0 {
		t.Fatalf("Flush = (%d, %v), want (0, %v)", sent, err, sendErr)
	}
	if q.Depth() != 3 {
		t.Errorf("Depth = %d, want 3", q.Depth())
	}

	sent, err = q.Flush(func(Entry) error { return nil })
	if err != nil || sent != 3 {
		t.Errorf("Flush = (%d, %v), want (3, nil)", sent, err)
	}
}
