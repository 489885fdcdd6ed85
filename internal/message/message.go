// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package message defines the wire envelope for the live-tracking channel
// and the outbound priority queue that sits in front of the transport.
package message

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/transitus/transitus/internal/metrics"
)

// Message kinds carried over the channel.
const (
	TypePositionUpdate   = "position_update"
	TypePeerConnected    = "peer_connected"
	TypePeerDisconnected = "peer_disconnected"
	TypeHeartbeatPing    = "heartbeat_ping"
	TypeHeartbeatPong    = "heartbeat_pong"
	TypeSnapshot         = "snapshot"
	TypeSubscribe        = "subscribe"
)

// Priority orders outbound messages. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a wire name to a Priority. Unknown names map to
// PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// MarshalJSON encodes the priority as its wire name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a priority from its wire name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// Message is the envelope every payload on the channel travels in.
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Compressed bool            `json:"compressed,omitempty"`
	Priority   Priority        `json:"priority"`
}

// New stamps a fresh message with an id and the current timestamp.
func New(msgType string, data any, priority Priority) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("message: marshal %s payload: %w", msgType, err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		Priority:  priority,
	}, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

var gzipWriters = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// Codec encodes and decodes envelopes, compressing payloads above the
// configured threshold. A frame is gzip when it starts with the gzip magic
// bytes, plain JSON otherwise.
type Codec struct {
	// CompressThreshold is the encoded size in bytes above which a frame
	// is gzipped. Zero disables compression.
	CompressThreshold int
}

// Encode serializes msg to a frame, compressing when the encoded envelope
// exceeds the threshold. Compression failures degrade to the plain frame.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	if c.CompressThreshold > 0 {
		msg.Compressed = false
	}
	plain, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("message: encode %s: %w", msg.Type, err)
	}
	if c.CompressThreshold <= 0 || len(plain) <= c.CompressThreshold {
		return plain, nil
	}

	msg.Compressed = true
	marked, err := json.Marshal(msg)
	if err != nil {
		msg.Compressed = false
		return plain, nil
	}

	var buf bytes.Buffer
	zw := gzipWriters.Get().(*gzip.Writer)
	zw.Reset(&buf)
	_, werr := zw.Write(marked)
	cerr := zw.Close()
	gzipWriters.Put(zw)
	if werr != nil || cerr != nil {
		msg.Compressed = false
		return plain, nil
	}

	// A payload that grew under compression goes out plain.
	if buf.Len() >= len(plain) {
		msg.Compressed = false
		return plain, nil
	}

	metrics.MessagesCompressed.Inc()
	return buf.Bytes(), nil
}

// Decode parses a frame back into an envelope, transparently decompressing
// gzip frames. A corrupt gzip frame fails only this message.
func (c *Codec) Decode(frame []byte) (*Message, error) {
	if bytes.HasPrefix(frame, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(frame))
		if err != nil {
			metrics.MessageDecompressionFailures.Inc()
			return nil, fmt.Errorf("message: open gzip frame: %w", err)
		}
		frame, err = io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			metrics.MessageDecompressionFailures.Inc()
			return nil, fmt.Errorf("message: decompress frame: %w", err)
		}
	}

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("message: decode frame: %w", err)
	}
	return &msg, nil
}
