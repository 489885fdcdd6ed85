// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInit_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("vehicle_id", "bus-7").Msg("position accepted")

	out := buf.String()
	if !strings.Contains(out, `"vehicle_id":"bus-7"`) {
		t.Errorf("output missing structured field: %s", out)
	}
	if !strings.Contains(out, `"message":"position accepted"`) {
		t.Errorf("output missing message: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewTestLogger_CapturesOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewTestLogger(&buf)
	l.Warn().Msg("queue full")

	if !strings.Contains(buf.String(), "queue full") {
		t.Errorf("test logger output = %q", buf.String())
	}
}

func TestSlogAdapter_WritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	sl := NewSlogLogger()
	sl.Info("service started", "component", "hub", "restarts", int64(2))

	out := buf.String()
	if !strings.Contains(out, `"component":"hub"`) {
		t.Errorf("slog attr not forwarded: %s", out)
	}
	if !strings.Contains(out, `"restarts":2`) {
		t.Errorf("slog int attr not forwarded: %s", out)
	}
}
