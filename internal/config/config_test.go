// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Transport.BackoffInitial != time.Second || cfg.Transport.BackoffMax != 30*time.Second {
		t.Errorf("backoff defaults = %v/%v, want 1s/30s",
			cfg.Transport.BackoffInitial, cfg.Transport.BackoffMax)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("server:\n  listen_addr: \":9090\"\nhub:\n  stale_after: 5m\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Hub.StaleAfter != 5*time.Minute {
		t.Errorf("StaleAfter = %v, want 5m", cfg.Hub.StaleAfter)
	}
	// untouched values keep their defaults
	if cfg.Transport.MaxQueueSize != 256 {
		t.Errorf("MaxQueueSize = %d, want default 256", cfg.Transport.MaxQueueSize)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \":9090\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("TRANSITUS_SERVER_LISTEN_ADDR", ":7070")
	t.Setenv("TRANSITUS_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070 (env wins)", cfg.Server.ListenAddr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.Log.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject unknown log level")
	}

	cfg = defaultConfig()
	cfg.Server.AllowedOrigins = nil
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject empty CORS origin list")
	}
}

func TestTransformEnvKey(t *testing.T) {
	cases := map[string]string{
		"TRANSITUS_SERVER_LISTEN_ADDR":              "server.listen_addr",
		"TRANSITUS_TRANSPORT_HEALTH_CHECK_INTERVAL": "transport.health_check_interval",
		"TRANSITUS_LOG_LEVEL":                       "log.level",
	}
	for in, want := range cases {
		if got := transformEnvKey(in); got != want {
			t.Errorf("transformEnvKey(%q) = %q, want %q", in, got, want)
		}
	}
}
