// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package config loads layered configuration: built-in defaults, then an
// optional YAML file, then TRANSITUS_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/transitus/config.yaml",
	"/etc/transitus/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces environment overrides: TRANSITUS_SERVER_LISTEN_ADDR
// maps to server.listen_addr.
const envPrefix = "TRANSITUS_"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Hub       HubConfig       `koanf:"hub"`
	Transport TransportConfig `koanf:"transport"`
	Offline   OfflineConfig   `koanf:"offline"`
	Tracker   TrackerConfig   `koanf:"tracker"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig tunes the HTTP/websocket server.
type ServerConfig struct {
	ListenAddr      string        `koanf:"listen_addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"min=1s"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"min=1s"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=1s"`
	// AllowedOrigins is the explicit CORS allow list. There is no
	// wildcard development fallback; every origin must be named.
	AllowedOrigins []string `koanf:"allowed_origins" validate:"required,min=1,dive,url"`
	// RateLimit is requests per minute per client IP.
	RateLimit int `koanf:"rate_limit" validate:"min=1"`
}

// HubConfig tunes the rebroadcast hub.
type HubConfig struct {
	// StaleAfter removes vehicles whose last fix is older than this.
	StaleAfter time.Duration `koanf:"stale_after" validate:"min=1s"`
	// ExpireInterval is how often the stale sweep runs.
	ExpireInterval time.Duration `koanf:"expire_interval" validate:"min=1s"`
}

// TransportConfig tunes a client session.
type TransportConfig struct {
	ServerURL         string        `koanf:"server_url" validate:"omitempty,url"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"min=1s"`
	CompressThreshold int           `koanf:"compress_threshold" validate:"min=0"`
	MaxQueueSize      int           `koanf:"max_queue_size" validate:"min=1"`

	FailureThreshold uint32        `koanf:"failure_threshold" validate:"min=1"`
	ResetTimeout     time.Duration `koanf:"reset_timeout" validate:"min=1s"`

	MaxAttempts         int           `koanf:"max_attempts" validate:"min=1"`
	ConnectTimeout      time.Duration `koanf:"connect_timeout" validate:"min=1s"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval" validate:"min=1s"`
	ResetDelayAfter     time.Duration `koanf:"reset_delay_after" validate:"min=1s"`

	BackoffInitial    time.Duration `koanf:"backoff_initial" validate:"min=1ms"`
	BackoffMax        time.Duration `koanf:"backoff_max" validate:"min=1ms"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" validate:"min=1"`
	BackoffJitter     float64       `koanf:"backoff_jitter" validate:"min=0,max=1"`
}

// OfflineConfig tunes the durable offline queue.
type OfflineConfig struct {
	// Path is the BadgerDB directory. Empty selects the in-memory queue.
	Path string `koanf:"path"`
}

// TrackerConfig tunes the driver-side loop.
type TrackerConfig struct {
	VehicleID         string        `koanf:"vehicle_id"`
	RouteID           string        `koanf:"route_id"`
	MinDeltaMeters    float64       `koanf:"min_delta_meters" validate:"min=0"`
	MaxSilence        time.Duration `koanf:"max_silence" validate:"min=100ms"`
	MaxAccuracyM      float64       `koanf:"max_accuracy_m" validate:"min=0"`
	MaxSendsPerSecond float64       `koanf:"max_sends_per_second" validate:"gt=0"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000"},
			RateLimit:       300,
		},
		Hub: HubConfig{
			StaleAfter:     2 * time.Minute,
			ExpireInterval: 30 * time.Second,
		},
		Transport: TransportConfig{
			ServerURL:           "ws://localhost:8080/v1/ws",
			HeartbeatInterval:   15 * time.Second,
			CompressThreshold:   1024,
			MaxQueueSize:        256,
			FailureThreshold:    5,
			ResetTimeout:        30 * time.Second,
			MaxAttempts:         10,
			ConnectTimeout:      10 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			ResetDelayAfter:     60 * time.Second,
			BackoffInitial:      time.Second,
			BackoffMax:          30 * time.Second,
			BackoffMultiplier:   2,
			BackoffJitter:       0.3,
		},
		Offline: OfflineConfig{
			Path: "",
		},
		Tracker: TrackerConfig{
			MinDeltaMeters:    1.0,
			MaxSilence:        2 * time.Second,
			MaxAccuracyM:      100,
			MaxSendsPerSecond: 2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration with precedence env > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", transformEnvKey)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// transformEnvKey maps TRANSITUS_SERVER_LISTEN_ADDR to server.listen_addr.
// Only the first underscore becomes a section separator.
func transformEnvKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// Validate applies struct-tag validation to the whole tree.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid fields: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("config: validate: %w", err)
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
