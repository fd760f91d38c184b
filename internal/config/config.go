// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the tiermux
// supervisor and tier agents. It handles loading and parsing the YAML
// configuration file and provides structured access to tier endpoints,
// health-check tuning, snapshot retention, tool loading, and sandbox
// limits.
package config

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// TierConfig describes one service tier endpoint in the fallback chain.
type TierConfig struct {
	// Name identifies the tier ("fast", "standard", "adaptive")
	Name string `yaml:"name" json:"name"`

	// Host is the tier's listen host
	Host string `yaml:"host" json:"host"`

	// Port is the tier's listen port
	Port int `yaml:"port" json:"port"`

	// SkipWhen is an optional expr predicate over the task; when it
	// evaluates true, the chain routes past this tier for that task.
	SkipWhen string `yaml:"skip-when,omitempty" json:"skip-when,omitempty"`
}

// BaseURL returns the tier's http base URL.
func (t TierConfig) BaseURL() string {
	host := t.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, t.Port)
}

// HealthConfig tunes the per-tier health monitors.
type HealthConfig struct {
	// Interval is the time between health polls
	Interval time.Duration `yaml:"interval" json:"interval"`

	// FailureThreshold is the consecutive-failure count that emits a crash event
	FailureThreshold int `yaml:"failure-threshold" json:"failure-threshold"`
}

// SnapshotConfig tunes the adaptive tier's snapshot manager.
type SnapshotConfig struct {
	// Dir is the root directory that snapshots are written under
	Dir string `yaml:"dir" json:"dir"`

	// Retention is the number of snapshots kept; older ones are evicted
	Retention int `yaml:"retention" json:"retention"`
}

// ToolsConfig controls dynamic handler loading.
type ToolsConfig struct {
	// Dir is the directory scanned for tool definition files
	Dir string `yaml:"dir" json:"dir"`

	// HotReload enables the filesystem watch and reconciliation loop
	HotReload bool `yaml:"hot-reload" json:"hot-reload"`
}

// SandboxConfig bounds tool execution.
type SandboxConfig struct {
	// Enabled toggles sandboxed execution; when false, tools load but never run
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxExecutionTime bounds a single handler invocation
	MaxExecutionTime time.Duration `yaml:"max-execution-time" json:"max-execution-time"`

	// MaxMemoryMB is the heap ceiling (in MB) above which the watchdog requests GC
	MaxMemoryMB int `yaml:"max-memory-mb" json:"max-memory-mb"`
}

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host on which the tier agent server binds.
	Host string `yaml:"host" json:"-"`

	// Port is the network port on which the tier agent server listens.
	Port int `yaml:"port" json:"-"`

	// Role names this process's tier when running as a tier agent.
	Role string `yaml:"role" json:"role"`

	// Tiers lists the fallback chain endpoints, fastest first.
	Tiers []TierConfig `yaml:"tiers" json:"tiers"`

	// Health tunes the per-tier health monitors.
	Health HealthConfig `yaml:"health" json:"health"`

	// Snapshots tunes snapshot creation and retention.
	Snapshots SnapshotConfig `yaml:"snapshots" json:"snapshots"`

	// Tools controls dynamic handler loading.
	Tools ToolsConfig `yaml:"tools" json:"tools"`

	// Sandbox bounds tool execution.
	Sandbox SandboxConfig `yaml:"sandbox" json:"sandbox"`

	// HistoryDB is the sqlite file recording task results; empty disables it.
	HistoryDB string `yaml:"history-db" json:"history-db"`

	// ControlKey guards POST /reload and /shutdown (plaintext or bcrypt hashed).
	// Empty leaves the control endpoints open.
	ControlKey string `yaml:"control-key,omitempty" json:"-"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether logs go to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is where rotating log files are written when LoggingToFile is set.
	LogDir string `yaml:"log-dir" json:"log-dir"`
}

// LoadConfig reads YAML from configFile into a Config, applying defaults
// for absent keys. A plaintext control key is bcrypt-hashed in memory so
// the rest of the process only ever sees the hash.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Health.Interval <= 0 {
		cfg.Health.Interval = time.Second
	}
	if cfg.Health.FailureThreshold <= 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.Snapshots.Retention <= 0 {
		cfg.Snapshots.Retention = 5
	}
	if cfg.Sandbox.MaxExecutionTime <= 0 {
		cfg.Sandbox.MaxExecutionTime = 30 * time.Second
	}
	if cfg.Sandbox.MaxMemoryMB <= 0 {
		cfg.Sandbox.MaxMemoryMB = 512
	}

	if cfg.ControlKey != "" && !looksLikeBcrypt(cfg.ControlKey) {
		hashed, errHash := hashSecret(cfg.ControlKey)
		if errHash != nil {
			return nil, fmt.Errorf("failed to hash control key: %w", errHash)
		}
		cfg.ControlKey = hashed
	}

	return cfg, nil
}

// defaultConfig returns a Config pre-filled with defaults so that absent
// YAML keys keep them.
func defaultConfig() *Config {
	return &Config{
		Host: "127.0.0.1",
		Port: 8710,
		Role: "adaptive",
		Health: HealthConfig{
			Interval:         time.Second,
			FailureThreshold: 3,
		},
		Snapshots: SnapshotConfig{
			Dir:       "snapshots",
			Retention: 5,
		},
		Tools: ToolsConfig{
			Dir:       "tools",
			HotReload: true,
		},
		Sandbox: SandboxConfig{
			Enabled:          true,
			MaxExecutionTime: 30 * time.Second,
			MaxMemoryMB:      512,
		},
		LogDir: "logs",
	}
}

// VerifyControlKey checks a presented plaintext key against the stored
// bcrypt hash. An empty configured key admits everything.
func (c *Config) VerifyControlKey(presented string) bool {
	if c.ControlKey == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(c.ControlKey), []byte(presented)) == nil
}

// looksLikeBcrypt returns true if the provided string appears to be a bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

// hashSecret hashes the given secret using bcrypt.
func hashSecret(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}
