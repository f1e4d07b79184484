// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MailstoreConfig holds credentials and filter criteria for one mail store.
type MailstoreConfig struct {
	Address  string `yaml:"address"` // IMAP host:port (TLS)
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Folder   string `yaml:"folder"`
	// SubjectKeyword narrows the candidate listing at the mail store;
	// the parser's rule set does the actual classification.
	SubjectKeyword string `yaml:"subject_keyword"`
	// Lookback is parsed from the YAML "lookback" duration string.
	Lookback time.Duration `yaml:"-"`
}

// RulesConfig is the ticket-pattern rule set consumed by the parser.
// Subject patterns carry two capture groups: ticket ID and title. Body
// field patterns map a field name to a single-capture expression.
type RulesConfig struct {
	SubjectPatterns []string          `yaml:"subject_patterns"`
	FieldPatterns   map[string]string `yaml:"field_patterns"`
	SenderDomains   []string          `yaml:"sender_domains"`
}

// AuthConfig optionally enables OAuth2 client-credentials auth for the
// agent→coordinator channel. Leaving all three fields empty disables it.
type AuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

// Enabled reports whether client-credentials auth is configured.
func (a AuthConfig) Enabled() bool {
	return a.ClientID != "" && a.ClientSecret != "" && a.TokenURL != ""
}

// ImageConfig bounds attachment normalisation.
type ImageConfig struct {
	MaxDimension int `yaml:"max_dimension"` // longest edge after resize, pixels
	Quality      int `yaml:"quality"`       // JPEG re-encode quality
}

// Config holds all configuration for the agent and coordinator binaries.
// Components receive the sections they need at construction; nothing reads
// configuration ambiently.
type Config struct {
	CollectorID string
	Mailstore   MailstoreConfig
	Rules       RulesConfig
	Image       ImageConfig
	Auth        AuthConfig

	// Sync
	CoordinatorURL string
	SyncInterval   time.Duration
	SyncTimeout    time.Duration
	MaxBackoff     time.Duration

	// Coordinator
	DatabaseURL string

	// Redis (dedup filter + downstream indexing queue); optional on the agent.
	RedisURL   string
	IndexQueue string

	// HTTP surface (agent status / coordinator sync endpoint)
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling. Durations are
// strings in the YAML ("5m", "72h") and parsed with time.ParseDuration.
type rawConfig struct {
	CollectorID string `yaml:"collector_id"`
	Mailstore   struct {
		MailstoreConfig `yaml:",inline"`
		Lookback        string `yaml:"lookback"`
	} `yaml:"mailstore"`
	Rules RulesConfig `yaml:"rules"`
	Image ImageConfig `yaml:"image"`
	Auth  AuthConfig  `yaml:"auth"`
	Sync  struct {
		CoordinatorURL string `yaml:"coordinator_url"`
		Interval       string `yaml:"interval"`
		Timeout        string `yaml:"timeout"`
		MaxBackoff     string `yaml:"max_backoff"`
	} `yaml:"sync"`
	Coordinator struct {
		DatabaseURL string `yaml:"database_url"`
	} `yaml:"coordinator"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Index string `yaml:"index"`
		} `yaml:"queues"`
	} `yaml:"redis"`
}

// DefaultRules matches the "Ticket #<id>: <title>" convention and the
// common body fields. Deployments refine these in config.yaml.
func DefaultRules() RulesConfig {
	return RulesConfig{
		SubjectPatterns: []string{
			`(?i)ticket\s*#?([A-Za-z0-9][\w-]*)\s*[:：]\s*(.+)`,
			`(?i)\[ticket\s+([A-Za-z0-9][\w-]*)\]\s*(.+)`,
		},
		FieldPatterns: map[string]string{
			"ticket_id":     `(?i)ticket\s+(?:id|number)\s*[:：]\s*([\w-]+)`,
			"customer_name": `(?i)customer\s*(?:name)?\s*[:：]\s*(.+)`,
			"contact_info":  `(?i)contact\s*(?:info)?\s*[:：]\s*(.+)`,
			"priority":      `(?i)priority\s*[:：]\s*(\S+)`,
			"status":        `(?i)status\s*[:：]\s*(.+)`,
			"assigned_to":   `(?i)assigned\s*(?:to)?\s*[:：]\s*(.+)`,
			"created_time":  `(?i)created\s*(?:time|at)?\s*[:：]\s*([\d-]+[\sT][\d:]+)`,
		},
	}
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse builds a Config from raw YAML bytes, applying env expansion,
// env-var overrides, and defaults.
func Parse(data []byte) (*Config, error) {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		CollectorID:    firstNonEmpty(raw.CollectorID, envOrDefault("COLLECTOR_ID", defaultCollectorID())),
		Mailstore:      raw.Mailstore.MailstoreConfig,
		Rules:          raw.Rules,
		Image:          raw.Image,
		Auth:           raw.Auth,
		CoordinatorURL: firstNonEmpty(raw.Sync.CoordinatorURL, os.Getenv("COORDINATOR_URL")),
		SyncInterval:   durationOrDefault(parseDuration(raw.Sync.Interval), envOrDefaultDuration("SYNC_INTERVAL", 5*time.Minute)),
		SyncTimeout:    durationOrDefault(parseDuration(raw.Sync.Timeout), envOrDefaultDuration("SYNC_TIMEOUT", 30*time.Second)),
		MaxBackoff:     durationOrDefault(parseDuration(raw.Sync.MaxBackoff), envOrDefaultDuration("MAX_BACKOFF", 30*time.Minute)),
		DatabaseURL:    firstNonEmpty(raw.Coordinator.DatabaseURL, os.Getenv("DATABASE_URL")),
		RedisURL:       firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		IndexQueue:     firstNonEmpty(raw.Redis.Queues.Index, envOrDefault("INDEX_QUEUE", "ticket-index")),
		Port:           envOrDefaultInt("PORT", 8080),
	}

	if cfg.Mailstore.Folder == "" {
		cfg.Mailstore.Folder = "INBOX"
	}
	cfg.Mailstore.Lookback = durationOrDefault(parseDuration(raw.Mailstore.Lookback), 72*time.Hour)
	if len(cfg.Rules.SubjectPatterns) == 0 && len(cfg.Rules.FieldPatterns) == 0 {
		cfg.Rules = DefaultRules()
	}
	if cfg.Image.MaxDimension <= 0 {
		cfg.Image.MaxDimension = 1024
	}
	if cfg.Image.Quality <= 0 || cfg.Image.Quality > 100 {
		cfg.Image.Quality = 85
	}

	return cfg, nil
}

// defaultCollectorID derives a stable collector identity from the hostname.
// Collector IDs participate in merge tie-breaks, so they must not change
// across restarts.
func defaultCollectorID() string {
	host, err := os.Hostname()
	if err != nil {
		return "collector"
	}
	return host
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// parseDuration returns 0 for empty or malformed duration strings; callers
// fall back to a default via durationOrDefault.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func durationOrDefault(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
