// Package config loads and validates the service configuration from YAML or
// JSON5 files, with environment variable expansion and $include support.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/recouphq/voiceagent/internal/compliance"
	"github.com/recouphq/voiceagent/internal/cost"
	"github.com/recouphq/voiceagent/internal/dialer"
	"github.com/recouphq/voiceagent/internal/engine"
	"github.com/recouphq/voiceagent/internal/observability"
	"github.com/recouphq/voiceagent/internal/outcome"
)

// Config is the main configuration structure for the voice agent.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Calls      dialer.Config           `yaml:"calls"`
	Telephony  TelephonyConfig         `yaml:"telephony"`
	Engine     engine.Config           `yaml:"engine"`
	Compliance compliance.Ruleset      `yaml:"compliance"`
	Cost       cost.Rates              `yaml:"cost"`
	Outcome    OutcomeConfig           `yaml:"outcome"`
	Resilience ResilienceConfig        `yaml:"resilience"`
	Logging    observability.LogConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// StreamTokenSecret signs the media stream URL tokens.
	StreamTokenSecret string `yaml:"stream_token_secret"`
	// StreamTokenTTL bounds how long a placed call may take to connect
	// its media stream.
	StreamTokenTTL time.Duration `yaml:"stream_token_ttl"`

	// CleanupInterval is how often ended call records and stale attempt
	// entries are swept.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// CallRetention is how long ended call records are kept in memory.
	CallRetention time.Duration `yaml:"call_retention"`
}

type TelephonyConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	BaseURL    string `yaml:"base_url,omitempty"`

	// SendConfirmationSMS enables a text with the promised date after a
	// payment promise is recorded.
	SendConfirmationSMS bool `yaml:"send_confirmation_sms"`
}

type OutcomeConfig struct {
	// PhrasesFile points at a YAML or JSON5 file with phrase list
	// overrides. When set it is watched for changes and reloaded live.
	PhrasesFile string `yaml:"phrases_file"`

	// Phrases overrides phrase lists inline. Empty lists fall back to
	// the built-in defaults.
	Phrases outcome.PhraseConfig `yaml:"phrases"`
}

type ResilienceConfig struct {
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

type RetryConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	InitialDelay        time.Duration `yaml:"initial_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	Multiplier          float64       `yaml:"multiplier"`
	JitterFraction      float64       `yaml:"jitter_fraction"`
	RetryableSubstrings []string      `yaml:"retryable_substrings"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Load reads the configuration file at path, resolves $include directives,
// expands environment variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load without the credential validation, for offline tooling
// that only needs rates or rules from the file.
func LoadFile(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Default returns a configuration with all defaults applied and no
// credentials set.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.StreamTokenTTL == 0 {
		c.Server.StreamTokenTTL = 10 * time.Minute
	}
	if c.Server.CleanupInterval == 0 {
		c.Server.CleanupInterval = 10 * time.Minute
	}
	if c.Server.CallRetention == 0 {
		c.Server.CallRetention = 24 * time.Hour
	}
	if c.Calls.AnswerPath == "" {
		c.Calls.AnswerPath = "/webhooks/voice"
	}
	if c.Calls.StatusPath == "" {
		c.Calls.StatusPath = "/webhooks/status"
	}
	if c.Calls.MediaPath == "" {
		c.Calls.MediaPath = "/ws/media"
	}
	if c.Cost == (cost.Rates{}) {
		c.Cost = cost.DefaultRates()
	}
	c.Compliance = c.Compliance.Normalize()
	if c.Resilience.Retry.MaxAttempts == 0 {
		c.Resilience.Retry = RetryConfig{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       10 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.3,
		}
	}
	if c.Resilience.Breaker.FailureThreshold == 0 {
		c.Resilience.Breaker = BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks that the configuration can actually run the service.
func (c *Config) Validate() error {
	var problems []string
	if c.Calls.PublicURL == "" {
		problems = append(problems, "calls.public_url is required")
	}
	if c.Telephony.AccountSID == "" {
		problems = append(problems, "telephony.account_sid is required")
	}
	if c.Telephony.AuthToken == "" {
		problems = append(problems, "telephony.auth_token is required")
	}
	if c.Telephony.FromNumber == "" {
		problems = append(problems, "telephony.from_number is required")
	}
	if c.Engine.APIKey == "" {
		problems = append(problems, "engine.api_key is required")
	}
	if c.Server.StreamTokenSecret == "" {
		problems = append(problems, "server.stream_token_secret is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
