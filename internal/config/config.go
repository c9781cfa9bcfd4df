// Package config handles configuration for chatrelay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/diogo/chatrelay/internal/fileutil"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CHATRELAY_"

// Config represents the user configuration
type Config struct {
	// WebhookURL is the single endpoint every message is posted to.
	WebhookURL string `json:"webhook_url"`
	// Token is sent as the X-Auth header when set.
	Token string `json:"token,omitempty"`

	// Per-attempt timeouts, in seconds.
	TextTimeout       int `json:"text_timeout"`
	AttachmentTimeout int `json:"attachment_timeout"`

	TextRetries       int `json:"text_retries"`
	AttachmentRetries int `json:"attachment_retries"`
	BackoffBaseMs     int `json:"backoff_base_ms"`

	BreakerThreshold int `json:"breaker_threshold"`
	BreakerCooldown  int `json:"breaker_cooldown"` // seconds
	BreakerTrials    int `json:"breaker_trials"`

	HistoryLimit int `json:"history_limit"`

	// ProbeAddress is dialed to decide connectivity. Empty means the
	// webhook host.
	ProbeAddress  string `json:"probe_address,omitempty"`
	ProbeInterval int    `json:"probe_interval"` // seconds

	CopyToClipboard bool   `json:"copy_to_clipboard"`
	Verbose         bool   `json:"verbose"`
	Env             string `json:"env"`

	OTel OTelConfig `json:"-"`
}

// OTelConfig configures OpenTelemetry export. It is read from the standard
// OTEL_* environment variables only.
type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		TextTimeout:       20,
		AttachmentTimeout: 45,
		TextRetries:       3,
		AttachmentRetries: 3,
		BackoffBaseMs:     350,
		BreakerThreshold:  3,
		BreakerCooldown:   25,
		BreakerTrials:     1,
		HistoryLimit:      20,
		ProbeInterval:     5,
		Env:               "development",
	}
}

// GetConfigDir returns the configuration directory path. CHATRELAY_HOME
// overrides the default ~/.chatrelay.
func GetConfigDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "HOME"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, ".chatrelay"), nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist
func EnsureConfigDir() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}

	// Use 0o700: the directory holds the conversation log and the token
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.json"), nil
}

// LoadConfig loads the configuration from disk and applies environment
// overrides. In development a .env file in the working directory is read
// first.
func LoadConfig() (Config, error) {
	if getEnv(EnvPrefix+"ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	cfg, err := loadFile()
	if err != nil {
		return cfg, err
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.OTel = OTelConfig{
		Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
		ServiceName:    getEnv("OTEL_SERVICE_NAME", "chatrelay"),
		ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
	}

	return cfg, nil
}

// LoadFileConfig loads the configuration file without environment
// overrides, for editing
func LoadFileConfig() (Config, error) {
	return loadFile()
}

func loadFile() (Config, error) {
	cfg := DefaultConfig()

	configPath, err := GetConfigPath()
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if config doesn't exist
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to disk
func SaveConfig(cfg Config) error {
	configDir, err := EnsureConfigDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(configDir, "config.json")

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Use 0o600: the file may carry the shared token
	if err := fileutil.WriteFileAtomic(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the settings needed to deliver messages
func (c Config) Validate() error {
	if strings.TrimSpace(c.WebhookURL) == "" {
		return fmt.Errorf("webhook_url is not configured (run: chatrelay config set webhook_url <url>)")
	}
	if c.TextRetries < 1 || c.AttachmentRetries < 1 {
		return fmt.Errorf("retries must be at least 1")
	}
	if c.TextTimeout < 1 || c.AttachmentTimeout < 1 {
		return fmt.Errorf("timeouts must be at least 1 second")
	}
	return nil
}

// TextTimeoutDuration returns the per-attempt timeout for text sends
func (c Config) TextTimeoutDuration() time.Duration {
	return time.Duration(c.TextTimeout) * time.Second
}

// AttachmentTimeoutDuration returns the per-attempt timeout for sends with files
func (c Config) AttachmentTimeoutDuration() time.Duration {
	return time.Duration(c.AttachmentTimeout) * time.Second
}

// BackoffBase returns the retry backoff base
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BreakerCooldownDuration returns the open-state cooldown
func (c Config) BreakerCooldownDuration() time.Duration {
	return time.Duration(c.BreakerCooldown) * time.Second
}

// ProbeIntervalDuration returns the connectivity probe interval
func (c Config) ProbeIntervalDuration() time.Duration {
	return time.Duration(c.ProbeInterval) * time.Second
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// field describes one settable configuration key
type field struct {
	get func(*Config) string
	set func(*Config, string) error
}

func stringField(p func(*Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error {
			*p(c) = strings.TrimSpace(v)
			return nil
		},
	}
}

func intField(p func(*Config) *int, min int) field {
	return field{
		get: func(c *Config) string { return strconv.Itoa(*p(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("expected an integer, got %q", v)
			}
			if n < min {
				return fmt.Errorf("must be at least %d", min)
			}
			*p(c) = n
			return nil
		},
	}
}

func boolField(p func(*Config) *bool) field {
	return field{
		get: func(c *Config) string { return strconv.FormatBool(*p(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("expected true or false, got %q", v)
			}
			*p(c) = b
			return nil
		},
	}
}

var fields = map[string]field{
	"webhook_url":        stringField(func(c *Config) *string { return &c.WebhookURL }),
	"token":              stringField(func(c *Config) *string { return &c.Token }),
	"text_timeout":       intField(func(c *Config) *int { return &c.TextTimeout }, 1),
	"attachment_timeout": intField(func(c *Config) *int { return &c.AttachmentTimeout }, 1),
	"text_retries":       intField(func(c *Config) *int { return &c.TextRetries }, 1),
	"attachment_retries": intField(func(c *Config) *int { return &c.AttachmentRetries }, 1),
	"backoff_base_ms":    intField(func(c *Config) *int { return &c.BackoffBaseMs }, 0),
	"breaker_threshold":  intField(func(c *Config) *int { return &c.BreakerThreshold }, 1),
	"breaker_cooldown":   intField(func(c *Config) *int { return &c.BreakerCooldown }, 1),
	"breaker_trials":     intField(func(c *Config) *int { return &c.BreakerTrials }, 1),
	"history_limit":      intField(func(c *Config) *int { return &c.HistoryLimit }, 0),
	"probe_address":      stringField(func(c *Config) *string { return &c.ProbeAddress }),
	"probe_interval":     intField(func(c *Config) *int { return &c.ProbeInterval }, 1),
	"copy_to_clipboard":  boolField(func(c *Config) *bool { return &c.CopyToClipboard }),
	"verbose":            boolField(func(c *Config) *bool { return &c.Verbose }),
	"env":                stringField(func(c *Config) *string { return &c.Env }),
}

// Keys returns the settable configuration keys, sorted
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns value to key, validating it
func (c *Config) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	if err := f.set(c, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

// Get returns the value of key as text
func (c *Config) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	return f.get(c), nil
}

// applyEnv overrides keys from CHATRELAY_<KEY> variables
func (c *Config) applyEnv() error {
	for _, key := range Keys() {
		value, ok := os.LookupEnv(EnvPrefix + strings.ToUpper(key))
		if !ok {
			continue
		}
		if err := c.Set(key, value); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
