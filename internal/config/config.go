// Package config loads the bridge configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/roelfdiedericks/wabridge/internal/logging"
)

// PlaceholderAPIKey is written into a freshly created template and must be
// replaced by the operator before the bridge will start.
const PlaceholderAPIKey = "YOUR_API_KEY_HERE"

var (
	// ErrTemplateCreated means no config existed and a template was written.
	ErrTemplateCreated = errors.New("config template created")
	// ErrPlaceholderKey means the operator has not replaced the template API key.
	ErrPlaceholderKey = errors.New("api key is still the placeholder value")
	// ErrInvalid wraps any other unusable configuration.
	ErrInvalid = errors.New("invalid config")
)

// Config is the on-disk bridge configuration. Immutable after Load.
type Config struct {
	DashboardURL  string `json:"dashboardUrl"`
	APIKey        string `json:"apiKey"`
	BotName       string `json:"botName"`
	AutoRestart   bool   `json:"autoRestart"`
	PairingPhone  string `json:"pairingPhone,omitempty"`
	StatusPath    string `json:"statusPath,omitempty"`
	MessagePath   string `json:"messagePath,omitempty"`
	FallbackReply string `json:"fallbackReply,omitempty"`
	LogLevel      string `json:"logLevel,omitempty"`
	Timing        Timing `json:"timing"`

	policy Policy
	path   string
}

// Timing holds the tunable timer policy as written in the file.
// Durations use time.ParseDuration syntax ("3s", "2m").
type Timing struct {
	ReconnectBase     string  `json:"reconnectBase,omitempty"`
	ReconnectGrowth   float64 `json:"reconnectGrowth,omitempty"`
	ReconnectCap      string  `json:"reconnectCap,omitempty"`
	RestartDelay      string  `json:"restartDelay,omitempty"`
	KeepaliveInterval string  `json:"keepaliveInterval,omitempty"`
	StatusInterval    string  `json:"statusInterval,omitempty"`
	StatusTimeout     string  `json:"statusTimeout,omitempty"`
	BackendTimeout    string  `json:"backendTimeout,omitempty"`
	MaxPairingCycles  int     `json:"maxPairingCycles,omitempty"`
}

// Policy is Timing parsed into typed values.
type Policy struct {
	ReconnectBase     time.Duration
	ReconnectGrowth   float64
	ReconnectCap      time.Duration
	RestartDelay      time.Duration
	KeepaliveInterval time.Duration
	StatusInterval    time.Duration
	StatusTimeout     time.Duration
	BackendTimeout    time.Duration
	MaxPairingCycles  int
}

// DefaultTiming returns the default timer policy.
func DefaultTiming() Timing {
	return Timing{
		ReconnectBase:     "3s",
		ReconnectGrowth:   1.5,
		ReconnectCap:      "60s",
		RestartDelay:      "1s",
		KeepaliveInterval: "20s",
		StatusInterval:    "30s",
		StatusTimeout:     "8s",
		BackendTimeout:    "120s",
		MaxPairingCycles:  5,
	}
}

// defaults are merged into every loaded config for fields left empty.
// AutoRestart is deliberately absent: false is a valid explicit choice.
func defaults() Config {
	return Config{
		BotName:       "wabridge",
		StatusPath:    "/api/whatsapp/status",
		MessagePath:   "/api/whatsapp/message",
		FallbackReply: "Sorry, I can't reply right now. Please try again in a moment.",
		LogLevel:      "info",
		Timing:        DefaultTiming(),
	}
}

// Template returns the config written on first run.
func Template() Config {
	cfg := defaults()
	cfg.DashboardURL = "https://dashboard.example.com"
	cfg.APIKey = PlaceholderAPIKey
	cfg.AutoRestart = true
	return cfg
}

// Load reads the config at path. If the file does not exist a template is
// written there and ErrTemplateCreated is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := AtomicWriteJSON(path, Template(), 0600); err != nil {
			return nil, fmt.Errorf("failed to write config template: %w", err)
		}
		logging.L_info("config: template written", "path", path)
		return nil, fmt.Errorf("%w at %s", ErrTemplateCreated, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	cfg.path = path

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	logging.L_debug("config: loaded", "path", path, "dashboard", cfg.DashboardURL, "bot", cfg.BotName)
	return cfg, nil
}

// finalize applies defaults, normalizes and validates.
func (c *Config) finalize() error {
	if err := mergo.Merge(c, defaults()); err != nil {
		return fmt.Errorf("%w: merge defaults: %v", ErrInvalid, err)
	}

	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.APIKey == "" || c.APIKey == PlaceholderAPIKey {
		return ErrPlaceholderKey
	}

	c.DashboardURL = NormalizeURL(c.DashboardURL)
	u, err := url.Parse(c.DashboardURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: dashboardUrl %q must be an http(s) URL", ErrInvalid, c.DashboardURL)
	}

	c.StatusPath = normalizePath(c.StatusPath)
	c.MessagePath = normalizePath(c.MessagePath)

	policy, err := c.Timing.parse()
	if err != nil {
		return err
	}
	c.policy = policy
	return nil
}

// NormalizeURL trims whitespace and trailing slashes.
func NormalizeURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (t Timing) parse() (Policy, error) {
	var p Policy
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnectBase", t.ReconnectBase, &p.ReconnectBase},
		{"reconnectCap", t.ReconnectCap, &p.ReconnectCap},
		{"restartDelay", t.RestartDelay, &p.RestartDelay},
		{"keepaliveInterval", t.KeepaliveInterval, &p.KeepaliveInterval},
		{"statusInterval", t.StatusInterval, &p.StatusInterval},
		{"statusTimeout", t.StatusTimeout, &p.StatusTimeout},
		{"backendTimeout", t.BackendTimeout, &p.BackendTimeout},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return Policy{}, fmt.Errorf("%w: timing.%s: %v", ErrInvalid, f.name, err)
		}
		if d <= 0 {
			return Policy{}, fmt.Errorf("%w: timing.%s must be positive", ErrInvalid, f.name)
		}
		*f.dst = d
	}
	if t.ReconnectGrowth < 1 {
		return Policy{}, fmt.Errorf("%w: timing.reconnectGrowth must be >= 1", ErrInvalid)
	}
	if p.ReconnectCap < p.ReconnectBase {
		return Policy{}, fmt.Errorf("%w: timing.reconnectCap is below reconnectBase", ErrInvalid)
	}
	p.ReconnectGrowth = t.ReconnectGrowth
	p.MaxPairingCycles = t.MaxPairingCycles
	return p, nil
}

// Policy returns the parsed timer policy.
func (c *Config) Policy() Policy {
	return c.policy
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// StatusURL is the dashboard status endpoint.
func (c *Config) StatusURL() string {
	return c.DashboardURL + c.StatusPath
}

// MessageURL is the dashboard message relay endpoint.
func (c *Config) MessageURL() string {
	return c.DashboardURL + c.MessagePath
}
