package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, v any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wabridge.json")
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadCreatesTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "wabridge.json")

	_, err := Load(path)
	if !errors.Is(err, ErrTemplateCreated) {
		t.Fatalf("expected ErrTemplateCreated, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("template not written: %v", err)
	}
	var tmpl Config
	if err := json.Unmarshal(data, &tmpl); err != nil {
		t.Fatalf("template is not valid JSON: %v", err)
	}
	if tmpl.APIKey != PlaceholderAPIKey {
		t.Errorf("template apiKey = %q, want placeholder", tmpl.APIKey)
	}
	if !tmpl.AutoRestart {
		t.Error("template should enable autoRestart")
	}

	// Second load sees the untouched placeholder.
	if _, err := Load(path); !errors.Is(err, ErrPlaceholderKey) {
		t.Fatalf("expected ErrPlaceholderKey on unedited template, got %v", err)
	}
}

func TestLoadRejectsPlaceholderAndEmptyKey(t *testing.T) {
	for _, key := range []string{PlaceholderAPIKey, "", "   "} {
		path := writeConfig(t, map[string]any{
			"dashboardUrl": "https://dash.example.com",
			"apiKey":       key,
		})
		if _, err := Load(path); !errors.Is(err, ErrPlaceholderKey) {
			t.Errorf("apiKey %q: expected ErrPlaceholderKey, got %v", key, err)
		}
	}
}

func TestLoadNormalizesAndMergesDefaults(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"dashboardUrl": " https://dash.example.com/// ",
		"apiKey":       "secret",
		"autoRestart":  false,
		"timing": map[string]any{
			"keepaliveInterval": "25s",
		},
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DashboardURL != "https://dash.example.com" {
		t.Errorf("DashboardURL = %q", cfg.DashboardURL)
	}
	if cfg.AutoRestart {
		t.Error("explicit autoRestart=false was overridden")
	}
	if cfg.BotName != "wabridge" {
		t.Errorf("BotName default not applied: %q", cfg.BotName)
	}
	if got, want := cfg.StatusURL(), "https://dash.example.com/api/whatsapp/status"; got != want {
		t.Errorf("StatusURL = %q, want %q", got, want)
	}
	if got, want := cfg.MessageURL(), "https://dash.example.com/api/whatsapp/message"; got != want {
		t.Errorf("MessageURL = %q, want %q", got, want)
	}

	p := cfg.Policy()
	if p.KeepaliveInterval != 25*time.Second {
		t.Errorf("KeepaliveInterval = %v, want 25s", p.KeepaliveInterval)
	}
	if p.ReconnectBase != 3*time.Second || p.ReconnectCap != 60*time.Second || p.ReconnectGrowth != 1.5 {
		t.Errorf("reconnect defaults not applied: %+v", p)
	}
	if p.BackendTimeout != 120*time.Second || p.StatusTimeout != 8*time.Second {
		t.Errorf("timeout defaults not applied: %+v", p)
	}
	if p.MaxPairingCycles != 5 {
		t.Errorf("MaxPairingCycles = %d, want 5", p.MaxPairingCycles)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]any
	}{
		{"bad scheme", map[string]any{"dashboardUrl": "ftp://x", "apiKey": "k"}},
		{"no host", map[string]any{"dashboardUrl": "https://", "apiKey": "k"}},
		{"bad duration", map[string]any{"dashboardUrl": "https://x", "apiKey": "k", "timing": map[string]any{"reconnectBase": "soon"}}},
		{"shrinking growth", map[string]any{"dashboardUrl": "https://x", "apiKey": "k", "timing": map[string]any{"reconnectGrowth": 0.5}}},
		{"cap below base", map[string]any{"dashboardUrl": "https://x", "apiKey": "k", "timing": map[string]any{"reconnectBase": "2m", "reconnectCap": "1m"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.cfg)
			if _, err := Load(path); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wabridge.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}
