package server

import (
	"testing"
	"time"
)

// TestNewConfigDefaults tests that NewConfig populates every setting with
// its documented default.
func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	if cfg.Port != ":8080" {
		t.Errorf("Port = %q, want :8080", cfg.Port)
	}
	if cfg.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", cfg.HistoryLimit)
	}
	if cfg.HistoryGrace != 5*time.Minute {
		t.Errorf("HistoryGrace = %s, want 5m", cfg.HistoryGrace)
	}
	if cfg.MaxContentLength != 500 {
		t.Errorf("MaxContentLength = %d, want 500", cfg.MaxContentLength)
	}
	if cfg.DefaultRoom != "general" {
		t.Errorf("DefaultRoom = %q, want general", cfg.DefaultRoom)
	}
	if cfg.BridgeToken != "bridge:hello" {
		t.Errorf("BridgeToken = %q, want bridge:hello", cfg.BridgeToken)
	}
}

// TestNewConfigFromEnv tests environment variable loading, including
// fallback to defaults for unset and unparsable values.
func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("HISTORY_LIMIT", "10")
	t.Setenv("HISTORY_GRACE_SECONDS", "30")
	t.Setenv("MAX_CONTENT_LENGTH", "not-a-number")
	t.Setenv("DEFAULT_ROOM", "hall")
	t.Setenv("BRIDGE_TOKEN", "sentinel-42")

	cfg := NewConfigFromEnv()

	if cfg.Port != ":9090" {
		t.Errorf("Port = %q, want :9090", cfg.Port)
	}
	if cfg.HistoryLimit != 10 {
		t.Errorf("HistoryLimit = %d, want 10", cfg.HistoryLimit)
	}
	if cfg.HistoryGrace != 30*time.Second {
		t.Errorf("HistoryGrace = %s, want 30s", cfg.HistoryGrace)
	}
	if cfg.MaxContentLength != 500 {
		t.Errorf("MaxContentLength = %d, want default 500 on parse failure", cfg.MaxContentLength)
	}
	if cfg.DefaultRoom != "hall" {
		t.Errorf("DefaultRoom = %q, want hall", cfg.DefaultRoom)
	}
	if cfg.BridgeToken != "sentinel-42" {
		t.Errorf("BridgeToken = %q, want sentinel-42", cfg.BridgeToken)
	}
}

// TestSetConfigSanitizesZeroValues tests that SetConfig replaces missing or
// non-positive settings with defaults and that nil resets entirely.
func TestSetConfigSanitizesZeroValues(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	SetConfig(&Config{Port: ":7070"})
	cfg := currentConfig()

	if cfg.Port != ":7070" {
		t.Errorf("Port = %q, want :7070", cfg.Port)
	}
	if cfg.HistoryLimit != 50 {
		t.Errorf("sanitized HistoryLimit = %d, want 50", cfg.HistoryLimit)
	}
	if cfg.HistoryGrace != 5*time.Minute {
		t.Errorf("sanitized HistoryGrace = %s, want 5m", cfg.HistoryGrace)
	}
	if cfg.BridgeToken == "" {
		t.Error("sanitized BridgeToken is empty")
	}

	SetConfig(nil)
	if currentConfig().Port != ":8080" {
		t.Error("SetConfig(nil) did not reset to defaults")
	}
}
