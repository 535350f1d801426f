package config

import (
	"os"
	"testing"
	"time"
)

const sampleConfig = `
api:
  base_url: https://api.example.com
  token: dummy-token
push:
  url: wss://push.example.com/ws
  max_reconnect_attempts: 3
history:
  page_size: 50
log:
  level: debug
`

// TestLoad verifies that Load unmarshals a full config file.
func TestLoad(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(sampleConfig); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()

	t.Setenv("CONFIG_PATH", tmp.Name())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.API.BaseURL != "https://api.example.com" {
		t.Fatalf("unexpected base url: %s", cfg.API.BaseURL)
	}
	if cfg.Push.URL != "wss://push.example.com/ws" {
		t.Fatalf("unexpected push url: %s", cfg.Push.URL)
	}
	if cfg.Push.MaxReconnectAttempts != 3 {
		t.Fatalf("unexpected reconnect attempts: %d", cfg.Push.MaxReconnectAttempts)
	}
	if cfg.History.PageSize != 50 {
		t.Fatalf("unexpected page size: %d", cfg.History.PageSize)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level: %s", cfg.Log.Level)
	}
}

// TestLoad_Defaults verifies defaults for fields the file omits.
func TestLoad_Defaults(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString("api:\n  base_url: http://localhost\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()

	t.Setenv("CONFIG_PATH", tmp.Name())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.History.PageSize != 20 {
		t.Fatalf("expected default page size 20, got %d", cfg.History.PageSize)
	}
	if cfg.Push.SubscribeTimeout != 5*time.Second {
		t.Fatalf("expected default subscribe timeout 5s, got %v", cfg.Push.SubscribeTimeout)
	}
	if cfg.Push.MaxReconnectAttempts != 5 {
		t.Fatalf("expected default attempts 5, got %d", cfg.Push.MaxReconnectAttempts)
	}
}
