package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/livechat/internal/config"
)

func TestWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"https://portfolio.example.com":      "wss://portfolio.example.com/ws/websocket",
		"https://portfolio.example.com/api/": "wss://portfolio.example.com/ws/websocket",
		"http://localhost:8081":              "ws://localhost:8081/ws/websocket",
	}
	for in, want := range cases {
		if got := config.WebSocketURL(in); got != want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "livechat.yaml")
	yaml := []byte(`
api_base_url: https://chat.example.com
reconnect_delay_ms: 500
admin_max_messages: 50
storage:
  backend: memory
keys:
  admin_state: custom_admin
`)
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APP_ENV", "production") // skip .env lookup
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("VISITOR_MAX_MESSAGES", "20")

	cfg := config.Load()
	if cfg.APIBaseURL != "https://chat.example.com" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.WSURL != "wss://chat.example.com/ws/websocket" {
		t.Errorf("WSURL = %q", cfg.WSURL)
	}
	if cfg.ReconnectDelay != 500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v", cfg.ReconnectDelay)
	}
	if cfg.AdminMaxMessages != 50 || cfg.VisitorMaxMessages != 20 {
		t.Errorf("caps = %d/%d", cfg.AdminMaxMessages, cfg.VisitorMaxMessages)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %q", cfg.Storage.Backend)
	}
	if cfg.Keys.AdminState != "custom_admin" || cfg.Keys.VisitorState != "live_chat_state_v1" {
		t.Errorf("Keys = %+v", cfg.Keys)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	cfg := config.Load()
	if cfg.VisitorMaxMessages != 200 || cfg.AdminMaxMessages != 300 {
		t.Errorf("caps = %d/%d", cfg.VisitorMaxMessages, cfg.AdminMaxMessages)
	}
	if cfg.ReconnectDelay != 2*time.Second || cfg.HeartbeatOut != 10*time.Second {
		t.Errorf("timings = %v/%v", cfg.ReconnectDelay, cfg.HeartbeatOut)
	}
	if cfg.Keys.Credential != "admin_basic_auth" {
		t.Errorf("credential key = %q", cfg.Keys.Credential)
	}
}
