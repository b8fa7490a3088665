package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gastownhall/chatsync/internal/backoff"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CHATSYNC_WS_URL", "CHATSYNC_API_URL", "CHATSYNC_TOKEN_FILE", "CHATSYNC_USER_ID",
		"CHATSYNC_MAX_RECONNECTS", "CHATSYNC_RECONNECT_BASE", "CHATSYNC_RECONNECT_MAX", "CHATSYNC_TYPING_TTL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reconnect != backoff.DefaultPolicy {
		t.Fatalf("Reconnect = %+v", cfg.Reconnect)
	}
	if cfg.TypingTTL != 3*time.Second {
		t.Fatalf("TypingTTL = %v", cfg.TypingTTL)
	}
	if cfg.WSBaseURL != "ws://localhost:8000" || cfg.APIBaseURL != "http://localhost:8000" {
		t.Fatalf("urls = %q %q", cfg.WSBaseURL, cfg.APIBaseURL)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATSYNC_WS_URL", "wss://chat.example")
	t.Setenv("CHATSYNC_USER_ID", "12")
	t.Setenv("CHATSYNC_MAX_RECONNECTS", "8")
	t.Setenv("CHATSYNC_RECONNECT_BASE", "500ms")
	t.Setenv("CHATSYNC_RECONNECT_MAX", "10s")
	t.Setenv("CHATSYNC_TYPING_TTL", "5s")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := backoff.Policy{Initial: 500 * time.Millisecond, Max: 10 * time.Second, MaxAttempts: 8}
	if cfg.Reconnect != want {
		t.Fatalf("Reconnect = %+v, want %+v", cfg.Reconnect, want)
	}
	if cfg.WSBaseURL != "wss://chat.example" || cfg.UserID != 12 || cfg.TypingTTL != 5*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadInvalidFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATSYNC_USER_ID", "abc")
	t.Setenv("CHATSYNC_MAX_RECONNECTS", "-1")
	t.Setenv("CHATSYNC_RECONNECT_BASE", "soon")
	t.Setenv("CHATSYNC_TYPING_TTL", "0s")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UserID != 0 || cfg.Reconnect != backoff.DefaultPolicy || cfg.TypingTTL != 3*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	// godotenv does not override variables already present, so unset the
	// ones the file provides.
	os.Unsetenv("CHATSYNC_API_URL")
	os.Unsetenv("CHATSYNC_USER_ID")

	path := filepath.Join(t.TempDir(), "test.env")
	content := "CHATSYNC_API_URL=http://api.test\nCHATSYNC_USER_ID=5\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("CHATSYNC_API_URL")
		os.Unsetenv("CHATSYNC_USER_ID")
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "http://api.test" || cfg.UserID != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
