// Package config loads chatsync settings from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/gastownhall/chatsync/internal/backoff"
	"github.com/gastownhall/chatsync/internal/typing"
)

// Config holds client settings.
type Config struct {
	WSBaseURL  string
	APIBaseURL string
	TokenFile  string
	UserID     int64
	Reconnect  backoff.Policy
	TypingTTL  time.Duration
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Config {
	return Config{
		WSBaseURL:  "ws://localhost:8000",
		APIBaseURL: "http://localhost:8000",
		TokenFile:  defaultTokenFile(),
		Reconnect:  backoff.DefaultPolicy,
		TypingTTL:  typing.DefaultTTL,
	}
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".chatsync-token.json"
	}
	return filepath.Join(dir, "chatsync", "token.json")
}

// Load reads envFiles (".env" when none are given) and then the
// CHATSYNC_* environment variables. A missing .env is not an error.
// Invalid values are logged and replaced by defaults.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, err
		}
	}

	cfg := Defaults()
	if v := os.Getenv("CHATSYNC_WS_URL"); v != "" {
		cfg.WSBaseURL = v
	}
	if v := os.Getenv("CHATSYNC_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("CHATSYNC_TOKEN_FILE"); v != "" {
		cfg.TokenFile = v
	}
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			log.Printf("config: ignoring invalid CHATSYNC_USER_ID %q", v)
		} else {
			cfg.UserID = id
		}
	}
	if v := os.Getenv("CHATSYNC_MAX_RECONNECTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			log.Printf("config: ignoring invalid CHATSYNC_MAX_RECONNECTS %q", v)
		} else {
			cfg.Reconnect.MaxAttempts = n
		}
	}
	cfg.Reconnect.Initial = duration("CHATSYNC_RECONNECT_BASE", cfg.Reconnect.Initial)
	cfg.Reconnect.Max = duration("CHATSYNC_RECONNECT_MAX", cfg.Reconnect.Max)
	if cfg.Reconnect.Max < cfg.Reconnect.Initial {
		log.Printf("config: CHATSYNC_RECONNECT_MAX below CHATSYNC_RECONNECT_BASE, using %v", cfg.Reconnect.Initial)
		cfg.Reconnect.Max = cfg.Reconnect.Initial
	}
	cfg.TypingTTL = duration("CHATSYNC_TYPING_TTL", cfg.TypingTTL)
	return cfg, nil
}

func duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("config: ignoring invalid %s %q", key, v)
		return def
	}
	return d
}
