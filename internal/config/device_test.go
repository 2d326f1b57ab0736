package config

import (
	"testing"
	"time"
)

func TestLoadDevice_Defaults(t *testing.T) {
	t.Setenv("SCRIBED_SERVER_URL", "https://scribe.example.com/")
	t.Setenv("SCRIBED_TOKEN", "tok")

	cfg, err := LoadDevice()
	if err != nil {
		t.Fatalf("LoadDevice: %v", err)
	}
	// Trailing slash stripped so client URL joins stay clean.
	if cfg.ServerURL != "https://scribe.example.com" {
		t.Fatalf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.Workers != 3 || cfg.MaxAttempts != 8 {
		t.Fatalf("upload shaping defaults: %+v", cfg)
	}
	if cfg.BackoffBase != 500*time.Millisecond || cfg.BackoffMax != 30*time.Second {
		t.Fatalf("backoff defaults: %+v", cfg)
	}
	if cfg.Retention != 24*time.Hour {
		t.Fatalf("Retention = %v", cfg.Retention)
	}
}

func TestLoadDevice_Validation(t *testing.T) {
	// Server URL and token are mandatory.
	if _, err := LoadDevice(); err == nil {
		t.Fatalf("missing server url accepted")
	}

	t.Setenv("SCRIBED_SERVER_URL", "https://scribe.example.com")
	if _, err := LoadDevice(); err == nil {
		t.Fatalf("missing token accepted")
	}

	t.Setenv("SCRIBED_TOKEN", "tok")
	t.Setenv("SCRIBED_BACKOFF_BASE", "1m")
	t.Setenv("SCRIBED_BACKOFF_MAX", "1s")
	if _, err := LoadDevice(); err == nil {
		t.Fatalf("inverted backoff accepted")
	}
}
