// Device agent configuration. Loaded from the same environment-variable
// conventions as the server config but kept separate: the agent runs on
// capture hardware with its own storage paths and upload shaping.
package config

import (
	"errors"
	"strings"
	"time"
)

// DeviceConfig holds configuration for the scribed capture agent.
type DeviceConfig struct {
	ServerURL string // SCRIBED_SERVER_URL, e.g. https://scribe.example.com
	Token     string // SCRIBED_TOKEN bearer token for uploads

	QueuePath string // SCRIBED_QUEUE_PATH local queue database
	AudioDir  string // SCRIBED_AUDIO_DIR  captured audio directory

	Workers       int           // SCRIBED_WORKERS concurrent uploads
	MaxAttempts   int           // SCRIBED_MAX_ATTEMPTS per-entry budget
	BackoffBase   time.Duration // SCRIBED_BACKOFF_BASE
	BackoffMax    time.Duration // SCRIBED_BACKOFF_MAX
	UploadTimeout time.Duration // SCRIBED_UPLOAD_TIMEOUT per attempt
	PollInterval  time.Duration // SCRIBED_POLL_INTERVAL queue scan period
	Retention     time.Duration // SCRIBED_RETENTION grace before purge

	LogLevel  string // LOG_LEVEL
	LogPretty bool   // LOG_PRETTY
}

// LoadDevice reads the agent configuration from the environment.
func LoadDevice() (DeviceConfig, error) {
	cfg := DeviceConfig{
		ServerURL: strings.TrimRight(getenv("SCRIBED_SERVER_URL", ""), "/"),
		Token:     getenv("SCRIBED_TOKEN", ""),

		QueuePath: getenv("SCRIBED_QUEUE_PATH", "scribed-queue.db"),
		AudioDir:  getenv("SCRIBED_AUDIO_DIR", "data/audio"),

		Workers:       getint("SCRIBED_WORKERS", 3),
		MaxAttempts:   getint("SCRIBED_MAX_ATTEMPTS", 8),
		BackoffBase:   getdur("SCRIBED_BACKOFF_BASE", 500*time.Millisecond),
		BackoffMax:    getdur("SCRIBED_BACKOFF_MAX", 30*time.Second),
		UploadTimeout: getdur("SCRIBED_UPLOAD_TIMEOUT", 60*time.Second),
		PollInterval:  getdur("SCRIBED_POLL_INTERVAL", 2*time.Second),
		Retention:     getdur("SCRIBED_RETENTION", 24*time.Hour),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),
	}

	if cfg.ServerURL == "" {
		return cfg, errors.New("SCRIBED_SERVER_URL must not be empty")
	}
	if cfg.Token == "" {
		return cfg, errors.New("SCRIBED_TOKEN must not be empty")
	}
	if cfg.Workers < 1 {
		return cfg, errors.New("SCRIBED_WORKERS must be >= 1")
	}
	if cfg.MaxAttempts < 1 {
		return cfg, errors.New("SCRIBED_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.BackoffBase <= 0 || cfg.BackoffMax < cfg.BackoffBase {
		return cfg, errors.New("backoff delays must be positive with max >= base")
	}
	return cfg, nil
}
