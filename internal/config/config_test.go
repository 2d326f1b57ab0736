package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsWithSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.APIBasePath != "/api/v1" || cfg.GinMode != "release" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.WriteTimeout != 0 {
		t.Fatalf("WriteTimeout default = %v, want 0 (SSE streams run long)", cfg.WriteTimeout)
	}
	if cfg.MaxUploadBytes != 16<<20 {
		t.Fatalf("MaxUploadBytes default = %d", cfg.MaxUploadBytes)
	}
	if cfg.Pipeline.MaxStageAttempts != 3 || cfg.Pipeline.RetryBase != 500*time.Millisecond {
		t.Fatalf("pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Audit.QueueSize != 256 || cfg.Audit.PauseCooldown != 15*time.Second {
		t.Fatalf("audit defaults: %+v", cfg.Audit)
	}
	if cfg.Kafka.Enabled || cfg.Kafka.Topic != "scribe.pipeline.events" {
		t.Fatalf("kafka defaults: %+v", cfg.Kafka)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("PORT", "9090")
	t.Setenv("API_BASE_PATH", "api/v2/")
	t.Setenv("LOG_LEVEL", "WARNING")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example.com , https://b.example.com ")
	t.Setenv("PIPELINE_RETRY_BASE", "250ms")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("Port = %q", cfg.Port)
	}
	// Base path gains a leading slash and loses the trailing one.
	if cfg.APIBasePath != "/api/v2" {
		t.Fatalf("APIBasePath = %q", cfg.APIBasePath)
	}
	// "warning" normalizes to "warn".
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[0] != "https://a.example.com" {
		t.Fatalf("AllowedOrigins = %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Pipeline.RetryBase != 250*time.Millisecond {
		t.Fatalf("RetryBase = %v", cfg.Pipeline.RetryBase)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("Kafka = %+v", cfg.Kafka)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing secret", map[string]string{}, "JWT_SECRET"},
		{"bad log level", map[string]string{"JWT_SECRET": "s", "LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"kafka without brokers", map[string]string{"JWT_SECRET": "s", "KAFKA_ENABLED": "true"}, "KAFKA_BROKERS"},
		{"zero stage attempts", map[string]string{"JWT_SECRET": "s", "PIPELINE_MAX_STAGE_ATTEMPTS": "0"}, "PIPELINE_MAX_STAGE_ATTEMPTS"},
		{"retry max below base", map[string]string{"JWT_SECRET": "s", "PIPELINE_RETRY_BASE": "1m", "PIPELINE_RETRY_MAX": "1s"}, "retry"},
		{"negative write timeout", map[string]string{"JWT_SECRET": "s", "WRITE_TIMEOUT": "-1s"}, "WRITE_TIMEOUT"},
		{"bad sampler ratio", map[string]string{"JWT_SECRET": "s", "OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatalf("Load succeeded, want error mentioning %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func Test_normalizeBasePath(t *testing.T) {
	cases := map[string]string{
		"":         "/",
		"/":        "/",
		"api":      "/api",
		"/api/v1/": "/api/v1",
		"/api/v1":  "/api/v1",
	}
	for in, want := range cases {
		if got := normalizeBasePath(in); got != want {
			t.Errorf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func Test_getbool(t *testing.T) {
	t.Setenv("B1", "yes")
	t.Setenv("B2", "OFF")
	t.Setenv("B3", "maybe")
	if !getbool("B1", false) || getbool("B2", true) {
		t.Fatalf("truthy/falsy parsing broken")
	}
	// Unparseable values fall back to the default.
	if !getbool("B3", true) || getbool("B3", false) {
		t.Fatalf("invalid value must return default")
	}
}
