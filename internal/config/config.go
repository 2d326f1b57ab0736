// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage paths, authentication, pipeline and upload retry shapes,
// event fan-out, and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// KafkaConfig defines the optional event export to a Kafka topic.
type KafkaConfig struct {
	Enabled bool     // KAFKA_ENABLED
	Brokers []string // KAFKA_BROKERS (CSV)
	Topic   string   // KAFKA_TOPIC
}

// PipelineConfig shapes stage retries and transform timeouts.
type PipelineConfig struct {
	MaxStageAttempts int           // per-stage retry budget before ABANDONED
	RetryBase        time.Duration // first retry delay
	RetryMax         time.Duration // retry delay cap
	StageTimeout     time.Duration // bound on one transform invocation
	MockLatency      time.Duration // simulated latency of the mock engines
}

// AuditConfig shapes the audit ledger.
type AuditConfig struct {
	QueueSize     int           // read-entry queue capacity
	PauseCooldown time.Duration // clinic-scope pause after a failed write
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 60s (SSE streams run long)
	IdleTimeout       time.Duration // e.g. 120s
	MaxHeaderBytes    int           // bytes
	MaxUploadBytes    int64         // request body cap for uploads
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	DBPath  string // SQLite path
	BlobDir string // audio blob directory

	// Auth
	JWTSecret string // HMAC secret for bearer tokens

	// Events
	FanoutBuffer int // per-subscriber event buffer
	Kafka        KafkaConfig

	// Pipeline / audit
	Pipeline PipelineConfig
	Audit    AuditConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 30*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		// WriteTimeout must stay 0 or generous: SSE connections outlive any
		// sane per-response deadline.
		WriteTimeout:   getdur("WRITE_TIMEOUT", 0),
		IdleTimeout:    getdur("IDLE_TIMEOUT", 120*time.Second),
		MaxHeaderBytes: getint("MAX_HEADER_BYTES", 1<<20),
		MaxUploadBytes: int64(getint("MAX_UPLOAD_BYTES", 16<<20)),
		GinMode:        strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath:  getenv("DB_PATH", "scribe.db"),
		BlobDir: getenv("BLOB_DIR", "data/blobs"),

		// Auth
		JWTSecret: getenv("JWT_SECRET", ""),

		// Events
		FanoutBuffer: getint("FANOUT_BUFFER", 64),
		Kafka: KafkaConfig{
			Enabled: getbool("KAFKA_ENABLED", false),
			Brokers: splitCSV(getenv("KAFKA_BROKERS", "")),
			Topic:   getenv("KAFKA_TOPIC", "scribe.pipeline.events"),
		},

		// Pipeline
		Pipeline: PipelineConfig{
			MaxStageAttempts: getint("PIPELINE_MAX_STAGE_ATTEMPTS", 3),
			RetryBase:        getdur("PIPELINE_RETRY_BASE", 500*time.Millisecond),
			RetryMax:         getdur("PIPELINE_RETRY_MAX", 30*time.Second),
			StageTimeout:     getdur("PIPELINE_STAGE_TIMEOUT", 5*time.Minute),
			MockLatency:      getdur("PIPELINE_MOCK_LATENCY", 150*time.Millisecond),
		},

		// Audit
		Audit: AuditConfig{
			QueueSize:     getint("AUDIT_QUEUE_SIZE", 256),
			PauseCooldown: getdur("AUDIT_PAUSE_COOLDOWN", 15*time.Second),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 10.0),
		RateBurst: getint("RATE_BURST", 20),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "scribe-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.WriteTimeout < 0 {
		return cfg, errors.New("WRITE_TIMEOUT must be >= 0 (0 disables)")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxUploadBytes <= 0 {
		return cfg, errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.BlobDir) == "" {
		return cfg, errors.New("BLOB_DIR must not be empty")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return cfg, errors.New("JWT_SECRET must not be empty")
	}
	if cfg.FanoutBuffer < 1 {
		return cfg, errors.New("FANOUT_BUFFER must be >= 1")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return cfg, errors.New("KAFKA_BROKERS must be set when KAFKA_ENABLED")
	}
	if cfg.Pipeline.MaxStageAttempts < 1 {
		return cfg, errors.New("PIPELINE_MAX_STAGE_ATTEMPTS must be >= 1")
	}
	if cfg.Pipeline.RetryBase <= 0 || cfg.Pipeline.RetryMax < cfg.Pipeline.RetryBase {
		return cfg, errors.New("pipeline retry delays must be positive with max >= base")
	}
	if cfg.Audit.QueueSize < 1 {
		return cfg, errors.New("AUDIT_QUEUE_SIZE must be >= 1")
	}
	if cfg.Audit.PauseCooldown <= 0 {
		return cfg, errors.New("AUDIT_PAUSE_COOLDOWN must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
