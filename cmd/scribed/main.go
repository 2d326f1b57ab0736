// Command scribed runs the device capture agent: it owns the local durable
// upload queue and drains it to the backend whenever connectivity allows.
// Captured audio never leaves the device queue until the server has
// acknowledged it and the retention grace period has passed.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/medscribe/scribe-backend/internal/capture"
	"github.com/medscribe/scribe-backend/internal/config"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using process environment")
	}
	cfg, err := config.LoadDevice()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := capture.OpenQueue(cfg.QueuePath, cfg.Retention)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.QueuePath).Msg("open queue failed")
	}

	client := capture.NewClient(cfg.ServerURL, cfg.Token, cfg.UploadTimeout)
	probe := newConnectivityProbe(cfg.ServerURL, 10*time.Second)

	syncer := &capture.Syncer{
		Queue:        queue,
		Client:       client,
		Online:       probe.online,
		Workers:      cfg.Workers,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		MaxAttempts:  cfg.MaxAttempts,
		PollInterval: cfg.PollInterval,
	}
	syncer.Start(ctx)
	defer syncer.Close()

	// Hourly purge of acknowledged entries past the retention grace.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := queue.Purge(ctx); err != nil {
					log.Error().Err(err).Msg("purge failed")
				} else if n > 0 {
					log.Info().Int("removed", n).Msg("purged acknowledged audio")
				}
			}
		}
	}()

	log.Info().
		Str("server", cfg.ServerURL).
		Str("queue", cfg.QueuePath).
		Str("version", version).
		Msg("scribed running")

	<-ctx.Done()
	log.Info().Msg("scribed stopping")
}

// connectivityProbe caches a cheap reachability check against the backend's
// health endpoint so the syncer does not hammer it every poll cycle.
type connectivityProbe struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu      sync.Mutex
	last    time.Time
	lastVal bool
}

func newConnectivityProbe(serverURL string, ttl time.Duration) *connectivityProbe {
	return &connectivityProbe{
		url:    serverURL + "/health",
		ttl:    ttl,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *connectivityProbe) online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.last) < p.ttl {
		return p.lastVal
	}
	resp, err := p.client.Get(p.url)
	if err == nil {
		resp.Body.Close()
	}
	p.last = time.Now()
	p.lastVal = err == nil && resp.StatusCode < 500
	return p.lastVal
}

func setupLogging(cfg config.DeviceConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
