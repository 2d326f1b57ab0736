// Command scribe-server runs the backend: recording ingestion, the
// processing pipeline, the live status feed, and the audit trail API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/medscribe/scribe-backend/internal/config"
	"github.com/medscribe/scribe-backend/internal/events"
	httpapi "github.com/medscribe/scribe-backend/internal/http"
	"github.com/medscribe/scribe-backend/internal/observability"
	"github.com/medscribe/scribe-backend/internal/repo"
	"github.com/medscribe/scribe-backend/internal/services"
	"github.com/medscribe/scribe-backend/internal/storage"
	"github.com/medscribe/scribe-backend/internal/transform/mock"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using process environment")
	}
	cfg := config.MustLoad()
	setupLogging(cfg)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(c); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate schema failed")
	}

	blobs, err := storage.NewFSStore(cfg.BlobDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.BlobDir).Msg("open blob store failed")
	}

	ledger := services.NewLedger(db, cfg.Audit.QueueSize)
	ledger.PauseCooldown = cfg.Audit.PauseCooldown
	ledger.Start(ctx)
	defer ledger.Close()

	hub := events.NewHub(cfg.FanoutBuffer)
	exporter := events.NewExporter(events.ExporterConfig{
		Enabled: cfg.Kafka.Enabled,
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	})
	defer func() {
		if err := exporter.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka exporter close")
		}
	}()

	tracker := &services.Tracker{
		DB:      db,
		Blobs:   blobs,
		Engines: mock.Engines(cfg.Pipeline.MockLatency),
		Hub:     hub,
		Exporter: exporter,
		Retry: services.BackoffPolicy{
			Base:        cfg.Pipeline.RetryBase,
			Max:         cfg.Pipeline.RetryMax,
			MaxAttempts: cfg.Pipeline.MaxStageAttempts,
		},
		StageTimeout: cfg.Pipeline.StageTimeout,
	}
	if err := tracker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("pipeline tracker start failed")
	}
	defer tracker.Close()

	ingest := &services.IngestService{
		DB:      db,
		Blobs:   blobs,
		Ledger:  ledger,
		Tracker: tracker,
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:     db,
		Ingest: ingest,
		Ledger: ledger,
		Hub:    hub,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("scribe-server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("scribe-server stopped")
}

// setupLogging configures the global zerolog logger from config.
func setupLogging(cfg config.Config) {
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
