package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/medscribe/scribe-backend/internal/config"
	"github.com/medscribe/scribe-backend/internal/domain"
	"github.com/medscribe/scribe-backend/internal/events"
	"github.com/medscribe/scribe-backend/internal/services"
	"github.com/medscribe/scribe-backend/internal/storage"
	"github.com/medscribe/scribe-backend/internal/transform/mock"
)

func newRouterDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		filepath.Join(t.TempDir(), "router.db"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(
		&domain.Recording{}, &domain.PipelineRecord{}, &domain.Draft{}, &domain.AuditEntry{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newRouterDeps(t *testing.T) Deps {
	t.Helper()
	db := newRouterDB(t)

	blobs, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	ledger := services.NewLedger(db, 16)
	ledger.Start(context.Background())
	t.Cleanup(ledger.Close)

	hub := events.NewHub(16)
	tracker := &services.Tracker{
		DB: db, Blobs: blobs, Engines: mock.Engines(0), Hub: hub,
		Retry: services.BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3},
	}
	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("tracker start: %v", err)
	}
	t.Cleanup(tracker.Close)

	return Deps{
		DB:     db,
		Ingest: &services.IngestService{DB: db, Blobs: blobs, Ledger: ledger, Tracker: tracker},
		Ledger: ledger,
		Hub:    hub,
	}
}

func routerConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		JWTSecret:      "router-test-secret",
		MaxUploadBytes: 1 << 20,
		RateRPS:        100,
		RateBurst:      10,
		CORS:           config.CORSConfig{},
		Security:       config.SecurityConfig{},
		OTEL:           config.OTELConfig{ServiceName: "scribe-test"},
	}
}

func TestRegisterRoutes_HealthMetricsFallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newRouterDeps(t), routerConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// Allow-all CORS branch when no origins configured.
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("ACAO = %q, want *", got)
	}
	// Clinical responses are never cacheable.
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics = %d len=%d", w.Code, w.Body.Len())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health = %d, want 405", w.Code)
	}
}

func TestRegisterRoutes_APIRequiresToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newRouterDeps(t), routerConfig())

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/recordings"},
		{http.MethodGet, "/api/v1/recordings/abc/status"},
		{http.MethodGet, "/api/v1/drafts/abc"},
		{http.MethodGet, "/api/v1/events"},
		{http.MethodGet, "/api/v1/audit"},
	}
	for _, p := range paths {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(p.method, p.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d, want 401", p.method, p.path, w.Code)
		}
	}
}

func TestRegisterRoutes_CORSAllowlistEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := routerConfig()
	cfg.CORS.AllowedOrigins = []string{"https://clinic.example.com"}
	RegisterRoutes(r, newRouterDeps(t), cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://clinic.example.com")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://clinic.example.com" {
		t.Fatalf("ACAO = %q", got)
	}

	// Unlisted origins receive no CORS grant.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin granted: %q", got)
	}
}

func Test_limitBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body = %d, want 413", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("tiny")))
	if w.Code != http.StatusOK {
		t.Fatalf("small body = %d, want 200", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}
