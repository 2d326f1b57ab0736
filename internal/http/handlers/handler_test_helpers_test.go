package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/medscribe/scribe-backend/internal/domain"
	"github.com/medscribe/scribe-backend/internal/events"
	"github.com/medscribe/scribe-backend/internal/http/middleware"
	"github.com/medscribe/scribe-backend/internal/repo"
	"github.com/medscribe/scribe-backend/internal/services"
	"github.com/medscribe/scribe-backend/internal/storage"
	"github.com/medscribe/scribe-backend/internal/transform/mock"
)

var testSecret = []byte("handler-test-secret")

// handlerStack is a full service graph behind a Gin router with real bearer
// authentication, backed by a temp database and blob directory.
type handlerStack struct {
	router *gin.Engine
	db     *gorm.DB
	ledger *services.Ledger
	hub    *events.Hub
}

func newHandlerStack(t *testing.T) *handlerStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		filepath.Join(t.TempDir(), "handlers.db"))
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

	blobs, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	ledger := services.NewLedger(db, 64)
	ledger.Start(context.Background())
	t.Cleanup(ledger.Close)

	hub := events.NewHub(64)
	tracker := &services.Tracker{
		DB:      db,
		Blobs:   blobs,
		Engines: mock.Engines(0),
		Hub:     hub,
		Retry: services.BackoffPolicy{
			Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3,
		},
	}
	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("tracker start: %v", err)
	}
	t.Cleanup(tracker.Close)

	ingest := &services.IngestService{DB: db, Blobs: blobs, Ledger: ledger, Tracker: tracker}

	r := gin.New()
	h := New(db, ingest, ledger, hub)
	api := r.Group("/api/v1")
	api.Use(middleware.Auth(testSecret))
	api.POST("/recordings", h.UploadRecording)
	api.GET("/recordings/:id/status", h.RecordingStatus)
	api.GET("/drafts/:id", h.GetDraft)
	api.GET("/events", h.StreamEvents)
	api.GET("/audit",
		middleware.RequireRole(middleware.RoleCompliance, middleware.RoleAdmin),
		h.QueryAudit)

	return &handlerStack{router: r, db: db, ledger: ledger, hub: hub}
}

// signToken mints a bearer token the auth middleware accepts.
func signToken(t *testing.T, userID, clinicID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		ClinicID: clinicID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// uploadBody builds a valid upload payload for the given audio bytes.
func uploadBody(t *testing.T, recordingID string, audio []byte) []byte {
	t.Helper()
	sum := sha256.Sum256(audio)
	body, err := json.Marshal(UploadRecordingRequest{
		RecordingID: recordingID,
		ContentHash: hex.EncodeToString(sum[:]),
		DurationMs:  2500,
		CapturedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		AudioB64:    base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		t.Fatalf("marshal upload: %v", err)
	}
	return body
}

// do runs one request through the router with the given bearer token.
func (s *handlerStack) do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// uploadRecording uploads audio as the given identity and waits for the draft
// to land, returning the recording and draft ids.
func (s *handlerStack) uploadRecording(t *testing.T, token string, audio []byte) (string, string) {
	t.Helper()
	recordingID := uuid.NewString()
	w := s.do(http.MethodPost, "/api/v1/recordings", token, uploadBody(t, recordingID, audio))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d body=%s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if draft, err := repo.GetDraftByRecording(context.Background(), s.db, recordingID); err == nil {
			return recordingID, draft.ID
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("draft never produced for %s", recordingID)
	return "", ""
}

// decodeError unmarshals the standard error envelope.
func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, w.Body.String())
	}
	return e
}
