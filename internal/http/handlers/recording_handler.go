// Recording HTTP handlers.
//
// This file exposes the ingestion and pipeline-status endpoints:
//   - POST /api/v1/recordings          (upload, idempotent on recording id)
//   - GET  /api/v1/recordings/{id}/status
//
// Handlers are transport-thin: they validate input, call application
// services, and translate service errors into the stable code taxonomy the
// device synchronizer retries against.
package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/medscribe/scribe-backend/internal/domain"
	"github.com/medscribe/scribe-backend/internal/events"
	"github.com/medscribe/scribe-backend/internal/http/middleware"
	"github.com/medscribe/scribe-backend/internal/repo"
	"github.com/medscribe/scribe-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// Ingestor accepts uploaded recordings. Implementations must be safe for
// concurrent use and honor the context for cancellation.
type Ingestor interface {
	Ingest(ctx context.Context, req services.IngestRequest) (*services.IngestAck, error)
}

// AuditLedger is the slice of the audit ledger the handlers need: queueing
// read-access entries and serving compliance queries.
type AuditLedger interface {
	RecordRead(e domain.AuditEntry)
	Query(ctx context.Context, f repo.AuditFilter) ([]domain.AuditEntry, int64, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for recordings, drafts, events, and the
// audit trail.
type Handlers struct {
	db     *gorm.DB
	ingest Ingestor
	ledger AuditLedger
	hub    *events.Hub
}

// New constructs a Handlers instance bound to the given dependencies.
func New(db *gorm.DB, ingest Ingestor, ledger AuditLedger, hub *events.Hub) *Handlers {
	return &Handlers{db: db, ingest: ingest, ledger: ledger, hub: hub}
}

// identity returns the authenticated caller; requests reach handlers only
// through the auth middleware, so absence is a server error.
func identity(c *gin.Context) (middleware.Identity, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
	}
	return id, ok
}

// inScope reports whether the identity may see a resource owned by ownerID
// in clinicID: the owner always, anyone else only within the same clinic.
func inScope(id middleware.Identity, ownerID, clinicID string) bool {
	return id.UserID == ownerID || id.ClinicID == clinicID
}

//
// DTOs
//

// UploadRecordingRequest is the JSON payload for uploading a recording.
// RecordingID is the device-minted idempotency key; ContentHash is the hex
// SHA-256 of the decoded audio bytes.
type UploadRecordingRequest struct {
	RecordingID  string  `json:"recording_id" binding:"required"`
	PatientRef   *string `json:"patient_ref"`
	EncounterRef *string `json:"encounter_ref"`
	ContentHash  string  `json:"content_hash" binding:"required,len=64"`
	DurationMs   int64   `json:"duration_ms"`
	CapturedAt   string  `json:"captured_at" binding:"required"`
	EHRSync      bool    `json:"ehr_sync"`
	AudioB64     string  `json:"audio_b64" binding:"required"`
}

// StatusResponse is the pipeline status for one recording.
type StatusResponse struct {
	RecordingID    string  `json:"recording_id"`
	Stage          string  `json:"stage"`
	StageVersion   int64   `json:"stage_version"`
	Attempts       int     `json:"attempts"`
	LastError      *string `json:"last_error,omitempty"`
	DraftID        *string `json:"draft_id,omitempty"`
	StageEnteredAt string  `json:"stage_entered_at"`
}

//
// Handlers
//

// UploadRecording accepts one recording upload. Retried uploads of the same
// recording id return the original acknowledgement with 200; a first accept
// returns 201.
func (h *Handlers) UploadRecording(c *gin.Context) {
	id, okAuth := identity(c)
	if !okAuth {
		return
	}

	var req UploadRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if _, err := uuid.Parse(req.RecordingID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "recording_id must be a UUID")
		return
	}
	capturedAt, err := time.Parse(time.RFC3339Nano, req.CapturedAt)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "captured_at must be RFC 3339")
		return
	}
	audio, err := base64.StdEncoding.DecodeString(req.AudioB64)
	if err != nil || len(audio) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "audio_b64 must be non-empty base64")
		return
	}

	ack, err := h.ingest.Ingest(c.Request.Context(), services.IngestRequest{
		ID:            req.RecordingID,
		OwnerID:       id.UserID,
		ClinicID:      id.ClinicID,
		PatientRef:    req.PatientRef,
		EncounterRef:  req.EncounterRef,
		ContentHash:   strings.ToLower(req.ContentHash),
		DurationMs:    req.DurationMs,
		CapturedAt:    capturedAt,
		EHRSync:       req.EHRSync,
		Audio:         audio,
		SourceAddress: c.ClientIP(),
		Agent:         c.Request.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrHashMismatch):
			fail(c, http.StatusUnprocessableEntity, ErrCodePayloadCorrupt, "content hash does not match payload")
		case errors.Is(err, services.ErrStorageUnavailable):
			c.Header("Retry-After", "5")
			fail(c, http.StatusServiceUnavailable, ErrCodeRetryLater, "recording storage unavailable")
		case errors.Is(err, services.ErrAuditUnavailable):
			c.Header("Retry-After", "15")
			fail(c, http.StatusServiceUnavailable, ErrCodeAuditUnavailable, "audit ledger unavailable")
		case errors.Is(err, services.ErrRecordingNotFound):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "recording_id required")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "ingestion failed")
		}
		return
	}

	status := http.StatusCreated
	if ack.Duplicate {
		status = http.StatusOK
	}
	ok(c, status, ack)
}

// RecordingStatus returns the pipeline status for one recording. Access is
// limited to the owner and members of the same clinic; every successful read
// is recorded on the audit trail.
func (h *Handlers) RecordingStatus(c *gin.Context) {
	id, okAuth := identity(c)
	if !okAuth {
		return
	}
	recordingID := c.Param("id")
	if _, err := uuid.Parse(recordingID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "recording id must be a UUID")
		return
	}

	ctx := c.Request.Context()
	pr, err := repo.GetPipelineRecord(ctx, h.db, recordingID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "recording not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "status lookup failed")
		return
	}
	if !inScope(id, pr.OwnerID, pr.ClinicID) {
		// 404 rather than 403: out-of-scope callers must not learn the
		// recording exists.
		fail(c, http.StatusNotFound, ErrCodeNotFound, "recording not found")
		return
	}

	resp := StatusResponse{
		RecordingID:    pr.RecordingID,
		Stage:          string(pr.Stage),
		StageVersion:   pr.StageVersion,
		Attempts:       pr.Attempts,
		LastError:      pr.LastError,
		StageEnteredAt: pr.StageEnteredAt.UTC().Format(time.RFC3339Nano),
	}
	if draft, err := repo.GetDraftByRecording(ctx, h.db, recordingID); err == nil {
		resp.DraftID = &draft.ID
	}

	h.ledger.RecordRead(readAudit(c, id, "recording", recordingID))
	ok(c, http.StatusOK, resp)
}

// readAudit builds the audit entry for a read access.
func readAudit(c *gin.Context, id middleware.Identity, resourceType, resourceID string) domain.AuditEntry {
	addr := c.ClientIP()
	agent := c.Request.UserAgent()
	e := domain.AuditEntry{
		ActorID:      &id.UserID,
		ClinicID:     &id.ClinicID,
		Action:       services.AuditActionRead,
		ResourceType: resourceType,
		RecordedAt:   time.Now().UTC(),
	}
	if resourceID != "" {
		e.ResourceID = &resourceID
	}
	if addr != "" {
		e.SourceAddress = &addr
	}
	if agent != "" {
		e.Agent = &agent
	}
	return e
}
