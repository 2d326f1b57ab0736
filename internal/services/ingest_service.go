// Package services – IngestService
//
// IngestService is the server half of the resilient upload contract. It is
// idempotent on the device-generated recording id: however many times the
// upload synchronizer retries, at most one Recording and one PipelineRecord
// exist, and every retry after the first receives the original
// acknowledgement. The audit row for the creation is written in the same
// transaction as the rows it describes, so the acknowledgement can never be
// observed without its audit entry.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/medscribe/scribe-backend/internal/domain"
	"github.com/medscribe/scribe-backend/internal/repo"
	"github.com/medscribe/scribe-backend/internal/storage"
)

// IngestRequest carries one uploaded recording plus its metadata. ID is the
// idempotency key and must be the id minted on the device at capture time.
type IngestRequest struct {
	ID           string
	OwnerID      string
	ClinicID     string
	PatientRef   *string
	EncounterRef *string
	ContentHash  string
	DurationMs   int64
	CapturedAt   time.Time
	EHRSync      bool
	Audio        []byte

	// Request provenance for the audit entry.
	SourceAddress string
	Agent         string
}

// IngestAck is the acknowledgement the device persists before purging its
// local copy. Duplicate is true when the recording was already accepted by
// an earlier attempt.
type IngestAck struct {
	RecordingID  string       `json:"recording_id"`
	CurrentStage domain.Stage `json:"current_stage"`
	Acknowledged bool         `json:"acknowledged"`
	Duplicate    bool         `json:"-"`
}

// IngestService accepts uploaded recordings and hands them to the pipeline.
type IngestService struct {
	DB      *gorm.DB
	Blobs   storage.BlobStore
	Ledger  *Ledger
	Tracker *Tracker
}

// Ingest validates, persists, and acknowledges one uploaded recording.
//
// Semantics:
//   - The declared content hash must match the payload; a mismatch is
//     permanent (ErrHashMismatch) and must not be retried by the device.
//   - If a pipeline record already exists for the id, the stored
//     acknowledgement is replayed without touching storage: client retries
//     are safe.
//   - Blob storage failures are transient (ErrStorageUnavailable) so the
//     device retries with backoff.
//   - Recording + pipeline record + audit entry commit atomically, then the
//     recording is handed to the tracker asynchronously. The HTTP request
//     never waits on a transform.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (*IngestAck, error) {
	if strings.TrimSpace(req.ID) == "" {
		return nil, ErrRecordingNotFound
	}

	sum := sha256.Sum256(req.Audio)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), req.ContentHash) {
		return nil, ErrHashMismatch
	}

	// Replay path: an earlier attempt already won.
	if pr, err := repo.GetPipelineRecord(ctx, s.DB, req.ID); err == nil {
		log.Debug().Str("recording_id", req.ID).Msg("duplicate upload, replaying acknowledgement")
		return &IngestAck{
			RecordingID:  pr.RecordingID,
			CurrentStage: pr.Stage,
			Acknowledged: true,
			Duplicate:    true,
		}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Audit gate: no new clinical mutations while the ledger is unreachable
	// for this clinic.
	if err := s.Ledger.Gate(req.ClinicID); err != nil {
		return nil, err
	}

	blobKey := req.ID + ".audio"
	if err := s.Blobs.Put(ctx, blobKey, req.Audio); err != nil {
		log.Error().Err(err).Str("recording_id", req.ID).Msg("blob store write failed")
		return nil, ErrStorageUnavailable
	}

	now := time.Now().UTC()
	rec := &domain.Recording{
		ID:           req.ID,
		OwnerID:      req.OwnerID,
		ClinicID:     req.ClinicID,
		PatientRef:   req.PatientRef,
		EncounterRef: req.EncounterRef,
		ByteSize:     int64(len(req.Audio)),
		DurationMs:   req.DurationMs,
		ContentHash:  strings.ToLower(req.ContentHash),
		BlobKey:      blobKey,
		EHRSync:      req.EHRSync,
		CapturedAt:   req.CapturedAt,
	}
	pr := &domain.PipelineRecord{
		RecordingID:    req.ID,
		OwnerID:        req.OwnerID,
		ClinicID:       req.ClinicID,
		Stage:          domain.StageReceived,
		StageVersion:   1,
		Notified:       true, // RECEIVED is acknowledged inline, nothing to replay
		StageEnteredAt: now,
	}

	duplicate := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateRecording(ctx, tx, rec); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				duplicate = true
				return nil // racing retry won; replay below
			}
			return err
		}
		if err := repo.CreatePipelineRecord(ctx, tx, pr); err != nil {
			return err
		}
		return repo.AppendAudit(ctx, tx, s.creationAudit(req, rec))
	})
	if err != nil {
		// The transaction includes the audit write; treat its failure the
		// same as a direct ledger failure, pausing the clinic scope.
		s.Ledger.Pause(req.ClinicID)
		log.Error().Err(err).Str("recording_id", req.ID).Msg("ingest transaction failed")
		return nil, ErrAuditUnavailable
	}
	if duplicate {
		existing, err := repo.GetPipelineRecord(ctx, s.DB, req.ID)
		if err != nil {
			return nil, err
		}
		return &IngestAck{
			RecordingID:  existing.RecordingID,
			CurrentStage: existing.Stage,
			Acknowledged: true,
			Duplicate:    true,
		}, nil
	}

	s.Tracker.StartPipeline(req.ID)

	return &IngestAck{
		RecordingID:  req.ID,
		CurrentStage: domain.StageReceived,
		Acknowledged: true,
	}, nil
}

func (s *IngestService) creationAudit(req IngestRequest, rec *domain.Recording) *domain.AuditEntry {
	after, _ := json.Marshal(rec)
	afterStr := string(after)
	entry := &domain.AuditEntry{
		ActorID:      &req.OwnerID,
		ClinicID:     &req.ClinicID,
		Action:       AuditActionCreate,
		ResourceType: "recording",
		ResourceID:   &rec.ID,
		AfterJSON:    &afterStr,
		RecordedAt:   time.Now().UTC(),
	}
	if req.SourceAddress != "" {
		entry.SourceAddress = &req.SourceAddress
	}
	if req.Agent != "" {
		entry.Agent = &req.Agent
	}
	return entry
}
