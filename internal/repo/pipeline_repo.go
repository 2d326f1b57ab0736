// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// PipelineRecord model, including the compare-and-swap transition that keeps
// stage versions strictly increasing under concurrency.
//
// Functions:
//
//   - CreatePipelineRecord(ctx, db, rec) -> error
//     Inserts the initial record (stage RECEIVED, version 1); ErrDuplicate
//     if one already exists for the recording.
//
//   - GetPipelineRecord(ctx, db, recordingID) -> *domain.PipelineRecord, error
//     Fetches a single record, or ErrNotFound.
//
//   - SwapStage(ctx, db, recordingID, fromVersion, apply) -> *domain.PipelineRecord, error
//     Atomically applies a transition guarded by fromVersion. A version
//     mismatch returns ErrStaleVersion and leaves the row untouched.
//
//   - ListUnnotified(ctx, db) -> []domain.PipelineRecord, error
//     Records whose latest persisted transition has not been fanned out yet.
//
//   - MarkNotified(ctx, db, recordingID, version) -> error
//     Flags the transition at the given version as delivered to fan-out.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/medscribe/scribe-backend/internal/domain"
)

// ErrStaleVersion is returned by SwapStage when the caller's expected stage
// version no longer matches the stored one, i.e. another transition won.
var ErrStaleVersion = errors.New("stale stage version")

// CreatePipelineRecord inserts the initial pipeline record for a recording.
// Returns ErrDuplicate when a record for the same recording already exists,
// which is how the ingestion endpoint detects a retried upload.
func CreatePipelineRecord(ctx context.Context, db *gorm.DB, rec *domain.PipelineRecord) error {
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetPipelineRecord fetches the pipeline record for recordingID, or
// ErrNotFound if missing.
func GetPipelineRecord(ctx context.Context, db *gorm.DB, recordingID string) (*domain.PipelineRecord, error) {
	var rec domain.PipelineRecord
	err := db.WithContext(ctx).Where("recording_id = ?", recordingID).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// StageChange describes the mutation SwapStage applies once the version
// guard holds. Attempts and RetryStage carry over unless the caller sets
// ResetAttempts / a new RetryStage.
type StageChange struct {
	To            domain.Stage
	RetryStage    domain.Stage
	LastError     *string
	Transcript    *string
	ResetAttempts bool
	BumpAttempts  bool
}

// SwapStage applies a guarded transition: the UPDATE matches on both
// recording id and the expected stage version, so two concurrent transitions
// for the same recording cannot both win. On success the stored version is
// fromVersion+1 and the row is marked un-notified (fan-out pending).
//
// Returns ErrStaleVersion when the guard fails but the record exists, and
// ErrNotFound when there is no record at all.
func SwapStage(ctx context.Context, db *gorm.DB, recordingID string, fromVersion int64, change StageChange) (*domain.PipelineRecord, error) {
	now := time.Now().UTC()

	updates := map[string]any{
		"stage":            change.To,
		"stage_version":    fromVersion + 1,
		"retry_stage":      change.RetryStage,
		"last_error":       change.LastError,
		"notified":         false,
		"stage_entered_at": now,
		"updated_at":       now,
	}
	if change.Transcript != nil {
		updates["transcript"] = change.Transcript
	}
	switch {
	case change.ResetAttempts:
		updates["attempts"] = 0
	case change.BumpAttempts:
		updates["attempts"] = gorm.Expr("attempts + 1")
	}

	res := db.WithContext(ctx).
		Model(&domain.PipelineRecord{}).
		Where("recording_id = ? AND stage_version = ?", recordingID, fromVersion).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish a lost race from a missing record.
		if _, err := GetPipelineRecord(ctx, db, recordingID); err != nil {
			return nil, err
		}
		return nil, ErrStaleVersion
	}
	return GetPipelineRecord(ctx, db, recordingID)
}

// ListUnnotified returns records whose most recent transition has been
// persisted but not yet emitted to fan-out, oldest first. Used at startup to
// replay notifications lost to a crash between persist and notify.
func ListUnnotified(ctx context.Context, db *gorm.DB) ([]domain.PipelineRecord, error) {
	var out []domain.PipelineRecord
	err := db.WithContext(ctx).
		Where("notified = ?", false).
		Order("updated_at asc").
		Find(&out).Error
	return out, err
}

// MarkNotified records that the transition at the given stage version has
// been handed to fan-out. The version guard makes the flag safe against a
// newer transition landing in between: flagging an already-superseded
// version is a no-op.
func MarkNotified(ctx context.Context, db *gorm.DB, recordingID string, version int64) error {
	return db.WithContext(ctx).
		Model(&domain.PipelineRecord{}).
		Where("recording_id = ? AND stage_version = ?", recordingID, version).
		Update("notified", true).Error
}
