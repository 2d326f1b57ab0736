// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Draft
// model produced at the DRAFTED pipeline stage.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/medscribe/scribe-backend/internal/domain"
)

// CreateDraft inserts a draft for a recording. A recording has at most one
// draft (unique index on recording_id); a duplicate-stage replay that tries
// to write a second draft returns ErrDuplicate.
func CreateDraft(ctx context.Context, db *gorm.DB, d *domain.Draft) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(d).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetDraft fetches a draft by its ID, or ErrNotFound.
func GetDraft(ctx context.Context, db *gorm.DB, id string) (*domain.Draft, error) {
	var d domain.Draft
	if err := db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDraftByRecording fetches the draft belonging to a recording, or
// ErrNotFound.
func GetDraftByRecording(ctx context.Context, db *gorm.DB, recordingID string) (*domain.Draft, error) {
	var d domain.Draft
	if err := db.WithContext(ctx).Where("recording_id = ?", recordingID).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}
