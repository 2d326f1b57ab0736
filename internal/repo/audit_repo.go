// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only store behind the audit
// ledger.
//
// The public surface is deliberately narrow: AppendAudit inserts, QueryAudit
// reads. There is no update or delete; immutability of audit rows is a
// contract, not a convention, and no other package touches the table.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/medscribe/scribe-backend/internal/domain"
)

// AuditFilter narrows a compliance query. Zero-valued fields are ignored;
// From/To bound RecordedAt inclusively/exclusively.
type AuditFilter struct {
	ActorID      string
	ClinicID     string
	ResourceType string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// AppendAudit durably inserts one audit entry. The entry ID and RecordedAt
// are assigned here when unset so callers cannot forget them.
func AppendAudit(ctx context.Context, db *gorm.DB, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(e).Error
}

// QueryAudit returns entries matching the filter, ordered by RecordedAt
// ascending so a compliance review reads as a chronology. Limit defaults to
// 100 and is capped at 1000 to bound response sizes.
func QueryAudit(ctx context.Context, db *gorm.DB, f AuditFilter) ([]domain.AuditEntry, error) {
	q := db.WithContext(ctx).Model(&domain.AuditEntry{})

	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.ClinicID != "" {
		q = q.Where("clinic_id = ?", f.ClinicID)
	}
	if f.ResourceType != "" {
		q = q.Where("resource_type = ?", f.ResourceType)
	}
	if !f.From.IsZero() {
		q = q.Where("recorded_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("recorded_at < ?", f.To)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var out []domain.AuditEntry
	err := q.Order("recorded_at asc").
		Offset(f.Offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountAudit returns the total number of entries matching the filter,
// ignoring Limit/Offset. Used for pagination metadata in compliance views.
func CountAudit(ctx context.Context, db *gorm.DB, f AuditFilter) (int64, error) {
	q := db.WithContext(ctx).Model(&domain.AuditEntry{})
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.ClinicID != "" {
		q = q.Where("clinic_id = ?", f.ClinicID)
	}
	if f.ResourceType != "" {
		q = q.Where("resource_type = ?", f.ResourceType)
	}
	if !f.From.IsZero() {
		q = q.Where("recorded_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("recorded_at < ?", f.To)
	}
	var total int64
	err := q.Count(&total).Error
	return total, err
}
