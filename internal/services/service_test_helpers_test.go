package services

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/medscribe/scribe-backend/internal/domain"
)

// newServiceDB opens a temp SQLite database with the full schema. WAL and a
// busy timeout are set because tracker tests run concurrent writers.
func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), fmt.Sprintf("svc_test_%d.db", time.Now().UnixNano()))
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
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
		&domain.Recording{}, &domain.PipelineRecord{},
		&domain.Draft{}, &domain.AuditEntry{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// waitForStage polls until the recording reaches stage or the deadline hits.
func waitForStage(t *testing.T, db *gorm.DB, recordingID string, stage domain.Stage) *domain.PipelineRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var pr domain.PipelineRecord
		err := db.WithContext(context.Background()).
			Where("recording_id = ?", recordingID).First(&pr).Error
		if err == nil && pr.Stage == stage {
			return &pr
		}
		time.Sleep(10 * time.Millisecond)
	}
	var pr domain.PipelineRecord
	_ = db.Where("recording_id = ?", recordingID).First(&pr).Error
	t.Fatalf("recording %s never reached %s (currently %s)", recordingID, stage, pr.Stage)
	return nil
}
