// Package capture implements the device-side half of the system: a durable,
// capture-ordered upload queue backed by its own SQLite database, a
// connectivity-gated synchronizer that drains it, and the HTTP client that
// performs the uploads.
//
// The queue is the device's source of truth. Audio is never deleted
// automatically: entries leave the queue only through an acknowledged upload
// followed by the retention grace period, or through explicit clinician
// action on a rejected entry.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Queue entry states. CAPTURED through PURGEABLE is the happy path;
// UPLOAD_FAILED re-enters the schedule, UPLOAD_REJECTED is terminal.
const (
	StateCaptured       = "CAPTURED"
	StateQueued         = "QUEUED_FOR_UPLOAD"
	StateUploading      = "UPLOADING"
	StateAcknowledged   = "ACKNOWLEDGED"
	StatePurgeable      = "PURGEABLE"
	StateUploadFailed   = "UPLOAD_FAILED"
	StateUploadRejected = "UPLOAD_REJECTED"
)

var (
	// ErrStorageFull is returned by Enqueue when the local database cannot
	// accept the entry, typically because the device disk is full. The
	// caller must surface this to the clinician immediately.
	ErrStorageFull = errors.New("local capture storage full")

	// ErrIllegalState is returned by MarkState for a transition the queue
	// state machine does not permit.
	ErrIllegalState = errors.New("illegal queue state transition")

	// ErrEntryNotFound is returned when the referenced entry does not exist.
	ErrEntryNotFound = errors.New("queue entry not found")
)

// legalStates maps each state to the states it may move to. NEEDS_ATTENTION
// is a surfaced condition (attempt budget spent), not a state of its own, so
// UPLOAD_FAILED stays re-queueable even after the synchronizer stops trying.
var legalStates = map[string][]string{
	StateCaptured:     {StateQueued},
	StateQueued:       {StateUploading},
	StateUploading:    {StateAcknowledged, StateUploadFailed, StateUploadRejected},
	StateUploadFailed: {StateUploading},
	StateAcknowledged: {StatePurgeable},
}

// Entry is one captured recording waiting in the local queue. ID doubles as
// the server-side idempotency key; it is minted once at capture time and
// reused verbatim on every upload attempt.
type Entry struct {
	ID           string  `gorm:"type:char(36);primaryKey"`
	OwnerID      string  `gorm:"size:64;not null"`
	ClinicID     string  `gorm:"size:64;not null"`
	PatientRef   *string `gorm:"size:128"`
	EncounterRef *string `gorm:"size:128"`

	AudioPath   string `gorm:"size:512;not null"`
	ByteSize    int64  `gorm:"not null"`
	DurationMs  int64  `gorm:"not null"`
	ContentHash string `gorm:"type:char(64);not null"`
	EHRSync     bool   `gorm:"not null;default:false"`

	State          string `gorm:"size:24;not null;index"`
	Attempts       int    `gorm:"not null;default:0"`
	LastError      *string
	NeedsAttention bool `gorm:"not null;default:false"`

	CapturedAt     time.Time `gorm:"not null;index"`
	AcknowledgedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName sets the table name for the Entry model.
func (Entry) TableName() string { return "capture_queue" }

// Queue is the durable device-side upload queue. All mutations flow through
// a single writer mutex; concurrent upload workers read entries but report
// outcomes back through MarkState.
type Queue struct {
	db *gorm.DB

	// RetentionGrace is how long an acknowledged entry is kept before it
	// becomes purgeable.
	RetentionGrace time.Duration

	mu sync.Mutex
}

// OpenQueue opens (or creates) the queue database at path and migrates the
// schema. The device store runs synchronous=FULL: an acknowledged fsync is
// the whole point of a durable queue.
func OpenQueue(path string, retention time.Duration) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}
	// An entry still UPLOADING means the process died mid-attempt. The
	// attempt's outcome is unknown, so re-queue it as a failed attempt; the
	// server is idempotent on the recording id, a duplicate upload is safe.
	interrupted := "upload interrupted by restart"
	if err := db.Model(&Entry{}).
		Where("state = ?", StateUploading).
		Updates(map[string]any{
			"state":      StateUploadFailed,
			"last_error": interrupted,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
		return nil, fmt.Errorf("recover interrupted uploads: %w", err)
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Queue{db: db, RetentionGrace: retention}, nil
}

// Capture creates a new queue entry for a finished recording and immediately
// promotes it to QUEUED_FOR_UPLOAD. Returns the minted recording id.
// A database write failure maps to ErrStorageFull; the audio file at
// audioPath is left in place either way.
func (q *Queue) Capture(ctx context.Context, e Entry) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.State = StateQueued
	if e.CapturedAt.IsZero() {
		e.CapturedAt = time.Now().UTC()
	}
	if err := q.db.WithContext(ctx).Create(&e).Error; err != nil {
		if isDiskFull(err) {
			return "", ErrStorageFull
		}
		return "", err
	}
	return e.ID, nil
}

// Get fetches one entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	if err := q.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ListPending returns uploadable entries in capture order: everything queued
// or previously failed, oldest capture first. UPLOADING entries are excluded
// (already in flight); rejected and acknowledged entries never reappear.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	if limit < 1 {
		limit = 50
	}
	var out []Entry
	err := q.db.WithContext(ctx).
		Where("state IN ?", []string{StateQueued, StateUploadFailed}).
		Where("needs_attention = ?", false).
		Order("captured_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// StateChange describes a MarkState mutation.
type StateChange struct {
	To             string
	LastError      *string
	BumpAttempts   bool
	NeedsAttention bool
}

// MarkState is the sole state mutator. It validates the transition against
// the queue state machine and flushes it durably before returning; callers
// may rely on the new state surviving power loss.
func (q *Queue) MarkState(ctx context.Context, id string, change StateChange) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var e Entry
	if err := q.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEntryNotFound
		}
		return err
	}
	if !stateAllowed(e.State, change.To) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalState, e.State, change.To)
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"state":           change.To,
		"last_error":      change.LastError,
		"needs_attention": change.NeedsAttention,
		"updated_at":      now,
	}
	if change.BumpAttempts {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	if change.To == StateAcknowledged {
		updates["acknowledged_at"] = now
	}
	return q.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", id).Updates(updates).Error
}

// Purge promotes acknowledged entries past the retention grace period to
// PURGEABLE and deletes the audio files of entries already purgeable.
// Returns how many audio files were removed. This is the only code path that
// deletes audio, and it only ever runs on server-acknowledged entries.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-q.RetentionGrace)
	if err := q.db.WithContext(ctx).Model(&Entry{}).
		Where("state = ? AND acknowledged_at < ?", StateAcknowledged, cutoff).
		Update("state", StatePurgeable).Error; err != nil {
		return 0, err
	}

	var purgeable []Entry
	if err := q.db.WithContext(ctx).
		Where("state = ? AND audio_path <> ''", StatePurgeable).
		Find(&purgeable).Error; err != nil {
		return 0, err
	}

	removed := 0
	for i := range purgeable {
		e := purgeable[i]
		if err := os.Remove(e.AudioPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("recording_id", e.ID).Msg("purge: audio removal failed")
			continue
		}
		if err := q.db.WithContext(ctx).Model(&Entry{}).
			Where("id = ?", e.ID).
			Update("audio_path", "").Error; err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Attention returns entries a clinician must look at: rejected uploads and
// failed uploads whose attempt budget is spent.
func (q *Queue) Attention(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := q.db.WithContext(ctx).
		Where("state = ? OR needs_attention = ?", StateUploadRejected, true).
		Order("captured_at asc").
		Find(&out).Error
	return out, err
}

func stateAllowed(from, to string) bool {
	for _, s := range legalStates[from] {
		if s == to {
			return true
		}
	}
	return false
}

func isDiskFull(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "disk is full") ||
		strings.Contains(s, "disk full") ||
		strings.Contains(s, "no space left") ||
		strings.Contains(s, "database or disk is full")
}
