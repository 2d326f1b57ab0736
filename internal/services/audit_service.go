// Package services – AuditLedger
//
// The Ledger is the single writer of audit entries. Two write paths exist:
//
//   - Record: for mutating actions. Synchronous and durable before the
//     triggering action's result becomes observable. A failed write pauses
//     further mutating actions in the affected clinic scope (Gate) instead
//     of letting them proceed unaudited.
//   - RecordRead: for read access to protected resources. Off the critical
//     path: entries are queued and drained by a background writer that
//     retries with backoff until each entry lands. Entries are never
//     dropped; when the queue is full the caller blocks rather than losing
//     the record.
//
// There is no update or delete anywhere on this surface.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/medscribe/scribe-backend/internal/domain"
	"github.com/medscribe/scribe-backend/internal/repo"
)

// Audit action verbs. Kept coarse on purpose: the resource type and snapshots
// carry the detail.
const (
	AuditActionCreate = "CREATE"
	AuditActionUpdate = "UPDATE"
	AuditActionRead   = "READ"
	AuditActionQuery  = "QUERY"
)

// Ledger owns the audit trail. Safe for concurrent use.
type Ledger struct {
	// DB is the database handle used for all ledger writes and queries.
	DB *gorm.DB

	// PauseCooldown is how long a clinic scope stays gated after a failed
	// synchronous write before the next mutating action may probe again.
	PauseCooldown time.Duration

	mu          sync.Mutex
	pausedUntil map[string]time.Time

	// qmu guards queue against a send racing Close: producers hold the
	// read side across the send, Close flips closed under the write side.
	qmu    sync.RWMutex
	closed bool
	queue  chan domain.AuditEntry

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewLedger constructs a Ledger with a read-entry queue of the given size.
// Call Start before use and Close on shutdown.
func NewLedger(db *gorm.DB, queueSize int) *Ledger {
	if queueSize < 1 {
		queueSize = 256
	}
	return &Ledger{
		DB:            db,
		PauseCooldown: 15 * time.Second,
		pausedUntil:   make(map[string]time.Time),
		queue:         make(chan domain.AuditEntry, queueSize),
	}
}

// Start launches the background writer that drains read-access entries.
func (l *Ledger) Start(ctx context.Context) {
	ctx, l.stop = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.drain(ctx)
}

// Close stops accepting read entries, flushes what is already queued, and
// waits for the background writer. Reads that race shutdown (requests still
// in flight when the server's drain timeout expires) fall back to an inline
// write instead of the queue.
func (l *Ledger) Close() {
	if l.stop != nil {
		l.stop()
	}
	l.qmu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.qmu.Unlock()
	l.wg.Wait()
}

// Gate reports whether mutating actions for the clinic scope may proceed.
// Returns ErrAuditUnavailable while the scope is paused after a ledger
// failure. An empty clinicID checks the global scope only.
func (l *Ledger) Gate(clinicID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if until, ok := l.pausedUntil[clinicID]; ok {
		if now.Before(until) {
			return ErrAuditUnavailable
		}
		delete(l.pausedUntil, clinicID) // cooldown elapsed, allow a probe
	}
	return nil
}

// Record synchronously appends an audit entry for a mutating action. On
// failure it pauses the entry's clinic scope and returns ErrAuditUnavailable
// so the caller aborts the action; the clinical mutation must not become
// observable without its audit row.
func (l *Ledger) Record(ctx context.Context, e domain.AuditEntry) error {
	if err := repo.AppendAudit(ctx, l.DB, &e); err != nil {
		scope := ""
		if e.ClinicID != nil {
			scope = *e.ClinicID
		}
		l.pause(scope)
		log.Error().
			Err(err).
			Str("action", e.Action).
			Str("resource_type", e.ResourceType).
			Str("clinic_id", scope).
			Msg("audit write failed, pausing scope")
		return ErrAuditUnavailable
	}
	l.resume(e.ClinicID)
	return nil
}

// RecordRead queues an audit entry for a read access. It returns once the
// entry is accepted into the queue; durability is guaranteed eventually by
// the background writer. Blocks when the queue is full rather than dropping.
func (l *Ledger) RecordRead(e domain.AuditEntry) {
	if e.Action == "" {
		e.Action = AuditActionRead
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	l.qmu.RLock()
	if l.closed {
		l.qmu.RUnlock()
		// The background writer is gone; write inline so the access is
		// still recorded.
		if err := repo.AppendAudit(context.Background(), l.DB, &e); err != nil {
			log.Error().
				Err(err).
				Str("action", e.Action).
				Str("resource_type", e.ResourceType).
				Msg("read audit after ledger close failed")
		}
		return
	}
	l.queue <- e
	l.qmu.RUnlock()
}

// Query returns audit entries for compliance review. Read-only; the caller
// (handler) enforces the compliance-role restriction.
func (l *Ledger) Query(ctx context.Context, f repo.AuditFilter) ([]domain.AuditEntry, int64, error) {
	entries, err := repo.QueryAudit(ctx, l.DB, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := repo.CountAudit(ctx, l.DB, f)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// drain writes queued read entries, retrying each with exponential backoff
// until it lands. Shutdown (ctx cancel + closed queue) flushes remaining
// entries with a single attempt each so a clean stop does not spin forever
// against a dead database.
func (l *Ledger) drain(ctx context.Context) {
	defer l.wg.Done()

	for e := range l.queue {
		entry := e
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0 // retry until success

		err := backoff.Retry(func() error {
			return repo.AppendAudit(context.Background(), l.DB, &entry)
		}, backoff.WithContext(b, ctx))
		if err == nil {
			l.resume(entry.ClinicID)
			continue
		}

		// Context cancelled mid-retry: final best-effort attempt, then log
		// loudly. This is the only path where a read-audit entry can be
		// lost, and it requires both shutdown and a dead database.
		if ferr := repo.AppendAudit(context.Background(), l.DB, &entry); ferr != nil {
			log.Error().
				Err(ferr).
				Str("action", entry.Action).
				Str("resource_type", entry.ResourceType).
				Msg("audit read entry unwritten at shutdown")
		}
	}
}

// Pause gates the clinic scope for PauseCooldown. Used by callers that write
// audit entries transactionally (and so bypass Record) when that write fails.
func (l *Ledger) Pause(clinicID string) {
	l.pause(clinicID)
}

func (l *Ledger) pause(clinicID string) {
	l.mu.Lock()
	l.pausedUntil[clinicID] = time.Now().Add(l.PauseCooldown)
	l.mu.Unlock()
}

func (l *Ledger) resume(clinicID *string) {
	l.mu.Lock()
	if clinicID != nil {
		delete(l.pausedUntil, *clinicID)
	}
	delete(l.pausedUntil, "")
	l.mu.Unlock()
}
