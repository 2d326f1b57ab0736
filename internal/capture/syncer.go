package capture

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Uploader performs one upload attempt. Satisfied by *Client; tests swap in
// a fake.
type Uploader interface {
	Upload(ctx context.Context, e *Entry) (*UploadAck, error)
}

// Syncer drains the capture queue whenever the device is online. Entries
// leave in capture order; a bounded worker pool keeps several uploads in
// flight, but any single entry has at most one attempt in flight at a time.
type Syncer struct {
	Queue  *Queue
	Client Uploader

	// Online reports current connectivity. The syncer polls it each cycle;
	// while it returns false nothing is dispatched and in-flight attempts
	// are cancelled.
	Online func() bool

	// Workers bounds concurrent uploads. Default 3.
	Workers int

	// Backoff shape for transient failures.
	BackoffBase time.Duration // default 500ms
	BackoffMax  time.Duration // default 30s

	// MaxAttempts is the per-entry transient-failure budget. Past it the
	// entry is flagged for clinician attention and left in the queue; it is
	// never deleted. Default 8.
	MaxAttempts int

	// PollInterval is how often the queue is scanned. Default 2s.
	PollInterval time.Duration

	mu        sync.Mutex
	inFlight  map[string]struct{}
	notBefore map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start launches the drain loop. Close (or ctx cancellation) stops it.
func (s *Syncer) Start(ctx context.Context) {
	if s.Workers < 1 {
		s.Workers = 3
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = 500 * time.Millisecond
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = 30 * time.Second
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 8
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 2 * time.Second
	}
	if s.Online == nil {
		s.Online = func() bool { return true }
	}
	s.inFlight = make(map[string]struct{})
	s.notBefore = make(map[string]time.Time)

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Close stops the drain loop and waits for in-flight uploads to settle.
func (s *Syncer) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Drain runs one synchronous scan-and-dispatch cycle and waits for the
// attempts it started. Used by tests and by the agent's "sync now" action.
func (s *Syncer) Drain(ctx context.Context) {
	var wg sync.WaitGroup
	s.cycle(ctx, &wg)
	wg.Wait()
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx, &s.wg)
		}
	}
}

// cycle dispatches eligible entries to the worker pool. Connectivity is
// checked once per cycle; uploads started here carry ctx, so a shutdown (or
// a connectivity-driven cancel by the caller) aborts them mid-flight and the
// entries fall back to UPLOAD_FAILED for the next online window.
func (s *Syncer) cycle(ctx context.Context, wg *sync.WaitGroup) {
	if !s.Online() {
		return
	}

	pending, err := s.Queue.ListPending(ctx, s.Workers*4)
	if err != nil {
		log.Error().Err(err).Msg("queue scan failed")
		return
	}

	slots := s.slots()
	now := time.Now()
	for i := range pending {
		if slots <= 0 {
			return
		}
		e := pending[i]
		if !s.claim(e.ID, now) {
			continue
		}
		slots--
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.release(e.ID)
			s.attempt(ctx, &e)
		}()
	}
}

// attempt runs one upload for the entry and records the outcome.
func (s *Syncer) attempt(ctx context.Context, e *Entry) {
	if err := s.Queue.MarkState(ctx, e.ID, StateChange{To: StateUploading}); err != nil {
		log.Error().Err(err).Str("recording_id", e.ID).Msg("mark uploading failed")
		return
	}

	// Outcome marks below run on a fresh context: once the attempt has a
	// result it must be recorded even when ctx was cancelled mid-upload,
	// or the entry would sit in UPLOADING until the next restart.
	ack, err := s.Client.Upload(ctx, e)
	switch {
	case err == nil:
		if err := s.Queue.MarkState(context.Background(), e.ID, StateChange{To: StateAcknowledged}); err != nil {
			log.Error().Err(err).Str("recording_id", e.ID).Msg("mark acknowledged failed")
			return
		}
		s.clearSchedule(e.ID)
		log.Info().
			Str("recording_id", e.ID).
			Str("stage", ack.CurrentStage).
			Int("attempts", e.Attempts+1).
			Msg("upload acknowledged")

	case isPermanent(err):
		msg := err.Error()
		if err := s.Queue.MarkState(context.Background(), e.ID, StateChange{
			To:        StateUploadRejected,
			LastError: &msg,
		}); err != nil {
			log.Error().Err(err).Str("recording_id", e.ID).Msg("mark rejected failed")
			return
		}
		log.Warn().Err(err).Str("recording_id", e.ID).Msg("upload rejected permanently, audio retained")

	default:
		// Transient (including cancellation on connectivity loss). A cancel
		// does not burn an attempt.
		cancelled := ctx.Err() != nil
		msg := err.Error()
		change := StateChange{
			To:           StateUploadFailed,
			LastError:    &msg,
			BumpAttempts: !cancelled,
		}
		attempts := e.Attempts
		if !cancelled {
			attempts++
		}
		if attempts >= s.MaxAttempts {
			change.NeedsAttention = true
		}
		if err := s.Queue.MarkState(context.Background(), e.ID, change); err != nil {
			log.Error().Err(err).Str("recording_id", e.ID).Msg("mark failed failed")
			return
		}
		if change.NeedsAttention {
			log.Warn().
				Str("recording_id", e.ID).
				Int("attempts", attempts).
				Msg("upload attempt budget spent, needs attention")
			return
		}
		delay := s.delay(attempts)
		s.schedule(e.ID, delay)
		log.Debug().
			Err(err).
			Str("recording_id", e.ID).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("upload failed, will retry")
	}
}

// delay computes the backoff before the next attempt: exponential from
// BackoffBase, capped at BackoffMax, with ±50% jitter.
func (s *Syncer) delay(attempts int) time.Duration {
	d := s.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.BackoffMax {
			d = s.BackoffMax
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d) + 1))
	return d/2 + jitter
}

// claim marks the entry in flight if it is not already and its backoff
// window has elapsed.
func (s *Syncer) claim(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	if nb, ok := s.notBefore[id]; ok && now.Before(nb) {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Syncer) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *Syncer) schedule(id string, d time.Duration) {
	s.mu.Lock()
	s.notBefore[id] = time.Now().Add(d)
	s.mu.Unlock()
}

func (s *Syncer) clearSchedule(id string) {
	s.mu.Lock()
	delete(s.notBefore, id)
	s.mu.Unlock()
}

func (s *Syncer) slots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Workers - len(s.inFlight)
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
