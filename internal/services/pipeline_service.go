// Package services – Tracker
//
// The Tracker is the single owner of PipelineRecord state. Transform engines
// never mutate shared state: their results come back as Completion messages
// and the Tracker decides what, if anything, changes. Every transition is
// persisted (with a strictly increasing stage version) before any event is
// emitted; a crash between persist and notify is healed at startup by
// replaying transitions whose notified flag is still clear.
//
// Duplicate or stale completions (redelivered callbacks, slow engines
// finishing after a retry already superseded them) carry an expected
// stage/version pair that no longer matches the record, fail the
// compare-and-swap, and are discarded as no-ops at debug level.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/medscribe/scribe-backend/internal/domain"
	"github.com/medscribe/scribe-backend/internal/events"
	"github.com/medscribe/scribe-backend/internal/repo"
	"github.com/medscribe/scribe-backend/internal/storage"
	"github.com/medscribe/scribe-backend/internal/transform"
)

var (
	stageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_transitions_total",
			Help: "Total persisted pipeline stage transitions.",
		},
		[]string{"to"},
	)
	staleCompletions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_stale_completions_total",
			Help: "Transform completions discarded because their expected stage version was superseded.",
		},
	)
)

func init() {
	prometheus.MustRegister(stageTransitions, staleCompletions)
}

// Completion is the message a transform collaborator (or its dispatch
// goroutine) delivers when a stage run finishes. ExpectedStage and
// ExpectedVersion pin the transition this completion belongs to.
type Completion struct {
	RecordingID     string
	ExpectedStage   domain.Stage
	ExpectedVersion int64

	// Exactly one of the result fields is set on success, depending on the
	// stage; Err is set on failure.
	Transcript string
	Draft      *transform.DraftResult
	NoteRef    string
	Err        error
}

// BackoffPolicy is the retry shape shared by pipeline stage retries:
// exponential with a cap and full ±50% jitter, bounded attempts.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the backoff delay before retry number attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	// ±50% jitter so synchronized failures do not retry in lockstep.
	jitter := time.Duration(rand.Int63n(int64(d) + 1))
	return d/2 + jitter
}

// Tracker drives recordings through the processing state machine.
type Tracker struct {
	DB       *gorm.DB
	Blobs    storage.BlobStore
	Engines  transform.Engines
	Hub      *events.Hub
	Exporter *events.Exporter

	// Retry is the per-stage retry policy applied when a transform fails.
	Retry BackoffPolicy

	// StageTimeout bounds one transform invocation. There is no mid-flight
	// cancellation; timeout-to-FAILED is the only forced exit.
	StageTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Start prepares the tracker's dispatch context and replays transitions that
// were persisted but never notified (crash between persist and notify), then
// resumes work for records parked in a working stage.
func (t *Tracker) Start(ctx context.Context) error {
	t.baseCtx, t.cancel = context.WithCancel(ctx)
	return t.replay()
}

// Close stops dispatching and waits for in-flight transform goroutines.
func (t *Tracker) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// StartPipeline moves a freshly ingested recording from RECEIVED into
// TRANSCRIBING and dispatches the transcription engine. Called by the
// ingestion service after its transaction commits; asynchronous from the
// HTTP request's point of view.
func (t *Tracker) StartPipeline(recordingID string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx := t.baseCtx
		pr, err := repo.GetPipelineRecord(ctx, t.DB, recordingID)
		if err != nil {
			log.Error().Err(err).Str("recording_id", recordingID).Msg("start pipeline: record missing")
			return
		}
		if pr.Stage != domain.StageReceived {
			return // already past RECEIVED (replayed start)
		}
		next, err := t.transition(ctx, pr, repo.StageChange{To: domain.StageTranscribing, ResetAttempts: true})
		if err != nil {
			return
		}
		t.dispatch(next)
	}()
}

// Complete applies one transform completion. Stale completions return
// ErrStaleTransition and change nothing; in particular they never re-trigger
// fan-out.
func (t *Tracker) Complete(ctx context.Context, c Completion) error {
	pr, err := repo.GetPipelineRecord(ctx, t.DB, c.RecordingID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRecordingNotFound
		}
		return err
	}
	if pr.Stage != c.ExpectedStage || pr.StageVersion != c.ExpectedVersion {
		staleCompletions.Inc()
		log.Debug().
			Str("recording_id", c.RecordingID).
			Str("expected_stage", string(c.ExpectedStage)).
			Int64("expected_version", c.ExpectedVersion).
			Str("current_stage", string(pr.Stage)).
			Int64("current_version", pr.StageVersion).
			Msg("discarding stale transform completion")
		return ErrStaleTransition
	}

	if c.Err != nil {
		return t.fail(ctx, pr, c.Err)
	}

	switch pr.Stage {
	case domain.StageTranscribing:
		return t.onTranscribed(ctx, pr, c.Transcript)
	case domain.StageDrafting:
		return t.onDrafted(ctx, pr, c.Draft)
	case domain.StageSyncingEHR:
		return t.onSynced(ctx, pr, c.NoteRef)
	default:
		return ErrIllegalTransition
	}
}

// onTranscribed persists the transcript, advances through TRANSCRIBED into
// DRAFTING, and dispatches the drafting engine.
func (t *Tracker) onTranscribed(ctx context.Context, pr *domain.PipelineRecord, transcript string) error {
	pr, err := t.transition(ctx, pr, repo.StageChange{
		To:            domain.StageTranscribed,
		Transcript:    &transcript,
		ResetAttempts: true,
	})
	if err != nil {
		return err
	}
	pr, err = t.transition(ctx, pr, repo.StageChange{To: domain.StageDrafting, ResetAttempts: true})
	if err != nil {
		return err
	}
	t.dispatch(pr)
	return nil
}

// onDrafted writes the Draft row and the DRAFTED transition in one
// transaction, emits draft_ready, and either finishes or continues into EHR
// sync depending on the recording's flag.
func (t *Tracker) onDrafted(ctx context.Context, pr *domain.PipelineRecord, res *transform.DraftResult) error {
	rec, err := repo.GetRecording(ctx, t.DB, pr.RecordingID)
	if err != nil {
		return err
	}

	soap, _ := json.Marshal(res.SOAP)
	codes, _ := json.Marshal(res.Codes)
	transcript := ""
	if pr.Transcript != nil {
		transcript = *pr.Transcript
	}
	draft := &domain.Draft{
		RecordingID: pr.RecordingID,
		OwnerID:     pr.OwnerID,
		ClinicID:    pr.ClinicID,
		Transcript:  transcript,
		SOAPJSON:    string(soap),
		CodesJSON:   string(codes),
		Confidence:  res.Confidence,
	}

	var updated *domain.PipelineRecord
	err = t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateDraft(ctx, tx, draft); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			return err
		}
		var swapErr error
		updated, swapErr = repo.SwapStage(ctx, tx, pr.RecordingID, pr.StageVersion, repo.StageChange{
			To:            domain.StageDrafted,
			ResetAttempts: true,
		})
		return swapErr
	})
	if err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			staleCompletions.Inc()
			return ErrStaleTransition
		}
		return err
	}
	t.notify(updated, &draft.ID)

	if !rec.EHRSync {
		return nil // DRAFTED is terminal when EHR sync is off
	}
	updated, err = t.transition(ctx, updated, repo.StageChange{To: domain.StageSyncingEHR, ResetAttempts: true})
	if err != nil {
		return err
	}
	t.dispatch(updated)
	return nil
}

// onSynced records the terminal SYNCED stage.
func (t *Tracker) onSynced(ctx context.Context, pr *domain.PipelineRecord, noteRef string) error {
	log.Info().
		Str("recording_id", pr.RecordingID).
		Str("note_ref", noteRef).
		Msg("ehr sync complete")
	_, err := t.transition(ctx, pr, repo.StageChange{To: domain.StageSynced, ResetAttempts: true})
	return err
}

// fail moves a working stage into FAILED and either schedules a retry or,
// when the attempt budget for that stage is spent, abandons the record.
func (t *Tracker) fail(ctx context.Context, pr *domain.PipelineRecord, cause error) error {
	msg := cause.Error()
	failed, err := t.transition(ctx, pr, repo.StageChange{
		To:           domain.StageFailed,
		RetryStage:   pr.Stage,
		LastError:    &msg,
		BumpAttempts: true,
	})
	if err != nil {
		return err
	}

	if failed.Attempts >= t.Retry.MaxAttempts {
		log.Warn().
			Str("recording_id", failed.RecordingID).
			Str("stage", string(failed.RetryStage)).
			Int("attempts", failed.Attempts).
			Msg("retry budget exhausted, abandoning")
		_, err := t.transition(ctx, failed, repo.StageChange{
			To:         domain.StageAbandoned,
			RetryStage: failed.RetryStage,
			LastError:  failed.LastError,
		})
		return err
	}

	t.scheduleRetry(failed)
	return nil
}

// scheduleRetry re-enters the failed stage after the backoff delay. The
// stage version captured here guards the retry: if anything else moved the
// record meanwhile, the retry loses the swap and quietly stands down.
func (t *Tracker) scheduleRetry(pr *domain.PipelineRecord) {
	delay := t.Retry.Delay(pr.Attempts)
	recordingID, version, stage := pr.RecordingID, pr.StageVersion, pr.RetryStage

	log.Info().
		Str("recording_id", recordingID).
		Str("stage", string(stage)).
		Int("attempt", pr.Attempts).
		Dur("delay", delay).
		Msg("scheduling stage retry")

	t.wg.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer t.wg.Done()
		ctx := t.baseCtx
		pr, err := repo.GetPipelineRecord(ctx, t.DB, recordingID)
		if err != nil || pr.StageVersion != version {
			return
		}
		next, err := t.transition(ctx, pr, repo.StageChange{To: stage})
		if err != nil {
			return
		}
		t.dispatch(next)
	})
	// Tear the timer down with the tracker so Close does not hang on
	// pending retries.
	go func() {
		<-t.baseCtx.Done()
		if timer.Stop() {
			t.wg.Done()
		}
	}()
}

// transition persists a guarded stage change and then notifies. Returns the
// updated record. Stale swaps surface as ErrStaleTransition.
func (t *Tracker) transition(ctx context.Context, pr *domain.PipelineRecord, change repo.StageChange) (*domain.PipelineRecord, error) {
	if !pr.Stage.CanAdvanceTo(change.To) {
		return nil, ErrIllegalTransition
	}
	updated, err := repo.SwapStage(ctx, t.DB, pr.RecordingID, pr.StageVersion, change)
	if err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			staleCompletions.Inc()
			return nil, ErrStaleTransition
		}
		return nil, err
	}
	t.notify(updated, nil)
	return updated, nil
}

// notify emits fan-out and export events for a persisted transition, then
// flags it notified. Ordering is persist → notify → flag: a crash any time
// in between re-emits on restart, which subscribers tolerate (events are a
// latency optimization, not the source of truth).
func (t *Tracker) notify(pr *domain.PipelineRecord, draftID *string) {
	stageTransitions.WithLabelValues(string(pr.Stage)).Inc()

	ev := events.Event{
		Type:         "processing_status",
		RecordingID:  pr.RecordingID,
		Stage:        string(pr.Stage),
		StageVersion: pr.StageVersion,
		OwnerID:      pr.OwnerID,
		ClinicID:     pr.ClinicID,
	}
	if pr.LastError != nil && (pr.Stage == domain.StageFailed || pr.Stage == domain.StageAbandoned) {
		ev.Error = *pr.LastError
	}
	t.Hub.Publish(ev)
	if t.Exporter != nil {
		t.Exporter.Export(t.baseCtx, ev)
	}

	if draftID != nil {
		ready := events.Event{
			Type:        "draft_ready",
			RecordingID: pr.RecordingID,
			DraftID:     *draftID,
			OwnerID:     pr.OwnerID,
			ClinicID:    pr.ClinicID,
		}
		t.Hub.Publish(ready)
		if t.Exporter != nil {
			t.Exporter.Export(t.baseCtx, ready)
		}
	}

	if err := repo.MarkNotified(context.Background(), t.DB, pr.RecordingID, pr.StageVersion); err != nil {
		log.Error().Err(err).Str("recording_id", pr.RecordingID).Msg("mark notified failed")
	}
}

// dispatch runs the transform for the record's current working stage in its
// own goroutine and feeds the result back through Complete. The goroutine is
// the only place engines are invoked; they never see tracker state.
func (t *Tracker) dispatch(pr *domain.PipelineRecord) {
	recordingID, stage, version := pr.RecordingID, pr.Stage, pr.StageVersion
	transcript := ""
	if pr.Transcript != nil {
		transcript = *pr.Transcript
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ctx := t.baseCtx
		if t.StageTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.StageTimeout)
			defer cancel()
		}

		c := Completion{
			RecordingID:     recordingID,
			ExpectedStage:   stage,
			ExpectedVersion: version,
		}

		switch stage {
		case domain.StageTranscribing:
			audio, err := t.loadAudio(ctx, recordingID)
			if err != nil {
				c.Err = err
			} else {
				c.Transcript, c.Err = t.Engines.Transcriber.Transcribe(ctx, recordingID, audio)
			}
		case domain.StageDrafting:
			c.Draft, c.Err = t.Engines.Drafter.Draft(ctx, recordingID, transcript)
		case domain.StageSyncingEHR:
			draft, err := repo.GetDraftByRecording(ctx, t.DB, recordingID)
			if err != nil {
				c.Err = err
			} else {
				c.NoteRef, c.Err = t.Engines.EHR.Sync(ctx, draft)
			}
		default:
			log.Error().Str("stage", string(stage)).Msg("dispatch on non-working stage")
			return
		}

		if t.baseCtx.Err() != nil {
			return // shutting down; replay resumes this stage on next start
		}
		if err := t.Complete(context.Background(), c); err != nil &&
			!errors.Is(err, ErrStaleTransition) {
			log.Error().Err(err).Str("recording_id", recordingID).Msg("apply completion failed")
		}
	}()
}

func (t *Tracker) loadAudio(ctx context.Context, recordingID string) ([]byte, error) {
	rec, err := repo.GetRecording(ctx, t.DB, recordingID)
	if err != nil {
		return nil, err
	}
	return t.Blobs.Get(ctx, rec.BlobKey)
}

// replay heals the persist-before-notify gap after a restart: un-notified
// transitions are re-emitted, records parked in a working stage get their
// transform re-dispatched, and failed records re-enter the retry schedule.
func (t *Tracker) replay() error {
	ctx := t.baseCtx

	pending, err := repo.ListUnnotified(ctx, t.DB)
	if err != nil {
		return err
	}
	for i := range pending {
		pr := pending[i]
		var draftID *string
		if pr.Stage == domain.StageDrafted {
			// The draft row committed with the DRAFTED transition, so the
			// re-emitted notification carries draft_ready as well.
			if d, err := repo.GetDraftByRecording(ctx, t.DB, pr.RecordingID); err == nil {
				draftID = &d.ID
			}
		}
		t.notify(&pr, draftID)
	}

	var parked []domain.PipelineRecord
	if err := t.DB.WithContext(ctx).
		Where("stage IN ?", []domain.Stage{
			domain.StageReceived, domain.StageTranscribing, domain.StageTranscribed,
			domain.StageDrafting, domain.StageSyncingEHR, domain.StageFailed,
		}).
		Find(&parked).Error; err != nil {
		return err
	}
	for i := range parked {
		pr := parked[i]
		switch pr.Stage {
		case domain.StageFailed:
			if pr.Attempts >= t.Retry.MaxAttempts {
				// Crash landed between the FAILED persist and the abandon
				// transition. No completion can match this record anymore,
				// so finish the abandon here.
				if _, err := t.transition(ctx, &pr, repo.StageChange{
					To:         domain.StageAbandoned,
					RetryStage: pr.RetryStage,
					LastError:  pr.LastError,
				}); err != nil {
					log.Error().Err(err).Str("recording_id", pr.RecordingID).Msg("replay abandon failed")
				}
				continue
			}
			t.scheduleRetry(&pr)
		case domain.StageReceived:
			// Crash before the pipeline ever started.
			if next, err := t.transition(ctx, &pr, repo.StageChange{To: domain.StageTranscribing, ResetAttempts: true}); err == nil {
				t.dispatch(next)
			}
		case domain.StageTranscribed:
			// Crash between TRANSCRIBED and DRAFTING; the transcript is
			// already persisted, so drafting can proceed directly.
			if next, err := t.transition(ctx, &pr, repo.StageChange{To: domain.StageDrafting, ResetAttempts: true}); err == nil {
				t.dispatch(next)
			}
		default:
			t.dispatch(&pr)
		}
	}
	if n := len(pending) + len(parked); n > 0 {
		log.Info().Int("records", n).Msg("pipeline replay complete")
	}
	return nil
}
