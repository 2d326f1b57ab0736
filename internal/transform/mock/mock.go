// Package mock provides deterministic in-process transform engines for
// running the pipeline without cloud credentials. The transcriber derives a
// stable pseudo-transcript from the audio hash, the drafter splits it into
// SOAP sections with fixed code suggestions, and the EHR syncer fabricates a
// note reference. Optional failure injection lets tests exercise the retry
// and abandonment paths.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/medscribe/scribe-backend/internal/domain"
	"github.com/medscribe/scribe-backend/internal/transform"
)

// Engines returns a transform.Engines wired to the mock adapters with the
// given artificial latency per call.
func Engines(latency time.Duration) transform.Engines {
	return transform.Engines{
		Transcriber: &Transcriber{Latency: latency},
		Drafter:     &Drafter{Latency: latency},
		EHR:         &EHRSyncer{Latency: latency},
	}
}

// Transcriber is a mock speech-to-text engine. FailN > 0 makes the next
// FailN calls return a transient-looking error before succeeding.
type Transcriber struct {
	Latency time.Duration

	mu    sync.Mutex
	FailN int
	calls int
}

// Calls reports how many times Transcribe ran.
func (t *Transcriber) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Transcribe returns a stable pseudo-transcript for the audio bytes.
func (t *Transcriber) Transcribe(ctx context.Context, recordingID string, audio []byte) (string, error) {
	if err := sleep(ctx, t.Latency); err != nil {
		return "", err
	}
	t.mu.Lock()
	t.calls++
	fail := t.FailN > 0
	if fail {
		t.FailN--
	}
	t.mu.Unlock()
	if fail {
		return "", fmt.Errorf("transcription engine unavailable")
	}

	sum := sha256.Sum256(audio)
	return fmt.Sprintf(
		"Patient presents with recorded encounter %s. Audio fingerprint %s.",
		recordingID, hex.EncodeToString(sum[:8]),
	), nil
}

// Drafter is a mock SOAP/coding engine.
type Drafter struct {
	Latency time.Duration

	mu    sync.Mutex
	FailN int
}

// Draft splits the transcript into fixed SOAP sections with two canned code
// suggestions.
func (d *Drafter) Draft(ctx context.Context, recordingID, transcript string) (*transform.DraftResult, error) {
	if err := sleep(ctx, d.Latency); err != nil {
		return nil, err
	}
	d.mu.Lock()
	fail := d.FailN > 0
	if fail {
		d.FailN--
	}
	d.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("drafting engine unavailable")
	}

	return &transform.DraftResult{
		SOAP: domain.SOAPSections{
			Subjective: transcript,
			Objective:  "Vitals within normal limits.",
			Assessment: "Assessment pending clinician review.",
			Plan:       "Follow up as clinically indicated.",
		},
		Codes: []domain.CodeSuggestion{
			{Kind: "icd", Code: "Z00.00", Description: "General adult medical examination", Confidence: 0.82},
			{Kind: "rx", Code: "198440", Description: "Acetaminophen 500 MG", Confidence: 0.61},
		},
		Confidence: 0.87,
	}, nil
}

// EHRSyncer is a mock EHR sync client.
type EHRSyncer struct {
	Latency time.Duration

	mu    sync.Mutex
	FailN int
}

// Sync fabricates an external note reference for the draft.
func (e *EHRSyncer) Sync(ctx context.Context, draft *domain.Draft) (string, error) {
	if err := sleep(ctx, e.Latency); err != nil {
		return "", err
	}
	e.mu.Lock()
	fail := e.FailN > 0
	if fail {
		e.FailN--
	}
	e.mu.Unlock()
	if fail {
		return "", fmt.Errorf("ehr endpoint unavailable")
	}
	return "Observation/" + draft.ID, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
