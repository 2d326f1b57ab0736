// Package transform declares the external inference collaborators the
// pipeline calls between stages: the speech-to-text engine, the SOAP/coding
// drafting engine, and the EHR sync client. The pipeline consumes them as
// black-box transforms; real adapters live outside this repository, and the
// mock subpackage provides deterministic in-process implementations for
// local runs and tests.
package transform

import (
	"context"

	"github.com/medscribe/scribe-backend/internal/domain"
)

// Transcriber converts recorded audio into transcript text.
type Transcriber interface {
	Transcribe(ctx context.Context, recordingID string, audio []byte) (string, error)
}

// DraftResult is the structured output of the drafting/coding engine.
type DraftResult struct {
	SOAP       domain.SOAPSections
	Codes      []domain.CodeSuggestion
	Confidence float64
}

// Drafter converts a transcript into a structured SOAP draft with code
// suggestions.
type Drafter interface {
	Draft(ctx context.Context, recordingID, transcript string) (*DraftResult, error)
}

// EHRSyncer pushes a finished draft into the clinic's EHR system and returns
// the external note reference.
type EHRSyncer interface {
	Sync(ctx context.Context, draft *domain.Draft) (noteRef string, err error)
}

// Engines bundles the three collaborators the pipeline needs.
type Engines struct {
	Transcriber Transcriber
	Drafter     Drafter
	EHR         EHRSyncer
}
