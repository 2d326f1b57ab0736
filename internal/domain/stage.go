// Pipeline stage enumeration and transition rules.
//
// Stages move strictly forward except for the failure detour: any working
// stage may fall to StageFailed, and a retry returns a failed record to the
// stage it fell from. StageAbandoned and StageSynced (or StageDrafted when
// EHR sync is disabled) are terminal.
package domain

// Stage is a named step in the server-side processing state machine for one
// recording.
type Stage string

const (
	StageReceived     Stage = "RECEIVED"
	StageTranscribing Stage = "TRANSCRIBING"
	StageTranscribed  Stage = "TRANSCRIBED"
	StageDrafting     Stage = "DRAFTING"
	StageDrafted      Stage = "DRAFTED"
	StageSyncingEHR   Stage = "SYNCING_EHR"
	StageSynced       Stage = "SYNCED"
	StageFailed       Stage = "FAILED"
	StageAbandoned    Stage = "ABANDONED"
)

// forward maps each stage to its successor on the happy path.
var forward = map[Stage]Stage{
	StageReceived:     StageTranscribing,
	StageTranscribing: StageTranscribed,
	StageTranscribed:  StageDrafting,
	StageDrafting:     StageDrafted,
	StageDrafted:      StageSyncingEHR,
	StageSyncingEHR:   StageSynced,
}

// Next returns the stage that follows s on the happy path and whether such a
// successor exists. Terminal and failure stages have no successor.
func (s Stage) Next() (Stage, bool) {
	n, ok := forward[s]
	return n, ok
}

// Terminal reports whether s is a stage the pipeline never leaves.
func (s Stage) Terminal() bool {
	return s == StageSynced || s == StageAbandoned
}

// Working reports whether s is a stage with an in-flight external transform:
// transcription, drafting, or EHR sync.
func (s Stage) Working() bool {
	return s == StageTranscribing || s == StageDrafting || s == StageSyncingEHR
}

// CanAdvanceTo reports whether a transition from s to next is a legal forward
// move, a legal failure detour, or a legal retry. Anything else is rejected
// by the tracker before it reaches storage.
func (s Stage) CanAdvanceTo(next Stage) bool {
	if n, ok := forward[s]; ok && n == next {
		return true
	}
	// Any non-terminal stage may fail.
	if next == StageFailed && !s.Terminal() && s != StageFailed {
		return true
	}
	// Failed records either retry back into a working stage or give up.
	if s == StageFailed {
		return next.Working() || next == StageAbandoned
	}
	return false
}
