// Package domain defines the persistence models for recordings, pipeline
// records, drafts, and audit entries. These types are mapped with GORM and
// form the core data layer of the scribe backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Recording represents one captured audio segment as registered with the
// server. The ID is generated on the device at capture time and is never
// regenerated on retry; it doubles as the idempotency key for ingestion.
//
// Fields:
//   - ID: client-generated UUID primary key (char(36)), stable across retries.
//   - OwnerID / ClinicID: identity scope of the recording; indexed.
//   - PatientRef / EncounterRef: optional clinical context references.
//   - ByteSize / DurationMs: payload size and audio duration.
//   - ContentHash: hex SHA-256 of the audio bytes, verified at ingestion.
//   - BlobKey: key under which the bytes live in the blob store collaborator.
//   - EHRSync: whether the pipeline continues into EHR sync after drafting.
//   - CapturedAt: device-side capture timestamp.
type Recording struct {
	ID           string         `json:"id"            gorm:"type:char(36);primaryKey"`
	OwnerID      string         `json:"owner_id"      gorm:"type:varchar(64);not null;index:idx_owner_recordings"`
	ClinicID     string         `json:"clinic_id"     gorm:"type:varchar(64);not null;index:idx_clinic_recordings"`
	PatientRef   *string        `json:"patient_ref,omitempty"   gorm:"type:varchar(128)"`
	EncounterRef *string        `json:"encounter_ref,omitempty" gorm:"type:varchar(128)"`
	ByteSize     int64          `json:"byte_size"     gorm:"not null"`
	DurationMs   int64          `json:"duration_ms"   gorm:"not null"`
	ContentHash  string         `json:"content_hash"  gorm:"type:char(64);not null"`
	BlobKey      string         `json:"-"             gorm:"type:varchar(255);not null"`
	EHRSync      bool           `json:"ehr_sync"`
	CapturedAt   time.Time      `json:"captured_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Recording.
func (Recording) TableName() string { return "recordings" }

// PipelineRecord is the authoritative server-side progress of a Recording
// through the processing pipeline. It is mutated exclusively by the pipeline
// tracker; every persisted transition increments StageVersion, which is the
// compare-and-swap token that rejects stale or duplicate transitions.
//
// Fields:
//   - RecordingID: primary key, equals Recording.ID.
//   - Stage: current pipeline stage (see stage.go).
//   - StageVersion: monotonic counter, strictly increasing per transition.
//   - RetryStage: when Stage is StageFailed, the stage a retry returns to.
//   - Attempts: attempt count for the current stage (reset on forward moves).
//   - LastError: most recent transform error, if any.
//   - Transcript: stage artifact persisted at TRANSCRIBED so drafting can
//     resume after a crash without re-running transcription.
//   - Notified: whether fan-out has observed the current transition.
//     Persist-before-notify means a crash can leave this false; startup
//     replay re-emits those transitions.
//   - StageEnteredAt: when the record entered the current stage.
type PipelineRecord struct {
	RecordingID    string    `json:"recording_id"  gorm:"type:char(36);primaryKey"`
	OwnerID        string    `json:"owner_id"      gorm:"type:varchar(64);not null;index"`
	ClinicID       string    `json:"clinic_id"     gorm:"type:varchar(64);not null;index"`
	Stage          Stage     `json:"stage"         gorm:"type:varchar(24);not null"`
	StageVersion   int64     `json:"stage_version" gorm:"not null"`
	RetryStage     Stage     `json:"-"             gorm:"type:varchar(24)"`
	Attempts       int       `json:"attempts"      gorm:"not null;default:0"`
	LastError      *string   `json:"last_error,omitempty" gorm:"type:text"`
	Transcript     *string   `json:"-"             gorm:"type:text"`
	Notified       bool      `json:"-"             gorm:"not null;default:false;index"`
	StageEnteredAt time.Time `json:"stage_entered_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for PipelineRecord.
func (PipelineRecord) TableName() string { return "pipeline_records" }

// SOAPSections is the structured clinical note produced by the drafting
// engine: subjective, objective, assessment, plan.
type SOAPSections struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

// CodeSuggestion is a single ICD or Rx code proposed by the coding engine.
type CodeSuggestion struct {
	Kind        string  `json:"kind"` // "icd" or "rx"
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Draft is the structured note produced when a recording reaches the DRAFTED
// stage. SOAP sections and code suggestions are stored as JSON text; the
// drafting engine is an external collaborator and its output is opaque to
// the pipeline beyond this shape.
type Draft struct {
	ID          string         `json:"id"           gorm:"type:char(36);primaryKey"`
	RecordingID string         `json:"recording_id" gorm:"type:char(36);not null;uniqueIndex"`
	OwnerID     string         `json:"owner_id"     gorm:"type:varchar(64);not null;index"`
	ClinicID    string         `json:"clinic_id"    gorm:"type:varchar(64);not null;index"`
	Transcript  string         `json:"transcript"   gorm:"type:text;not null"`
	SOAPJSON    string         `json:"-"            gorm:"column:soap_json;type:text;not null"`
	CodesJSON   string         `json:"-"            gorm:"column:codes_json;type:text"`
	Confidence  float64        `json:"confidence"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Draft.
func (Draft) TableName() string { return "drafts" }

// AuditEntry is one immutable compliance fact: who did what to what, when.
// Rows are append-only; no application code path updates or deletes them.
// ActorID is nullable so unauthenticated failures can still be recorded.
type AuditEntry struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	ActorID       *string   `json:"actor_id,omitempty"  gorm:"type:varchar(64);index:idx_audit_actor"`
	ClinicID      *string   `json:"clinic_id,omitempty" gorm:"type:varchar(64);index:idx_audit_clinic"`
	Action        string    `json:"action"         gorm:"type:varchar(32);not null"`
	ResourceType  string    `json:"resource_type"  gorm:"type:varchar(64);not null;index:idx_audit_resource"`
	ResourceID    *string   `json:"resource_id,omitempty" gorm:"type:varchar(128)"`
	BeforeJSON    *string   `json:"before,omitempty" gorm:"column:before_json;type:text"`
	AfterJSON     *string   `json:"after,omitempty"  gorm:"column:after_json;type:text"`
	SourceAddress *string   `json:"source_address,omitempty" gorm:"type:varchar(64)"`
	Agent         *string   `json:"agent,omitempty" gorm:"type:varchar(255)"`
	RecordedAt    time.Time `json:"recorded_at"    gorm:"not null;index:idx_audit_recorded"`
}

// TableName returns the database table name for AuditEntry.
func (AuditEntry) TableName() string { return "audit_entries" }
