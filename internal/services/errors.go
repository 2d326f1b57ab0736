// Package services defines the business logic for ingestion, pipeline
// tracking, and the audit ledger. This file centralizes common service-level
// error values so that they can be consistently returned by service methods
// and checked by callers.
//
// The sentinels map onto the error taxonomy the transport layer exposes:
// permanent errors (corrupt payload, missing resources, authorization) are
// surfaced to the caller and never retried; transient errors (storage busy,
// engine unavailable) are reported as retriable so device-side backoff
// applies; conflicts (stale stage versions) are duplicate deliveries and are
// discarded quietly; audit unavailability is fatal for mutating actions.
package services

import "errors"

var (
	// ErrRecordingNotFound indicates that the requested recording does not
	// exist or is not visible to the current identity.
	ErrRecordingNotFound = errors.New("recording not found")

	// ErrDraftNotFound indicates that the requested draft does not exist or
	// is not visible to the current identity.
	ErrDraftNotFound = errors.New("draft not found")

	// ErrForbidden is returned when an identity addresses a resource outside
	// its user/clinic scope.
	ErrForbidden = errors.New("resource outside authorization scope")

	// ErrHashMismatch is returned when the uploaded bytes do not match the
	// declared content hash. The payload was corrupted in transit; retrying
	// the same payload cannot succeed, so this is permanent.
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrStorageUnavailable is returned when the blob store rejects a write.
	// Reported to clients as retriable so the upload synchronizer's backoff
	// applies.
	ErrStorageUnavailable = errors.New("recording storage unavailable")

	// ErrStaleTransition is returned when a transform completion references
	// a stage/version the record has already moved past. Duplicate delivery,
	// not a failure: callers treat it as a no-op.
	ErrStaleTransition = errors.New("stale pipeline transition")

	// ErrIllegalTransition is returned when a requested stage change is not
	// permitted by the state machine, independent of versioning.
	ErrIllegalTransition = errors.New("illegal pipeline transition")

	// ErrAuditUnavailable is returned when the audit ledger cannot accept a
	// synchronous write. Mutating actions in the affected clinic scope are
	// paused rather than proceeding unaudited.
	ErrAuditUnavailable = errors.New("audit ledger unavailable")
)
