// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable: clients (the device upload
// synchronizer in particular) branch on them to decide between retrying,
// giving up, and surfacing a condition to the clinician. Generic codes mirror
// common HTTP status semantics; domain-specific codes carry the retry
// contract that status alone cannot:
//
//   - payload_corrupt: the uploaded bytes do not match the declared hash.
//     Permanent; retrying the same payload cannot succeed.
//   - retry_later: a dependency (blob storage, database) is temporarily
//     unavailable. Transient; retry with backoff.
//   - audit_unavailable: the audit ledger cannot accept writes, so mutating
//     actions in the caller's clinic are paused. Transient.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodePayloadCorrupt   = "payload_corrupt"
	ErrCodeRetryLater       = "retry_later"
	ErrCodeAuditUnavailable = "audit_unavailable"
)
