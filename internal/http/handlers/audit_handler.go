// Audit trail HTTP handler.
//
// This file exposes the compliance review endpoint:
//   - GET /api/v1/audit
//
// Role enforcement (compliance, admin) happens in the router; the handler
// additionally pins the query to the caller's clinic so no filter
// combination can reach across clinics. Querying the audit trail is itself
// an audited action.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/medscribe/scribe-backend/internal/domain"
	"github.com/medscribe/scribe-backend/internal/repo"
	"github.com/medscribe/scribe-backend/internal/services"
)

// AuditListResponse wraps a page of audit entries.
type AuditListResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// QueryAudit returns audit entries for the caller's clinic, filtered by the
// optional actor_id, resource_type, from, to (RFC 3339), limit, and offset
// query parameters. Entries come back oldest first.
func (h *Handlers) QueryAudit(c *gin.Context) {
	id, okAuth := identity(c)
	if !okAuth {
		return
	}

	f := repo.AuditFilter{
		ClinicID: id.ClinicID,
	}
	if v := c.Query("actor_id"); v != "" {
		f.ActorID = v
	}
	if v := c.Query("resource_type"); v != "" {
		f.ResourceType = v
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "from must be RFC 3339")
			return
		}
		f.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "to must be RFC 3339")
			return
		}
		f.To = t
	}
	f.Limit = atoiDefault(c.Query("limit"), 100)
	f.Offset = atoiDefault(c.Query("offset"), 0)

	entries, total, err := h.ledger.Query(c.Request.Context(), f)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "audit query failed")
		return
	}

	e := readAudit(c, id, "audit_trail", "")
	e.Action = services.AuditActionQuery
	h.ledger.RecordRead(e)

	ok(c, http.StatusOK, AuditListResponse{
		Entries: entries,
		Total:   total,
		Limit:   f.Limit,
		Offset:  f.Offset,
	})
}

// atoiDefault parses s as an int, returning def on empty or invalid input.
func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
