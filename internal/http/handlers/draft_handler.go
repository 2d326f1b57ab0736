// Draft HTTP handlers.
//
// This file exposes read access to generated clinical drafts:
//   - GET /api/v1/drafts/{id}
//
// Drafts carry the structured SOAP note and code suggestions produced by the
// drafting engine. Reads are scope-checked and audited like every other
// access to clinical material.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/medscribe/scribe-backend/internal/domain"
	"github.com/medscribe/scribe-backend/internal/repo"
)

// DraftResponse is the JSON shape of one draft.
type DraftResponse struct {
	ID          string                  `json:"id"`
	RecordingID string                  `json:"recording_id"`
	Transcript  string                  `json:"transcript"`
	SOAP        domain.SOAPSections     `json:"soap"`
	Codes       []domain.CodeSuggestion `json:"codes"`
	Confidence  float64                 `json:"confidence"`
	CreatedAt   string                  `json:"created_at"`
}

// GetDraft returns one draft by id, visible to the owner of the underlying
// recording and members of the same clinic.
func (h *Handlers) GetDraft(c *gin.Context) {
	id, okAuth := identity(c)
	if !okAuth {
		return
	}
	draftID := c.Param("id")
	if _, err := uuid.Parse(draftID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "draft id must be a UUID")
		return
	}

	draft, err := repo.GetDraft(c.Request.Context(), h.db, draftID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "draft not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "draft lookup failed")
		return
	}
	if !inScope(id, draft.OwnerID, draft.ClinicID) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "draft not found")
		return
	}

	resp := DraftResponse{
		ID:          draft.ID,
		RecordingID: draft.RecordingID,
		Transcript:  draft.Transcript,
		Confidence:  draft.Confidence,
		CreatedAt:   draft.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	// Stored as JSON columns; a decode failure means a bug, not bad input.
	if err := json.Unmarshal([]byte(draft.SOAPJSON), &resp.SOAP); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "draft content unreadable")
		return
	}
	if err := json.Unmarshal([]byte(draft.CodesJSON), &resp.Codes); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "draft content unreadable")
		return
	}

	h.ledger.RecordRead(readAudit(c, id, "draft", draftID))
	ok(c, http.StatusOK, resp)
}
