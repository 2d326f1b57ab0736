// Event stream HTTP handler.
//
// This file exposes the live status feed:
//   - GET /api/v1/events   (Server-Sent Events)
//
// Subscribers receive processing_status and draft_ready events for
// recordings in their scope (their own, or their clinic's). The stream is a
// latency optimization over polling the status endpoint: delivery is
// best-effort, and a slow consumer loses oldest events first instead of
// stalling the pipeline.
package handlers

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/medscribe/scribe-backend/internal/http/middleware"
)

// heartbeatInterval keeps intermediaries from timing out idle streams.
const heartbeatInterval = 25 * time.Second

// StreamEvents subscribes the caller to the event fan-out and relays events
// as SSE until the client disconnects.
func (h *Handlers) StreamEvents(c *gin.Context) {
	id, okAuth := identity(c)
	if !okAuth {
		return
	}

	sub, cancel := h.hub.Subscribe(id.UserID, id.ClinicID)
	defer cancel()

	lg := middleware.LoggerFrom(c)
	lg.Info().Str("subscriber", sub.ID).Msg("event stream opened")
	defer lg.Info().Str("subscriber", sub.ID).Msg("event stream closed")

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, open := <-sub.C:
			if !open {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now().UTC().Format(time.RFC3339)})
			return true
		}
	})
}
