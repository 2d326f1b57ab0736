// Package events implements the fan-out of pipeline stage transitions to
// connected clients. The Hub is an injected, lifetime-scoped subscriber
// registry keyed by identity and clinic, not ambient global state, and
// delivery is strictly best-effort: a slow or disconnected subscriber can
// never block or fail pipeline progress, because the authoritative state is
// always re-fetchable from the pipeline record.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event is one pushed notification. Type is "processing_status" for stage
// transitions and terminal failures, "draft_ready" when a draft lands.
// OwnerID/ClinicID carry the authorization scope and are used for filtering,
// not serialized to clients outside that scope (they never see the event at
// all).
type Event struct {
	Type         string  `json:"type"`
	RecordingID  string  `json:"recording_id"`
	Stage        string  `json:"stage,omitempty"`
	StageVersion int64   `json:"stage_version,omitempty"`
	DraftID      string  `json:"draft_id,omitempty"`
	Error        string  `json:"error,omitempty"`
	Progress     *float64 `json:"progress,omitempty"`

	OwnerID  string `json:"-"`
	ClinicID string `json:"-"`
}

// Subscriber is one live connection. Events arrive on C; when the buffer is
// full the oldest pending event is dropped so the connection only ever lags,
// never backpressures the publisher. Missing a live event is not data loss;
// clients re-sync via the status query.
type Subscriber struct {
	ID       string
	UserID   string
	ClinicID string
	C        chan Event
}

// Hub is the subscriber registry. Safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscriber
	bufSize int

	dropped atomic.Uint64 // total events dropped to lagging subscribers
}

// NewHub returns a Hub whose subscribers buffer up to bufSize events each.
// bufSize values below 1 are coerced to 16.
func NewHub(bufSize int) *Hub {
	if bufSize < 1 {
		bufSize = 16
	}
	return &Hub{
		subs:    make(map[string]*Subscriber),
		bufSize: bufSize,
	}
}

// Subscribe registers a connection authenticated as userID within clinicID
// and returns the subscriber plus a cancel function. Cancel is idempotent
// and closes the event channel, so a draining range loop terminates.
func (h *Hub) Subscribe(userID, clinicID string) (*Subscriber, func()) {
	sub := &Subscriber{
		ID:       uuid.NewString(),
		UserID:   userID,
		ClinicID: clinicID,
		C:        make(chan Event, h.bufSize),
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub.ID)
			h.mu.Unlock()
			close(sub.C)
		})
	}
	return sub, cancel
}

// Publish delivers ev to every subscriber inside the event's authorization
// scope: the owning user, or any staff connection of the owning clinic. The
// scope filter runs before enqueue, so an out-of-scope connection never
// observes the event even transiently. Publish never blocks.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !inScope(sub, ev) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			// Buffer full: drop the oldest event, then enqueue. If another
			// goroutine raced us for the slot, drop this event instead.
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- ev:
			default:
			}
			h.dropped.Add(1)
			log.Debug().
				Str("subscriber", sub.ID).
				Str("recording_id", ev.RecordingID).
				Msg("fanout buffer full, dropped oldest event")
		}
	}
}

// Subscribers reports the current connection count (for metrics and tests).
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func inScope(sub *Subscriber, ev Event) bool {
	if ev.OwnerID != "" && sub.UserID == ev.OwnerID {
		return true
	}
	return ev.ClinicID != "" && sub.ClinicID == ev.ClinicID
}
