package fallback

import (
	"log/slog"
	"sync"

	"github.com/MikeSquared-Agency/narrator/internal/events"
)

const DefaultMaxEvents = 5000

// Controller keeps each session's raw interaction events in arrival order as
// the last-resort instruction source. Buffers are bounded; the oldest events
// are dropped first.
type Controller struct {
	maxEvents  int
	onOverflow func(sessionID string, dropped int)

	mu       sync.Mutex
	sessions map[string][]events.InteractionEvent
}

func New(maxEvents int) *Controller {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Controller{
		maxEvents: maxEvents,
		sessions:  make(map[string][]events.InteractionEvent),
	}
}

// SetOverflowHandler sets the function notified when events are dropped.
func (c *Controller) SetOverflowHandler(fn func(sessionID string, dropped int)) {
	c.onOverflow = fn
}

// RecordEvents appends events for a session.
func (c *Controller) RecordEvents(sessionID string, evts []events.InteractionEvent) {
	if len(evts) == 0 {
		return
	}

	c.mu.Lock()
	buf := append(c.sessions[sessionID], evts...)
	dropped := 0
	if len(buf) > c.maxEvents {
		dropped = len(buf) - c.maxEvents
		buf = append([]events.InteractionEvent(nil), buf[dropped:]...)
	}
	c.sessions[sessionID] = buf
	c.mu.Unlock()

	if dropped > 0 {
		slog.Warn("fallback buffer overflow, dropping oldest events",
			"session_id", sessionID,
			"dropped", dropped,
			"buffer_size", c.maxEvents,
		)
		if c.onOverflow != nil {
			c.onOverflow(sessionID, dropped)
		}
	}
}

// Drain returns a copy of the session's events. It does not clear them.
func (c *Controller) Drain(sessionID string) []events.InteractionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := c.sessions[sessionID]
	if len(buf) == 0 {
		return nil
	}
	out := make([]events.InteractionEvent, len(buf))
	copy(out, buf)
	return out
}

// Forget drops a session's events.
func (c *Controller) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// Len returns the number of buffered events for a session.
func (c *Controller) Len(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions[sessionID])
}

// ToInstructions converts events 1:1 into fallback instructions ordered by
// timestamp. Events with equal timestamps keep their arrival order.
func ToInstructions(evts []events.InteractionEvent) []events.Instruction {
	sorted := make([]events.InteractionEvent, len(evts))
	copy(sorted, evts)
	events.SortByTimestamp(sorted)

	out := make([]events.Instruction, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, events.FromEvent(e))
	}
	return out
}
