package session

import (
	"errors"
	"regexp"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/events"
)

var (
	// ErrInvalidState is returned for illegal or stale status transitions.
	ErrInvalidState = errors.New("invalid session state")
	// ErrNotFound is returned when the session is not in the registry.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidID is returned for ids that are empty or unsafe as path components.
	ErrInvalidID = errors.New("invalid session id")
)

type Status string

const (
	StatusCollecting        Status = "collecting"
	StatusFinalizing        Status = "finalizing"
	StatusBroadcastingVideo Status = "broadcasting_video"
	StatusTranscribing      Status = "transcribing"
	StatusNarrating         Status = "narrating"
	StatusReady             Status = "ready"
	StatusDegraded          Status = "degraded"
	StatusFailed            Status = "failed"
)

// transitions lists the allowed targets for each status.
var transitions = map[Status][]Status{
	StatusCollecting:        {StatusFinalizing, StatusFailed},
	StatusFinalizing:        {StatusBroadcastingVideo, StatusFailed},
	StatusBroadcastingVideo: {StatusTranscribing, StatusNarrating, StatusReady, StatusDegraded, StatusFailed},
	StatusTranscribing:      {StatusNarrating, StatusReady, StatusDegraded, StatusFailed},
	StatusNarrating:         {StatusReady, StatusDegraded, StatusFailed},
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusDegraded || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Metadata is what the extension tells us about a recording.
type Metadata struct {
	SourceURL string          `json:"source_url,omitempty"`
	Viewport  events.Viewport `json:"viewport"`
	UserID    string          `json:"user_id,omitempty"`
	StartTime int64           `json:"start_time,omitempty"`
	EndTime   int64           `json:"end_time,omitempty"`
	Extra     map[string]any  `json:"extra,omitempty"`
}

// Merge overlays the non-zero fields of other onto m.
func (m Metadata) Merge(other Metadata) Metadata {
	if other.SourceURL != "" {
		m.SourceURL = other.SourceURL
	}
	if other.Viewport.Width != 0 || other.Viewport.Height != 0 {
		m.Viewport = other.Viewport
	}
	if other.UserID != "" {
		m.UserID = other.UserID
	}
	if other.StartTime != 0 {
		m.StartTime = other.StartTime
	}
	if other.EndTime != 0 {
		m.EndTime = other.EndTime
	}
	if len(other.Extra) > 0 {
		merged := make(map[string]any, len(m.Extra)+len(other.Extra))
		for k, v := range m.Extra {
			merged[k] = v
		}
		for k, v := range other.Extra {
			merged[k] = v
		}
		m.Extra = merged
	}
	return m
}

// Outcome is the terminal result of a pipeline run, shared by every caller
// waiting on the same session.
type Outcome struct {
	SessionID      string `json:"session_id"`
	Status         Status `json:"status"`
	Source         string `json:"source,omitempty"` // batch | live | fallback
	VideoLocation  string `json:"video_location,omitempty"`
	AudioLocation  string `json:"audio_location,omitempty"`
	NarrationAudio string `json:"narration_audio,omitempty"`
	Instructions   int    `json:"instructions"`
	Error          string `json:"error,omitempty"`
}

// Snapshot is a read-only copy of a session's registry state.
type Snapshot struct {
	ID          string    `json:"session_id"`
	Status      Status    `json:"status"`
	Version     uint64    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Metadata    Metadata  `json:"metadata"`
	Chunks      int       `json:"chunks"`
	Subscribers int       `json:"subscribers"`
	Outcome     *Outcome  `json:"outcome,omitempty"`
	Persisted   bool      `json:"persisted"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects ids that cannot be used as a storage key.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}
