package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/session"
)

// ErrNotFound is returned when a session has never been persisted.
var ErrNotFound = errors.New("session not found in store")

// SessionRecord is the durable view of a session.
type SessionRecord struct {
	SessionID   string          `json:"session_id"`
	Status      session.Status  `json:"status"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// SessionStore is the interface consumed by the pipeline and the API.
// The concrete implementation is *Store (pgx-backed).
type SessionStore interface {
	// PersistSessionStatus upserts status and merges metadata. Once a
	// session is stored with a terminal status it is not changed again.
	PersistSessionStatus(ctx context.Context, sessionID string, status session.Status, metadata json.RawMessage) error
	GetSessionMetadata(ctx context.Context, sessionID string) (*SessionRecord, error)
	ListSessions(ctx context.Context, status session.Status, limit int) ([]SessionRecord, error)
	Close()
}
