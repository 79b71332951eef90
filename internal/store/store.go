package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/narrator/internal/session"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS narrator_sessions (
	session_id   TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	metadata     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS narrator_sessions_status_idx ON narrator_sessions (status, created_at DESC);
`

// EnsureSchema creates the sessions table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// PersistSessionStatus upserts the session row. Metadata is merged into the
// stored document. Rows already in a terminal status are left untouched, so
// a late intermediate mirror cannot overwrite the final state.
func (s *Store) PersistSessionStatus(ctx context.Context, sessionID string, status session.Status, metadata json.RawMessage) error {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO narrator_sessions (session_id, status, metadata, completed_at)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			status       = EXCLUDED.status,
			metadata     = narrator_sessions.metadata || EXCLUDED.metadata,
			completed_at = COALESCE(EXCLUDED.completed_at, narrator_sessions.completed_at),
			updated_at   = now()
		WHERE narrator_sessions.status NOT IN ('ready', 'degraded', 'failed')
	`, sessionID, string(status), []byte(metadata), completedAt)
	if err != nil {
		return fmt.Errorf("persist session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		slog.Debug("session already terminal in store, skipping write", "session_id", sessionID, "status", status)
	}
	return nil
}

func (s *Store) GetSessionMetadata(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, status, metadata, created_at, updated_at, completed_at
		FROM narrator_sessions WHERE session_id = $1
	`, sessionID)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return rec, nil
}

// ListSessions returns sessions newest first, optionally filtered by status.
func (s *Store) ListSessions(ctx context.Context, status session.Status, limit int) ([]SessionRecord, error) {
	q := `SELECT session_id, status, metadata, created_at, updated_at, completed_at FROM narrator_sessions`
	var args []any
	argN := 1

	if status != "" {
		q += fmt.Sprintf(` WHERE status = $%d`, argN)
		args = append(args, string(status))
		argN++
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, argN)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *rec)
	}
	return results, rows.Err()
}

func scanRecord(row pgx.Row) (*SessionRecord, error) {
	var (
		rec    SessionRecord
		status string
		md     []byte
	)
	if err := row.Scan(&rec.SessionID, &status, &md, &rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt); err != nil {
		return nil, err
	}
	rec.Status = session.Status(status)
	rec.Metadata = json.RawMessage(md)
	return &rec, nil
}
