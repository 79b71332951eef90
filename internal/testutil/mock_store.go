package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/session"
	"github.com/MikeSquared-Agency/narrator/internal/store"
)

// StatusWrite records one PersistSessionStatus call.
type StatusWrite struct {
	SessionID string
	Status    session.Status
	Metadata  json.RawMessage
}

// MockStore is a thread-safe in-memory implementation of store.SessionStore for testing.
type MockStore struct {
	mu sync.Mutex

	Sessions map[string]*store.SessionRecord
	Writes   []StatusWrite

	PersistErr error
	GetErr     error

	PersistCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{
		Sessions: make(map[string]*store.SessionRecord),
	}
}

func (m *MockStore) PersistSessionStatus(_ context.Context, sessionID string, status session.Status, metadata json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PersistCalls++
	if m.PersistErr != nil {
		return m.PersistErr
	}
	m.Writes = append(m.Writes, StatusWrite{SessionID: sessionID, Status: status, Metadata: metadata})

	now := time.Now().UTC()
	rec, ok := m.Sessions[sessionID]
	if !ok {
		rec = &store.SessionRecord{SessionID: sessionID, Metadata: json.RawMessage(`{}`), CreatedAt: now}
		m.Sessions[sessionID] = rec
	} else if rec.Status.Terminal() {
		return nil
	}
	rec.Status = status
	rec.UpdatedAt = now
	if len(metadata) > 0 {
		rec.Metadata = mergeJSON(rec.Metadata, metadata)
	}
	if status.Terminal() {
		rec.CompletedAt = &now
	}
	return nil
}

func mergeJSON(base, overlay json.RawMessage) json.RawMessage {
	a := map[string]any{}
	b := map[string]any{}
	json.Unmarshal(base, &a)
	json.Unmarshal(overlay, &b)
	for k, v := range b {
		a[k] = v
	}
	out, _ := json.Marshal(a)
	return out
}

func (m *MockStore) GetSessionMetadata(_ context.Context, sessionID string) (*store.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	rec, ok := m.Sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MockStore) ListSessions(_ context.Context, status session.Status, limit int) ([]store.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []store.SessionRecord
	for _, rec := range m.Sessions {
		if status != "" && rec.Status != status {
			continue
		}
		results = append(results, *rec)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.After(results[j].CreatedAt) })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MockStore) Close() {}

// SetSession seeds a session for testing.
func (m *MockStore) SetSession(rec store.SessionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[rec.SessionID] = &rec
}

// TerminalWrites returns the writes with a terminal status for a session.
func (m *MockStore) TerminalWrites(sessionID string) []StatusWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StatusWrite
	for _, w := range m.Writes {
		if w.SessionID == sessionID && w.Status.Terminal() {
			out = append(out, w)
		}
	}
	return out
}

// GetPersistCalls returns how many times PersistSessionStatus was called.
func (m *MockStore) GetPersistCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PersistCalls
}
