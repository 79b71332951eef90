package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type entry struct {
	id          string
	status      Status
	version     uint64
	createdAt   time.Time
	updatedAt   time.Time
	terminalAt  time.Time
	unwatchedAt time.Time
	metadata    Metadata
	chunks      int
	subscribers map[string]struct{}
	outcome     *Outcome
	done        chan struct{}
	persisting  bool
	persisted   bool
}

func (e *entry) snapshot() Snapshot {
	s := Snapshot{
		ID:          e.id,
		Status:      e.status,
		Version:     e.version,
		CreatedAt:   e.createdAt,
		UpdatedAt:   e.updatedAt,
		Metadata:    e.metadata,
		Chunks:      e.chunks,
		Subscribers: len(e.subscribers),
		Persisted:   e.persisted,
	}
	if e.outcome != nil {
		o := *e.outcome
		s.Outcome = &o
	}
	return s
}

// Registry is the authoritative in-memory state of active sessions. All
// status changes go through Transition, which is compare-and-set on the
// current status. The registry performs no I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

func (r *Registry) newEntryLocked(id string) *entry {
	now := r.now().UTC()
	e := &entry{
		id:          id,
		status:      StatusCollecting,
		createdAt:   now,
		updatedAt:   now,
		subscribers: make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	r.sessions[id] = e
	return e
}

// Create registers a session on an explicit start signal. Starting a session
// that already exists merges the metadata and reports created=false.
func (r *Registry) Create(id string, md Metadata) (Snapshot, bool, error) {
	if err := ValidateID(id); err != nil {
		return Snapshot{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[id]; ok {
		e.metadata = e.metadata.Merge(md)
		return e.snapshot(), false, nil
	}
	e := r.newEntryLocked(id)
	e.metadata = md
	return e.snapshot(), true, nil
}

// GetOrCreate returns the session, creating it in collecting state on first sight.
func (r *Registry) GetOrCreate(id string) (Snapshot, error) {
	if err := ValidateID(id); err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		e = r.newEntryLocked(id)
	}
	return e.snapshot(), nil
}

func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of every session, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of sessions not yet in a terminal state.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.sessions {
		if !e.status.Terminal() {
			n++
		}
	}
	return n
}

// RecordChunk counts an accepted chunk. Only collecting sessions accept chunks.
func (r *Registry) RecordChunk(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if e.status != StatusCollecting {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidState, id, e.status)
	}
	e.chunks++
	e.updatedAt = r.now().UTC()
	return nil
}

func (r *Registry) MergeMetadata(id string, md Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.metadata = e.metadata.Merge(md)
	e.updatedAt = r.now().UTC()
	return nil
}

// Transition moves the session from `from` to `to`. It fails with
// ErrInvalidState when the session is no longer in `from` (another writer got
// there first) or when the edge is not part of the state machine. Finalizing
// requires at least one accepted chunk.
func (r *Registry) Transition(id string, from, to Status) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if e.status != from {
		return e.snapshot(), fmt.Errorf("%w: session %s is %s, expected %s", ErrInvalidState, id, e.status, from)
	}
	if !CanTransition(from, to) {
		return e.snapshot(), fmt.Errorf("%w: %s -> %s not allowed", ErrInvalidState, from, to)
	}
	if from == StatusCollecting && to == StatusFinalizing && e.chunks == 0 {
		return e.snapshot(), fmt.Errorf("%w: session %s has no chunks", ErrInvalidState, id)
	}

	now := r.now().UTC()
	e.status = to
	e.version++
	e.updatedAt = now
	if to.Terminal() {
		e.terminalAt = now
	}
	return e.snapshot(), nil
}

// Finish records the outcome of a terminal session and releases every Wait
// caller. It can be called once per session.
func (r *Registry) Finish(id string, out Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !e.status.Terminal() {
		return fmt.Errorf("%w: session %s is %s, not terminal", ErrInvalidState, id, e.status)
	}
	if e.outcome != nil {
		return fmt.Errorf("%w: session %s already finished", ErrInvalidState, id)
	}
	out.SessionID = id
	out.Status = e.status
	e.outcome = &out
	close(e.done)
	return nil
}

// Wait blocks until the session has an outcome or ctx ends.
func (r *Registry) Wait(ctx context.Context, id string) (Outcome, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	var done chan struct{}
	if ok {
		done = e.done
	}
	r.mu.RUnlock()
	if !ok {
		return Outcome{}, ErrNotFound
	}

	select {
	case <-done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return *e.outcome, nil
}

// ClaimPersist hands out the terminal write. It reports false while another
// caller holds the claim, once the write has succeeded, and for sessions that
// are not terminal. The holder reports back with PersistDone.
func (r *Registry) ClaimPersist(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok || e.persisted || e.persisting || !e.status.Terminal() {
		return false
	}
	e.persisting = true
	return true
}

// PersistDone releases the claim. Only a successful write marks the session
// persisted; after a failure the session can be claimed again.
func (r *Registry) PersistDone(id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, found := r.sessions[id]; found {
		e.persisting = false
		if ok {
			e.persisted = true
		}
	}
}

// Unpersisted lists finished sessions whose terminal write has not succeeded
// and is not in progress.
func (r *Registry) Unpersisted() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.sessions {
		if e.status.Terminal() && e.outcome != nil && !e.persisted && !e.persisting {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) AddSubscriber(id, subID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.subscribers[subID] = struct{}{}
	return nil
}

func (r *Registry) RemoveSubscriber(id, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return
	}
	if _, watched := e.subscribers[subID]; !watched {
		return
	}
	delete(e.subscribers, subID)
	if len(e.subscribers) == 0 {
		e.unwatchedAt = r.now().UTC()
	}
}

// Evict drops terminal sessions that are persisted and have no subscribers,
// once grace has passed since they became terminal and since their last
// subscriber left. It returns the evicted ids.
func (r *Registry) Evict(grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	var evicted []string
	for id, e := range r.sessions {
		if !e.status.Terminal() || !e.persisted || e.outcome == nil || len(e.subscribers) > 0 {
			continue
		}
		since := e.terminalAt
		if e.unwatchedAt.After(since) {
			since = e.unwatchedAt
		}
		if now.Sub(since) < grace {
			continue
		}
		delete(r.sessions, id)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}
