// Package pipeline drives recording sessions from chunk ingestion to a
// terminal outcome. It owns every status transition after collecting: the
// batch run started by finalize, live narration results arriving over NATS
// and explicit aborts all commit through compare-and-set transitions taken
// under a per-session lock, so exactly one of them reaches a terminal state
// and publishes its instructions.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/broadcast"
	"github.com/MikeSquared-Agency/narrator/internal/chunkstore"
	"github.com/MikeSquared-Agency/narrator/internal/events"
	"github.com/MikeSquared-Agency/narrator/internal/fallback"
	"github.com/MikeSquared-Agency/narrator/internal/metrics"
	"github.com/MikeSquared-Agency/narrator/internal/narrate"
	"github.com/MikeSquared-Agency/narrator/internal/objectstore"
	"github.com/MikeSquared-Agency/narrator/internal/session"
	"github.com/MikeSquared-Agency/narrator/internal/slack"
	"github.com/MikeSquared-Agency/narrator/internal/store"
	"github.com/MikeSquared-Agency/narrator/internal/transcribe"

	"github.com/google/uuid"
)

// Alerter is notified of sessions that end failed or degraded.
type Alerter interface {
	PostSessionAlert(ctx context.Context, alert slack.Alert) error
}

// Deps are the collaborators of the orchestrator. Transcriber, Narrator,
// Store, Alerter, Metrics and Publish may be nil.
type Deps struct {
	Registry    *session.Registry
	Chunks      *chunkstore.Store
	Objects     objectstore.Store
	Channel     *broadcast.Channel
	Fallback    *fallback.Controller
	Transcriber transcribe.Transcriber
	Narrator    narrate.Narrator
	Store       store.SessionStore
	Alerter     Alerter
	Metrics     *metrics.Metrics
	// Publish sends lifecycle events to NATS.
	Publish func(subject string, data []byte) error
}

type Config struct {
	EvictGrace      time.Duration
	JanitorInterval time.Duration
	// PersistTimeout bounds each durable store write.
	PersistTimeout time.Duration
}

const (
	DefaultEvictGrace      = 5 * time.Minute
	DefaultJanitorInterval = 30 * time.Second
	DefaultPersistTimeout  = 10 * time.Second
)

// FinalizeRequest carries what the extension sends with finalize.
type FinalizeRequest struct {
	Events      []events.InteractionEvent
	Metadata    *session.Metadata
	ExpectAudio bool
}

// runState is the per-session coordination point. mu serializes every
// registry transition after collecting together with the publishes that
// belong to it.
type runState struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	live         *narrate.Result
	liveAudio    string
	liveAudioObj string

	videoLoc   string
	audioLoc   string
	transcript string
	timeline   []events.Instruction
}

type Orchestrator struct {
	deps Deps
	cfg  Config

	mu   sync.Mutex
	runs map[string]*runState

	wg sync.WaitGroup
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Registry == nil || deps.Chunks == nil || deps.Channel == nil || deps.Fallback == nil || deps.Objects == nil {
		return nil, errors.New("pipeline: registry, chunks, objects, channel and fallback are required")
	}
	if cfg.EvictGrace <= 0 {
		cfg.EvictGrace = DefaultEvictGrace
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultJanitorInterval
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}

	o := &Orchestrator{
		deps: deps,
		cfg:  cfg,
		runs: make(map[string]*runState),
	}
	deps.Channel.SetDropHandler(func(sessionID, subscriberID string) {
		deps.Registry.RemoveSubscriber(sessionID, subscriberID)
		deps.Metrics.IncSubscriberDrops()
	})
	deps.Fallback.SetOverflowHandler(func(_ string, dropped int) {
		deps.Metrics.AddFallbackDropped(dropped)
	})
	return o, nil
}

// dropLive clears the stashed live result and returns its stored audio
// object, if any. Callers hold mu.
func (rs *runState) dropLive() string {
	obj := rs.liveAudioObj
	rs.live, rs.liveAudio, rs.liveAudioObj = nil, "", ""
	return obj
}

func (o *Orchestrator) state(id string) *runState {
	o.mu.Lock()
	defer o.mu.Unlock()
	rs, ok := o.runs[id]
	if !ok {
		rs = &runState{}
		o.runs[id] = rs
	}
	return rs
}

// Start registers a session explicitly. An empty id gets a generated UUID.
// Starting an existing session merges the metadata and reports false.
func (o *Orchestrator) Start(ctx context.Context, id string, md session.Metadata) (session.Snapshot, bool, error) {
	if id == "" {
		id = uuid.New().String()
	}
	snap, created, err := o.deps.Registry.Create(id, md)
	if err != nil {
		return session.Snapshot{}, false, err
	}
	if created {
		slog.Info("pipeline: session started", "session_id", id)
		o.mirror(id, session.StatusCollecting, snap.Version)
	}
	return snap, created, nil
}

// IngestChunk stores one media chunk, creating the session on first contact.
// It reports false for a duplicate of an already stored chunk.
func (o *Orchestrator) IngestChunk(ctx context.Context, id string, kind chunkstore.Kind, seq int64, data []byte) (bool, error) {
	snap, err := o.deps.Registry.GetOrCreate(id)
	if err != nil {
		o.deps.Metrics.IncChunkReject("invalid")
		return false, err
	}
	if snap.Status != session.StatusCollecting {
		o.deps.Metrics.IncChunkReject("stream_closed")
		return false, fmt.Errorf("%w: session %s is %s", chunkstore.ErrStreamClosed, id, snap.Status)
	}

	stored, err := o.deps.Chunks.Append(id, kind, seq, data)
	if err != nil {
		o.deps.Metrics.IncChunkReject(rejectReason(err))
		return false, err
	}
	if !stored {
		return false, nil
	}
	// Finalize may have started between the check and the append; the chunk
	// is on disk either way.
	if err := o.deps.Registry.RecordChunk(id); err != nil {
		slog.Debug("pipeline: chunk stored after collecting ended", "session_id", id, "kind", kind, "sequence", seq)
	}
	o.deps.Metrics.IncChunk(string(kind))
	return true, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, chunkstore.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, chunkstore.ErrStreamClosed):
		return "stream_closed"
	case errors.Is(err, chunkstore.ErrInvalidKind), errors.Is(err, chunkstore.ErrInvalidSeq), errors.Is(err, chunkstore.ErrInvalidSession):
		return "invalid"
	default:
		return "error"
	}
}

// RecordEvents keeps interaction events for the fallback path. Events are
// recorded under the session lock, so they either reach the fallback commit
// or are rejected once the session is terminal.
func (o *Orchestrator) RecordEvents(ctx context.Context, id string, evts []events.InteractionEvent) error {
	if _, err := o.deps.Registry.GetOrCreate(id); err != nil {
		return err
	}
	for i := range evts {
		events.NormalizeEvent(&evts[i])
	}

	rs := o.state(id)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if st := o.status(id); st.Terminal() {
		return fmt.Errorf("%w: session %s is %s", session.ErrInvalidState, id, st)
	}
	o.deps.Fallback.RecordEvents(id, evts)
	return nil
}

// Subscribe attaches a client to the session's broadcast topic.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (*broadcast.Subscription, error) {
	if _, ok := o.deps.Registry.Get(id); !ok {
		return nil, session.ErrNotFound
	}
	sub := o.deps.Channel.Subscribe(id)
	if err := o.deps.Registry.AddSubscriber(id, sub.ID); err != nil {
		o.deps.Channel.Unsubscribe(id, sub.ID)
		return nil, err
	}
	return sub, nil
}

func (o *Orchestrator) Unsubscribe(id, subscriberID string) {
	o.deps.Channel.Unsubscribe(id, subscriberID)
	o.deps.Registry.RemoveSubscriber(id, subscriberID)
}

// GetSession returns the live registry view, or the durable record once the
// session has been evicted.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (session.Snapshot, error) {
	if snap, ok := o.deps.Registry.Get(id); ok {
		return snap, nil
	}
	if o.deps.Store == nil {
		return session.Snapshot{}, session.ErrNotFound
	}
	rec, err := o.deps.Store.GetSessionMetadata(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return session.Snapshot{}, session.ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return fromRecord(*rec), nil
}

// ListSessions lists durable sessions, or the registry when no store is wired.
func (o *Orchestrator) ListSessions(ctx context.Context, status session.Status, limit int) ([]session.Snapshot, error) {
	if o.deps.Store == nil {
		var out []session.Snapshot
		for _, snap := range o.deps.Registry.List() {
			if status != "" && snap.Status != status {
				continue
			}
			out = append(out, snap)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return out, nil
	}

	recs, err := o.deps.Store.ListSessions(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]session.Snapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

// persisted is the document stored in the session's metadata column.
type persisted struct {
	Metadata   *session.Metadata    `json:"metadata,omitempty"`
	Outcome    *session.Outcome     `json:"outcome,omitempty"`
	Chunks     int                  `json:"chunks,omitempty"`
	Transcript string               `json:"transcript,omitempty"`
	Timeline   []events.Instruction `json:"timeline,omitempty"`
}

func fromRecord(rec store.SessionRecord) session.Snapshot {
	snap := session.Snapshot{
		ID:        rec.SessionID,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Persisted: true,
	}
	var doc persisted
	if len(rec.Metadata) > 0 {
		if err := json.Unmarshal(rec.Metadata, &doc); err != nil {
			slog.Warn("pipeline: undecodable session record", "session_id", rec.SessionID, "error", err)
		}
	}
	if doc.Metadata != nil {
		snap.Metadata = *doc.Metadata
	}
	snap.Outcome = doc.Outcome
	snap.Chunks = doc.Chunks
	return snap
}

// Stats is a point-in-time view for health checks and gauges.
type Stats struct {
	ActiveSessions int             `json:"active_sessions"`
	Broadcast      broadcast.Stats `json:"broadcast"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		ActiveSessions: o.deps.Registry.ActiveCount(),
		Broadcast:      o.deps.Channel.Stats(),
	}
}
