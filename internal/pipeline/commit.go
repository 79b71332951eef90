package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/broadcast"
	"github.com/MikeSquared-Agency/narrator/internal/chunkstore"
	"github.com/MikeSquared-Agency/narrator/internal/events"
	"github.com/MikeSquared-Agency/narrator/internal/narrate"
	"github.com/MikeSquared-Agency/narrator/internal/session"
	"github.com/MikeSquared-Agency/narrator/internal/slack"

	"github.com/google/uuid"
)

const persistAttempts = 3

type mediaPayload struct {
	Kind     string `json:"kind"`
	Location string `json:"location"`
	Size     int64  `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Format   string `json:"format,omitempty"`
}

type statusPayload struct {
	Status session.Status `json:"status"`
	Source string         `json:"source,omitempty"`
}

// commitment is one candidate terminal result.
type commitment struct {
	status       session.Status
	source       string
	audioLoc     string
	audioFormat  string
	instructions []events.Instruction
	cause        error
}

// commitLocked moves the session into its terminal status and publishes the
// result. It reports false when another writer already moved the session,
// in which case nothing is published. Callers hold rs.mu.
func (o *Orchestrator) commitLocked(id string, rs *runState, from session.Status, c commitment) (session.Outcome, bool) {
	if _, err := o.deps.Registry.Transition(id, from, c.status); err != nil {
		slog.Info("pipeline: commit lost", "session_id", id, "source", c.source, "error", err)
		return session.Outcome{}, false
	}

	if c.audioLoc != "" {
		o.publish(id, broadcast.MessageAudio, mediaPayload{Kind: "narration", Location: c.audioLoc, Format: c.audioFormat})
	}
	for _, ins := range c.instructions {
		o.publish(id, broadcast.MessageInstruction, ins)
	}
	o.publish(id, broadcast.MessageStatus, statusPayload{Status: c.status, Source: c.source})
	o.deps.Channel.Close(id)

	rs.timeline = c.instructions
	out := session.Outcome{
		SessionID:      id,
		Status:         c.status,
		Source:         c.source,
		VideoLocation:  rs.videoLoc,
		AudioLocation:  rs.audioLoc,
		NarrationAudio: c.audioLoc,
		Instructions:   len(c.instructions),
	}
	if c.cause != nil {
		out.Error = c.cause.Error()
	}
	slog.Info("pipeline: session committed",
		"session_id", id,
		"status", c.status,
		"source", c.source,
		"instructions", len(c.instructions),
	)
	return out, true
}

// commitLiveLocked commits the stashed live result. When the commit is lost
// it also returns the live audio object, which the caller discards after
// releasing the lock. Callers hold rs.mu.
func (o *Orchestrator) commitLiveLocked(id string, rs *runState, from session.Status) (session.Outcome, bool, string) {
	live, audioLoc := rs.live, rs.liveAudio
	obj := rs.dropLive()
	out, ok := o.commitLocked(id, rs, from, commitment{
		status:       session.StatusReady,
		source:       SourceLive,
		audioLoc:     audioLoc,
		audioFormat:  live.AudioFormat,
		instructions: live.Instructions,
	})
	if !ok {
		return out, false, obj
	}
	return out, true, ""
}

// failLocked moves the session to failed and ends its topic with an error
// instruction. Callers hold rs.mu.
func (o *Orchestrator) failLocked(id string, rs *runState, from session.Status, reason string) (session.Outcome, bool) {
	if _, err := o.deps.Registry.Transition(id, from, session.StatusFailed); err != nil {
		slog.Info("pipeline: failure not recorded, session moved on", "session_id", id, "error", err)
		return session.Outcome{}, false
	}
	o.publish(id, broadcast.MessageError, events.Instruction{Type: events.InstructionError, Text: reason})
	o.publish(id, broadcast.MessageStatus, statusPayload{Status: session.StatusFailed})
	o.deps.Channel.Close(id)

	return session.Outcome{
		SessionID:     id,
		Status:        session.StatusFailed,
		VideoLocation: rs.videoLoc,
		Error:         reason,
	}, true
}

// transitionLocked performs an intermediate transition. Callers hold rs.mu.
func (o *Orchestrator) transitionLocked(id string, from, to session.Status) (uint64, bool) {
	snap, err := o.deps.Registry.Transition(id, from, to)
	if err != nil {
		slog.Info("pipeline: run superseded", "session_id", id, "from", from, "to", to, "error", err)
		return 0, false
	}
	o.publishStatusLocked(id, to)
	return snap.Version, true
}

func (o *Orchestrator) advance(id string, rs *runState, from, to session.Status) bool {
	rs.mu.Lock()
	version, ok := o.transitionLocked(id, from, to)
	rs.mu.Unlock()
	if ok {
		o.mirror(id, to, version)
	}
	return ok
}

func (o *Orchestrator) publishStatusLocked(id string, st session.Status) {
	o.publish(id, broadcast.MessageStatus, statusPayload{Status: st})
}

// publish never fails the pipeline.
func (o *Orchestrator) publish(id string, typ broadcast.MessageType, payload any) {
	if _, err := o.deps.Channel.Publish(id, typ, payload); err != nil {
		if errors.Is(err, broadcast.ErrTopicClosed) {
			slog.Debug("pipeline: topic closed, message not published", "session_id", id, "type", typ)
			return
		}
		slog.Warn("pipeline: publish failed", "session_id", id, "type", typ, "error", err)
	}
}

// place stores an artifact and returns its reference. The local artifact
// path is used when the object store rejects it.
func (o *Orchestrator) place(ctx context.Context, art chunkstore.Artifact) string {
	loc, err := o.deps.Objects.Put(ctx, art)
	if err != nil {
		slog.Warn("pipeline: object store put failed, using local path", "session_id", art.SessionID, "kind", art.Kind, "error", err)
		return art.Path
	}
	return loc.Ref
}

// narrationAudio returns a reference for a candidate's narration audio and
// the object it was stored under, storing inline bytes first. Every candidate
// gets its own object, so only the committed result's audio is ever
// referenced. Both are empty when there is no audio; the client then keeps
// the recording's own audio.
func (o *Orchestrator) narrationAudio(ctx context.Context, id, source string, res narrate.Result) (ref, obj string) {
	if res.AudioRef != "" {
		return res.AudioRef, ""
	}
	if len(res.Audio) == 0 {
		return "", ""
	}
	format := res.AudioFormat
	if format == "" {
		format = "mp3"
	}
	name := fmt.Sprintf("narration-%s-%s.%s", source, uuid.NewString(), format)
	loc, err := o.deps.Objects.PutBytes(ctx, id, name, res.Audio)
	if err != nil {
		slog.Warn("pipeline: failed to store narration audio", "session_id", id, "source", source, "error", err)
		return "", ""
	}
	return loc.Ref, name
}

// discardAudio removes narration audio of a candidate that was not committed.
func (o *Orchestrator) discardAudio(id, obj string) {
	if obj == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.deps.Objects.Delete(ctx, id, obj); err != nil {
		slog.Warn("pipeline: failed to discard narration audio", "session_id", id, "object", obj, "error", err)
	}
}

// finish runs once per session, by whoever committed the terminal status.
func (o *Orchestrator) finish(id string, rs *runState, out session.Outcome) {
	o.persist(id, rs, out, persistAttempts)
	if err := o.deps.Registry.Finish(id, out); err != nil {
		slog.Error("pipeline: failed to record outcome", "session_id", id, "error", err)
	}
	o.deps.Metrics.IncSessionFinished(string(out.Status), out.Source)

	snap, _ := o.deps.Registry.Get(id)
	o.lifecycle(id, out.Status, snap.Version, out.Source)

	if out.Status == session.StatusFailed || out.Status == session.StatusDegraded {
		o.alert(slack.Alert{SessionID: id, Status: string(out.Status), Source: out.Source, Reason: out.Error})
	}
}

// persist writes the terminal status and metadata. The registry hands the
// write to one caller at a time and marks the session persisted only when it
// succeeds, so the janitor retries failed writes before the session can be
// evicted.
func (o *Orchestrator) persist(id string, rs *runState, out session.Outcome, attempts int) bool {
	if !o.deps.Registry.ClaimPersist(id) {
		return false
	}
	if o.deps.Store == nil {
		o.deps.Registry.PersistDone(id, true)
		return true
	}

	snap, _ := o.deps.Registry.Get(id)
	rs.mu.Lock()
	doc := persisted{
		Metadata:   &snap.Metadata,
		Outcome:    &out,
		Chunks:     snap.Chunks,
		Transcript: rs.transcript,
		Timeline:   rs.timeline,
	}
	rs.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		slog.Error("pipeline: encode session record", "session_id", id, "error", err)
		o.deps.Registry.PersistDone(id, false)
		return false
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
		err = o.deps.Store.PersistSessionStatus(ctx, id, out.Status, data)
		cancel()
		if err == nil {
			o.deps.Registry.PersistDone(id, true)
			return true
		}
		slog.Warn("pipeline: persist attempt failed", "session_id", id, "attempt", attempt, "error", err)
		if attempt < attempts {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
	}
	o.deps.Registry.PersistDone(id, false)
	slog.Error("pipeline: failed to persist terminal status", "session_id", id, "status", out.Status, "error", err)
	return false
}

// mirror records an intermediate status durably and on NATS, best effort.
func (o *Orchestrator) mirror(id string, st session.Status, version uint64) {
	if o.deps.Store != nil {
		snap, _ := o.deps.Registry.Get(id)
		data, _ := json.Marshal(persisted{Metadata: &snap.Metadata, Chunks: snap.Chunks})
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
		if err := o.deps.Store.PersistSessionStatus(ctx, id, st, data); err != nil {
			slog.Warn("pipeline: failed to mirror status", "session_id", id, "status", st, "error", err)
		}
		cancel()
	}
	o.lifecycle(id, st, version, "")
}

type lifecycleEvent struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Version   uint64         `json:"version"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (o *Orchestrator) lifecycle(id string, st session.Status, version uint64, source string) {
	if o.deps.Publish == nil {
		return
	}
	data, _ := json.Marshal(lifecycleEvent{
		SessionID: id,
		Status:    st,
		Version:   version,
		Source:    source,
		Timestamp: time.Now().UTC(),
	})
	if err := o.deps.Publish(fmt.Sprintf("narrator.session.%s.status", id), data); err != nil {
		slog.Warn("pipeline: failed to publish lifecycle event", "session_id", id, "status", st, "error", err)
	}
}

func (o *Orchestrator) alert(a slack.Alert) {
	if o.deps.Alerter == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := o.deps.Alerter.PostSessionAlert(ctx, a); err != nil {
			slog.Warn("pipeline: slack alert failed", "session_id", a.SessionID, "error", err)
		}
	}()
}
