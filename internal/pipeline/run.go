package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/broadcast"
	"github.com/MikeSquared-Agency/narrator/internal/chunkstore"
	"github.com/MikeSquared-Agency/narrator/internal/fallback"
	"github.com/MikeSquared-Agency/narrator/internal/narrate"
	"github.com/MikeSquared-Agency/narrator/internal/session"
	"github.com/MikeSquared-Agency/narrator/internal/transcribe"
)

const (
	SourceBatch    = "batch"
	SourceLive     = "live"
	SourceFallback = "fallback"
)

var (
	errNoTranscriber = errors.New("transcription backend not configured")
	errNoNarrator    = errors.New("narration backend not configured")
)

// OnFinalize closes the session's streams and runs the pipeline. It returns
// once the session is terminal. A second call for a session that is already
// finalizing or later waits for the same outcome; a call for a session that
// was evicted returns the durable outcome.
func (o *Orchestrator) OnFinalize(ctx context.Context, id string, req FinalizeRequest) (session.Outcome, error) {
	snap, ok := o.deps.Registry.Get(id)
	if !ok {
		return o.storedOutcome(ctx, id)
	}
	if len(req.Events) > 0 && !snap.Status.Terminal() {
		if err := o.RecordEvents(ctx, id, req.Events); err != nil {
			return session.Outcome{}, err
		}
	}
	if req.Metadata != nil {
		if err := o.deps.Registry.MergeMetadata(id, *req.Metadata); err != nil {
			return session.Outcome{}, err
		}
	}

	rs := o.state(id)
	rs.mu.Lock()
	next, err := o.deps.Registry.Transition(id, session.StatusCollecting, session.StatusFinalizing)
	if err != nil {
		rs.mu.Unlock()
		if next.Status != "" && next.Status != session.StatusCollecting {
			return o.deps.Registry.Wait(ctx, id)
		}
		return session.Outcome{}, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rs.cancel = cancel
	o.publishStatusLocked(id, session.StatusFinalizing)
	rs.mu.Unlock()

	slog.Info("pipeline: finalize started", "session_id", id, "chunks", next.Chunks, "expect_audio", req.ExpectAudio)
	o.mirror(id, session.StatusFinalizing, next.Version)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(runCtx, id, rs, req.ExpectAudio)
	}()

	return o.deps.Registry.Wait(ctx, id)
}

func (o *Orchestrator) storedOutcome(ctx context.Context, id string) (session.Outcome, error) {
	if o.deps.Store == nil {
		return session.Outcome{}, session.ErrNotFound
	}
	snap, err := o.GetSession(ctx, id)
	if err != nil {
		return session.Outcome{}, err
	}
	if !snap.Status.Terminal() || snap.Outcome == nil {
		return session.Outcome{}, session.ErrNotFound
	}
	return *snap.Outcome, nil
}

// run is the batch path: finalize, broadcast video, transcribe, narrate,
// commit or fall back. It stops silently whenever a transition fails, since
// that means an abort or a live result got there first.
func (o *Orchestrator) run(ctx context.Context, id string, rs *runState, expectAudio bool) {
	// 1. Close the streams.
	video, err := o.deps.Chunks.Finalize(ctx, id, chunkstore.Video)
	if err != nil {
		o.fail(id, rs, session.StatusFinalizing, fmt.Errorf("finalize video: %w", err))
		return
	}

	var audio *chunkstore.Artifact
	if expectAudio || o.deps.Chunks.ChunkCount(id, chunkstore.Audio) > 0 {
		art, err := o.deps.Chunks.Finalize(ctx, id, chunkstore.Audio)
		if err != nil {
			slog.Warn("pipeline: audio unavailable, continuing video-only", "session_id", id, "error", err)
		} else {
			audio = &art
		}
	} else {
		o.deps.Chunks.Close(id, chunkstore.Audio)
	}

	// 2. Video goes out before any transcription.
	if !o.advance(id, rs, session.StatusFinalizing, session.StatusBroadcastingVideo) {
		return
	}
	videoLoc := o.place(ctx, video)
	var audioLoc string
	if audio != nil {
		audioLoc = o.place(ctx, *audio)
	}

	// 3. A complete live result makes the batch adapters unnecessary.
	rs.mu.Lock()
	if st := o.status(id); st != session.StatusBroadcastingVideo {
		rs.mu.Unlock()
		return
	}
	rs.videoLoc, rs.audioLoc = videoLoc, audioLoc
	o.publish(id, broadcast.MessageVideo, mediaPayload{Kind: "video", Location: videoLoc, Size: video.Size, Checksum: video.Checksum})
	if rs.live != nil {
		out, ok, orphan := o.commitLiveLocked(id, rs, session.StatusBroadcastingVideo)
		rs.mu.Unlock()
		o.discardAudio(id, orphan)
		if ok {
			o.deps.Metrics.IncLiveResult("used")
			o.finish(id, rs, out)
		}
		return
	}
	version, ok := o.transitionLocked(id, session.StatusBroadcastingVideo, session.StatusTranscribing)
	rs.mu.Unlock()
	if !ok {
		return
	}
	o.mirror(id, session.StatusTranscribing, version)

	// 4. Transcribe.
	from := session.StatusTranscribing
	tr, err := o.transcribe(ctx, id, audio)
	if err != nil {
		slog.Warn("pipeline: transcription failed, using fallback", "session_id", id, "error", err)
		o.settle(id, rs, from, nil, err)
		return
	}
	rs.mu.Lock()
	rs.transcript = tr.Text
	rs.mu.Unlock()

	// 5. Narrate.
	if !o.advance(id, rs, session.StatusTranscribing, session.StatusNarrating) {
		return
	}
	from = session.StatusNarrating
	res, err := o.narrate(ctx, id, tr)
	if err != nil {
		slog.Warn("pipeline: narration failed, using fallback", "session_id", id, "error", err)
		o.settle(id, rs, from, nil, err)
		return
	}
	o.settle(id, rs, from, &res, nil)
}

// settle commits the batch result (6) or the fallback (7), unless a complete
// live result is waiting, in which case that one is committed instead.
func (o *Orchestrator) settle(id string, rs *runState, from session.Status, res *narrate.Result, cause error) {
	var audioLoc, audioObj string
	if res != nil {
		audioLoc, audioObj = o.narrationAudio(context.Background(), id, SourceBatch, *res)
	}

	rs.mu.Lock()
	if rs.live != nil {
		out, ok, orphan := o.commitLiveLocked(id, rs, from)
		rs.mu.Unlock()
		o.discardAudio(id, audioObj)
		o.discardAudio(id, orphan)
		if ok {
			o.deps.Metrics.IncLiveResult("used")
			o.finish(id, rs, out)
		}
		return
	}

	var (
		out session.Outcome
		ok  bool
	)
	if res != nil {
		out, ok = o.commitLocked(id, rs, from, commitment{
			status:       session.StatusReady,
			source:       SourceBatch,
			audioLoc:     audioLoc,
			audioFormat:  res.AudioFormat,
			instructions: res.Instructions,
		})
	} else {
		// Drained under the lock: RecordEvents takes it too, so every accepted
		// event is part of the fallback.
		out, ok = o.commitLocked(id, rs, from, commitment{
			status:       session.StatusDegraded,
			source:       SourceFallback,
			instructions: fallback.ToInstructions(o.deps.Fallback.Drain(id)),
			cause:        cause,
		})
	}
	rs.mu.Unlock()
	if !ok {
		o.discardAudio(id, audioObj)
		return
	}
	o.finish(id, rs, out)
}

func (o *Orchestrator) transcribe(ctx context.Context, id string, audio *chunkstore.Artifact) (transcribe.Transcript, error) {
	if audio == nil {
		return transcribe.Transcript{}, transcribe.ErrNoAudio
	}
	if o.deps.Transcriber == nil {
		return transcribe.Transcript{}, errNoTranscriber
	}
	start := time.Now()
	tr, err := o.deps.Transcriber.Transcribe(ctx, *audio)
	o.deps.Metrics.ObserveAdapter("transcribe", time.Since(start), err)
	if err == nil {
		slog.Info("pipeline: transcribed", "session_id", id, "words", len(tr.Words), "duration_ms", time.Since(start).Milliseconds())
	}
	return tr, err
}

func (o *Orchestrator) narrate(ctx context.Context, id string, tr transcribe.Transcript) (narrate.Result, error) {
	if o.deps.Narrator == nil {
		return narrate.Result{}, errNoNarrator
	}
	snap, _ := o.deps.Registry.Get(id)
	req := narrate.Request{
		SessionID: id,
		Text:      tr.Text,
		Words:     tr.Words,
		Events:    o.deps.Fallback.Drain(id),
		Metadata:  snap.Metadata,
	}
	start := time.Now()
	res, err := o.deps.Narrator.Narrate(ctx, req)
	o.deps.Metrics.ObserveAdapter("narrate", time.Since(start), err)
	if err == nil && len(res.Instructions) == 0 {
		err = narrate.ErrNoInstructions
	}
	if err == nil {
		slog.Info("pipeline: narrated", "session_id", id, "instructions", len(res.Instructions), "audio", res.HasAudio())
	}
	return res, err
}

// fail ends the run on an unrecoverable ingestion error.
func (o *Orchestrator) fail(id string, rs *runState, from session.Status, cause error) {
	slog.Error("pipeline: session failed", "session_id", id, "error", cause)
	rs.mu.Lock()
	out, ok := o.failLocked(id, rs, from, cause.Error())
	var orphan string
	if ok {
		orphan = rs.dropLive()
	}
	rs.mu.Unlock()
	o.discardAudio(id, orphan)
	if ok {
		o.finish(id, rs, out)
	}
}

// Abort moves a non-terminal session to failed, cancels its run and closes
// its broadcast topic. Instructions already delivered stay delivered.
func (o *Orchestrator) Abort(ctx context.Context, id, reason string) (session.Outcome, error) {
	snap, ok := o.deps.Registry.Get(id)
	if !ok {
		return session.Outcome{}, session.ErrNotFound
	}
	if snap.Status.Terminal() {
		return session.Outcome{}, fmt.Errorf("%w: session %s is already %s", session.ErrInvalidState, id, snap.Status)
	}
	if reason == "" {
		reason = "aborted"
	}

	rs := o.state(id)
	rs.mu.Lock()
	current := o.status(id)
	out, ok := o.failLocked(id, rs, current, reason)
	cancel := rs.cancel
	var orphan string
	if ok {
		orphan = rs.dropLive()
	}
	rs.mu.Unlock()
	o.discardAudio(id, orphan)
	if !ok {
		return session.Outcome{}, fmt.Errorf("%w: session %s is %s", session.ErrInvalidState, id, o.status(id))
	}
	if cancel != nil {
		cancel()
	}
	o.deps.Chunks.Close(id, chunkstore.Video)
	o.deps.Chunks.Close(id, chunkstore.Audio)

	slog.Info("pipeline: session aborted", "session_id", id, "from", current, "reason", reason)
	o.finish(id, rs, out)
	return out, nil
}

// status reads the current registry status. Callers hold rs.mu so it cannot
// move underneath them.
func (o *Orchestrator) status(id string) session.Status {
	snap, _ := o.deps.Registry.Get(id)
	return snap.Status
}
