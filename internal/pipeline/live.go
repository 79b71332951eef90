package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/narrator/internal/narrate"
	"github.com/MikeSquared-Agency/narrator/internal/session"
)

// SubmitLiveResult accepts a narration produced by the real-time pipeline.
//
// Partial results are ignored. A complete result for a session that is
// transcribing or narrating commits immediately and cancels the batch
// adapters; earlier it is stashed and the batch run commits it at its next
// decision point. Results for terminal sessions fail with ErrInvalidState.
func (o *Orchestrator) SubmitLiveResult(ctx context.Context, id string, res narrate.Result) error {
	snap, ok := o.deps.Registry.Get(id)
	if !ok {
		return session.ErrNotFound
	}
	if snap.Status.Terminal() {
		o.deps.Metrics.IncLiveResult("stale")
		return fmt.Errorf("%w: session %s is already %s", session.ErrInvalidState, id, snap.Status)
	}
	if res.Partial {
		o.deps.Metrics.IncLiveResult("partial")
		slog.Debug("pipeline: partial live result ignored", "session_id", id, "instructions", len(res.Instructions))
		return nil
	}
	if len(res.Instructions) == 0 {
		o.deps.Metrics.IncLiveResult("rejected")
		return narrate.ErrNoInstructions
	}

	audioLoc, audioObj := o.narrationAudio(ctx, id, SourceLive, res)

	rs := o.state(id)
	rs.mu.Lock()
	switch st := o.status(id); {
	case st.Terminal():
		rs.mu.Unlock()
		o.discardAudio(id, audioObj)
		o.deps.Metrics.IncLiveResult("stale")
		return fmt.Errorf("%w: session %s is already %s", session.ErrInvalidState, id, st)

	case st == session.StatusTranscribing || st == session.StatusNarrating:
		prev := rs.dropLive()
		rs.live, rs.liveAudio, rs.liveAudioObj = &res, audioLoc, audioObj
		out, committed, orphan := o.commitLiveLocked(id, rs, st)
		cancel := rs.cancel
		rs.mu.Unlock()
		o.discardAudio(id, prev)
		if !committed {
			o.discardAudio(id, orphan)
			return fmt.Errorf("%w: session %s moved on", session.ErrInvalidState, id)
		}
		if cancel != nil {
			cancel()
		}
		o.deps.Metrics.IncLiveResult("committed")
		slog.Info("pipeline: live result committed", "session_id", id, "preempted", st)
		o.finish(id, rs, out)
		return nil

	default:
		prev := rs.dropLive()
		rs.live, rs.liveAudio, rs.liveAudioObj = &res, audioLoc, audioObj
		rs.mu.Unlock()
		o.discardAudio(id, prev)
		o.deps.Metrics.IncLiveResult("stashed")
		slog.Info("pipeline: live result stashed", "session_id", id, "status", st)
		return nil
	}
}
