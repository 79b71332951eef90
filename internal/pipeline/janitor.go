package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// StartJanitor evicts finished sessions every JanitorInterval until ctx ends.
func (o *Orchestrator) StartJanitor(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.Sweep()
			}
		}
	}()
}

// Sweep retries terminal writes that failed, then evicts sessions that are
// terminal, persisted and unwatched for the evict grace, and releases their
// chunks, events and replay buffer.
func (o *Orchestrator) Sweep() []string {
	for _, id := range o.deps.Registry.Unpersisted() {
		snap, ok := o.deps.Registry.Get(id)
		if !ok || snap.Outcome == nil {
			continue
		}
		if o.persist(id, o.state(id), *snap.Outcome, 1) {
			slog.Info("pipeline: terminal status persisted on retry", "session_id", id, "status", snap.Status)
		}
	}

	evicted := o.deps.Registry.Evict(o.cfg.EvictGrace)
	for _, id := range evicted {
		if err := o.deps.Chunks.Discard(id); err != nil {
			slog.Warn("pipeline: failed to discard chunks", "session_id", id, "error", err)
		}
		o.deps.Fallback.Forget(id)
		o.deps.Channel.Drop(id)

		o.mu.Lock()
		delete(o.runs, id)
		o.mu.Unlock()
	}
	if len(evicted) > 0 {
		slog.Info("pipeline: sessions evicted", "count", len(evicted))
	}
	o.deps.Metrics.SetActiveSessions(o.deps.Registry.ActiveCount())
	return evicted
}

// Wait blocks until in-flight runs, alerts and the janitor are done, or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
