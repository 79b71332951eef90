package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/broadcast"

	"github.com/go-chi/chi/v5"
)

// handleStream serves a session's broadcast as Server-Sent Events. The
// retained messages are replayed first; a Last-Event-ID header skips what
// the client already has. The stream ends with an "end" event when the
// session's topic closes, or an "overflow" event when the client fell
// behind and was dropped.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	var lastID uint64
	if h := r.Header.Get("Last-Event-ID"); h != "" {
		lastID, _ = strconv.ParseUint(h, 10, 64)
	}

	sub, err := s.pipeline.Subscribe(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.pipeline.Unsubscribe(id, sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					slog.Warn("api: stream subscriber dropped", "session_id", id, "subscriber_id", sub.ID, "error", err)
					fmt.Fprintf(w, "event: overflow\ndata: {\"error\":%q}\n\n", err.Error())
				} else {
					fmt.Fprint(w, "event: end\ndata: {}\n\n")
				}
				flusher.Flush()
				return
			}
			if msg.Sequence <= lastID {
				continue
			}
			if err := writeEvent(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, msg broadcast.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Sequence, msg.Type, data)
	return err
}
