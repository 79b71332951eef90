package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/chunkstore"
	"github.com/MikeSquared-Agency/narrator/internal/events"
	"github.com/MikeSquared-Agency/narrator/internal/logger"
	"github.com/MikeSquared-Agency/narrator/internal/metrics"
	"github.com/MikeSquared-Agency/narrator/internal/objectstore"
	"github.com/MikeSquared-Agency/narrator/internal/pipeline"
	"github.com/MikeSquared-Agency/narrator/internal/session"
	"github.com/MikeSquared-Agency/narrator/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultMaxChunkBytes = 32 << 20
	defaultHeartbeat     = 15 * time.Second
)

type Options struct {
	Port    int
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Media serves signed artifact URLs under /media when set.
	Media *objectstore.Local
	// Gauges runs before every metrics scrape.
	Gauges        func()
	MaxChunkBytes int64
	Heartbeat     time.Duration
}

type Server struct {
	pipeline *pipeline.Orchestrator
	media    *objectstore.Local
	router   chi.Router
	port     int
	http     *http.Server

	maxChunkBytes int64
	heartbeat     time.Duration
}

func NewServer(p *pipeline.Orchestrator, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = defaultMaxChunkBytes
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	srv := &Server{
		pipeline:      p,
		media:         opts.Media,
		port:          opts.Port,
		maxChunkBytes: opts.MaxChunkBytes,
		heartbeat:     opts.Heartbeat,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.RequestMiddleware(opts.Metrics))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", srv.handleStartSession)
			r.Get("/", srv.handleListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", srv.handleGetSession)
				r.Put("/streams/{kind}/chunks/{seq}", srv.handlePutChunk)
				r.Post("/events", srv.handleRecordEvents)
				r.Post("/finalize", srv.handleFinalize)
				r.Post("/abort", srv.handleAbort)
				r.Get("/stream", srv.handleStream)
			})
		})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler(opts.Gauges))
	}
	if opts.Media != nil {
		r.Get("/media/{sessionID}/{name}", srv.handleMedia)
	}

	srv.router = r
	return srv
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("starting HTTP API", "addr", addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.pipeline.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"service":         "narrator",
		"active_sessions": stats.ActiveSessions,
		"broadcast":       stats.Broadcast,
	})
}

type startRequest struct {
	SessionID string           `json:"session_id"`
	Metadata  session.Metadata `json:"metadata"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	snap, created, err := s.pipeline.Start(r.Context(), req.SessionID, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"session_id": snap.ID,
		"status":     snap.Status,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := session.Status(r.URL.Query().Get("status"))
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	list, err := s.pipeline.ListSessions(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []session.Snapshot{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pipeline.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	kind, err := chunkstore.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %s", chunkstore.ErrInvalidSeq, chi.URLParam(r, "seq")))
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxChunkBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "chunk too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read chunk"})
		return
	}

	stored, err := s.pipeline.IngestChunk(r.Context(), id, kind, seq, data)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if !stored {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"session_id": id,
		"kind":       kind,
		"sequence":   seq,
		"stored":     stored,
	})
}

func (s *Server) handleRecordEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	evts, err := events.Normalize(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.pipeline.RecordEvents(r.Context(), id, evts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "recorded": len(evts)})
}

type finalizeRequest struct {
	Events      []events.InteractionEvent `json:"events"`
	Metadata    *session.Metadata         `json:"metadata"`
	ExpectAudio bool                      `json:"expect_audio"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	out, err := s.pipeline.OnFinalize(r.Context(), chi.URLParam(r, "sessionID"), pipeline.FinalizeRequest{
		Events:      req.Events,
		Metadata:    req.Metadata,
		ExpectAudio: req.ExpectAudio,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	out, err := s.pipeline.Abort(r.Context(), chi.URLParam(r, "sessionID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	name := chi.URLParam(r, "name")
	q := r.URL.Query()
	if err := s.media.Verify(id, name, q.Get("expires"), q.Get("sig")); err != nil {
		writeError(w, err)
		return
	}
	path, err := s.media.Path(id, name)
	if err != nil {
		writeError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

// decodeOptional decodes a JSON body if there is one.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	var missing *chunkstore.MissingChunkError
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &missing):
		status = http.StatusUnprocessableEntity
		body["kind"] = missing.Kind
		body["sequence"] = missing.Sequence
	case errors.Is(err, chunkstore.ErrEmptyStream):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, chunkstore.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, chunkstore.ErrStreamClosed), errors.Is(err, session.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, objectstore.ErrNotFound), errors.Is(err, chunkstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, chunkstore.ErrInvalidKind),
		errors.Is(err, chunkstore.ErrInvalidSeq), errors.Is(err, chunkstore.ErrInvalidSession),
		errors.Is(err, objectstore.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, objectstore.ErrBadSignature):
		status = http.StatusForbidden
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		body["error"] = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
