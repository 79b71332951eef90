package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/api"
	"github.com/MikeSquared-Agency/narrator/internal/broadcast"
	"github.com/MikeSquared-Agency/narrator/internal/chunkstore"
	"github.com/MikeSquared-Agency/narrator/internal/config"
	"github.com/MikeSquared-Agency/narrator/internal/fallback"
	"github.com/MikeSquared-Agency/narrator/internal/ingester"
	"github.com/MikeSquared-Agency/narrator/internal/logger"
	"github.com/MikeSquared-Agency/narrator/internal/metrics"
	"github.com/MikeSquared-Agency/narrator/internal/narrate"
	"github.com/MikeSquared-Agency/narrator/internal/objectstore"
	"github.com/MikeSquared-Agency/narrator/internal/pipeline"
	"github.com/MikeSquared-Agency/narrator/internal/session"
	slackalert "github.com/MikeSquared-Agency/narrator/internal/slack"
	"github.com/MikeSquared-Agency/narrator/internal/store"
	"github.com/MikeSquared-Agency/narrator/internal/transcribe"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	slog.Info("narrator starting",
		"port", cfg.Port,
		"nats_url", cfg.NatsURL,
		"chunk_root", cfg.ChunkRoot,
		"media_root", cfg.MediaRoot,
		"transcribe_backend", cfg.TranscribeBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Connect to the session store. Without DATABASE_URL sessions
	// live only in memory until eviction.
	var sessions store.SessionStore
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		sessions = db
		slog.Info("database connected")
	} else {
		slog.Warn("DATABASE_URL not set, sessions are not persisted")
	}

	// Step 2: Chunk and media storage.
	chunks, err := chunkstore.New(chunkstore.Config{
		Root:                cfg.ChunkRoot,
		MaxChunksPerSession: cfg.MaxChunksPerSession,
		EmptyGrace:          cfg.EmptyStreamGrace,
	})
	if err != nil {
		slog.Error("failed to open chunk store", "error", err)
		os.Exit(1)
	}
	media, err := objectstore.NewLocal(objectstore.LocalConfig{
		Root:    cfg.MediaRoot,
		BaseURL: cfg.MediaBaseURL,
		Secret:  cfg.MediaSecret,
		TTL:     cfg.MediaURLTTL,
	})
	if err != nil {
		slog.Error("failed to open media store", "error", err)
		os.Exit(1)
	}

	// Step 3: Connect to NATS. The connection carries live results in and
	// lifecycle events and broadcast mirrors out.
	ing, err := ingester.New(cfg.NatsURL)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer ing.Close()

	channel := broadcast.New(broadcast.Config{
		ReplayMax: cfg.BroadcastReplayMax,
		Retention: cfg.BroadcastRetention,
		QueueSize: cfg.BroadcastQueueSize,
	})
	channel.SetMirror(ing.Publish)

	// Step 4: Adapters.
	var transcriber transcribe.Transcriber
	switch cfg.TranscribeBackend {
	case "deepgram":
		if cfg.TranscribeAPIKey == "" {
			slog.Warn("TRANSCRIBE_API_KEY not set, transcription disabled")
			break
		}
		transcriber = transcribe.WithTimeout(transcribe.NewDeepgram(cfg.TranscribeAPIKey, cfg.TranscribeModel), "deepgram", cfg.TranscribeTimeout)
	case "http":
		transcriber = transcribe.WithTimeout(transcribe.NewHTTP(cfg.TranscribeURL, cfg.TranscribeAPIKey, cfg.TranscribeModel), "http", cfg.TranscribeTimeout)
	default:
		slog.Warn("transcription disabled", "backend", cfg.TranscribeBackend)
	}

	var narrator narrate.Narrator
	if cfg.NarrateURL != "" {
		narrator = narrate.WithTimeout(narrate.NewHTTP(cfg.NarrateURL, cfg.NarrateAPIKey), "http", cfg.NarrateTimeout)
	} else {
		slog.Warn("NARRATE_URL not set, every session will use fallback narration")
	}

	// Conditionally create Slack alerter for failed and degraded sessions.
	var alerter pipeline.Alerter
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		alerter = slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		slog.Info("Slack session alerter enabled", "channel", cfg.SlackAlertChannel)
	}

	// Step 5: Orchestrator.
	m := metrics.New()
	orch, err := pipeline.New(pipeline.Deps{
		Registry:    session.NewRegistry(),
		Chunks:      chunks,
		Objects:     media,
		Channel:     channel,
		Fallback:    fallback.New(cfg.FallbackMaxEvents),
		Transcriber: transcriber,
		Narrator:    narrator,
		Store:       sessions,
		Alerter:     alerter,
		Metrics:     m,
		Publish:     ing.Publish,
	}, pipeline.Config{
		EvictGrace:      cfg.EvictGrace,
		JanitorInterval: cfg.JanitorInterval,
	})
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	// Step 6: Live results from the real-time pipeline.
	ing.SetLiveResultHandler(orch.SubmitLiveResult)
	if err := ing.Start(); err != nil {
		slog.Error("failed to start ingester", "error", err)
		os.Exit(1)
	}
	slog.Info("NATS ingester started")

	orch.StartJanitor(ctx)
	slog.Info("session janitor started", "interval", cfg.JanitorInterval, "evict_grace", cfg.EvictGrace)

	// Step 7: Announce availability.
	announcement, _ := json.Marshal(map[string]any{
		"event_type": "agent.registered",
		"source":     "narrator",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"metadata":   map[string]any{"port": cfg.Port},
	})
	if err := ing.Publish("narrator.agent.registered", announcement); err != nil {
		slog.Warn("failed to publish registration event", "error", err)
	}

	// Step 8: Start HTTP API.
	srv := api.NewServer(orch, api.Options{
		Port:    cfg.Port,
		Logger:  log,
		Metrics: m,
		Media:   media,
		Gauges: func() {
			stats := orch.Stats()
			m.SetActiveSessions(stats.ActiveSessions)
			m.SetBroadcastPublished(stats.Broadcast.Published)
		},
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("narrator ready", "port", cfg.Port)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	cancel()
	if err := orch.Wait(shutdownCtx); err != nil {
		slog.Warn("in-flight sessions did not finish", "error", err)
	}
	slog.Info("narrator stopped")
}
