package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        int
	NatsURL     string
	DatabaseURL string
	LogLevel    string
	LogFormat   string

	ChunkRoot           string
	MaxChunksPerSession int
	EmptyStreamGrace    time.Duration

	MediaRoot    string
	MediaBaseURL string
	MediaSecret  string
	MediaURLTTL  time.Duration

	TranscribeBackend string // deepgram | http | none
	TranscribeURL     string
	TranscribeAPIKey  string
	TranscribeModel   string
	TranscribeTimeout time.Duration

	NarrateURL     string
	NarrateAPIKey  string
	NarrateTimeout time.Duration

	BroadcastReplayMax int
	BroadcastRetention time.Duration
	BroadcastQueueSize int

	FallbackMaxEvents int

	EvictGrace      time.Duration
	JanitorInterval time.Duration

	SlackBotToken     string
	SlackAlertChannel string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first, and NARRATOR_CONFIG may name a YAML file whose
// keys are the lower-cased variable names. Real environment variables win
// over the .env file, which wins over the YAML file.
func Load() Config {
	_ = godotenv.Load()

	e := env{}
	if path := os.Getenv("NARRATOR_CONFIG"); path != "" {
		file, err := loadFile(path)
		if err != nil {
			slog.Warn("failed to read config file, using environment only", "path", path, "error", err)
		} else {
			e = file
		}
	}

	return Config{
		Port:        e.int("NARRATOR_PORT", 8710),
		NatsURL:     e.str("NATS_URL", "nats://hermes:4222"),
		DatabaseURL: e.str("DATABASE_URL", ""),
		LogLevel:    e.str("LOG_LEVEL", "info"),
		LogFormat:   e.str("LOG_FORMAT", "json"),

		ChunkRoot:           e.str("CHUNK_ROOT", "/var/lib/narrator/chunks"),
		MaxChunksPerSession: e.int("CHUNK_MAX_PER_SESSION", 10000),
		EmptyStreamGrace:    e.ms("CHUNK_EMPTY_GRACE_MS", 2000),

		MediaRoot:    e.str("MEDIA_ROOT", "/var/lib/narrator/media"),
		MediaBaseURL: e.str("MEDIA_BASE_URL", ""),
		MediaSecret:  e.str("MEDIA_SIGNING_SECRET", ""),
		MediaURLTTL:  e.ms("MEDIA_URL_TTL_MS", 3600000),

		TranscribeBackend: e.str("TRANSCRIBE_BACKEND", "deepgram"),
		TranscribeURL:     e.str("TRANSCRIBE_URL", ""),
		TranscribeAPIKey:  e.str("TRANSCRIBE_API_KEY", ""),
		TranscribeModel:   e.str("TRANSCRIBE_MODEL", ""),
		TranscribeTimeout: e.ms("TRANSCRIBE_TIMEOUT_MS", 30000),

		NarrateURL:     e.str("NARRATE_URL", ""),
		NarrateAPIKey:  e.str("NARRATE_API_KEY", ""),
		NarrateTimeout: e.ms("NARRATE_TIMEOUT_MS", 45000),

		BroadcastReplayMax: e.int("BROADCAST_REPLAY_MAX", 1000),
		BroadcastRetention: e.ms("BROADCAST_RETENTION_MS", 600000),
		BroadcastQueueSize: e.int("BROADCAST_QUEUE_SIZE", 256),

		FallbackMaxEvents: e.int("FALLBACK_MAX_EVENTS", 5000),

		EvictGrace:      e.ms("SESSION_EVICT_GRACE_MS", 300000),
		JanitorInterval: e.ms("JANITOR_INTERVAL_MS", 30000),

		SlackBotToken:     e.str("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel: e.str("SLACK_ALERT_CHANNEL", ""),
	}
}

// env resolves a key from the process environment, then the YAML overlay.
type env map[string]string

func loadFile(path string) (env, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(env, len(raw))
	for k, v := range raw {
		out[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func (e env) str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := e[strings.ToLower(key)]; v != "" {
		return v
	}
	return fallback
}

func (e env) int(key string, fallback int) int {
	if v := e.str(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func (e env) ms(key string, fallbackMs int) time.Duration {
	return time.Duration(e.int(key, fallbackMs)) * time.Millisecond
}
