package ingester

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/events"
	"github.com/MikeSquared-Agency/narrator/internal/narrate"
	"github.com/MikeSquared-Agency/narrator/internal/session"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	LiveStream   = "NARRATION_LIVE"
	LiveSubjects = "narrator.live.>"
	LiveConsumer = "narrator-live"

	livePrefix = "narrator.live."
)

// ErrMalformed marks a live result that can never be processed.
var ErrMalformed = errors.New("malformed live result")

// LiveResultHandler receives every decoded live narration result.
type LiveResultHandler func(ctx context.Context, sessionID string, res narrate.Result) error

type Ingester struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subs    []jetstream.ConsumeContext
	handler LiveResultHandler
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(natsURL string) (*Ingester, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("narrator"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	ictx, ican := context.WithCancel(context.Background())
	return &Ingester{
		nc:     nc,
		js:     js,
		ctx:    ictx,
		cancel: ican,
	}, nil
}

// Start ensures the live-result stream exists and binds the durable consumer.
func (ing *Ingester) Start() error {
	ctx := context.Background()

	if err := ing.ensureStream(ctx, LiveStream, []string{LiveSubjects}); err != nil {
		return err
	}
	if err := ing.subscribe(ctx, LiveStream, LiveConsumer); err != nil {
		return fmt.Errorf("subscribe to %s: %w", LiveStream, err)
	}

	slog.Info("subscribed to stream", "stream", LiveStream, "consumer", LiveConsumer)
	return nil
}

func (ing *Ingester) ensureStream(ctx context.Context, name string, subjects []string) error {
	_, err := ing.js.Stream(ctx, name)
	if err == nil {
		return nil
	}

	_, err = ing.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}

	slog.Info("created stream", "name", name, "subjects", subjects)
	return nil
}

func (ing *Ingester) subscribe(ctx context.Context, stream, consumerName string) error {
	consumer, err := ing.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ing.handleMessage(msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	ing.subs = append(ing.subs, cc)
	return nil
}

// liveResult is the wire form published by the real-time narration pipeline.
type liveResult struct {
	SessionID    string               `json:"session_id"`
	Script       string               `json:"script"`
	AudioURL     string               `json:"audio_url"`
	AudioBase64  string               `json:"audio_base64"`
	AudioFormat  string               `json:"audio_format"`
	Instructions []events.Instruction `json:"instructions"`
	Partial      bool                 `json:"partial"`
}

// ParseLiveResult decodes a live result. The session id comes from the
// payload, or from the subject suffix when the payload has none.
func ParseLiveResult(subject string, data []byte) (string, narrate.Result, error) {
	var lr liveResult
	if err := json.Unmarshal(data, &lr); err != nil {
		return "", narrate.Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id := lr.SessionID
	if id == "" {
		id = strings.TrimPrefix(subject, livePrefix)
	}
	if err := session.ValidateID(id); err != nil {
		return "", narrate.Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	res := narrate.Result{
		AudioRef:     lr.AudioURL,
		AudioFormat:  lr.AudioFormat,
		Script:       lr.Script,
		Instructions: lr.Instructions,
		Partial:      lr.Partial,
	}
	if lr.AudioBase64 != "" {
		audio, err := base64.StdEncoding.DecodeString(lr.AudioBase64)
		if err != nil {
			return "", narrate.Result{}, fmt.Errorf("%w: audio: %v", ErrMalformed, err)
		}
		res.Audio = audio
	}
	for i := range res.Instructions {
		if res.Instructions[i].Type == "" {
			res.Instructions[i].Type = events.InstructionNarration
		}
	}
	events.SortInstructions(res.Instructions)
	return id, res, nil
}

func (ing *Ingester) handleMessage(msg jetstream.Msg) {
	id, res, err := ParseLiveResult(msg.Subject(), msg.Data())
	if err != nil {
		slog.Warn("malformed live result, skipping", "subject", msg.Subject(), "error", err)
		// Ack to avoid redelivery of permanently broken messages.
		_ = msg.Ack()
		return
	}

	if ing.handler != nil {
		if err := ing.handler(ing.ctx, id, res); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				// The session may not have reached us yet.
				_ = msg.NakWithDelay(2 * time.Second)
				return
			}
			slog.Info("live result not applied", "session_id", id, "error", err)
		}
	}

	if err := msg.Ack(); err != nil {
		slog.Warn("failed to ack message", "subject", msg.Subject(), "error", err)
	}
}

// SetLiveResultHandler registers the callback for live narration results.
func (ing *Ingester) SetLiveResultHandler(fn LiveResultHandler) {
	ing.handler = fn
}

// Publish sends a core NATS message (lifecycle events, broadcast mirror,
// announcements).
func (ing *Ingester) Publish(subject string, data []byte) error {
	return ing.nc.Publish(subject, data)
}

// Close drains subscriptions and closes the NATS connection.
func (ing *Ingester) Close() {
	ing.cancel()
	for _, cc := range ing.subs {
		cc.Stop()
	}
	ing.nc.Drain()
}
