package narrate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/events"
	"github.com/MikeSquared-Agency/narrator/internal/session"
	"github.com/MikeSquared-Agency/narrator/internal/transcribe"
)

func TestHTTP_Narrate(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/narrate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"script":       "First, open settings.",
			"audio_base64": base64.StdEncoding.EncodeToString([]byte("mp3")),
			"audio_format": "mp3",
			"instructions": []map[string]any{
				{"timestamp": 900, "text": "Then save."},
				{"timestamp": 100, "text": "Open settings.", "type": "narration"},
			},
		})
	}))
	defer srv.Close()

	req := Request{
		SessionID: "s1",
		Text:      "open settings then save",
		Words:     []transcribe.Word{{Word: "open", Start: 0.1, End: 0.3}},
		Events: []events.InteractionEvent{
			{Timestamp: 3000, Type: events.TypeClick, Target: &events.Target{Text: "Save"}},
			{Timestamp: 0, Type: events.TypeClick, Target: &events.Target{Text: "Settings"}},
		},
		Metadata: session.Metadata{SourceURL: "https://app.test"},
	}

	res, err := NewHTTP(srv.URL, "").Narrate(context.Background(), req)
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}

	if got.DOMText != "Clicked: Settings Clicked: Save" {
		t.Errorf("expected events sorted before text extraction, got %q", got.DOMText)
	}
	if len(got.Steps) != 2 {
		t.Errorf("expected 2 steps, got %d", len(got.Steps))
	}
	if got.Metadata.SourceURL != "https://app.test" {
		t.Errorf("expected metadata forwarded, got %+v", got.Metadata)
	}

	if string(res.Audio) != "mp3" || !res.HasAudio() {
		t.Errorf("expected decoded audio, got %q", res.Audio)
	}
	if len(res.Instructions) != 2 || res.Instructions[0].Timestamp != 100 {
		t.Fatalf("expected instructions sorted by timestamp, got %+v", res.Instructions)
	}
	for _, ins := range res.Instructions {
		if ins.Type != events.InstructionNarration {
			t.Errorf("expected narration type, got %s", ins.Type)
		}
	}
}

func TestHTTP_AudioGenerationFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"script":"s","audio_generation_failed":true,"instructions":[{"timestamp":1,"text":"x"}]}`))
	}))
	defer srv.Close()

	res, err := NewHTTP(srv.URL, "").Narrate(context.Background(), Request{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if res.HasAudio() {
		t.Error("expected no audio")
	}
	if len(res.Instructions) != 1 {
		t.Errorf("expected instructions kept, got %d", len(res.Instructions))
	}
}

func TestHTTP_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := WithTimeout(NewHTTP(srv.URL, ""), "http", time.Second)
	_, err := n.Narrate(context.Background(), Request{SessionID: "s1"})
	var ne *Error
	if !errors.As(err, &ne) || ne.Timeout {
		t.Errorf("expected non-timeout *Error, got %v", err)
	}
}

type stubNarrator struct {
	res   Result
	err   error
	delay time.Duration
}

func (s stubNarrator) Narrate(ctx context.Context, _ Request) (Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return s.res, s.err
}

func TestWithTimeout_Deadline(t *testing.T) {
	n := WithTimeout(stubNarrator{delay: time.Second}, "stub", 10*time.Millisecond)
	_, err := n.Narrate(context.Background(), Request{})
	var ne *Error
	if !errors.As(err, &ne) || !ne.Timeout {
		t.Errorf("expected timeout *Error, got %v", err)
	}
}

func TestWithTimeout_EmptyInstructionsFail(t *testing.T) {
	n := WithTimeout(stubNarrator{res: Result{AudioRef: "x"}}, "stub", time.Second)
	_, err := n.Narrate(context.Background(), Request{})
	if !errors.Is(err, ErrNoInstructions) {
		t.Errorf("expected ErrNoInstructions, got %v", err)
	}
}
