package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()
	m.IncChunk("video")
	m.IncChunkReject("stream_closed")
	m.IncSessionFinished("degraded", "fallback")
	m.ObserveAdapter("transcribe", 2*time.Second, nil)
	m.ObserveAdapter("narrate", time.Second, errors.New("x"))
	m.IncSubscriberDrops()
	m.AddFallbackDropped(3)
	m.IncLiveResult("committed")

	body := scrape(t, m, func() { m.SetActiveSessions(4) })

	for _, want := range []string{
		`narrator_chunks_appended_total{kind="video"} 1`,
		`narrator_chunk_rejects_total{reason="stream_closed"} 1`,
		`narrator_sessions_finished_total{source="fallback",status="degraded"} 1`,
		`narrator_adapter_duration_seconds_count{adapter="narrate",result="error"} 1`,
		`narrator_subscriber_drops_total 1`,
		`narrator_fallback_events_dropped_total 3`,
		`narrator_live_results_total{disposition="committed"} 1`,
		`narrator_active_sessions 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in exposition", want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.IncChunk("audio")
	m.ObserveAdapter("narrate", time.Second, nil)
	m.SetActiveSessions(1)
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, p := range []string{"/ok", "/bad", "/ok"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	body := scrape(t, m, nil)
	if !strings.Contains(body, "narrator_requests_total 3") {
		t.Error("expected 3 requests counted")
	}
	if !strings.Contains(body, "narrator_errors_total 1") {
		t.Error("expected 1 error counted")
	}
}
