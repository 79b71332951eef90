package transcribe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/chunkstore"
)

func writeAudio(t *testing.T) chunkstore.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.webm")
	if err := os.WriteFile(path, []byte("fake-audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	return chunkstore.Artifact{SessionID: "s1", Kind: chunkstore.Audio, Path: path, Size: 10}
}

func TestHTTP_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if r.FormValue("response_format") != "verbose_json" {
			t.Errorf("expected verbose_json, got %q", r.FormValue("response_format"))
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "fake-audio" {
			t.Errorf("unexpected file body %q", data)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":" Click save. ","words":[{"word":"Click","start":0.1,"end":0.4},{"word":"save","start":0.5,"end":0.9}]}`)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL+"/", "key", "")
	tr, err := h.Transcribe(context.Background(), writeAudio(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Click save." {
		t.Errorf("unexpected text %q", tr.Text)
	}
	if len(tr.Words) != 2 || tr.Words[1].Word != "save" || tr.Words[1].End != 0.9 {
		t.Errorf("unexpected words %+v", tr.Words)
	}
	if len(tr.Raw) == 0 {
		t.Error("expected raw response kept")
	}
}

func TestHTTP_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, "", "").Transcribe(context.Background(), writeAudio(t))
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("expected http 429 error, got %v", err)
	}
}

func TestHTTP_NoAudio(t *testing.T) {
	_, err := NewHTTP("http://unused", "", "").Transcribe(context.Background(), chunkstore.Artifact{})
	if !errors.Is(err, ErrNoAudio) {
		t.Errorf("expected ErrNoAudio, got %v", err)
	}
}

func TestParseDeepgram(t *testing.T) {
	raw := []byte(`{"results":{"channels":[{"alternatives":[{"transcript":"open the settings","words":[
		{"word":"open","start":0.2,"end":0.4,"confidence":0.98,"punctuated_word":"Open"},
		{"word":"the","start":0.4,"end":0.5,"confidence":0.99,"punctuated_word":"the"},
		{"word":"settings","start":0.5,"end":1.0,"confidence":0.97,"punctuated_word":"settings."}]}]}]}}`)

	tr, err := parseDeepgram(raw)
	if err != nil {
		t.Fatalf("parseDeepgram: %v", err)
	}
	if tr.Text != "open the settings" {
		t.Errorf("unexpected text %q", tr.Text)
	}
	if len(tr.Words) != 3 || tr.Words[2].PunctuatedWord != "settings." || tr.Words[0].Confidence != 0.98 {
		t.Errorf("unexpected words %+v", tr.Words)
	}
}

func TestDeepgram_UsesSDKResponse(t *testing.T) {
	d := &Deepgram{fromFile: func(ctx context.Context, path string) (any, error) {
		return map[string]any{
			"results": map[string]any{
				"channels": []any{map[string]any{
					"alternatives": []any{map[string]any{"transcript": "hello", "words": []any{}}},
				}},
			},
		}, nil
	}}

	tr, err := d.Transcribe(context.Background(), writeAudio(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello" {
		t.Errorf("expected hello, got %q", tr.Text)
	}
}

type slowTranscriber struct{}

func (slowTranscriber) Transcribe(ctx context.Context, _ chunkstore.Artifact) (Transcript, error) {
	<-ctx.Done()
	return Transcript{}, ctx.Err()
}

type failingTranscriber struct{ err error }

func (f failingTranscriber) Transcribe(context.Context, chunkstore.Artifact) (Transcript, error) {
	return Transcript{}, f.err
}

func TestWithTimeout_MapsDeadline(t *testing.T) {
	tr := WithTimeout(slowTranscriber{}, "slow", 10*time.Millisecond)

	_, err := tr.Transcribe(context.Background(), chunkstore.Artifact{})
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !te.Timeout || te.Backend != "slow" {
		t.Errorf("expected timeout from slow, got %+v", te)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped deadline, got %v", err)
	}
}

func TestWithTimeout_MapsBackendError(t *testing.T) {
	cause := errors.New("bad audio")
	tr := WithTimeout(failingTranscriber{err: cause}, "http", time.Second)

	_, err := tr.Transcribe(context.Background(), chunkstore.Artifact{})
	var te *Error
	if !errors.As(err, &te) || te.Timeout {
		t.Fatalf("expected non-timeout *Error, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause preserved, got %v", err)
	}
}
