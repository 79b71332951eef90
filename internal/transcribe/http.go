package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/chunkstore"
)

// HTTP talks to an OpenAI-compatible audio transcription endpoint and asks
// for word-level timestamps.
type HTTP struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewHTTP(baseURL, apiKey, model string) *HTTP {
	if model == "" {
		model = "whisper-1"
	}
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

type verboseResp struct {
	Text  string `json:"text"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

func (h *HTTP) Transcribe(ctx context.Context, audio chunkstore.Artifact) (Transcript, error) {
	if audio.Path == "" {
		return Transcript{}, ErrNoAudio
	}
	f, err := os.Open(audio.Path)
	if err != nil {
		return Transcript{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"model", h.model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "word"},
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return Transcript{}, err
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(audio.Path))
	if err != nil {
		return Transcript{}, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return Transcript{}, err
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return Transcript{}, err
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return Transcript{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transcript{}, err
	}
	if resp.StatusCode >= 300 {
		return Transcript{}, fmt.Errorf("transcription http %d: %s", resp.StatusCode, string(raw))
	}

	var vr verboseResp
	if err := json.Unmarshal(raw, &vr); err != nil {
		return Transcript{}, fmt.Errorf("decode transcription response: %w", err)
	}
	tr := Transcript{Text: strings.TrimSpace(vr.Text), Raw: raw}
	for _, w := range vr.Words {
		tr.Words = append(tr.Words, Word{Word: w.Word, Start: w.Start, End: w.End})
	}
	return tr, nil
}
