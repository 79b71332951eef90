package narrate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/events"
)

// HTTP calls a narration service that writes a script from the transcript and
// interaction log and voices it.
type HTTP struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTP(baseURL, apiKey string) *HTTP {
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

type httpRequest struct {
	Request
	Steps   []events.Step `json:"steps,omitempty"`
	DOMText string        `json:"dom_text,omitempty"`
}

type httpResponse struct {
	Script                string               `json:"script"`
	AudioURL              string               `json:"audio_url"`
	AudioBase64           string               `json:"audio_base64"`
	AudioFormat           string               `json:"audio_format"`
	AudioGenerationFailed bool                 `json:"audio_generation_failed"`
	Instructions          []events.Instruction `json:"instructions"`
}

func (h *HTTP) Narrate(ctx context.Context, req Request) (Result, error) {
	evts := make([]events.InteractionEvent, len(req.Events))
	copy(evts, req.Events)
	events.SortByTimestamp(evts)

	body, err := json.Marshal(httpRequest{
		Request: req,
		Steps:   events.GroupSteps(evts),
		DOMText: events.ExtractText(evts),
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode narration request: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/narrate", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(hreq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("narration http %d: %s", resp.StatusCode, string(b))
	}

	var hr httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return Result{}, fmt.Errorf("decode narration response: %w", err)
	}

	res := Result{
		AudioRef:     hr.AudioURL,
		AudioFormat:  hr.AudioFormat,
		Script:       hr.Script,
		Instructions: hr.Instructions,
	}
	if hr.AudioBase64 != "" {
		audio, err := base64.StdEncoding.DecodeString(hr.AudioBase64)
		if err != nil {
			return Result{}, fmt.Errorf("decode narration audio: %w", err)
		}
		res.Audio = audio
	}
	if hr.AudioGenerationFailed {
		slog.Warn("narration audio generation failed, keeping script only", "session_id", req.SessionID)
	}
	for i := range res.Instructions {
		if res.Instructions[i].Type == "" {
			res.Instructions[i].Type = events.InstructionNarration
		}
	}
	events.SortInstructions(res.Instructions)
	return res, nil
}
