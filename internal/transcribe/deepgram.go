package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/MikeSquared-Agency/narrator/internal/chunkstore"
)

// Deepgram transcribes finalized audio with the pre-recorded REST API.
type Deepgram struct {
	fromFile func(ctx context.Context, path string) (any, error)
}

func NewDeepgram(apiKey, model string) *Deepgram {
	if model == "" {
		model = "nova-2"
	}
	dg := api.New(client.NewREST(apiKey, &interfaces.ClientOptions{}))
	opts := &interfaces.PreRecordedTranscriptionOptions{
		Model:       model,
		Punctuate:   true,
		SmartFormat: true,
	}
	return &Deepgram{
		fromFile: func(ctx context.Context, path string) (any, error) {
			res, err := dg.FromFile(ctx, path, opts)
			if err != nil {
				return nil, err
			}
			return res, nil
		},
	}
}

// dgResponse is the subset of the pre-recorded response we read.
type dgResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
				Words      []Word `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *Deepgram) Transcribe(ctx context.Context, audio chunkstore.Artifact) (Transcript, error) {
	if audio.Path == "" {
		return Transcript{}, ErrNoAudio
	}

	res, err := d.fromFile(ctx, audio.Path)
	if err != nil {
		return Transcript{}, fmt.Errorf("deepgram prerecorded: %w", err)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return Transcript{}, fmt.Errorf("encode deepgram response: %w", err)
	}
	return parseDeepgram(raw)
}

func parseDeepgram(raw []byte) (Transcript, error) {
	var resp dgResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Transcript{}, fmt.Errorf("decode deepgram response: %w", err)
	}

	tr := Transcript{Raw: raw}
	var parts []string
	for _, ch := range resp.Results.Channels {
		if len(ch.Alternatives) == 0 {
			continue
		}
		best := ch.Alternatives[0]
		if best.Transcript != "" {
			parts = append(parts, best.Transcript)
		}
		tr.Words = append(tr.Words, best.Words...)
	}
	tr.Text = strings.Join(parts, " ")
	return tr, nil
}
