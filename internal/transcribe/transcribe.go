package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/chunkstore"
)

// Word is one recognized word with its position in the recording, in seconds.
type Word struct {
	Word           string  `json:"word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence,omitempty"`
	PunctuatedWord string  `json:"punctuated_word,omitempty"`
}

// Transcript is the speech-to-text result for one audio artifact.
type Transcript struct {
	Text  string          `json:"text"`
	Words []Word          `json:"words"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

// Transcriber turns an audio artifact into text with word timings.
type Transcriber interface {
	Transcribe(ctx context.Context, audio chunkstore.Artifact) (Transcript, error)
}

// Error wraps every failure of a transcription backend.
type Error struct {
	Backend string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("transcription (%s) timed out: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("transcription (%s) failed: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoAudio is returned when there is no audio artifact to transcribe.
var ErrNoAudio = errors.New("no audio artifact")

type timed struct {
	next    Transcriber
	name    string
	timeout time.Duration
}

// WithTimeout bounds every call of t and maps failures to *Error.
func WithTimeout(t Transcriber, name string, timeout time.Duration) Transcriber {
	return &timed{next: t, name: name, timeout: timeout}
}

func (t *timed) Transcribe(ctx context.Context, audio chunkstore.Artifact) (Transcript, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	tr, err := t.next.Transcribe(ctx, audio)
	if err == nil {
		return tr, nil
	}
	var te *Error
	if errors.As(err, &te) {
		return Transcript{}, err
	}
	return Transcript{}, &Error{
		Backend: t.name,
		Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:     err,
	}
}
