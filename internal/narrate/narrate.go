package narrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/events"
	"github.com/MikeSquared-Agency/narrator/internal/session"
	"github.com/MikeSquared-Agency/narrator/internal/transcribe"
)

// Request is everything the narration engine gets about a session.
type Request struct {
	SessionID string                    `json:"session_id"`
	Text      string                    `json:"transcript"`
	Words     []transcribe.Word         `json:"words,omitempty"`
	Events    []events.InteractionEvent `json:"events,omitempty"`
	Metadata  session.Metadata          `json:"metadata"`
}

// Result is a generated narration. Either AudioRef points at audio the
// engine stored itself, or Audio carries the bytes for us to store. Both may
// be empty when only the voice generation failed.
type Result struct {
	AudioRef     string               `json:"audio_ref,omitempty"`
	Audio        []byte               `json:"-"`
	AudioFormat  string               `json:"audio_format,omitempty"`
	Script       string               `json:"script,omitempty"`
	Instructions []events.Instruction `json:"instructions"`
	// Partial marks a live result produced before recording ended.
	Partial bool `json:"partial,omitempty"`
}

// HasAudio reports whether the result carries narration audio.
func (r Result) HasAudio() bool {
	return r.AudioRef != "" || len(r.Audio) > 0
}

type Narrator interface {
	Narrate(ctx context.Context, req Request) (Result, error)
}

// Error wraps every failure of a narration backend.
type Error struct {
	Backend string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("narration (%s) timed out: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("narration (%s) failed: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoInstructions is returned for a narration without any instruction.
var ErrNoInstructions = errors.New("narration returned no instructions")

type timed struct {
	next    Narrator
	name    string
	timeout time.Duration
}

// WithTimeout bounds every call of n and maps failures to *Error. An empty
// instruction list counts as a failure.
func WithTimeout(n Narrator, name string, timeout time.Duration) Narrator {
	return &timed{next: n, name: name, timeout: timeout}
}

func (t *timed) Narrate(ctx context.Context, req Request) (Result, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	res, err := t.next.Narrate(ctx, req)
	if err == nil && len(res.Instructions) == 0 {
		err = ErrNoInstructions
	}
	if err == nil {
		return res, nil
	}
	var ne *Error
	if errors.As(err, &ne) {
		return Result{}, err
	}
	return Result{}, &Error{
		Backend: t.name,
		Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:     err,
	}
}
