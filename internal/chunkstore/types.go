package chunkstore

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the media stream a chunk belongs to.
type Kind string

const (
	Video Kind = "video"
	Audio Kind = "audio"
)

// ParseKind validates a stream kind coming from a request path.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Video, Audio:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

var (
	ErrMissingChunk   = errors.New("missing chunk")
	ErrEmptyStream    = errors.New("empty stream")
	ErrQuotaExceeded  = errors.New("chunk quota exceeded")
	ErrStreamClosed   = errors.New("stream closed")
	ErrNotFound       = errors.New("artifact not found")
	ErrInvalidKind    = errors.New("invalid stream kind")
	ErrInvalidSession = errors.New("invalid session id")
	ErrInvalidSeq     = errors.New("invalid sequence number")
)

// MissingChunkError reports the first gap found at finalize time.
type MissingChunkError struct {
	Kind     Kind
	Sequence int64
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing %s chunk %d", e.Kind, e.Sequence)
}

func (e *MissingChunkError) Is(target error) bool { return target == ErrMissingChunk }

// Artifact is a finalized, immutable stream.
type Artifact struct {
	SessionID   string    `json:"session_id" msgpack:"session_id"`
	Kind        Kind      `json:"kind" msgpack:"kind"`
	Size        int64     `json:"size" msgpack:"size"`
	Path        string    `json:"path" msgpack:"path"`
	Checksum    string    `json:"checksum" msgpack:"checksum"`
	Chunks      int       `json:"chunks" msgpack:"chunks"`
	FinalizedAt time.Time `json:"finalized_at" msgpack:"finalized_at"`
}

// Config controls where chunks live and how much a session may upload.
type Config struct {
	Root                string
	MaxChunksPerSession int
	EmptyGrace          time.Duration
}
