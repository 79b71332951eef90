package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	DefaultMaxChunksPerSession = 10000
	DefaultEmptyGrace          = 2 * time.Second
)

type stream struct {
	mu       sync.Mutex
	chunks   map[int64]int64 // sequence -> size
	closed   bool
	closeErr error
	artifact *Artifact
	arrived  chan struct{}
}

type sessionChunks struct {
	count   atomic.Int64
	streams map[Kind]*stream
}

// Store keeps raw chunks on the local filesystem under
// <root>/<session>/<kind>/chunks until the stream is finalized. Appends are
// serialized per (session, kind); the store-wide lock only guards lookup.
type Store struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*sessionChunks
}

func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("chunkstore: root directory required")
	}
	if cfg.MaxChunksPerSession <= 0 {
		cfg.MaxChunksPerSession = DefaultMaxChunksPerSession
	}
	if cfg.EmptyGrace < 0 {
		cfg.EmptyGrace = 0
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk root: %w", err)
	}
	return &Store{cfg: cfg, sessions: make(map[string]*sessionChunks)}, nil
}

func validSession(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	return nil
}

func (s *Store) stream(sessionID string, kind Kind) (*sessionChunks, *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.sessions[sessionID]
	if !ok {
		sc = &sessionChunks{streams: make(map[Kind]*stream)}
		s.sessions[sessionID] = sc
	}
	st, ok := sc.streams[kind]
	if !ok {
		st = &stream{chunks: make(map[int64]int64), arrived: make(chan struct{})}
		sc.streams[kind] = st
	}
	return sc, st
}

func (s *Store) streamDir(sessionID string, kind Kind) string {
	return filepath.Join(s.cfg.Root, sessionID, string(kind))
}

func (s *Store) chunkPath(sessionID string, kind Kind, seq int64) string {
	return filepath.Join(s.streamDir(sessionID, kind), "chunks", fmt.Sprintf("%010d.chunk", seq))
}

func (s *Store) artifactPath(sessionID string, kind Kind) string {
	return filepath.Join(s.streamDir(sessionID, kind), string(kind)+".webm")
}

func (s *Store) manifestPath(sessionID string, kind Kind) string {
	return filepath.Join(s.streamDir(sessionID, kind), "artifact.msgpack")
}

// Append stores one chunk. It reports stored=false when the same
// (session, kind, sequence) was already present; the first content is kept.
func (s *Store) Append(sessionID string, kind Kind, seq int64, data []byte) (bool, error) {
	if err := validSession(sessionID); err != nil {
		return false, err
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return false, err
	}
	if seq < 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidSeq, seq)
	}

	sc, st := s.stream(sessionID, kind)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return false, fmt.Errorf("%w: %s/%s", ErrStreamClosed, sessionID, kind)
	}
	if _, dup := st.chunks[seq]; dup {
		return false, nil
	}
	if sc.count.Add(1) > int64(s.cfg.MaxChunksPerSession) {
		sc.count.Add(-1)
		return false, fmt.Errorf("%w: session %s at %d chunks", ErrQuotaExceeded, sessionID, s.cfg.MaxChunksPerSession)
	}

	if err := writeFileAtomic(s.chunkPath(sessionID, kind, seq), data); err != nil {
		sc.count.Add(-1)
		return false, fmt.Errorf("write chunk %s/%s/%d: %w", sessionID, kind, seq, err)
	}

	if len(st.chunks) == 0 {
		close(st.arrived)
	}
	st.chunks[seq] = int64(len(data))
	return true, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Finalize closes the stream and concatenates chunks 0..N into one artifact.
// If no chunk has arrived yet it waits up to the empty-stream grace before
// failing with ErrEmptyStream; appends are still accepted while it waits.
// Finalizing an already closed stream returns the earlier result.
func (s *Store) Finalize(ctx context.Context, sessionID string, kind Kind) (Artifact, error) {
	if err := validSession(sessionID); err != nil {
		return Artifact{}, err
	}
	_, st := s.stream(sessionID, kind)

	st.mu.Lock()
	waiting := len(st.chunks) == 0 && !st.closed
	arrived := st.arrived
	st.mu.Unlock()

	if waiting && s.cfg.EmptyGrace > 0 {
		timer := time.NewTimer(s.cfg.EmptyGrace)
		defer timer.Stop()
		select {
		case <-arrived:
		case <-timer.C:
		case <-ctx.Done():
			return Artifact{}, ctx.Err()
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		if st.artifact != nil {
			return *st.artifact, nil
		}
		return Artifact{}, st.closeErr
	}
	st.closed = true

	if len(st.chunks) == 0 {
		st.closeErr = fmt.Errorf("%w: %s/%s", ErrEmptyStream, sessionID, kind)
		return Artifact{}, st.closeErr
	}

	seqs := make([]int64, 0, len(st.chunks))
	for seq := range st.chunks {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		if seq != int64(i) {
			st.closeErr = &MissingChunkError{Kind: kind, Sequence: int64(i)}
			slog.Warn("chunkstore: gap at finalize", "session_id", sessionID, "kind", kind, "missing", i, "chunks", len(seqs))
			return Artifact{}, st.closeErr
		}
	}

	art, err := s.concat(sessionID, kind, seqs)
	if err != nil {
		st.closeErr = fmt.Errorf("finalize %s/%s: %w", sessionID, kind, err)
		return Artifact{}, st.closeErr
	}
	st.artifact = &art

	if err := os.RemoveAll(filepath.Join(s.streamDir(sessionID, kind), "chunks")); err != nil {
		slog.Warn("chunkstore: failed to remove raw chunks", "session_id", sessionID, "kind", kind, "error", err)
	}

	slog.Info("chunkstore: stream finalized",
		"session_id", sessionID,
		"kind", kind,
		"chunks", art.Chunks,
		"size", art.Size,
	)
	return art, nil
}

func (s *Store) concat(sessionID string, kind Kind, seqs []int64) (Artifact, error) {
	path := s.artifactPath(sessionID, kind)
	out, err := os.CreateTemp(filepath.Dir(path), ".tmp-artifact-*")
	if err != nil {
		return Artifact{}, err
	}
	defer os.Remove(out.Name())

	h := xxhash.New()
	w := io.MultiWriter(out, h)
	var size int64
	for _, seq := range seqs {
		f, err := os.Open(s.chunkPath(sessionID, kind, seq))
		if err != nil {
			out.Close()
			return Artifact{}, err
		}
		n, err := io.Copy(w, f)
		f.Close()
		if err != nil {
			out.Close()
			return Artifact{}, err
		}
		size += n
	}
	if err := out.Close(); err != nil {
		return Artifact{}, err
	}
	if err := os.Rename(out.Name(), path); err != nil {
		return Artifact{}, err
	}

	art := Artifact{
		SessionID:   sessionID,
		Kind:        kind,
		Size:        size,
		Path:        path,
		Checksum:    fmt.Sprintf("%016x", h.Sum64()),
		Chunks:      len(seqs),
		FinalizedAt: time.Now().UTC(),
	}
	manifest, err := msgpack.Marshal(&art)
	if err != nil {
		return Artifact{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(s.manifestPath(sessionID, kind), manifest); err != nil {
		return Artifact{}, fmt.Errorf("write manifest: %w", err)
	}
	return art, nil
}

// Artifact returns the finalized artifact, reading the on-disk manifest when
// the stream is not in memory (e.g. after a restart).
func (s *Store) Artifact(sessionID string, kind Kind) (Artifact, error) {
	if err := validSession(sessionID); err != nil {
		return Artifact{}, err
	}

	s.mu.Lock()
	var st *stream
	if sc, ok := s.sessions[sessionID]; ok {
		st = sc.streams[kind]
	}
	s.mu.Unlock()

	if st != nil {
		st.mu.Lock()
		art := st.artifact
		st.mu.Unlock()
		if art != nil {
			return *art, nil
		}
	}

	data, err := os.ReadFile(s.manifestPath(sessionID, kind))
	if errors.Is(err, os.ErrNotExist) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("read manifest: %w", err)
	}
	var art Artifact
	if err := msgpack.Unmarshal(data, &art); err != nil {
		return Artifact{}, fmt.Errorf("decode manifest: %w", err)
	}
	return art, nil
}

// Close marks a stream closed without producing an artifact. Used for the
// audio stream of a silent session.
func (s *Store) Close(sessionID string, kind Kind) {
	_, st := s.stream(sessionID, kind)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		st.closeErr = fmt.Errorf("%w: %s/%s", ErrEmptyStream, sessionID, kind)
	}
}

// ChunkCount returns the number of distinct chunks stored for a stream.
func (s *Store) ChunkCount(sessionID string, kind Kind) int {
	s.mu.Lock()
	sc, ok := s.sessions[sessionID]
	var st *stream
	if ok {
		st = sc.streams[kind]
	}
	s.mu.Unlock()
	if st == nil {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.artifact != nil {
		return st.artifact.Chunks
	}
	return len(st.chunks)
}

// Discard drops every chunk and artifact of a session.
func (s *Store) Discard(sessionID string) error {
	if err := validSession(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.cfg.Root, sessionID)); err != nil {
		return fmt.Errorf("discard %s: %w", sessionID, err)
	}
	return nil
}
