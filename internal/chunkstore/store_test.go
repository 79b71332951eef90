package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func appendAll(t *testing.T, s *Store, id string, kind Kind, chunks map[int64]string) {
	t.Helper()
	for seq, data := range chunks {
		if _, err := s.Append(id, kind, seq, []byte(data)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
}

func TestFinalize_Contiguous(t *testing.T) {
	s := newTestStore(t, Config{})
	appendAll(t, s, "s1", Video, map[int64]string{2: "ccc", 0: "a", 1: "bb"})

	art, err := s.Finalize(context.Background(), "s1", Video)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if art.Size != 6 {
		t.Errorf("expected size 6, got %d", art.Size)
	}
	if art.Chunks != 3 {
		t.Errorf("expected 3 chunks, got %d", art.Chunks)
	}
	got, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(got) != "abbccc" {
		t.Errorf("expected chunks concatenated in order, got %q", got)
	}
	if art.Checksum == "" {
		t.Error("expected checksum")
	}
}

func TestFinalize_Gap(t *testing.T) {
	s := newTestStore(t, Config{})
	appendAll(t, s, "s1", Video, map[int64]string{0: "a", 1: "b", 3: "d"})

	_, err := s.Finalize(context.Background(), "s1", Video)
	if !errors.Is(err, ErrMissingChunk) {
		t.Fatalf("expected ErrMissingChunk, got %v", err)
	}
	var mc *MissingChunkError
	if !errors.As(err, &mc) || mc.Sequence != 2 {
		t.Errorf("expected missing sequence 2, got %v", err)
	}

	// The stream stays closed with the same error.
	if _, err := s.Finalize(context.Background(), "s1", Video); !errors.Is(err, ErrMissingChunk) {
		t.Errorf("expected repeated ErrMissingChunk, got %v", err)
	}
	if _, err := s.Append("s1", Video, 2, []byte("c")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed after finalize, got %v", err)
	}
}

func TestFinalize_MissingZero(t *testing.T) {
	s := newTestStore(t, Config{})
	appendAll(t, s, "s1", Audio, map[int64]string{1: "b"})

	var mc *MissingChunkError
	_, err := s.Finalize(context.Background(), "s1", Audio)
	if !errors.As(err, &mc) || mc.Sequence != 0 {
		t.Errorf("expected missing sequence 0, got %v", err)
	}
}

func TestAppend_DuplicateKeepsFirst(t *testing.T) {
	s := newTestStore(t, Config{})

	stored, err := s.Append("s1", Video, 0, []byte("first"))
	if err != nil || !stored {
		t.Fatalf("expected first append stored, got %v %v", stored, err)
	}
	stored, err = s.Append("s1", Video, 0, []byte("second-longer"))
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if stored {
		t.Error("expected duplicate to be reported as not stored")
	}

	art, err := s.Finalize(context.Background(), "s1", Video)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got, _ := os.ReadFile(art.Path)
	if string(got) != "first" || art.Size != 5 {
		t.Errorf("duplicate changed artifact: %q size=%d", got, art.Size)
	}
}

func TestAppend_Quota(t *testing.T) {
	s := newTestStore(t, Config{MaxChunksPerSession: 3})
	appendAll(t, s, "s1", Video, map[int64]string{0: "a", 1: "b"})
	appendAll(t, s, "s1", Audio, map[int64]string{0: "a"})

	if _, err := s.Append("s1", Audio, 1, []byte("b")); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded, got %v", err)
	}
	// Duplicates do not count against the quota.
	if _, err := s.Append("s1", Video, 0, []byte("a")); err != nil {
		t.Errorf("duplicate at quota should be accepted, got %v", err)
	}
	// Other sessions are unaffected.
	if _, err := s.Append("s2", Video, 0, []byte("a")); err != nil {
		t.Errorf("other session should not be limited, got %v", err)
	}
}

func TestAppend_InvalidInput(t *testing.T) {
	s := newTestStore(t, Config{})

	if _, err := s.Append("../x", Video, 0, nil); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("expected ErrInvalidSession, got %v", err)
	}
	if _, err := s.Append("s1", Kind("screen"), 0, nil); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
	if _, err := s.Append("s1", Video, -1, nil); !errors.Is(err, ErrInvalidSeq) {
		t.Errorf("expected ErrInvalidSeq, got %v", err)
	}
}

func TestAppend_Concurrent(t *testing.T) {
	s := newTestStore(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(seq int64) {
			defer wg.Done()
			s.Append("s1", Video, seq, []byte{byte(seq)})
		}(int64(i))
		// duplicate delivery racing the original
		go func(seq int64) {
			defer wg.Done()
			s.Append("s1", Video, seq, []byte{byte(seq)})
		}(int64(i))
	}
	wg.Wait()

	if n := s.ChunkCount("s1", Video); n != 50 {
		t.Fatalf("expected 50 chunks, got %d", n)
	}
	art, err := s.Finalize(context.Background(), "s1", Video)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got, _ := os.ReadFile(art.Path)
	want := make([]byte, 50)
	for i := range want {
		want[i] = byte(i)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("artifact content out of order")
	}
}

func TestFinalize_EmptyAfterGrace(t *testing.T) {
	s := newTestStore(t, Config{EmptyGrace: 20 * time.Millisecond})

	start := time.Now()
	_, err := s.Finalize(context.Background(), "s1", Audio)
	if !errors.Is(err, ErrEmptyStream) {
		t.Fatalf("expected ErrEmptyStream, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("expected finalize to wait for the grace period")
	}
}

func TestFinalize_ChunkArrivesDuringGrace(t *testing.T) {
	s := newTestStore(t, Config{EmptyGrace: 2 * time.Second})

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Append("s1", Audio, 0, []byte("late"))
	}()

	art, err := s.Finalize(context.Background(), "s1", Audio)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if art.Size != 4 {
		t.Errorf("expected size 4, got %d", art.Size)
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	s := newTestStore(t, Config{})
	appendAll(t, s, "s1", Video, map[int64]string{0: "a"})

	a1, err := s.Finalize(context.Background(), "s1", Video)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	a2, err := s.Finalize(context.Background(), "s1", Video)
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if a1.Path != a2.Path || a1.Checksum != a2.Checksum || !a1.FinalizedAt.Equal(a2.FinalizedAt) {
		t.Errorf("expected same artifact, got %+v and %+v", a1, a2)
	}
}

func TestArtifact_ReloadsManifest(t *testing.T) {
	root := t.TempDir()
	s := newTestStore(t, Config{Root: root})
	appendAll(t, s, "s1", Video, map[int64]string{0: "ab", 1: "cd"})
	want, err := s.Finalize(context.Background(), "s1", Video)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	restarted := newTestStore(t, Config{Root: root})
	got, err := restarted.Artifact("s1", Video)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if got.Checksum != want.Checksum || got.Size != want.Size || got.Path != want.Path {
		t.Errorf("manifest mismatch: want %+v, got %+v", want, got)
	}

	if _, err := restarted.Artifact("s1", Audio); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClose_RejectsAppends(t *testing.T) {
	s := newTestStore(t, Config{})
	s.Close("s1", Audio)

	if _, err := s.Append("s1", Audio, 0, []byte("x")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
	if _, err := s.Finalize(context.Background(), "s1", Audio); !errors.Is(err, ErrEmptyStream) {
		t.Errorf("expected ErrEmptyStream, got %v", err)
	}
}

func TestDiscard(t *testing.T) {
	root := t.TempDir()
	s := newTestStore(t, Config{Root: root})
	appendAll(t, s, "s1", Video, map[int64]string{0: "a"})
	if _, err := s.Finalize(context.Background(), "s1", Video); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := s.Discard("s1"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(fmt.Sprintf("%s/s1", root)); !os.IsNotExist(err) {
		t.Errorf("expected session dir removed, got %v", err)
	}
	if n := s.ChunkCount("s1", Video); n != 0 {
		t.Errorf("expected 0 chunks after discard, got %d", n)
	}
}
