package testutil

import (
	"context"
	"sync"

	"github.com/MikeSquared-Agency/narrator/internal/chunkstore"
	"github.com/MikeSquared-Agency/narrator/internal/narrate"
	"github.com/MikeSquared-Agency/narrator/internal/transcribe"
)

// FakeTranscriber returns a canned transcript. When Gate is set, calls block
// until it is closed or the context ends; Started is closed on the first call.
type FakeTranscriber struct {
	mu sync.Mutex

	Result transcribe.Transcript
	Err    error
	Gate   chan struct{}
	// IgnoreCancel makes a gated call wait for Gate even after ctx ends.
	IgnoreCancel bool

	Started chan struct{}
	started sync.Once
	Calls   int
}

func NewFakeTranscriber(text string) *FakeTranscriber {
	return &FakeTranscriber{
		Result:  transcribe.Transcript{Text: text},
		Started: make(chan struct{}),
	}
}

func (f *FakeTranscriber) Transcribe(ctx context.Context, _ chunkstore.Artifact) (transcribe.Transcript, error) {
	f.mu.Lock()
	f.Calls++
	gate, ignoreCancel := f.Gate, f.IgnoreCancel
	f.mu.Unlock()
	f.started.Do(func() {
		if f.Started != nil {
			close(f.Started)
		}
	})

	if gate != nil && ignoreCancel {
		<-gate
	} else if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return transcribe.Transcript{}, ctx.Err()
		}
	}
	return f.Result, f.Err
}

func (f *FakeTranscriber) GetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// FakeNarrator returns a canned narration and records the last request.
type FakeNarrator struct {
	mu sync.Mutex

	Result narrate.Result
	Err    error
	Gate   chan struct{}
	// IgnoreCancel makes a gated call wait for Gate even after ctx ends.
	IgnoreCancel bool

	Started chan struct{}
	started sync.Once
	Calls   int
	LastReq narrate.Request
}

func NewFakeNarrator(res narrate.Result) *FakeNarrator {
	return &FakeNarrator{Result: res, Started: make(chan struct{})}
}

func (f *FakeNarrator) Narrate(ctx context.Context, req narrate.Request) (narrate.Result, error) {
	f.mu.Lock()
	f.Calls++
	f.LastReq = req
	gate, ignoreCancel := f.Gate, f.IgnoreCancel
	f.mu.Unlock()
	f.started.Do(func() {
		if f.Started != nil {
			close(f.Started)
		}
	})

	if gate != nil && ignoreCancel {
		<-gate
	} else if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return narrate.Result{}, ctx.Err()
		}
	}
	return f.Result, f.Err
}

func (f *FakeNarrator) GetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}
