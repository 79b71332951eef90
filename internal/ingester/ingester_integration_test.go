package ingester

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/narrate"

	"github.com/nats-io/nats.go"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_ConsumeLiveResult(t *testing.T) {
	natsURL := skipWithoutNATS(t)

	ing, err := New(natsURL)
	if err != nil {
		t.Fatalf("failed to create ingester: %v", err)
	}
	defer ing.Close()

	var mu sync.Mutex
	got := map[string]narrate.Result{}
	ing.SetLiveResultHandler(func(_ context.Context, id string, res narrate.Result) error {
		mu.Lock()
		defer mu.Unlock()
		got[id] = res
		return nil
	})

	if err := ing.Start(); err != nil {
		t.Fatalf("failed to start ingester: %v", err)
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect to NATS: %v", err)
	}
	defer nc.Drain()

	id := "it-" + time.Now().Format("150405.000000")
	data, _ := json.Marshal(map[string]any{
		"script":       "integration",
		"instructions": []map[string]any{{"timestamp": 10, "text": "hello"}},
	})
	if err := nc.Publish("narrator.live."+id, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	nc.Flush()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		res, ok := got[id]
		mu.Unlock()
		if ok {
			if res.Script != "integration" {
				t.Errorf("expected script integration, got %q", res.Script)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("live result not consumed")
}

func TestIntegration_PublishAnnouncement(t *testing.T) {
	natsURL := skipWithoutNATS(t)

	ing, err := New(natsURL)
	if err != nil {
		t.Fatalf("failed to create ingester: %v", err)
	}
	defer ing.Close()

	data, _ := json.Marshal(map[string]any{
		"event_type": "agent.registered",
		"source":     "narrator-test",
	})

	if err := ing.Publish("narrator.agent.registered", data); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
}
