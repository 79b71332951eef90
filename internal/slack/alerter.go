package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Alert describes a session that ended badly.
type Alert struct {
	SessionID string
	Status    string
	Source    string
	Reason    string
}

// Alerter posts session alerts to a Slack channel via chat.postMessage.
type Alerter struct {
	token       string
	channel     string
	client      *http.Client
	apiURL      string
	minInterval time.Duration

	mu         sync.Mutex
	lastSent   time.Time
	suppressed int
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:       token,
		channel:     channel,
		client:      &http.Client{Timeout: 10 * time.Second},
		apiURL:      "https://slack.com/api/chat.postMessage",
		minInterval: 30 * time.Second,
	}
}

// PostSessionAlert sends a Block Kit message for a failed or degraded
// session. At most one alert goes out per interval; alerts skipped in
// between are counted and reported with the next one.
func (a *Alerter) PostSessionAlert(ctx context.Context, alert Alert) error {
	a.mu.Lock()
	if time.Since(a.lastSent) < a.minInterval {
		a.suppressed++
		a.mu.Unlock()
		return nil
	}
	a.lastSent = time.Now()
	suppressed := a.suppressed
	a.suppressed = 0
	a.mu.Unlock()

	reason := alert.Reason
	if reason == "" {
		reason = "unknown"
	}
	source := alert.Source
	if source == "" {
		source = "none"
	}

	footer := fmt.Sprintf("Sent at %s", time.Now().UTC().Format(time.RFC3339))
	if suppressed > 0 {
		footer += fmt.Sprintf(" (%d earlier alerts suppressed)", suppressed)
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": "Narration Session Alert",
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Session:*\n%s", alert.SessionID)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Status:*\n%s", alert.Status)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Source:*\n%s", source)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:*\n%s", reason)},
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": footer},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    fmt.Sprintf("Session %s %s: %s", alert.SessionID, alert.Status, reason),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	slog.Info("session alert posted to Slack", "channel", a.channel, "session_id", alert.SessionID, "status", alert.Status)
	return nil
}
