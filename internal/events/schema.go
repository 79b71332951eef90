package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Known interaction types captured by the extension.
const (
	TypeClick      = "click"
	TypeType       = "type"
	TypeFocus      = "focus"
	TypeBlur       = "blur"
	TypeScroll     = "scroll"
	TypeStepChange = "step_change"
)

var knownTypes = map[string]bool{
	TypeClick:      true,
	TypeType:       true,
	TypeFocus:      true,
	TypeBlur:       true,
	TypeScroll:     true,
	TypeStepChange: true,
}

// BoundingBox is the on-screen rectangle of an element.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Target describes the element an interaction happened on.
type Target struct {
	Tag        string            `json:"tag"`
	ID         string            `json:"id,omitempty"`
	Classes    []string          `json:"classes,omitempty"`
	Text       string            `json:"text,omitempty"`
	Selector   string            `json:"selector"`
	BBox       BoundingBox       `json:"bbox"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Type       string            `json:"type,omitempty"`
	Name       string            `json:"name,omitempty"`
}

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ScrollPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PageMetadata is the page state at the moment of the interaction.
type PageMetadata struct {
	URL            string          `json:"url"`
	Viewport       Viewport        `json:"viewport"`
	ScrollPosition *ScrollPosition `json:"scrollPosition,omitempty"`
}

// InteractionEvent is a raw DOM interaction as captured by the extension.
// Timestamp is milliseconds since recording start.
type InteractionEvent struct {
	Timestamp int64        `json:"timestamp"`
	Type      string       `json:"type"`
	Target    *Target      `json:"target,omitempty"`
	Value     string       `json:"value,omitempty"`
	Metadata  PageMetadata `json:"metadata"`
}

// Normalize decodes a batch of raw events and fills in missing fields.
// Events with an unknown type are kept verbatim.
func Normalize(raw []byte) ([]InteractionEvent, error) {
	var evts []InteractionEvent
	if err := json.Unmarshal(raw, &evts); err != nil {
		return nil, fmt.Errorf("decode interaction events: %w", err)
	}
	for i := range evts {
		NormalizeEvent(&evts[i])
	}
	return evts, nil
}

// NormalizeEvent clamps negative timestamps and fills empty maps.
func NormalizeEvent(e *InteractionEvent) {
	if e.Timestamp < 0 {
		slog.Warn("interaction event has negative timestamp, clamping to 0", "type", e.Type, "timestamp", e.Timestamp)
		e.Timestamp = 0
	}
	if !knownTypes[e.Type] {
		slog.Debug("unknown interaction event type", "type", e.Type)
	}
	if e.Target != nil && e.Target.Attributes == nil {
		e.Target.Attributes = map[string]string{}
	}
}

// Known reports whether t is one of the interaction types the extension emits.
func Known(t string) bool {
	return knownTypes[t]
}
