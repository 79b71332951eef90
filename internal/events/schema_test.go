package events

import (
	"encoding/json"
	"testing"
)

func TestNormalize_ValidEvents(t *testing.T) {
	raw, _ := json.Marshal([]map[string]any{
		{
			"timestamp": 1200,
			"type":      "click",
			"target": map[string]any{
				"tag":      "button",
				"text":     "Save",
				"selector": "#save",
				"bbox":     map[string]any{"x": 10, "y": 20, "width": 80, "height": 24},
			},
			"metadata": map[string]any{"url": "https://app.test/settings", "viewport": map[string]any{"width": 1280, "height": 720}},
		},
		{
			"timestamp": 2400,
			"type":      "type",
			"value":     "hello",
			"metadata":  map[string]any{"url": "https://app.test/settings", "viewport": map[string]any{"width": 1280, "height": 720}},
		},
	})

	evts, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evts))
	}
	if evts[0].Target == nil || evts[0].Target.Selector != "#save" {
		t.Errorf("expected selector #save, got %+v", evts[0].Target)
	}
	if evts[0].Target.Attributes == nil {
		t.Error("expected attributes map to be initialized")
	}
	if evts[0].Metadata.Viewport.Width != 1280 {
		t.Errorf("expected viewport width 1280, got %d", evts[0].Metadata.Viewport.Width)
	}
	if evts[1].Value != "hello" {
		t.Errorf("expected value hello, got %s", evts[1].Value)
	}
}

func TestNormalize_NegativeTimestampClamped(t *testing.T) {
	evts, err := Normalize([]byte(`[{"timestamp":-50,"type":"scroll","metadata":{"url":"u","viewport":{"width":1,"height":1}}}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evts[0].Timestamp != 0 {
		t.Errorf("expected timestamp clamped to 0, got %d", evts[0].Timestamp)
	}
}

func TestNormalize_UnknownTypeKept(t *testing.T) {
	evts, err := Normalize([]byte(`[{"timestamp":5,"type":"hover","metadata":{"url":"u","viewport":{"width":1,"height":1}}}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != "hover" {
		t.Errorf("expected unknown event kept verbatim, got %+v", evts)
	}
	if Known("hover") {
		t.Error("hover should not be a known type")
	}
}

func TestNormalize_InvalidJSON(t *testing.T) {
	_, err := Normalize([]byte(`not json`))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestFromEvent_CopiesTarget(t *testing.T) {
	e := InteractionEvent{
		Timestamp: 900,
		Type:      TypeClick,
		Target: &Target{
			Tag:      "a",
			Text:     "Docs",
			Selector: "nav a.docs",
			BBox:     BoundingBox{X: 1, Y: 2, Width: 3, Height: 4},
		},
	}

	ins := FromEvent(e)
	if ins.Type != InstructionFallback {
		t.Errorf("expected fallback type, got %s", ins.Type)
	}
	if ins.Timestamp != 900 {
		t.Errorf("expected timestamp 900, got %d", ins.Timestamp)
	}
	if ins.Action != TypeClick {
		t.Errorf("expected action click, got %s", ins.Action)
	}
	if ins.Selector != "nav a.docs" {
		t.Errorf("expected selector nav a.docs, got %s", ins.Selector)
	}
	if ins.BBox == nil || ins.BBox.Width != 3 {
		t.Errorf("expected bbox copied, got %+v", ins.BBox)
	}
	if ins.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %f", ins.Confidence)
	}
	if ins.Target["text"] != "Docs" {
		t.Errorf("expected target text Docs, got %v", ins.Target["text"])
	}
}

func TestFromEvent_NoTarget(t *testing.T) {
	ins := FromEvent(InteractionEvent{Timestamp: 10, Type: TypeScroll})
	if ins.BBox != nil || ins.Target != nil || ins.Selector != "" {
		t.Errorf("expected no target fields, got %+v", ins)
	}
}

func TestGroupSteps(t *testing.T) {
	evts := []InteractionEvent{
		{Timestamp: 0, Type: TypeClick},
		{Timestamp: 500, Type: TypeType},
		{Timestamp: 3000, Type: TypeClick},     // gap > 2000ms
		{Timestamp: 3100, Type: TypeStepChange}, // explicit step change
		{Timestamp: 3200, Type: TypeClick},
	}

	steps := GroupSteps(evts)
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if len(steps[0].Events) != 2 || steps[0].EndTime != 500 {
		t.Errorf("unexpected first step: %+v", steps[0])
	}
	if steps[1].Number != 2 || len(steps[1].Events) != 1 {
		t.Errorf("unexpected second step: %+v", steps[1])
	}
	if steps[2].StartTime != 3100 || len(steps[2].Events) != 2 {
		t.Errorf("unexpected third step: %+v", steps[2])
	}
}

func TestGroupSteps_Empty(t *testing.T) {
	if steps := GroupSteps(nil); steps != nil {
		t.Errorf("expected nil steps, got %v", steps)
	}
}

func TestExtractText(t *testing.T) {
	evts := []InteractionEvent{
		{Type: TypeClick, Target: &Target{Text: "Sign in"}},
		{Type: TypeType, Value: "ada@example.com"},
		{Type: TypeFocus, Target: &Target{Attributes: map[string]string{"data-testid": "password"}}},
		{Type: TypeScroll},
	}

	got := ExtractText(evts)
	want := "Clicked: Sign in Typed: ada@example.com Focused: password"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestSortByTimestamp_Stable(t *testing.T) {
	evts := []InteractionEvent{
		{Timestamp: 30, Value: "c"},
		{Timestamp: 10, Value: "a"},
		{Timestamp: 30, Value: "d"},
		{Timestamp: 20, Value: "b"},
	}
	SortByTimestamp(evts)

	var got string
	for _, e := range evts {
		got += e.Value
	}
	if got != "abcd" {
		t.Errorf("expected stable order abcd, got %s", got)
	}
}
