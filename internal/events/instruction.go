package events

import (
	"fmt"
	"sort"
	"strings"
)

// InstructionType tags the source of a playback instruction.
type InstructionType string

const (
	InstructionTranscript InstructionType = "transcript"
	InstructionNarration  InstructionType = "narration"
	InstructionFallback   InstructionType = "fallback"
	InstructionError      InstructionType = "error"
)

// Instruction is one timestamped unit of playback guidance. Timestamp is
// milliseconds since recording start; the sequence index is assigned by the
// broadcast channel on publish.
type Instruction struct {
	Type       InstructionType   `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Text       string            `json:"text,omitempty"`
	Action     string            `json:"action,omitempty"`
	Selector   string            `json:"selector,omitempty"`
	Value      string            `json:"value,omitempty"`
	BBox       *BoundingBox      `json:"bbox,omitempty"`
	Target     map[string]any    `json:"target,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// FromEvent converts a raw interaction into a fallback instruction.
// DOM events are exact observations, so confidence is always 1.
func FromEvent(e InteractionEvent) Instruction {
	ins := Instruction{
		Type:       InstructionFallback,
		Timestamp:  e.Timestamp,
		Action:     e.Type,
		Value:      e.Value,
		Confidence: 1.0,
	}
	if e.Target != nil {
		bbox := e.Target.BBox
		ins.Selector = e.Target.Selector
		ins.BBox = &bbox
		ins.Target = map[string]any{
			"tag":        e.Target.Tag,
			"id":         e.Target.ID,
			"classes":    e.Target.Classes,
			"text":       e.Target.Text,
			"type":       e.Target.Type,
			"name":       e.Target.Name,
			"attributes": e.Target.Attributes,
		}
	}
	return ins
}

// Step is a group of interactions separated from the next group by a pause
// or an explicit step change.
type Step struct {
	Number    int                `json:"step_number"`
	StartTime int64              `json:"start_time"`
	EndTime   int64              `json:"end_time"`
	Events    []InteractionEvent `json:"events"`
}

// StepGap is the inactivity that starts a new step.
const StepGap int64 = 2000

// GroupSteps splits events into steps. A new step starts after more than
// StepGap ms of inactivity or on a step_change event. Input order is kept.
func GroupSteps(evts []InteractionEvent) []Step {
	if len(evts) == 0 {
		return nil
	}

	var steps []Step
	cur := Step{Number: 1, StartTime: evts[0].Timestamp, EndTime: evts[0].Timestamp, Events: []InteractionEvent{evts[0]}}
	for _, e := range evts[1:] {
		if e.Timestamp-cur.EndTime > StepGap || e.Type == TypeStepChange {
			steps = append(steps, cur)
			cur = Step{Number: len(steps) + 1, StartTime: e.Timestamp, EndTime: e.Timestamp, Events: []InteractionEvent{e}}
			continue
		}
		cur.Events = append(cur.Events, e)
		cur.EndTime = e.Timestamp
	}
	return append(steps, cur)
}

// ExtractText summarizes visible text from clicks, typed values and focused
// elements, in event order.
func ExtractText(evts []InteractionEvent) string {
	var parts []string
	for _, e := range evts {
		switch {
		case e.Type == TypeClick && e.Target != nil && e.Target.Text != "":
			parts = append(parts, fmt.Sprintf("Clicked: %s", e.Target.Text))
		case e.Type == TypeType && e.Value != "":
			parts = append(parts, fmt.Sprintf("Typed: %s", e.Value))
		case e.Type == TypeFocus && e.Target != nil:
			if e.Target.Text != "" {
				parts = append(parts, fmt.Sprintf("Focused: %s", e.Target.Text))
			} else if tid := e.Target.Attributes["data-testid"]; tid != "" {
				parts = append(parts, fmt.Sprintf("Focused: %s", tid))
			}
		}
	}
	return strings.Join(parts, " ")
}

// SortByTimestamp orders events by timestamp, keeping arrival order for ties.
func SortByTimestamp(evts []InteractionEvent) {
	sort.SliceStable(evts, func(i, j int) bool { return evts[i].Timestamp < evts[j].Timestamp })
}

// SortInstructions orders instructions by timestamp, stable for ties.
func SortInstructions(ins []Instruction) {
	sort.SliceStable(ins, func(i, j int) bool { return ins[i].Timestamp < ins[j].Timestamp })
}
