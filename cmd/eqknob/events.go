package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Actions - intent from IPC clients
// ============================================================================
// Actions implement the reducer's Event marker so they can be reduced
// directly. Sensor-originated events (KnobReading, FanStateChanged) live next
// to their producers.
// ============================================================================

// KnobPause stops new knob cycles until KnobResume.
type KnobPause struct{}

func (KnobPause) eventMarker() {}

// KnobResume restarts knob cycles after KnobPause.
type KnobResume struct{}

func (KnobResume) eventMarker() {}

// SetBlend sets the preset blend directly (0 = preset A, 1 = preset B).
// It holds until the next knob reading.
type SetBlend struct {
	Proportion float64 `json:"proportion"`
	Origin     string  `json:"origin,omitempty"` // e.g. "ipc", "startup"
}

func (SetBlend) eventMarker() {}

// RequestStateSnapshot asks the daemon loop for a coherent state copy.
// The reply channel should be buffered (cap >= 1).
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// TimedEvent stamps an event with its arrival time at the daemon loop.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "knob_pause":
		return KnobPause{}, nil

	case "knob_resume":
		return KnobResume{}, nil

	case "set_blend":
		var a SetBlend
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetBlend: %w", err)
		}
		if a.Proportion < 0 || a.Proportion > 1 {
			return nil, fmt.Errorf("set_blend: proportion %v outside [0,1]", a.Proportion)
		}
		if a.Origin == "" {
			a.Origin = "ipc"
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// ipcEventType names the envelope type of actions that travel over IPC.
// Other events return "".
func ipcEventType(e Event) string {
	switch e.(type) {
	case KnobPause:
		return "knob_pause"
	case KnobResume:
		return "knob_resume"
	case SetBlend:
		return "set_blend"
	}
	return ""
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	env := EventEnvelope{Type: ipcEventType(e)}
	if env.Type == "" {
		return nil, fmt.Errorf("event %T cannot be sent over IPC", e)
	}

	if blend, ok := e.(SetBlend); ok {
		data, err := json.Marshal(blend)
		if err != nil {
			return nil, fmt.Errorf("marshal SetBlend: %w", err)
		}
		env.Data = data
	}

	return json.Marshal(env)
}
