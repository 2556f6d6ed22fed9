package main

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Override Actions
// ============================================================================
// Actions are manual overrides of the person count coming from a keyboard,
// an evdev device or the IPC socket. They are queued and drained by the
// FrameClock between frames, then applied to the counter.
// ============================================================================

// Action is a marker interface for manual count overrides.
type Action interface {
	actionMarker()
}

// Increment adds one person.
type Increment struct{}

func (Increment) actionMarker() {}

// Decrement removes one person.
type Decrement struct{}

func (Decrement) actionMarker() {}

// SetCount sets the count directly. Only 0..5 is accepted.
type SetCount struct {
	Count int `json:"count"`
}

func (SetCount) actionMarker() {}

// KeyPress carries a raw platform key code. The counter's keymap decides
// what (if anything) it means.
type KeyPress struct {
	Code int `json:"code"`
}

func (KeyPress) actionMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// ActionEnvelope wraps an action with a type discriminator for JSON marshaling
type ActionEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalAction deserializes a JSON envelope into a concrete Action.
func UnmarshalAction(data []byte) (Action, error) {
	var env ActionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "increment":
		return Increment{}, nil

	case "decrement":
		return Decrement{}, nil

	case "set_count":
		var a SetCount
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetCount: %w", err)
		}
		return a, nil

	case "key":
		var a KeyPress
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal KeyPress: %w", err)
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown action type: %q", env.Type)
	}
}

// MarshalAction serializes an Action into a JSON envelope with type discriminator
func MarshalAction(a Action) ([]byte, error) {
	var env ActionEnvelope

	switch a := a.(type) {
	case Increment:
		env.Type = "increment"
	case Decrement:
		env.Type = "decrement"

	case SetCount:
		env.Type = "set_count"
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal SetCount: %w", err)
		}
		env.Data = data

	case KeyPress:
		env.Type = "key"
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal KeyPress: %w", err)
		}
		env.Data = data

	default:
		return nil, fmt.Errorf("unsupported action type: %T", a)
	}

	return json.Marshal(env)
}

// ============================================================================
// State Broadcasts
// ============================================================================
// Broadcasts are emitted by the playback loop and fanned out to websocket
// viewers. They are informational; dropping one never affects playback.
// ============================================================================

// StateBroadcast is a marker interface for state feed events.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastCountChanged is emitted when the loop observes a new count.
type BroadcastCountChanged struct {
	Count int
}

func (BroadcastCountChanged) broadcastMarker() {}

// BroadcastTransitionStarted is emitted when a flash begins.
type BroadcastTransitionStarted struct {
	ID      string
	From    Program
	To      Program
	Ordinal int
}

func (BroadcastTransitionStarted) broadcastMarker() {}

// BroadcastTransitionFinished is emitted once the new program is promoted.
type BroadcastTransitionFinished struct {
	ID      string
	Program Program
}

func (BroadcastTransitionFinished) broadcastMarker() {}

// BroadcastProgramLooped is emitted on a natural end-of-stream restart.
type BroadcastProgramLooped struct {
	Program Program
}

func (BroadcastProgramLooped) broadcastMarker() {}
