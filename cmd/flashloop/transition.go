package main

import (
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// TransitionPhase is the state of the flash state machine.
type TransitionPhase int

const (
	PhaseIdle TransitionPhase = iota
	PhaseFlashStarting
	PhaseFlashActive
	PhaseFlashFinishing
)

func (p TransitionPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFlashStarting:
		return "flash_starting"
	case PhaseFlashActive:
		return "flash_active"
	case PhaseFlashFinishing:
		return "flash_finishing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// weightIdle is the blend weight reported outside a transition.
const weightIdle = -1

// TransitionEngine runs the over-white flash and audio crossfade between
// two programs. It is driven one frame at a time by the playback loop and
// never blocks on anything but opening the incoming media.
type TransitionEngine struct {
	state  *PlaybackState
	media  Media
	step   float64
	logger *slog.Logger

	// publish receives state feed events; may be nil.
	publish func(StateBroadcast)

	phase  TransitionPhase
	target Program
	id     string
	steps  int // decrements applied since the flash started
	weight float64
}

// NewTransitionEngine creates an idle engine acting on state. step is the
// per-frame weight decrement; 0 selects the default.
func NewTransitionEngine(state *PlaybackState, media Media, step float64, logger *slog.Logger) *TransitionEngine {
	if step <= 0 {
		step = defaultFlashStep
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &TransitionEngine{
		state:  state,
		media:  media,
		step:   step,
		logger: logger,
		weight: weightIdle,
	}
}

// Phase returns the current phase.
func (e *TransitionEngine) Phase() TransitionPhase { return e.phase }

// Idle reports whether no transition is in flight.
func (e *TransitionEngine) Idle() bool { return e.phase == PhaseIdle }

// Weight is the current blend weight, or -1 when idle.
func (e *TransitionEngine) Weight() float64 { return e.weight }

// Target is the program being transitioned to. Only meaningful when not idle.
func (e *TransitionEngine) Target() Program { return e.target }

// RequestTransition arms a flash to target. It is a no-op (and returns false)
// while a transition is in flight or when target is already active.
func (e *TransitionEngine) RequestTransition(target Program) bool {
	if e.phase != PhaseIdle {
		e.logger.Debug("transition request ignored, flash in progress",
			"requested", target, "target", e.target, "phase", e.phase)
		return false
	}
	if e.state.Active != nil && e.state.Active.program == target {
		return false
	}

	e.target = target
	e.id = uuid.NewString()
	e.phase = PhaseFlashStarting
	return true
}

// ProcessFrame advances the state machine by one frame. raw is the frame just
// read and ordinal its index in the running stream. The returned image is
// raw, blended in place while a flash is active.
//
// An error means the incoming program could not be opened; the caller should
// treat it as fatal.
func (e *TransitionEngine) ProcessFrame(raw *image.RGBA, ordinal int) (*image.RGBA, error) {
	switch e.phase {
	case PhaseIdle:
		return raw, nil

	case PhaseFlashStarting:
		if err := e.begin(ordinal); err != nil {
			e.reset()
			return nil, err
		}
		// Weight 1 is the identity blend.
		return raw, nil

	case PhaseFlashActive:
		if e.weight <= 0 {
			e.finish()
			return raw, nil
		}
		e.steps++
		e.weight = 1 - float64(e.steps)*e.step
		if math.Abs(e.weight) < 1e-9 {
			e.weight = 0
		}
		e.crossfade()
		applyFlash(raw, e.weight)
		return raw, nil

	default:
		return raw, nil
	}
}

// begin opens the incoming program in sync with the outgoing one and starts
// its audio silent.
func (e *TransitionEngine) begin(ordinal int) error {
	offset := time.Duration(ordinal) * e.state.Interval

	pending, err := openDeck(e.media, e.target, ordinal+1, 0, offset)
	if err != nil {
		return fmt.Errorf("start transition to program %d: %w", e.target, err)
	}
	e.state.Pending = pending

	var from Program
	if e.state.Active != nil {
		from = e.state.Active.program
	}

	e.steps = 0
	e.weight = 1
	e.phase = PhaseFlashActive

	e.logger.Info("transition started",
		"id", e.id, "from", from, "to", e.target, "ordinal", ordinal, "audio_offset", offset)
	e.emit(BroadcastTransitionStarted{ID: e.id, From: from, To: e.target, Ordinal: ordinal})
	return nil
}

// crossfade sets the two audio volumes for the current weight.
func (e *TransitionEngine) crossfade() {
	outgoing, incoming := crossfadeVolumes(e.weight)
	if e.state.Active != nil {
		e.state.Active.setVolume(outgoing, e.logger)
	}
	if e.state.Pending != nil {
		e.state.Pending.setVolume(incoming, e.logger)
	}
}

// finish releases the outgoing program and promotes the incoming one.
func (e *TransitionEngine) finish() {
	e.phase = PhaseFlashFinishing

	old := e.state.Active
	e.state.Active = e.state.Pending
	e.state.Pending = nil
	old.release(e.logger)

	if e.state.Active != nil && e.state.Active.volume != volumeMax {
		e.state.Active.setVolume(volumeMax, e.logger)
	}

	e.logger.Info("transition finished", "id", e.id, "program", e.target)
	e.emit(BroadcastTransitionFinished{ID: e.id, Program: e.target})
	e.reset()
}

func (e *TransitionEngine) reset() {
	e.phase = PhaseIdle
	e.weight = weightIdle
	e.steps = 0
	e.id = ""
}

func (e *TransitionEngine) emit(b StateBroadcast) {
	if e.publish != nil {
		e.publish(b)
	}
}
