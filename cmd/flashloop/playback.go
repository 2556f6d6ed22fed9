package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Playback Loop
// ============================================================================
// The loop owns PlaybackState and is the only goroutine touching the decode
// collaborators. Each iteration:
//
//   1. picks up a count change (only while no flash is running)
//   2. reads the next frame, looping the program on end of stream
//   3. runs the frame through the transition engine
//   4. draws the count overlay and presents the frame
//   5. waits for the next tick, applying queued overrides meanwhile
//
// Deferring count changes until the engine is idle means a change that
// arrives mid-flash is caught up as soon as the flash completes.
// ============================================================================

// LoopConfig wires the playback loop to its collaborators.
type LoopConfig struct {
	Counter   CountSource
	Media     Media
	Presenter Presenter

	// Overlay draws the count on every frame; nil disables it.
	Overlay *CountOverlay

	// Inputs carries manual overrides, drained between frames.
	Inputs <-chan Action

	// Broadcasts receives state feed events; nil disables them.
	// Sends never block.
	Broadcasts chan<- StateBroadcast

	// Status is updated every frame; may be nil.
	Status *StatusBoard

	FlashStep float64
	Logger    *slog.Logger
}

// PlaybackLoop drives the installation frame by frame.
type PlaybackLoop struct {
	cfg    LoopConfig
	logger *slog.Logger

	state  PlaybackState
	clock  *FrameClock
	engine *TransitionEngine
}

// NewPlaybackLoop validates cfg and returns an unstarted loop.
func NewPlaybackLoop(cfg LoopConfig) (*PlaybackLoop, error) {
	if cfg.Counter == nil {
		return nil, errors.New("playback: counter is required")
	}
	if cfg.Media.Video == nil || cfg.Media.Audio == nil {
		return nil, errors.New("playback: video and audio openers are required")
	}
	if cfg.Presenter == nil {
		return nil, errors.New("playback: presenter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &PlaybackLoop{cfg: cfg, logger: logger}, nil
}

// Run plays until ctx is canceled (returning nil) or a fatal error occurs.
// Every decode resource is released before Run returns.
func (l *PlaybackLoop) Run(ctx context.Context) error {
	defer l.releaseAll()

	if err := l.start(); err != nil {
		return err
	}

	for ctx.Err() == nil {
		if err := l.step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}
	l.logger.Info("playback stopping")
	return nil
}

// start opens the program matching the initial count and fixes the frame
// interval from its frame rate.
func (l *PlaybackLoop) start() error {
	initial := Program(l.cfg.Counter.Current())
	// The initial count is already reflected by the first program.
	l.cfg.Counter.ConsumeChanged()

	active, err := openDeck(l.cfg.Media, initial, 0, volumeMax, 0)
	if err != nil {
		return err
	}
	l.state.Active = active

	fps := active.video.FrameRate()
	interval := intervalFromFPS(fps)
	if interval <= 0 {
		return fmt.Errorf("program %d reports invalid frame rate %v", initial, fps)
	}
	l.state.Interval = interval

	l.clock = NewFrameClock(interval, l.cfg.Inputs)
	l.engine = NewTransitionEngine(&l.state, l.cfg.Media, l.cfg.FlashStep, l.logger)
	l.engine.publish = l.publish

	l.logger.Info("playback started", "program", initial, "fps", fps, "interval", interval)
	return nil
}

func (l *PlaybackLoop) step(ctx context.Context) error {
	if l.engine.Idle() && l.cfg.Counter.ConsumeChanged() {
		n := l.cfg.Counter.Current()
		l.publish(BroadcastCountChanged{Count: n})
		if l.engine.RequestTransition(Program(n)) {
			l.logger.Debug("transition requested", "count", n, "from", l.state.Active.program)
		}
	}

	frame, err := l.nextFrame()
	if err != nil {
		return err
	}

	out, err := l.engine.ProcessFrame(frame, l.state.Ordinal)
	if err != nil {
		return err
	}
	l.state.Ordinal++

	count := l.cfg.Counter.Current()
	if l.cfg.Overlay != nil {
		l.cfg.Overlay.Draw(out, count)
	}
	if err := l.cfg.Presenter.Present(out); err != nil {
		return fmt.Errorf("present frame: %w", err)
	}

	l.updateStatus(count)

	return l.clock.WaitForNextTick(ctx, l.cfg.Counter.Override)
}

// nextFrame reads from the current source deck. On end of stream the deck is
// restarted from the beginning; a deck that cannot produce a frame right after
// opening from the start is fatal.
func (l *PlaybackLoop) nextFrame() (*image.RGBA, error) {
	d := l.state.source()

	frame, err := d.video.ReadFrame()
	if err == nil {
		d.framesRead++
		return frame, nil
	}
	if !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read frame from program %d: %w", d.program, err)
	}
	if d.startFrame == 0 && d.framesRead == 0 {
		return nil, fmt.Errorf("%w: program %d", ErrNoFrames, d.program)
	}

	if err := l.loopDeck(d); err != nil {
		return nil, err
	}

	frame, err = d.video.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: program %d", ErrNoFrames, d.program)
		}
		return nil, fmt.Errorf("read frame from program %d: %w", d.program, err)
	}
	d.framesRead++
	return frame, nil
}

// loopDeck restarts d from frame 0 with fresh audio. No flash is involved.
func (l *PlaybackLoop) loopDeck(d *deck) error {
	l.logger.Debug("end of stream, looping", "program", d.program, "frames", d.startFrame+d.framesRead)

	if err := d.restart(l.cfg.Media, l.logger); err != nil {
		return err
	}
	l.state.Ordinal = 0
	l.publish(BroadcastProgramLooped{Program: d.program})
	return nil
}

func (l *PlaybackLoop) releaseAll() {
	l.state.Pending.release(l.logger)
	l.state.Pending = nil
	l.state.Active.release(l.logger)
	l.state.Active = nil
}

func (l *PlaybackLoop) publish(b StateBroadcast) {
	if l.cfg.Broadcasts == nil {
		return
	}
	select {
	case l.cfg.Broadcasts <- b:
	default:
		l.logger.Debug("state broadcast dropped", "type", fmt.Sprintf("%T", b))
	}
}

func (l *PlaybackLoop) updateStatus(count int) {
	if l.cfg.Status == nil {
		return
	}
	s := Status{
		Count:    count,
		Phase:    l.engine.Phase().String(),
		Ordinal:  l.state.Ordinal,
		Interval: l.state.Interval,
	}
	if l.state.Active != nil {
		s.Program = l.state.Active.program
	}
	if !l.engine.Idle() {
		s.Target = l.engine.Target()
		s.Weight = l.engine.Weight()
	}
	l.cfg.Status.Set(s)
}

// ============================================================================
// Status board
// ============================================================================

// Status is a snapshot of the loop for the IPC status command and the
// state feed's initial message.
type Status struct {
	Count    int           `json:"count"`
	Program  Program       `json:"program"`
	Phase    string        `json:"phase"`
	Target   Program       `json:"target,omitempty"`
	Weight   float64       `json:"weight,omitempty"`
	Ordinal  int           `json:"ordinal"`
	Interval time.Duration `json:"interval_ns"`
	At       time.Time     `json:"at"`
}

// StatusBoard holds the latest Status for readers on other goroutines.
type StatusBoard struct {
	mu     sync.RWMutex
	status Status
	now    func() time.Time
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{status: Status{Phase: PhaseIdle.String()}, now: time.Now}
}

func (b *StatusBoard) Set(s Status) {
	s.At = b.now().UTC()
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *StatusBoard) Get() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}
