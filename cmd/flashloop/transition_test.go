package main

import (
	"errors"
	"image/color"
	"math"
	"testing"
	"time"
)

const testInterval = 40 * time.Millisecond

// newTestEngine returns an idle engine with program active already playing.
func newTestEngine(t *testing.T, active Program) (*TransitionEngine, *PlaybackState, *mockVideoOpener, *mockAudioOpener) {
	t.Helper()
	media, video, audio := newTestMedia(1000)

	d, err := openDeck(media, active, 0, volumeMax, 0)
	if err != nil {
		t.Fatalf("openDeck() error = %v", err)
	}
	state := &PlaybackState{Active: d, Interval: testInterval}
	return NewTransitionEngine(state, media, defaultFlashStep, nil), state, video, audio
}

func TestTransitionPhase_String(t *testing.T) {
	tests := []struct {
		phase TransitionPhase
		want  string
	}{
		{PhaseIdle, "idle"},
		{PhaseFlashStarting, "flash_starting"},
		{PhaseFlashActive, "flash_active"},
		{PhaseFlashFinishing, "flash_finishing"},
		{TransitionPhase(9), "phase(9)"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.phase), got, tt.want)
		}
	}
}

func TestRequestTransition_SameProgramIgnored(t *testing.T) {
	engine, _, video, _ := newTestEngine(t, 2)

	if engine.RequestTransition(2) {
		t.Fatalf("RequestTransition(active) = true, want false")
	}
	if !engine.Idle() {
		t.Fatalf("engine left idle after no-op request")
	}

	out, err := engine.ProcessFrame(solidFrame(color.RGBA{R: 200, A: 255}), 0)
	if err != nil {
		t.Fatalf("ProcessFrame() error = %v", err)
	}
	if got := out.RGBAAt(0, 0).R; got != 200 {
		t.Errorf("idle frame red = %d, want untouched 200", got)
	}
	if len(video.opens) != 1 {
		t.Errorf("video opened %d times, want only the active program", len(video.opens))
	}
}

func TestTransition_FullFlash(t *testing.T) {
	engine, state, video, audio := newTestEngine(t, 2)
	oldVideo := video.streams[0]
	oldAudio := audio.last(2)

	var events []StateBroadcast
	engine.publish = func(b StateBroadcast) { events = append(events, b) }

	if !engine.RequestTransition(4) {
		t.Fatalf("RequestTransition(4) = false, want true")
	}
	if engine.Phase() != PhaseFlashStarting {
		t.Fatalf("phase = %v, want flash_starting", engine.Phase())
	}

	// Start frame: the incoming program is opened in sync, nothing is blended yet.
	out, err := engine.ProcessFrame(solidFrame(color.RGBA{R: 200, A: 255}), 50)
	if err != nil {
		t.Fatalf("ProcessFrame(start) error = %v", err)
	}
	if got := out.RGBAAt(0, 0).R; got != 200 {
		t.Errorf("start frame red = %d, want 200", got)
	}
	if engine.Weight() != 1 || engine.Phase() != PhaseFlashActive {
		t.Fatalf("after start: weight=%v phase=%v, want 1 flash_active", engine.Weight(), engine.Phase())
	}
	if got := video.opens[len(video.opens)-1]; got != (videoOpen{program: 4, startFrame: 51}) {
		t.Errorf("incoming video open = %+v, want program 4 at frame 51", got)
	}
	incoming := audio.last(4)
	if incoming == nil {
		t.Fatalf("incoming audio not opened")
	}
	if len(incoming.seeks) != 1 || incoming.seeks[0] != 50*testInterval {
		t.Errorf("incoming audio seeks = %v, want [%v]", incoming.seeks, 50*testInterval)
	}
	if incoming.volume() != 0 {
		t.Errorf("incoming audio volume = %d, want 0", incoming.volume())
	}
	if state.Pending == nil || state.Pending.program != 4 {
		t.Fatalf("pending deck = %+v, want program 4", state.Pending)
	}

	// 20 blended frames with weight stepping down to 0.
	for i := 1; i <= 20; i++ {
		out, err := engine.ProcessFrame(solidFrame(color.RGBA{R: 200, A: 255}), 50+i)
		if err != nil {
			t.Fatalf("ProcessFrame(%d) error = %v", i, err)
		}
		want := 1 - float64(i)*defaultFlashStep
		if math.Abs(engine.Weight()-want) > 1e-9 {
			t.Fatalf("frame %d weight = %v, want %v", i, engine.Weight(), want)
		}
		if engine.Phase() != PhaseFlashActive {
			t.Fatalf("frame %d phase = %v, want flash_active", i, engine.Phase())
		}
		if oldAudio.volume()+incoming.volume() != volumeMax {
			t.Fatalf("frame %d volumes %d+%d do not sum to %d", i, oldAudio.volume(), incoming.volume(), volumeMax)
		}
		if i == 20 {
			if got := out.RGBAAt(0, 0).R; got != 145 {
				t.Errorf("final blended red = %d, want 145", got)
			}
		}
	}
	if engine.Weight() != 0 {
		t.Fatalf("weight after 20 frames = %v, want exactly 0", engine.Weight())
	}
	if oldAudio.volume() != 0 || incoming.volume() != volumeMax {
		t.Errorf("volumes at weight 0 = %d/%d, want 0/100", oldAudio.volume(), incoming.volume())
	}

	// Finish frame: the incoming program is promoted and the old one released.
	out, err = engine.ProcessFrame(solidFrame(color.RGBA{R: 200, A: 255}), 71)
	if err != nil {
		t.Fatalf("ProcessFrame(finish) error = %v", err)
	}
	if got := out.RGBAAt(0, 0).R; got != 200 {
		t.Errorf("finish frame red = %d, want unblended 200", got)
	}
	if !engine.Idle() || engine.Weight() != weightIdle {
		t.Fatalf("after finish: phase=%v weight=%v, want idle -1", engine.Phase(), engine.Weight())
	}
	if state.Active == nil || state.Active.program != 4 || state.Pending != nil {
		t.Fatalf("state after finish: active=%+v pending=%+v", state.Active, state.Pending)
	}
	if !oldVideo.closed || !oldAudio.closed || !oldAudio.stopped {
		t.Errorf("outgoing program not released: video=%v audio stopped=%v closed=%v",
			oldVideo.closed, oldAudio.stopped, oldAudio.closed)
	}

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	started, ok := events[0].(BroadcastTransitionStarted)
	if !ok || started.From != 2 || started.To != 4 || started.Ordinal != 50 || started.ID == "" {
		t.Errorf("first event = %+v, want transition 2->4 at 50", events[0])
	}
	finished, ok := events[1].(BroadcastTransitionFinished)
	if !ok || finished.Program != 4 || finished.ID != started.ID {
		t.Errorf("second event = %+v, want finish of %s", events[1], started.ID)
	}
}

func TestRequestTransition_IgnoredWhileInFlight(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, 0)

	if !engine.RequestTransition(3) {
		t.Fatalf("RequestTransition(3) = false")
	}
	if engine.RequestTransition(5) {
		t.Errorf("RequestTransition during flash_starting = true, want false")
	}
	if _, err := engine.ProcessFrame(solidFrame(color.RGBA{A: 255}), 0); err != nil {
		t.Fatalf("ProcessFrame() error = %v", err)
	}
	if engine.RequestTransition(1) {
		t.Errorf("RequestTransition during flash_active = true, want false")
	}
	if engine.Target() != 3 {
		t.Errorf("target = %d, want 3", engine.Target())
	}
}

func TestTransition_CustomStep(t *testing.T) {
	media, _, _ := newTestMedia(100)
	d, err := openDeck(media, 1, 0, volumeMax, 0)
	if err != nil {
		t.Fatalf("openDeck() error = %v", err)
	}
	state := &PlaybackState{Active: d, Interval: testInterval}
	engine := NewTransitionEngine(state, media, 0.25, nil)

	engine.RequestTransition(2)
	calls := 0
	for !engine.Idle() || calls == 0 {
		if _, err := engine.ProcessFrame(solidFrame(color.RGBA{A: 255}), calls); err != nil {
			t.Fatalf("ProcessFrame() error = %v", err)
		}
		calls++
		if calls > 100 {
			t.Fatalf("flash never finished")
		}
	}
	// start + 4 blended frames + finish
	if calls != 6 {
		t.Errorf("flash took %d frames, want 6", calls)
	}
}

func TestTransition_OpenFailureResetsToIdle(t *testing.T) {
	engine, state, video, _ := newTestEngine(t, 1)
	openErr := errors.New("no such file")
	video.err = openErr

	engine.RequestTransition(2)
	_, err := engine.ProcessFrame(solidFrame(color.RGBA{A: 255}), 10)
	if !errors.Is(err, openErr) {
		t.Fatalf("ProcessFrame() error = %v, want %v", err, openErr)
	}
	if !engine.Idle() {
		t.Errorf("phase = %v, want idle after failed start", engine.Phase())
	}
	if state.Pending != nil {
		t.Errorf("pending deck left behind after failed start")
	}
	if state.Active.program != 1 {
		t.Errorf("active program = %d, want 1", state.Active.program)
	}
}
