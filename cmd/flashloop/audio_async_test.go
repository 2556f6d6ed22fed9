package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gatedAudioOpener blocks every open until gate is closed.
type gatedAudioOpener struct {
	gate chan struct{}
	err  error

	mu     sync.Mutex
	tracks []*recordingTrack
}

func newGatedAudioOpener() *gatedAudioOpener {
	return &gatedAudioOpener{gate: make(chan struct{})}
}

func (o *gatedAudioOpener) OpenAudio(p Program) (AudioTrack, error) {
	<-o.gate
	if o.err != nil {
		return nil, o.err
	}
	t := &recordingTrack{program: p}
	o.mu.Lock()
	o.tracks = append(o.tracks, t)
	o.mu.Unlock()
	return t, nil
}

func (o *gatedAudioOpener) opened() []*recordingTrack {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*recordingTrack(nil), o.tracks...)
}

// checkedAudioOpener also reports missing assets up front.
type checkedAudioOpener struct {
	*gatedAudioOpener
	missing error
}

func (o checkedAudioOpener) CheckAudio(Program) error { return o.missing }

// recordingTrack records the backend calls it receives.
type recordingTrack struct {
	program Program

	mu  sync.Mutex
	ops []string
}

func (t *recordingTrack) record(op string) error {
	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.mu.Unlock()
	return nil
}

func (t *recordingTrack) Play() error                { return t.record("play") }
func (t *recordingTrack) Stop() error                { return t.record("stop") }
func (t *recordingTrack) SetVolume(v int) error      { return t.record(fmt.Sprintf("volume %d", v)) }
func (t *recordingTrack) Seek(d time.Duration) error { return t.record("seek " + d.String()) }
func (t *recordingTrack) Close() error               { return t.record("close") }

func (t *recordingTrack) calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ops...)
}

// testNow is a clock safe to read from the track workers.
type testNow struct{ ns atomic.Int64 }

func (c *testNow) now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *testNow) advance(d time.Duration) { c.ns.Add(int64(d)) }

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAsyncAudio_ReplaysAfterSlowOpen(t *testing.T) {
	opener := newGatedAudioOpener()
	clock := &testNow{}
	a := &AsyncAudio{Opener: opener, now: clock.now}

	track, err := a.OpenAudio(2)
	if err != nil {
		t.Fatalf("OpenAudio() error = %v", err)
	}
	for _, call := range []func() error{
		func() error { return track.SetVolume(0) },
		track.Play,
		func() error { return track.Seek(2 * time.Second) },
		func() error { return track.SetVolume(10) },
	} {
		if err := call(); err != nil {
			t.Fatalf("call while opening error = %v", err)
		}
	}

	// The open takes half a second; playback must resume where it would be.
	clock.advance(500 * time.Millisecond)
	close(opener.gate)

	want := []string{"volume 10", "seek 2.5s", "play"}
	waitUntil(t, time.Second, func() bool {
		tracks := opener.opened()
		return len(tracks) == 1 && len(tracks[0].calls()) >= len(want)
	}, "calls not replayed")

	backend := opener.opened()[0]
	if got := backend.calls(); !equalStrings(got, want) {
		t.Errorf("backend calls = %v, want %v", got, want)
	}

	if err := track.SetVolume(70); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}
	_ = track.Stop()
	_ = track.Close()
	a.Wait()

	got := backend.calls()
	if tail := got[len(want):]; !equalStrings(tail, []string{"volume 70", "stop", "close"}) {
		t.Errorf("calls after open = %v, want volume 70, stop, close", tail)
	}
	if err := track.Play(); !errors.Is(err, errTrackClosed) {
		t.Errorf("Play() after Close error = %v, want errTrackClosed", err)
	}
}

func TestAsyncAudio_CloseBeforeOpenCompletes(t *testing.T) {
	opener := newGatedAudioOpener()
	a := &AsyncAudio{Opener: opener}

	track, err := a.OpenAudio(1)
	if err != nil {
		t.Fatalf("OpenAudio() error = %v", err)
	}
	_ = track.SetVolume(100)
	_ = track.Play()
	_ = track.Close()

	close(opener.gate)
	a.Wait()

	tracks := opener.opened()
	if len(tracks) != 1 {
		t.Fatalf("opened %d tracks, want 1", len(tracks))
	}
	if got := tracks[0].calls(); !equalStrings(got, []string{"close"}) {
		t.Errorf("backend calls = %v, want only close", got)
	}
}

func TestAsyncAudio_OpenFailureSurfacesLater(t *testing.T) {
	opener := newGatedAudioOpener()
	opener.err = errors.New("mpv not installed")
	close(opener.gate)
	a := &AsyncAudio{Opener: opener}

	track, err := a.OpenAudio(0)
	if err != nil {
		t.Fatalf("OpenAudio() error = %v, want nil until the worker runs", err)
	}
	a.Wait()

	if err := track.SetVolume(50); err == nil || err.Error() != "mpv not installed" {
		t.Errorf("SetVolume() error = %v, want the open error", err)
	}
	if err := track.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestAsyncAudio_MissingAssetIsImmediate(t *testing.T) {
	opener := checkedAudioOpener{gatedAudioOpener: newGatedAudioOpener(), missing: ErrAssetMissing}
	a := &AsyncAudio{Opener: opener}

	if _, err := a.OpenAudio(4); !errors.Is(err, ErrAssetMissing) {
		t.Fatalf("OpenAudio() error = %v, want ErrAssetMissing", err)
	}
	// No worker was started, so nothing waits on the gate.
	a.Wait()
}

func TestPlaybackLoop_FlashDoesNotWaitForAudio(t *testing.T) {
	counter := newTestCounter(2)
	video := newMockVideoOpener(1000)
	opener := newGatedAudioOpener()
	audio := &AsyncAudio{Opener: opener}

	loop, err := NewPlaybackLoop(LoopConfig{
		Counter:   counter,
		Media:     Media{Video: video, Audio: audio},
		Presenter: &mockPresenter{},
		Status:    NewStatusBoard(),
	})
	if err != nil {
		t.Fatalf("NewPlaybackLoop() error = %v", err)
	}

	// Every audio open stays blocked while the loop starts, flashes and finishes.
	done := make(chan error, 1)
	go func() {
		if err := loop.start(); err != nil {
			done <- err
			return
		}
		now := time.Unix(0, 0)
		loop.clock.now = func() time.Time {
			now = now.Add(time.Second)
			return now
		}
		for i := 0; i < 5; i++ {
			if err := loop.step(context.Background()); err != nil {
				done <- err
				return
			}
		}
		counter.Set(4)
		for i := 0; i < 25; i++ {
			if err := loop.step(context.Background()); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("playback error = %v", err)
		}
	case <-time.After(2 * time.Second):
		close(opener.gate)
		t.Fatalf("playback stalled on a blocked audio open")
	}

	if !loop.engine.Idle() || loop.state.Active.program != 4 {
		t.Errorf("after flash: phase=%v active=%d, want idle on 4", loop.engine.Phase(), loop.state.Active.program)
	}

	loop.releaseAll()
	close(opener.gate)
	audio.Wait()

	for _, tr := range opener.opened() {
		calls := tr.calls()
		if len(calls) == 0 || calls[len(calls)-1] != "close" {
			t.Errorf("program %d track calls = %v, want closed last", tr.program, calls)
		}
	}
}
