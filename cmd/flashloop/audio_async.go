package main

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// audioChecker is implemented by openers that can cheaply confirm a
// program's audio exists before the slow open starts.
type audioChecker interface {
	CheckAudio(p Program) error
}

// AsyncAudio opens, drives and closes tracks on a helper goroutine per track
// so the render loop never waits on the audio backend. Calls made before a
// track is ready are coalesced and replayed once it is: the last volume, the
// last seek (advanced by the time spent waiting if the track was playing)
// and play/stop.
type AsyncAudio struct {
	Opener AudioOpener
	Logger *slog.Logger

	now func() time.Time
	wg  sync.WaitGroup
}

// OpenAudio returns a track at once. A missing asset is still reported here
// when the opener supports CheckAudio; later open failures are logged and
// returned by the track's methods.
func (a *AsyncAudio) OpenAudio(p Program) (AudioTrack, error) {
	if c, ok := a.Opener.(audioChecker); ok {
		if err := c.CheckAudio(p); err != nil {
			return nil, err
		}
	}

	logger := a.Logger
	if logger == nil {
		logger = discardLogger()
	}
	now := a.now
	if now == nil {
		now = time.Now
	}

	t := &asyncTrack{
		program: p,
		logger:  logger.With("program", int(p)),
		now:     now,
		wake:    make(chan struct{}, 1),
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t.run(a.Opener)
	}()
	return t, nil
}

// Wait blocks until every track handed out has been closed and released.
func (a *AsyncAudio) Wait() {
	a.wg.Wait()
}

// trackState is what the caller asked for since the last apply.
type trackState struct {
	volume    int
	volumeSet bool

	playing bool
	playSet bool

	seek    time.Duration
	seekAt  time.Time
	seekSet bool

	stop   bool
	closed bool
}

// asyncTrack is the AudioTrack handed to the render loop.
type asyncTrack struct {
	program Program
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	want    trackState
	applied bool // the backend track has received at least one apply
	err     error

	wake chan struct{}
}

var errTrackClosed = errors.New("audio track closed")

// update records a change and wakes the worker without blocking.
func (t *asyncTrack) update(fn func(s *trackState)) error {
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return err
	}
	if t.want.closed {
		t.mu.Unlock()
		return errTrackClosed
	}
	fn(&t.want)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

func (t *asyncTrack) Play() error {
	return t.update(func(s *trackState) {
		s.playing = true
		s.playSet = true
		if !t.applied && !s.seekSet {
			// Anchor the start so a slow open catches up with the video.
			s.seek = 0
			s.seekAt = t.now()
			s.seekSet = true
		}
	})
}

func (t *asyncTrack) Stop() error {
	return t.update(func(s *trackState) {
		s.playing = false
		s.stop = true
	})
}

func (t *asyncTrack) SetVolume(volume int) error {
	return t.update(func(s *trackState) {
		s.volume = volume
		s.volumeSet = true
	})
}

func (t *asyncTrack) Seek(offset time.Duration) error {
	return t.update(func(s *trackState) {
		s.seek = offset
		s.seekAt = t.now()
		s.seekSet = true
	})
}

// Close releases the backend track in the background.
func (t *asyncTrack) Close() error {
	t.mu.Lock()
	t.want.closed = true
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

func (t *asyncTrack) run(opener AudioOpener) {
	start := t.now()
	track, err := opener.OpenAudio(t.program)
	if err != nil {
		t.logger.Error("open audio failed", "error", err)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		return
	}
	t.logger.Debug("audio ready", "took", t.now().Sub(start))

	for {
		<-t.wake

		t.mu.Lock()
		s := t.want
		t.want = trackState{playing: s.playing, closed: s.closed}
		t.applied = true
		t.mu.Unlock()

		t.apply(track, s)

		if s.closed {
			if err := track.Close(); err != nil {
				t.logger.Warn("release audio failed", "error", err)
			}
			return
		}
	}
}

func (t *asyncTrack) apply(track AudioTrack, s trackState) {
	if s.closed && !s.stop {
		return
	}
	if s.volumeSet {
		if err := track.SetVolume(s.volume); err != nil {
			t.logger.Warn("set volume failed", "volume", s.volume, "error", err)
		}
	}
	if s.seekSet && !s.stop {
		pos := s.seek
		if s.playing {
			pos += t.now().Sub(s.seekAt)
		}
		if err := track.Seek(pos); err != nil {
			t.logger.Warn("seek audio failed", "position", pos, "error", err)
		}
	}
	if s.playSet && s.playing {
		if err := track.Play(); err != nil {
			t.logger.Warn("play audio failed", "error", err)
		}
	}
	if s.stop {
		if err := track.Stop(); err != nil {
			t.logger.Debug("stop audio failed", "error", err)
		}
	}
}
