package main

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"
)

// ErrNoFrames means a freshly (re)opened video could not produce a single
// frame. This points at a missing or corrupt asset and is fatal.
var ErrNoFrames = errors.New("video produced no frames")

// VideoStream is a decoded video for one program.
type VideoStream interface {
	// FrameRate is the native rate in frames per second.
	FrameRate() float64

	// ReadFrame returns the next frame, or io.EOF at end of stream.
	// The caller owns the returned image.
	ReadFrame() (*image.RGBA, error)

	Close() error
}

// VideoOpener opens a program's video positioned at startFrame.
type VideoOpener interface {
	OpenVideo(p Program, startFrame int) (VideoStream, error)
}

// AudioTrack is a playing (or primed) audio asset.
type AudioTrack interface {
	Play() error
	Stop() error
	SetVolume(volume int) error // 0-100
	Seek(offset time.Duration) error
	Close() error
}

// AudioOpener opens a program's audio track, paused at the beginning.
type AudioOpener interface {
	OpenAudio(p Program) (AudioTrack, error)
}

// Presenter shows a finished frame. Present takes ownership of the image.
type Presenter interface {
	Present(frame *image.RGBA) error
	Close() error
}

// Media bundles the decode collaborators.
type Media struct {
	Video VideoOpener
	Audio AudioOpener
}

// deck is the set of resources playing one program.
type deck struct {
	program Program
	video   VideoStream
	audio   AudioTrack

	startFrame int // frame the video was opened at
	framesRead int // frames read since open
	volume     int // last volume sent to audio
}

// openDeck opens video at startFrame and audio primed at offset with the given volume.
// Nothing is left open on failure.
func openDeck(m Media, p Program, startFrame int, volume int, offset time.Duration) (*deck, error) {
	video, err := m.Video.OpenVideo(p, startFrame)
	if err != nil {
		return nil, fmt.Errorf("open video for program %d: %w", p, err)
	}
	d := &deck{program: p, video: video, startFrame: startFrame}
	if err := d.startAudio(m, volume, offset); err != nil {
		_ = video.Close()
		return nil, err
	}
	return d, nil
}

// startAudio opens the program's audio, sets its volume, starts it and seeks to offset.
func (d *deck) startAudio(m Media, volume int, offset time.Duration) error {
	track, err := m.Audio.OpenAudio(d.program)
	if err != nil {
		return fmt.Errorf("open audio for program %d: %w", d.program, err)
	}
	if err := track.SetVolume(volume); err != nil {
		_ = track.Close()
		return fmt.Errorf("set volume for program %d: %w", d.program, err)
	}
	if err := track.Play(); err != nil {
		_ = track.Close()
		return fmt.Errorf("play audio for program %d: %w", d.program, err)
	}
	if offset > 0 {
		if err := track.Seek(offset); err != nil {
			_ = track.Close()
			return fmt.Errorf("seek audio for program %d: %w", d.program, err)
		}
	}
	d.audio = track
	d.volume = volume
	return nil
}

// restart replaces video and audio with fresh instances from the beginning.
// The old instances are released first; audio keeps its current volume.
func (d *deck) restart(m Media, logger *slog.Logger) error {
	d.releaseVideo(logger)
	d.releaseAudio(logger)

	video, err := m.Video.OpenVideo(d.program, 0)
	if err != nil {
		return fmt.Errorf("reopen video for program %d: %w", d.program, err)
	}
	d.video = video
	d.startFrame = 0
	d.framesRead = 0

	return d.startAudio(m, d.volume, 0)
}

func (d *deck) setVolume(volume int, logger *slog.Logger) {
	if d.audio == nil {
		return
	}
	if err := d.audio.SetVolume(volume); err != nil {
		logger.Warn("set volume failed", "program", d.program, "volume", volume, "error", err)
		return
	}
	d.volume = volume
}

// release frees everything the deck holds. Safe to call more than once.
func (d *deck) release(logger *slog.Logger) {
	if d == nil {
		return
	}
	d.releaseAudio(logger)
	d.releaseVideo(logger)
}

func (d *deck) releaseVideo(logger *slog.Logger) {
	if d.video == nil {
		return
	}
	if err := d.video.Close(); err != nil {
		logger.Warn("release video failed", "program", d.program, "error", err)
	}
	d.video = nil
}

func (d *deck) releaseAudio(logger *slog.Logger) {
	if d.audio == nil {
		return
	}
	if err := d.audio.Stop(); err != nil {
		logger.Debug("stop audio failed", "program", d.program, "error", err)
	}
	if err := d.audio.Close(); err != nil {
		logger.Warn("release audio failed", "program", d.program, "error", err)
	}
	d.audio = nil
}

// PlaybackState is owned by the playback loop. The transition engine
// mutates it only while a transition is in flight.
type PlaybackState struct {
	Active  *deck
	Pending *deck // non-nil only between flash start and finish

	// Ordinal is the index of the next frame to be presented; it resets to 0
	// when the video loops.
	Ordinal int

	// Interval is derived once from the first video's frame rate.
	Interval time.Duration
}

// source is the deck frames are read from: the incoming program once a
// transition has opened it, the active program otherwise.
func (s *PlaybackState) source() *deck {
	if s.Pending != nil {
		return s.Pending
	}
	return s.Active
}
