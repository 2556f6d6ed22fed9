package main

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PreviewPresenter publishes frames to websocket viewers as JPEG.
//
// Present never blocks the render loop: it overwrites a single-slot mailbox
// and the encoder goroutine always picks up the newest frame. Frames that
// are overwritten before being encoded are counted as drops.
type PreviewPresenter struct {
	hub     *Hub
	quality int
	logger  *slog.Logger

	mu    sync.Mutex
	slot  *image.RGBA
	ready chan struct{}

	drops atomic.Uint64
}

// NewPreviewPresenter encodes at the given JPEG quality (1-100).
func NewPreviewPresenter(hub *Hub, quality int, logger *slog.Logger) *PreviewPresenter {
	if quality < 1 || quality > 100 {
		quality = defaultJPEGQuality
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &PreviewPresenter{
		hub:     hub,
		quality: quality,
		logger:  logger,
		ready:   make(chan struct{}, 1),
	}
}

// Present hands frame to the encoder, replacing any frame still waiting.
func (p *PreviewPresenter) Present(frame *image.RGBA) error {
	p.mu.Lock()
	if p.slot != nil {
		p.drops.Add(1)
	}
	p.slot = frame
	p.mu.Unlock()

	select {
	case p.ready <- struct{}{}:
	default:
	}
	return nil
}

func (p *PreviewPresenter) Close() error { return nil }

// Drops returns how many frames were replaced before being encoded.
func (p *PreviewPresenter) Drops() uint64 { return p.drops.Load() }

// take empties the mailbox.
func (p *PreviewPresenter) take() *image.RGBA {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.slot
	p.slot = nil
	return f
}

// Run encodes and broadcasts frames until ctx is canceled. Encoding is
// skipped while nobody is watching.
func (p *PreviewPresenter) Run(ctx context.Context) {
	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ready:
		}

		frame := p.take()
		if frame == nil || p.hub.ClientCount() == 0 {
			continue
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: p.quality}); err != nil {
			p.logger.Warn("preview encode failed", "error", err)
			continue
		}
		msg := make([]byte, buf.Len())
		copy(msg, buf.Bytes())
		p.hub.BroadcastBytes(msg)
	}
}
