package main

import (
	"context"
	"log/slog"
	"sync"
)

// CountSource is what the playback loop needs from a person counter.
//
// Current may be stale by one poll interval. ConsumeChanged atomically reads
// and clears the dirty flag; a change is never lost, only coalesced into the
// latest count.
type CountSource interface {
	Current() int
	ConsumeChanged() bool

	// Override applies a manual override (keyboard, evdev, IPC).
	Override(a Action)

	// Run drives the producer until ctx is canceled or the source fails.
	Run(ctx context.Context) error
}

// sharedCount is the cell shared by the producer goroutine and the playback
// loop. All writes go through update, which clamps and raises the dirty flag.
type sharedCount struct {
	mu      sync.Mutex
	count   int
	changed bool
}

func (s *sharedCount) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *sharedCount) ConsumeChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.changed
	s.changed = false
	return changed
}

// update applies fn to the count, clamps the result into [0,5] and marks the
// cell dirty. Returns the stored value.
func (s *sharedCount) update(fn func(int) int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = ClampCount(fn(s.count))
	s.changed = true
	return s.count
}

// Counter holds the shared count and the override handling common to every
// producer. Producers embed it.
type Counter struct {
	cell   sharedCount
	keymap Keymap
	logger *slog.Logger
}

func newCounter(initial int, keymap Keymap, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = discardLogger()
	}
	c := &Counter{keymap: keymap, logger: logger}
	c.cell.count = ClampCount(initial)
	return c
}

func (c *Counter) Current() int         { return c.cell.Current() }
func (c *Counter) ConsumeChanged() bool { return c.cell.ConsumeChanged() }

// Add moves the count by delta (clamped).
func (c *Counter) Add(delta int) int {
	return c.cell.update(func(n int) int { return n + delta })
}

// Set stores an absolute count (clamped).
func (c *Counter) Set(n int) int {
	return c.cell.update(func(int) int { return n })
}

// Override applies a manual override. Key codes go through the keymap;
// unknown codes and out-of-range digits are no-ops.
func (c *Counter) Override(a Action) {
	if kp, ok := a.(KeyPress); ok {
		translated, bound := c.keymap.Translate(kp.Code)
		if !bound {
			return
		}
		a = translated
	}

	switch a := a.(type) {
	case Increment:
		n := c.Add(1)
		c.logger.Debug("override increment", "count", n)
	case Decrement:
		n := c.Add(-1)
		c.logger.Debug("override decrement", "count", n)
	case SetCount:
		if a.Count < minProgram || a.Count > maxProgram {
			c.logger.Debug("override digit out of range ignored", "count", a.Count)
			return
		}
		n := c.Set(a.Count)
		c.logger.Debug("override set", "count", n)
	}
}
