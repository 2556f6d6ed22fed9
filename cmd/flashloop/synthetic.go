package main

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// SyntheticCounter redraws a random count every interval. It stands in for
// the sensor when no hardware is attached.
type SyntheticCounter struct {
	*Counter

	interval time.Duration
	max      int
	intN     func(n int) int // injectable for tests
}

// NewSyntheticCounter draws from [0, max] every interval.
func NewSyntheticCounter(interval time.Duration, max int, keymap Keymap, logger *slog.Logger) *SyntheticCounter {
	return &SyntheticCounter{
		Counter:  newCounter(0, keymap, logger),
		interval: interval,
		max:      max,
		intN:     rand.Intn,
	}
}

// Run redraws until ctx is canceled.
func (s *SyntheticCounter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("synthetic counter running", "interval", s.interval, "max", s.max)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.redraw()
		}
	}
}

func (s *SyntheticCounter) redraw() int {
	n := s.Set(s.intN(s.max + 1))
	s.logger.Debug("synthetic count", "count", n)
	return n
}
