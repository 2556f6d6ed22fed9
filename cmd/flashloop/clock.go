package main

import (
	"context"
	"time"
)

// FrameClock paces the render loop at a fixed interval and is the single
// place where queued override actions are drained.
//
// The interval is derived once from the first video's frame rate and held for
// the whole session, even when later programs have a different native rate.
type FrameClock struct {
	interval time.Duration
	inputs   <-chan Action

	last time.Time

	// Injectable for tests.
	now   func() time.Time
	sleep func(time.Duration)
	poll  time.Duration
}

// NewFrameClock creates a clock ticking every interval, draining inputs while it waits.
func NewFrameClock(interval time.Duration, inputs <-chan Action) *FrameClock {
	return &FrameClock{
		interval: interval,
		inputs:   inputs,
		now:      time.Now,
		sleep:    time.Sleep,
		poll:     inputPollInterval * time.Microsecond,
	}
}

// intervalFromFPS converts a native frame rate to a frame interval.
func intervalFromFPS(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}

// Interval returns the fixed frame interval.
func (c *FrameClock) Interval() time.Duration { return c.interval }

// WaitForNextTick drains pending actions into onInput until at least one
// interval has passed since the previous tick, then records the new tick.
// It polls at millisecond granularity so no override waits more than one
// poll period. Returns ctx.Err() if ctx is canceled while waiting.
func (c *FrameClock) WaitForNextTick(ctx context.Context, onInput func(Action)) error {
	for {
		c.drain(onInput)

		now := c.now()
		if now.Sub(c.last) >= c.interval {
			c.last = now
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		c.sleep(c.poll)
	}
}

// drain hands every queued action to onInput without blocking.
func (c *FrameClock) drain(onInput func(Action)) {
	if c.inputs == nil {
		return
	}
	for {
		select {
		case a, ok := <-c.inputs:
			if !ok {
				c.inputs = nil
				return
			}
			if onInput != nil {
				onInput(a)
			}
		default:
			return
		}
	}
}
