package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeTime is a manual clock; sleep advances it.
type fakeTime struct {
	now    time.Time
	slept  time.Duration
	sleeps int
}

func (f *fakeTime) Now() time.Time { return f.now }

func (f *fakeTime) Sleep(d time.Duration) {
	f.now = f.now.Add(d)
	f.slept += d
	f.sleeps++
}

func newFakeClock(interval time.Duration, inputs <-chan Action) (*FrameClock, *fakeTime) {
	ft := &fakeTime{now: time.Unix(1000, 0)}
	c := NewFrameClock(interval, inputs)
	c.now = ft.Now
	c.sleep = ft.Sleep
	return c, ft
}

func TestIntervalFromFPS(t *testing.T) {
	tests := []struct {
		fps  float64
		want time.Duration
	}{
		{25, 40 * time.Millisecond},
		{50, 20 * time.Millisecond},
		{0, 0},
		{-1, 0},
	}
	for _, tt := range tests {
		if got := intervalFromFPS(tt.fps); got != tt.want {
			t.Errorf("intervalFromFPS(%v) = %v, want %v", tt.fps, got, tt.want)
		}
	}
}

func TestFrameClock_FirstTickImmediate(t *testing.T) {
	c, ft := newFakeClock(40*time.Millisecond, nil)

	if err := c.WaitForNextTick(context.Background(), nil); err != nil {
		t.Fatalf("WaitForNextTick() error = %v", err)
	}
	if ft.sleeps != 0 {
		t.Errorf("first tick slept %d times, want 0", ft.sleeps)
	}
}

func TestFrameClock_WaitsOneInterval(t *testing.T) {
	c, ft := newFakeClock(40*time.Millisecond, nil)
	ctx := context.Background()

	if err := c.WaitForNextTick(ctx, nil); err != nil {
		t.Fatalf("WaitForNextTick() error = %v", err)
	}
	start := ft.now

	// Rendering took 15ms of the interval.
	ft.now = ft.now.Add(15 * time.Millisecond)
	if err := c.WaitForNextTick(ctx, nil); err != nil {
		t.Fatalf("WaitForNextTick() error = %v", err)
	}

	elapsed := ft.now.Sub(start)
	if elapsed < 40*time.Millisecond || elapsed > 41*time.Millisecond {
		t.Errorf("tick after %v, want ~40ms", elapsed)
	}
	if ft.slept > 26*time.Millisecond {
		t.Errorf("slept %v, want at most the remaining 25ms plus one poll", ft.slept)
	}
}

func TestFrameClock_NoWaitWhenLate(t *testing.T) {
	c, ft := newFakeClock(40*time.Millisecond, nil)
	ctx := context.Background()

	_ = c.WaitForNextTick(ctx, nil)
	ft.now = ft.now.Add(100 * time.Millisecond)
	if err := c.WaitForNextTick(ctx, nil); err != nil {
		t.Fatalf("WaitForNextTick() error = %v", err)
	}
	if ft.sleeps != 0 {
		t.Errorf("late frame slept %d times, want 0", ft.sleeps)
	}
}

func TestFrameClock_DrainsInputs(t *testing.T) {
	inputs := make(chan Action, 8)
	c, _ := newFakeClock(40*time.Millisecond, inputs)

	inputs <- Increment{}
	inputs <- SetCount{Count: 2}
	inputs <- Decrement{}

	var got []Action
	if err := c.WaitForNextTick(context.Background(), func(a Action) { got = append(got, a) }); err != nil {
		t.Fatalf("WaitForNextTick() error = %v", err)
	}

	want := []Action{Increment{}, SetCount{Count: 2}, Decrement{}}
	if len(got) != len(want) {
		t.Fatalf("drained %d actions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("action %d = %#v, want %#v", i, got[i], want[i])
		}
	}
}

func TestFrameClock_DrainsWhileWaiting(t *testing.T) {
	inputs := make(chan Action, 8)
	c, ft := newFakeClock(40*time.Millisecond, inputs)
	ctx := context.Background()
	_ = c.WaitForNextTick(ctx, nil)

	// An override arriving mid-wait is applied before the tick.
	sleep := c.sleep
	c.sleep = func(d time.Duration) {
		if ft.sleeps == 10 {
			inputs <- Increment{}
		}
		sleep(d)
	}

	var applied int
	if err := c.WaitForNextTick(ctx, func(Action) { applied++ }); err != nil {
		t.Fatalf("WaitForNextTick() error = %v", err)
	}
	if applied != 1 {
		t.Errorf("applied %d actions, want 1", applied)
	}
}

func TestFrameClock_ClosedInputs(t *testing.T) {
	inputs := make(chan Action)
	close(inputs)
	c, _ := newFakeClock(40*time.Millisecond, inputs)

	calls := 0
	if err := c.WaitForNextTick(context.Background(), func(Action) { calls++ }); err != nil {
		t.Fatalf("WaitForNextTick() error = %v", err)
	}
	if calls != 0 {
		t.Errorf("closed channel produced %d actions", calls)
	}
	if c.inputs != nil {
		t.Errorf("closed input channel not detached")
	}
}

func TestFrameClock_Canceled(t *testing.T) {
	c, _ := newFakeClock(time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_ = c.WaitForNextTick(ctx, nil)
	cancel()

	if err := c.WaitForNextTick(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitForNextTick() error = %v, want context.Canceled", err)
	}
}
