package main

import (
	"context"
	"log/slog"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// evdevAction translates an input event into an override. Keys act on press
// and auto-repeat; rotary encoders step once per detent.
func evdevAction(ev inputEvent) (Action, bool) {
	switch ev.Type {
	case EV_KEY:
		if ev.Value == evValuePress || ev.Value == evValueRepeat {
			return KeyPress{Code: int(ev.Code)}, true
		}
	case EV_REL:
		if ev.Code != REL_DIAL && ev.Code != REL_WHEEL {
			return nil, false
		}
		switch {
		case ev.Value > 0:
			return Increment{}, true
		case ev.Value < 0:
			return Decrement{}, true
		}
	}
	return nil, false
}

// forwardAction queues a for the frame clock, giving up if ctx ends first.
func forwardAction(ctx context.Context, actions chan<- Action, a Action) bool {
	select {
	case actions <- a:
		return true
	case <-ctx.Done():
		return false
	}
}

// RunEvdevInput reads the given evdev devices and queues overrides until ctx
// is canceled or a device fails.
func RunEvdevInput(ctx context.Context, devices []string, actions chan<- Action, logger *slog.Logger) error {
	events := make(chan inputEvent, 64)
	readErr := make(chan error, 1)

	files, err := openInputDevices(devices)
	if err != nil {
		return err
	}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	go readInputEvents(ctx, files, events, readErr)

	logger.Info("evdev input listening", "devices", devices)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case ev := <-events:
			a, ok := evdevAction(ev)
			if !ok {
				continue
			}
			logger.Debug("evdev override", "type", ev.Type, "code", ev.Code, "value", ev.Value)
			if !forwardAction(ctx, actions, a) {
				return nil
			}
		}
	}
}
