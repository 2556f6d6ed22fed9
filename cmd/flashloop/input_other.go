//go:build !linux

package main

import (
	"context"
	"errors"
	"os"
)

var errEvdevUnsupported = errors.New("evdev input devices are only supported on linux")

func openInputDevices([]string) ([]*os.File, error) {
	return nil, errEvdevUnsupported
}

func readInputEvents(context.Context, []*os.File, chan<- inputEvent, chan<- error) {}
