package main

import (
	"fmt"
	"runtime"
)

// Platform selects which raw key codes mean increment/decrement.
type Platform string

const (
	// PlatformLinux uses Linux evdev key codes (<linux/input-event-codes.h>).
	PlatformLinux Platform = "linux"

	// PlatformDarwin uses terminal key codes: 0/1 for the arrow keys and ASCII.
	PlatformDarwin Platform = "darwin"
)

// defaultPlatform picks the keymap matching the host OS.
func defaultPlatform() Platform {
	if runtime.GOOS == "darwin" {
		return PlatformDarwin
	}
	return PlatformLinux
}

// Keymap translates raw key codes into override actions.
type Keymap struct {
	Platform  Platform
	increment map[int]struct{}
	decrement map[int]struct{}
	digits    map[int]int
}

// NewKeymap returns the keymap for a platform.
func NewKeymap(p Platform) (Keymap, error) {
	switch p {
	case PlatformLinux:
		return Keymap{
			Platform:  p,
			increment: codeSet(KEY_UP, KEY_KPPLUS),
			decrement: codeSet(KEY_DOWN, KEY_KPMINUS),
			digits: map[int]int{
				KEY_0: 0, KEY_1: 1, KEY_2: 2, KEY_3: 3, KEY_4: 4, KEY_5: 5,
				KEY_KP0: 0, KEY_KP1: 1, KEY_KP2: 2, KEY_KP3: 3, KEY_KP4: 4, KEY_KP5: 5,
			},
		}, nil

	case PlatformDarwin:
		digits := make(map[int]int, maxProgram+1)
		for d := minProgram; d <= maxProgram; d++ {
			digits['0'+d] = d
		}
		return Keymap{
			Platform:  p,
			increment: codeSet(termKeyUp, '+', '='),
			decrement: codeSet(termKeyDown, '-', '_'),
			digits:    digits,
		}, nil

	default:
		return Keymap{}, fmt.Errorf("unknown input platform %q (must be %q or %q)", p, PlatformLinux, PlatformDarwin)
	}
}

// Translate maps a key code to an action. ok is false for codes the
// platform does not bind.
func (k Keymap) Translate(code int) (a Action, ok bool) {
	if _, hit := k.increment[code]; hit {
		return Increment{}, true
	}
	if _, hit := k.decrement[code]; hit {
		return Decrement{}, true
	}
	if d, hit := k.digits[code]; hit {
		return SetCount{Count: d}, true
	}
	return nil, false
}

func codeSet(codes ...int) map[int]struct{} {
	m := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		m[c] = struct{}{}
	}
	return m
}
