package main

// Program range (number of people the installation reacts to)
const (
	minProgram = 0
	maxProgram = 5
)

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01
	EV_REL = 0x02

	KEY_1       = 2
	KEY_2       = 3
	KEY_3       = 4
	KEY_4       = 5
	KEY_5       = 6
	KEY_0       = 11
	KEY_KPMINUS = 74
	KEY_KP4     = 75
	KEY_KP5     = 76
	KEY_KPPLUS  = 78
	KEY_KP1     = 79
	KEY_KP2     = 80
	KEY_KP3     = 81
	KEY_KP0     = 82
	KEY_UP      = 103
	KEY_DOWN    = 108

	// Rotary encoder relative axis codes
	REL_DIAL  = 0x07
	REL_WHEEL = 0x08
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Terminal key codes (macOS keyboard / raw tty). Arrow keys are decoded
// from their escape sequences into termKeyUp/termKeyDown.
const (
	termKeyUp   = 0
	termKeyDown = 1
)

// Transition and playback defaults
const (
	defaultFlashStep        = 0.05 // blend weight decrement per frame (20 frames)
	defaultSyntheticEveryMS = 2000 // synthetic counter redraw interval (ms)
	defaultSyntheticMax     = 1    // synthetic counter draws from [0, max]
	defaultSerialBaud       = 9600
	defaultWidth            = 1280
	defaultHeight           = 720
	defaultJPEGQuality      = 70

	// FrameClock polls input at least this often while waiting for the next tick.
	inputPollInterval = 1000 // microseconds

	// Volume range accepted by the audio collaborator
	volumeMax = 100
)

// Overlay defaults (count text drawn on every presented frame)
const (
	defaultOverlayX     = 10
	defaultOverlayY     = 550
	defaultOverlayScale = 3
)
