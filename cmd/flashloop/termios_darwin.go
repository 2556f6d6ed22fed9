//go:build darwin

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
)

func supportedBaud(baud int) (uint64, bool) {
	switch baud {
	case 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
		return uint64(baud), true
	}
	return 0, false
}

// Darwin stores the literal baud rate in Ispeed/Ospeed.
func setSpeed(t *unix.Termios, baud int) error {
	if _, ok := supportedBaud(baud); !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}
	t.Ispeed = uint64(baud)
	t.Ospeed = uint64(baud)
	return nil
}
