package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// keyDecoder turns a terminal byte stream into key codes. Arrow up/down
// escape sequences (modifiers included) become termKeyUp/termKeyDown and
// other escape sequences are dropped whole. Plain bytes pass through as
// their ASCII value.
type keyDecoder struct {
	state decodeState
}

type decodeState int

const (
	decodeText decodeState = iota
	decodeEsc              // after ESC
	decodeCSI              // inside ESC [ ... until a final byte
	decodeSS3              // after ESC O, one final byte follows
)

func (d *keyDecoder) feed(b byte) (code int, ok bool) {
	switch d.state {
	case decodeEsc:
		switch b {
		case '[':
			d.state = decodeCSI
			return 0, false
		case 'O':
			d.state = decodeSS3
			return 0, false
		}
		d.state = decodeText
		return int(b), true

	case decodeCSI:
		switch {
		case b >= 0x20 && b <= 0x3f:
			// Parameter or intermediate byte, e.g. "1;5" in ESC [ 1 ; 5 A.
			return 0, false
		case b >= 0x40 && b <= 0x7e:
			d.state = decodeText
			return arrowCode(b)
		}
		// Not a valid sequence: drop it and start over on this byte.
		d.state = decodeText
		return d.feed(b)

	case decodeSS3:
		d.state = decodeText
		return arrowCode(b)

	default:
		if b == 0x1b {
			d.state = decodeEsc
			return 0, false
		}
		return int(b), true
	}
}

func arrowCode(final byte) (int, bool) {
	switch final {
	case 'A':
		return termKeyUp, true
	case 'B':
		return termKeyDown, true
	}
	return 0, false
}

// terminalKeymap maps terminal key codes. Terminal input is always decoded
// this way, whichever platform the evdev keymap is set to.
func terminalKeymap() Keymap {
	k, _ := NewKeymap(PlatformDarwin)
	return k
}

// RunTTYInput reads keys from a terminal and queues the overrides they map
// to. The terminal is switched to unbuffered, no-echo mode for the duration
// and restored on return. Signals (Ctrl-C) keep working.
func RunTTYInput(ctx context.Context, tty *os.File, actions chan<- Action, logger *slog.Logger) error {
	restore, err := setCbreak(int(tty.Fd()))
	if err != nil {
		return fmt.Errorf("terminal input: %w", err)
	}
	defer restore()

	keys := make(chan int, 16)
	readErr := make(chan error, 1)

	// The read cannot be interrupted; the goroutine ends with the process.
	go readKeys(tty, keys, readErr)

	logger.Info("terminal input listening", "tty", tty.Name())
	return forwardKeys(ctx, keys, readErr, actions, logger)
}

// forwardKeys translates decoded terminal keys and queues the resulting
// overrides until ctx is canceled or the reader fails.
func forwardKeys(ctx context.Context, keys <-chan int, readErr <-chan error, actions chan<- Action, logger *slog.Logger) error {
	keymap := terminalKeymap()
	forward := func(code int) bool {
		a, ok := keymap.Translate(code)
		if !ok {
			logger.Debug("terminal key ignored", "code", code)
			return true
		}
		logger.Debug("terminal override", "code", code, "action", a)
		return forwardAction(ctx, actions, a)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			// Keys read before the error are still queued.
			for len(keys) > 0 {
				if !forward(<-keys) {
					return nil
				}
			}
			if err == io.EOF {
				logger.Info("terminal input closed")
				<-ctx.Done()
				return nil
			}
			return fmt.Errorf("read terminal: %w", err)
		case code := <-keys:
			if !forward(code) {
				return nil
			}
		}
	}
}

func readKeys(r io.Reader, keys chan<- int, readErr chan<- error) {
	var dec keyDecoder
	buf := make([]byte, 32)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if code, ok := dec.feed(b); ok {
				keys <- code
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}

// setCbreak disables line buffering and echo on fd and returns a function
// restoring the previous settings.
func setCbreak(fd int) (func(), error) {
	old, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, fmt.Errorf("get termios: %w", err)
	}

	t := *old
	t.Lflag &^= unix.ECHO | unix.ICANON
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &t); err != nil {
		return nil, fmt.Errorf("set termios: %w", err)
	}

	return func() { _ = unix.IoctlSetTermios(fd, ioctlSetTermios, old) }, nil
}

// isTerminal reports whether f is a terminal.
func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), ioctlGetTermios)
	return err == nil
}
