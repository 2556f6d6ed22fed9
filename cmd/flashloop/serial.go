package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// maxSensorRecord bounds one serial record, newline included. Longer
// records are dropped as malformed.
const maxSensorRecord = 256

// SerialCounter tracks the count reported by the door sensor over a serial
// line. Each newline-terminated record starts with '+' (someone entered) or
// '-' (someone left); "=N" sets the count directly. Anything else is logged
// and dropped.
type SerialCounter struct {
	*Counter

	port io.ReadCloser
	name string
}

// NewSerialCounter reads records from port. name is only used for logging.
func NewSerialCounter(port io.ReadCloser, name string, keymap Keymap, logger *slog.Logger) *SerialCounter {
	return &SerialCounter{
		Counter: newCounter(0, keymap, logger),
		port:    port,
		name:    name,
	}
}

// Run reads records until ctx is canceled or the port fails.
func (s *SerialCounter) Run(ctx context.Context) error {
	// Closing the port unblocks the pending read on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = s.port.Close() })
	defer stop()

	s.logger.Info("serial counter running", "port", s.name)

	r := bufio.NewReaderSize(s.port, maxSensorRecord)
	skipping := false
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !skipping {
				s.logger.Warn("malformed sensor record", "port", s.name, "error", "record too long", "limit", maxSensorRecord)
			}
			skipping = true
			continue
		}
		if skipping {
			// The rest of an oversized record.
			skipping = false
		} else if len(line) > 0 {
			s.handleRecord(string(line))
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("serial port %s closed", s.name)
			}
			return fmt.Errorf("read serial port %s: %w", s.name, err)
		}
	}
}

// handleRecord applies one record. Returns false if the record was malformed.
func (s *SerialCounter) handleRecord(line string) bool {
	rec := strings.TrimRight(line, "\r\n")
	if rec == "" {
		s.logger.Warn("malformed sensor record", "port", s.name, "record", line)
		return false
	}

	var n int
	switch rec[0] {
	case '+':
		n = s.Add(1)
	case '-':
		n = s.Add(-1)
	case '=':
		v, err := strconv.Atoi(strings.TrimSpace(rec[1:]))
		if err != nil {
			s.logger.Warn("malformed sensor record", "port", s.name, "record", rec, "error", err)
			return false
		}
		n = s.Set(v)
	default:
		s.logger.Warn("malformed sensor record", "port", s.name, "record", rec)
		return false
	}

	s.logger.Info("sensor count", "count", n)
	return true
}

// OpenSerialPort opens a tty device in raw 8N1 mode at the given baud rate.
func OpenSerialPort(path string, baud int) (*os.File, error) {
	f, err := os.OpenFile(ExpandPath(path), os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open serial port: %w", err)
	}

	// SyscallConn keeps the fd non-blocking so Close interrupts reads.
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("serial port fd: %w", err)
	}

	var cfgErr error
	if err := rc.Control(func(fd uintptr) {
		cfgErr = configureSerial(int(fd), baud)
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("serial port control: %w", err)
	}
	if cfgErr != nil {
		f.Close()
		return nil, fmt.Errorf("configure serial port %s: %w", path, cfgErr)
	}

	return f, nil
}

func configureSerial(fd int, baud int) error {
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	makeRaw(t)
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	if err := setSpeed(t, baud); err != nil {
		return err
	}

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// makeRaw mirrors cfmakeraw(3).
func makeRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}
