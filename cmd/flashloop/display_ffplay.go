package main

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

// FFplayDisplay shows frames in a local window by piping raw RGBA into ffplay.
type FFplayDisplay struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	width  int
	height int
	logger *slog.Logger

	closeOnce sync.Once
}

// NewFFplayDisplay starts ffplay for frames of the given size and rate.
func NewFFplayDisplay(bin string, width, height int, fps float64, title string, fullscreen bool, logger *slog.Logger) (*FFplayDisplay, error) {
	if bin == "" {
		bin = "ffplay"
	}
	if logger == nil {
		logger = discardLogger()
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-window_title", title,
		"-fflags", "nobuffer",
	}
	if fullscreen {
		args = append(args, "-fs")
	}
	args = append(args, "-i", "pipe:0")

	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffplay stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	logger.Info("display window opened", "width", width, "height", height, "fullscreen", fullscreen)

	return &FFplayDisplay{cmd: cmd, stdin: stdin, width: width, height: height, logger: logger}, nil
}

// Present writes one frame. It fails once the window has been closed.
func (d *FFplayDisplay) Present(frame *image.RGBA) error {
	b := frame.Bounds()
	if b.Dx() != d.width || b.Dy() != d.height {
		return fmt.Errorf("frame is %dx%d, display expects %dx%d", b.Dx(), b.Dy(), d.width, d.height)
	}
	if frame.Stride == d.width*4 {
		_, err := d.stdin.Write(frame.Pix[:d.width*d.height*4])
		return err
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := frame.PixOffset(b.Min.X, y)
		if _, err := d.stdin.Write(frame.Pix[off : off+d.width*4]); err != nil {
			return err
		}
	}
	return nil
}

func (d *FFplayDisplay) Close() error {
	d.closeOnce.Do(func() {
		_ = d.stdin.Close()
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		_ = d.cmd.Wait()
	})
	return nil
}

// multiPresenter fans each frame out to several presenters. Only the first
// presenter receives the original image; the rest get copies so none of
// them share pixels.
type multiPresenter []Presenter

func (m multiPresenter) Present(frame *image.RGBA) error {
	var errs []error
	for i, p := range m {
		f := frame
		if i > 0 {
			f = cloneRGBA(frame)
		}
		if err := p.Present(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiPresenter) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// nullPresenter drops frames. Used when no output is configured.
type nullPresenter struct{}

func (nullPresenter) Present(*image.RGBA) error { return nil }
func (nullPresenter) Close() error              { return nil }

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := &image.RGBA{
		Pix:    make([]uint8, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	return dst
}
