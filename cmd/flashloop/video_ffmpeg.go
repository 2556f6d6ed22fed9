package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegVideo decodes program videos with an ffmpeg subprocess piping raw
// RGBA frames.
type FFmpegVideo struct {
	Catalog MediaCatalog
	FFmpeg  string
	FFprobe string

	// Width and Height fix the output frame size; zero keeps the native size.
	Width  int
	Height int

	ProbeTimeout time.Duration
	Logger       *slog.Logger

	mu     sync.Mutex
	probes map[Program]videoInfo
}

type videoInfo struct {
	fps    float64
	width  int
	height int
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
}

// OpenVideo starts a decoder positioned at startFrame.
func (v *FFmpegVideo) OpenVideo(p Program, startFrame int) (VideoStream, error) {
	path, err := v.Catalog.VideoPath(p)
	if err != nil {
		return nil, err
	}

	info, err := v.info(p, path)
	if err != nil {
		return nil, err
	}

	width, height := info.width, info.height
	if v.Width > 0 && v.Height > 0 {
		width, height = v.Width, v.Height
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if startFrame > 0 {
		offset := float64(startFrame) / info.fps
		args = append(args, "-ss", strconv.FormatFloat(offset, 'f', 6, 64))
	}
	args = append(args,
		"-i", path,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)

	cmd := exec.Command(v.ffmpeg(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	v.logger().Debug("video opened", "program", p, "path", path, "start_frame", startFrame,
		"fps", info.fps, "width", width, "height", height)

	return &ffmpegStream{
		cmd:    cmd,
		r:      bufio.NewReaderSize(stdout, width*height*4),
		fps:    info.fps,
		width:  width,
		height: height,
	}, nil
}

// ProbeFrameRate returns a program's native frame rate without decoding.
func (v *FFmpegVideo) ProbeFrameRate(p Program) (float64, error) {
	path, err := v.Catalog.VideoPath(p)
	if err != nil {
		return 0, err
	}
	info, err := v.info(p, path)
	if err != nil {
		return 0, err
	}
	return info.fps, nil
}

// info probes a program once and caches the result.
func (v *FFmpegVideo) info(p Program, path string) (videoInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if info, ok := v.probes[p]; ok {
		return info, nil
	}

	timeout := v.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	info, err := probeVideo(ctx, v.ffprobe(), path)
	if err != nil {
		return videoInfo{}, err
	}
	if v.probes == nil {
		v.probes = make(map[Program]videoInfo)
	}
	v.probes[p] = info
	return info, nil
}

func probeVideo(ctx context.Context, ffprobe, path string) (videoInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_streams",
		"-of", "json",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return videoInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (videoInfo, error) {
	var ff ffprobeOutput
	if err := json.Unmarshal(output, &ff); err != nil {
		return videoInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	for _, s := range ff.Streams {
		if s.CodecType != "video" {
			continue
		}
		fps := parseFrameRate(s.RFrameRate)
		if fps <= 0 {
			return videoInfo{}, fmt.Errorf("invalid frame rate %q", s.RFrameRate)
		}
		if s.Width <= 0 || s.Height <= 0 {
			return videoInfo{}, fmt.Errorf("invalid frame size %dx%d", s.Width, s.Height)
		}
		return videoInfo{fps: fps, width: s.Width, height: s.Height}, nil
	}
	return videoInfo{}, errors.New("no video stream")
}

// parseFrameRate accepts "num/den" or a plain number.
func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func (v *FFmpegVideo) ffmpeg() string {
	if v.FFmpeg == "" {
		return "ffmpeg"
	}
	return v.FFmpeg
}

func (v *FFmpegVideo) ffprobe() string {
	if v.FFprobe == "" {
		return "ffprobe"
	}
	return v.FFprobe
}

func (v *FFmpegVideo) logger() *slog.Logger {
	if v.Logger == nil {
		return discardLogger()
	}
	return v.Logger
}

// ffmpegStream reads fixed-size RGBA frames from a running ffmpeg.
type ffmpegStream struct {
	cmd    *exec.Cmd
	r      io.Reader
	fps    float64
	width  int
	height int

	closeOnce sync.Once
}

func (s *ffmpegStream) FrameRate() float64 { return s.fps }

// ReadFrame returns io.EOF once the decoder has no whole frame left.
func (s *ffmpegStream) ReadFrame() (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	if _, err := io.ReadFull(s.r, img.Pix); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return img, nil
}

// Close kills the decoder and reaps it.
func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		// Wait reports the kill signal; that is the expected outcome.
		_ = s.cmd.Wait()
	})
	return nil
}
