package main

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os/exec"
	"testing"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"25/1", 25},
		{"30000/1001", 30000.0 / 1001.0},
		{"25", 25},
		{"24.5", 24.5},
		{"0/0", 0},
		{"abc", 0},
		{"", 0},
		{"30/x", 0},
	}
	for _, tt := range tests {
		if got := parseFrameRate(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("parseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    videoInfo
		wantErr bool
	}{
		{
			name: "video stream",
			in:   `{"streams":[{"codec_type":"video","width":1920,"height":1080,"r_frame_rate":"25/1"}]}`,
			want: videoInfo{fps: 25, width: 1920, height: 1080},
		},
		{
			name: "skips non-video streams",
			in:   `{"streams":[{"codec_type":"audio"},{"codec_type":"video","width":640,"height":480,"r_frame_rate":"30/1"}]}`,
			want: videoInfo{fps: 30, width: 640, height: 480},
		},
		{name: "no streams", in: `{"streams":[]}`, wantErr: true},
		{name: "bad frame rate", in: `{"streams":[{"codec_type":"video","width":640,"height":480,"r_frame_rate":"0/0"}]}`, wantErr: true},
		{name: "bad size", in: `{"streams":[{"codec_type":"video","width":0,"height":480,"r_frame_rate":"25/1"}]}`, wantErr: true},
		{name: "not json", in: `ffprobe: error`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbe([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseProbe() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseProbe() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFFmpegStream_ReadFrame(t *testing.T) {
	const w, h = 2, 2
	frame := bytes.Repeat([]byte{1, 2, 3, 4}, w*h)
	// Two whole frames and a truncated third.
	data := append(append(append([]byte{}, frame...), frame...), frame[:5]...)

	s := &ffmpegStream{cmd: &exec.Cmd{}, r: bytes.NewReader(data), fps: 25, width: w, height: h}

	for i := 0; i < 2; i++ {
		img, err := s.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame() %d error = %v", i, err)
		}
		if !bytes.Equal(img.Pix, frame) {
			t.Fatalf("frame %d pixels = %v", i, img.Pix)
		}
	}
	if _, err := s.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("truncated frame error = %v, want io.EOF", err)
	}
	if _, err := s.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("read after end error = %v, want io.EOF", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestFFmpegVideo_OutOfRangeProgram(t *testing.T) {
	v := &FFmpegVideo{Catalog: MediaCatalog{VideoPattern: "v%d.avi", AudioPattern: "a%d.mp4"}}

	if _, err := v.OpenVideo(Program(6), 0); !errors.Is(err, ErrProgramOutOfRange) {
		t.Errorf("OpenVideo(6) error = %v, want ErrProgramOutOfRange", err)
	}
	if _, err := v.ProbeFrameRate(Program(-1)); !errors.Is(err, ErrProgramOutOfRange) {
		t.Errorf("ProbeFrameRate(-1) error = %v, want ErrProgramOutOfRange", err)
	}
}

func TestFFmpegVideo_ProbeCached(t *testing.T) {
	v := &FFmpegVideo{
		Catalog: MediaCatalog{VideoPattern: "v%d.avi", AudioPattern: "a%d.mp4"},
		FFprobe: "/nonexistent/ffprobe",
		probes:  map[Program]videoInfo{2: {fps: 24, width: 8, height: 8}},
	}

	fps, err := v.ProbeFrameRate(2)
	if err != nil {
		t.Fatalf("ProbeFrameRate() error = %v", err)
	}
	if fps != 24 {
		t.Errorf("ProbeFrameRate() = %v, want cached 24", fps)
	}

	if _, err := v.ProbeFrameRate(3); err == nil {
		t.Errorf("ProbeFrameRate(3) with missing ffprobe: error = nil")
	}
}
