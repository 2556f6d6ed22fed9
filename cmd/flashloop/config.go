package main

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the flashloop daemon.
//
// Keep defaults and validation centralized so the rest of the code can
// assume a well-formed config.
type Config struct {
	// Person counter source
	Counter CounterConfig `yaml:"counter"`

	// Program assets and decode tools
	Media MediaConfig `yaml:"media"`

	// Transition tuning
	Flash FlashConfig `yaml:"flash"`

	// Count text drawn on every frame
	Overlay OverlayConfig `yaml:"overlay"`

	// Manual override inputs
	Input InputConfig `yaml:"input"`

	// Output window and websocket preview
	Display DisplayConfig `yaml:"display"`

	// IPC configuration (flashloop-ctl)
	IPC IPCConfig `yaml:"ipc"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

const (
	CounterSourceSerial    = "serial"
	CounterSourceSynthetic = "synthetic"
)

type CounterConfig struct {
	Source    string          `yaml:"source"` // "serial" or "synthetic"
	Serial    SerialConfig    `yaml:"serial"`
	Synthetic SyntheticConfig `yaml:"synthetic"`
}

type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type SyntheticConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	Max        int `yaml:"max"`
}

type MediaConfig struct {
	// Patterns contain one %d replaced by the program index.
	VideoPattern string `yaml:"video_pattern"`
	AudioPattern string `yaml:"audio_pattern"`

	FFmpeg  string `yaml:"ffmpeg"`
	FFprobe string `yaml:"ffprobe"`
	MPV     string `yaml:"mpv"`

	// Output frame size; 0x0 keeps each video's native size.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// VerifyOnStart checks all twelve assets exist before playing.
	VerifyOnStart bool `yaml:"verify_on_start"`
}

type FlashConfig struct {
	// Step is the blend weight decrement per frame.
	Step float64 `yaml:"step"`
}

type OverlayConfig struct {
	Enabled bool  `yaml:"enabled"`
	X       int   `yaml:"x"`
	Y       int   `yaml:"y"`
	Scale   int   `yaml:"scale"`
	Color   []int `yaml:"color"` // [r, g, b]
}

type InputConfig struct {
	Platform string   `yaml:"platform"` // "linux" or "darwin"; empty picks the host
	Devices  []string `yaml:"devices"`  // evdev devices (linux)
	TTY      bool     `yaml:"tty"`      // read keys from stdin
}

type DisplayConfig struct {
	Window     bool   `yaml:"window"`
	Fullscreen bool   `yaml:"fullscreen"`
	FFplay     string `yaml:"ffplay"`
	Title      string `yaml:"title"`

	// PreviewListen serves the websocket preview and state feed; empty disables it.
	PreviewListen string `yaml:"preview_listen"`
	JPEGQuality   int    `yaml:"jpeg_quality"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go defaults.
func DefaultConfig() Config {
	return Config{
		Counter: CounterConfig{
			Source: CounterSourceSerial,
			Serial: SerialConfig{
				Device: "/dev/ttyACM0",
				Baud:   defaultSerialBaud,
			},
			Synthetic: SyntheticConfig{
				IntervalMS: defaultSyntheticEveryMS,
				Max:        defaultSyntheticMax,
			},
		},
		Media: MediaConfig{
			VideoPattern:  "videos/Compozitie mare %d.avi",
			AudioPattern:  "sounds/sound %d.mp4",
			FFmpeg:        "ffmpeg",
			FFprobe:       "ffprobe",
			MPV:           "mpv",
			Width:         defaultWidth,
			Height:        defaultHeight,
			VerifyOnStart: true,
		},
		Flash: FlashConfig{
			Step: defaultFlashStep,
		},
		Overlay: OverlayConfig{
			Enabled: true,
			X:       defaultOverlayX,
			Y:       defaultOverlayY,
			Scale:   defaultOverlayScale,
			Color:   []int{int(overlayColor.R), int(overlayColor.G), int(overlayColor.B)},
		},
		Input: InputConfig{
			Platform: string(defaultPlatform()),
			TTY:      true,
		},
		Display: DisplayConfig{
			Window:      true,
			FFplay:      "ffplay",
			Title:       "flashloop",
			JPEGQuality: defaultJPEGQuality,
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/flashloop.sock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file: defaults only.
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies overrides from flags on top of a loaded config.
//
// Each override is only applied if its pointer is non-nil; main.go decides
// which flags were actually set.
type FlagOverrides struct {
	CounterSource  *string
	SerialDevice   *string
	SerialBaud     *int
	SyntheticMS    *int
	SyntheticMax   *int
	VideoPattern   *string
	AudioPattern   *string
	Width          *int
	Height         *int
	VerifyOnStart  *bool
	FlashStep      *float64
	OverlayEnabled *bool
	InputPlatform  *string
	InputDevice    *string
	InputTTY       *bool
	DisplayWindow  *bool
	Fullscreen     *bool
	PreviewListen  *string
	IPCSocketPath  *string
	LogLevel       *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
// If the pointer is non-nil, the value is applied (even if it is a zero value).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.CounterSource != nil {
		cfg.Counter.Source = *o.CounterSource
	}
	if o.SerialDevice != nil {
		cfg.Counter.Serial.Device = *o.SerialDevice
	}
	if o.SerialBaud != nil {
		cfg.Counter.Serial.Baud = *o.SerialBaud
	}
	if o.SyntheticMS != nil {
		cfg.Counter.Synthetic.IntervalMS = *o.SyntheticMS
	}
	if o.SyntheticMax != nil {
		cfg.Counter.Synthetic.Max = *o.SyntheticMax
	}

	if o.VideoPattern != nil {
		cfg.Media.VideoPattern = *o.VideoPattern
	}
	if o.AudioPattern != nil {
		cfg.Media.AudioPattern = *o.AudioPattern
	}
	if o.Width != nil {
		cfg.Media.Width = *o.Width
	}
	if o.Height != nil {
		cfg.Media.Height = *o.Height
	}
	if o.VerifyOnStart != nil {
		cfg.Media.VerifyOnStart = *o.VerifyOnStart
	}

	if o.FlashStep != nil {
		cfg.Flash.Step = *o.FlashStep
	}
	if o.OverlayEnabled != nil {
		cfg.Overlay.Enabled = *o.OverlayEnabled
	}

	if o.InputPlatform != nil {
		cfg.Input.Platform = *o.InputPlatform
	}
	if o.InputDevice != nil {
		cfg.Input.Devices = []string{*o.InputDevice}
	}
	if o.InputTTY != nil {
		cfg.Input.TTY = *o.InputTTY
	}

	if o.DisplayWindow != nil {
		cfg.Display.Window = *o.DisplayWindow
	}
	if o.Fullscreen != nil {
		cfg.Display.Fullscreen = *o.Fullscreen
	}
	if o.PreviewListen != nil {
		cfg.Display.PreviewListen = *o.PreviewListen
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Counter
	switch c.Counter.Source {
	case CounterSourceSerial:
		if c.Counter.Serial.Device == "" {
			return errors.New("counter.serial.device must not be empty")
		}
		if _, ok := supportedBaud(c.Counter.Serial.Baud); !ok {
			return fmt.Errorf("counter.serial.baud %d is not supported", c.Counter.Serial.Baud)
		}
	case CounterSourceSynthetic:
		if c.Counter.Synthetic.IntervalMS <= 0 {
			return errors.New("counter.synthetic.interval_ms must be > 0")
		}
		if c.Counter.Synthetic.Max < minProgram || c.Counter.Synthetic.Max > maxProgram {
			return fmt.Errorf("counter.synthetic.max must be between %d and %d", minProgram, maxProgram)
		}
	default:
		return fmt.Errorf("counter.source must be %q or %q", CounterSourceSerial, CounterSourceSynthetic)
	}

	// Media
	if strings.Count(c.Media.VideoPattern, "%d") != 1 {
		return errors.New("media.video_pattern must contain exactly one %d")
	}
	if strings.Count(c.Media.AudioPattern, "%d") != 1 {
		return errors.New("media.audio_pattern must contain exactly one %d")
	}
	if c.Media.Width < 0 || c.Media.Height < 0 {
		return errors.New("media.width and media.height must be >= 0")
	}
	if (c.Media.Width == 0) != (c.Media.Height == 0) {
		return errors.New("media.width and media.height must both be set or both be 0")
	}

	// Flash
	if c.Flash.Step <= 0 || c.Flash.Step > 1 {
		return errors.New("flash.step must be in (0, 1]")
	}

	// Overlay
	if c.Overlay.Enabled {
		if c.Overlay.Scale < 1 {
			return errors.New("overlay.scale must be >= 1")
		}
		if _, err := c.Overlay.rgba(); err != nil {
			return err
		}
	}

	// Input
	if c.Input.Platform != "" {
		if _, err := NewKeymap(Platform(c.Input.Platform)); err != nil {
			return fmt.Errorf("input.platform: %w", err)
		}
	}
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}

	// Display
	if c.Display.Window && (c.Media.Width == 0 || c.Media.Height == 0) {
		return errors.New("display.window requires media.width and media.height")
	}
	if c.Display.JPEGQuality < 1 || c.Display.JPEGQuality > 100 {
		return errors.New("display.jpeg_quality must be between 1 and 100")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// Catalog returns the media catalog described by the config.
func (c *Config) Catalog() MediaCatalog {
	return MediaCatalog{VideoPattern: c.Media.VideoPattern, AudioPattern: c.Media.AudioPattern}
}

// SyntheticInterval returns the synthetic counter's redraw interval.
func (c *Config) SyntheticInterval() time.Duration {
	return time.Duration(c.Counter.Synthetic.IntervalMS) * time.Millisecond
}

// Origin returns the overlay's text origin.
func (o OverlayConfig) Origin() image.Point {
	return image.Pt(o.X, o.Y)
}

func (o OverlayConfig) rgba() (color.RGBA, error) {
	if len(o.Color) != 3 {
		return color.RGBA{}, errors.New("overlay.color must be [r, g, b]")
	}
	var ch [3]uint8
	for i, v := range o.Color {
		if v < 0 || v > 255 {
			return color.RGBA{}, fmt.Errorf("overlay.color[%d] must be between 0 and 255", i)
		}
		ch[i] = uint8(v)
	}
	return color.RGBA{R: ch[0], G: ch[1], B: ch[2], A: 255}, nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
