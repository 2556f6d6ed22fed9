package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("flashloop v%s\n", version)
	fmt.Println("People-count driven video and audio loop with over-white flash transitions")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  flashloop [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Plays one of six looping video+audio programs selected by the number of")
	fmt.Println("  people reported by a door sensor (0-5). When the count changes the")
	fmt.Println("  picture flashes to white and back while the two soundtracks crossfade.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (flags override file values)")
	fmt.Println()
	fmt.Println("  -counter string")
	fmt.Println("        Count source: serial|synthetic (default \"serial\")")
	fmt.Println()
	fmt.Println("  -serial-device string")
	fmt.Println("        Serial device of the door sensor (default \"/dev/ttyACM0\")")
	fmt.Println()
	fmt.Println("  -serial-baud int")
	fmt.Printf("        Serial baud rate (default %d)\n", defaultSerialBaud)
	fmt.Println()
	fmt.Println("  -synthetic-interval-ms int")
	fmt.Printf("        Synthetic counter redraw interval in ms (default %d)\n", defaultSyntheticEveryMS)
	fmt.Println()
	fmt.Println("  -synthetic-max int")
	fmt.Printf("        Synthetic counter draws from [0, max] (default %d)\n", defaultSyntheticMax)
	fmt.Println()
	fmt.Println("  -video-pattern string")
	fmt.Printf("        Video asset pattern with one %%d (default %q)\n", "videos/Compozitie mare %d.avi")
	fmt.Println()
	fmt.Println("  -audio-pattern string")
	fmt.Printf("        Audio asset pattern with one %%d (default %q)\n", "sounds/sound %d.mp4")
	fmt.Println()
	fmt.Println("  -width int / -height int")
	fmt.Printf("        Output frame size (default %dx%d)\n", defaultWidth, defaultHeight)
	fmt.Println()
	fmt.Println("  -verify-assets")
	fmt.Println("        Check all program assets exist before starting (default true)")
	fmt.Println()
	fmt.Println("  -flash-step float")
	fmt.Printf("        Blend weight decrement per frame (default %.2f)\n", defaultFlashStep)
	fmt.Println()
	fmt.Println("  -overlay")
	fmt.Println("        Draw the count on every frame (default true)")
	fmt.Println()
	fmt.Println("  -input-platform string")
	fmt.Println("        Keymap for override keys: linux|darwin (default: host OS)")
	fmt.Println()
	fmt.Println("  -input-device string")
	fmt.Println("        Linux evdev device for override keys (e.g. /dev/input/event3)")
	fmt.Println()
	fmt.Println("  -tty")
	fmt.Println("        Read override keys from the terminal (default true)")
	fmt.Println()
	fmt.Println("  -window")
	fmt.Println("        Show frames in an ffplay window (default true)")
	fmt.Println()
	fmt.Println("  -fullscreen")
	fmt.Println("        Open the window fullscreen")
	fmt.Println()
	fmt.Println("  -preview-listen string")
	fmt.Println("        Serve the websocket preview and state feed on this address (e.g. :8090)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/flashloop.sock\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("OVERRIDE KEYS:")
	fmt.Println("  linux:  up / keypad +   increment     down / keypad -   decrement")
	fmt.Println("  darwin: up / + / =      increment     down / - / _      decrement")
	fmt.Println("  0-5 set the count directly")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Run against the door sensor with the default assets")
	fmt.Println("  flashloop -serial-device /dev/ttyACM0")
	fmt.Println()
	fmt.Println("  # Try it without hardware, watching in a browser")
	fmt.Println("  flashloop -counter synthetic -synthetic-max 5 -window=false -preview-listen :8090")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath = flag.String("config", "", "Path to YAML config file")

		counterSource = flag.String("counter", CounterSourceSerial, "Count source: serial|synthetic")
		serialDevice  = flag.String("serial-device", "/dev/ttyACM0", "Serial device of the door sensor")
		serialBaud    = flag.Int("serial-baud", defaultSerialBaud, "Serial baud rate")
		syntheticMS   = flag.Int("synthetic-interval-ms", defaultSyntheticEveryMS, "Synthetic counter redraw interval in ms")
		syntheticMax  = flag.Int("synthetic-max", defaultSyntheticMax, "Synthetic counter draws from [0, max]")

		videoPattern = flag.String("video-pattern", "videos/Compozitie mare %d.avi", "Video asset pattern with one %d")
		audioPattern = flag.String("audio-pattern", "sounds/sound %d.mp4", "Audio asset pattern with one %d")
		width        = flag.Int("width", defaultWidth, "Output frame width")
		height       = flag.Int("height", defaultHeight, "Output frame height")
		verifyAssets = flag.Bool("verify-assets", true, "Check all program assets exist before starting")

		flashStep      = flag.Float64("flash-step", defaultFlashStep, "Blend weight decrement per frame")
		overlayEnabled = flag.Bool("overlay", true, "Draw the count on every frame")

		inputPlatform = flag.String("input-platform", string(defaultPlatform()), "Keymap for override keys: linux|darwin")
		inputDevice   = flag.String("input-device", "", "Linux evdev device for override keys")
		inputTTY      = flag.Bool("tty", true, "Read override keys from the terminal")

		displayWindow = flag.Bool("window", true, "Show frames in an ffplay window")
		fullscreen    = flag.Bool("fullscreen", false, "Open the window fullscreen")
		previewListen = flag.String("preview-listen", "", "Serve the websocket preview and state feed on this address")

		ipcSocketPath = flag.String("ipc-socket", "/tmp/flashloop.sock", "Unix domain socket path for IPC")
		logLevelStr   = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		_             = flag.Bool("version", false, "Print version and exit")
		_             = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	pick := func(name string) bool { return set[name] }

	var o FlagOverrides
	if pick("counter") {
		o.CounterSource = counterSource
	}
	if pick("serial-device") {
		o.SerialDevice = serialDevice
	}
	if pick("serial-baud") {
		o.SerialBaud = serialBaud
	}
	if pick("synthetic-interval-ms") {
		o.SyntheticMS = syntheticMS
	}
	if pick("synthetic-max") {
		o.SyntheticMax = syntheticMax
	}
	if pick("video-pattern") {
		o.VideoPattern = videoPattern
	}
	if pick("audio-pattern") {
		o.AudioPattern = audioPattern
	}
	if pick("width") {
		o.Width = width
	}
	if pick("height") {
		o.Height = height
	}
	if pick("verify-assets") {
		o.VerifyOnStart = verifyAssets
	}
	if pick("flash-step") {
		o.FlashStep = flashStep
	}
	if pick("overlay") {
		o.OverlayEnabled = overlayEnabled
	}
	if pick("input-platform") {
		o.InputPlatform = inputPlatform
	}
	if pick("input-device") {
		o.InputDevice = inputDevice
	}
	if pick("tty") {
		o.InputTTY = inputTTY
	}
	if pick("window") {
		o.DisplayWindow = displayWindow
	}
	if pick("fullscreen") {
		o.Fullscreen = fullscreen
	}
	if pick("preview-listen") {
		o.PreviewListen = previewListen
	}
	if pick("ipc-socket") {
		o.IPCSocketPath = ipcSocketPath
	}
	if pick("log-level") {
		o.LogLevel = logLevelStr
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error: invalid configuration:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := setupLogger(os.Stdout, logLevel)

	logger.Debug("starting flashloop", "version", version)
	logger.Debug("configuration",
		"counter", cfg.Counter.Source,
		"serial_device", cfg.Counter.Serial.Device,
		"serial_baud", cfg.Counter.Serial.Baud,
		"video_pattern", cfg.Media.VideoPattern,
		"audio_pattern", cfg.Media.AudioPattern,
		"width", cfg.Media.Width,
		"height", cfg.Media.Height,
		"flash_step", cfg.Flash.Step,
		"overlay", cfg.Overlay.Enabled,
		"input_platform", cfg.Input.Platform,
		"input_devices", cfg.Input.Devices,
		"tty", cfg.Input.TTY,
		"window", cfg.Display.Window,
		"preview_listen", cfg.Display.PreviewListen,
		"ipc_socket", cfg.IPC.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("shut down")
}

// run wires every component and blocks until ctx is canceled or one of them
// fails.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	keymap, err := NewKeymap(Platform(cfg.Input.Platform))
	if err != nil {
		return err
	}

	catalog := cfg.Catalog()
	if cfg.Media.VerifyOnStart {
		if err := catalog.Verify(); err != nil {
			return err
		}
	}

	counter, err := newCountSource(cfg, keymap, logger)
	if err != nil {
		return err
	}

	video := &FFmpegVideo{
		Catalog: catalog,
		FFmpeg:  cfg.Media.FFmpeg,
		FFprobe: cfg.Media.FFprobe,
		Width:   cfg.Media.Width,
		Height:  cfg.Media.Height,
		Logger:  logger,
	}
	audio := &AsyncAudio{
		Opener: &MPVAudio{
			Catalog: catalog,
			MPV:     cfg.Media.MPV,
			Logger:  logger,
		},
		Logger: logger,
	}

	actions := make(chan Action, 64)
	status := NewStatusBoard()

	var presenters multiPresenter
	if cfg.Display.Window {
		fps, err := video.ProbeFrameRate(Program(counter.Current()))
		if err != nil {
			return err
		}
		display, err := NewFFplayDisplay(cfg.Display.FFplay, cfg.Media.Width, cfg.Media.Height, fps,
			cfg.Display.Title, cfg.Display.Fullscreen, logger)
		if err != nil {
			return err
		}
		presenters = append(presenters, display)
	}

	g, gctx := errgroup.WithContext(ctx)

	var broadcasts chan StateBroadcast
	if cfg.Display.PreviewListen != "" {
		broadcasts = make(chan StateBroadcast, 64)
		preview := startPreviewServer(gctx, g, cfg.Display, status, broadcasts, logger)
		presenters = append(presenters, preview)
	}

	var presenter Presenter = presenters
	switch len(presenters) {
	case 0:
		logger.Warn("no display configured, frames are discarded")
		presenter = nullPresenter{}
	case 1:
		presenter = presenters[0]
	}
	defer presenter.Close()

	var overlay *CountOverlay
	if cfg.Overlay.Enabled {
		c, _ := cfg.Overlay.rgba()
		overlay = NewCountOverlay(cfg.Overlay.Origin(), cfg.Overlay.Scale, c)
	}

	loop, err := NewPlaybackLoop(LoopConfig{
		Counter:    counter,
		Media:      Media{Video: video, Audio: audio},
		Presenter:  presenter,
		Overlay:    overlay,
		Inputs:     actions,
		Broadcasts: broadcasts,
		Status:     status,
		FlashStep:  cfg.Flash.Step,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	g.Go(func() error { return counter.Run(gctx) })

	g.Go(func() error { return runIPCServer(gctx, cfg.IPC.SocketPath, actions, status, logger) })

	if len(cfg.Input.Devices) > 0 {
		g.Go(func() error { return RunEvdevInput(gctx, cfg.Input.Devices, actions, logger) })
	}
	if cfg.Input.TTY {
		if isTerminal(os.Stdin) {
			g.Go(func() error { return RunTTYInput(gctx, os.Stdin, actions, logger) })
		} else {
			logger.Info("stdin is not a terminal, keyboard overrides disabled")
		}
	}

	g.Go(func() error {
		if err := loop.Run(gctx); err != nil {
			return fmt.Errorf("playback: %w", err)
		}
		return nil
	})

	logger.Info("running", "counter", cfg.Counter.Source, "ipc", cfg.IPC.SocketPath,
		"window", cfg.Display.Window, "preview", cfg.Display.PreviewListen)

	err = g.Wait()
	// The loop has released its tracks; let the mpv processes exit.
	audio.Wait()
	return err
}

// newCountSource builds the configured person counter.
func newCountSource(cfg Config, keymap Keymap, logger *slog.Logger) (CountSource, error) {
	switch cfg.Counter.Source {
	case CounterSourceSynthetic:
		return NewSyntheticCounter(cfg.SyntheticInterval(), cfg.Counter.Synthetic.Max, keymap, logger), nil
	default:
		port, err := OpenSerialPort(cfg.Counter.Serial.Device, cfg.Counter.Serial.Baud)
		if err != nil {
			return nil, err
		}
		return NewSerialCounter(port, cfg.Counter.Serial.Device, keymap, logger), nil
	}
}

// startPreviewServer starts the websocket feeds under g and returns the
// preview presenter feeding them.
func startPreviewServer(ctx context.Context, g *errgroup.Group, cfg DisplayConfig, status *StatusBoard, broadcasts <-chan StateBroadcast, logger *slog.Logger) *PreviewPresenter {
	server := NewServer(logger, status, ServerConfig{})
	mux := http.NewServeMux()
	server.Register(mux)

	preview := NewPreviewPresenter(server.PreviewHub(), cfg.JPEGQuality, logger)
	httpSrv := &http.Server{
		Addr:              cfg.PreviewListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error { server.StateHub().Run(ctx); return nil })
	g.Go(func() error { server.PreviewHub().Run(ctx); return nil })
	g.Go(func() error { RunBroadcaster(ctx, server.StateHub(), broadcasts, logger); return nil })
	g.Go(func() error { preview.Run(ctx); return nil })

	g.Go(func() error {
		logger.Info("preview listening", "addr", cfg.PreviewListen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("preview server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return preview
}
