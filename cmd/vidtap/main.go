package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"vidtap/internal/core/ports"
	"vidtap/internal/core/services"
	"vidtap/internal/infrastructure/audio"
	"vidtap/internal/infrastructure/encoder"
	"vidtap/internal/infrastructure/monitoring"
	"vidtap/internal/infrastructure/shm"
	"vidtap/internal/infrastructure/transport"
	"vidtap/internal/launcher"
	"vidtap/pkg/config"
	"vidtap/pkg/logger"
)

func main() {
	configPath := flag.String("config", "vidtap.yaml", "path to config file")
	execPath := flag.String("exec", "", "target executable to launch and capture")
	fps := flag.Int("fps", 0, "capture frame rate (overrides config)")
	sizeDivider := flag.Int("size-divider", 0, "downscale divider (overrides config)")
	gpuColorConv := flag.Bool("gpu-color-conv", false, "ask the target for GPU color conversion")
	bufferedFrames := flag.Int("buffered-frames", 0, "frames buffered ahead of the encoder (overrides config)")
	noAudio := flag.Bool("no-audio", false, "disable audio capture")
	output := flag.String("output", "", "output file (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("vidtap: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Flags win over config and env.
	if *execPath != "" {
		cfg.Launcher.Exec = *execPath
		cfg.Launcher.Args = flag.Args()
	}
	if *fps > 0 {
		cfg.Capture.FPS = *fps
	}
	if *sizeDivider > 0 {
		cfg.Capture.SizeDivider = *sizeDivider
	}
	if *gpuColorConv {
		cfg.Capture.GPUColorConv = true
	}
	if *bufferedFrames > 0 {
		cfg.Capture.BufferedFrames = *bufferedFrames
	}
	if *noAudio {
		cfg.Capture.NoAudio = true
	}
	if *output != "" {
		cfg.Encoder.Output = *output
	}

	zapLogger := logger.New(cfg.Logging.Level)
	if cfg.Logging.Format == "console" {
		zapLogger = logger.NewConsole(cfg.Logging.Level)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	var metrics ports.Metrics = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
		monitoring.Serve(cfg.Monitoring.Address, log)
	}

	newEncoder := func() ports.Encoder {
		if cfg.Encoder.Kind == "raw" {
			return &encoder.RawSink{Output: cfg.Encoder.Output}
		}
		return &encoder.FFmpeg{
			Bin:    cfg.Encoder.FFmpegPath,
			Output: cfg.Encoder.Output,
			FPS:    cfg.Capture.FPS,
		}
	}

	var audioFactory ports.AudioReceiverFactory
	if !cfg.Capture.NoAudio {
		audioFactory = audio.Factory(cfg.Audio.SampleRate, cfg.Audio.Channels, log)
	}

	loop := services.NewMainLoop(services.CaptureSettings{
		FPS:            cfg.Capture.FPS,
		SizeDivider:    cfg.Capture.SizeDivider,
		GPUColorConv:   cfg.Capture.GPUColorConv,
		BufferedFrames: cfg.Capture.BufferedFrames,
		NoAudio:        cfg.Capture.NoAudio,
	}, cfg.Events.QueueCapacity, shm.Open, newEncoder, audioFactory, metrics, log)

	ln, err := transport.Listen(cfg.Transport.SocketPath, func(c *transport.Connection) {
		c.SetMaxFrameBytes(cfg.Transport.MaxFrameBytes)
		loop.AddConnection(c)
	}, log)
	if err != nil {
		log.Errorw("could not bind controller socket", "error", err)
		os.Exit(1)
	}
	defer ln.Close()
	go ln.Serve()

	if cfg.Launcher.Exec != "" {
		if _, err := launcher.Spawn(launcher.Options{
			Exec:       cfg.Launcher.Exec,
			Args:       cfg.Launcher.Args,
			SocketPath: cfg.Transport.SocketPath,
			Preload:    cfg.Launcher.Preload,
		}, log); err != nil {
			log.Errorw("could not launch target", "error", err)
			os.Exit(1)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infow("signal received, shutting down", "signal", sig)
		loop.Shutdown()
	}()

	log.Infow("vidtap running", "socket", cfg.Transport.SocketPath, "exec", cfg.Launcher.Exec)
	loop.Run()
	log.Infow("vidtap done")
}
