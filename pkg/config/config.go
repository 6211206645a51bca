package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Capture struct {
		FPS            int  `yaml:"fps"`
		SizeDivider    int  `yaml:"size_divider"`
		GPUColorConv   bool `yaml:"gpu_color_conv"`
		BufferedFrames int  `yaml:"buffered_frames"`
		NoAudio        bool `yaml:"no_audio"`
	} `yaml:"capture"`

	Transport struct {
		SocketPath    string        `yaml:"socket_path"`
		MaxFrameBytes int           `yaml:"max_frame_bytes"`
		DialTimeout   time.Duration `yaml:"dial_timeout"`
	} `yaml:"transport"`

	Events struct {
		QueueCapacity int `yaml:"queue_capacity"`
	} `yaml:"events"`

	Encoder struct {
		Kind       string `yaml:"kind"` // "ffmpeg" or "raw"
		FFmpegPath string `yaml:"ffmpeg_path"`
		Output     string `yaml:"output"`
	} `yaml:"encoder"`

	Launcher struct {
		Exec    string   `yaml:"exec"`
		Args    []string `yaml:"args"`
		Preload string   `yaml:"preload"`
	} `yaml:"launcher"`

	Audio struct {
		SampleRate int `yaml:"sample_rate"`
		Channels   int `yaml:"channels"`
	} `yaml:"audio"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		Address           string `yaml:"address"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Capture
	if c.Capture.FPS <= 0 {
		return fmt.Errorf("capture.fps must be > 0")
	}
	if c.Capture.SizeDivider <= 0 {
		return fmt.Errorf("capture.size_divider must be > 0")
	}
	if c.Capture.BufferedFrames <= 0 {
		return fmt.Errorf("capture.buffered_frames must be > 0")
	}

	// Transport
	if c.Transport.SocketPath == "" {
		return fmt.Errorf("transport.socket_path must not be empty")
	}
	if c.Transport.MaxFrameBytes <= 0 {
		return fmt.Errorf("transport.max_frame_bytes must be > 0")
	}
	if c.Transport.DialTimeout <= 0 {
		return fmt.Errorf("transport.dial_timeout must be > 0")
	}

	// Events
	if c.Events.QueueCapacity <= 0 {
		return fmt.Errorf("events.queue_capacity must be > 0")
	}

	// Encoder
	switch c.Encoder.Kind {
	case "ffmpeg", "raw":
	default:
		return fmt.Errorf("encoder.kind must be \"ffmpeg\" or \"raw\", got %q", c.Encoder.Kind)
	}
	if c.Encoder.Output == "" {
		return fmt.Errorf("encoder.output must not be empty")
	}

	// Audio
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.Address == "" {
		return fmt.Errorf("monitoring.address must not be empty when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Capture.FPS = 60
	cfg.Capture.SizeDivider = 1
	cfg.Capture.GPUColorConv = false
	cfg.Capture.BufferedFrames = 3
	cfg.Capture.NoAudio = false

	cfg.Transport.SocketPath = "/tmp/vidtap.sock"
	cfg.Transport.MaxFrameBytes = 1 << 20
	cfg.Transport.DialTimeout = 10 * time.Second

	cfg.Events.QueueCapacity = 1024

	cfg.Encoder.Kind = "ffmpeg"
	cfg.Encoder.FFmpegPath = "ffmpeg"
	cfg.Encoder.Output = "capture.mkv"

	cfg.Audio.SampleRate = 44100
	cfg.Audio.Channels = 2

	cfg.Monitoring.PrometheusEnabled = false
	cfg.Monitoring.Address = ":9090"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

// applyEnvOverrides applies VIDTAP_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VIDTAP_SOCKET"); v != "" {
		c.Transport.SocketPath = v
	}
	if v := os.Getenv("VIDTAP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VIDTAP_OUTPUT"); v != "" {
		c.Encoder.Output = v
	}
	if v := os.Getenv("VIDTAP_METRICS_ADDR"); v != "" {
		c.Monitoring.Address = v
		c.Monitoring.PrometheusEnabled = true
	}
	if v := os.Getenv("VIDTAP_FPS"); v != "" {
		if fps, err := strconv.Atoi(v); err == nil && fps > 0 {
			c.Capture.FPS = fps
		}
	}
	if v := os.Getenv("VIDTAP_NO_AUDIO"); v != "" {
		if noAudio, err := strconv.ParseBool(v); err == nil {
			c.Capture.NoAudio = noAudio
		}
	}
}
