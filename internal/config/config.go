package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the root configuration of the recorder
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Backend   BackendConfig   `toml:"backend"`
	Recording RecordingConfig `toml:"recording"`
	Capture   CaptureConfig   `toml:"capture"`
	Photo     PhotoConfig     `toml:"photo"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig configures the local control API
type ServerConfig struct {
	Addr               string   `toml:"addr" validate:"required"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	ShutdownTimeout    Duration `toml:"shutdown_timeout"`
}

// BackendConfig configures the remote recording backend
type BackendConfig struct {
	BaseURL        string   `toml:"base_url" validate:"required,url"`
	WebSocketPath  string   `toml:"websocket_path" validate:"required,startswith=/"`
	AuthToken      string   `toml:"auth_token"`
	SessionCookie  string   `toml:"session_cookie"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// RecordingConfig configures chunking, draining and quota detection
type RecordingConfig struct {
	ChunkSeconds      int      `toml:"chunk_seconds" validate:"min=1,max=60"`
	MinChunkBytes     int      `toml:"min_chunk_bytes" validate:"min=1"`
	SendQueueSize     int      `toml:"send_queue_size" validate:"min=1"`
	DrainTimeout      Duration `toml:"drain_timeout"`
	TickInterval      Duration `toml:"tick_interval"`
	ExhaustionMarkers []string `toml:"exhaustion_markers" validate:"min=1,dive,required"`
}

// CaptureConfig selects and tunes the capture driver
type CaptureConfig struct {
	Driver          string `toml:"driver" validate:"oneof=synthetic portaudio"`
	SampleRate      int    `toml:"sample_rate" validate:"oneof=8000 16000 22050 44100 48000"`
	Channels        int    `toml:"channels" validate:"min=1,max=2"`
	FramesPerBuffer int    `toml:"frames_per_buffer" validate:"min=64"`
	Facing          string `toml:"facing" validate:"oneof=user environment"`
}

// PhotoConfig configures still capture
type PhotoConfig struct {
	JPEGQuality  int `toml:"jpeg_quality" validate:"min=1,max=100"`
	DelaySeconds int `toml:"delay_seconds" validate:"min=0,max=10"`
}

// StorageConfig configures local persistence
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path" validate:"required"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level      string `toml:"level" validate:"oneof=debug info warn error"`
	Format     string `toml:"format" validate:"oneof=json console"`
	Output     string `toml:"output"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Duration is a time.Duration that decodes from TOML strings like "15s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ChunkDuration returns the chunk length as a duration
func (r RecordingConfig) ChunkDuration() time.Duration {
	return time.Duration(r.ChunkSeconds) * time.Second
}

// Default returns the configuration used when no file overrides a value
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               "127.0.0.1:8085",
			CORSAllowedOrigins: []string{},
			ShutdownTimeout:    Duration{20 * time.Second},
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			WebSocketPath:  "/ws/audio",
			RequestTimeout: Duration{30 * time.Second},
		},
		Recording: RecordingConfig{
			ChunkSeconds:      5,
			MinChunkBytes:     500,
			SendQueueSize:     32,
			DrainTimeout:      Duration{15 * time.Second},
			TickInterval:      Duration{500 * time.Millisecond},
			ExhaustionMarkers: []string{"Tiempo de grabación agotado", "recording time exhausted"},
		},
		Capture: CaptureConfig{
			Driver:          "synthetic",
			SampleRate:      16000,
			Channels:        1,
			FramesPerBuffer: 1024,
			Facing:          "user",
		},
		Photo: PhotoConfig{
			JPEGQuality:  85,
			DelaySeconds: 0,
		},
		Storage: StorageConfig{
			SQLitePath: "data/hilo.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load reads the TOML file at path (optional), then .env, then HILO_* overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	// Secrets usually live in .env next to the binary
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Recording.DrainTimeout.Duration <= 0 {
		return fmt.Errorf("invalid configuration: recording.drain_timeout must be positive")
	}
	if c.Recording.TickInterval.Duration <= 0 || c.Recording.TickInterval.Duration > time.Second {
		return fmt.Errorf("invalid configuration: recording.tick_interval must be in (0, 1s]")
	}

	return nil
}

// applyEnv overrides values from HILO_* environment variables
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"HILO_SERVER_ADDR":            &cfg.Server.Addr,
		"HILO_BACKEND_URL":            &cfg.Backend.BaseURL,
		"HILO_BACKEND_WEBSOCKET_PATH": &cfg.Backend.WebSocketPath,
		"HILO_BACKEND_TOKEN":          &cfg.Backend.AuthToken,
		"HILO_BACKEND_COOKIE":         &cfg.Backend.SessionCookie,
		"HILO_CAPTURE_DRIVER":         &cfg.Capture.Driver,
		"HILO_STORAGE_PATH":           &cfg.Storage.SQLitePath,
		"HILO_LOG_LEVEL":              &cfg.Logging.Level,
		"HILO_LOG_FORMAT":             &cfg.Logging.Format,
		"HILO_LOG_OUTPUT":             &cfg.Logging.Output,
	}
	for key, target := range strs {
		if value, ok := lookup(key); ok && value != "" {
			*target = value
		}
	}

	ints := map[string]*int{
		"HILO_CHUNK_SECONDS":    &cfg.Recording.ChunkSeconds,
		"HILO_MIN_CHUNK_BYTES":  &cfg.Recording.MinChunkBytes,
		"HILO_PHOTO_DELAY":      &cfg.Photo.DelaySeconds,
		"HILO_CAPTURE_RATE":     &cfg.Capture.SampleRate,
		"HILO_CAPTURE_CHANNELS": &cfg.Capture.Channels,
	}
	for key, target := range ints {
		value, ok := lookup(key)
		if !ok || value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = parsed
	}

	if value, ok := lookup("HILO_CORS_ORIGINS"); ok && value != "" {
		origins := strings.Split(value, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.Server.CORSAllowedOrigins = origins
	}

	return nil
}
