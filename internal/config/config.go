package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Stream  StreamConfig  `yaml:"stream"`
	Console ConsoleConfig `yaml:"console"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Monitor MonitorConfig `yaml:"monitor"`
	Models  ModelsConfig  `yaml:"models"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// Addr joins host and port into a dialable listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type StreamConfig struct {
	IdentityPrefix string        `yaml:"identity_prefix"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendQueue      int           `yaml:"send_queue"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	// ReadTimeout drops a stream that stays silent this long. Zero disables it.
	// A device idle after STOP is silent too and comes back as a new session.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	FrameTTL    time.Duration `yaml:"frame_ttl"`
}

type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type MonitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type ModelsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// Domain is the host used when building download links. Empty means
	// the Host header of the upload request.
	Domain        string      `yaml:"domain"`
	Backend       string      `yaml:"backend"`
	MaxUploadSize int64       `yaml:"max_upload_size"`
	Redis         RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8765,
			Host:            "0.0.0.0",
			ShutdownTimeout: 5 * time.Second,
		},
		Stream: StreamConfig{
			IdentityPrefix: "Client_",
			MaxMessageSize: 8 << 20,
			SendQueue:      16,
			WriteTimeout:   5 * time.Second,
			FrameTTL:       30 * time.Second,
		},
		Console: ConsoleConfig{Enabled: true},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		},
		Models: ModelsConfig{
			Enabled:       true,
			Dir:           "./models",
			Backend:       BackendFile,
			MaxUploadSize: 512 << 20,
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
				Key:  "relay:models:metadata",
			},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ShutdownTimeout < 0 {
		return errors.New("server.shutdown_timeout must not be negative")
	}
	if c.Stream.IdentityPrefix == "" {
		return errors.New("stream.identity_prefix must not be empty")
	}
	if c.Stream.SendQueue <= 0 {
		return errors.New("stream.send_queue must be positive")
	}
	if c.Stream.WriteTimeout < 0 || c.Stream.ReadTimeout < 0 || c.Stream.FrameTTL < 0 {
		return errors.New("stream timeouts must not be negative")
	}
	if c.Monitor.Interval < 0 {
		return errors.New("monitor.interval must not be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q: want json or console", c.Log.Format)
	}
	switch c.Models.Backend {
	case BackendFile, BackendRedis:
	default:
		return fmt.Errorf("models.backend %q: want %s or %s", c.Models.Backend, BackendFile, BackendRedis)
	}
	return nil
}
