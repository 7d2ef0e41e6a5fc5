// Package config loads node configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration of a lagom node.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Client   ClientConfig   `mapstructure:"client"`
	Registry RegistryConfig `mapstructure:"registry"`
	Errors   ErrorsConfig   `mapstructure:"errors"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Network string `mapstructure:"network"`
	Listen  string `mapstructure:"listen"`
	// Advertise is the routable address written to the registry; Listen
	// (":8080") is usually not.
	Advertise string `mapstructure:"advertise"`
	// Codec is the envelope codec: binary or json.
	Codec           string        `mapstructure:"codec"`
	StreamWindow    int           `mapstructure:"stream_window"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Weight          int           `mapstructure:"weight"`
	Version         string        `mapstructure:"version"`
}

type ClientConfig struct {
	Balancer       string        `mapstructure:"balancer"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
}

type RegistryConfig struct {
	// Kind: memory or etcd
	Kind        string        `mapstructure:"kind"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	TTL         int64         `mapstructure:"ttl"`
	Prefix      string        `mapstructure:"prefix"`
}

type ErrorsConfig struct {
	// ExposeDetails sends the message of every handler failure to callers.
	// Development only.
	ExposeDetails bool `mapstructure:"expose_details"`
}

type MetricsConfig struct {
	// Listen is the address of the Prometheus endpoint; empty disables it.
	Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: false,
			Rotation: RotationConfig{
				Filename:   "logs/lagom.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			Network:         "tcp",
			Listen:          ":8080",
			Advertise:       "127.0.0.1:8080",
			Codec:           "binary",
			StreamWindow:    16,
			ShutdownTimeout: 10 * time.Second,
			Weight:          10,
		},
		Client: ClientConfig{
			Balancer:       "round_robin",
			MaxRetries:     2,
			RetryBaseDelay: 50 * time.Millisecond,
			Heartbeat:      30 * time.Second,
		},
		Registry: RegistryConfig{
			Kind:        "memory",
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
			TTL:         10,
			Prefix:      "/lagom/",
		},
	}
}

// Load reads configuration from path, or from lagom.yaml in the usual
// places when path is empty. Environment variables override both with the
// prefix LAGOM, e.g. LAGOM_SERVER_LISTEN=:9000.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LAGOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// defaults make env-only configuration work
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("server.network", cfg.Server.Network)
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.advertise", cfg.Server.Advertise)
	v.SetDefault("server.codec", cfg.Server.Codec)
	v.SetDefault("server.stream_window", cfg.Server.StreamWindow)
	v.SetDefault("server.timeout", cfg.Server.Timeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("server.weight", cfg.Server.Weight)
	v.SetDefault("server.version", cfg.Server.Version)
	v.SetDefault("client.balancer", cfg.Client.Balancer)
	v.SetDefault("client.max_retries", cfg.Client.MaxRetries)
	v.SetDefault("client.retry_base_delay", cfg.Client.RetryBaseDelay)
	v.SetDefault("client.heartbeat", cfg.Client.Heartbeat)
	v.SetDefault("registry.kind", cfg.Registry.Kind)
	v.SetDefault("registry.endpoints", cfg.Registry.Endpoints)
	v.SetDefault("registry.dial_timeout", cfg.Registry.DialTimeout)
	v.SetDefault("registry.ttl", cfg.Registry.TTL)
	v.SetDefault("registry.prefix", cfg.Registry.Prefix)
	v.SetDefault("errors.expose_details", cfg.Errors.ExposeDetails)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)

	if path == "" {
		path = os.Getenv("LAGOM_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lagom")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".lagom"))
		}
	}

	// a missing config file is fine, defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	switch c.Server.Codec {
	case "binary", "json":
	default:
		return fmt.Errorf("invalid server.codec: %q", c.Server.Codec)
	}
	if c.Server.StreamWindow < 1 {
		return fmt.Errorf("server.stream_window must be positive, got %d", c.Server.StreamWindow)
	}

	c.Registry.Kind = strings.ToLower(strings.TrimSpace(c.Registry.Kind))
	switch c.Registry.Kind {
	case "memory":
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			return errors.New("registry.endpoints is required for the etcd registry")
		}
	default:
		return fmt.Errorf("invalid registry.kind: %q", c.Registry.Kind)
	}
	if c.Registry.TTL <= 0 {
		c.Registry.TTL = 10
	}
	return nil
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
