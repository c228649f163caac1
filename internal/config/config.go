// Package config loads the marketd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/persistence/postgres"
	"github.com/sawpanic/marketfeed/internal/persistence/rediscache"
	"github.com/sawpanic/marketfeed/internal/providers"
	"github.com/sawpanic/marketfeed/internal/stream"
)

// Config is the complete service configuration
type Config struct {
	Log       LogConfig                 `yaml:"log"`
	HTTP      HTTPConfig                `yaml:"http"`
	Publisher PublisherConfig           `yaml:"publisher"`
	Transport TransportConfig           `yaml:"transport"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`
}

// LogConfig selects level and output format (auto, json or console)
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig configures the health and metrics server
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PublisherConfig configures the event bus and its sinks
type PublisherConfig struct {
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
	Breaker  BreakerConfig  `yaml:"breaker"`
}

// RedisConfig enables pub/sub fan-out and the latest-book cache
type RedisConfig struct {
	Enabled           bool          `yaml:"enabled"`
	rediscache.Config `yaml:",inline"`
	ChannelPrefix     string        `yaml:"channel_prefix"`
	BookTTL           time.Duration `yaml:"book_ttl"`
}

// KafkaConfig enables the Kafka sink
type KafkaConfig struct {
	Enabled            bool `yaml:"enabled"`
	stream.KafkaConfig `yaml:",inline"`
}

// PostgresConfig enables trade and kline persistence
type PostgresConfig struct {
	Enabled         bool `yaml:"enabled"`
	postgres.Config `yaml:",inline"`
}

// BreakerConfig tunes the per-sink circuit breakers
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// TransportConfig tunes websocket sessions
type TransportConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectEvery    time.Duration `yaml:"reconnect_every"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
}

// PlatformConfig is one platform's subscription settings
type PlatformConfig struct {
	WSS       string   `yaml:"wss"`
	Symbols   []string `yaml:"symbols"`
	Channels  []string `yaml:"channels"`
	Depth     int      `yaml:"depth"`
	AccessKey string   `yaml:"access_key"`
	SecretKey string   `yaml:"secret_key"`
}

// PlatformSettings is a usable platform entry
type PlatformSettings struct {
	Platform market.Platform
	Settings providers.Settings
}

// Default returns a configuration with every default filled in and no platforms
func Default() *Config {
	pg := postgres.DefaultConfig()
	return &Config{
		Log:  LogConfig{Level: "info", Format: "auto"},
		HTTP: HTTPConfig{Addr: "127.0.0.1:8080", ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second},
		Publisher: PublisherConfig{
			Buffer: stream.DefaultBusConfig().Buffer,
			Redis: RedisConfig{
				Config:        rediscache.Config{Addr: "localhost:6379"},
				ChannelPrefix: "market",
				BookTTL:       5 * time.Minute,
			},
			Kafka:    KafkaConfig{KafkaConfig: stream.KafkaConfig{Topic: "market-events"}},
			Postgres: PostgresConfig{Config: pg},
			Breaker: BreakerConfig{
				ConsecutiveFailures: stream.DefaultBusConfig().ConsecutiveFailures,
				OpenTimeout:         stream.DefaultBusConfig().OpenTimeout,
			},
		},
		Transport: TransportConfig{
			HeartbeatInterval: 10 * time.Second,
			ReconnectEvery:    2 * time.Second,
			HandshakeTimeout:  15 * time.Second,
		},
		Platforms: map[string]PlatformConfig{},
	}
}

// Load reads path, expands ${ENV} references and validates the result.
// Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that make startup impossible
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch c.Log.Format {
	case "auto", "json", "console":
	default:
		return fmt.Errorf("log format must be auto, json or console, got %q", c.Log.Format)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http addr cannot be empty")
	}
	if c.Publisher.Buffer <= 0 {
		return fmt.Errorf("publisher buffer must be positive, got %d", c.Publisher.Buffer)
	}
	if c.Publisher.Kafka.Enabled {
		if len(c.Publisher.Kafka.Brokers) == 0 {
			return fmt.Errorf("publisher kafka: brokers cannot be empty when enabled")
		}
		if c.Publisher.Kafka.Topic == "" {
			return fmt.Errorf("publisher kafka: topic cannot be empty when enabled")
		}
	}
	if c.Publisher.Redis.Enabled && c.Publisher.Redis.Addr == "" {
		return fmt.Errorf("publisher redis: addr cannot be empty when enabled")
	}
	if c.Publisher.Postgres.Enabled && c.Publisher.Postgres.DSN == "" {
		return fmt.Errorf("publisher postgres: dsn cannot be empty when enabled")
	}
	if c.Transport.HeartbeatInterval <= 0 {
		return fmt.Errorf("transport heartbeat_interval must be positive")
	}
	if c.Transport.ReconnectEvery <= 0 {
		return fmt.Errorf("transport reconnect_every must be positive")
	}
	return nil
}

// Bus returns the event bus settings
func (c *Config) Bus() stream.BusConfig {
	bc := stream.DefaultBusConfig()
	bc.Buffer = c.Publisher.Buffer
	bc.ConsecutiveFailures = c.Publisher.Breaker.ConsecutiveFailures
	bc.OpenTimeout = c.Publisher.Breaker.OpenTimeout
	return bc
}

// Problem is a configuration entry that was skipped
type Problem struct {
	Platform string
	Err      error
}

func (p Problem) Error() string {
	return p.Platform + ": " + p.Err.Error()
}

func (p Problem) Unwrap() error { return p.Err }

// PlatformSettings converts the platforms section into adapter settings.
// Unknown platforms, channels and malformed symbols are reported as problems
// and skipped; the rest of the entry is still used. Results are ordered by
// platform name.
func (c *Config) PlatformSettings() ([]PlatformSettings, []Problem) {
	names := make([]string, 0, len(c.Platforms))
	for name := range c.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []PlatformSettings
	var problems []Problem
	for _, name := range names {
		pc := c.Platforms[name]
		p, err := market.ParsePlatform(strings.ToLower(name))
		if err != nil {
			problems = append(problems, Problem{Platform: name, Err: err})
			continue
		}

		s := providers.Settings{
			WSS:       pc.WSS,
			Depth:     pc.Depth,
			AccessKey: pc.AccessKey,
			SecretKey: pc.SecretKey,
		}
		for _, raw := range pc.Symbols {
			sym, err := market.ParseSymbol(raw)
			if err != nil {
				problems = append(problems, Problem{Platform: name, Err: err})
				continue
			}
			s.Symbols = append(s.Symbols, sym)
		}
		for _, raw := range pc.Channels {
			ch, err := market.ParseChannel(raw)
			if err != nil {
				problems = append(problems, Problem{Platform: name, Err: err})
				continue
			}
			s.Channels = append(s.Channels, ch)
		}
		if len(s.Symbols) == 0 || len(s.Channels) == 0 {
			problems = append(problems, Problem{Platform: name, Err: ErrNothingToSubscribe})
			continue
		}
		out = append(out, PlatformSettings{Platform: p, Settings: s})
	}
	return out, problems
}

// ErrNothingToSubscribe marks a platform entry with no usable symbol or channel
var ErrNothingToSubscribe = errors.New("no usable symbols or channels")
