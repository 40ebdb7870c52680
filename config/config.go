// Package config loads panel configuration from YAML or TOML files.
//
// Values may reference environment variables as ${VAR}; a .env file next to
// the working directory is loaded first, so secrets and per-host endpoints can
// stay out of the config file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "HOMEPANEL_CONFIG"

type Config struct {
	RPC       RPCConfig       `yaml:"rpc" toml:"rpc"`
	Socket    SocketConfig    `yaml:"socket" toml:"socket"`
	Poll      PollConfig      `yaml:"poll" toml:"poll"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
}

type RPCConfig struct {
	Endpoint    string          `yaml:"endpoint" toml:"endpoint"`
	Timeout     Duration        `yaml:"timeout" toml:"timeout"`
	OmitVersion bool            `yaml:"omit_version" toml:"omit_version"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig throttles outgoing calls; RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" toml:"rps"`
	Burst int     `yaml:"burst" toml:"burst"`
}

type SocketConfig struct {
	URL         string          `yaml:"url" toml:"url"`
	Heartbeat   Duration        `yaml:"heartbeat" toml:"heartbeat"` // negative disables pings
	ReadLimit   int64           `yaml:"read_limit" toml:"read_limit"`
	Reconnect   ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	HealthCheck bool            `yaml:"health_check" toml:"health_check"`
}

type ReconnectConfig struct {
	Policy      string   `yaml:"policy" toml:"policy"` // none, fixed, exponential
	Delay       Duration `yaml:"delay" toml:"delay"`
	MaxDelay    Duration `yaml:"max_delay" toml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
}

type PollConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
}

// DiscoveryConfig replaces the fixed endpoints when EtcdEndpoints is set.
type DiscoveryConfig struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints" toml:"etcd_endpoints"`
	Service       string   `yaml:"service" toml:"service"`
	Balancer      string   `yaml:"balancer" toml:"balancer"`
	Key           string   `yaml:"key" toml:"key"` // consistent_hash affinity key; hostname when empty
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr"` // e.g. ":9100"; empty disables the endpoint
}

// ServerConfig configures `homepanel serve`.
type ServerConfig struct {
	Listen          string   `yaml:"listen" toml:"listen"`
	Advertise       string   `yaml:"advertise" toml:"advertise"`
	PublishInterval Duration `yaml:"publish_interval" toml:"publish_interval"`
}

// Default returns a configuration for a controller on localhost.
func Default() Config {
	return Config{
		RPC: RPCConfig{
			Endpoint: "http://localhost:8080/rpc",
			Timeout:  Duration(10 * time.Second),
		},
		Socket: SocketConfig{
			URL:       "ws://localhost:8080/ws",
			Heartbeat: Duration(30 * time.Second),
			ReadLimit: 1 << 20,
			Reconnect: ReconnectConfig{
				Policy:   "exponential",
				Delay:    Duration(500 * time.Millisecond),
				MaxDelay: Duration(30 * time.Second),
			},
		},
		Poll:      PollConfig{Interval: Duration(2500 * time.Millisecond)},
		Discovery: DiscoveryConfig{Service: "controller", Balancer: "round_robin"},
		Log:       LogConfig{Level: "info"},
		Server: ServerConfig{
			Listen:          ":8080",
			PublishInterval: Duration(2500 * time.Millisecond),
		},
	}
}

// LoadEnv loads environment variables from path. Missing files are ignored.
func LoadEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads path over Default and validates the result. An empty path
// returns the defaults. The format follows the extension: .yaml, .yml or .toml.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}
	if err := Parse(data, filepath.Ext(path), &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse expands ${VAR} references in data and decodes it into cfg.
func Parse(data []byte, ext string, cfg *Config) error {
	expanded := []byte(os.ExpandEnv(string(data)))

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("config: parse yaml: %w", err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(expanded))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("config: parse toml: %w", err)
		}
	default:
		return fmt.Errorf("config: unsupported file type %q", ext)
	}
	return nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	var errs []error

	if len(c.Discovery.EtcdEndpoints) == 0 {
		if c.RPC.Endpoint == "" {
			errs = append(errs, errors.New("rpc.endpoint is required without discovery"))
		}
		if c.Socket.URL == "" {
			errs = append(errs, errors.New("socket.url is required without discovery"))
		}
	} else if c.Discovery.Service == "" {
		errs = append(errs, errors.New("discovery.service is required"))
	}

	if c.RPC.Timeout < 0 {
		errs = append(errs, errors.New("rpc.timeout must not be negative"))
	}
	if c.RPC.RateLimit.RPS < 0 || c.RPC.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rpc.rate_limit values must not be negative"))
	}
	if c.RPC.RateLimit.RPS > 0 && c.RPC.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("rpc.rate_limit.burst must be at least 1"))
	}

	switch c.Socket.Reconnect.Policy {
	case "", "none", "fixed", "exponential":
	default:
		errs = append(errs, fmt.Errorf("socket.reconnect.policy: unsupported value %q", c.Socket.Reconnect.Policy))
	}
	if c.Socket.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("socket.reconnect.max_attempts must not be negative"))
	}
	if c.Socket.ReadLimit < 0 {
		errs = append(errs, errors.New("socket.read_limit must not be negative"))
	}
	if c.Poll.Interval < 0 {
		errs = append(errs, errors.New("poll.interval must not be negative"))
	}

	switch c.Discovery.Balancer {
	case "", "round_robin", "weighted_random", "consistent_hash":
	default:
		errs = append(errs, fmt.Errorf("discovery.balancer: unsupported value %q", c.Discovery.Balancer))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported value %q", c.Log.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
