package reactor

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config stores server properties loaded from a YAML file.
//
//	host: 127.0.0.1
//	port: 8080
//	shutdownTimeout: 5s
//	idleTimeout: 1m
//	maxBufferSize: 1048576
//	sendQueueSize: 16
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MaxBufferSize   int           `yaml:"maxBufferSize"`
	SendQueueSize   int           `yaml:"sendQueueSize"`
}

// ParseConfig decodes and validates a YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	return ParseConfig(data)
}

// validate ensures configuration is coherent
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if c.Host != "" && net.ParseIP(c.Host) == nil {
		return errors.Errorf("invalid host %q", c.Host)
	}
	if c.ShutdownTimeout < 0 || c.IdleTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.MaxBufferSize < 0 || c.SendQueueSize < 0 {
		return errors.New("sizes must not be negative")
	}
	return nil
}

// Addr returns the address to bind. An empty host binds all interfaces.
func (c *Config) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(c.Host), Port: c.Port}
}

// ServerOptions converts the configuration to server options. Zero values
// keep the framework defaults.
func (c *Config) ServerOptions() []ServerOption {
	var connOpts []Option
	if c.IdleTimeout > 0 {
		connOpts = append(connOpts, IdleTimeoutOption(c.IdleTimeout))
	}
	if c.MaxBufferSize > 0 {
		connOpts = append(connOpts, MessageMaxSize(c.MaxBufferSize))
	}
	if c.SendQueueSize > 0 {
		connOpts = append(connOpts, BufferSizeOption(c.SendQueueSize))
	}

	opts := []ServerOption{ServerConnOptions(connOpts...)}
	if c.ShutdownTimeout > 0 {
		opts = append(opts, ServerShutdownTimeoutOption(c.ShutdownTimeout))
	}
	return opts
}
