package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"P2PCanvas/internal/session"
)

// Config is the process configuration for a canvas board.
type Config struct {
	Topic        string        `env:"CANVAS_TOPIC"`
	ListenAddrs  []string      `env:"CANVAS_LISTEN"         envDefault:"/ip4/0.0.0.0/tcp/0" envSeparator:","`
	Peers        []string      `env:"CANVAS_PEERS"          envSeparator:","`
	HTTPAddr     string        `env:"CANVAS_HTTP_ADDR"      envDefault:":8888"`
	MDNS         bool          `env:"CANVAS_MDNS"           envDefault:"true"`
	MDNSInterval time.Duration `env:"CANVAS_MDNS_INTERVAL"  envDefault:"10s"`
	LogLevel     string        `env:"CANVAS_LOG_LEVEL"      envDefault:"info"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{Topic: session.DefaultTopic}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Topic) == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if len(c.ListenAddrs) == 0 {
		errs = append(errs, errors.New("at least one listen address is required"))
	}
	if c.MDNS && c.MDNSInterval <= 0 {
		errs = append(errs, fmt.Errorf("mdns interval must be positive, got %s", c.MDNSInterval))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
