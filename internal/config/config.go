// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/tradebridge/pkg/market"
)

// SessionConfig identifies the gateway session.
type SessionConfig struct {
	BrokerID string `yaml:"brokerId"`
	UserID   string `yaml:"userId"`
	Password string `yaml:"password"`
}

// TimeoutConfig bounds the facade's blocking operations.
type TimeoutConfig struct {
	Connect  time.Duration `yaml:"connect"`
	Quote    time.Duration `yaml:"quote"`
	Position time.Duration `yaml:"position"`
	Order    time.Duration `yaml:"order"`
	Stop     time.Duration `yaml:"stop"`
}

// StrategyConfig bounds the strategy supervisor.
type StrategyConfig struct {
	MaxStrategies int `yaml:"maxStrategies"`
}

// OrderConfig tunes the submission engine.
type OrderConfig struct {
	// ThrottleRate caps physical submissions per second; zero disables it.
	ThrottleRate  float64 `yaml:"throttleRate"`
	ThrottleBurst int     `yaml:"throttleBurst"`
}

// Config is the root application configuration.
type Config struct {
	Session     SessionConfig           `yaml:"session"`
	Timeouts    TimeoutConfig           `yaml:"timeouts"`
	Strategies  StrategyConfig          `yaml:"strategies"`
	Orders      OrderConfig             `yaml:"orders"`
	Instruments []market.InstrumentMeta `yaml:"instruments"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	var cfg Config
	cfg.normalize()
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Timeouts.Connect <= 0 {
		c.Timeouts.Connect = 10 * time.Second
	}
	if c.Timeouts.Quote <= 0 {
		c.Timeouts.Quote = 3 * time.Second
	}
	if c.Timeouts.Position <= 0 {
		c.Timeouts.Position = 3 * time.Second
	}
	if c.Timeouts.Order <= 0 {
		c.Timeouts.Order = 5 * time.Second
	}
	if c.Timeouts.Stop <= 0 {
		c.Timeouts.Stop = 10 * time.Second
	}
	if c.Strategies.MaxStrategies <= 0 {
		c.Strategies.MaxStrategies = 16
	}
	if c.Orders.ThrottleRate > 0 && c.Orders.ThrottleBurst <= 0 {
		c.Orders.ThrottleBurst = 1
	}
}

func (c Config) validate() error {
	if c.Orders.ThrottleRate < 0 {
		return fmt.Errorf("config: orders.throttleRate must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Instruments))
	for _, m := range c.Instruments {
		inst := strings.TrimSpace(m.Instrument)
		if inst == "" {
			return fmt.Errorf("config: instruments entry with empty id")
		}
		if _, dup := seen[inst]; dup {
			return fmt.Errorf("config: duplicate instrument %s", inst)
		}
		seen[inst] = struct{}{}
		// Zero means "fetch the multiplier at start"; negative is a mistake.
		if m.Multiplier < 0 {
			return fmt.Errorf("config: instrument %s multiplier must not be negative", inst)
		}
	}
	return nil
}
