// Package config loads the configuration of the factories and the campaign
// files run by the head.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/fleet/internal/factory"
	"github.com/wesleyorama2/fleet/internal/logging"
)

// FactoryConfig is the configuration of a factory node.
//
// Every field can be overridden by the environment variable in its env tag.
type FactoryConfig struct {
	NodeID   string         `yaml:"nodeId" env:"FLEET_NODE_ID"`
	Channels ChannelsConfig `yaml:"channels"`

	// WindowSize bounds the start definitions carried by one MinionsStart.
	WindowSize int `yaml:"windowSize" env:"FLEET_WINDOW_SIZE"`

	Graceful GracefulConfig `yaml:"graceful"`

	// StepDelay is the duration of a step executed by the built-in runner.
	StepDelay time.Duration `yaml:"stepDelay" env:"FLEET_STEP_DELAY"`

	Log logging.Config `yaml:"log"`
}

// ChannelsConfig names the channels of the factory.
type ChannelsConfig struct {
	// Unicast defaults to unicast-<node id>.
	Unicast   string `yaml:"unicast" env:"FLEET_CHANNEL_UNICAST"`
	Broadcast string `yaml:"broadcast" env:"FLEET_CHANNEL_BROADCAST"`
	Feedback  string `yaml:"feedback" env:"FLEET_CHANNEL_FEEDBACK"`
}

// GracefulConfig holds the graceful shutdown durations.
type GracefulConfig struct {
	Minion   time.Duration `yaml:"minion" env:"FLEET_GRACEFUL_MINION"`
	Scenario time.Duration `yaml:"scenario" env:"FLEET_GRACEFUL_SCENARIO"`
	Campaign time.Duration `yaml:"campaign" env:"FLEET_GRACEFUL_CAMPAIGN"`
}

// DefaultFactoryConfig returns the configuration of a factory named node.
func DefaultFactoryConfig(node string) FactoryConfig {
	timeouts := factory.DefaultGracefulTimeouts()
	return FactoryConfig{
		NodeID: node,
		Channels: ChannelsConfig{
			Broadcast: "directives-broadcast",
			Feedback:  "directives-feedback",
		},
		WindowSize: 400,
		Graceful: GracefulConfig{
			Minion:   timeouts.Minion,
			Scenario: timeouts.Scenario,
			Campaign: timeouts.Campaign,
		},
		StepDelay: 10 * time.Millisecond,
		Log:       logging.Config{Level: "info"},
	}
}

// LoadFactoryConfig reads the YAML file over the defaults, then applies the
// environment overrides. An empty path only applies the environment.
func LoadFactoryConfig(path, node string) (*FactoryConfig, error) {
	cfg := DefaultFactoryConfig(node)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read factory config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse factory config: %w", err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if cfg.Channels.Unicast == "" {
		cfg.Channels.Unicast = "unicast-" + cfg.NodeID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the configuration.
func (c *FactoryConfig) Validate() error {
	errs := &ValidationErrors{}
	if c.NodeID == "" {
		errs.Add("nodeId", "is required")
	}
	if c.Channels.Broadcast == "" {
		errs.Add("channels.broadcast", "is required")
	}
	if c.Channels.Feedback == "" {
		errs.Add("channels.feedback", "is required")
	}
	if c.Channels.Unicast != "" && c.Channels.Unicast == c.Channels.Broadcast {
		errs.Add("channels.unicast", "must differ from the broadcast channel")
	}
	if c.WindowSize <= 0 {
		errs.Add("windowSize", "must be positive")
	}
	if c.Graceful.Minion <= 0 {
		errs.Add("graceful.minion", "must be positive")
	}
	if c.Graceful.Scenario < c.Graceful.Minion {
		errs.Add("graceful.scenario", "must not be shorter than graceful.minion")
	}
	if c.Graceful.Campaign < c.Graceful.Scenario {
		errs.Add("graceful.campaign", "must not be shorter than graceful.scenario")
	}
	if c.StepDelay < 0 {
		errs.Add("stepDelay", "must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); c.Log.Level != "" && err != nil {
		errs.Add("log.level", err.Error())
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// GracefulTimeouts returns the shutdown durations of the campaign manager.
func (c *FactoryConfig) GracefulTimeouts() factory.GracefulTimeouts {
	return factory.GracefulTimeouts{
		Minion:   c.Graceful.Minion,
		Scenario: c.Graceful.Scenario,
		Campaign: c.Graceful.Campaign,
	}
}
