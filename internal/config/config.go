// Package config loads and validates the Multiplexer's YAML configuration,
// following a Load/Validate/GenerateRegistration shape generalized from a
// single-bridge configuration to one fronting an arbitrary population of
// bridges.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the bridge manager.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Database   DatabaseConfig   `yaml:"database"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// HomeserverConfig describes the single Matrix homeserver this Multiplexer
// fronts. Seeded into the Homeserver table at startup if absent.
type HomeserverConfig struct {
	URL     string `yaml:"url"`
	Name    string `yaml:"name"`
	HSToken string `yaml:"hs_token"`
}

// AppServiceConfig contains the application service registration this
// Multiplexer presents to the homeserver as a single disjoint namespace.
type AppServiceConfig struct {
	Address  string    `yaml:"address"`
	Hostname string    `yaml:"hostname"`
	Port     int       `yaml:"port"`
	ID       string    `yaml:"id"`
	Bot      BotConfig `yaml:"bot"`
	ASToken  string    `yaml:"as_token"`
	HSToken  string    `yaml:"hs_token"`
	// Namespace is the fixed username prefix that marks a bridge-owned
	// Matrix user id, e.g. "_bridge_manager__".
	Namespace string `yaml:"namespace"`
}

// BotConfig contains the bridge bot user settings.
type BotConfig struct {
	Username    string `yaml:"username"`
	Displayname string `yaml:"displayname"`
}

// DatabaseConfig contains Store connection settings.
type DatabaseConfig struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// BridgeConfig contains defaults shared across bridge-service instances.
type BridgeConfig struct {
	// OutboundTimeoutS bounds every outbound call to a bridge or the
	// homeserver (20s default per the concurrency model).
	OutboundTimeoutS int `yaml:"outbound_timeout_s"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	MinLevel string `yaml:"min_level"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid and sets defaults.
func (c *Config) Validate() error {
	if c.Homeserver.URL == "" {
		return fmt.Errorf("homeserver.url is required")
	}
	if c.Homeserver.Name == "" {
		return fmt.Errorf("homeserver.name is required")
	}
	if c.Homeserver.HSToken == "" {
		return fmt.Errorf("homeserver.hs_token is required")
	}

	if c.AppService.Port == 0 {
		c.AppService.Port = 29350
	}
	if c.AppService.ID == "" {
		c.AppService.ID = "bridge_manager"
	}
	if c.AppService.Namespace == "" {
		c.AppService.Namespace = "_bridge_manager__"
	}
	if c.AppService.Bot.Username == "" {
		c.AppService.Bot.Username = "bridgebot"
	}
	if c.AppService.ASToken == "" {
		return fmt.Errorf("appservice.as_token is required")
	}
	if c.AppService.HSToken == "" {
		return fmt.Errorf("appservice.hs_token is required")
	}

	if c.Database.URI == "" {
		return fmt.Errorf("database.uri is required")
	}
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Bridge.OutboundTimeoutS == 0 {
		c.Bridge.OutboundTimeoutS = 20
	}

	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "0.0.0.0:9110"
	}

	return nil
}

// GenerateRegistration creates a Matrix appservice registration YAML for
// this Multiplexer's single namespace covering every bridge it fronts.
func (c *Config) GenerateRegistration() string {
	return fmt.Sprintf(`id: %s
url: %s
as_token: %s
hs_token: %s
sender_localpart: %s
namespaces:
  users:
    - exclusive: true
      regex: '@%s.+:%s'
  aliases: []
  rooms: []
rate_limited: false
`,
		c.AppService.ID,
		c.AppService.Address,
		c.AppService.ASToken,
		c.AppService.HSToken,
		c.AppService.Bot.Username,
		regexp.QuoteMeta(c.AppService.Namespace),
		regexp.QuoteMeta(c.Homeserver.Name),
	)
}
