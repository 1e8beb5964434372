// Package config handles park2mqtt configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Refresh interval bounds in minutes. The remote service throttles
// aggressive polling, so the floor is one minute.
const (
	MinRefreshIntervalMin     = 1
	MaxRefreshIntervalMin     = 60
	DefaultRefreshIntervalMin = 5
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/park2mqtt/config.yaml, /etc/park2mqtt/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "park2mqtt", "config.yaml"))
	}

	paths = append(paths, "/etc/park2mqtt/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all park2mqtt configuration.
type Config struct {
	TwoPark            TwoParkConfig `yaml:"twopark"`
	MQTT               MQTTConfig    `yaml:"mqtt"`
	RefreshIntervalMin int           `yaml:"refresh_interval_min"`
	DataDir            string        `yaml:"data_dir"`
	LogLevel           string        `yaml:"log_level"`
}

// TwoParkConfig defines the remote account and endpoint settings.
type TwoParkConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	// BaseURL overrides the production endpoint. Mostly useful for tests.
	BaseURL string `yaml:"base_url"`
	// Locale is sent with every request (default nl_NL).
	Locale string `yaml:"locale"`
}

// MQTTConfig defines the broker connection and Home Assistant
// discovery settings.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"` // default "homeassistant"
	DeviceName      string `yaml:"device_name"`      // default "2park"
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.TwoPark.BaseURL == "" {
		c.TwoPark.BaseURL = "https://mijn.2park.nl"
	}
	if c.TwoPark.Locale == "" {
		c.TwoPark.Locale = "nl_NL"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "2park"
	}
	if c.RefreshIntervalMin == 0 {
		c.RefreshIntervalMin = DefaultRefreshIntervalMin
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Validate checks required fields and clamps the refresh interval to
// its allowed range.
func (c *Config) Validate() error {
	if c.TwoPark.Email == "" {
		return fmt.Errorf("twopark.email is required")
	}
	if c.TwoPark.Password == "" {
		return fmt.Errorf("twopark.password is required")
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	c.RefreshIntervalMin = ClampRefreshInterval(c.RefreshIntervalMin)
	return nil
}

// ClampRefreshInterval bounds an interval in minutes to the allowed
// 1–60 range.
func ClampRefreshInterval(minutes int) int {
	if minutes < MinRefreshIntervalMin {
		return MinRefreshIntervalMin
	}
	if minutes > MaxRefreshIntervalMin {
		return MaxRefreshIntervalMin
	}
	return minutes
}
