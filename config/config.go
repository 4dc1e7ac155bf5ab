// Package config loads the immutable application configuration from the
// environment, with an optional YAML file as a base layer.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// Defaults for the polling knobs. Intervals are in seconds.
const (
	DefaultPollInterval = 900
	MinPollInterval     = 300
	MaxPollInterval     = 43200
	MaxItemsPerPoll     = 5
	InitialItemsCount   = 3
)

// Config is the application configuration. It is loaded once at startup and
// never mutated afterwards.
type Config struct {
	BotToken string `yaml:"bot_token"`

	DatabaseType string `yaml:"database_type"`
	DatabaseURL  string `yaml:"database_url"`

	BindAddress string `yaml:"bind_address"`
	LogLevel    string `yaml:"log_level"`
	LogDir      string `yaml:"log_dir"`

	DefaultPollInterval int `yaml:"default_poll_interval"`
	MinPollInterval     int `yaml:"min_poll_interval"`
	MaxPollInterval     int `yaml:"max_poll_interval"`
	MaxItemsPerPoll     int `yaml:"max_items_per_poll"`
	InitialItemsCount   int `yaml:"initial_items_count"`

	UserAgent string `yaml:"user_agent"`
}

// Load builds a Config from the environment. If CONFIG_FILE is set, the YAML
// file it names is read first and individual environment variables override
// its values.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseType:        "sqlite3",
		DatabaseURL:         "data/cordfeeder.db",
		BindAddress:         ":4050",
		LogLevel:            "info",
		DefaultPollInterval: DefaultPollInterval,
		MinPollInterval:     MinPollInterval,
		MaxPollInterval:     MaxPollInterval,
		MaxItemsPerPoll:     MaxItemsPerPoll,
		InitialItemsCount:   InitialItemsCount,
		UserAgent:           "CordFeeder/1.0 (+https://github.com/cordfeeder/cordfeeder)",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		contents, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %v", path, err)
		}
		if err := yaml.Unmarshal(contents, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %v", path, err)
		}
	}

	strEnv(&cfg.BotToken, "BOT_TOKEN")
	strEnv(&cfg.DatabaseType, "DATABASE_TYPE")
	strEnv(&cfg.DatabaseURL, "DATABASE_URL")
	strEnv(&cfg.BindAddress, "BIND_ADDRESS")
	strEnv(&cfg.LogLevel, "LOG_LEVEL")
	strEnv(&cfg.LogDir, "LOG_DIR")
	strEnv(&cfg.UserAgent, "USER_AGENT")

	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"DEFAULT_POLL_INTERVAL", &cfg.DefaultPollInterval},
		{"MIN_POLL_INTERVAL", &cfg.MinPollInterval},
		{"MAX_POLL_INTERVAL", &cfg.MaxPollInterval},
		{"MAX_ITEMS_PER_POLL", &cfg.MaxItemsPerPoll},
		{"INITIAL_ITEMS_COUNT", &cfg.InitialItemsCount},
	} {
		if err := intEnv(v.dst, v.name); err != nil {
			return nil, err
		}
	}

	if cfg.MinPollInterval > cfg.MaxPollInterval {
		return nil, fmt.Errorf(
			"MIN_POLL_INTERVAL (%d) must not exceed MAX_POLL_INTERVAL (%d)",
			cfg.MinPollInterval, cfg.MaxPollInterval,
		)
	}

	return cfg, nil
}

// LogSummary returns the config as logrus fields with the credential
// redacted.
func (c *Config) LogSummary() log.Fields {
	token := "<unset>"
	if c.BotToken != "" {
		token = "<redacted>"
	}
	return log.Fields{
		"bot_token":             token,
		"database_type":         c.DatabaseType,
		"database_url":          c.DatabaseURL,
		"bind_address":          c.BindAddress,
		"log_level":             c.LogLevel,
		"log_dir":               c.LogDir,
		"default_poll_interval": c.DefaultPollInterval,
		"min_poll_interval":     c.MinPollInterval,
		"max_poll_interval":     c.MaxPollInterval,
		"max_items_per_poll":    c.MaxItemsPerPoll,
		"initial_items_count":   c.InitialItemsCount,
		"user_agent":            c.UserAgent,
	}
}

func strEnv(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func intEnv(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", name, v)
	}
	*dst = n
	return nil
}
