package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/gookit/config/v2"
	"github.com/gookit/config/v2/yaml"

	"github.com/advbet/sse"
)

type HistoryConfig struct {
	MaxEvents int    `config:"max_events"`
	TTL       string `config:"ttl"`
}

type RedisConfig struct {
	Addr      string `config:"addr"`
	KeyPrefix string `config:"key_prefix"`
}

type Config struct {
	Addr      string        `config:"addr"`
	LogLevel  string        `config:"log_level"`
	Retry     string        `config:"retry"`
	KeepAlive string        `config:"keep_alive"`
	Lifetime  string        `config:"lifetime"`
	History   HistoryConfig `config:"history"`
	Redis     RedisConfig   `config:"redis"`
}

func defaultConfig() Config {
	return Config{
		Addr:      ":8080",
		LogLevel:  "info",
		Retry:     "2s",
		KeepAlive: "10s",
		History:   HistoryConfig{MaxEvents: 1000},
	}
}

// loadConfig reads path and the optional path.local.yml override on top of
// the defaults. Values may reference environment variables. An empty path
// returns the defaults.
func loadConfig(path string) (*Config, error) {
	appConfig := defaultConfig()
	if path == "" {
		return &appConfig, nil
	}

	c := config.New("ssedemo")
	c.WithOptions(func(opt *config.Options) {
		opt.ParseEnv = true
		opt.DecoderConfig.TagName = "config"
	})
	c.AddDriver(yaml.Driver)

	if err := c.LoadFiles(path); err != nil {
		return nil, err
	}
	if err := c.LoadExists(strings.Replace(path, ".yml", ".local.yml", 1)); err != nil {
		return nil, err
	}

	if err := c.BindStruct("", &appConfig); err != nil {
		return nil, err
	}

	return &appConfig, nil
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// streamConfig converts the loaded settings into a session configuration.
func (c *Config) streamConfig() (*sse.Config, error) {
	var (
		cfg sse.Config
		err error
	)

	if cfg.Retry, err = parseDuration("retry", c.Retry); err != nil {
		return nil, err
	}
	if cfg.KeepAlive, err = parseDuration("keep_alive", c.KeepAlive); err != nil {
		return nil, err
	}
	if cfg.Lifetime, err = parseDuration("lifetime", c.Lifetime); err != nil {
		return nil, err
	}
	return &cfg, nil
}
