package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the on-disk TOML shape of the echo server configuration.
type fileConfig struct {
	Addr            string `toml:"addr"`
	Heartbeat       string `toml:"heartbeat"`
	MaxMessageSize  int    `toml:"max_message_size"`
	MaxFramePayload int    `toml:"max_frame_payload"`
	AutoFragment    bool   `toml:"auto_fragment"`
	RatePerSecond   int    `toml:"rate_per_second"`
	RateBurst       int    `toml:"rate_burst"`
}

// config holds the resolved runtime configuration.
type config struct {
	Addr            string
	Heartbeat       time.Duration
	MaxMessageSize  int
	MaxFramePayload int
	AutoFragment    bool
	RatePerSecond   int
	RateBurst       int
}

func defaultConfig() config {
	return config{
		Addr:            "127.0.0.1:12345",
		Heartbeat:       30 * time.Second,
		MaxMessageSize:  1024 * 1024,
		MaxFramePayload: 64 * 1024,
		AutoFragment:    true,
	}
}

// loadConfig reads the TOML file at path, applying defaults for any value
// the file does not define. An empty path returns the defaults unchanged.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("addr") && strings.TrimSpace(raw.Addr) != "" {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return config{}, fmt.Errorf("parse heartbeat: %w", err)
		}
		cfg.Heartbeat = d
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("max_frame_payload") {
		cfg.MaxFramePayload = raw.MaxFramePayload
	}
	if meta.IsDefined("auto_fragment") {
		cfg.AutoFragment = raw.AutoFragment
	}
	if meta.IsDefined("rate_per_second") {
		cfg.RatePerSecond = raw.RatePerSecond
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}

	return cfg, nil
}
