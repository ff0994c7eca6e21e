// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	toml "github.com/pelletier/go-toml"
)

// Config holds the server's static settings.
type Config struct {
	Socket     string `toml:"socket"`
	OwnerGroup string `toml:"group"`
	// Listen is a TCP address. When set, it is used instead of Socket.
	Listen     string `toml:"listen"`
	DevicePath string `toml:"device_path"`
	BaudRate   int    `toml:"device_baud_rate"`

	// MaxSessions is the number of concurrent streaming sessions, and
	// QueueDepth the number of frames buffered for each of them.
	MaxSessions int `toml:"max_sessions"`
	QueueDepth  int `toml:"queue_depth"`
	// LockTimeout bounds how long an operation waits for device access.
	LockTimeout int `toml:"lock_timeout_seconds"`

	RequiredCfgKeys []string `toml:"required_cfg_keys"`
	RequireUniqueID bool     `toml:"require_unique_id"`

	// StateFile keeps the last committed device configuration.
	StateFile string `toml:"state_file"`
	// DeviceConfig is an operator maintained device configuration. The
	// device is reinitialized whenever it changes.
	DeviceConfig string `toml:"device_config"`

	LogLevel string `toml:"log_level"`
}

func Default() *Config {
	return &Config{
		Socket:      "/run/gnss_control.sock",
		DevicePath:  "/dev/ttyACM0",
		BaudRate:    38400,
		MaxSessions: 8,
		QueueDepth:  64,
		LockTimeout: 5,
		RequiredCfgKeys: []string{
			"CFG_MSGOUT_UBX_TIM_TP_USB",
			"CFG_MSGOUT_UBX_NAV_TIMEUTC_USB",
		},
		StateFile: "/var/lib/gnss_control/state.toml",
		LogLevel:  "info",
	}
}

// Parse reads the configuration file. Settings missing from the file keep
// their default value.
func Parse(file string) (c *Config, err error) {
	contents, err := os.ReadFile(file)
	if err != nil {
		err = fmt.Errorf("config.Parse(): %w", err)
		return
	}

	c = Default()

	if err = toml.Unmarshal(contents, c); err != nil {
		err = fmt.Errorf("config.Parse(): %w", err)
		return
	}

	if c.MaxSessions < 1 {
		err = fmt.Errorf("config.Parse(): max_sessions must be at least 1, got %d", c.MaxSessions)
		return
	}
	if c.LockTimeout < 1 {
		err = fmt.Errorf("config.Parse(): lock_timeout_seconds must be at least 1, got %d", c.LockTimeout)
	}
	return
}

func (c *Config) LockTimeoutDuration() time.Duration {
	return time.Duration(c.LockTimeout) * time.Second
}

// Level returns the slog level named by LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
