// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml"
)

// Device is a receiver configuration: which device to open, which message
// outputs to enable on it and which packets must then be seen.
type Device struct {
	ChipName string `toml:"chip_name" json:"chip_name"`
	ChipUID  string `toml:"chip_uid" json:"chip_uid,omitempty"`
	Device   string `toml:"device" json:"device"`
	BaudRate int    `toml:"baud_rate" json:"baud_rate,omitempty"`
	// CfgKeys and PacketIDs correspond one to one: each key enables the
	// output of one packet type.
	CfgKeys   []string `toml:"cfg_keys" json:"cfg_keys"`
	PacketIDs []string `toml:"packet_ids" json:"packet_ids"`
	// TimeoutSeconds is the device read timeout, and the window in which
	// every packet type must be observed after initialization.
	TimeoutSeconds int  `toml:"timeout_seconds" json:"timeout_seconds"`
	InitSuccess    bool `toml:"init_success" json:"init_success"`
}

func (d *Device) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy of d.
func (d *Device) Clone() *Device {
	c := *d
	c.CfgKeys = append([]string(nil), d.CfgKeys...)
	c.PacketIDs = append([]string(nil), d.PacketIDs...)
	return &c
}

// LoadDevice reads a device configuration from file.
func LoadDevice(file string) (d *Device, err error) {
	contents, err := os.ReadFile(file)
	if err != nil {
		err = fmt.Errorf("config.LoadDevice(): %w", err)
		return
	}

	d = &Device{}
	if err = toml.Unmarshal(contents, d); err != nil {
		err = fmt.Errorf("config.LoadDevice(): %s: %w", file, err)
	}
	return
}

// SaveDevice writes d to file, replacing it atomically.
func SaveDevice(file string, d *Device) (err error) {
	contents, err := toml.Marshal(*d)
	if err != nil {
		return fmt.Errorf("config.SaveDevice(): %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("config.SaveDevice(): %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(file), ".state-*")
	if err != nil {
		return fmt.Errorf("config.SaveDevice(): %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(contents); err != nil {
		tmp.Close()
		return fmt.Errorf("config.SaveDevice(): %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("config.SaveDevice(): %w", err)
	}

	if err = os.Rename(tmp.Name(), file); err != nil {
		return fmt.Errorf("config.SaveDevice(): %w", err)
	}
	return
}
