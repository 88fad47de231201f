// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config loads the board profile: which buttons to watch, whether to
// drive the servo outputs, and process lifecycle settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/beaglerc/sitarahost/logging"
)

// Polarity names accepted in ButtonConfig.Polarity.
const (
	NormHigh = "norm_high"
	NormLow  = "norm_low"
)

// EnvLogLevel overrides Config.LogLevel when set.
const EnvLogLevel = "SITARAHOST_LOG_LEVEL"

// Limits enforced by Validate.
const (
	maxPin         = 127
	minKillTimeout = 100 * time.Millisecond
)

// ButtonConfig declares one button.
type ButtonConfig struct {
	Name     string        `yaml:"name"`
	Pin      int           `yaml:"pin"`
	Polarity string        `yaml:"polarity"` // norm_high or norm_low
	Debounce time.Duration `yaml:"debounce"`
}

// ServoConfig holds the PRU servo controller settings.
type ServoConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Core         int           `yaml:"core"`
	Firmware     string        `yaml:"firmware"`
	PowerRailPin int           `yaml:"power_rail_pin"`
	StateTimeout time.Duration `yaml:"state_timeout"` // remoteproc start/stop
}

// DSMConfig holds the DSM radio receiver settings.
type DSMConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            string        `yaml:"port"`
	CalibrationFile string        `yaml:"calibration_file"`
	ActiveTimeout   time.Duration `yaml:"active_timeout"` // connection lost after
}

// LifecycleConfig holds the PID file settings.
type LifecycleConfig struct {
	PIDFile     string        `yaml:"pid_file"`
	KillTimeout time.Duration `yaml:"kill_timeout"`
}

// Config is the top-level board profile.
type Config struct {
	LogLevel          string          `yaml:"log_level"`
	Buttons           []ButtonConfig  `yaml:"buttons"`
	ButtonPollTimeout time.Duration   `yaml:"button_poll_timeout"`
	ButtonJoinTimeout time.Duration   `yaml:"button_join_timeout"`
	Servo             ServoConfig     `yaml:"servo"`
	DSM               DSMConfig       `yaml:"dsm"`
	Lifecycle         LifecycleConfig `yaml:"lifecycle"`
}

// Default returns the profile of a BeagleBone Blue: pause and mode buttons,
// servo controller on PRU1. The DSM receiver is off until a radio is bound.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Buttons: []ButtonConfig{
			{Name: "pause", Pin: 69, Polarity: NormHigh, Debounce: 2 * time.Millisecond},
			{Name: "mode", Pin: 68, Polarity: NormHigh, Debounce: 2 * time.Millisecond},
		},
		ButtonPollTimeout: 100 * time.Millisecond,
		ButtonJoinTimeout: 3 * time.Second,
		Servo: ServoConfig{
			Enabled:      true,
			Core:         1,
			Firmware:     "am335x-pru1-rc-servo-fw",
			PowerRailPin: 80,
			StateTimeout: time.Second,
		},
		DSM: DSMConfig{
			Port:            "/dev/ttyS4",
			CalibrationFile: "/var/lib/robotcontrol/dsm.cal",
			ActiveTimeout:   200 * time.Millisecond,
		},
		Lifecycle: LifecycleConfig{
			PIDFile:     "/run/shm/robotcontrol.pid",
			KillTimeout: 2 * time.Second,
		},
	}
}

// Load reads a YAML profile on top of Default. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			applyEnvOverrides(cfg)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML profile on top of Default and validates it. Unknown
// keys are rejected to catch typos.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) != 0 {
		if err := unmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var err error
	if _, e := logging.ParseLevel(c.LogLevel); e != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", e))
	}
	seen := map[int]string{}
	for i, b := range c.Buttons {
		if b.Pin < 0 || b.Pin > maxPin {
			err = multierr.Append(err, fmt.Errorf("buttons[%d]: pin must be between 0 and %d, got %d", i, maxPin, b.Pin))
		}
		if other, ok := seen[b.Pin]; ok {
			err = multierr.Append(err, fmt.Errorf("buttons[%d]: pin %d already used by %q", i, b.Pin, other))
		}
		seen[b.Pin] = b.Name
		if b.Polarity != NormHigh && b.Polarity != NormLow {
			err = multierr.Append(err, fmt.Errorf("buttons[%d]: polarity must be %q or %q, got %q", i, NormHigh, NormLow, b.Polarity))
		}
		if b.Debounce < 0 {
			err = multierr.Append(err, fmt.Errorf("buttons[%d]: debounce must be >= 0", i))
		}
	}
	if c.ButtonPollTimeout <= 0 {
		err = multierr.Append(err, errors.New("button_poll_timeout must be > 0"))
	}
	if c.ButtonJoinTimeout <= 0 {
		err = multierr.Append(err, errors.New("button_join_timeout must be > 0"))
	}
	if c.Servo.Enabled {
		if c.Servo.Core != 0 && c.Servo.Core != 1 {
			err = multierr.Append(err, fmt.Errorf("servo.core must be 0 or 1, got %d", c.Servo.Core))
		}
		if c.Servo.Firmware == "" {
			err = multierr.Append(err, errors.New("servo.firmware is required"))
		}
		if c.Servo.PowerRailPin < 0 || c.Servo.PowerRailPin > maxPin {
			err = multierr.Append(err, fmt.Errorf("servo.power_rail_pin must be between 0 and %d, got %d", maxPin, c.Servo.PowerRailPin))
		}
		if c.Servo.StateTimeout <= 0 {
			err = multierr.Append(err, errors.New("servo.state_timeout must be > 0"))
		}
	}
	if c.DSM.Enabled {
		if c.DSM.Port == "" {
			err = multierr.Append(err, errors.New("dsm.port is required"))
		}
		if c.DSM.CalibrationFile == "" {
			err = multierr.Append(err, errors.New("dsm.calibration_file is required"))
		}
		if c.DSM.ActiveTimeout <= 0 {
			err = multierr.Append(err, errors.New("dsm.active_timeout must be > 0"))
		}
	}
	if c.Lifecycle.PIDFile == "" {
		err = multierr.Append(err, errors.New("lifecycle.pid_file is required"))
	}
	if c.Lifecycle.KillTimeout < minKillTimeout {
		err = multierr.Append(err, fmt.Errorf("lifecycle.kill_timeout must be >= %s", minKillTimeout))
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func unmarshalStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}
