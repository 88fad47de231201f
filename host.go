// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package host

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/driver/driverreg"

	"github.com/beaglerc/sitarahost/am335x"
	"github.com/beaglerc/sitarahost/board"
	"github.com/beaglerc/sitarahost/button"
	"github.com/beaglerc/sitarahost/config"
	"github.com/beaglerc/sitarahost/dsm"
	"github.com/beaglerc/sitarahost/lifecycle"
	"github.com/beaglerc/sitarahost/logging"
	"github.com/beaglerc/sitarahost/pru"
	"github.com/beaglerc/sitarahost/spidev"
)

// Init calls driverreg.Init() and returns it as-is.
//
// The only difference is that by calling host.Init(), you are guaranteed to
// have all the host drivers implemented in this library to be implicitly
// loaded.
func Init() (*driverreg.State, error) {
	return driverreg.Init()
}

// Opts overrides how Open reaches the hardware. Zero fields use the real
// devices.
type Opts struct {
	ButtonOpen button.OpenFunc
	// Servo is passed to pru.OpenServo; Core, Firmware, PowerRailPin and
	// Logger are filled from the config when unset.
	Servo pru.ServoOpts
	// DSM is passed to dsm.Open; Path, CalibrationFile, ActiveTimeout and
	// Logger are filled from the config when unset.
	DSM dsm.Opts
	// Model skips board detection when not board.Unknown.
	Model board.Model
}

// Board holds the peripherals of a robot control process set up from a
// config.Config.
type Board struct {
	Model     board.Model
	Config    *config.Config
	Log       *logrus.Logger
	Lifecycle *lifecycle.Lifecycle
	Buttons   *button.Buttons
	// Servo is nil when the servo controller is disabled.
	Servo *pru.Servo
	// DSM is nil when the radio receiver is disabled.
	DSM *dsm.Receiver

	// ButtonPins maps the button names of the config to their pin.
	ButtonPins map[string]int

	mu     sync.Mutex
	chip   *am335x.Chip
	closed bool
}

// Open stops any other robot control process, claims the PID file and sets
// up the buttons and servo controller described by cfg.
//
// The process state is left Uninitialized; the caller moves it to Paused or
// Running once its own setup is done.
func Open(cfg *config.Config, opts Opts) (*Board, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logging.New(level)
	hl := logging.For(log, "host")

	b := &Board{
		Model:      opts.Model,
		Config:     cfg,
		Log:        log,
		ButtonPins: map[string]int{},
	}
	if b.Model == board.Unknown {
		b.Model = board.Detect()
	}
	hl.WithField("model", b.Model).Info("opening board")
	if !b.Model.HasRoboticsIO() {
		hl.Warn("board has no robotics cape I/O; default pins may not be wired")
	}

	state, err := Init()
	if err != nil {
		return nil, fmt.Errorf("host: loading drivers: %w", err)
	}
	for _, f := range state.Failed {
		hl.WithError(f.Err).WithField("driver", f.D.String()).Debug("driver failed")
	}

	b.Lifecycle = lifecycle.New(lifecycle.Opts{PIDFile: cfg.Lifecycle.PIDFile, Logger: log})
	res, err := b.Lifecycle.KillExisting(cfg.Lifecycle.KillTimeout)
	if err != nil {
		return nil, err
	}
	if res != lifecycle.NotRunning {
		hl.WithField("result", res).Info("previous instance stopped")
	}
	if err := b.Lifecycle.MakePIDFile(); err != nil {
		return nil, err
	}
	b.Lifecycle.EnableSignalHandler()

	b.Buttons = button.New(button.Opts{
		Open:        opts.ButtonOpen,
		PollTimeout: cfg.ButtonPollTimeout,
		JoinTimeout: cfg.ButtonJoinTimeout,
		Logger:      log,
	})
	for _, bc := range cfg.Buttons {
		p := button.NormHigh
		if bc.Polarity == config.NormLow {
			p = button.NormLow
		}
		if err := b.Buttons.Init(bc.Pin, p, bc.Debounce); err != nil {
			return nil, multierr.Append(fmt.Errorf("host: button %q: %w", bc.Name, err), b.Close())
		}
		b.ButtonPins[bc.Name] = bc.Pin
	}

	if cfg.Servo.Enabled {
		so := opts.Servo
		if so.Logger == nil {
			so.Logger = log
		}
		if so.Core == nil {
			c, err := pru.NewCore(cfg.Servo.Core, pru.CoreOpts{StateTimeout: cfg.Servo.StateTimeout, Logger: log})
			if err != nil {
				return nil, multierr.Append(err, b.Close())
			}
			so.Core = c
		}
		if so.Firmware == "" {
			so.Firmware = cfg.Servo.Firmware
		}
		if so.PowerRailPin == nil {
			pin := cfg.Servo.PowerRailPin
			so.PowerRailPin = &pin
		}
		s, err := pru.OpenServo(so)
		if err != nil {
			return nil, multierr.Append(err, b.Close())
		}
		b.Servo = s
	}

	if cfg.DSM.Enabled {
		do := opts.DSM
		if do.Path == "" {
			do.Path = cfg.DSM.Port
		}
		if do.CalibrationFile == "" {
			do.CalibrationFile = cfg.DSM.CalibrationFile
		}
		if do.ActiveTimeout == 0 {
			do.ActiveTimeout = cfg.DSM.ActiveTimeout
		}
		if do.Logger == nil {
			do.Logger = log
		}
		r, err := dsm.Open(do)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("host: dsm: %w", err), b.Close())
		}
		b.DSM = r
	}
	return b, nil
}

// Button returns the pin of the button named name in the config.
func (b *Board) Button(name string) (int, bool) {
	pin, ok := b.ButtonPins[name]
	return pin, ok
}

// OpenSPI opens a slave of SPI1 with the slave select GPIOs of the board.
func (b *Board) OpenSPI(opts spidev.Opts) (*spidev.Conn, error) {
	if opts.Model == board.Unknown {
		opts.Model = b.Model
	}
	if opts.Logger == nil {
		opts.Logger = b.Log
	}
	return spidev.Open(opts)
}

// GPIO returns the register mapped GPIO chip, mapping it on first use.
func (b *Board) GPIO() (*am335x.Chip, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chip != nil {
		return b.chip, nil
	}
	c, err := am335x.Open(b.Log)
	if err != nil {
		return nil, err
	}
	b.chip = c
	return c, nil
}

// Close releases everything Open set up and removes the PID file. It can be
// called multiple times.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var err error
	if b.DSM != nil {
		err = multierr.Append(err, b.DSM.Close())
	}
	if b.Servo != nil {
		err = multierr.Append(err, b.Servo.Close())
	}
	if b.Buttons != nil {
		err = multierr.Append(err, b.Buttons.Close())
	}
	if b.chip != nil {
		err = multierr.Append(err, b.chip.Close())
	}
	if b.Lifecycle != nil {
		b.Lifecycle.DisableSignalHandler()
		err = multierr.Append(err, b.Lifecycle.RemovePIDFile())
	}
	return err
}
