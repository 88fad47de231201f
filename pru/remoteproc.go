// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pru

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/logging"
	"github.com/beaglerc/sitarahost/sysfs"
)

// RemoteprocRoot is where the kernel remoteproc driver exposes the PRU
// cores; core n is remoteproc{n+1}.
const RemoteprocRoot = "/sys/class/remoteproc"

// DefaultStateTimeout bounds the wait for a core to reach the requested
// state.
const DefaultStateTimeout = time.Second

const statePoll = 5 * time.Millisecond

// Remoteproc states used by the PRU cores.
const (
	StateOffline = "offline"
	StateRunning = "running"
)

// Core controls one PRU core through remoteproc.
type Core struct {
	id      int
	root    string
	timeout time.Duration
	log     logrus.FieldLogger
}

// CoreOpts configures a Core. Zero fields take the defaults.
type CoreOpts struct {
	// Root replaces RemoteprocRoot.
	Root         string
	StateTimeout time.Duration
	Logger       logrus.FieldLogger
}

// NewCore returns the controller of PRU core id, 0 or 1.
func NewCore(id int, opts CoreOpts) (*Core, error) {
	if id != 0 && id != 1 {
		return nil, hwerr.New("pru.NewCore", hwerr.ErrInvalidArgument, fmt.Sprintf("PRU core must be 0 or 1, got %d", id))
	}
	if opts.Root == "" {
		opts.Root = RemoteprocRoot
	}
	if opts.StateTimeout <= 0 {
		opts.StateTimeout = DefaultStateTimeout
	}
	return &Core{
		id:      id,
		root:    filepath.Join(opts.Root, fmt.Sprintf("remoteproc%d", id+1)),
		timeout: opts.StateTimeout,
		log:     logging.For(opts.Logger, "pru").WithField("core", id),
	}, nil
}

// ID returns the core number.
func (c *Core) ID() int {
	return c.id
}

func (c *Core) String() string {
	return fmt.Sprintf("pru%d", c.id)
}

// State returns the remoteproc state of the core, e.g. "offline" or
// "running".
func (c *Core) State() (string, error) {
	s, err := sysfs.ReadString(filepath.Join(c.root, "state"))
	if err != nil {
		return "", hwerr.Wrap("pru.State", hwerr.ErrUnavailable, fmt.Errorf("%s: %w; PRU probably not enabled in device tree", c, err))
	}
	return s, nil
}

// Start loads firmware, a file in /lib/firmware, and boots the core. A core
// that is already running is restarted with the requested firmware.
func (c *Core) Start(firmware string) error {
	const op = "pru.Start"
	if firmware == "" {
		return hwerr.New(op, hwerr.ErrInvalidArgument, "empty firmware name")
	}
	s, err := c.State()
	if err != nil {
		return err
	}
	switch s {
	case StateRunning:
		c.log.Warn("core already running, restarting with requested firmware")
		if err := c.writeState("stop"); err != nil {
			return err
		}
		if err := c.waitState(StateOffline); err != nil {
			return err
		}
	case StateOffline:
	default:
		return hwerr.New(op, hwerr.ErrUnavailable, fmt.Sprintf("%s: remoteproc state should be %q or %q, read %q", c, StateOffline, StateRunning, s))
	}
	if err := sysfs.WriteString(filepath.Join(c.root, "firmware"), firmware); err != nil {
		return hwerr.Wrap(op, hwerr.ErrUnavailable, fmt.Errorf("%s: setting firmware name: %w", c, err))
	}
	if err := c.writeState("start"); err != nil {
		return err
	}
	if err := c.waitState(StateRunning); err != nil {
		return err
	}
	c.log.WithField("firmware", firmware).Debug("core started")
	return nil
}

// Stop halts the core. Stopping an offline core is a no-op.
func (c *Core) Stop() error {
	s, err := c.State()
	if err != nil {
		return err
	}
	switch s {
	case StateOffline:
		return nil
	case StateRunning:
		if err := c.writeState("stop"); err != nil {
			return err
		}
		return c.waitState(StateOffline)
	}
	return hwerr.New("pru.Stop", hwerr.ErrUnavailable, fmt.Sprintf("%s: remoteproc state should be %q, read %q", c, StateOffline, s))
}

func (c *Core) writeState(cmd string) error {
	if err := sysfs.WriteString(filepath.Join(c.root, "state"), cmd); err != nil {
		return hwerr.Wrap("pru.State", hwerr.ErrUnavailable, fmt.Errorf("%s: writing %q: %w", c, cmd, err))
	}
	return nil
}

// waitState polls the state attribute until it reads want.
func (c *Core) waitState(want string) error {
	var s string
	for start := time.Now(); ; time.Sleep(statePoll) {
		var err error
		if s, err = c.State(); err != nil {
			return err
		}
		if s == want {
			return nil
		}
		if time.Since(start) >= c.timeout {
			break
		}
	}
	return hwerr.New("pru.State", hwerr.ErrTimeout, fmt.Sprintf("%s: expected state to become %q within %s, instead is %q", c, want, c.timeout, s))
}
