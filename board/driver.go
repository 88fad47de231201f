// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package board

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/beaglerc/sitarahost/button"
	"github.com/beaglerc/sitarahost/gpioioctl"
	"github.com/beaglerc/sitarahost/pru"
)

// Aliases registered in gpioreg on boards with robotics I/O.
const (
	AliasPauseButton = "PAUSE_BUTTON"
	AliasModeButton  = "MODE_BUTTON"
	AliasServoPower  = "SERVO_POWER"
)

// Aliases returns the gpioreg aliases of m and the Sitara GPIO number they
// point to.
func Aliases(m Model) map[string]int {
	if !m.HasRoboticsIO() {
		return nil
	}
	return map[string]int{
		AliasPauseButton: button.PausePin,
		AliasModeButton:  button.ModePin,
		AliasServoPower:  pru.PowerRailPin,
	}
}

// registerAliases points each alias at the name of the GPIO line with the
// given number.
func registerAliases(aliases map[string]int, lineName func(n int) (string, error)) error {
	var err error
	for alias, n := range aliases {
		dest, e := lineName(n)
		if e != nil {
			err = multierr.Append(err, fmt.Errorf("board: %s: %w", alias, e))
			continue
		}
		if e := gpioreg.RegisterAlias(alias, dest); e != nil {
			err = multierr.Append(err, fmt.Errorf("board: %s: %w", alias, e))
		}
	}
	return err
}

func ioctlLineName(n int) (string, error) {
	l, err := gpioioctl.LineByNumber(n)
	if err != nil {
		return "", err
	}
	return l.Name(), nil
}

type driver struct {
}

func (d *driver) String() string {
	return "beaglebone"
}

func (d *driver) Prerequisites() []string {
	return nil
}

func (d *driver) After() []string {
	return []string{"ioctl-gpio"}
}

func (d *driver) Init() (bool, error) {
	m := Detect()
	if m == Unknown {
		return false, errors.New("BeagleBone not detected")
	}
	return true, registerAliases(Aliases(m), ioctlLineName)
}

func init() {
	driverreg.MustRegister(&drv)
}

var drv driver
