// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dsm

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"

	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/logging"
	"github.com/beaglerc/sitarahost/sysfs"
)

// DataPin is the receiver data line, gpio0.30 on P9.11. Binding drives it
// as a GPIO.
const DataPin = 30

// Pinmux states written to BindOpts.Pinmux.
const (
	PinmuxGPIOPullDown = "gpio_pd"
	PinmuxUART         = "uart"
)

// BindMode is the protocol requested from the transmitter while binding. The
// transmitter may still pick another one.
type BindMode int

const (
	DSM2Bit10   BindMode = iota + 1 // Spektrum DSM2, 10 bit, 22ms frames
	DSM2Bit11                       // Spektrum DSM2, 11 bit, 11ms frames
	DSMXBit10                       // Spektrum DSMX, 10 bit, 22ms frames
	DSMXBit11                       // Spektrum DSMX, 11 bit, 11ms frames
	OrangeDSM2                      // Orange/JR DSM2, 10 bit, 22ms frames
)

func (m BindMode) String() string {
	switch m {
	case DSM2Bit10:
		return "DSM2 10-bit 22ms"
	case DSM2Bit11:
		return "DSM2 11-bit 11ms"
	case DSMXBit10:
		return "DSMX 10-bit 22ms"
	case DSMXBit11:
		return "DSMX 11-bit 11ms"
	case OrangeDSM2:
		return "Orange/JR DSM2 10-bit 22ms"
	}
	return fmt.Sprintf("BindMode(%d)", int(m))
}

// pulses returns the number of bind pulses of m and how long to wait after
// power up before sending them.
func (m BindMode) pulses() (int, time.Duration, bool) {
	switch m {
	case DSM2Bit10:
		return 3, 200 * time.Millisecond, true
	case DSM2Bit11:
		return 5, 200 * time.Millisecond, true
	case DSMXBit10:
		return 7, 200 * time.Millisecond, true
	case DSMXBit11:
		return 9, 200 * time.Millisecond, true
	case OrangeDSM2:
		return 9, 50 * time.Millisecond, true
	}
	return 0, 0, false
}

// Bind timing.
var (
	bindPoll   = 500 * time.Microsecond
	bindSettle = 100 * time.Millisecond
	bindPulse  = 115 * time.Microsecond
	bindAfter  = time.Second
)

// BindOpts configures Bind.
type BindOpts struct {
	// Pinmux is the pinmux state attribute of the data pin, e.g.
	// /sys/devices/platform/ocp/ocp:P9_11_pinmux/state. Empty leaves the
	// pinmux alone.
	Pinmux string
	Logger logrus.FieldLogger
}

// Bind puts a satellite receiver in bind mode. It waits for the receiver to
// be unplugged, then plugged in again, and sends the bind pulses of mode on
// its data line p. The receiver LED blinks when it worked; the transmitter
// is then turned on in bind mode.
//
// The receiver must not be read by a Receiver meanwhile. The pinmux, when
// given, is put back to UART mode on return.
func Bind(ctx context.Context, p gpio.PinIO, mode BindMode, opts BindOpts) (err error) {
	const op = "dsm.Bind"
	n, delay, ok := mode.pulses()
	if !ok {
		return hwerr.New(op, hwerr.ErrInvalidArgument, mode.String())
	}
	log := logging.For(opts.Logger, "dsm").WithField("mode", mode)
	if opts.Pinmux != "" {
		if err := sysfs.WriteString(opts.Pinmux, PinmuxGPIOPullDown); err != nil {
			return hwerr.Wrap(op, hwerr.ErrUnavailable, err)
		}
		defer func() {
			if e := sysfs.WriteString(opts.Pinmux, PinmuxUART); e != nil {
				err = multierr.Append(err, hwerr.Wrap(op, hwerr.ErrUnavailable, e))
			}
		}()
	}
	if err := p.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}

	// A plugged receiver pulls the line up.
	log.Info("unplug the receiver, then plug it in quickly and firmly")
	if err := waitLevel(ctx, p, gpio.Low); err != nil {
		return err
	}
	if err := sleep(ctx, bindSettle); err != nil {
		return err
	}
	if err := waitLevel(ctx, p, gpio.High); err != nil {
		return err
	}

	if err := p.Out(gpio.High); err != nil {
		return hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	// Leave time for a receiver plugged in at an angle to get power.
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := p.Out(gpio.Low); err != nil {
			return hwerr.Wrap(op, hwerr.ErrUnavailable, err)
		}
		time.Sleep(bindPulse)
		if err := p.Out(gpio.High); err != nil {
			return hwerr.Wrap(op, hwerr.ErrUnavailable, err)
		}
		time.Sleep(bindPulse)
	}
	if err := sleep(ctx, bindAfter); err != nil {
		return err
	}
	log.WithField("pulses", n).Info("bind pulses sent; the receiver should be blinking")
	return nil
}

func waitLevel(ctx context.Context, p gpio.PinIn, l gpio.Level) error {
	for p.Read() != l {
		if err := sleep(ctx, bindPoll); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
