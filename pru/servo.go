// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pru

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"

	"github.com/beaglerc/sitarahost/gpioioctl"
	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/logging"
	"github.com/beaglerc/sitarahost/mmio"
)

// Servo firmware and its timing.
const (
	ServoCore     = 1
	ServoFirmware = "am335x-pru1-rc-servo-fw"

	ChannelMin = 1
	ChannelMax = 8

	// ClockMHz is the PRU clock; one loop of the pulse generator takes
	// LoopInstructions cycles.
	ClockMHz         = 200
	LoopInstructions = 48

	// PowerRailPin enables the 6V servo rail, gpio2.16.
	PowerRailPin = 80

	// MaxPulseUS is the longest pulse whose loop count fits a slot.
	MaxPulseUS = math.MaxUint32 * LoopInstructions / ClockMHz
)

// Pulse widths of the normalized senders, in microseconds.
const (
	ServoMidUS   = 1500
	ServoRangeUS = 1200 // full -1..1 swing
	ESCMinUS     = 1000
	ESCRangeUS   = 1000
	OneshotMinUS = 125
	OneshotRange = 125
)

// Loops returns the number of pulse generator loops for a pulse of us
// microseconds, 0 < us <= MaxPulseUS.
func Loops(us int) uint32 {
	return uint32(uint64(us) * ClockMHz / LoopInstructions)
}

// ServoOpts configures OpenServo. Zero fields take the defaults.
type ServoOpts struct {
	Core     *Core  // defaults to ServoCore
	Firmware string // defaults to ServoFirmware
	// Mem is the shared RAM holding the pulse slots; defaults to
	// MapSharedMemory().
	Mem *mmio.Region
	// PowerRail drives the servo rail enable; defaults to PowerRailPin
	// requested through the GPIO character device.
	PowerRail gpio.PinOut
	// PowerRailPin is the GPIO requested when PowerRail is nil; nil means
	// PowerRailPin.
	PowerRailPin *int
	Logger       logrus.FieldLogger
}

// Servo writes pulse requests to the servo firmware running on a PRU.
//
// Each channel has one 32 bit slot in shared RAM: 0 means idle, any other
// value is a pulse length in loops the firmware has yet to generate. The
// firmware zeroes the slot when the pulse is done. Senders on distinct
// channels may run concurrently; senders on the same channel must be
// serialized by the caller.
type Servo struct {
	core *Core
	log  logrus.FieldLogger

	mu       sync.Mutex
	mem      *mmio.Region
	rail     gpio.PinOut
	ownRail  railLine
	railOn   bool
	closed   bool
	firmware string
}

// OpenServo starts the servo firmware, clears every pulse slot and sets up
// the power rail pin, off.
func OpenServo(opts ServoOpts) (*Servo, error) {
	const op = "pru.OpenServo"
	s := &Servo{
		core:     opts.Core,
		firmware: opts.Firmware,
		rail:     opts.PowerRail,
		log:      logging.For(opts.Logger, "servo"),
	}
	if s.firmware == "" {
		s.firmware = ServoFirmware
	}
	if s.core == nil {
		var err error
		if s.core, err = NewCore(ServoCore, CoreOpts{Logger: opts.Logger}); err != nil {
			return nil, err
		}
	}
	if err := s.core.Start(s.firmware); err != nil {
		return nil, fmt.Errorf("%s: failed to start %s: %w", op, s.core, err)
	}
	mem := opts.Mem
	if mem == nil {
		var err error
		if mem, err = MapSharedMemory(); err != nil {
			return nil, multierr.Append(err, s.core.Stop())
		}
	}
	if mem.Len() < ChannelMax*4 {
		return nil, multierr.Append(
			hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("%s too small for %d channels", mem, ChannelMax)),
			s.core.Stop())
	}
	s.mem = mem
	if err := s.clearSlots(); err != nil {
		return nil, multierr.Append(err, s.core.Stop())
	}
	if s.rail == nil {
		n := PowerRailPin
		if opts.PowerRailPin != nil {
			n = *opts.PowerRailPin
		}
		l, err := openRail(n)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("%s: failed to set up power rail GPIO pin: %w", op, err), s.core.Stop())
		}
		s.rail, s.ownRail = l, l
	}
	if err := s.rail.Out(gpio.Low); err != nil {
		s.closeRail()
		return nil, multierr.Append(hwerr.Wrap(op, hwerr.ErrUnavailable, err), s.core.Stop())
	}
	s.log.WithFields(logrus.Fields{"core": s.core.ID(), "firmware": s.firmware}).Info("servo controller ready")
	return s, nil
}

// PowerRail turns the 6V servo power rail on or off.
func (s *Servo) PowerRail(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hwerr.New("pru.PowerRail", hwerr.ErrNotInitialized, "servo closed")
	}
	if err := s.rail.Out(gpio.Level(on)); err != nil {
		return hwerr.Wrap("pru.PowerRail", hwerr.ErrUnavailable, err)
	}
	s.railOn = on
	return nil
}

// PowerRailOn reports the last state set with PowerRail.
func (s *Servo) PowerRailOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.railOn
}

func (s *Servo) region() *mmio.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.mem
}

func checkChannel(op string, ch int) error {
	if ch < ChannelMin || ch > ChannelMax {
		return hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("servo channel must be between %d and %d, got %d", ChannelMin, ChannelMax, ch))
	}
	return nil
}

// SendPulseUS requests a single pulse of us microseconds on channel ch.
//
// It returns an error wrapping hwerr.ErrBusy, leaving the slot untouched,
// when the previous pulse on ch wasn't generated yet.
func (s *Servo) SendPulseUS(ch, us int) error {
	const op = "pru.SendPulseUS"
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	if us <= 0 || us > MaxPulseUS {
		return hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("pulse width must be between 1 and %dus, got %dus", MaxPulseUS, us))
	}
	mem := s.region()
	if mem == nil {
		return hwerr.New(op, hwerr.ErrNotInitialized, "PRU servo controller not initialized")
	}
	off := 4 * (ch - 1)
	v, err := mem.Read32(off)
	if err != nil {
		return err
	}
	if v != 0 {
		return hwerr.New(op, hwerr.ErrBusy, fmt.Sprintf("channel %d: tried to start a new pulse amidst another", ch))
	}
	return mem.Write32(off, Loops(us))
}

// SendPulseNormalized sends a servo pulse for position v in [-1.5, 1.5];
// -1 and 1 are the usual 900us and 2100us ends of travel.
func (s *Servo) SendPulseNormalized(ch int, v float64) error {
	const op = "pru.SendPulseNormalized"
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	if !(v >= -1.5 && v <= 1.5) {
		return hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("normalized input must be between -1.5 and 1.5, got %g", v))
	}
	return s.SendPulseUS(ch, int(ServoMidUS+v*ServoRangeUS/2))
}

// SendESCPulseNormalized sends an ESC throttle pulse for v in [-0.1, 1]; 0
// maps to 1000us, 1 to 2000us and -0.1 to the 900us idle pulse that wakes
// some ESCs up.
func (s *Servo) SendESCPulseNormalized(ch int, v float64) error {
	const op = "pru.SendESCPulseNormalized"
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	if !(v >= -0.1 && v <= 1) {
		return hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("normalized input must be between -0.1 and 1, got %g", v))
	}
	return s.SendPulseUS(ch, int(ESCMinUS+v*ESCRangeUS))
}

// SendOneshotPulseNormalized is the OneShot125 variant of
// SendESCPulseNormalized: 125us to 250us.
func (s *Servo) SendOneshotPulseNormalized(ch int, v float64) error {
	const op = "pru.SendOneshotPulseNormalized"
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	if !(v >= -0.1 && v <= 1) {
		return hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("normalized input must be between -0.1 and 1, got %g", v))
	}
	return s.SendPulseUS(ch, int(OneshotMinUS+v*OneshotRange))
}

// SendPulseUSAll sends the same pulse on every channel.
func (s *Servo) SendPulseUSAll(us int) error {
	return all(func(ch int) error { return s.SendPulseUS(ch, us) })
}

// SendPulseNormalizedAll is SendPulseNormalized on every channel.
func (s *Servo) SendPulseNormalizedAll(v float64) error {
	return all(func(ch int) error { return s.SendPulseNormalized(ch, v) })
}

// SendESCPulseNormalizedAll is SendESCPulseNormalized on every channel.
func (s *Servo) SendESCPulseNormalizedAll(v float64) error {
	return all(func(ch int) error { return s.SendESCPulseNormalized(ch, v) })
}

// SendOneshotPulseNormalizedAll is SendOneshotPulseNormalized on every
// channel.
func (s *Servo) SendOneshotPulseNormalizedAll(v float64) error {
	return all(func(ch int) error { return s.SendOneshotPulseNormalized(ch, v) })
}

// all calls send for each channel. Busy channels are skipped and reported
// together at the end; any other error stops the loop.
func all(send func(ch int) error) error {
	var busy error
	for ch := ChannelMin; ch <= ChannelMax; ch++ {
		err := send(ch)
		if err == nil {
			continue
		}
		if !errors.Is(err, hwerr.ErrBusy) {
			return err
		}
		busy = multierr.Append(busy, err)
	}
	return busy
}

func (s *Servo) clearSlots() error {
	for ch := ChannelMin; ch <= ChannelMax; ch++ {
		if err := s.mem.Write32(4*(ch-1), 0); err != nil {
			return err
		}
	}
	return nil
}

// railLine is the power rail GPIO when OpenServo requests it itself.
type railLine interface {
	gpio.PinOut
	Close()
}

var openRail = func(n int) (railLine, error) {
	l, err := gpioioctl.LineByNumber(n)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *Servo) closeRail() {
	if s.ownRail != nil {
		s.ownRail.Close()
		s.ownRail = nil
	}
}

// Close clears the pulse slots, turns the power rail off and stops the
// firmware. It can be called multiple times.
func (s *Servo) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.clearSlots()
	err = multierr.Append(err, s.rail.Out(gpio.Low))
	s.railOn = false
	s.closeRail()
	err = multierr.Append(err, s.core.Stop())
	s.mem = nil
	return err
}
