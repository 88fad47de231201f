// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package spidev drives the two slave select lines of SPI1 on the
// BeagleBone Blue and the Robotics Cape through the Linux spidev driver.
//
// A Conn implements periph.io/x/conn/v3/spi.Conn. In automatic mode the
// controller toggles the slave select line around each transfer; in manual
// mode the line is a GPIO the caller drives with Select, which allows
// several devices on one line or transfers spanning multiple calls.
package spidev

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/beaglerc/sitarahost/board"
	"github.com/beaglerc/sitarahost/gpioioctl"
	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/logging"
	"github.com/beaglerc/sitarahost/sysfs"
)

const (
	// Bus is the SPI controller wired to the slave select lines.
	Bus = 1

	MinSpeed = physic.KiloHertz
	MaxSpeed = 24 * physic.MegaHertz

	bitsPerWord = 8
)

// Slave select lines.
const (
	Slave1 = 1
	Slave2 = 2
)

// SlaveMode selects who drives the slave select line.
type SlaveMode int

const (
	// Auto lets the controller assert the line around each transfer.
	Auto SlaveMode = iota
	// Manual drives the line as a GPIO through Conn.Select.
	Manual
)

func (m SlaveMode) String() string {
	if m == Manual {
		return "manual"
	}
	return "auto"
}

// Pinmux states written to Opts.Pinmux.
const (
	PinmuxSPI  = "spi_cs"
	PinmuxGPIO = "gpio"
)

// Slave select GPIOs.
const (
	blueSS1 = 29  // gpio0.29
	blueSS2 = 7   // gpio0.7
	capeSS1 = 113 // gpio3.17, P9.28
	capeSS2 = 49  // gpio1.17, P9.23
)

// SSPin returns the GPIO of the slave select line slave on model m.
func SSPin(m board.Model, slave int) int {
	switch {
	case m.IsBlue() && slave == Slave1:
		return blueSS1
	case m.IsBlue():
		return blueSS2
	case slave == Slave1:
		return capeSS1
	}
	return capeSS2
}

// Opts configures Open. Zero fields take the defaults.
type Opts struct {
	// Slave is Slave1 or Slave2.
	Slave int
	// Mode is spi.Mode0 to spi.Mode3, optionally ORed with spi.HalfDuplex,
	// spi.NoCS or spi.LSBFirst.
	Mode      spi.Mode
	Speed     physic.Frequency
	SlaveMode SlaveMode
	// Model picks the slave select GPIOs; defaults to board.Detect().
	Model board.Model
	// SS drives the slave select line in Manual mode; defaults to the GPIO
	// returned by SSPin, requested through the GPIO character device.
	SS gpio.PinOut
	// Pinmux is the pinmux state attribute of the slave select pin. Empty
	// leaves the pinmux alone.
	Pinmux string
	// Path defaults to /dev/spidev1.{Slave-1}.
	Path   string
	Logger logrus.FieldLogger
}

// Conn is an open spidev slave.
type Conn struct {
	path  string
	slave int
	speed physic.Frequency
	mode  spi.Mode
	log   logrus.FieldLogger

	mu     sync.Mutex
	f      *os.File
	ss     gpio.PinOut
	ownSS  ssLine
	closed bool
}

type ssLine interface {
	gpio.PinOut
	Close()
}

var openSS = func(n int) (ssLine, error) {
	l, err := gpioioctl.LineByNumber(n)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// spidev mode bits.
const (
	spiCPHA     = 0x01
	spiCPOL     = 0x02
	spiLSBFirst = 0x08
	spi3Wire    = 0x10
	spiNoCS     = 0x40
)

func modeBits(m spi.Mode) (uint8, error) {
	base := m &^ (spi.HalfDuplex | spi.NoCS | spi.LSBFirst)
	if base < spi.Mode0 || base > spi.Mode3 {
		return 0, fmt.Errorf("mode must be spi.Mode0 to spi.Mode3, got %s", m)
	}
	b := uint8(0)
	if base&1 != 0 {
		b |= spiCPHA
	}
	if base&2 != 0 {
		b |= spiCPOL
	}
	if m&spi.HalfDuplex != 0 {
		b |= spi3Wire
	}
	if m&spi.NoCS != 0 {
		b |= spiNoCS
	}
	if m&spi.LSBFirst != 0 {
		b |= spiLSBFirst
	}
	return b, nil
}

// Open opens a slave of SPI1 and configures its mode and speed.
func Open(opts Opts) (*Conn, error) {
	const op = "spidev.Open"
	if opts.Slave != Slave1 && opts.Slave != Slave2 {
		return nil, hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("slave must be 1 or 2, got %d", opts.Slave))
	}
	if opts.Speed < MinSpeed || opts.Speed > MaxSpeed {
		return nil, hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("speed must be between %s and %s, got %s", MinSpeed, MaxSpeed, opts.Speed))
	}
	if opts.SlaveMode != Auto && opts.SlaveMode != Manual {
		return nil, hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("unknown slave mode %d", int(opts.SlaveMode)))
	}
	mode, err := modeBits(opts.Mode)
	if err != nil {
		return nil, hwerr.New(op, hwerr.ErrInvalidArgument, err.Error())
	}
	if opts.Model == board.Unknown {
		opts.Model = board.Detect()
	}
	// The cape routes the second line to a plain GPIO only.
	if !opts.Model.IsBlue() && opts.Slave == Slave2 && opts.SlaveMode == Auto {
		return nil, hwerr.New(op, hwerr.ErrUnsupported, "automatic slave select on slave 2 needs a BeagleBone Blue")
	}
	if opts.Path == "" {
		opts.Path = fmt.Sprintf("/dev/spidev%d.%d", Bus, opts.Slave-1)
	}

	c := &Conn{
		path:  opts.Path,
		slave: opts.Slave,
		speed: opts.Speed,
		mode:  opts.Mode,
		log:   logging.For(opts.Logger, "spi").WithField("slave", opts.Slave),
	}
	c.f, err = os.OpenFile(opts.Path, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, hwerr.Wrap(op, hwerr.ErrUnavailable, fmt.Errorf("is SPI enabled in the device tree? %w", err))
	}
	fd := c.f.Fd()
	bits := uint8(bitsPerWord)
	hz := uint32(opts.Speed / physic.Hertz)
	if err := multierr.Combine(
		ioctl(fd, _SPI_IOC_WR_MODE, unsafe.Pointer(&mode)),
		ioctl(fd, _SPI_IOC_WR_BITS_PER_WORD, unsafe.Pointer(&bits)),
		ioctl(fd, _SPI_IOC_WR_MAX_SPEED_HZ, unsafe.Pointer(&hz)),
	); err != nil {
		_ = c.f.Close()
		return nil, hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}

	state := PinmuxSPI
	if opts.SlaveMode == Manual {
		state = PinmuxGPIO
	}
	if opts.Pinmux != "" {
		if err := sysfs.WriteString(opts.Pinmux, state); err != nil {
			_ = c.f.Close()
			return nil, hwerr.Wrap(op, hwerr.ErrUnavailable, err)
		}
	}
	if opts.SlaveMode == Manual {
		c.ss = opts.SS
		if c.ss == nil {
			l, err := openSS(SSPin(opts.Model, opts.Slave))
			if err != nil {
				_ = c.f.Close()
				return nil, fmt.Errorf("%s: failed to set up slave select GPIO pin: %w", op, err)
			}
			c.ss, c.ownSS = l, l
		}
		// Start deselected.
		if err := c.ss.Out(gpio.High); err != nil {
			c.closeSS()
			_ = c.f.Close()
			return nil, hwerr.Wrap(op, hwerr.ErrUnavailable, err)
		}
	}
	c.log.WithFields(logrus.Fields{"path": c.path, "speed": opts.Speed, "mode": opts.Mode, "ss": opts.SlaveMode}).Debug("opened")
	return c, nil
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s(%s, %s)", c.path, c.speed, c.mode)
}

// Duplex implements conn.Conn.
func (c *Conn) Duplex() conn.Duplex {
	if c.mode&spi.HalfDuplex != 0 {
		return conn.Half
	}
	return conn.Full
}

// Tx implements conn.Conn. When both are set, w and r must have the same
// length.
func (c *Conn) Tx(w, r []byte) error {
	var p = [1]spi.Packet{{W: w, R: r}}
	return c.TxPackets(p[:])
}

// Write sends w, discarding what is received.
func (c *Conn) Write(w []byte) error {
	return c.Tx(w, nil)
}

// Read fills r, sending zeros.
func (c *Conn) Read(r []byte) error {
	return c.Tx(nil, r)
}

// TxPackets implements spi.Conn. The packets are sent in a single
// transaction; the slave select line is released between packets unless
// KeepCS is set.
func (c *Conn) TxPackets(pkts []spi.Packet) error {
	const op = "spidev.Tx"
	if len(pkts) == 0 {
		return nil
	}
	xfers := make([]spiIOCTransfer, len(pkts))
	for i, p := range pkts {
		if p.BitsPerWord != 0 && p.BitsPerWord != bitsPerWord {
			return hwerr.New(op, hwerr.ErrUnsupported, fmt.Sprintf("%d bits per word", p.BitsPerWord))
		}
		n := max(len(p.W), len(p.R))
		if n == 0 {
			return hwerr.New(op, hwerr.ErrInvalidArgument, "empty packet")
		}
		if len(p.W) != 0 && len(p.R) != 0 && len(p.W) != len(p.R) {
			return hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("write and read buffers differ in length: %d != %d", len(p.W), len(p.R)))
		}
		x := &xfers[i]
		if len(p.W) != 0 {
			x.txBuf = uint64(uintptr(unsafe.Pointer(&p.W[0])))
		}
		if len(p.R) != 0 {
			x.rxBuf = uint64(uintptr(unsafe.Pointer(&p.R[0])))
		}
		x.length = uint32(n)
		x.speedHz = uint32(c.speed / physic.Hertz)
		x.bitsPerWord = bitsPerWord
		// cs_change on the last transfer keeps the line asserted after it,
		// on the others it releases the line in between.
		last := i == len(pkts)-1
		if last == p.KeepCS {
			x.csChange = 1
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return hwerr.New(op, hwerr.ErrNotInitialized, "connection closed")
	}
	err := ioctl(c.f.Fd(), spiIOCMessage(len(xfers)), unsafe.Pointer(&xfers[0]))
	runtime.KeepAlive(pkts)
	if err != nil {
		return hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	return nil
}

// Select asserts (on) or releases the slave select line. Only available in
// Manual mode.
func (c *Conn) Select(on bool) error {
	const op = "spidev.Select"
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return hwerr.New(op, hwerr.ErrNotInitialized, "connection closed")
	}
	if c.ss == nil {
		return hwerr.New(op, hwerr.ErrUnsupported, "slave select is automatic")
	}
	// The line is active low.
	if err := c.ss.Out(gpio.Level(!on)); err != nil {
		return hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	return nil
}

func (c *Conn) closeSS() {
	if c.ownSS != nil {
		c.ownSS.Close()
		c.ownSS = nil
	}
}

// Close releases the slave select line and closes the device. It can be
// called multiple times.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.ss != nil {
		err = c.ss.Out(gpio.High)
		c.closeSS()
	}
	return multierr.Append(err, c.f.Close())
}

var _ spi.Conn = &Conn{}
