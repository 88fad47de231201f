// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package am335x

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/pin"

	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/logging"
	"github.com/beaglerc/sitarahost/mmio"
)

// NumBanks is the number of GPIO modules; each drives 32 pins.
const NumBanks = 4

const (
	pinsPerBank = 32
	bankSize    = 0x1000

	// GPIO module registers, TRM section 25.4.
	regOE           = 0x134
	regDataIn       = 0x138
	regDataOut      = 0x13C
	regClearDataOut = 0x190
	regSetDataOut   = 0x194

	// Clock module peripheral registers, TRM section 8.1.12.1.
	cmPerBase        = 0x44E00000
	cmPerSize        = 0x1000
	moduleModeEnable = 0x2
)

// GPIO1..GPIO3 clock control; GPIO0 is in the wakeup domain and always
// clocked.
var cmPerGPIOClkCtrl = [NumBanks - 1]int{0xAC, 0xB0, 0xB4}

// Chip gives direct register access to the four GPIO banks.
//
// Register access bypasses the kernel: the pinmux must already select the
// GPIO function and no other driver may own the pins.
type Chip struct {
	log   logrus.FieldLogger
	banks [NumBanks]*mmio.Region
	cm    *mmio.Region

	mu   sync.Mutex
	pins map[int]*Pin
}

// Open maps the GPIO banks through /dev/mem and turns on the clock of banks
// 1 to 3.
func Open(l logrus.FieldLogger) (*Chip, error) {
	bases := getBaseAddresses(driverDir)
	var banks [NumBanks]*mmio.Region
	var err error
	closeAll := func() {
		for _, b := range banks {
			if b != nil {
				_ = b.Close()
			}
		}
	}
	for i, base := range bases {
		if banks[i], err = mmio.Map(base, bankSize); err != nil {
			closeAll()
			return nil, fmt.Errorf("am335x: mapping GPIO%d: %w", i, err)
		}
	}
	cm, err := mmio.Map(cmPerBase, cmPerSize)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("am335x: mapping CM_PER: %w", err)
	}
	c, err := New(banks, cm, l)
	if err != nil {
		closeAll()
		_ = cm.Close()
		return nil, err
	}
	return c, nil
}

// New returns a Chip using already mapped bank and clock module registers.
func New(banks [NumBanks]*mmio.Region, cm *mmio.Region, l logrus.FieldLogger) (*Chip, error) {
	for i, b := range banks {
		if b == nil || b.Len() < regSetDataOut+4 {
			return nil, hwerr.New("am335x.New", hwerr.ErrInvalidArgument, fmt.Sprintf("GPIO%d registers missing", i))
		}
	}
	c := &Chip{
		log:   logging.For(l, "am335x"),
		banks: banks,
		cm:    cm,
		pins:  map[int]*Pin{},
	}
	if cm != nil {
		for i, off := range cmPerGPIOClkCtrl {
			if err := cm.Set32(off, moduleModeEnable); err != nil {
				return nil, fmt.Errorf("am335x: enabling GPIO%d clock: %w", i+1, err)
			}
		}
		c.log.Debug("GPIO1..3 module clocks enabled")
	}
	return c, nil
}

// Pin returns GPIO n, bank n/32 bit n%32.
func (c *Chip) Pin(n int) (*Pin, error) {
	if n < 0 || n >= NumBanks*pinsPerBank {
		return nil, hwerr.New("am335x.Pin", hwerr.ErrInvalidArgument, fmt.Sprintf("pin must be between 0 and %d, got %d", NumBanks*pinsPerBank-1, n))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pins[n]; ok {
		return p, nil
	}
	p := &Pin{
		number: n,
		name:   fmt.Sprintf("GPIO%d_%d", n/pinsPerBank, n%pinsPerBank),
		bank:   c.banks[n/pinsPerBank],
		mask:   1 << uint(n%pinsPerBank),
	}
	c.pins[n] = p
	return p, nil
}

// Close unmaps the registers. Pins returned by Pin stop working.
func (c *Chip) Close() error {
	var err error
	for _, b := range c.banks {
		err = multierr.Append(err, b.Close())
	}
	if c.cm != nil {
		err = multierr.Append(err, c.cm.Close())
	}
	return err
}

// Pin is one GPIO driven through its bank registers.
//
// Pin implements gpio.PinIO. Edge detection, pulls and PWM are not
// available through the registers.
type Pin struct {
	number int
	name   string
	bank   *mmio.Region
	mask   uint32
}

// String implements conn.Resource.
func (p *Pin) String() string {
	return p.name
}

// Halt implements conn.Resource.
func (p *Pin) Halt() error {
	return nil
}

// Name implements pin.Pin.
func (p *Pin) Name() string {
	return p.name
}

// Number implements pin.Pin. It is the Sitara GPIO number.
func (p *Pin) Number() int {
	return p.number
}

// Deprecated: Use PinFunc.Func. Will be removed in v4. Function implements pin.Pin.
func (p *Pin) Function() string {
	return string(p.Func())
}

// Func implements pin.PinFunc.
func (p *Pin) Func() pin.Func {
	in, err := p.isInput()
	if err != nil {
		return pin.FuncNone
	}
	if in {
		if p.Read() {
			return gpio.IN_HIGH
		}
		return gpio.IN_LOW
	}
	if p.outLevel() {
		return gpio.OUT_HIGH
	}
	return gpio.OUT_LOW
}

// SupportedFuncs implements pin.PinFunc.
func (p *Pin) SupportedFuncs() []pin.Func {
	return []pin.Func{gpio.IN, gpio.OUT}
}

// SetFunc implements pin.PinFunc.
func (p *Pin) SetFunc(f pin.Func) error {
	switch f {
	case gpio.IN:
		return p.In(gpio.PullNoChange, gpio.NoEdge)
	case gpio.OUT_HIGH:
		return p.Out(gpio.High)
	case gpio.OUT, gpio.OUT_LOW:
		return p.Out(gpio.Low)
	}
	return hwerr.New("am335x.SetFunc", hwerr.ErrUnsupported, string(f))
}

// In implements gpio.PinIn.
//
// Only gpio.PullNoChange or gpio.Float and gpio.NoEdge are accepted; pulls
// belong to the pinmux.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	if pull != gpio.PullNoChange && pull != gpio.Float {
		return hwerr.New("am335x.In", hwerr.ErrUnsupported, fmt.Sprintf("%s: pull is set through the pinmux", p))
	}
	if edge != gpio.NoEdge {
		return hwerr.New("am335x.In", hwerr.ErrUnsupported, fmt.Sprintf("%s: use the GPIO character device for edges", p))
	}
	return p.bank.Set32(regOE, p.mask)
}

// Read implements gpio.PinIn. It returns gpio.Low if the registers are not
// accessible anymore.
func (p *Pin) Read() gpio.Level {
	v, err := p.bank.Read32(regDataIn)
	if err != nil {
		return gpio.Low
	}
	return v&p.mask != 0
}

// WaitForEdge implements gpio.PinIn. It always returns false.
func (p *Pin) WaitForEdge(time.Duration) bool {
	return false
}

// Pull implements gpio.PinIn.
func (p *Pin) Pull() gpio.Pull {
	return gpio.PullNoChange
}

// DefaultPull implements gpio.PinIn.
func (p *Pin) DefaultPull() gpio.Pull {
	return gpio.PullNoChange
}

// Out implements gpio.PinOut.
//
// The level is written before the output is enabled so the pin doesn't
// glitch.
func (p *Pin) Out(l gpio.Level) error {
	reg := regClearDataOut
	if l {
		reg = regSetDataOut
	}
	if err := p.bank.Write32(reg, p.mask); err != nil {
		return err
	}
	return p.bank.Clear32(regOE, p.mask)
}

// PWM implements gpio.PinOut.
func (p *Pin) PWM(gpio.Duty, physic.Frequency) error {
	return hwerr.New("am335x.PWM", hwerr.ErrUnsupported, p.name)
}

func (p *Pin) isInput() (bool, error) {
	v, err := p.bank.Read32(regOE)
	if err != nil {
		return false, err
	}
	return v&p.mask != 0, nil
}

func (p *Pin) outLevel() gpio.Level {
	v, err := p.bank.Read32(regDataOut)
	if err != nil {
		return gpio.Low
	}
	return v&p.mask != 0
}

var _ gpio.PinIO = &Pin{}
var _ pin.PinFunc = &Pin{}
