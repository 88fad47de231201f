// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package am335x

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/mmio"
)

type fakeRegs struct {
	banks [NumBanks][]byte
	cm    []byte
}

func (f *fakeRegs) reg(bank, off int) uint32 {
	return binary.LittleEndian.Uint32(f.banks[bank][off:])
}

func (f *fakeRegs) set(bank, off int, v uint32) {
	binary.LittleEndian.PutUint32(f.banks[bank][off:], v)
}

func newFakeChip(t *testing.T) (*Chip, *fakeRegs) {
	f := &fakeRegs{cm: make([]byte, cmPerSize)}
	var regions [NumBanks]*mmio.Region
	for i := range f.banks {
		f.banks[i] = make([]byte, bankSize)
		// Out of reset every pin is an input.
		f.set(i, regOE, 0xFFFFFFFF)
		regions[i] = mmio.FromBytes(datasheetBases[i], f.banks[i])
	}
	c, err := New(regions, mmio.FromBytes(cmPerBase, f.cm), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, f
}

func TestNewEnablesClocks(t *testing.T) {
	_, f := newFakeChip(t)
	for _, off := range cmPerGPIOClkCtrl {
		assert.Equal(t, uint32(moduleModeEnable), binary.LittleEndian.Uint32(f.cm[off:]))
	}
}

func TestNewErrors(t *testing.T) {
	var regions [NumBanks]*mmio.Region
	_, err := New(regions, nil, nil)
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
	for i := range regions {
		regions[i] = mmio.FromBytes(0, make([]byte, 16))
	}
	_, err = New(regions, nil, nil)
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
}

func TestPin(t *testing.T) {
	c, _ := newFakeChip(t)
	p, err := c.Pin(69)
	require.NoError(t, err)
	assert.Equal(t, "GPIO2_5", p.Name())
	assert.Equal(t, 69, p.Number())
	assert.Equal(t, uint32(1<<5), p.mask)
	p2, err := c.Pin(69)
	require.NoError(t, err)
	assert.Same(t, p, p2)

	_, err = c.Pin(128)
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
	_, err = c.Pin(-1)
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
}

func TestOut(t *testing.T) {
	c, f := newFakeChip(t)
	// Servo power rail enable, gpio2.16.
	p, err := c.Pin(80)
	require.NoError(t, err)

	require.NoError(t, p.Out(gpio.High))
	assert.Equal(t, uint32(1<<16), f.reg(2, regSetDataOut))
	assert.Zero(t, f.reg(2, regOE)&(1<<16))
	assert.Equal(t, uint32(0xFFFFFFFF&^(1<<16)), f.reg(2, regOE))

	require.NoError(t, p.Out(gpio.Low))
	assert.Equal(t, uint32(1<<16), f.reg(2, regClearDataOut))

	f.set(2, regDataOut, 1<<16)
	assert.Equal(t, gpio.OUT_HIGH, p.Func())
	f.set(2, regDataOut, 0)
	assert.Equal(t, gpio.OUT_LOW, p.Func())
	assert.Error(t, p.PWM(gpio.DutyHalf, 0))
}

func TestIn(t *testing.T) {
	c, f := newFakeChip(t)
	p, err := c.Pin(68)
	require.NoError(t, err)
	require.NoError(t, p.Out(gpio.Low))
	require.NoError(t, p.In(gpio.PullNoChange, gpio.NoEdge))
	assert.NotZero(t, f.reg(2, regOE)&(1<<4))

	f.set(2, regDataIn, 1<<4)
	assert.Equal(t, gpio.High, p.Read())
	assert.Equal(t, gpio.IN_HIGH, p.Func())
	f.set(2, regDataIn, ^uint32(1<<4))
	assert.Equal(t, gpio.Low, p.Read())

	assert.ErrorIs(t, p.In(gpio.PullUp, gpio.NoEdge), hwerr.ErrUnsupported)
	assert.ErrorIs(t, p.In(gpio.Float, gpio.BothEdges), hwerr.ErrUnsupported)
	assert.False(t, p.WaitForEdge(0))
	assert.ErrorIs(t, p.SetFunc("I2C1_SDA"), hwerr.ErrUnsupported)
}

func TestClose(t *testing.T) {
	c, _ := newFakeChip(t)
	p, err := c.Pin(3)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Error(t, p.Out(gpio.High))
	assert.Equal(t, gpio.Low, p.Read())
}
