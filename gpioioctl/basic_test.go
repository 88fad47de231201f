package gpioioctl

// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Basic tests. Tests that need a real /dev/gpiochip* skip when the driver
// found none.
import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"

	"github.com/beaglerc/sitarahost/hwerr"
)

func init() {
	_, _ = driverreg.Init()
}

// fakeBanks installs n four-line chips named like the AM335x banks in
// Chips for the duration of the test.
func fakeBanks(t *testing.T, n int) {
	saved := Chips
	t.Cleanup(func() { Chips = saved })
	Chips = nil
	for bank := 0; bank < n; bank++ {
		chip := &GPIOChip{
			name:      "gpiochip" + string(rune('0'+bank)),
			path:      "/dev/gpiochip" + string(rune('0'+bank)),
			label:     "gpio-bank",
			lineCount: LinesPerBank,
		}
		for offset := 0; offset < LinesPerBank; offset++ {
			line := newGPIOLine(uint32(offset), "", "", 0)
			line.global = bankOf(chip.path)*LinesPerBank + offset
			chip.lines = append(chip.lines, line)
		}
		Chips = append(Chips, chip)
	}
}

func TestChips(t *testing.T) {
	if len(Chips) == 0 {
		t.Skip("no gpio chip on this host")
	}
	chip := Chips[0]
	assert.NotEmpty(t, chip.Name())
	assert.NotEmpty(t, chip.Path())
	assert.NotEmpty(t, chip.Label())
	assert.Len(t, chip.Lines(), chip.LineCount())
	for _, c := range Chips {
		assert.NotEmpty(t, c.String())
	}
}

func TestBankOf(t *testing.T) {
	assert.Equal(t, 0, bankOf("/dev/gpiochip0"))
	assert.Equal(t, 3, bankOf("/dev/gpiochip3"))
	assert.Equal(t, -1, bankOf("/dev/gpiochip4"))
	assert.Equal(t, -1, bankOf("/dev/spidev0.0"))
}

func TestLineByNumber(t *testing.T) {
	fakeBanks(t, 4)

	// RC_BTN_PIN_PAUSE, gpio2.5
	line, err := LineByNumber(69)
	require.NoError(t, err)
	assert.Equal(t, 5, line.Number())
	assert.Equal(t, 69, line.GPIO())
	assert.Same(t, Chips[2].ByNumber(5), line)

	_, err = LineByNumber(128)
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
	_, err = LineByNumber(-1)
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
}

func TestLineByNumberMissingBank(t *testing.T) {
	fakeBanks(t, 2)
	_, err := LineByNumber(100)
	assert.ErrorIs(t, err, hwerr.ErrUnavailable)

	Chips = nil
	_, err = LineByNumber(1)
	assert.ErrorIs(t, err, hwerr.ErrNotInitialized)
}

func TestGetFlags(t *testing.T) {
	assert.Equal(t,
		_GPIO_V2_LINE_FLAG_INPUT|_GPIO_V2_LINE_FLAG_EDGE_RISING|_GPIO_V2_LINE_FLAG_EDGE_FALLING,
		getFlags(LineInput, gpio.BothEdges, gpio.PullNoChange))
	assert.Equal(t,
		_GPIO_V2_LINE_FLAG_INPUT|_GPIO_V2_LINE_FLAG_BIAS_PULL_UP|_GPIO_V2_LINE_FLAG_EDGE_FALLING,
		getFlags(LineInput, gpio.FallingEdge, gpio.PullUp))
	assert.Equal(t, _GPIO_V2_LINE_FLAG_OUTPUT, getFlags(LineOutput, gpio.NoEdge, gpio.PullNoChange))
	assert.Equal(t, _GPIO_V2_LINE_FLAG_INPUT|_GPIO_V2_LINE_FLAG_BIAS_DISABLED, getFlags(LineInput, gpio.NoEdge, gpio.Float))
}

func TestEventEdge(t *testing.T) {
	assert.Equal(t, gpio.RisingEdge, eventEdge(&gpio_v2_line_event{Id: _GPIO_V2_LINE_EVENT_RISING_EDGE}))
	assert.Equal(t, gpio.FallingEdge, eventEdge(&gpio_v2_line_event{Id: _GPIO_V2_LINE_EVENT_FALLING_EDGE}))
	assert.Equal(t, gpio.NoEdge, eventEdge(&gpio_v2_line_event{Id: 7}))
}

func TestWaitForEventNeedsEdge(t *testing.T) {
	line := newGPIOLine(3, "P9_12", "", 0)
	_, err := line.WaitForEvent(0)
	assert.ErrorIs(t, err, hwerr.ErrNotInitialized)
	assert.False(t, line.WaitForEdge(0))
	assert.NoError(t, line.Halt())
}

func TestLineJSON(t *testing.T) {
	line := newGPIOLine(5, "P8_09\x00\x00", "", 0)
	line.global = 69
	line.pull = gpio.PullUp
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(line.String()), &got))
	assert.Equal(t, "P8_09", got["Name"])
	assert.EqualValues(t, 69, got["GPIO"])
	assert.Equal(t, "PullUp", got["Pull"])
	assert.Equal(t, "NotSet", got["Direction"])
}
