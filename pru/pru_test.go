// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pru

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/mmio"
)

// fakeRemoteproc creates remoteproc{core+1} under a temporary root in the
// given state. Unless frozen, a goroutine plays the kernel: "start" turns
// into "running" and "stop" into "offline".
func fakeRemoteproc(t *testing.T, core int, state string, frozen bool) string {
	root := t.TempDir()
	dir := filepath.Join(root, "remoteproc"+string(rune('1'+core)))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state"), []byte(state+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "firmware"), nil, 0o644))
	if frozen {
		return root
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		<-stopped
	})
	go func() {
		defer close(stopped)
		p := filepath.Join(dir, "state")
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
			}
			b, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			switch strings.TrimSpace(string(b)) {
			case "start":
				_ = os.WriteFile(p, []byte("running\n"), 0o644)
			case "stop":
				_ = os.WriteFile(p, []byte("offline\n"), 0o644)
			}
		}
	}()
	return root
}

func readAttr(t *testing.T, root string, core int, name string) string {
	b, err := os.ReadFile(filepath.Join(root, "remoteproc"+string(rune('1'+core)), name))
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}

func newCore(t *testing.T, root string) *Core {
	c, err := NewCore(ServoCore, CoreOpts{Root: root, StateTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	return c
}

func TestNewCore(t *testing.T) {
	_, err := NewCore(2, CoreOpts{})
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
	_, err = NewCore(-1, CoreOpts{})
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
	c, err := NewCore(0, CoreOpts{})
	require.NoError(t, err)
	assert.Equal(t, "pru0", c.String())
	assert.Equal(t, filepath.Join(RemoteprocRoot, "remoteproc1"), c.root)
}

func TestCoreStart(t *testing.T) {
	root := fakeRemoteproc(t, ServoCore, StateOffline, false)
	c := newCore(t, root)
	require.NoError(t, c.Start(ServoFirmware))
	assert.Equal(t, ServoFirmware, readAttr(t, root, ServoCore, "firmware"))
	s, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s)

	// Restart with another firmware.
	require.NoError(t, c.Start("other-fw"))
	assert.Equal(t, "other-fw", readAttr(t, root, ServoCore, "firmware"))

	require.NoError(t, c.Stop())
	assert.Equal(t, StateOffline, readAttr(t, root, ServoCore, "state"))
	require.NoError(t, c.Stop())

	assert.ErrorIs(t, c.Start(""), hwerr.ErrInvalidArgument)
}

func TestCoreStartErrors(t *testing.T) {
	root := fakeRemoteproc(t, ServoCore, "crashed", true)
	c := newCore(t, root)
	assert.ErrorIs(t, c.Start(ServoFirmware), hwerr.ErrUnavailable)
	assert.ErrorIs(t, c.Stop(), hwerr.ErrUnavailable)

	// The core never reaches "running".
	root = fakeRemoteproc(t, ServoCore, StateOffline, true)
	c = newCore(t, root)
	assert.ErrorIs(t, c.Start(ServoFirmware), hwerr.ErrTimeout)

	c = newCore(t, t.TempDir())
	_, err := c.State()
	assert.ErrorIs(t, err, hwerr.ErrUnavailable)
}

func TestLoops(t *testing.T) {
	assert.Equal(t, uint32(6250), Loops(1500))
	assert.Equal(t, uint32(4166), Loops(1000))
	assert.Equal(t, uint32(520), Loops(125))
	// Computed in 64 bits, so long pulses don't wrap on 32 bit targets.
	assert.Equal(t, uint32(83333333), Loops(20_000_000))
	assert.LessOrEqual(t, uint64(MaxPulseUS)*ClockMHz/LoopInstructions, uint64(math.MaxUint32))
	assert.Greater(t, uint64(MaxPulseUS+1)*ClockMHz/LoopInstructions, uint64(math.MaxUint32))
}

func newServo(t *testing.T) (*Servo, []byte, *gpiotest.Pin, string) {
	root := fakeRemoteproc(t, ServoCore, StateOffline, false)
	b := make([]byte, SharedRAMSize)
	for i := range b {
		b[i] = 0xFF
	}
	rail := &gpiotest.Pin{N: "rail", Num: PowerRailPin, L: gpio.High}
	s, err := OpenServo(ServoOpts{
		Core:      newCore(t, root),
		Mem:       mmio.FromBytes(Address+SharedRAMOffset, b),
		PowerRail: rail,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, b, rail, root
}

func slot(b []byte, ch int) uint32 {
	return binary.LittleEndian.Uint32(b[4*(ch-1):])
}

func railLevel(p *gpiotest.Pin) gpio.Level {
	p.Lock()
	defer p.Unlock()
	return p.L
}

func TestOpenServo(t *testing.T) {
	_, b, rail, root := newServo(t)
	for ch := ChannelMin; ch <= ChannelMax; ch++ {
		assert.Zero(t, slot(b, ch), "channel %d", ch)
	}
	// Beyond the slots, shared RAM is left alone.
	assert.Equal(t, byte(0xFF), b[4*ChannelMax])
	assert.Equal(t, gpio.Low, railLevel(rail))
	assert.Equal(t, StateRunning, readAttr(t, root, ServoCore, "state"))
	assert.Equal(t, ServoFirmware, readAttr(t, root, ServoCore, "firmware"))
}

func TestSendPulseUS(t *testing.T) {
	s, b, _, _ := newServo(t)
	require.NoError(t, s.SendPulseUS(1, 1500))
	assert.Equal(t, uint32(6250), slot(b, 1))

	// The firmware hasn't consumed the pulse yet.
	err := s.SendPulseUS(1, 1000)
	assert.ErrorIs(t, err, hwerr.ErrBusy)
	assert.Equal(t, uint32(6250), slot(b, 1))

	// Now it did.
	binary.LittleEndian.PutUint32(b, 0)
	require.NoError(t, s.SendPulseUS(1, 1000))
	assert.Equal(t, uint32(4166), slot(b, 1))

	require.NoError(t, s.SendPulseUS(8, 900))
	assert.Equal(t, Loops(900), slot(b, 8))

	assert.ErrorIs(t, s.SendPulseUS(0, 1500), hwerr.ErrInvalidArgument)
	assert.ErrorIs(t, s.SendPulseUS(9, 1500), hwerr.ErrInvalidArgument)
	assert.ErrorIs(t, s.SendPulseUS(2, 0), hwerr.ErrInvalidArgument)
	assert.ErrorIs(t, s.SendPulseUS(2, -5), hwerr.ErrInvalidArgument)
	assert.Zero(t, slot(b, 2))
}

func TestSendPulseUSLong(t *testing.T) {
	s, b, _, _ := newServo(t)
	require.NoError(t, s.SendPulseUS(1, 20_000_000))
	assert.Equal(t, uint32(83333333), slot(b, 1))

	require.NoError(t, s.SendPulseUS(2, MaxPulseUS))
	assert.Equal(t, Loops(MaxPulseUS), slot(b, 2))

	err := s.SendPulseUS(3, MaxPulseUS+1)
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
	assert.Zero(t, slot(b, 3))
}

func TestSendNormalized(t *testing.T) {
	s, b, _, _ := newServo(t)
	data := []struct {
		send func(ch int, v float64) error
		v    float64
		us   int
	}{
		{s.SendPulseNormalized, 0, 1500},
		{s.SendPulseNormalized, 1, 2100},
		{s.SendPulseNormalized, -1.5, 600},
		{s.SendESCPulseNormalized, 0, 1000},
		{s.SendESCPulseNormalized, 1, 2000},
		{s.SendESCPulseNormalized, -0.1, 900},
		{s.SendOneshotPulseNormalized, 0, 125},
		{s.SendOneshotPulseNormalized, 1, 250},
	}
	for i, line := range data {
		ch := i%ChannelMax + 1
		binary.LittleEndian.PutUint32(b[4*(ch-1):], 0)
		require.NoError(t, line.send(ch, line.v), "#%d", i)
		assert.Equal(t, Loops(line.us), slot(b, ch), "#%d", i)
	}

	for _, v := range []float64{-1.6, 1.51} {
		assert.ErrorIs(t, s.SendPulseNormalized(1, v), hwerr.ErrInvalidArgument)
	}
	for _, v := range []float64{-0.2, 1.01} {
		assert.ErrorIs(t, s.SendESCPulseNormalized(1, v), hwerr.ErrInvalidArgument)
		assert.ErrorIs(t, s.SendOneshotPulseNormalized(1, v), hwerr.ErrInvalidArgument)
	}
	assert.ErrorIs(t, s.SendPulseNormalized(9, 0), hwerr.ErrInvalidArgument)
	assert.ErrorIs(t, s.SendESCPulseNormalized(0, 0), hwerr.ErrInvalidArgument)

	nan := math.NaN()
	for _, send := range []func(int, float64) error{s.SendPulseNormalized, s.SendESCPulseNormalized, s.SendOneshotPulseNormalized} {
		err := send(4, nan)
		assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
		assert.ErrorContains(t, err, "normalized input")
		assert.Zero(t, slot(b, 4))
	}
}

func TestSendNormalizedMonotonic(t *testing.T) {
	s, b, _, _ := newServo(t)
	data := []struct {
		send   func(ch int, v float64) error
		lo, hi float64
	}{
		{s.SendPulseNormalized, -1.5, 1.5},
		{s.SendESCPulseNormalized, -0.1, 1},
		{s.SendOneshotPulseNormalized, -0.1, 1},
	}
	for i, line := range data {
		prev := uint32(0)
		const steps = 300
		for j := 0; j <= steps; j++ {
			v := line.lo + (line.hi-line.lo)*float64(j)/steps
			if v > line.hi {
				v = line.hi
			}
			binary.LittleEndian.PutUint32(b, 0)
			require.NoError(t, line.send(1, v), "#%d v=%g", i, v)
			got := slot(b, 1)
			assert.GreaterOrEqual(t, got, prev, "#%d v=%g", i, v)
			prev = got
		}
	}
}

func TestSendAll(t *testing.T) {
	s, b, _, _ := newServo(t)
	require.NoError(t, s.SendESCPulseNormalizedAll(0.5))
	for ch := ChannelMin; ch <= ChannelMax; ch++ {
		assert.Equal(t, Loops(1500), slot(b, ch))
	}

	// Only channel 3 was consumed; the others are reported busy but channel
	// 3 still gets its pulse.
	binary.LittleEndian.PutUint32(b[8:], 0)
	err := s.SendPulseUSAll(1000)
	assert.ErrorIs(t, err, hwerr.ErrBusy)
	assert.Equal(t, Loops(1000), slot(b, 3))
	assert.Equal(t, Loops(1500), slot(b, 8))

	assert.ErrorIs(t, s.SendOneshotPulseNormalizedAll(2), hwerr.ErrInvalidArgument)
	assert.ErrorIs(t, s.SendPulseNormalizedAll(2), hwerr.ErrInvalidArgument)
}

func TestPowerRail(t *testing.T) {
	s, _, rail, _ := newServo(t)
	require.NoError(t, s.PowerRail(true))
	assert.Equal(t, gpio.High, railLevel(rail))
	assert.True(t, s.PowerRailOn())
	require.NoError(t, s.PowerRail(false))
	assert.Equal(t, gpio.Low, railLevel(rail))
}

func TestServoClose(t *testing.T) {
	s, b, rail, root := newServo(t)
	require.NoError(t, s.PowerRail(true))
	require.NoError(t, s.SendPulseUSAll(1500))

	require.NoError(t, s.Close())
	for ch := ChannelMin; ch <= ChannelMax; ch++ {
		assert.Zero(t, slot(b, ch))
	}
	assert.Equal(t, gpio.Low, railLevel(rail))
	assert.Equal(t, StateOffline, readAttr(t, root, ServoCore, "state"))
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.SendPulseUS(1, 1500), hwerr.ErrNotInitialized)
	assert.ErrorIs(t, s.SendPulseUSAll(1500), hwerr.ErrNotInitialized)
	assert.ErrorIs(t, s.PowerRail(true), hwerr.ErrNotInitialized)
}

func TestOpenServoErrors(t *testing.T) {
	root := fakeRemoteproc(t, ServoCore, "crashed", true)
	_, err := OpenServo(ServoOpts{
		Core:      newCore(t, root),
		Mem:       mmio.FromBytes(0, make([]byte, SharedRAMSize)),
		PowerRail: &gpiotest.Pin{},
	})
	assert.ErrorIs(t, err, hwerr.ErrUnavailable)

	root = fakeRemoteproc(t, ServoCore, StateOffline, false)
	_, err = OpenServo(ServoOpts{
		Core:      newCore(t, root),
		Mem:       mmio.FromBytes(0, make([]byte, 16)),
		PowerRail: &gpiotest.Pin{},
	})
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
	assert.Equal(t, StateOffline, readAttr(t, root, ServoCore, "state"))
}

// fakeRail records the pin OpenServo requested for the power rail.
type fakeRail struct {
	gpiotest.Pin
	closed bool
}

func (f *fakeRail) Close() { f.closed = true }

func TestOpenServoRailPin(t *testing.T) {
	saved := openRail
	t.Cleanup(func() { openRail = saved })
	var opened []int
	var rails []*fakeRail
	openRail = func(n int) (railLine, error) {
		opened = append(opened, n)
		r := &fakeRail{Pin: gpiotest.Pin{N: "rail", Num: n, L: gpio.High}}
		rails = append(rails, r)
		return r, nil
	}
	zero := 0
	for _, pin := range []*int{nil, &zero} {
		root := fakeRemoteproc(t, ServoCore, StateOffline, false)
		s, err := OpenServo(ServoOpts{
			Core:         newCore(t, root),
			Mem:          mmio.FromBytes(0, make([]byte, SharedRAMSize)),
			PowerRailPin: pin,
		})
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
	// GPIO0_0 is a pin like any other.
	assert.Equal(t, []int{PowerRailPin, 0}, opened)
	for _, r := range rails {
		assert.True(t, r.closed)
		assert.Equal(t, gpio.Low, railLevel(&r.Pin))
	}
}

func TestMapSharedMemory(t *testing.T) {
	saved := mapMem
	t.Cleanup(func() {
		mapMem = saved
		shm = nil
	})
	calls := 0
	mapMem = func(base uint64, length int) (*mmio.Region, error) {
		calls++
		if base != Address || length != Size {
			return nil, errors.New("unexpected mapping")
		}
		return mmio.FromBytes(base, make([]byte, length)), nil
	}
	shm = nil
	r, err := MapSharedMemory()
	require.NoError(t, err)
	assert.Equal(t, uint64(Address+SharedRAMOffset), r.Base())
	assert.Equal(t, SharedRAMSize, r.Len())
	r2, err := MapSharedMemory()
	require.NoError(t, err)
	assert.Same(t, r, r2)
	assert.Equal(t, 1, calls)

	shm = nil
	mapMem = func(uint64, int) (*mmio.Region, error) { return nil, os.ErrPermission }
	_, err = MapSharedMemory()
	assert.ErrorIs(t, err, hwerr.ErrUnavailable)
	assert.ErrorIs(t, err, os.ErrPermission)
}
