// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dsm

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/beaglerc/sitarahost/hwerr"
)

// CalibrationFile is where the stick ranges are kept, one "min max" line
// per channel.
const CalibrationFile = "/var/lib/robotcontrol/dsm.cal"

// Range of a channel used when it was never calibrated.
const (
	DefaultMin = 1142
	DefaultMax = 1858
)

// Range is the raw value span of one channel.
type Range struct {
	Min, Max int
}

// Normalize maps raw to -1..1 over r. A raw value of 0, meaning no data, and
// an empty range read as 0.
func (r Range) Normalize(raw int) float64 {
	span := r.Max - r.Min
	if raw == 0 || span == 0 {
		return 0
	}
	center := float64(r.Max+r.Min) / 2
	return 2 * (float64(raw) - center) / float64(span)
}

func (r Range) valid() bool {
	return r.Min != 0 && r.Min != r.Max
}

// Calibration holds the range of every channel, channel 1 first.
type Calibration [MaxChannels]Range

// DefaultCalibration returns DefaultMin..DefaultMax for every channel.
func DefaultCalibration() Calibration {
	var c Calibration
	for i := range c {
		c[i] = Range{DefaultMin, DefaultMax}
	}
	return c
}

// LoadCalibration reads a calibration file written by Save.
func LoadCalibration(path string) (Calibration, error) {
	var c Calibration
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	s := bufio.NewScanner(bytes.NewReader(data))
	for i := range c {
		if !s.Scan() {
			return c, hwerr.New("dsm.LoadCalibration", hwerr.ErrInvalidArgument, fmt.Sprintf("%s: %d channels, want %d", path, i, MaxChannels))
		}
		if _, err := fmt.Sscanf(s.Text(), "%d %d", &c[i].Min, &c[i].Max); err != nil {
			return c, hwerr.New("dsm.LoadCalibration", hwerr.ErrInvalidArgument, fmt.Sprintf("%s:%d: %v", path, i+1, err))
		}
	}
	return c, nil
}

// Save writes c to path, creating its directory. Channels without a usable
// range are written with the default range so a radio with more channels
// can use the file later.
func (c Calibration) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b bytes.Buffer
	for _, r := range c {
		if !r.valid() {
			r = Range{DefaultMin, DefaultMax}
		}
		fmt.Fprintf(&b, "%d %d\n", r.Min, r.Max)
	}
	return os.WriteFile(path, b.Bytes(), 0o644)
}

// Recorder tracks the extremes of each channel while the sticks are moved
// through their range.
type Recorder struct {
	mu     sync.Mutex
	ranges Calibration
}

// Observe records one set of raw channel values; zeros are ignored.
func (r *Recorder) Observe(raw []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range raw {
		if i >= MaxChannels || v <= 0 {
			continue
		}
		rg := &r.ranges[i]
		if rg.Min == 0 {
			*rg = Range{v, v}
			continue
		}
		rg.Min = min(rg.Min, v)
		rg.Max = max(rg.Max, v)
	}
}

// Calibration returns the recorded ranges. It fails when channel 1 never
// moved, which means no data came in.
func (r *Recorder) Calibration() (Calibration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ranges[0].valid() {
		return Calibration{}, hwerr.New("dsm.Calibrate", hwerr.ErrUnavailable, "no data received")
	}
	c := r.ranges
	for i, rg := range c {
		if !rg.valid() {
			c[i] = Range{DefaultMin, DefaultMax}
		}
	}
	return c, nil
}
