// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dsm reads Spektrum DSM2/DSMX satellite receivers over a UART.
//
// A receiver sends one 16 byte packet per frame, every 11ms or 22ms. The
// first two bytes are a header; the next seven 16 bit words each carry a
// channel id and a channel value, unused words are 0xFFFF. Radios with more
// than seven channels spread a set of channel values over two packets.
//
// The first packets are used to detect the resolution (1024 or 2048 steps)
// and the number of channels. After that a set of channel values is
// committed once every channel has been received.
package dsm

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxChannels is the highest channel number a packet can carry.
	MaxChannels = 9
	// PacketSize is the length of a packet in bytes.
	PacketSize = 16
	// BaudRate is the UART rate of satellite receivers.
	BaudRate = 115200

	// valueOffset shifts raw values so neutral sticks read about 1500.
	valueOffset      = 989
	detectionPackets = 4
	wordsPerPacket   = PacketSize / 2
)

// Resolution is the number of steps of a channel value.
type Resolution int

const (
	Res1024 Resolution = 1024 // 22ms frames
	Res2048 Resolution = 2048 // 11ms frames
)

func (r Resolution) String() string {
	switch r {
	case Res1024, Res2048:
		return fmt.Sprintf("%d", int(r))
	}
	return "undetected"
}

// word decodes the channel id and value of the big endian word hi, lo.
func word(hi, lo byte, r Resolution) (id, value int) {
	if r == Res2048 {
		id = int(hi&0x78) >> 3
		// The extra bit doubles the scale.
		return id, (int(hi&0x07)<<8|int(lo))/2 + valueOffset
	}
	id = int(hi&0x7C) >> 2
	return id, (int(hi&0x03)<<8 | int(lo)) + valueOffset
}

// words calls f for each channel word of p, skipping unused ones.
func words(p []byte, f func(hi, lo byte)) {
	for i := 1; i < wordsPerPacket; i++ {
		hi, lo := p[2*i], p[2*i+1]
		if hi == 0xFF && lo == 0xFF {
			continue
		}
		f(hi, lo)
	}
}

var (
	errTooManyChannels = errors.New("too many channels detected")
	errMissingChannel  = errors.New("missing channel")
	errBadChannel      = errors.New("bad channel id")
)

// detector decodes the first packets both ways and picks the resolution
// whose channel ids make sense.
type detector struct {
	left int
	max  [2]int
	seen [2][MaxChannels]bool
}

var resolutions = [2]Resolution{Res1024, Res2048}

func newDetector() *detector {
	return &detector{left: detectionPackets}
}

// add records p and reports whether enough packets were seen.
func (d *detector) add(p []byte) bool {
	words(p, func(hi, lo byte) {
		for i, r := range resolutions {
			id, _ := word(hi, lo, r)
			d.max[i] = max(d.max[i], id)
			if id < MaxChannels {
				d.seen[i][id] = true
			}
		}
	})
	d.left--
	return d.left <= 0
}

// result returns the detected resolution and channel count. On error the
// detection has to start over.
func (d *detector) result() (Resolution, int, error) {
	// 1024 ids are one bit wider; too large means 2048.
	i := 0
	if d.max[0] >= MaxChannels {
		i = 1
	}
	if d.max[i] >= MaxChannels {
		return 0, 0, fmt.Errorf("%w: %d", errTooManyChannels, d.max[i]+1)
	}
	n := d.max[i] + 1
	for ch := 0; ch < n; ch++ {
		if !d.seen[i][ch] {
			return 0, 0, fmt.Errorf("%w: %d of %d", errMissingChannel, ch+1, n)
		}
	}
	return resolutions[i], n, nil
}

// decoder assembles full sets of channel values from packets.
type decoder struct {
	res     Resolution
	n       int
	pending [MaxChannels]int
}

// add decodes p. It returns the channel values when p completes a set. A
// packet with an out of range channel id is dropped whole.
func (d *decoder) add(p []byte) ([]int, bool, error) {
	var vals [MaxChannels]int
	var err error
	words(p, func(hi, lo byte) {
		id, v := word(hi, lo, d.res)
		if id >= MaxChannels {
			err = fmt.Errorf("%w: %d", errBadChannel, id)
			return
		}
		vals[id] = v
	})
	if err != nil {
		return nil, false, err
	}
	for i, v := range vals {
		if v != 0 {
			d.pending[i] = v
		}
	}
	for i := 0; i < d.n; i++ {
		if d.pending[i] == 0 {
			return nil, false, nil
		}
	}
	out := make([]int, d.n)
	copy(out, d.pending[:d.n])
	d.pending = [MaxChannels]int{}
	return out, true, nil
}

// framer splits the UART byte stream into packets. Bytes of a partial
// packet are dropped when the line stays quiet for longer than gap, which
// realigns on the next frame.
type framer struct {
	gap  time.Duration
	buf  [PacketSize]byte
	n    int
	last time.Time
}

// feed appends data received at now and calls emit for each full packet.
// It returns the number of bytes dropped.
func (f *framer) feed(now time.Time, data []byte, emit func(p []byte)) int {
	dropped := 0
	if f.n != 0 && now.Sub(f.last) > f.gap {
		dropped = f.n
		f.n = 0
	}
	f.last = now
	for _, b := range data {
		f.buf[f.n] = b
		f.n++
		if f.n == PacketSize {
			emit(f.buf[:])
			f.n = 0
		}
	}
	return dropped
}
