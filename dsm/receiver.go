// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dsm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/logging"
)

const (
	DefaultActiveTimeout = 200 * time.Millisecond
	DefaultJoinTimeout   = time.Second
	// DefaultFrameGap is longer than the gap between bytes of a packet and
	// shorter than the gap between frames.
	DefaultFrameGap = 5 * time.Millisecond

	calibratePoll = 10 * time.Millisecond
)

// Opts configures a Receiver. Zero fields take the defaults.
type Opts struct {
	// Port is the byte stream of the receiver; defaults to OpenUART(Path,
	// BaudRate). The Receiver closes it.
	Port io.ReadCloser
	// Path defaults to DefaultUART.
	Path string
	// Calibration defaults to the content of CalibrationFile, or
	// DefaultCalibration() when the file is missing.
	Calibration *Calibration
	// CalibrationFile defaults to CalibrationFile.
	CalibrationFile string
	// ActiveTimeout is how long after the last packet the connection is
	// still reported active.
	ActiveTimeout time.Duration
	// JoinTimeout bounds the wait for the reader goroutine in Close.
	JoinTimeout time.Duration
	FrameGap    time.Duration
	Logger      logrus.FieldLogger
}

// Receiver decodes packets from a satellite receiver in a background
// goroutine and keeps the last full set of channel values.
type Receiver struct {
	opts   Opts
	log    logrus.FieldLogger
	port   io.ReadCloser
	cancel context.CancelFunc
	done   chan struct{}

	callback atomic.Pointer[func()]

	mu       sync.Mutex
	cal      Calibration
	channels [MaxChannels]int
	res      Resolution
	n        int
	newData  bool
	last     time.Time
	closed   bool
}

// Open starts decoding the receiver described by opts.
func Open(opts Opts) (*Receiver, error) {
	if opts.ActiveTimeout <= 0 {
		opts.ActiveTimeout = DefaultActiveTimeout
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.FrameGap <= 0 {
		opts.FrameGap = DefaultFrameGap
	}
	if opts.Path == "" {
		opts.Path = DefaultUART
	}
	if opts.CalibrationFile == "" {
		opts.CalibrationFile = CalibrationFile
	}
	r := &Receiver{
		opts: opts,
		log:  logging.For(opts.Logger, "dsm"),
		port: opts.Port,
		done: make(chan struct{}),
	}
	if opts.Calibration != nil {
		r.cal = *opts.Calibration
	} else {
		c, err := LoadCalibration(opts.CalibrationFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			r.log.WithField("file", opts.CalibrationFile).Warn("no calibration file, using default ranges")
			c = DefaultCalibration()
		case err != nil:
			return nil, err
		}
		r.cal = c
	}
	if r.port == nil {
		f, err := OpenUART(opts.Path, BaudRate)
		if err != nil {
			return nil, err
		}
		r.port = f
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
	r.log.WithField("port", opts.Path).Debug("receiver started")
	return r, nil
}

func (r *Receiver) run(ctx context.Context) {
	defer close(r.done)
	f := framer{gap: r.opts.FrameGap}
	det := newDetector()
	var dec *decoder
	packet := func(p []byte) {
		if det != nil {
			if !det.add(p) {
				return
			}
			res, n, err := det.result()
			if err != nil {
				r.log.WithError(err).Warn("detection failed, trying again")
				det = newDetector()
				return
			}
			det = nil
			dec = &decoder{res: res, n: n}
			r.mu.Lock()
			r.res, r.n = res, n
			r.mu.Unlock()
			r.log.WithFields(logrus.Fields{"resolution": res, "channels": n}).Info("radio detected")
			return
		}
		vals, ok, err := dec.add(p)
		if err != nil {
			r.log.WithError(err).Debug("packet dropped")
			return
		}
		if ok {
			r.commit(vals)
		}
	}
	buf := make([]byte, 4*PacketSize)
	for ctx.Err() == nil {
		n, err := r.port.Read(buf)
		if n > 0 {
			if d := f.feed(time.Now(), buf[:n], packet); d != 0 {
				r.log.WithField("bytes", d).Debug("resync")
			}
		}
		if err == nil || errors.Is(err, io.EOF) {
			continue
		}
		if ctx.Err() == nil {
			r.log.WithError(err).Error("read failed, receiver stopped")
		}
		return
	}
}

func (r *Receiver) commit(vals []int) {
	r.mu.Lock()
	copy(r.channels[:], vals)
	r.newData = true
	r.last = time.Now()
	r.mu.Unlock()
	if cb := r.callback.Load(); cb != nil {
		(*cb)()
	}
}

func (r *Receiver) check(op string, ch int) error {
	if r.closed {
		return hwerr.New(op, hwerr.ErrNotInitialized, "receiver closed")
	}
	if ch < 1 || ch > MaxChannels {
		return hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("channel must be between 1 and %d, got %d", MaxChannels, ch))
	}
	return nil
}

// ChRaw returns the last value of channel ch, 1 based, in microseconds. It
// is 0 until the channel was received. Reading clears IsNewData.
func (r *Receiver) ChRaw(ch int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("dsm.ChRaw", ch); err != nil {
		return 0, err
	}
	r.newData = false
	return r.channels[ch-1], nil
}

// ChNormalized returns the last value of channel ch scaled to -1..1 by the
// calibration. Reading a received channel clears IsNewData.
func (r *Receiver) ChNormalized(ch int) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("dsm.ChNormalized", ch); err != nil {
		return 0, err
	}
	raw := r.channels[ch-1]
	if raw == 0 {
		return 0, nil
	}
	r.newData = false
	return r.cal[ch-1].Normalize(raw), nil
}

// IsNewData reports whether a set of values arrived since the last read.
func (r *Receiver) IsNewData() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newData
}

// SetCallback sets f to run in the reader goroutine after each full set of
// values; nil removes it. f must return quickly, the next packet waits.
func (r *Receiver) SetCallback(f func()) {
	if f == nil {
		r.callback.Store(nil)
		return
	}
	r.callback.Store(&f)
}

// IsConnectionActive reports whether a full set of values arrived within
// the active timeout.
func (r *Receiver) IsConnectionActive() bool {
	d, ok := r.SinceLastPacket()
	return ok && d < r.opts.ActiveTimeout
}

// SinceLastPacket returns the time since the last full set of values, and
// false if none arrived yet.
func (r *Receiver) SinceLastPacket() (time.Duration, bool) {
	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	if last.IsZero() {
		return 0, false
	}
	return time.Since(last), true
}

// Resolution returns the detected resolution, 0 before detection.
func (r *Receiver) Resolution() Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.res
}

// Channels returns the detected number of channels, 0 before detection.
func (r *Receiver) Channels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Calibration returns the ranges used by ChNormalized.
func (r *Receiver) Calibration() Calibration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cal
}

// SetCalibration replaces the ranges used by ChNormalized.
func (r *Receiver) SetCalibration(c Calibration) {
	r.mu.Lock()
	r.cal = c
	r.mu.Unlock()
}

// Calibrate records the extremes of every channel until ctx is done. The
// caller asks the user to move every stick through its range meanwhile.
//
// It returns an error when channel 1 never moved.
func (r *Receiver) Calibrate(ctx context.Context) (Calibration, error) {
	var rec Recorder
	t := time.NewTicker(calibratePoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return rec.Calibration()
		case <-r.done:
			return Calibration{}, hwerr.New("dsm.Calibrate", hwerr.ErrNotInitialized, "receiver stopped")
		case <-t.C:
		}
		r.mu.Lock()
		if r.newData {
			r.newData = false
			rec.Observe(r.channels[:])
		}
		r.mu.Unlock()
	}
}

// Close stops the reader goroutine and closes the port.
//
// It returns hwerr.ErrTimeout when the goroutine didn't exit within the join
// timeout, most likely because the callback is stuck.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	err := r.port.Close()
	select {
	case <-r.done:
	case <-time.After(r.opts.JoinTimeout):
		return hwerr.New("dsm.Close", hwerr.ErrTimeout, "reader goroutine did not exit; callback stuck?")
	}
	return err
}
