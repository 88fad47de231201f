// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package button

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"

	"github.com/beaglerc/sitarahost/hwerr"
)

// registration is one initialized button pin.
type registration struct {
	pin      int
	polarity Polarity
	debounce time.Duration
	line     Line
	cancel   context.CancelFunc
	log      logrus.FieldLogger

	pollerDone  chan struct{}
	pressDone   chan struct{}
	releaseDone chan struct{}
}

func (r *registration) start(ctx context.Context, pollTimeout time.Duration, depth int, cbs *callbacks) {
	press := make(chan struct{}, depth)
	release := make(chan struct{}, depth)
	r.pollerDone = make(chan struct{})
	r.pressDone = make(chan struct{})
	r.releaseDone = make(chan struct{})
	go r.poll(ctx, pollTimeout, press, release)
	go r.listen(ctx, Pressed, press, cbs, r.pressDone)
	go r.listen(ctx, Released, release, cbs, r.releaseDone)
}

// poll reads edges and hands each to the listener for its direction. It
// never blocks on a listener: when a listener is still busy with its
// callback and its queue is full, the edge is dropped.
func (r *registration) poll(ctx context.Context, timeout time.Duration, press, release chan<- struct{}) {
	defer close(r.pollerDone)
	defer close(release)
	defer close(press)
	pressEdge := r.polarity.pressEdge()
	for ctx.Err() == nil {
		edge, err := r.line.WaitForEvent(timeout)
		if err != nil {
			if ctx.Err() == nil {
				r.log.WithError(err).Error("edge poll failed, stopping button listeners")
			}
			return
		}
		if edge == gpio.NoEdge {
			continue
		}
		q, dir := release, Released
		if edge == pressEdge {
			q, dir = press, Pressed
		}
		select {
		case q <- struct{}{}:
		default:
			r.log.WithField("state", dir).Debug("edge dropped, callback still running")
		}
	}
}

// listen debounces the edges of one direction and dispatches the callback.
func (r *registration) listen(ctx context.Context, s State, q <-chan struct{}, cbs *callbacks, done chan<- struct{}) {
	defer close(done)
	want := r.polarity.level(s)
	var t *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-q:
			if !ok {
				return
			}
		}
		if r.debounce > 0 {
			if t == nil {
				t = time.NewTimer(r.debounce)
			} else {
				t.Reset(r.debounce)
			}
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			l, err := r.line.Value()
			if err != nil {
				r.log.WithError(err).WithField("state", s).Error("debounce read failed, stopping listener")
				return
			}
			if l != want {
				continue
			}
		}
		if f := cbs.get(s); f != nil {
			f()
		}
	}
}

// stop cancels the listeners, gives them timeout in total to exit and
// releases the line.
func (r *registration) stop(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	r.cancel()
	if err := r.line.Halt(); err != nil {
		r.log.WithError(err).Debug("halt failed, relying on poll timeout")
	}
	var err error
	for _, w := range []struct {
		name string
		done <-chan struct{}
	}{
		{"poller", r.pollerDone},
		{"press", r.pressDone},
		{"release", r.releaseDone},
	} {
		if waitUntil(w.done, deadline) {
			continue
		}
		r.log.WithField("listener", w.name).Warnf("listener did not exit within %s, most likely its callback is stuck and didn't return", timeout)
		err = multierr.Append(err, hwerr.New("button.Cleanup", hwerr.ErrTimeout, fmt.Sprintf("pin %d %s listener exit", r.pin, w.name)))
	}
	r.line.Close()
	return err
}

// waitUntil reports whether done is closed by deadline.
func waitUntil(done <-chan struct{}, deadline time.Time) bool {
	select {
	case <-done:
		return true
	default:
	}
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
