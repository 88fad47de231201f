// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package lifecycle manages the run state of a robot control process: its
// state machine, a PID file that lets a new instance stop the previous one,
// and shutdown signal handling.
package lifecycle

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/logging"
)

// State is the run state of the process.
type State int32

const (
	Uninitialized State = iota
	Paused
	Running
	Exiting
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Paused:
		return "PAUSED"
	case Running:
		return "RUNNING"
	case Exiting:
		return "EXITING"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Opts configures a Lifecycle. Zero fields take the defaults.
type Opts struct {
	// PIDFile defaults to DefaultPIDFile.
	PIDFile string
	Logger  logrus.FieldLogger
}

// Lifecycle holds the process state. Its methods are safe for concurrent
// use; the state is typically polled by the main loop and changed by signal
// handlers and button callbacks.
type Lifecycle struct {
	pidFile string
	log     logrus.FieldLogger

	state    atomic.Int32
	exiting  chan struct{}
	exitOnce sync.Once

	mu      sync.Mutex
	sigCh   chan os.Signal
	sigDone chan struct{}
}

// New returns a Lifecycle in state Uninitialized.
func New(opts Opts) *Lifecycle {
	if opts.PIDFile == "" {
		opts.PIDFile = DefaultPIDFile
	}
	return &Lifecycle{
		pidFile: opts.PIDFile,
		log:     logging.For(opts.Logger, "lifecycle"),
		exiting: make(chan struct{}),
	}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// SetState changes the state. Any state may follow any other.
func (l *Lifecycle) SetState(s State) {
	l.state.Store(int32(s))
	if s == Exiting {
		l.exitOnce.Do(func() { close(l.exiting) })
	}
}

// Exiting returns a channel closed the first time the state becomes
// Exiting.
func (l *Lifecycle) Exiting() <-chan struct{} {
	return l.exiting
}

// EnableSignalHandler makes SIGINT and SIGTERM set the state to Exiting
// instead of terminating the process. SIGHUP is ignored so the process
// carries on when its terminal goes away.
func (l *Lifecycle) EnableSignalHandler() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sigCh != nil {
		return
	}
	l.sigCh = make(chan os.Signal, 1)
	l.sigDone = make(chan struct{})
	signal.Notify(l.sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	go l.handleSignals(l.sigCh, l.sigDone)
}

func (l *Lifecycle) handleSignals(ch <-chan os.Signal, done chan<- struct{}) {
	defer close(done)
	for sig := range ch {
		switch sig {
		case unix.SIGINT, unix.SIGTERM:
			l.log.WithField("signal", sig).Info("received shutdown signal")
			l.SetState(Exiting)
		case unix.SIGHUP:
			l.log.Debug("received SIGHUP, carrying on")
		}
	}
}

// DisableSignalHandler restores the default behavior of SIGINT, SIGTERM
// and SIGHUP.
func (l *Lifecycle) DisableSignalHandler() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sigCh == nil {
		return
	}
	signal.Stop(l.sigCh)
	close(l.sigCh)
	<-l.sigDone
	l.sigCh, l.sigDone = nil, nil
}

// Guard runs fn and turns a memory fault inside it, e.g. an access to a
// register mapping that went away, into an error wrapping hwerr.ErrFault.
// The state is set to Exiting so the main loop shuts down cleanly.
//
// Other panics, including nil pointer dereferences, are propagated.
func (l *Lifecycle) Guard(fn func()) (err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fault, ok := r.(interface {
			runtime.Error
			Addr() uintptr
		})
		if !ok {
			panic(r)
		}
		l.log.WithField("addr", fmt.Sprintf("%#x", fault.Addr())).WithError(fault).Error("memory fault")
		l.SetState(Exiting)
		err = hwerr.Wrap("lifecycle.Guard", hwerr.ErrFault, fault)
	}()
	fn()
	return nil
}
