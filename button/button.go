// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package button turns GPIO edge events into debounced press and release
// callbacks.
//
// Each registered pin gets one goroutine reading edge events from the kernel
// and two listener goroutines, one for presses and one for releases, so a
// slow press callback never delays release detection. Callbacks run
// synchronously in their listener goroutine.
//
// A Buttons value owns all its registrations; independent instances don't
// share state.
package button

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"

	"github.com/beaglerc/sitarahost/gpioioctl"
	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/logging"
)

// Pins of the two buttons of the Robotics Cape and the BeagleBone Blue.
const (
	PausePin = 69 // gpio2.5, P8.9
	ModePin  = 68 // gpio2.4, P8.10
)

// MaxPin is the highest pin number accepted by Init.
const MaxPin = gpioioctl.MaxPin

const (
	DefaultDebounce    = 2 * time.Millisecond
	DefaultPollTimeout = 100 * time.Millisecond
	DefaultJoinTimeout = 3 * time.Second
	defaultQueueDepth  = 4
)

// Polarity tells which raw level a released button reads.
type Polarity int

const (
	// NormLow buttons read low when released: rising edge is a press.
	NormLow Polarity = 0
	// NormHigh buttons read high when released: falling edge is a press.
	NormHigh Polarity = 1
)

func (p Polarity) String() string {
	switch p {
	case NormLow:
		return "NormLow"
	case NormHigh:
		return "NormHigh"
	}
	return fmt.Sprintf("Polarity(%d)", int(p))
}

// State is the logical state of a button.
type State int

const (
	Released State = 0
	Pressed  State = 1
)

func (s State) String() string {
	if s == Pressed {
		return "Pressed"
	}
	return "Released"
}

// Line is the GPIO event source a button listens on.
//
// *gpioioctl.GPIOLine implements it.
type Line interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	// WaitForEvent returns gpio.NoEdge with a nil error on timeout or Halt.
	WaitForEvent(timeout time.Duration) (gpio.Edge, error)
	Value() (gpio.Level, error)
	Halt() error
	Close()
}

// OpenFunc returns the Line for a Sitara GPIO number.
type OpenFunc func(pin int) (Line, error)

// OpenGPIO opens pin through the GPIO character device.
func OpenGPIO(pin int) (Line, error) {
	l, err := gpioioctl.LineByNumber(pin)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Opts configures a Buttons registry. Zero fields take the defaults.
type Opts struct {
	Open OpenFunc
	// PollTimeout bounds each wait for an edge; a listener notices
	// cancellation within this interval even if Halt isn't honored.
	PollTimeout time.Duration
	// JoinTimeout bounds the wait for each listener goroutine in Cleanup.
	JoinTimeout time.Duration
	// QueueDepth is the number of confirmed-but-undispatched edges kept per
	// direction while a callback runs.
	QueueDepth int
	Logger     logrus.FieldLogger
}

// Buttons is a registry of button pins and their listeners.
type Buttons struct {
	opts Opts
	log  logrus.FieldLogger

	mu   sync.Mutex
	regs map[int]*registration

	cbs [MaxPin + 1]callbacks
}

type callbacks struct {
	press   atomic.Pointer[func()]
	release atomic.Pointer[func()]
}

func (c *callbacks) get(s State) func() {
	p := c.release.Load()
	if s == Pressed {
		p = c.press.Load()
	}
	if p == nil {
		return nil
	}
	return *p
}

func store(p *atomic.Pointer[func()], f func()) {
	if f == nil {
		p.Store(nil)
		return
	}
	p.Store(&f)
}

// New returns an empty registry.
func New(opts Opts) *Buttons {
	if opts.Open == nil {
		opts.Open = OpenGPIO
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	return &Buttons{
		opts: opts,
		log:  logging.For(opts.Logger, "button"),
		regs: map[int]*registration{},
	}
}

func checkPin(op string, pin int) error {
	if pin < 0 || pin > MaxPin {
		return hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("pin must be between 0 and %d, got %d", MaxPin, pin))
	}
	return nil
}

// Init registers pin as a button and starts its listeners.
//
// The pin is requested as an input reporting both edges. A debounce of 0
// dispatches every edge; otherwise an edge is only dispatched if the pin
// still reads the post-edge level after debounce.
func (b *Buttons) Init(pin int, polarity Polarity, debounce time.Duration) error {
	const op = "button.Init"
	if err := checkPin(op, pin); err != nil {
		return err
	}
	if polarity != NormLow && polarity != NormHigh {
		return hwerr.New(op, hwerr.ErrInvalidArgument, "polarity must be NormLow or NormHigh")
	}
	if debounce < 0 {
		return hwerr.New(op, hwerr.ErrInvalidArgument, "debounce must be >= 0")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.regs[pin]; ok {
		return hwerr.New(op, hwerr.ErrBusy, fmt.Sprintf("pin %d already initialized; call Cleanup first", pin))
	}
	line, err := b.opts.Open(pin)
	if err != nil {
		return hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	if err := line.In(gpio.PullNoChange, gpio.BothEdges); err != nil {
		line.Close()
		return hwerr.Wrap(op, hwerr.ErrUnavailable, fmt.Errorf("failed to set up GPIO pin %d: %w", pin, err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &registration{
		pin:      pin,
		polarity: polarity,
		debounce: debounce,
		line:     line,
		cancel:   cancel,
		log:      b.log.WithField("pin", pin),
	}
	r.start(ctx, b.opts.PollTimeout, b.opts.QueueDepth, &b.cbs[pin])
	b.regs[pin] = r
	r.log.WithFields(logrus.Fields{"polarity": polarity, "debounce": debounce}).Debug("button initialized")
	return nil
}

// SetCallbacks replaces the press and release callbacks of pin. Either may
// be nil. It may be called before or after Init; a listener that is already
// dispatching finishes with the callback it loaded.
func (b *Buttons) SetCallbacks(pin int, onPress, onRelease func()) error {
	if err := checkPin("button.SetCallbacks", pin); err != nil {
		return err
	}
	store(&b.cbs[pin].press, onPress)
	store(&b.cbs[pin].release, onRelease)
	return nil
}

// State reads the instantaneous level of pin and maps it through its
// polarity.
func (b *Buttons) State(pin int) (State, error) {
	const op = "button.State"
	if err := checkPin(op, pin); err != nil {
		return Released, err
	}
	b.mu.Lock()
	r := b.regs[pin]
	b.mu.Unlock()
	if r == nil {
		return Released, hwerr.New(op, hwerr.ErrNotInitialized, fmt.Sprintf("pin %d: call Init first", pin))
	}
	l, err := r.line.Value()
	if err != nil {
		return Released, hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	return r.polarity.state(l), nil
}

// Initialized reports whether pin has a live registration.
func (b *Buttons) Initialized(pin int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.regs[pin]
	return ok
}

// Cleanup stops the listeners of pin and releases its line. It is a no-op
// for a pin that is not registered.
//
// Each listener gets JoinTimeout to exit. A listener stuck in a callback is
// abandoned and reported as an error wrapping hwerr.ErrTimeout; the pin is
// unregistered regardless.
func (b *Buttons) Cleanup(pin int) error {
	b.mu.Lock()
	r := b.regs[pin]
	delete(b.regs, pin)
	b.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.stop(b.opts.JoinTimeout)
}

// Close cleans up every registered pin. It can be called multiple times.
func (b *Buttons) Close() error {
	b.mu.Lock()
	regs := make([]*registration, 0, len(b.regs))
	for pin, r := range b.regs {
		regs = append(regs, r)
		delete(b.regs, pin)
	}
	b.mu.Unlock()

	var err error
	for _, r := range regs {
		err = multierr.Append(err, r.stop(b.opts.JoinTimeout))
	}
	return err
}

// pressEdge returns the raw edge that means "pressed".
func (p Polarity) pressEdge() gpio.Edge {
	if p == NormHigh {
		return gpio.FallingEdge
	}
	return gpio.RisingEdge
}

// level returns the raw level a button in state s reads.
func (p Polarity) level(s State) gpio.Level {
	pressed := gpio.Level(p == NormLow)
	if s == Pressed {
		return pressed
	}
	return !pressed
}

func (p Polarity) state(l gpio.Level) State {
	if l == p.level(Pressed) {
		return Pressed
	}
	return Released
}
