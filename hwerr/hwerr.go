// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package hwerr defines the error kinds shared by the Sitara host drivers.
//
// Drivers wrap one of the sentinels below so callers can tell a retryable
// condition (ErrBusy) from a configuration mistake (ErrInvalidArgument) with
// errors.Is.
package hwerr

import "errors"

var (
	// ErrInvalidArgument is returned when a pin, channel or value is out of
	// range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotInitialized is returned when an operation is called before the
	// resource it needs was set up.
	ErrNotInitialized = errors.New("not initialized")
	// ErrUnavailable is returned when a device file can't be opened or
	// mapped, typically because of missing privileges or hardware.
	ErrUnavailable = errors.New("resource unavailable")
	// ErrBusy is returned when a resource is still in use, e.g. a pulse slot
	// that the PRU has not consumed yet.
	ErrBusy = errors.New("busy")
	// ErrTimeout is returned when a bounded wait expired.
	ErrTimeout = errors.New("timeout")
	// ErrUnsupported is returned for operations the hardware can't do.
	ErrUnsupported = errors.New("unsupported")
	// ErrExists is returned when a file that must not exist is present.
	ErrExists = errors.New("already exists")
	// ErrFault is returned when a memory fault was intercepted.
	ErrFault = errors.New("memory fault")
)

// E attaches the failing operation to an error kind and an optional cause.
type E struct {
	Op  string
	Err error // one of the sentinels
	Msg string
	// Cause is the underlying OS or driver error, if any.
	Cause error
}

func (e *E) Error() string {
	s := e.Op + ": " + e.Err.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap returns both the kind and the cause so errors.Is matches either.
func (e *E) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// New returns an *E for op of kind err with a message.
func New(op string, err error, msg string) error {
	return &E{Op: op, Err: err, Msg: msg}
}

// Wrap returns an *E for op of kind err caused by cause.
func Wrap(op string, err, cause error) error {
	return &E{Op: op, Err: err, Cause: cause}
}
