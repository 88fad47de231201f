// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dsm

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/beaglerc/sitarahost/hwerr"
)

// DefaultUART is UART4, wired to the DSM connector of the Blue and the
// Robotics Cape.
const DefaultUART = "/dev/ttyS4"

// readTimeout is VTIME in tenths of a second; reads return empty after it so
// Close is noticed.
const readTimeout = 1

// OpenUART opens path as a raw 8N1 serial port at baud with pending input
// discarded.
func OpenUART(path string, baud uint32) (*os.File, error) {
	const op = "dsm.OpenUART"
	f, err := os.OpenFile(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0o600)
	if err != nil {
		return nil, hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	if err := configureUART(int(f.Fd()), baud); err != nil {
		_ = f.Close()
		return nil, hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	return f, nil
}

func configureUART(fd int, baud uint32) error {
	t := &unix.Termios{}
	t.Cflag = unix.CS8 | unix.CLOCAL | unix.CREAD | unix.BOTHER
	t.Ispeed = baud
	t.Ospeed = baud
	t.Cc[unix.VTIME] = readTimeout
	t.Cc[unix.VMIN] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS2, t); err != nil {
		return err
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return err
	}
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)
}
