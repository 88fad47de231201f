// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package gpioioctl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd, req uintptr, arg unsafe.Pointer) error {
	_, _, ep := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if ep != 0 {
		return ep
	}
	return nil
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
