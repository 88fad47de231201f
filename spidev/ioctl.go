// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package spidev

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// From linux/spi/spidev.h.
const (
	_SPI_IOC_WR_MODE          = 0x40016b01
	_SPI_IOC_WR_BITS_PER_WORD = 0x40016b03
	_SPI_IOC_WR_MAX_SPEED_HZ  = 0x40046b04

	_SPI_IOC_MESSAGE_BASE = 0x40006b00
)

// spiIOCTransfer is struct spi_ioc_transfer.
type spiIOCTransfer struct {
	txBuf          uint64
	rxBuf          uint64
	length         uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNBits        uint8
	rxNBits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

// spiIOCMessage is SPI_IOC_MESSAGE(n).
func spiIOCMessage(n int) uintptr {
	return uintptr(_SPI_IOC_MESSAGE_BASE + uint32(n)*uint32(unsafe.Sizeof(spiIOCTransfer{}))<<16)
}

var ioctl = func(fd, req uintptr, arg unsafe.Pointer) error {
	if _, _, ep := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg)); ep != 0 {
		return ep
	}
	return nil
}
