package gpioioctl

// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Kernel GPIO v2 ioctl ABI.
//
// https://docs.kernel.org/userspace-api/gpio/index.html

import (
	"unsafe"
)

// From the linux /usr/include/asm-generic/ioctl.h file.
const (
	_IOC_WRITE = 1
	_IOC_READ  = 2

	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = 8
	_IOC_SIZESHIFT = 16
	_IOC_DIRSHIFT  = 30

	gpioMagic = 0xb4
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<_IOC_DIRSHIFT | gpioMagic<<_IOC_TYPESHIFT | nr<<_IOC_NRSHIFT | size<<_IOC_SIZESHIFT
}

// From the /usr/include/linux/gpio.h header file.
const (
	_GPIO_MAX_NAME_SIZE         = 32
	_GPIO_V2_LINE_NUM_ATTRS_MAX = 10
	_GPIO_V2_LINES_MAX          = 64

	_GPIO_V2_LINE_FLAG_INPUT          uint64 = 1 << 2
	_GPIO_V2_LINE_FLAG_OUTPUT         uint64 = 1 << 3
	_GPIO_V2_LINE_FLAG_EDGE_RISING    uint64 = 1 << 4
	_GPIO_V2_LINE_FLAG_EDGE_FALLING   uint64 = 1 << 5
	_GPIO_V2_LINE_FLAG_BIAS_PULL_UP   uint64 = 1 << 8
	_GPIO_V2_LINE_FLAG_BIAS_PULL_DOWN uint64 = 1 << 9
	_GPIO_V2_LINE_FLAG_BIAS_DISABLED  uint64 = 1 << 10

	_GPIO_V2_LINE_EVENT_RISING_EDGE  uint32 = 1
	_GPIO_V2_LINE_EVENT_FALLING_EDGE uint32 = 2
)

type gpiochip_info struct {
	name  [_GPIO_MAX_NAME_SIZE]byte
	label [_GPIO_MAX_NAME_SIZE]byte
	lines uint32
}

type gpio_v2_line_attribute struct {
	id      uint32
	padding uint32
	// value is a union whose interpretation depends on id.
	value uint64
}

type gpio_v2_line_config_attribute struct {
	attr gpio_v2_line_attribute
	mask uint64
}

type gpio_v2_line_config struct {
	flags     uint64
	num_attrs uint32
	padding   [5]uint32
	attrs     [_GPIO_V2_LINE_NUM_ATTRS_MAX]gpio_v2_line_config_attribute
}

type gpio_v2_line_request struct {
	offsets           [_GPIO_V2_LINES_MAX]uint32
	consumer          [_GPIO_MAX_NAME_SIZE]byte
	config            gpio_v2_line_config
	num_lines         uint32
	event_buffer_size uint32
	padding           [5]uint32
	fd                int32
}

type gpio_v2_line_values struct {
	bits uint64
	mask uint64
}

type gpio_v2_line_info struct {
	name      [_GPIO_MAX_NAME_SIZE]byte
	consumer  [_GPIO_MAX_NAME_SIZE]byte
	offset    uint32
	num_attrs uint32
	flags     uint64
	attrs     [_GPIO_V2_LINE_NUM_ATTRS_MAX]gpio_v2_line_attribute
	padding   [4]uint32
}

// gpio_v2_line_event is read from the line request fd. Fields are exported
// for encoding/binary.
type gpio_v2_line_event struct {
	Timestamp_ns uint64
	Id           uint32
	Offset       uint32
	Seqno        uint32
	LineSeqno    uint32
	Padding      [6]uint32
}

var (
	reqChipInfo   = ioc(_IOC_READ, 0x01, unsafe.Sizeof(gpiochip_info{}))
	reqLineInfo   = ioc(_IOC_READ|_IOC_WRITE, 0x05, unsafe.Sizeof(gpio_v2_line_info{}))
	reqLine       = ioc(_IOC_READ|_IOC_WRITE, 0x07, unsafe.Sizeof(gpio_v2_line_request{}))
	reqLineConfig = ioc(_IOC_READ|_IOC_WRITE, 0x0d, unsafe.Sizeof(gpio_v2_line_config{}))
	reqGetValues  = ioc(_IOC_READ|_IOC_WRITE, 0x0e, unsafe.Sizeof(gpio_v2_line_values{}))
	reqSetValues  = ioc(_IOC_READ|_IOC_WRITE, 0x0f, unsafe.Sizeof(gpio_v2_line_values{}))
)

func ioctl_gpiochip_info(fd uintptr, data *gpiochip_info) error {
	return ioctl(fd, reqChipInfo, unsafe.Pointer(data))
}

func ioctl_gpio_v2_line_info(fd uintptr, data *gpio_v2_line_info) error {
	return ioctl(fd, reqLineInfo, unsafe.Pointer(data))
}

func ioctl_gpio_v2_line_request(fd uintptr, data *gpio_v2_line_request) error {
	return ioctl(fd, reqLine, unsafe.Pointer(data))
}

func ioctl_gpio_v2_line_config(fd uintptr, data *gpio_v2_line_config) error {
	return ioctl(fd, reqLineConfig, unsafe.Pointer(data))
}

func ioctl_get_gpio_v2_line_values(fd uintptr, data *gpio_v2_line_values) error {
	return ioctl(fd, reqGetValues, unsafe.Pointer(data))
}

func ioctl_set_gpio_v2_line_values(fd uintptr, data *gpio_v2_line_values) error {
	return ioctl(fd, reqSetValues, unsafe.Pointer(data))
}
