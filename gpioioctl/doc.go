// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.
//
// Package gpioioctl provides access to Linux GPIO lines using the ioctl interface.
//
// https://docs.kernel.org/userspace-api/gpio/index.html
//
// GPIO Pins can be accessed via periph.io/x/conn/v3/gpio/gpioreg,
// by Sitara GPIO number with LineByNumber(), or using the Chips collection
// to access the specific GPIO chip and using it's ByName()/ByNumber methods.
//
// On the AM335x each of the four GPIO banks is its own gpiochip, so GPIO n
// is line n%32 of /dev/gpiochip{n/32}.
//
// A line configured with In() and an edge reports events through
// WaitForEvent(), which tells rising from falling edges and returns
// gpio.NoEdge when the timeout expires or Halt() is called.
package gpioioctl
