// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package am335x drives the Texas Instruments AM335x (Sitara) GPIO banks
// through their memory mapped registers.
//
// This is an order of magnitude faster than the GPIO character device but
// needs root and bypasses the kernel's pin ownership. Use gpioioctl for edge
// detection and for anything shared with other processes.
//
// # Datasheet
//
// https://www.ti.com/lit/ug/spruh73q/spruh73q.pdf
package am335x
