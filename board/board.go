// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package board identifies the BeagleBone variant the program runs on.
package board

import (
	"sync"

	"github.com/beaglerc/sitarahost/logging"
	"github.com/beaglerc/sitarahost/sysfs"
)

// DTModelPath holds the board name from the device tree.
const DTModelPath = "/proc/device-tree/model"

// Model is a BeagleBone variant.
type Model int

// Known models.
const (
	Unknown Model = iota
	Black
	// BlackRC is a Black with a Robotics Cape.
	BlackRC
	BlackWireless
	BlackWirelessRC
	Green
	GreenWireless
	Blue
)

var models = map[string]Model{
	"TI AM335x BeagleBone Black":                       Black,
	"TI AM335x BeagleBone Black RoboticsCape":          BlackRC,
	"TI AM335x BeagleBone Blue":                        Blue,
	"TI AM335x BeagleBone Black Wireless":              BlackWireless,
	"TI AM335x BeagleBone Black Wireless RoboticsCape": BlackWirelessRC,
	"TI AM335x BeagleBone Green":                       Green,
	"TI AM335x BeagleBone Green Wireless":              GreenWireless,
}

func (m Model) String() string {
	switch m {
	case Black:
		return "BB_BLACK"
	case BlackRC:
		return "BB_BLACK_RC"
	case BlackWireless:
		return "BB_BLACK_W"
	case BlackWirelessRC:
		return "BB_BLACK_W_RC"
	case Green:
		return "BB_GREEN"
	case GreenWireless:
		return "BB_GREEN_W"
	case Blue:
		return "BB_BLUE"
	}
	return "UNKNOWN_MODEL"
}

// IsBlue reports whether the board is a BeagleBone Blue, which routes some
// peripherals differently from a Black with a Robotics Cape.
func (m Model) IsBlue() bool {
	return m == Blue
}

// HasRoboticsIO reports whether the board has the buttons, servo outputs and
// power rails of the Robotics Cape, either on board or through the cape.
func (m Model) HasRoboticsIO() bool {
	return m == Blue || m == BlackRC || m == BlackWirelessRC
}

// Detect returns the model of the running board. The device tree is read
// once per process.
func Detect() Model {
	detectOnce.Do(func() {
		detected = DetectFrom(DTModelPath)
	})
	return detected
}

// DetectFrom returns the model named in the device tree model file at path.
func DetectFrom(path string) Model {
	s, err := sysfs.ReadString(path)
	if err != nil {
		logging.For(nil, "board").WithError(err).Warn("can't read board model")
		return Unknown
	}
	if m, ok := models[s]; ok {
		return m
	}
	return Unknown
}

var (
	detectOnce sync.Once
	detected   Model
)
