// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package am335x

import (
	"os"
	"regexp"
	"sort"
	"strconv"
)

// datasheetBases are the GPIO0..GPIO3 module addresses, AM335x TRM table
// 2-3.
var datasheetBases = [NumBanks]uint64{0x44E07000, 0x4804C000, 0x481AC000, 0x481AE000}

const driverDir = "/sys/bus/platform/drivers/omap_gpio"

// deviceName matches the devices bound to the omap_gpio driver, named after
// their register address, e.g. "4804c000.gpio".
var deviceName = regexp.MustCompile(`^([0-9a-f]+)\.gpio$`)

// getBaseAddresses queries the virtual file system to retrieve the base
// address of each GPIO bank.
//
// Defaults to the datasheet addresses if it could not find exactly one
// device per bank. The banks are in increasing address order.
func getBaseAddresses(dir string) [NumBanks]uint64 {
	items, err := os.ReadDir(dir)
	if err != nil {
		return datasheetBases
	}
	var found []uint64
	for _, item := range items {
		if address, ok := extractBaseAddress(item); ok {
			found = append(found, address)
		}
	}
	if len(found) != NumBanks {
		return datasheetBases
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	var bases [NumBanks]uint64
	copy(bases[:], found)
	return bases
}

func extractBaseAddress(item os.DirEntry) (uint64, bool) {
	m := deviceName.FindStringSubmatch(item.Name())
	if m == nil {
		return 0, false
	}
	address, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, false
	}
	return address, true
}
