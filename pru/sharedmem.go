// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pru

import (
	"sync"

	"github.com/beaglerc/sitarahost/hwerr"
	"github.com/beaglerc/sitarahost/mmio"
)

// AM335x PRU-ICSS memory map, TRM section 4.3.
const (
	Address = 0x4A300000
	Size    = 0x80000

	SharedRAMOffset = 0x10000
	SharedRAMSize   = 12 * 1024
)

var (
	shmMu  sync.Mutex
	shm    *mmio.Region
	mapMem = mmio.Map
)

// MapSharedMemory maps the PRU-ICSS through /dev/mem and returns the 12 KiB
// shared RAM window.
//
// The mapping is done once per process; later calls return the same region.
func MapSharedMemory() (*mmio.Region, error) {
	shmMu.Lock()
	defer shmMu.Unlock()
	if shm != nil {
		return shm, nil
	}
	r, err := mapMem(Address, Size)
	if err != nil {
		return nil, hwerr.Wrap("pru.MapSharedMemory", hwerr.ErrUnavailable, err)
	}
	s, err := r.Sub(SharedRAMOffset, SharedRAMSize)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	shm = s
	return shm, nil
}
