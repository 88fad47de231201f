// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mmio gives bounds-checked 32 bit access to memory mapped physical
// registers and RAM.
//
// Every access is validated against the mapped length and must be 4 byte
// aligned; an invalid offset returns an error instead of faulting.
package mmio

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/beaglerc/sitarahost/hwerr"
)

// DevMem is the physical memory device.
const DevMem = "/dev/mem"

// Region is a window of memory accessed one 32 bit word at a time.
//
// Loads and stores are atomic so a coprocessor sharing the memory never sees
// a torn word.
type Region struct {
	base uint64
	mem  []byte

	mu     sync.Mutex
	f      *os.File
	parent *Region
	closed bool
}

// Map maps length bytes of physical memory starting at base through
// /dev/mem.
//
// base must be page aligned. Root privileges are required.
func Map(base uint64, length int) (*Region, error) {
	return MapFile(DevMem, base, length)
}

// MapFile is like Map but maps from the named file.
func MapFile(name string, base uint64, length int) (*Region, error) {
	const op = "mmio.Map"
	if length <= 0 {
		return nil, hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("length must be > 0, got %d", length))
	}
	if base%uint64(os.Getpagesize()) != 0 {
		return nil, hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("base 0x%X is not page aligned", base))
	}
	f, err := os.OpenFile(name, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), int64(base), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, hwerr.Wrap(op, hwerr.ErrUnavailable, fmt.Errorf("%s at 0x%X: %w", name, base, err))
	}
	return &Region{base: base, mem: mem, f: f}, nil
}

// FromBytes returns a Region backed by b. Close is a no-op on it.
//
// The slice must be 4 byte aligned, which is the case for any slice
// returned by make.
func FromBytes(base uint64, b []byte) *Region {
	return &Region{base: base, mem: b}
}

// Base returns the physical address of offset 0.
func (r *Region) Base() uint64 {
	return r.base
}

// Len returns the size of the region in bytes.
func (r *Region) Len() int {
	return len(r.mem)
}

func (r *Region) String() string {
	return fmt.Sprintf("mmio.Region{0x%08X+0x%X}", r.base, len(r.mem))
}

func (r *Region) word(op string, off int) (*uint32, error) {
	if r.isClosed() {
		return nil, hwerr.New(op, hwerr.ErrNotInitialized, "region closed")
	}
	if off < 0 || off > len(r.mem)-4 {
		return nil, hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("offset 0x%X outside %s", off, r))
	}
	if off%4 != 0 {
		return nil, hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("offset 0x%X is not word aligned", off))
	}
	return (*uint32)(unsafe.Pointer(&r.mem[off])), nil
}

// Read32 returns the word at off.
func (r *Region) Read32(off int) (uint32, error) {
	p, err := r.word("mmio.Read32", off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// Write32 stores v at off.
func (r *Region) Write32(off int, v uint32) error {
	p, err := r.word("mmio.Write32", off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}

// Set32 sets the bits of mask in the word at off.
//
// This is a read-modify-write sequence; it is not atomic with respect to
// the hardware.
func (r *Region) Set32(off int, mask uint32) error {
	p, err := r.word("mmio.Set32", off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, atomic.LoadUint32(p)|mask)
	return nil
}

// Clear32 clears the bits of mask in the word at off. See Set32.
func (r *Region) Clear32(off int, mask uint32) error {
	p, err := r.word("mmio.Clear32", off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, atomic.LoadUint32(p)&^mask)
	return nil
}

// Sub returns the window [off, off+length) of r. It shares r's memory and
// becomes unusable once r is closed.
func (r *Region) Sub(off, length int) (*Region, error) {
	if off < 0 || length <= 0 || off > len(r.mem)-length {
		return nil, hwerr.New("mmio.Sub", hwerr.ErrInvalidArgument, fmt.Sprintf("window 0x%X+0x%X outside %s", off, length, r))
	}
	if off%4 != 0 {
		return nil, hwerr.New("mmio.Sub", hwerr.ErrInvalidArgument, fmt.Sprintf("offset 0x%X is not word aligned", off))
	}
	return &Region{base: r.base + uint64(off), mem: r.mem[off : off+length : off+length], parent: r}, nil
}

func (r *Region) isClosed() bool {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return true
	}
	if r.parent != nil {
		return r.parent.isClosed()
	}
	return false
}

// Close unmaps the region. Further accesses return an error. Closing a
// window returned by Sub only disables that window.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.f == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	if err2 := r.f.Close(); err == nil {
		err = err2
	}
	r.f = nil
	return err
}
