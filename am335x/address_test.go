// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package am335x

import (
	"os"
	"path"
	"testing"
)

func createDirs(t *testing.T, root string, dirs ...string) string {
	for _, dir := range dirs {
		if err := os.MkdirAll(path.Join(root, dir), os.ModePerm); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func createFiles(t *testing.T, root string, paths ...string) string {
	for _, path_ := range paths {
		if file, err := os.Create(path.Join(root, path_)); err != nil {
			t.Fatal(err)
		} else {
			file.Close()
		}
	}
	return root
}

func createSymLink(t *testing.T, root string, source string, destination string) {
	if err := os.Symlink(path.Join(root, source), path.Join(root, destination)); err != nil {
		t.Fatal(err)
	}
}

func TestGetBaseAddresses_default(t *testing.T) {
	if bases := getBaseAddresses("/dev/null"); bases != datasheetBases {
		t.Errorf("Expected %x received %x", datasheetBases, bases)
	}
}

func TestGetBaseAddresses(t *testing.T) {
	root := t.TempDir()
	createDirs(t,
		root,
		"devices/481ae000.gpio",
		"devices/44e07000.gpio",
		"devices/4804c000.gpio",
		"devices/481ac000.gpio",
		"omap_gpio",
	)
	createFiles(t, root, "omap_gpio/bind", "omap_gpio/uevent", "omap_gpio/unbind")
	// Listed out of order on purpose.
	for _, d := range []string{"481ae000.gpio", "4804c000.gpio", "44e07000.gpio", "481ac000.gpio"} {
		createSymLink(t, root, "devices/"+d, "omap_gpio/"+d)
	}
	want := [NumBanks]uint64{0x44E07000, 0x4804C000, 0x481AC000, 0x481AE000}
	if bases := getBaseAddresses(path.Join(root, "omap_gpio")); bases != want {
		t.Errorf("Expected %x received %x", want, bases)
	}
}

func TestGetBaseAddresses_relocated(t *testing.T) {
	root := t.TempDir()
	createDirs(t, root, "omap_gpio")
	createFiles(t, root, "omap_gpio/1000.gpio", "omap_gpio/2000.gpio", "omap_gpio/3000.gpio", "omap_gpio/4000.gpio")
	want := [NumBanks]uint64{0x1000, 0x2000, 0x3000, 0x4000}
	if bases := getBaseAddresses(path.Join(root, "omap_gpio")); bases != want {
		t.Errorf("Expected %x received %x", want, bases)
	}
}

func TestGetBaseAddresses_partial(t *testing.T) {
	root := t.TempDir()
	createDirs(t, root, "omap_gpio")
	createFiles(t, root, "omap_gpio/44e07000.gpio", "omap_gpio/4804c000.gpio", "omap_gpio/module")
	if bases := getBaseAddresses(path.Join(root, "omap_gpio")); bases != datasheetBases {
		t.Errorf("Expected %x received %x", datasheetBases, bases)
	}
}
