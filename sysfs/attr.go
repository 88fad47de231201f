// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sysfs reads and writes kernel pseudo-file attributes, as found in
// /sys and /proc.
package sysfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxAttr bounds attribute reads; sysfs attributes are at most a page.
const maxAttr = 4096

// ReadString returns the content of the attribute at path with trailing
// whitespace and NUL bytes removed.
//
// Device tree properties are NUL terminated, sysfs attributes end with a
// newline; both are trimmed.
func ReadString(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var b [maxAttr]byte
	n, err := f.Read(b[:])
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("sysfs: read %s: %w", path, err)
	}
	return strings.TrimRight(string(b[:n]), "\x00\n\r\t "), nil
}

// WriteString writes s to the attribute at path in a single write, which is
// what sysfs store handlers expect. Like a shell redirection, the file is
// truncated first; sysfs ignores it.
func WriteString(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err = f.WriteString(s); err != nil {
		_ = f.Close()
		return fmt.Errorf("sysfs: write %q to %s: %w", s, path, err)
	}
	return f.Close()
}

// ReadInt reads a pseudo-file that is known to contain an integer and
// returns the parsed number.
func ReadInt(path string) (int, error) {
	s, err := ReadString(path)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, fmt.Errorf("sysfs: %s: invalid value", path)
	}
	return strconv.Atoi(s)
}

// WaitWritable waits up to timeout for path to become writable.
//
// There's a race condition where a file may be created but udev is still
// running the rule that makes it accessible to the current user. Errors
// other than permission errors are returned immediately.
func WaitWritable(path string, timeout time.Duration) error {
	for start := time.Now(); ; {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err == nil {
			return f.Close()
		}
		if !errors.Is(err, os.ErrPermission) || time.Since(start) >= timeout {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}
