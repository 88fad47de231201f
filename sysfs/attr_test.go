// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sysfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestReadString(t *testing.T) {
	p := writeFile(t, "model", "TI AM335x BeagleBone Blue\x00")
	s, err := ReadString(p)
	require.NoError(t, err)
	assert.Equal(t, "TI AM335x BeagleBone Blue", s)

	p = writeFile(t, "state", "running\n")
	s, err = ReadString(p)
	require.NoError(t, err)
	assert.Equal(t, "running", s)

	_, err = ReadString(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteString(t *testing.T) {
	p := writeFile(t, "firmware", "old-firmware-name")
	require.NoError(t, WriteString(p, "fw"))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "fw", string(b))

	assert.Error(t, WriteString(filepath.Join(t.TempDir(), "missing"), "x"))
}

func TestReadInt(t *testing.T) {
	v, err := ReadInt(writeFile(t, "size", "12288\n"))
	require.NoError(t, err)
	assert.Equal(t, 12288, v)

	_, err = ReadInt(writeFile(t, "empty", ""))
	assert.Error(t, err)
	_, err = ReadInt(writeFile(t, "bad", "abc\n"))
	assert.Error(t, err)
}

func TestWaitWritable(t *testing.T) {
	p := writeFile(t, "rpmsg", "")
	assert.NoError(t, WaitWritable(p, time.Millisecond))

	err := WaitWritable(filepath.Join(t.TempDir(), "missing"), time.Second)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
