// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package lifecycle

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/beaglerc/sitarahost/hwerr"
)

func newTestLifecycle(t *testing.T) *Lifecycle {
	return New(Opts{PIDFile: filepath.Join(t.TempDir(), "robotcontrol.pid")})
}

func TestState(t *testing.T) {
	l := newTestLifecycle(t)
	assert.Equal(t, Uninitialized, l.State())
	l.SetState(Running)
	assert.Equal(t, Running, l.State())
	assert.Equal(t, "RUNNING", l.State().String())
	assert.Equal(t, "PAUSED", Paused.String())
	assert.Equal(t, "State(9)", State(9).String())

	select {
	case <-l.Exiting():
		t.Fatal("exiting too early")
	default:
	}
	l.SetState(Exiting)
	l.SetState(Exiting)
	<-l.Exiting()
	assert.Equal(t, DefaultPIDFile, New(Opts{}).PIDFile())
}

func TestPIDFile(t *testing.T) {
	l := newTestLifecycle(t)
	require.NoError(t, l.MakePIDFile())
	b, err := os.ReadFile(l.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(b))
	fi, err := os.Stat(l.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o777), fi.Mode().Perm())

	assert.ErrorIs(t, l.MakePIDFile(), hwerr.ErrExists)

	// Our own PID is left alone.
	res, err := l.KillExisting(MinKillTimeout)
	require.NoError(t, err)
	assert.Equal(t, NotRunning, res)
	assert.FileExists(t, l.PIDFile())

	require.NoError(t, l.RemovePIDFile())
	assert.NoFileExists(t, l.PIDFile())
	require.NoError(t, l.RemovePIDFile())
}

func TestKillExistingNoFile(t *testing.T) {
	l := newTestLifecycle(t)
	res, err := l.KillExisting(MinKillTimeout)
	require.NoError(t, err)
	assert.Equal(t, NotRunning, res)

	_, err = l.KillExisting(50 * time.Millisecond)
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
}

func TestKillExistingBadFile(t *testing.T) {
	for _, content := range []string{"", "0", "garbage"} {
		l := newTestLifecycle(t)
		require.NoError(t, os.WriteFile(l.PIDFile(), []byte(content), 0o644))
		_, err := l.KillExisting(MinKillTimeout)
		assert.ErrorIs(t, err, hwerr.ErrUnavailable, "%q", content)
		assert.NoFileExists(t, l.PIDFile())
	}
}

func TestKillExistingStale(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skip(err)
	}
	l := newTestLifecycle(t)
	// The process has been reaped.
	require.NoError(t, os.WriteFile(l.PIDFile(), []byte(strconv.Itoa(cmd.Process.Pid)), 0o644))
	res, err := l.KillExisting(MinKillTimeout)
	require.NoError(t, err)
	assert.Equal(t, NotRunning, res)
	assert.NoFileExists(t, l.PIDFile())
}

// startProcess starts name and reaps it in the background so it disappears
// from the process table as soon as it exits.
func startProcess(t *testing.T, name string, args ...string) int {
	if _, err := exec.LookPath(name); err != nil {
		t.Skip(err)
	}
	cmd := exec.Command(name, args...)
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return cmd.Process.Pid
}

func TestKillExistingStopped(t *testing.T) {
	pid := startProcess(t, "sleep", "30")
	l := newTestLifecycle(t)
	require.NoError(t, os.WriteFile(l.PIDFile(), []byte(strconv.Itoa(pid)+"\n"), 0o644))
	res, err := l.KillExisting(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, Stopped, res)
	assert.NoFileExists(t, l.PIDFile())
}

func TestKillExistingKilled(t *testing.T) {
	// Ignored signals stay ignored across exec.
	pid := startProcess(t, "sh", "-c", `trap "" INT; exec sleep 30`)
	// Give sh time to install the trap.
	time.Sleep(200 * time.Millisecond)
	l := newTestLifecycle(t)
	require.NoError(t, os.WriteFile(l.PIDFile(), []byte(strconv.Itoa(pid)), 0o644))
	res, err := l.KillExisting(300 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Killed, res)
	assert.NoFileExists(t, l.PIDFile())
}

func TestSignalHandler(t *testing.T) {
	l := newTestLifecycle(t)
	l.EnableSignalHandler()
	l.EnableSignalHandler()
	defer l.DisableSignalHandler()
	l.SetState(Running)

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGHUP))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Running, l.State())

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGTERM))
	select {
	case <-l.Exiting():
	case <-time.After(time.Second):
		t.Fatal("SIGTERM didn't set Exiting")
	}
	assert.Equal(t, Exiting, l.State())

	l.DisableSignalHandler()
	l.DisableSignalHandler()
}

func TestGuardFault(t *testing.T) {
	// Reading a mapping past the end of its file raises SIGBUS.
	f, err := os.Create(filepath.Join(t.TempDir(), "regs"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(int64(os.Getpagesize())))
	mem, err := unix.Mmap(int(f.Fd()), 0, os.Getpagesize(), unix.PROT_READ, unix.MAP_SHARED)
	require.NoError(t, err)
	defer unix.Munmap(mem)
	require.NoError(t, f.Truncate(0))

	l := newTestLifecycle(t)
	l.SetState(Running)
	var b byte
	err = l.Guard(func() { b = mem[0] })
	assert.ErrorIs(t, err, hwerr.ErrFault)
	assert.Zero(t, b)
	assert.Equal(t, Exiting, l.State())
}

func TestGuard(t *testing.T) {
	l := newTestLifecycle(t)
	ran := false
	require.NoError(t, l.Guard(func() { ran = true }))
	assert.True(t, ran)
	assert.Equal(t, Uninitialized, l.State())

	assert.PanicsWithValue(t, "boom", func() { _ = l.Guard(func() { panic("boom") }) })
	var p *int
	assert.Panics(t, func() { _ = l.Guard(func() { _ = *p }) })
	assert.Equal(t, Uninitialized, l.State())
}

func TestKillResult(t *testing.T) {
	assert.Equal(t, "Stopped", Stopped.String())
	assert.Equal(t, "Killed", Killed.String())
	assert.Equal(t, "KillResult(5)", KillResult(5).String())
}
