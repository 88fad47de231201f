// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/beaglerc/sitarahost/hwerr"
)

// DefaultPIDFile is shared by every robot control program so that starting
// one stops the previous.
const DefaultPIDFile = "/run/shm/robotcontrol.pid"

// MinKillTimeout is the smallest timeout accepted by KillExisting.
const MinKillTimeout = 100 * time.Millisecond

const killPoll = 100 * time.Millisecond

// KillResult tells what KillExisting found.
type KillResult int

const (
	// NotRunning means no other instance was running.
	NotRunning KillResult = iota
	// Stopped means the other instance exited on SIGINT.
	Stopped
	// Killed means the other instance ignored SIGINT and was killed.
	Killed
)

func (k KillResult) String() string {
	switch k {
	case NotRunning:
		return "NotRunning"
	case Stopped:
		return "Stopped"
	case Killed:
		return "Killed"
	}
	return fmt.Sprintf("KillResult(%d)", int(k))
}

// PIDFile returns the path of the PID file.
func (l *Lifecycle) PIDFile() string {
	return l.pidFile
}

// MakePIDFile writes the PID of this process to the PID file. It fails with
// hwerr.ErrExists if the file is already there; call KillExisting first.
func (l *Lifecycle) MakePIDFile() error {
	const op = "lifecycle.MakePIDFile"
	f, err := os.OpenFile(l.pidFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o777)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return hwerr.New(op, hwerr.ErrExists, l.pidFile)
		}
		return hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		_ = os.Remove(l.pidFile)
		return hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	// Open() is subject to the umask; any user may clean the file up.
	if err := os.Chmod(l.pidFile, 0o777); err != nil {
		return hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	return nil
}

// RemovePIDFile deletes the PID file. A missing file is not an error.
func (l *Lifecycle) RemovePIDFile() error {
	if err := os.Remove(l.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return hwerr.Wrap("lifecycle.RemovePIDFile", hwerr.ErrUnavailable, err)
	}
	return nil
}

// KillExisting stops the process named in the PID file, if any.
//
// The process is sent SIGINT and given timeout to exit, then SIGKILL and
// timeout again. The PID file is removed unless it names this process.
// timeout must be at least MinKillTimeout.
func (l *Lifecycle) KillExisting(timeout time.Duration) (KillResult, error) {
	const op = "lifecycle.KillExisting"
	if timeout < MinKillTimeout {
		return NotRunning, hwerr.New(op, hwerr.ErrInvalidArgument, fmt.Sprintf("timeout must be >= %s, got %s", MinKillTimeout, timeout))
	}
	b, err := os.ReadFile(l.pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NotRunning, nil
		}
		_ = os.Remove(l.pidFile)
		return NotRunning, hwerr.Wrap(op, hwerr.ErrUnavailable, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		l.log.WithField("content", string(b)).Warn("invalid contents in PID file")
		_ = os.Remove(l.pidFile)
		return NotRunning, hwerr.New(op, hwerr.ErrUnavailable, fmt.Sprintf("%s doesn't contain a PID", l.pidFile))
	}
	if pid == os.Getpid() {
		return NotRunning, nil
	}
	if !alive(pid) {
		_ = os.Remove(l.pidFile)
		return NotRunning, nil
	}

	log := l.log.WithField("pid", pid)
	log.Info("stopping existing process")
	if waitExit(pid, unix.SIGINT, timeout) {
		_ = os.Remove(l.pidFile)
		return Stopped, nil
	}
	log.Warn("existing process ignored SIGINT, killing it")
	if waitExit(pid, unix.SIGKILL, timeout) {
		_ = os.Remove(l.pidFile)
		return Killed, nil
	}
	_ = os.Remove(l.pidFile)
	return NotRunning, hwerr.New(op, hwerr.ErrTimeout, fmt.Sprintf("process %d still running", pid))
}

// alive reports whether the process exists.
func alive(pid int) bool {
	_, err := unix.Getpgid(pid)
	return err == nil
}

// waitExit sends sig to pid and polls until it is gone or timeout elapsed.
func waitExit(pid int, sig unix.Signal, timeout time.Duration) bool {
	_ = unix.Kill(pid, sig)
	for i := 0; i <= int(timeout/killPoll); i++ {
		if !alive(pid) {
			return true
		}
		time.Sleep(killPoll)
	}
	return false
}
