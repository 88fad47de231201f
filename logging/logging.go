// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package logging builds the logrus loggers used by the Sitara host drivers.
package logging

import (
	"sync"

	prefixed "github.com/BertoldVdb/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
)

var (
	mu  sync.Mutex
	def *logrus.Logger
)

// New returns a logger at level using the prefixed text formatter.
func New(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	f := new(prefixed.TextFormatter)
	f.TimestampFormat = "2006-01-02 15:04:05"
	f.FullTimestamp = true
	logger.SetFormatter(f)
	return logger
}

// Default returns the process wide logger, created at info level on first
// use.
func Default() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	if def == nil {
		def = New(logrus.InfoLevel)
	}
	return def
}

// SetDefault replaces the process wide logger.
func SetDefault(l *logrus.Logger) {
	mu.Lock()
	def = l
	mu.Unlock()
}

// For returns l scoped to pkg, falling back to Default() when l is nil.
//
// The "prefix" field is rendered by the prefixed formatter in front of the
// message.
func For(l logrus.FieldLogger, pkg string) logrus.FieldLogger {
	if l == nil {
		l = Default()
	}
	return l.WithField("prefix", pkg)
}

// ParseLevel is logrus.ParseLevel with an empty string meaning info.
func ParseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(s)
}
