// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"testing"

	prefixed "github.com/BertoldVdb/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForAddsPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	For(l, "button").Info("hello")
	assert.Contains(t, buf.String(), `"prefix":"button"`)
}

func TestDefaultIsShared(t *testing.T) {
	a := Default()
	assert.Same(t, a, Default())
	l := New(logrus.DebugLevel)
	SetDefault(l)
	defer SetDefault(a)
	assert.Same(t, l, Default())
	assert.Equal(t, logrus.DebugLevel, Default().GetLevel())
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, lvl)
	lvl, err = ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, lvl)
	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewFormatter(t *testing.T) {
	l := New(logrus.WarnLevel)
	f, ok := l.Formatter.(*prefixed.TextFormatter)
	require.True(t, ok)
	assert.True(t, f.FullTimestamp)
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())

	var buf bytes.Buffer
	l.SetOutput(&buf)
	For(l, "pru").Warn("core stuck")
	assert.Contains(t, buf.String(), "pru")
	assert.Contains(t, buf.String(), "core stuck")
}
