// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package logger_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/featurebasedb/persist/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardLoggerVerbosity(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewStandardLogger(&buf)
	log.Debugf("hidden %d", 1)
	log.Infof("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INFO:  shown 2")

	buf.Reset()
	logger.NewLogger(&buf, true).Debugf("now %s", "visible")
	assert.Contains(t, buf.String(), "DEBUG: now visible")
}

func TestStandardLoggerPrefix(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewStandardLogger(&buf).WithPrefix("[rowstore] ")
	log.Warnf("evicted %d", 3)
	assert.Contains(t, buf.String(), "[rowstore] WARN:  evicted 3")
}

func TestBufferLogger(t *testing.T) {
	log := logger.NewBufferLogger()
	log.Infof("one")
	log.WithPrefix("ctx: ").Errorf("two")

	lines := strings.Split(strings.TrimSpace(log.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "INFO:  one", lines[0])
	assert.Equal(t, "ctx: ERROR: two", lines[1])
}

func TestFileWriterReopen(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "persist.log")

	w, err := logger.NewFileWriter(name)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("first\n"))
	require.NoError(t, err)

	require.NoError(t, os.Rename(name, name+".1"))
	require.NoError(t, w.Reopen())

	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)

	rotated, err := os.ReadFile(name + ".1")
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(rotated))

	current, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(current))
}
