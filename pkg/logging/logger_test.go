// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, strings.ToLower(tt.in), got.String())
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
	assert.Equal(t, "level(9)", Level(9).String())
}

func TestNew_NonTerminalGetsJSON(t *testing.T) {
	var out bytes.Buffer
	logger, err := New(Config{Service: "speciesrax", Output: &out})
	require.NoError(t, err)

	logger.Slog().Info("round finished", "ll", -12.5)

	var record map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &record))
	assert.Equal(t, "round finished", record["msg"])
	assert.Equal(t, "speciesrax", record["service"])
	assert.Equal(t, -12.5, record["ll"])
}

func TestNew_TextFormatAndLevel(t *testing.T) {
	var out bytes.Buffer
	logger, err := New(Config{Level: LevelWarn, Format: FormatText, Output: &out})
	require.NoError(t, err)

	logger.Slog().Info("hidden")
	logger.Slog().Warn("shown", "move", "spr")

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "level=WARN msg=shown move=spr")
}

func TestNew_LogFile(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	logger, err := New(Config{LogDir: dir, Service: "search", Format: FormatText, Output: &out})
	require.NoError(t, err)

	logger.Slog().Info("checkpoint saved")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	name := "search_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"checkpoint saved"`)
	assert.Contains(t, out.String(), "checkpoint saved")
}

func TestNew_BadLogDirFallsBackToConsole(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	var out bytes.Buffer

	logger, err := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &out})

	assert.Error(t, err)
	require.NotNil(t, logger)
	logger.Slog().Info("still here")
	assert.Contains(t, out.String(), "still here")
}

func TestNew_Quiet(t *testing.T) {
	var out bytes.Buffer
	logger, err := New(Config{Quiet: true, Output: &out})
	require.NoError(t, err)

	logger.Slog().Error("nothing")

	assert.Empty(t, out.String())
}

func TestForWorker(t *testing.T) {
	var out bytes.Buffer
	logger, err := New(Config{Format: FormatText, Output: &out})
	require.NoError(t, err)

	logger.ForWorker(0).Info("lead")
	logger.ForWorker(2).Info("follower info")
	logger.ForWorker(2).Warn("follower warn")

	text := out.String()
	assert.Contains(t, text, "msg=lead rank=0")
	assert.NotContains(t, text, "follower info")
	assert.Contains(t, text, "msg=\"follower warn\" rank=2")
}
