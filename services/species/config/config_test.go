// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/speciesrax/pkg/logging"
	"github.com/AleutianAI/speciesrax/services/species/rates"
	"github.com/AleutianAI/speciesrax/services/species/search"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, search.DefaultConfig().SPRRadius, cfg.SearchConfig().SPRRadius)
	assert.Equal(t, "hybrid", cfg.Run.Strategy)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeFile(t, "run.yaml", `
run:
  strategy: spr
  workers: 4
  seed: 42
model:
  name: undated-dtl
  transfer_constraint: reldated
  starting_rates: [0.1, 0.1, 0.05]
search:
  spr_radius: 5
  bootstrap_replicates: 10
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "spr", cfg.Run.Strategy)
	assert.Equal(t, 4, cfg.Run.Workers)
	assert.Equal(t, 5, cfg.Search.SPRRadius)
	// untouched fields keep their defaults
	assert.Equal(t, Default().Search.RootBigRadius, cfg.Search.RootBigRadius)

	info, err := cfg.ModelInfo()
	require.NoError(t, err)
	assert.Equal(t, rates.UndatedDTL, info.Model)
	assert.Equal(t, rates.TransferRelDated, info.TransferConstraint)

	sc := cfg.SearchConfig()
	assert.Equal(t, uint64(42), sc.Seed)
	assert.Equal(t, 10, sc.BootstrapReplicates)
	assert.Equal(t, logging.LevelDebug, cfg.LoggingConfig().Level)
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeFile(t, "run.json", `{"run": {"strategy": "reroot", "workers": 2, "output_dir": "out"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "reroot", cfg.Run.Strategy)
	assert.Equal(t, "out", cfg.Run.OutputDir)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "run.yaml", "run:\n  strategy: spr\n  workers: 4\n")
	t.Setenv("SPECIESRAX_STRATEGY", "transfer")
	t.Setenv("SPECIESRAX_WORKERS", "8")
	t.Setenv("SPECIESRAX_SEED", "7")
	t.Setenv("SPECIESRAX_RATES_PER_MOVE", "false")
	t.Setenv("SPECIESRAX_MIN_IMPROVEMENT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "transfer", cfg.Run.Strategy)
	assert.Equal(t, 8, cfg.Run.Workers)
	assert.Equal(t, uint64(7), cfg.Run.Seed)
	assert.False(t, cfg.Search.RatesPerMove)
	assert.Equal(t, Default().Search.MinImprovement, cfg.Search.MinImprovement)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "run: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "invalid.yaml", "run:\n  workers: 0\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Run.Strategy = "nni" }},
		{"unknown model", func(c *Config) { c.Model.Name = "coalescent" }},
		{"rate count", func(c *Config) { c.Model.StartingRates = []float64{0.1} }},
		{"negative rate", func(c *Config) { c.Model.StartingRates = []float64{0.1, -1} }},
		{"constraint without transfers", func(c *Config) { c.Model.TransferConstraint = "parents" }},
		{"root radii", func(c *Config) { c.Search.RootBigRadius = 1 }},
		{"support range", func(c *Config) { c.Search.BootstrapMinSupport = 1.5 }},
		{"tracing without exporter", func(c *Config) { c.Telemetry.Tracing = true }},
		{"metrics addr", func(c *Config) { c.Run.MetricsAddr = "nowhere" }},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	ok := Default()
	ok.Run.MetricsAddr = "localhost:9090"
	ok.Model.Name = "undated-dtl"
	ok.Model.TransferConstraint = "parents"
	assert.NoError(t, ok.Validate())
}

func TestRateSettings(t *testing.T) {
	cfg := Default()
	cfg.Optimizer.Strategy = "simplex"
	cfg.Optimizer.UpperRate = 5

	s, err := cfg.RateSettings()
	require.NoError(t, err)
	assert.Equal(t, rates.Simplex, s.Strategy)
	assert.Equal(t, 5.0, s.Upper)
}

func TestTelemetryConfig(t *testing.T) {
	cfg := Default()
	tc := cfg.TelemetryConfig("run-9")
	assert.Equal(t, "run-9", tc.RunID)
	assert.Equal(t, "none", tc.TraceExporter)
	assert.Equal(t, "prometheus", tc.MetricExporter)

	cfg.Telemetry.Metrics = false
	cfg.Telemetry.Tracing = true
	cfg.Telemetry.TraceExporter = "stdout"
	tc = cfg.TelemetryConfig("run-9")
	assert.Equal(t, "stdout", tc.TraceExporter)
	assert.Equal(t, "none", tc.MetricExporter)
}
