// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads speciesrax run configuration.
//
// Priority is environment > file > defaults. Files may be YAML or JSON.
// Environment variables use the SPECIESRAX_ prefix, e.g.
// SPECIESRAX_STRATEGY=hybrid or SPECIESRAX_WORKERS=8.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/speciesrax/pkg/logging"
	"github.com/AleutianAI/speciesrax/services/species/rates"
	"github.com/AleutianAI/speciesrax/services/species/search"
	"github.com/AleutianAI/speciesrax/services/species/telemetry"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

// Config is the full run configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after Load.
type Config struct {
	Run       RunConfig       `json:"run" yaml:"run"`
	Model     ModelConfig     `json:"model" yaml:"model"`
	Optimizer OptimizerConfig `json:"optimizer" yaml:"optimizer"`
	Search    SearchConfig    `json:"search" yaml:"search"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// RunConfig holds the process-level settings.
type RunConfig struct {
	Strategy      string `json:"strategy" yaml:"strategy" validate:"oneof=spr transfer hybrid reroot evaluate"`
	Workers       int    `json:"workers" yaml:"workers" validate:"gte=1,lte=1024"`
	Seed          uint64 `json:"seed" yaml:"seed"`
	OutputDir     string `json:"output_dir" yaml:"output_dir" validate:"required"`
	CheckpointDir string `json:"checkpoint_dir" yaml:"checkpoint_dir"`
	MetricsAddr   string `json:"metrics_addr" yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// ModelConfig selects the reconciliation model.
type ModelConfig struct {
	Name               string    `json:"name" yaml:"name" validate:"oneof=simple-ds undated-dl undated-dtl parsimony-d"`
	PerFamilyRates     bool      `json:"per_family_rates" yaml:"per_family_rates"`
	PruneSpeciesTree   bool      `json:"prune_species_tree" yaml:"prune_species_tree"`
	TransferConstraint string    `json:"transfer_constraint" yaml:"transfer_constraint" validate:"oneof=none parents reldated"`
	StartingRates      []float64 `json:"starting_rates" yaml:"starting_rates" validate:"max=3,dive,gt=0"`
}

// OptimizerConfig tunes rate optimization.
type OptimizerConfig struct {
	Strategy       string  `json:"strategy" yaml:"strategy" validate:"oneof=gradient lbfgsb simplex none"`
	MaxIterations  int     `json:"max_iterations" yaml:"max_iterations" validate:"gte=1"`
	MinImprovement float64 `json:"min_improvement" yaml:"min_improvement" validate:"gt=0"`
	UpperRate      float64 `json:"upper_rate" yaml:"upper_rate" validate:"gt=0"`
	Individual     bool    `json:"individual" yaml:"individual"`
}

// SearchConfig mirrors search.Config in file form.
type SearchConfig struct {
	SPRRadius               int     `json:"spr_radius" yaml:"spr_radius" validate:"gte=1"`
	VeryLocalRadius         int     `json:"very_local_radius" yaml:"very_local_radius" validate:"gte=1"`
	VeryLocalMaxTrials      int     `json:"very_local_max_trials" yaml:"very_local_max_trials" validate:"gte=0"`
	RootSmallRadius         int     `json:"root_small_radius" yaml:"root_small_radius" validate:"gte=0"`
	RootBigRadius           int     `json:"root_big_radius" yaml:"root_big_radius" validate:"gte=0"`
	RootDepthBonus          int     `json:"root_depth_bonus" yaml:"root_depth_bonus" validate:"gte=0"`
	MinImprovement          float64 `json:"min_improvement" yaml:"min_improvement" validate:"gte=0"`
	RatesPerMove            bool    `json:"rates_per_move" yaml:"rates_per_move"`
	TransferMaxFailures     int     `json:"transfer_max_failures" yaml:"transfer_max_failures" validate:"gte=1"`
	TransferMinImprovements int     `json:"transfer_min_improvements" yaml:"transfer_min_improvements" validate:"gte=1"`
	TransferCandidatesFile  string  `json:"transfer_candidates_file" yaml:"transfer_candidates_file"`
	OptimizeDates           bool    `json:"optimize_dates" yaml:"optimize_dates"`
	DateThoroughTrials      int     `json:"date_thorough_trials" yaml:"date_thorough_trials" validate:"gte=0"`
	DatePerturbation        float64 `json:"date_perturbation" yaml:"date_perturbation" validate:"gt=0,lte=1"`
	DateRandomStarts        int     `json:"date_random_starts" yaml:"date_random_starts" validate:"gte=0"`
	DateRandomEvaluated     int     `json:"date_random_evaluated" yaml:"date_random_evaluated" validate:"gte=0"`
	BootstrapReplicates     int     `json:"bootstrap_replicates" yaml:"bootstrap_replicates" validate:"gte=0,lte=10000"`
	BootstrapMinSupport     float64 `json:"bootstrap_min_support" yaml:"bootstrap_min_support" validate:"gte=0,lte=1"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=auto text json"`
	Dir    string `json:"dir" yaml:"dir"`
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	Tracing        bool    `json:"tracing" yaml:"tracing"`
	Metrics        bool    `json:"metrics" yaml:"metrics"`
	TraceExporter  string  `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string  `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	s := search.DefaultConfig()
	r := rates.DefaultSettings()
	return Config{
		Run: RunConfig{
			Strategy:  "hybrid",
			Workers:   1,
			Seed:      1,
			OutputDir: "speciesrax_out",
		},
		Model: ModelConfig{
			Name:               "undated-dl",
			PruneSpeciesTree:   true,
			TransferConstraint: "none",
		},
		Optimizer: OptimizerConfig{
			Strategy:       r.Strategy.String(),
			MaxIterations:  r.MaxIterations,
			MinImprovement: r.OptimizationMinImprovement,
			UpperRate:      r.Upper,
		},
		Search: SearchConfig{
			SPRRadius:               s.SPRRadius,
			VeryLocalRadius:         s.VeryLocalRadius,
			VeryLocalMaxTrials:      s.VeryLocalMaxTrials,
			RootSmallRadius:         s.RootSmallRadius,
			RootBigRadius:           s.RootBigRadius,
			RootDepthBonus:          s.RootDepthBonus,
			MinImprovement:          s.MinImprovement,
			RatesPerMove:            s.RatesPerMove,
			TransferMaxFailures:     s.TransferMaxFailures,
			TransferMinImprovements: s.TransferMinImprovements,
			OptimizeDates:           s.OptimizeDates,
			DateThoroughTrials:      s.DateThoroughTrials,
			DatePerturbation:        s.DatePerturbation,
			DateRandomStarts:        s.DateRandomStarts,
			DateRandomEvaluated:     s.DateRandomEvaluated,
			BootstrapReplicates:     s.BootstrapReplicates,
			BootstrapMinSupport:     s.BootstrapMinSupport,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			Metrics:        true,
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			SampleRate:     1.0,
		},
	}
}

// Load builds a configuration from defaults, then path (optional), then
// the environment, and validates the result.
//
// Inputs:
//   - path: YAML or JSON file. Empty skips the file.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: Non-nil if the file is unreadable or invalid, or validation
//     fails.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	loadEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func loadEnv(cfg *Config) {
	envString("SPECIESRAX_STRATEGY", &cfg.Run.Strategy)
	envInt("SPECIESRAX_WORKERS", &cfg.Run.Workers)
	if v := os.Getenv("SPECIESRAX_SEED"); v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Run.Seed = u
		}
	}
	envString("SPECIESRAX_OUTPUT_DIR", &cfg.Run.OutputDir)
	envString("SPECIESRAX_CHECKPOINT_DIR", &cfg.Run.CheckpointDir)
	envString("SPECIESRAX_METRICS_ADDR", &cfg.Run.MetricsAddr)

	envString("SPECIESRAX_MODEL", &cfg.Model.Name)
	envBool("SPECIESRAX_PER_FAMILY_RATES", &cfg.Model.PerFamilyRates)
	envString("SPECIESRAX_TRANSFER_CONSTRAINT", &cfg.Model.TransferConstraint)

	envString("SPECIESRAX_OPTIMIZER", &cfg.Optimizer.Strategy)

	envInt("SPECIESRAX_SPR_RADIUS", &cfg.Search.SPRRadius)
	envFloat("SPECIESRAX_MIN_IMPROVEMENT", &cfg.Search.MinImprovement)
	envBool("SPECIESRAX_RATES_PER_MOVE", &cfg.Search.RatesPerMove)
	envBool("SPECIESRAX_OPTIMIZE_DATES", &cfg.Search.OptimizeDates)
	envInt("SPECIESRAX_DATE_RANDOM_STARTS", &cfg.Search.DateRandomStarts)
	envInt("SPECIESRAX_BOOTSTRAP_REPLICATES", &cfg.Search.BootstrapReplicates)
	envString("SPECIESRAX_TRANSFER_CANDIDATES", &cfg.Search.TransferCandidatesFile)

	envString("SPECIESRAX_LOG_LEVEL", &cfg.Logging.Level)
	envString("SPECIESRAX_LOG_FORMAT", &cfg.Logging.Format)
	envString("SPECIESRAX_LOG_DIR", &cfg.Logging.Dir)

	envBool("SPECIESRAX_TRACING", &cfg.Telemetry.Tracing)
	envBool("SPECIESRAX_METRICS", &cfg.Telemetry.Metrics)
	envString("SPECIESRAX_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	envString("SPECIESRAX_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
}

// Validate runs the struct tags and the cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	model, err := rates.ParseModel(c.Model.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if n := len(c.Model.StartingRates); n > 0 && n != model.FreeParameters() {
		return fmt.Errorf("%w: model %s takes %d rates, got %d", ErrInvalid, model, model.FreeParameters(), n)
	}
	if c.Model.TransferConstraint != "none" && model != rates.UndatedDTL {
		return fmt.Errorf("%w: transfer constraint %s needs the undated-dtl model", ErrInvalid, c.Model.TransferConstraint)
	}
	if c.Search.RootBigRadius < c.Search.RootSmallRadius {
		return fmt.Errorf("%w: root_big_radius %d is below root_small_radius %d", ErrInvalid, c.Search.RootBigRadius, c.Search.RootSmallRadius)
	}
	if c.Telemetry.Tracing && c.Telemetry.TraceExporter == "none" {
		return fmt.Errorf("%w: tracing needs a trace exporter", ErrInvalid)
	}
	return nil
}

// ModelInfo converts the model section.
func (c Config) ModelInfo() (rates.ModelInfo, error) {
	model, err := rates.ParseModel(c.Model.Name)
	if err != nil {
		return rates.ModelInfo{}, err
	}
	constraint, err := rates.ParseTransferConstraint(c.Model.TransferConstraint)
	if err != nil {
		return rates.ModelInfo{}, err
	}
	return rates.ModelInfo{
		Model:              model,
		PerFamilyRates:     c.Model.PerFamilyRates,
		PruneSpeciesTree:   c.Model.PruneSpeciesTree,
		TransferConstraint: constraint,
	}, nil
}

// RateSettings converts the optimizer section.
func (c Config) RateSettings() (rates.Settings, error) {
	s := rates.DefaultSettings()
	strategy, err := rates.ParseStrategy(c.Optimizer.Strategy)
	if err != nil {
		return s, err
	}
	s.Strategy = strategy
	s.MaxIterations = c.Optimizer.MaxIterations
	s.OptimizationMinImprovement = c.Optimizer.MinImprovement
	s.Upper = c.Optimizer.UpperRate
	s.IndividualParams = c.Optimizer.Individual
	return s, nil
}

// SearchConfig converts the search section. Transfer candidates and the
// logger are left for the caller.
func (c Config) SearchConfig() search.Config {
	s := search.DefaultConfig()
	s.SPRRadius = c.Search.SPRRadius
	s.VeryLocalRadius = c.Search.VeryLocalRadius
	s.VeryLocalMaxTrials = c.Search.VeryLocalMaxTrials
	s.RootSmallRadius = c.Search.RootSmallRadius
	s.RootBigRadius = c.Search.RootBigRadius
	s.RootDepthBonus = c.Search.RootDepthBonus
	s.MinImprovement = c.Search.MinImprovement
	s.RatesPerMove = c.Search.RatesPerMove
	s.TransferMaxFailures = c.Search.TransferMaxFailures
	s.TransferMinImprovements = c.Search.TransferMinImprovements
	s.OptimizeDates = c.Search.OptimizeDates
	s.DateThoroughTrials = c.Search.DateThoroughTrials
	s.DatePerturbation = c.Search.DatePerturbation
	s.DateRandomStarts = c.Search.DateRandomStarts
	s.DateRandomEvaluated = c.Search.DateRandomEvaluated
	s.BootstrapReplicates = c.Search.BootstrapReplicates
	s.BootstrapMinSupport = c.Search.BootstrapMinSupport
	s.Seed = c.Run.Seed
	s.MetricsEnabled = c.Telemetry.Metrics
	s.TracingEnabled = c.Telemetry.Tracing
	return s
}

// LoggingConfig converts the logging section.
func (c Config) LoggingConfig() logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		Format:  logging.Format(c.Logging.Format),
		LogDir:  c.Logging.Dir,
		Service: "speciesrax",
	}
}

// TelemetryConfig converts the telemetry section.
func (c Config) TelemetryConfig(runID string) telemetry.Config {
	t := telemetry.DefaultConfig()
	t.RunID = runID
	t.TraceExporter = c.Telemetry.TraceExporter
	if !c.Telemetry.Tracing {
		t.TraceExporter = "none"
	}
	t.MetricExporter = c.Telemetry.MetricExporter
	if !c.Telemetry.Metrics {
		t.MetricExporter = "none"
	}
	t.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	t.SampleRate = c.Telemetry.SampleRate
	return t
}
