// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/speciesrax/pkg/logging"
	"github.com/AleutianAI/speciesrax/services/species/cladescore"
	"github.com/AleutianAI/speciesrax/services/species/config"
	"github.com/AleutianAI/speciesrax/services/species/dataset"
	"github.com/AleutianAI/speciesrax/services/species/dating"
	"github.com/AleutianAI/speciesrax/services/species/parallel"
	"github.com/AleutianAI/speciesrax/services/species/search"
	"github.com/AleutianAI/speciesrax/services/species/storage/badger"
	"github.com/AleutianAI/speciesrax/services/species/telemetry"
	"github.com/AleutianAI/speciesrax/services/species/tree"
)

// Output file names inside the output directory.
const (
	bestTreeFile      = "best_species_tree.newick"
	finalTreeFile     = "species_tree.newick"
	rootLikelihoods   = "root_likelihoods.newick"
	supportFile       = "branch_support.newick"
	matrixTreesFile   = "per_fam_likelihoods_trees.txt"
	matrixValuesFile  = "per_fam_likelihoods.txt"
	metricsShutdownIn = 5 * time.Second
)

// runSummary is what one search run produced.
type runSummary struct {
	RunID  string
	Result search.Result
	OutDir string
}

func runSearchCommand(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := runSearch(ctx, flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s ll=%.6f improvements=%d elapsed=%s\n%s\n",
		summary.RunID,
		summary.Result.Strategy,
		summary.Result.LogLikelihood,
		summary.Result.Improvements,
		summary.Result.Elapsed.Round(time.Millisecond),
		summary.Result.Newick,
	)
	return nil
}

// loadConfig merges the configuration file with the flags that were set.
func loadConfig(f searchFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.strategy != "" {
		cfg.Run.Strategy = f.strategy
	}
	if f.workers > 0 {
		cfg.Run.Workers = f.workers
	}
	if f.outDir != "" {
		cfg.Run.OutputDir = f.outDir
	}
	if f.checkpointDir != "" {
		cfg.Run.CheckpointDir = f.checkpointDir
	}
	if f.seed != 0 {
		cfg.Run.Seed = f.seed
	}
	if f.metricsAddr != "" {
		cfg.Run.MetricsAddr = f.metricsAddr
	}
	if f.transferCandidates != "" {
		cfg.Search.TransferCandidatesFile = f.transferCandidates
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// runSearch executes one full search run.
//
// Description:
//
//	Loads inputs, starts telemetry and the optional metrics endpoint, runs
//	one Searcher per worker on its share of the families and writes the
//	outputs from rank 0.
//
// Inputs:
//
//	ctx - Cancels the run between search phases.
//	f - Command line values.
//	console - Receives log output.
//
// Outputs:
//
//	runSummary - The result of rank 0.
//	error - Non-nil on invalid inputs, worker failure or cancellation.
func runSearch(ctx context.Context, f searchFlags, console io.Writer) (runSummary, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return runSummary{}, err
	}
	strategy, err := search.ParseStrategy(cfg.Run.Strategy)
	if err != nil {
		return runSummary{}, err
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = console
	logs, err := logging.New(logCfg)
	if err != nil {
		logs.Slog().Warn("file logging disabled", slog.String("error", err.Error()))
	}
	defer logs.Close()
	logger := logs.Slog()

	runID := uuid.NewString()
	shutdown, err := telemetry.Init(ctx, cfg.TelemetryConfig(runID))
	if err != nil {
		return runSummary{}, fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownIn)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()
	if cfg.Run.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.Run.MetricsAddr, logger)
		defer stopMetrics()
	}

	inputs, err := loadInputs(f, cfg, logger)
	if err != nil {
		return runSummary{}, err
	}
	if err := os.MkdirAll(cfg.Run.OutputDir, 0o755); err != nil {
		return runSummary{}, fmt.Errorf("create output directory: %w", err)
	}

	var store *badger.Store
	if cfg.Run.CheckpointDir != "" {
		bc := badger.DefaultConfig(cfg.Run.CheckpointDir)
		bc.Logger = logger
		store, err = badger.Open(bc)
		if err != nil {
			return runSummary{}, fmt.Errorf("open checkpoint store: %w", err)
		}
		defer store.Close()
	}

	logger.Info("starting run",
		slog.String("run_id", runID),
		slog.String("strategy", strategy.String()),
		slog.Int("workers", cfg.Run.Workers),
		slog.Int("families", len(inputs.families)),
		slog.Int("species", inputs.species.LeafCount()),
	)

	summary := runSummary{RunID: runID, OutDir: cfg.Run.OutputDir}
	err = parallel.Run(ctx, cfg.Run.Workers, func(ctx context.Context, pc parallel.Context) error {
		res, err := runWorker(ctx, pc, workerSetup{
			cfg:      cfg,
			inputs:   inputs,
			strategy: strategy,
			runID:    runID,
			store:    store,
			logger:   logs.ForWorker(pc.Rank()),
		})
		if pc.Rank() == 0 {
			summary.Result = res
		}
		return err
	})
	if err != nil {
		return summary, err
	}
	return summary, nil
}

type runInputs struct {
	species    *tree.Tree
	families   []cladescore.Family
	candidates []search.TransferCandidate
}

func loadInputs(f searchFlags, cfg config.Config, logger *slog.Logger) (runInputs, error) {
	var in runInputs
	if f.speciesTree == "" || f.families == "" {
		return in, errors.New("--species-tree and --families are required")
	}
	var err error
	if in.species, err = dataset.ReadNewickFile(f.speciesTree); err != nil {
		return in, err
	}
	if in.families, err = dataset.LoadFamilies(f.families, in.species); err != nil {
		return in, err
	}
	if len(in.families) == 0 {
		return in, fmt.Errorf("%s: %w", f.families, dataset.ErrEmptyFamily)
	}
	if path := cfg.Search.TransferCandidatesFile; path != "" {
		file, err := os.Open(path)
		if err != nil {
			return in, fmt.Errorf("open transfer candidates: %w", err)
		}
		defer file.Close()
		if in.candidates, err = dataset.ParseTransferCandidates(file, in.species, logger); err != nil {
			return in, err
		}
	}
	return in, nil
}

type workerSetup struct {
	cfg      config.Config
	inputs   runInputs
	strategy search.Strategy
	runID    string
	store    *badger.Store
	logger   *slog.Logger
}

// runWorker builds the evaluator and searcher of one worker and runs the
// search. Rank 0 also persists every output.
func runWorker(ctx context.Context, pc parallel.Context, w workerSetup) (search.Result, error) {
	info, err := w.cfg.ModelInfo()
	if err != nil {
		return search.Result{}, err
	}
	settings, err := w.cfg.RateSettings()
	if err != nil {
		return search.Result{}, err
	}
	settings.Logger = w.logger

	t := w.inputs.species.Clone()
	dated := dating.New(t, true)
	all := w.inputs.families
	local := all[parallel.Begin(pc, len(all)):parallel.End(pc, len(all))]
	ev, err := cladescore.New(t, dated, pc, local, cladescore.Config{
		Info:     info,
		Settings: settings,
		Rates:    w.cfg.Model.StartingRates,
		Logger:   w.logger,
	})
	if err != nil {
		return search.Result{}, err
	}

	scfg := w.cfg.SearchConfig()
	scfg.TransferCandidates = w.inputs.candidates
	scfg.Logger = w.logger
	searcher, err := search.NewSearcher(t, dated, ev, pc, len(all), scfg)
	if err != nil {
		return search.Result{}, err
	}
	lead := pc.Rank() == 0
	if lead {
		state := searcher.State()
		state.BestTreePath = filepath.Join(w.cfg.Run.OutputDir, bestTreeFile)
		if w.store != nil {
			state.AddListener(w.store.Recorder(w.runID, w.strategy.String(), func() []float64 {
				return ev.Parameters().Rates.Values()
			}))
		}
	}

	res, err := searcher.Search(ctx, w.strategy)
	if err != nil || !lead {
		return res, err
	}
	return res, writeOutputs(w, searcher, ev, res)
}

func writeOutputs(w workerSetup, s *search.Searcher, ev *cladescore.Evaluator, res search.Result) error {
	dir := w.cfg.Run.OutputDir
	if err := dataset.WriteNewickFile(filepath.Join(dir, finalTreeFile), res.Newick); err != nil {
		return err
	}
	if roots := res.RootLikelihood; roots != nil && roots.Len() > 0 {
		if err := dataset.WriteNewickFile(filepath.Join(dir, rootLikelihoods), roots.Annotate(s.Tree())); err != nil {
			return err
		}
		if err := writeMatrix(dir, roots.Matrix()); err != nil {
			return err
		}
	}
	if len(s.State().Testers) > 0 {
		t := s.Tree()
		support := s.State().BranchSupport(t.Len())
		annotated := t.NewickFunc(func(n int) string {
			if t.IsLeaf(n) {
				return t.Label(n)
			}
			return strconv.FormatFloat(support[n], 'f', 2, 64)
		})
		if err := dataset.WriteNewickFile(filepath.Join(dir, supportFile), annotated); err != nil {
			return err
		}
	}
	if w.store != nil {
		if err := w.store.Save(badger.Checkpoint{
			RunID:     w.runID,
			Strategy:  w.strategy.String(),
			BestLL:    res.LogLikelihood,
			Newick:    res.Newick,
			Hash:      res.Hash,
			Rates:     ev.Parameters().Rates.Values(),
			Iteration: res.Improvements,
		}); err != nil {
			return err
		}
	}
	return nil
}

func writeMatrix(dir string, m search.LikelihoodMatrix) error {
	trees, err := os.Create(filepath.Join(dir, matrixTreesFile))
	if err != nil {
		return err
	}
	defer trees.Close()
	values, err := os.Create(filepath.Join(dir, matrixValuesFile))
	if err != nil {
		return err
	}
	defer values.Close()
	if err := dataset.WriteLikelihoodMatrix(trees, values, m); err != nil {
		return err
	}
	return errors.Join(trees.Sync(), values.Sync())
}

// serveMetrics starts the /metrics endpoint and returns its shutdown.
func serveMetrics(addr string, logger *slog.Logger) func() {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		handler = promhttp.Handler()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownIn)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
