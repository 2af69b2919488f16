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
	"github.com/spf13/cobra"
)

// searchFlags holds the search command line. Zero values mean "keep the
// configuration value".
type searchFlags struct {
	configPath         string
	speciesTree        string
	families           string
	strategy           string
	workers            int
	outDir             string
	checkpointDir      string
	seed               uint64
	metricsAddr        string
	transferCandidates string
}

var (
	flags         searchFlags
	checkpointDir string

	rootCmd = &cobra.Command{
		Use:          "speciesrax",
		Short:        "Species tree search under gene family reconciliation models",
		SilenceUsage: true,
	}

	searchCmd = &cobra.Command{
		Use:   "search",
		Short: "Search for the best species tree",
		Long: `Loads a starting species tree and gene families, runs the selected
strategy (spr, transfer, hybrid, reroot or evaluate) and writes the best
tree, root likelihoods and per-family likelihoods to the output directory.`,
		Args: cobra.NoArgs,
		RunE: runSearchCommand,
	}

	checkpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect saved search checkpoints",
	}

	checkpointListCmd = &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, most recent first",
		Args:  cobra.NoArgs,
		RunE:  runCheckpointList,
	}

	checkpointShowCmd = &cobra.Command{
		Use:   "show [run-id]",
		Short: "Print one checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointShow,
	}
)

func init() {
	f := searchCmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "YAML or JSON configuration file")
	f.StringVar(&flags.speciesTree, "species-tree", "", "starting species tree (Newick)")
	f.StringVar(&flags.families, "families", "", "gene family file (YAML)")
	f.StringVar(&flags.strategy, "strategy", "", "spr, transfer, hybrid, reroot or evaluate")
	f.IntVar(&flags.workers, "workers", 0, "number of in-process workers")
	f.StringVar(&flags.outDir, "out", "", "output directory")
	f.StringVar(&flags.checkpointDir, "checkpoint-dir", "", "BadgerDB directory for checkpoints")
	f.Uint64Var(&flags.seed, "seed", 0, "random seed")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&flags.transferCandidates, "transfer-candidates", "", "transfer highway candidates file")
	_ = searchCmd.MarkFlagRequired("species-tree")
	_ = searchCmd.MarkFlagRequired("families")

	checkpointCmd.PersistentFlags().StringVar(&checkpointDir, "checkpoint-dir", "", "BadgerDB directory for checkpoints")
	_ = checkpointCmd.MarkPersistentFlagRequired("checkpoint-dir")
	checkpointCmd.AddCommand(checkpointListCmd, checkpointShowCmd)

	rootCmd.AddCommand(searchCmd, checkpointCmd)
}
