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
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/speciesrax/services/species/storage/badger"
)

func openCheckpoints(dir string) (*badger.Store, error) {
	cfg := badger.DefaultConfig(dir)
	cfg.GCInterval = 0
	return badger.Open(cfg)
}

func runCheckpointList(cmd *cobra.Command, _ []string) error {
	store, err := openCheckpoints(checkpointDir)
	if err != nil {
		return err
	}
	defer store.Close()
	list, err := store.List()
	if err != nil {
		return err
	}
	return printCheckpoints(cmd.OutOrStdout(), list)
}

func printCheckpoints(out io.Writer, list []badger.Checkpoint) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTRATEGY\tBEST LL\tITERATION\tUPDATED")
	for _, cp := range list {
		fmt.Fprintf(w, "%s\t%s\t%.6f\t%d\t%s\n", cp.RunID, cp.Strategy, cp.BestLL, cp.Iteration, cp.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	store, err := openCheckpoints(checkpointDir)
	if err != nil {
		return err
	}
	defer store.Close()
	cp, err := store.Load(args[0])
	if err != nil {
		return err
	}
	printCheckpoint(cmd.OutOrStdout(), cp)
	return nil
}

func printCheckpoint(out io.Writer, cp badger.Checkpoint) {
	fmt.Fprintf(out, "run:        %s\n", cp.RunID)
	fmt.Fprintf(out, "strategy:   %s\n", cp.Strategy)
	fmt.Fprintf(out, "best ll:    %.6f\n", cp.BestLL)
	fmt.Fprintf(out, "iteration:  %d\n", cp.Iteration)
	fmt.Fprintf(out, "rates:      %v\n", cp.Rates)
	fmt.Fprintf(out, "updated:    %s\n", cp.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "tree:       %s\n", cp.Newick)
}
