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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/speciesrax/services/species/dataset"
	"github.com/AleutianAI/speciesrax/services/species/storage/badger"
)

const familiesYAML = `
families:
  - name: f1
    species: [A, B, C, D]
    clades: [[A, B], [C, D]]
  - name: f2
    species: [A, B, C, D]
    clades: [[A, B], [C, D]]
  - name: f3
    species: [A, B, C]
    clades: [[A, B]]
  - name: f4
    species: [B, C, D]
    clades: [[C, D]]
`

type fixture struct {
	dir   string
	flags searchFlags
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	t.Setenv("SPECIESRAX_METRICS", "false")
	t.Setenv("SPECIESRAX_LOG_LEVEL", "warn")
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	return fixture{
		dir: dir,
		flags: searchFlags{
			speciesTree: write("start.newick", "((A,C),(B,D));\n"),
			families:    write("families.yaml", familiesYAML),
			outDir:      filepath.Join(dir, "out"),
		},
	}
}

func (f fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func expectedHash(t *testing.T) uint64 {
	t.Helper()
	tr, err := dataset.ParseNewick("((A,B),(C,D));")
	require.NoError(t, err)
	return tr.Hash()
}

func TestRunSearch_SPRWithCheckpoints(t *testing.T) {
	f := newFixture(t)
	f.flags.strategy = "spr"
	f.flags.workers = 2
	f.flags.checkpointDir = filepath.Join(f.dir, "checkpoints")
	var logs bytes.Buffer

	summary, err := runSearch(context.Background(), f.flags, &logs)
	require.NoError(t, err)

	assert.Equal(t, expectedHash(t), summary.Result.Hash)
	assert.Greater(t, summary.Result.Improvements, 0)

	final, err := dataset.ReadNewickFile(filepath.Join(f.flags.outDir, finalTreeFile))
	require.NoError(t, err)
	assert.Equal(t, expectedHash(t), final.Hash())
	best, err := dataset.ReadNewickFile(filepath.Join(f.flags.outDir, bestTreeFile))
	require.NoError(t, err)
	assert.Equal(t, expectedHash(t), best.Hash())
	assert.NoFileExists(t, filepath.Join(f.flags.outDir, rootLikelihoods))

	store, err := openCheckpoints(f.flags.checkpointDir)
	require.NoError(t, err)
	cp, err := store.Load(summary.RunID)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.Equal(t, summary.Result.Newick, cp.Newick)
	assert.InDelta(t, summary.Result.LogLikelihood, cp.BestLL, 1e-9)
	assert.Len(t, cp.Rates, 2)
}

func TestRunSearch_DatedTreesAreUltrametric(t *testing.T) {
	f := newFixture(t)
	t.Setenv("SPECIESRAX_MODEL", "undated-dtl")
	t.Setenv("SPECIESRAX_TRANSFER_CONSTRAINT", "reldated")
	f.flags.strategy = "evaluate"
	f.flags.speciesTree = f.write(t, "caterpillar.newick", "(A,(B,(C,D)));")

	_, err := runSearch(context.Background(), f.flags, &bytes.Buffer{})
	require.NoError(t, err)

	final, err := dataset.ReadNewickFile(filepath.Join(f.flags.outDir, finalTreeFile))
	require.NoError(t, err)
	var depths []float64
	for _, l := range final.Leaves() {
		total := 0.0
		for n := l; n != final.Root(); n = final.Parent(n) {
			total += final.Length(n)
		}
		depths = append(depths, total)
	}
	require.Len(t, depths, 4)
	for _, d := range depths {
		assert.InDelta(t, depths[0], d, 1e-9)
	}
}

func TestRunSearch_RerootWritesRootLikelihoods(t *testing.T) {
	f := newFixture(t)
	f.flags.strategy = "reroot"
	f.flags.speciesTree = f.write(t, "rooted.newick", "(A,(B,(C,D)));")

	summary, err := runSearch(context.Background(), f.flags, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, expectedHash(t), summary.Result.Hash)
	data, err := os.ReadFile(filepath.Join(f.flags.outDir, rootLikelihoods))
	require.NoError(t, err)
	assert.Contains(t, string(data), "0.0000")

	values, err := os.ReadFile(filepath.Join(f.flags.outDir, matrixValuesFile))
	require.NoError(t, err)
	header := strings.SplitN(string(values), "\n", 2)[0]
	assert.True(t, strings.HasSuffix(header, " 4"), header)
	trees, err := os.ReadFile(filepath.Join(f.flags.outDir, matrixTreesFile))
	require.NoError(t, err)
	assert.Equal(t, strings.Count(string(values), "\n")-1, strings.Count(string(trees), "\n"))
}

func TestRunSearch_BootstrapSupport(t *testing.T) {
	f := newFixture(t)
	f.flags.strategy = "spr"
	f.flags.configPath = f.write(t, "run.yaml", "search:\n  bootstrap_replicates: 3\n  bootstrap_min_support: 0\n")

	_, err := runSearch(context.Background(), f.flags, &bytes.Buffer{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.flags.outDir, supportFile))
	require.NoError(t, err)
	annotated, err := dataset.ParseNewick(string(data))
	require.NoError(t, err)
	assert.Equal(t, 4, annotated.LeafCount())
}

func TestRunSearch_Errors(t *testing.T) {
	f := newFixture(t)

	bad := f.flags
	bad.strategy = "nni"
	_, err := runSearch(context.Background(), bad, &bytes.Buffer{})
	assert.Error(t, err)

	missing := f.flags
	missing.speciesTree = filepath.Join(f.dir, "none.newick")
	_, err = runSearch(context.Background(), missing, &bytes.Buffer{})
	assert.Error(t, err)

	unknown := f.flags
	unknown.families = f.write(t, "bad.yaml", "families:\n  - species: [A, Z]\n")
	_, err = runSearch(context.Background(), unknown, &bytes.Buffer{})
	assert.ErrorIs(t, err, dataset.ErrUnknownSpecies)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = runSearch(ctx, f.flags, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckpointCommands(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cps")
	store, err := openCheckpoints(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(badger.Checkpoint{RunID: "abc", Strategy: "hybrid", BestLL: -3.25, Newick: "((A,B),C);"}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"checkpoint", "list", "--checkpoint-dir", dir})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "RUN ID")
	assert.Contains(t, out.String(), "abc")
	assert.Contains(t, out.String(), "-3.250000")

	out.Reset()
	rootCmd.SetArgs([]string{"checkpoint", "show", "abc", "--checkpoint-dir", dir})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "tree:       ((A,B),C);")

	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"checkpoint", "show", "nope", "--checkpoint-dir", dir})
	assert.ErrorIs(t, rootCmd.Execute(), badger.ErrNotFound)
}
