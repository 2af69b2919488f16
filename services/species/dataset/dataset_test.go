// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/speciesrax/services/species/search"
	"github.com/AleutianAI/speciesrax/services/species/tree"
)

func mustParse(t *testing.T, s string) *tree.Tree {
	t.Helper()
	tr, err := ParseNewick(s)
	require.NoError(t, err)
	return tr
}

func TestParseNewick(t *testing.T) {
	tr := mustParse(t, " ((A:0.5,B:2)ab:1, (C,D)cd:3)root; ")

	assert.Equal(t, 7, tr.Len())
	assert.Equal(t, 4, tr.LeafCount())
	assert.Equal(t, 6, tr.Root())
	assert.Equal(t, "root", tr.Label(tr.Root()))
	a, err := tr.LeafByLabel("A")
	require.NoError(t, err)
	assert.Equal(t, 0.5, tr.Length(a))
	c, err := tr.LeafByLabel("C")
	require.NoError(t, err)
	assert.Equal(t, 1.0, tr.Length(c))
	assert.Equal(t, "((A:0.5,B:2)ab:1,(C:1,D:1)cd:3)root;", tr.Newick())
}

func TestParseNewick_RoundTrip(t *testing.T) {
	in := "(((A:1,B:1):1,C:2):1,(D:1,E:1):2);"
	tr := mustParse(t, in)
	again := mustParse(t, tr.Newick())

	assert.Equal(t, in, tr.Newick())
	assert.Equal(t, tr.Hash(), again.Hash())
}

func TestParseNewick_QuotedLabels(t *testing.T) {
	tr := mustParse(t, "('Homo sapiens',B);")
	_, err := tr.LeafByLabel("Homo sapiens")
	assert.NoError(t, err)
}

func TestParseNewick_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"unlabeled leaf", "(,B);"},
		{"multifurcation", "(A,B,C);"},
		{"unclosed", "((A,B);"},
		{"bad length", "(A:x,B);"},
		{"negative length", "(A:-1,B);"},
		{"trailing", "(A,B);(C,D);"},
		{"unterminated quote", "('A,B);"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNewick(tt.input)
			assert.Error(t, err)
		})
	}

	_, err := ParseNewick("(A,B,C);")
	assert.ErrorIs(t, err, ErrMalformedNewick)
	_, err = ParseNewick("(A,A);")
	assert.ErrorIs(t, err, tree.ErrInvalidTree)
}

func TestNewickFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "species.nw")
	require.NoError(t, os.WriteFile(path, []byte("((A,B),C);\n((X,Y),Z);\n"), 0o644))

	tr, err := ReadNewickFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, tr.LeafCount())
	_, err = tr.LeafByLabel("A")
	assert.NoError(t, err)

	out := filepath.Join(dir, "best.nw")
	require.NoError(t, WriteNewickFile(out, tr.Newick()))
	back, err := ReadNewickFile(out)
	require.NoError(t, err)
	assert.Equal(t, tr.Hash(), back.Hash())

	_, err = ReadNewickFile(filepath.Join(dir, "missing.nw"))
	assert.Error(t, err)
}

func TestParseFamilies(t *testing.T) {
	tr := mustParse(t, "((A,B)ab,(C,D)cd);")
	doc := `
families:
  - name: f1
    species: [A, B, C, D]
    clades: [[A, B], [C, D]]
    transfers:
      - {from: cd, to: A}
  - species: [B, C]
`
	fams, err := ParseFamilies([]byte(doc), tr)
	require.NoError(t, err)
	require.Len(t, fams, 2)

	assert.Equal(t, "f1", fams[0].Name)
	assert.Equal(t, []int{0, 1, 3, 4}, fams[0].Species)
	assert.Equal(t, [][]int{{0, 1}, {3, 4}}, fams[0].Clades)
	require.Len(t, fams[0].Transfers, 1)
	assert.Equal(t, 5, fams[0].Transfers[0].From)
	assert.Equal(t, 0, fams[0].Transfers[0].To)
	assert.Equal(t, "family_1", fams[1].Name)
}

func TestParseFamilies_Errors(t *testing.T) {
	tr := mustParse(t, "((A,B)ab,(C,D)cd);")

	_, err := ParseFamilies([]byte("families:\n  - name: f\n    species: [A, Z]\n"), tr)
	assert.ErrorIs(t, err, ErrUnknownSpecies)

	_, err = ParseFamilies([]byte("families:\n  - name: f\n    species: [A]\n    clades: [[ab]]\n"), tr)
	assert.ErrorIs(t, err, ErrUnknownSpecies)

	_, err = ParseFamilies([]byte("families:\n  - name: f\n    species: []\n"), tr)
	assert.ErrorIs(t, err, ErrEmptyFamily)

	_, err = ParseFamilies([]byte("families: {"), tr)
	assert.Error(t, err)

	_, err = LoadFamilies(filepath.Join(t.TempDir(), "none.yaml"), tr)
	assert.Error(t, err)
}

func TestParseTransferCandidates(t *testing.T) {
	tr := mustParse(t, "((A,B)ab,C);")
	input := strings.Join([]string{
		"# highways",
		"A,C",
		"",
		"ab, C, 2.5",
		"broken line",
		"A,Q",
		"A,B,-1",
		"*,A",
	}, "\n")
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	got, err := ParseTransferCandidates(strings.NewReader(input), tr, logger)
	require.NoError(t, err)

	want := []search.TransferCandidate{
		{From: 0, To: 3, Weight: 1},
		{From: 2, To: 3, Weight: 2.5},
		{From: 1, To: 0, Weight: 1},
		{From: 2, To: 0, Weight: 1},
		{From: 3, To: 0, Weight: 1},
		{From: 4, To: 0, Weight: 1},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 3, strings.Count(logs.String(), "level=WARN"))
}

func TestWriteLikelihoodMatrix(t *testing.T) {
	m := search.LikelihoodMatrix{
		Trees:  []string{"((A,B),C);", "(A,(B,C));"},
		Values: [][]float64{{-1.5, -2}, {-3, -0.25}},
	}
	var trees, values bytes.Buffer

	require.NoError(t, WriteLikelihoodMatrix(&trees, &values, m))

	assert.Equal(t, "((A,B),C);\n(A,(B,C));\n", trees.String())
	assert.Equal(t, "2 2\n-1.5 -2\n-3 -0.25\n", values.String())

	bad := search.LikelihoodMatrix{Trees: []string{"x"}, Values: [][]float64{{1}, {2}}}
	assert.Error(t, WriteLikelihoodMatrix(&trees, &values, bad))
	ragged := search.LikelihoodMatrix{Trees: []string{"x", "y"}, Values: [][]float64{{1}, {2, 3}}}
	assert.Error(t, WriteLikelihoodMatrix(&bytes.Buffer{}, &bytes.Buffer{}, ragged))
}
