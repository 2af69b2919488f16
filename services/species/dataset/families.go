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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/speciesrax/services/species/cladescore"
	"github.com/AleutianAI/speciesrax/services/species/tree"
)

// familyFile is the on-disk family layout.
//
//	families:
//	  - name: fam1
//	    species: [A, B, C]
//	    clades: [[A, B]]
//	    transfers:
//	      - {from: C, to: A}
type familyFile struct {
	Families []familyEntry `yaml:"families"`
}

type familyEntry struct {
	Name      string          `yaml:"name"`
	Species   []string        `yaml:"species"`
	Clades    [][]string      `yaml:"clades"`
	Transfers []transferEntry `yaml:"transfers"`
}

type transferEntry struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// nodeLabels maps every labeled node of t, leaf or internal, to its index.
func nodeLabels(t *tree.Tree) map[string]int {
	out := make(map[string]int, t.Len())
	for i := 0; i < t.Len(); i++ {
		if l := t.Label(i); l != "" {
			if _, dup := out[l]; !dup || t.IsLeaf(i) {
				out[l] = i
			}
		}
	}
	return out
}

// LoadFamilies reads a YAML family file and resolves its labels against t.
//
// # Description
//
// Species and clade members must be leaf labels. Transfer endpoints may name
// any labeled node. Families are returned in file order, which is the global
// family order used by per-family outputs.
//
// # Outputs
//
//   - []cladescore.Family: Resolved families.
//   - error: ErrUnknownSpecies or ErrEmptyFamily wrapped with the family name,
//     or a read/decode error.
func LoadFamilies(path string, t *tree.Tree) ([]cladescore.Family, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading families: %w", err)
	}
	return ParseFamilies(data, t)
}

// ParseFamilies is LoadFamilies on an in-memory document.
func ParseFamilies(data []byte, t *tree.Tree) ([]cladescore.Family, error) {
	var file familyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding families: %w", err)
	}
	labels := nodeLabels(t)
	leaf := func(name string) (int, error) {
		i, err := t.LeafByLabel(name)
		if err != nil {
			return tree.NoNode, fmt.Errorf("%w: %q", ErrUnknownSpecies, name)
		}
		return i, nil
	}
	node := func(name string) (int, error) {
		i, ok := labels[name]
		if !ok {
			return tree.NoNode, fmt.Errorf("%w: %q", ErrUnknownSpecies, name)
		}
		return i, nil
	}

	out := make([]cladescore.Family, 0, len(file.Families))
	for idx, entry := range file.Families {
		name := entry.Name
		if name == "" {
			name = fmt.Sprintf("family_%d", idx)
		}
		if len(entry.Species) == 0 {
			return nil, fmt.Errorf("family %s: %w", name, ErrEmptyFamily)
		}
		fam := cladescore.Family{Name: name}
		for _, s := range entry.Species {
			i, err := leaf(s)
			if err != nil {
				return nil, fmt.Errorf("family %s: %w", name, err)
			}
			fam.Species = append(fam.Species, i)
		}
		for _, c := range entry.Clades {
			clade := make([]int, 0, len(c))
			for _, s := range c {
				i, err := leaf(s)
				if err != nil {
					return nil, fmt.Errorf("family %s clade: %w", name, err)
				}
				clade = append(clade, i)
			}
			fam.Clades = append(fam.Clades, clade)
		}
		for _, tr := range entry.Transfers {
			from, err := node(tr.From)
			if err != nil {
				return nil, fmt.Errorf("family %s transfer: %w", name, err)
			}
			to, err := node(tr.To)
			if err != nil {
				return nil, fmt.Errorf("family %s transfer: %w", name, err)
			}
			fam.Transfers = append(fam.Transfers, cladescore.Transfer{From: from, To: to})
		}
		out = append(out, fam)
	}
	return out, nil
}
