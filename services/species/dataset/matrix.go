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
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/AleutianAI/speciesrax/services/species/search"
)

// WriteLikelihoodMatrix writes m as two aligned streams.
//
// trees receives one Newick per line. values receives a header line
// "<trees> <families>" followed by one line of space-separated per-family
// log-likelihoods per tree, in the same order.
func WriteLikelihoodMatrix(trees, values io.Writer, m search.LikelihoodMatrix) error {
	if len(m.Trees) != len(m.Values) {
		return fmt.Errorf("likelihood matrix has %d trees and %d rows", len(m.Trees), len(m.Values))
	}
	families := 0
	if len(m.Values) > 0 {
		families = len(m.Values[0])
	}

	tw := bufio.NewWriter(trees)
	vw := bufio.NewWriter(values)
	fmt.Fprintf(vw, "%d %d\n", len(m.Trees), families)
	for i, newick := range m.Trees {
		if len(m.Values[i]) != families {
			return fmt.Errorf("likelihood matrix row %d has %d values, want %d", i, len(m.Values[i]), families)
		}
		tw.WriteString(newick)
		tw.WriteByte('\n')
		for j, v := range m.Values[i] {
			if j > 0 {
				vw.WriteByte(' ')
			}
			vw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		vw.WriteByte('\n')
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("writing trees: %w", err)
	}
	if err := vw.Flush(); err != nil {
		return fmt.Errorf("writing likelihoods: %w", err)
	}
	return nil
}
