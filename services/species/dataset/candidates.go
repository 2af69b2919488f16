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
	"log/slog"
	"strconv"
	"strings"

	"github.com/AleutianAI/speciesrax/services/species/search"
	"github.com/AleutianAI/speciesrax/services/species/tree"
)

// ParseTransferCandidates reads transfer highways, one per line.
//
// # Description
//
// Each line is "from,to" or "from,to,weight" where from and to are node
// labels or "*" for every node. Lines starting with '#' and blank lines are
// ignored. Malformed lines and unknown labels are logged and skipped. The
// default weight is 1.
//
// # Outputs
//
//   - []search.TransferCandidate: Candidates in file order, wildcards
//     expanded in node index order.
//   - error: Only read errors from r.
func ParseTransferCandidates(r io.Reader, t *tree.Tree, logger *slog.Logger) ([]search.TransferCandidate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	labels := nodeLabels(t)
	resolve := func(name string) ([]int, bool) {
		if name == "*" {
			all := make([]int, t.Len())
			for i := range all {
				all[i] = i
			}
			return all, true
		}
		i, ok := labels[name]
		return []int{i}, ok
	}

	var out []search.TransferCandidate
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 || len(fields) > 3 {
			logger.Warn("skipping malformed transfer candidate", slog.Int("line", lineNo), slog.String("text", line))
			continue
		}
		weight := 1.0
		if len(fields) == 3 {
			w, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
			if err != nil || w <= 0 {
				logger.Warn("skipping transfer candidate with invalid weight", slog.Int("line", lineNo), slog.String("text", line))
				continue
			}
			weight = w
		}
		froms, ok := resolve(strings.TrimSpace(fields[0]))
		if !ok {
			logger.Warn("skipping transfer candidate with unknown donor", slog.Int("line", lineNo), slog.String("label", fields[0]))
			continue
		}
		tos, ok := resolve(strings.TrimSpace(fields[1]))
		if !ok {
			logger.Warn("skipping transfer candidate with unknown recipient", slog.Int("line", lineNo), slog.String("label", fields[1]))
			continue
		}
		for _, from := range froms {
			for _, to := range tos {
				if from != to {
					out = append(out, search.TransferCandidate{From: from, To: to, Weight: weight})
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transfer candidates: %w", err)
	}
	return out, nil
}
