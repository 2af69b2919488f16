// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Move kinds and outcomes used as metric labels.
const (
	MoveSPR      = "spr"
	MoveTransfer = "transfer"
	MoveRoot     = "root"
	MoveDate     = "date"

	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeSkipped  = "skipped"
)

// knownPhases bounds the phase label cardinality.
var knownPhases = map[string]bool{
	"spr":      true,
	"transfer": true,
	"root":     true,
	"dates":    true,
	"rates":    true,
	"hybrid":   true,
	"evaluate": true,
}

func sanitizePhase(phase string) string {
	if knownPhases[phase] {
		return phase
	}
	return "unknown"
}

var (
	// movesTotal counts tested moves by kind and outcome.
	//
	// Labels:
	//   - kind: "spr", "transfer", "root" or "date"
	//   - outcome: "accepted", "rejected" or "skipped"
	movesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "speciesrax",
			Subsystem: "search",
			Name:      "moves_total",
			Help:      "Total number of tested search moves by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// phaseDuration observes the wall time of each search phase.
	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "speciesrax",
			Subsystem: "search",
			Name:      "phase_duration_seconds",
			Help:      "Duration of search phases in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"phase"},
	)

	// bestLogLikelihood is the current best log-likelihood.
	bestLogLikelihood = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "speciesrax",
			Subsystem: "search",
			Name:      "best_loglikelihood",
			Help:      "Best species tree log-likelihood found so far.",
		},
	)
)

// searchMetrics records into the package collectors when enabled. Only one
// worker of a group records so counts are not multiplied by the group size.
type searchMetrics struct {
	enabled bool
}

func (m searchMetrics) move(kind, outcome string) {
	if m.enabled {
		movesTotal.WithLabelValues(kind, outcome).Inc()
	}
}

func (m searchMetrics) tested(kind string, accepted bool) {
	if accepted {
		m.move(kind, outcomeAccepted)
	} else {
		m.move(kind, outcomeRejected)
	}
}

func (m searchMetrics) phase(phase string, d time.Duration) {
	if m.enabled {
		phaseDuration.WithLabelValues(sanitizePhase(phase)).Observe(d.Seconds())
	}
}

func (m searchMetrics) best(ll float64) {
	if m.enabled {
		bestLogLikelihood.Set(ll)
	}
}
