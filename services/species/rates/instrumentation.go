// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rates

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/AleutianAI/speciesrax/services/species/rates"

var (
	instrumentsOnce sync.Once
	evaluations     metric.Int64Counter
	gains           metric.Float64Histogram
)

func initInstruments() {
	meter := otel.Meter(meterName)
	var err error
	evaluations, err = meter.Int64Counter(
		"speciesrax_rates_objective_evaluations_total",
		metric.WithDescription("Objective evaluations performed by the rate optimizer"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		otel.Handle(err)
	}
	gains, err = meter.Float64Histogram(
		"speciesrax_rates_loglikelihood_gain",
		metric.WithDescription("Log-likelihood gained by one optimizer run"),
		metric.WithExplicitBucketBoundaries(0, 0.1, 1, 10, 100, 1000, 10000),
	)
	if err != nil {
		otel.Handle(err)
	}
}

// recordOptimization publishes the cost and gain of one Optimize call to the
// global meter provider. It is a no-op until telemetry is initialized.
func recordOptimization(s Strategy, calls int, gain float64) {
	instrumentsOnce.Do(initInstruments)
	attrs := metric.WithAttributes(attribute.String("strategy", s.String()))
	ctx := context.Background()
	if evaluations != nil {
		evaluations.Add(ctx, int64(calls), attrs)
	}
	if gains != nil {
		gains.Record(ctx, gain, attrs)
	}
}
