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
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const searchTracerName = "speciesrax.search"

// SearchTracer provides OpenTelemetry tracing for search phases.
//
// Thread Safety: Safe for concurrent use.
type SearchTracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewSearchTracer creates a new tracer.
//
// Inputs:
//   - logger: Logger for structured logging (can be nil for slog.Default).
//   - enabled: Emit spans. When false every span is a no-op.
//
// Outputs:
//   - *SearchTracer: Tracer instance.
func NewSearchTracer(logger *slog.Logger, enabled bool) *SearchTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchTracer{
		tracer:  otel.Tracer(searchTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// phaseSpan carries what EndPhase needs to close a phase.
type phaseSpan struct {
	span    trace.Span
	phase   string
	startLL float64
	started time.Time
}

// StartPhase starts a span for one search phase.
//
// Inputs:
//   - ctx: Parent context.
//   - phase: Phase name such as "spr" or "root".
//   - startLL: Best log-likelihood when the phase starts.
//
// Outputs:
//   - context.Context: Context with span.
//   - phaseSpan: Handle for EndPhase.
func (t *SearchTracer) StartPhase(ctx context.Context, phase string, startLL float64) (context.Context, phaseSpan) {
	ps := phaseSpan{span: noop.Span{}, phase: phase, startLL: startLL, started: time.Now()}
	if !t.enabled {
		return ctx, ps
	}
	ctx, ps.span = t.tracer.Start(ctx, "search."+phase,
		trace.WithAttributes(
			attribute.String("search.phase", phase),
			attribute.Float64("search.start_ll", startLL),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, ps
}

// EndPhase completes a phase span and logs the phase outcome.
//
// Inputs:
//   - ps: Handle returned by StartPhase.
//   - endLL: Best log-likelihood when the phase ends.
//   - err: Error if the phase failed.
func (t *SearchTracer) EndPhase(ps phaseSpan, endLL float64, err error) {
	elapsed := time.Since(ps.started)
	if err != nil {
		ps.span.RecordError(err)
		ps.span.SetStatus(codes.Error, err.Error())
	} else {
		ps.span.SetStatus(codes.Ok, "")
	}
	ps.span.SetAttributes(
		attribute.Float64("search.end_ll", endLL),
		attribute.Float64("search.gain", endLL-ps.startLL),
		attribute.String("search.elapsed", elapsed.String()),
	)
	ps.span.End()

	t.logger.Info("search phase completed",
		slog.String("phase", ps.phase),
		slog.Float64("start_ll", ps.startLL),
		slog.Float64("end_ll", endLL),
		slog.Duration("elapsed", elapsed),
	)
}

// RecordMove adds a move event to the span in ctx.
func (t *SearchTracer) RecordMove(ctx context.Context, kind string, accepted bool, ll float64) {
	if !t.enabled {
		return
	}
	trace.SpanFromContext(ctx).AddEvent("search.move",
		trace.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("accepted", accepted),
			attribute.Float64("ll", ll),
		),
	)
}
