package output

import (
	"context"
	"strings"

	"github.com/mrzor/udplat/internal/attributes"
	"github.com/mrzor/udplat/internal/procmeta"
	"github.com/mrzor/udplat/internal/record"
	"github.com/mrzor/udplat/internal/timesync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// SpanName is the name of the span exported for every record.
const SpanName = "udp.send"

// OTELSink exports each record as a span with one child span per valid interval.
type OTELSink struct {
	tracer    trace.Tracer
	clock     *timesync.Converter
	evaluator *attributes.Evaluator
	procs     *procmeta.Manager
}

// OTELOption configures an OTELSink.
type OTELOption func(*OTELSink)

// WithProcessMetadata adds executable path and command line from procs to
// spans. Only cached metadata is used: a PID seen for the first time is queued
// for procs' Run worker and its spans carry the attributes once it is read.
func WithProcessMetadata(procs *procmeta.Manager) OTELOption {
	return func(s *OTELSink) { s.procs = procs }
}

// NewOTELSink creates a sink exporting through tracer. evaluator may be nil.
func NewOTELSink(tracer trace.Tracer, clock *timesync.Converter, evaluator *attributes.Evaluator, opts ...OTELOption) *OTELSink {
	s := &OTELSink{tracer: tracer, clock: clock, evaluator: evaluator}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit creates and ends the spans for r.
func (s *OTELSink) Emit(r *record.LatencyRecord) {
	ctx, span := s.tracer.Start(context.Background(), SpanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(s.clock.MonotonicToWallClock(r.Start)),
	)

	attrs := []attribute.KeyValue{
		semconv.ProcessPID(int(r.PID)),
		attribute.Int("thread.id", int(r.TID)),
		semconv.ProcessCommand(r.Comm),
		attribute.Int64("udp.latency.total_ns", r.Total.Nanoseconds()),
	}
	for _, iv := range r.Intervals {
		if iv.Valid {
			attrs = append(attrs, attribute.Int64(intervalKey(iv.Name), iv.Duration.Nanoseconds()))
		}
	}
	attrs = append(attrs, s.processAttributes(r.PID)...)
	span.SetAttributes(attrs...)

	if s.evaluator != nil {
		if custom := s.evaluator.EvaluateCustomAttributes(r); len(custom) > 0 {
			span.SetAttributes(custom...)
		}
	}

	for _, iv := range r.Intervals {
		if !iv.Valid {
			continue
		}
		start := s.clock.MonotonicToWallClock(iv.At)
		_, child := s.tracer.Start(ctx, iv.Name,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithTimestamp(start),
			trace.WithAttributes(
				attribute.String("udp.stage.from", iv.From),
				attribute.String("udp.stage.to", iv.To),
			),
		)
		end := start
		if iv.Duration > 0 {
			end = start.Add(iv.Duration)
		}
		child.End(trace.WithTimestamp(end))
	}

	if r.Anomalous() {
		span.SetAttributes(attribute.StringSlice("udp.anomalies", r.Anomalies))
		span.SetStatus(codes.Error, strings.Join(r.Anomalies, "; "))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	end := s.clock.MonotonicToWallClock(r.End)
	if r.Total < 0 {
		end = s.clock.MonotonicToWallClock(r.Start)
	}
	span.End(trace.WithTimestamp(end))
}

func (s *OTELSink) processAttributes(pid uint32) []attribute.KeyValue {
	if s.procs == nil {
		return nil
	}
	md, ok := s.procs.Get(pid)
	if !ok {
		s.procs.Prefetch(pid)
		return nil
	}
	if md == nil {
		return nil
	}

	var attrs []attribute.KeyValue
	if md.Executable != "" {
		attrs = append(attrs, semconv.ProcessExecutablePath(md.Executable))
	}
	if md.CmdlineFull != "" {
		attrs = append(attrs, semconv.ProcessCommandLine(md.CmdlineFull))
	}
	return attrs
}

// intervalKey turns an interval name into an attribute key, e.g. "Copy" -> "udp.latency.copy_ns".
func intervalKey(name string) string {
	return "udp.latency." + strings.ToLower(strings.ReplaceAll(name, " ", "_")) + "_ns"
}
