package output

import (
	"github.com/mrzor/udplat/internal/attributes"
	"github.com/mrzor/udplat/internal/record"
)

// Sink receives completed latency records.
type Sink interface {
	Emit(r *record.LatencyRecord)
}

// Header is implemented by sinks that print something once at startup.
type Header interface {
	WriteHeader() error
}

// Multi delivers each record to every sink in order.
type Multi []Sink

// Emit hands r to each sink.
func (m Multi) Emit(r *record.LatencyRecord) {
	for _, s := range m {
		s.Emit(r)
	}
}

// WriteHeader writes the header of every sink that has one.
func (m Multi) WriteHeader() error {
	for _, s := range m {
		if h, ok := s.(Header); ok {
			if err := h.WriteHeader(); err != nil {
				return err
			}
		}
	}
	return nil
}

// FilterSink forwards records matching a filter.
type FilterSink struct {
	filter *attributes.Filter
	next   Sink
}

// NewFilterSink wraps next so that only records matching filter reach it.
func NewFilterSink(filter *attributes.Filter, next Sink) *FilterSink {
	return &FilterSink{filter: filter, next: next}
}

// Emit forwards r when it matches.
func (f *FilterSink) Emit(r *record.LatencyRecord) {
	if f.filter.Match(r) {
		f.next.Emit(r)
	}
}

// WriteHeader delegates to the wrapped sink.
func (f *FilterSink) WriteHeader() error {
	if h, ok := f.next.(Header); ok {
		return h.WriteHeader()
	}
	return nil
}
