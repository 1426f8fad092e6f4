package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrzor/udplat/internal/ctxstore"
	"github.com/mrzor/udplat/internal/event"
	"github.com/mrzor/udplat/internal/record"
	"github.com/mrzor/udplat/internal/stage"

	log "github.com/sirupsen/logrus"
)

// ErrUnknownStage is returned by Intake for a name not in the table.
var ErrUnknownStage = errors.New("unknown stage")

// Sink receives finished records. Emit must not block; failures are the sink's concern.
type Sink interface {
	Emit(r *record.LatencyRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(r *record.LatencyRecord)

// Emit calls f(r).
func (f SinkFunc) Emit(r *record.LatencyRecord) { f(r) }

// Callback is the per-stage intake signature handed to an instrumentation source.
type Callback func(key event.ContextKey, timestamp uint64, meta event.Meta)

// Option configures an Engine.
type Option func(*Engine)

// WithShards sets the number of store shards.
func WithShards(n int) Option {
	return func(e *Engine) { e.shards = n }
}

// WithCapacity bounds the number of in-flight contexts, and separately the
// number of pending pre-stage marks. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(e *Engine) { e.capacity = n }
}

// WithClock replaces time.Now for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Events     uint64
	Unknown    uint64
	Ignored    uint64
	Marked     uint64
	Started    uint64
	Advanced   uint64
	Duplicates uint64
	Completed  uint64
	Aborted    uint64
	Cleanups   uint64
	Evicted    uint64
	Anomalous  uint64
}

type counters struct {
	events, unknown, evicted, anomalous atomic.Uint64
	actions                             [len(actionNames)]atomic.Uint64
}

// Engine correlates stage events per context and emits latency records.
type Engine struct {
	table *stage.Table
	sink  Sink

	shards   int
	capacity int
	now      func() time.Time

	states *ctxstore.Store[*ContextState]
	marks  *ctxstore.Store[*PreMark]

	stats counters

	// mu is held shared by Handle and exclusively by Close, so no event can
	// slip into the stores after Close has cleared them.
	mu     sync.RWMutex
	closed bool
}

// New builds an Engine for table that hands records to sink.
func New(table *stage.Table, sink Sink, opts ...Option) *Engine {
	e := &Engine{
		table: table,
		sink:  sink,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.states = ctxstore.New[*ContextState](e.shards, e.capacity)
	e.marks = ctxstore.New[*PreMark](e.shards, e.capacity)

	// Lock order is always states shard then marks shard.
	e.states.OnEvict(func(key event.ContextKey, _ *ContextState) {
		e.marks.Remove(key)
		e.stats.evicted.Add(1)
	})
	e.marks.OnEvict(func(event.ContextKey, *PreMark) {
		e.stats.evicted.Add(1)
	})

	return e
}

// Table returns the stage table the engine was built with.
func (e *Engine) Table() *stage.Table { return e.table }

// Handle processes one event. It never blocks on other contexts and never fails:
// events that cannot be acted upon are ignored.
func (e *Engine) Handle(ev event.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.stats.events.Add(1)
	if !e.table.Valid(ev.Stage) {
		e.stats.unknown.Add(1)
		return
	}

	now := e.now()
	var tr Transition
	e.states.Update(ev.Key, func(cur *ContextState, ok bool) (*ContextState, bool) {
		mark, _ := e.marks.Get(ev.Key)
		tr = Step(e.table, cur, mark, ev, now)

		switch {
		case tr.ClearMark:
			e.marks.Remove(ev.Key)
		case tr.Mark != nil:
			e.marks.Put(ev.Key, tr.Mark)
		}

		switch {
		case tr.Drop:
			return nil, false
		case tr.State != nil:
			return tr.State, true
		default:
			return cur, ok
		}
	})

	e.stats.actions[tr.Action].Add(1)
	if tr.Record != nil {
		if tr.Record.Anomalous() {
			e.stats.anomalous.Add(1)
		}
		e.sink.Emit(tr.Record)
	}
}

// Intake returns the callback an instrumentation source invokes for the named stage.
func (e *Engine) Intake(name string) (Callback, error) {
	id, ok := e.table.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return func(key event.ContextKey, timestamp uint64, meta event.Meta) {
		e.Handle(event.Event{Stage: id, Key: key, Timestamp: timestamp, Meta: meta})
	}, nil
}

// Evict removes contexts and pre-stage marks untouched for longer than maxAge.
// It returns how many entries were removed.
func (e *Engine) Evict(maxAge time.Duration) int {
	cutoff := e.now().Add(-maxAge)
	removed := e.states.Sweep(func(_ event.ContextKey, st *ContextState) bool {
		return st.LastTouched().Before(cutoff)
	})
	removed += e.marks.Sweep(func(_ event.ContextKey, m *PreMark) bool {
		return m.LastTouched().Before(cutoff)
	})
	//nolint:gosec // removed is non-negative
	e.stats.evicted.Add(uint64(removed))
	return removed
}

// RunEviction calls Evict every interval until ctx is done.
func (e *Engine) RunEviction(ctx context.Context, every, maxAge time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Evict(maxAge); n > 0 {
				log.Debugf("evicted %d idle contexts (in flight: %d)", n, e.InFlight())
			}
		}
	}
}

// InFlight returns the number of stored contexts and pre-stage marks.
func (e *Engine) InFlight() int {
	return e.states.Len() + e.marks.Len()
}

// State returns a copy of the stored state for key, for inspection.
func (e *Engine) State(key event.ContextKey) (*ContextState, bool) {
	st, ok := e.states.Get(key)
	if !ok {
		return nil, false
	}
	return st.clone(), true
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	a := &e.stats.actions
	return Stats{
		Events:     e.stats.events.Load(),
		Unknown:    e.stats.unknown.Load(),
		Ignored:    a[ActionIgnore].Load(),
		Marked:     a[ActionMark].Load(),
		Started:    a[ActionBegin].Load(),
		Advanced:   a[ActionAdvance].Load(),
		Duplicates: a[ActionDuplicate].Load(),
		Completed:  a[ActionComplete].Load(),
		Aborted:    a[ActionAbort].Load(),
		Cleanups:   a[ActionCleanup].Load(),
		Evicted:    e.stats.evicted.Load(),
		Anomalous:  e.stats.anomalous.Load(),
	}
}

// Close clears every store and makes further events no-ops.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.states.Clear()
	e.marks.Clear()
	return nil
}
