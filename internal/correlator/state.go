package correlator

import (
	"time"

	"github.com/mrzor/udplat/internal/event"
	"github.com/mrzor/udplat/internal/stage"
)

// Phase is a context's position in the pipeline, derived from what has been recorded.
type Phase uint8

const (
	PhaseUnseen Phase = iota
	PhaseStarted
	PhaseInProgress
)

func (p Phase) String() string {
	switch p {
	case PhaseUnseen:
		return "unseen"
	case PhaseStarted:
		return "started"
	case PhaseInProgress:
		return "in-progress"
	default:
		return "unknown"
	}
}

type stamp struct {
	ts uint64
	ok bool
}

// ContextState is the partial record of one in-flight context.
type ContextState struct {
	// Birth is the start stage timestamp.
	Birth uint64
	// Cursor is the latest timestamp recorded so far.
	Cursor    uint64
	Meta      event.Meta
	Anomalies []string

	seen     []stamp // indexed by stage.ID
	advanced int     // stages recorded after start
	touched  time.Time
}

func newContextState(n int, ev event.Event, now time.Time) *ContextState {
	s := &ContextState{
		Birth:   ev.Timestamp,
		Cursor:  ev.Timestamp,
		Meta:    ev.Meta,
		seen:    make([]stamp, n),
		touched: now,
	}
	s.seen[ev.Stage] = stamp{ts: ev.Timestamp, ok: true}
	return s
}

// clone copies s so transitions never mutate a stored state in place.
func (s *ContextState) clone() *ContextState {
	c := *s
	c.seen = append([]stamp(nil), s.seen...)
	c.Anomalies = append([]string(nil), s.Anomalies...)
	return &c
}

// Seen returns the first-observed timestamp for id.
func (s *ContextState) Seen(id stage.ID) (uint64, bool) {
	if int(id) >= len(s.seen) {
		return 0, false
	}
	st := s.seen[id]
	return st.ts, st.ok
}

// Phase reports Started until a stage after start is recorded, InProgress after.
func (s *ContextState) Phase() Phase {
	if s == nil {
		return PhaseUnseen
	}
	if s.advanced == 0 {
		return PhaseStarted
	}
	return PhaseInProgress
}

// LastTouched implements ctxstore.Aged.
func (s *ContextState) LastTouched() time.Time { return s.touched }

// record stores ts for id unless one is already there. It reports whether a
// different timestamp was already recorded.
func (s *ContextState) record(name string, id stage.ID, ts uint64) (conflict bool) {
	if prev := s.seen[id]; prev.ok {
		if prev.ts != ts {
			s.Anomalies = append(s.Anomalies, "duplicate "+name)
			return true
		}
		return false
	}
	s.seen[id] = stamp{ts: ts, ok: true}
	s.advanced++
	if ts < s.Cursor {
		s.Anomalies = append(s.Anomalies, "out of order "+name)
	} else {
		s.Cursor = ts
	}
	return false
}

// PreMark holds pre-stage timestamps observed before a context started.
type PreMark struct {
	stamps  []preStamp
	touched time.Time
}

type preStamp struct {
	id stage.ID
	ts uint64
}

// Timestamp returns the recorded timestamp of pre-stage id.
func (m *PreMark) Timestamp(id stage.ID) (uint64, bool) {
	for _, p := range m.stamps {
		if p.id == id {
			return p.ts, true
		}
	}
	return 0, false
}

// LastTouched implements ctxstore.Aged.
func (m *PreMark) LastTouched() time.Time { return m.touched }

func (m *PreMark) with(id stage.ID, ts uint64, now time.Time) (*PreMark, bool) {
	if m != nil {
		if _, ok := m.Timestamp(id); ok {
			return m, false
		}
	}
	next := &PreMark{touched: now}
	if m != nil {
		next.stamps = append(next.stamps, m.stamps...)
	}
	next.stamps = append(next.stamps, preStamp{id: id, ts: ts})
	return next, true
}
