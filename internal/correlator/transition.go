package correlator

import (
	"time"

	"github.com/mrzor/udplat/internal/event"
	"github.com/mrzor/udplat/internal/record"
	"github.com/mrzor/udplat/internal/stage"
)

// Action is what a transition did.
type Action uint8

const (
	// ActionIgnore: guard failed, nothing changes.
	ActionIgnore Action = iota
	// ActionMark: a pre-stage timestamp was stored in the auxiliary store.
	ActionMark
	// ActionBegin: the context started.
	ActionBegin
	// ActionAdvance: an intermediate stage was recorded.
	ActionAdvance
	// ActionDuplicate: the stage was already recorded; the first timestamp is kept.
	ActionDuplicate
	// ActionComplete: the terminal stage fired, a record was produced and the context forgotten.
	ActionComplete
	// ActionAbort: the context left the pipeline early and was forgotten without a record.
	ActionAbort
	// ActionCleanup: an abort marker fired for a context that never started.
	ActionCleanup
)

var actionNames = [...]string{"ignore", "mark", "begin", "advance", "duplicate", "complete", "abort", "cleanup"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// Transition is the outcome of Step. It never aliases the input state.
type Transition struct {
	Action Action
	// State replaces the stored context state when non-nil.
	State *ContextState
	// Drop removes the stored context state.
	Drop bool
	// Mark replaces the stored pre-stage mark when non-nil.
	Mark *PreMark
	// ClearMark removes the stored pre-stage mark.
	ClearMark bool
	Record    *record.LatencyRecord
}

type input struct {
	table *stage.Table
	cur   *ContextState
	mark  *PreMark
	ev    event.Event
	now   time.Time
}

type transitionFunc func(in input) Transition

type transitionKey struct {
	phase Phase
	role  stage.Role
}

// transitions is the full (phase, role) table. Abort needs no guard so it is
// listed for every phase.
var transitions = map[transitionKey]transitionFunc{
	{PhaseUnseen, stage.RolePreStage}:     mark,
	{PhaseStarted, stage.RolePreStage}:    mark,
	{PhaseInProgress, stage.RolePreStage}: mark,

	{PhaseUnseen, stage.RoleStart}:     begin,
	{PhaseStarted, stage.RoleStart}:    advance,
	{PhaseInProgress, stage.RoleStart}: advance,

	{PhaseUnseen, stage.RoleIntermediate}:     ignore,
	{PhaseStarted, stage.RoleIntermediate}:    advance,
	{PhaseInProgress, stage.RoleIntermediate}: advance,

	{PhaseUnseen, stage.RoleTerminal}:     ignore,
	{PhaseStarted, stage.RoleTerminal}:    complete,
	{PhaseInProgress, stage.RoleTerminal}: complete,

	{PhaseUnseen, stage.RoleAbort}:     abort,
	{PhaseStarted, stage.RoleAbort}:    abort,
	{PhaseInProgress, stage.RoleAbort}: abort,
}

// Step computes the transition for ev given the context's current state and
// pending pre-stage mark (either may be nil). It has no side effects.
func Step(t *stage.Table, cur *ContextState, mark *PreMark, ev event.Event, now time.Time) Transition {
	if !t.Valid(ev.Stage) {
		return Transition{Action: ActionIgnore}
	}
	fn, ok := transitions[transitionKey{cur.Phase(), t.Stage(ev.Stage).Role}]
	if !ok {
		return Transition{Action: ActionIgnore}
	}
	return fn(input{table: t, cur: cur, mark: mark, ev: ev, now: now})
}

func ignore(input) Transition {
	return Transition{Action: ActionIgnore}
}

func mark(in input) Transition {
	next, added := in.mark.with(in.ev.Stage, in.ev.Timestamp, in.now)
	if !added {
		return Transition{Action: ActionDuplicate}
	}
	return Transition{Action: ActionMark, Mark: next}
}

func begin(in input) Transition {
	st := newContextState(in.table.Len(), in.ev, in.now)
	if in.mark != nil {
		for _, p := range in.mark.stamps {
			st.seen[p.id] = stamp{ts: p.ts, ok: true}
			if p.ts > st.Birth {
				st.Anomalies = append(st.Anomalies, "out of order "+in.table.Stage(p.id).Name)
			}
		}
	}
	return Transition{Action: ActionBegin, State: st, ClearMark: in.mark != nil}
}

// guard reports whether every stage required by the event's stage is recorded.
func guard(in input) bool {
	for _, req := range in.table.Requires(in.ev.Stage) {
		if _, ok := in.cur.Seen(req); !ok {
			return false
		}
	}
	return true
}

func advance(in input) Transition {
	if !guard(in) {
		return Transition{Action: ActionIgnore}
	}
	if _, seen := in.cur.Seen(in.ev.Stage); seen {
		st := in.cur.clone()
		if conflict := st.record(in.table.Stage(in.ev.Stage).Name, in.ev.Stage, in.ev.Timestamp); conflict {
			st.touched = in.now
			return Transition{Action: ActionDuplicate, State: st}
		}
		return Transition{Action: ActionDuplicate}
	}
	st := in.cur.clone()
	st.record(in.table.Stage(in.ev.Stage).Name, in.ev.Stage, in.ev.Timestamp)
	st.touched = in.now
	return Transition{Action: ActionAdvance, State: st}
}

func complete(in input) Transition {
	if !guard(in) {
		return Transition{Action: ActionIgnore}
	}
	st := in.cur.clone()
	st.record(in.table.Stage(in.ev.Stage).Name, in.ev.Stage, in.ev.Timestamp)
	return Transition{
		Action:    ActionComplete,
		Drop:      true,
		ClearMark: in.mark != nil,
		Record:    buildRecord(in.table, st, in.ev.Timestamp),
	}
}

func abort(in input) Transition {
	if in.cur == nil {
		return Transition{Action: ActionCleanup, ClearMark: in.mark != nil}
	}
	return Transition{Action: ActionAbort, Drop: true, ClearMark: in.mark != nil}
}

// buildRecord computes the declared intervals from first-observed timestamps.
// Negative durations are kept as computed and flagged.
func buildRecord(t *stage.Table, st *ContextState, end uint64) *record.LatencyRecord {
	r := &record.LatencyRecord{
		PID:       st.Meta.PID,
		TID:       st.Meta.TID,
		Comm:      st.Meta.Comm,
		Start:     st.Birth,
		End:       end,
		Total:     delta(st.Birth, end),
		Intervals: make([]record.Interval, 0, len(t.Intervals())),
		Anomalies: st.Anomalies,
	}

	for _, decl := range t.Intervals() {
		iv := record.Interval{Name: decl.Name, From: decl.From, To: decl.To}
		fromID, _ := t.Lookup(decl.From)
		toID, _ := t.Lookup(decl.To)
		from, okFrom := st.Seen(fromID)
		to, okTo := st.Seen(toID)
		if okFrom && okTo {
			iv.At = from
			iv.Duration = delta(from, to)
			iv.Valid = true
			if iv.Duration < 0 {
				r.Anomalies = append(r.Anomalies, "negative "+decl.Name)
			}
		}
		r.Intervals = append(r.Intervals, iv)
	}
	if r.Total < 0 {
		r.Anomalies = append(r.Anomalies, "negative total")
	}
	return r
}

func delta(from, to uint64) time.Duration {
	//nolint:gosec // monotonic ns differences fit in int64
	return time.Duration(int64(to - from))
}
