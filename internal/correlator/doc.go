// Package correlator turns asynchronous stage events into latency records.
//
// Every context (thread) moves through the phases
//
//	Unseen ──start──▶ Started ──intermediate──▶ InProgress ──terminal──▶ emit + forget
//	   │                 │                          │
//	   └──────────── abort (any phase): forget, no record ──────────────┘
//
// The decision for one event is made by Step, a pure function of the table,
// the context's current state, its pending pre-stage mark and the event. Step
// looks the (phase, role) pair up in a transition table and returns a
// Transition describing what to store, what to drop and what to emit. Engine
// applies transitions to its two stores and hands records to a Sink.
//
// Guards: intermediate and terminal events only act on a context that has
// started and whose required stages are recorded; otherwise they are ignored.
// Stage timestamps are first-wins; a repeated stage with a different timestamp
// is kept as an anomaly on the record. Negative intervals are reported as
// computed and flagged.
//
// Memory stays bounded through three paths: terminal and abort events remove
// the context, Evict drops contexts idle for longer than a threshold, and the
// store's capacity limit evicts the stalest context of a full shard.
package correlator
