// Package stage declares the instrumentation points of a pipeline.
//
// A Table is the ordered list of stages the tracer attaches to, together with
// the intervals computed between them when a unit of work completes. Table
// order is pipeline order. Each stage carries a role:
//
//	pre-stage     recorded before the pipeline starts, merged at start if present
//	start         creates the per-context state
//	intermediate  recorded only if the context has started
//	terminal      emits a record if the context has started and its requirements are met
//	abort         discards all state for the context, unconditionally
//
// Tables are loaded once at startup, either from YAML or from Default, and are
// never mutated afterwards.
package stage
