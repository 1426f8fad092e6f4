// Package output provides the sinks latency records are delivered to.
//
// Sinks receive finished, immutable records from the correlation engine:
//   - TextSink prints a header once and one line per record
//   - OTELSink exports each record as a span with one child per interval
//   - FilterSink drops records failing an expression
//   - Multi fans a record out to several sinks
//
// Emit never returns an error to the engine. Write and export failures are logged.
package output
