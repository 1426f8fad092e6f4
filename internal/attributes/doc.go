// Package attributes evaluates user expressions against latency records.
//
// Expressions use the expr language and see one record as:
//
//	pid        int               process ID
//	tid        int               thread ID
//	comm       string            command name
//	total      int               total latency, ns
//	intervals  map[string]int    interval name -> duration, ns (valid intervals only)
//	anomalous  bool              record carries anomaly flags
//	anomalies  []string          anomaly descriptions
//
// Two evaluators:
//   - Filter: a boolean expression deciding whether a record is kept
//   - Evaluator: custom span attributes, one expression per attribute
package attributes
