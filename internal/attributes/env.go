package attributes

import "github.com/mrzor/udplat/internal/record"

// typeEnv declares variable types for compilation.
func typeEnv() map[string]interface{} {
	return map[string]interface{}{
		"pid":       0,
		"tid":       0,
		"comm":      "",
		"total":     0,
		"intervals": map[string]int{},
		"anomalous": false,
		"anomalies": []string{},
	}
}

// recordEnv builds the evaluation environment for r.
func recordEnv(r *record.LatencyRecord) map[string]interface{} {
	intervals := make(map[string]int, len(r.Intervals))
	for _, iv := range r.Intervals {
		if iv.Valid {
			intervals[iv.Name] = int(iv.Duration.Nanoseconds())
		}
	}
	anomalies := r.Anomalies
	if anomalies == nil {
		anomalies = []string{}
	}
	return map[string]interface{}{
		"pid":       int(r.PID),
		"tid":       int(r.TID),
		"comm":      r.Comm,
		"total":     int(r.Total.Nanoseconds()),
		"intervals": intervals,
		"anomalous": r.Anomalous(),
		"anomalies": anomalies,
	}
}
