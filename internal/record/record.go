// Package record defines the latency record emitted for every completed unit of work.
package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Interval is the elapsed time between two recorded stages.
type Interval struct {
	Name     string
	From     string
	To       string
	At       uint64 // monotonic ns of the From stage
	Duration time.Duration
	// Valid is false when one of the two stages was never observed for this context.
	Valid bool
}

// LatencyRecord is one finished unit of work. It is immutable once handed to a sink.
type LatencyRecord struct {
	PID       uint32
	TID       uint32
	Comm      string
	Start     uint64 // monotonic ns, pipeline start
	End       uint64 // monotonic ns, terminal stage
	Total     time.Duration
	Intervals []Interval
	Anomalies []string
}

// Anomalous reports whether the record carries any anomaly flag.
func (r *LatencyRecord) Anomalous() bool {
	return len(r.Anomalies) > 0
}

// Interval returns the named interval, if present.
func (r *LatencyRecord) Interval(name string) (Interval, bool) {
	for _, iv := range r.Intervals {
		if iv.Name == name {
			return iv, true
		}
	}
	return Interval{}, false
}

// Unit is the time unit durations are rendered in.
type Unit string

const (
	Nanoseconds  Unit = "ns"
	Microseconds Unit = "us"
	Milliseconds Unit = "ms"
)

// ParseUnit parses ns, us or ms (case-insensitive). An empty string yields Milliseconds.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ms":
		return Milliseconds, nil
	case "us", "µs":
		return Microseconds, nil
	case "ns":
		return Nanoseconds, nil
	default:
		return "", fmt.Errorf("unknown time unit %q (want ns, us or ms)", s)
	}
}

// Suffix is the column suffix used in the text header, e.g. "MS".
func (u Unit) Suffix() string {
	return strings.ToUpper(string(u))
}

// Format renders d in the unit. Nanoseconds are integral, the others keep three decimals.
func (u Unit) Format(d time.Duration) string {
	switch u {
	case Nanoseconds:
		return strconv.FormatInt(d.Nanoseconds(), 10)
	case Microseconds:
		return strconv.FormatFloat(float64(d)/float64(time.Microsecond), 'f', 3, 64)
	default:
		return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 3, 64)
	}
}
