// Package timesync converts probe timestamps to wall-clock time.
//
// Probes stamp events with bpf_ktime_get_ns, which reads CLOCK_MONOTONIC.
// Exported spans need absolute times, so the converter records the wall-clock
// instant of the monotonic origin once and adds each event's offset to it.
package timesync
