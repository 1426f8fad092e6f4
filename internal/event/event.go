// Package event defines the instrumentation event delivered to the correlation engine.
package event

import (
	"fmt"

	"github.com/mrzor/udplat/internal/stage"
)

// ContextKey identifies the in-flight unit of work an event belongs to.
// It carries the kernel's pid_tgid: TGID in the upper 32 bits, thread ID in the lower.
type ContextKey uint64

// NewContextKey builds a key from a process and thread ID.
func NewContextKey(pid, tid uint32) ContextKey {
	return ContextKey(uint64(pid)<<32 | uint64(tid))
}

// PID returns the owning process (thread group) ID.
func (k ContextKey) PID() uint32 { return uint32(k >> 32) }

// TID returns the owning thread ID.
func (k ContextKey) TID() uint32 { return uint32(k) }

func (k ContextKey) String() string {
	return fmt.Sprintf("%d/%d", k.PID(), k.TID())
}

// Meta is descriptive data attached to an event by the instrumentation source.
type Meta struct {
	PID  uint32
	TID  uint32
	Comm string
}

// Event is one firing of an instrumentation point.
type Event struct {
	Stage stage.ID
	Key   ContextKey
	// Timestamp is CLOCK_MONOTONIC nanoseconds.
	Timestamp uint64
	Meta      Meta
}
