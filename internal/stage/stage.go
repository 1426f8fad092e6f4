package stage

import (
	"fmt"
	"strings"
)

// ID identifies a stage by its position in the Table.
type ID uint32

// Role is what a stage's firing means to the correlation engine.
type Role string

const (
	RolePreStage     Role = "pre-stage"
	RoleStart        Role = "start"
	RoleIntermediate Role = "intermediate"
	RoleTerminal     Role = "terminal"
	RoleAbort        Role = "abort"
)

func (r Role) valid() bool {
	switch r {
	case RolePreStage, RoleStart, RoleIntermediate, RoleTerminal, RoleAbort:
		return true
	}
	return false
}

// AttachKind is the probe mechanism used for a stage.
type AttachKind string

const (
	Kprobe     AttachKind = "kprobe"
	Kretprobe  AttachKind = "kretprobe"
	Tracepoint AttachKind = "tracepoint"
)

// AttachPoint is a parsed attach specification.
type AttachPoint struct {
	Kind AttachKind
	// Group is the tracepoint group (e.g. "syscalls"); empty for probes.
	Group string
	// Symbol is the kernel symbol or tracepoint name.
	Symbol string
}

func (a AttachPoint) String() string {
	if a.Kind == Tracepoint {
		return fmt.Sprintf("%s:%s/%s", a.Kind, a.Group, a.Symbol)
	}
	return fmt.Sprintf("%s:%s", a.Kind, a.Symbol)
}

// ParseAttachPoint parses "kprobe:SYM", "kretprobe:SYM" or "tracepoint:GROUP/NAME".
func ParseAttachPoint(s string) (AttachPoint, error) {
	kind, target, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || target == "" {
		return AttachPoint{}, fmt.Errorf("invalid attach point %q: expected KIND:TARGET", s)
	}

	switch AttachKind(kind) {
	case Kprobe, Kretprobe:
		if strings.ContainsAny(target, "/ ") {
			return AttachPoint{}, fmt.Errorf("invalid attach point %q: bad symbol", s)
		}
		return AttachPoint{Kind: AttachKind(kind), Symbol: target}, nil
	case Tracepoint:
		group, name, ok := strings.Cut(target, "/")
		if !ok || group == "" || name == "" {
			return AttachPoint{}, fmt.Errorf("invalid attach point %q: expected tracepoint:GROUP/NAME", s)
		}
		return AttachPoint{Kind: Tracepoint, Group: group, Symbol: name}, nil
	default:
		return AttachPoint{}, fmt.Errorf("invalid attach point %q: unknown kind %q", s, kind)
	}
}

// Stage is one declared instrumentation point.
type Stage struct {
	Name   string `yaml:"name"`
	Attach string `yaml:"attach"`
	Role   Role   `yaml:"role"`
	// Requires lists stages that must already be recorded for the guard to hold.
	// Only meaningful for intermediate and terminal stages.
	Requires []string `yaml:"requires,omitempty"`

	point AttachPoint
}

// AttachPoint returns the parsed attach point. Only valid on stages of a loaded Table.
func (s *Stage) AttachPoint() AttachPoint {
	return s.point
}

// Interval declares a duration computed between two stages.
type Interval struct {
	Name string `yaml:"name"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
}
