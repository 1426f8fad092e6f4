package stage

import (
	"errors"
	"fmt"
	"os"

	"github.com/mrzor/udplat/internal/record"

	"gopkg.in/yaml.v3"
)

// ErrInvalidTable is wrapped by every validation failure.
var ErrInvalidTable = errors.New("invalid stage table")

// Table is a validated, immutable stage declaration table.
type Table struct {
	stages    []Stage
	intervals []Interval
	unit      record.Unit

	byName   map[string]ID
	requires [][]ID
	start    ID
	terminal ID
}

// tableFile is the YAML document layout.
type tableFile struct {
	Unit      string     `yaml:"unit"`
	Stages    []Stage    `yaml:"stages"`
	Intervals []Interval `yaml:"intervals"`
}

// Load reads and validates a YAML stage table from path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stage table: %w", err)
	}
	return Parse(data)
}

// Parse validates a YAML stage table.
func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	unit, err := record.ParseUnit(f.Unit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	return New(f.Stages, f.Intervals, unit)
}

// New validates stages and intervals and builds a Table.
func New(stages []Stage, intervals []Interval, unit record.Unit) (*Table, error) {
	t := &Table{
		stages:    make([]Stage, len(stages)),
		intervals: append([]Interval(nil), intervals...),
		unit:      unit,
		byName:    make(map[string]ID, len(stages)),
		requires:  make([][]ID, len(stages)),
	}
	copy(t.stages, stages)

	if len(t.stages) == 0 {
		return nil, invalidf("no stages declared")
	}

	starts, terminals, aborts := 0, 0, 0
	for i := range t.stages {
		s := &t.stages[i]
		if s.Name == "" {
			return nil, invalidf("stage %d has no name", i)
		}
		if _, dup := t.byName[s.Name]; dup {
			return nil, invalidf("duplicate stage name %q", s.Name)
		}
		if !s.Role.valid() {
			return nil, invalidf("stage %q: unknown role %q", s.Name, s.Role)
		}
		point, err := ParseAttachPoint(s.Attach)
		if err != nil {
			return nil, invalidf("stage %q: %v", s.Name, err)
		}
		s.point = point
		//nolint:gosec // bounded by len(stages)
		t.byName[s.Name] = ID(i)

		switch s.Role {
		case RoleStart:
			starts++
			t.start = ID(i) //nolint:gosec // bounded by len(stages)
		case RoleTerminal:
			terminals++
			t.terminal = ID(i) //nolint:gosec // bounded by len(stages)
		case RoleAbort:
			aborts++
		}
	}

	if starts != 1 {
		return nil, invalidf("want exactly one start stage, got %d", starts)
	}
	if terminals != 1 {
		return nil, invalidf("want exactly one terminal stage, got %d", terminals)
	}
	if aborts == 0 {
		return nil, invalidf("at least one abort stage is required")
	}
	if t.terminal < t.start {
		return nil, invalidf("terminal stage %q precedes start stage %q", t.stages[t.terminal].Name, t.stages[t.start].Name)
	}

	for i := range t.stages {
		s := &t.stages[i]
		if s.Role == RolePreStage && ID(i) > t.start { //nolint:gosec // bounded by len(stages)
			return nil, invalidf("pre-stage %q must be declared before the start stage", s.Name)
		}
		if len(s.Requires) > 0 && s.Role != RoleIntermediate && s.Role != RoleTerminal {
			return nil, invalidf("stage %q: requires is only allowed on intermediate and terminal stages", s.Name)
		}
		for _, name := range s.Requires {
			id, ok := t.byName[name]
			if !ok {
				return nil, invalidf("stage %q requires unknown stage %q", s.Name, name)
			}
			switch t.stages[id].Role {
			case RoleStart, RoleIntermediate:
			default:
				return nil, invalidf("stage %q requires %q which is not a start or intermediate stage", s.Name, name)
			}
			t.requires[i] = append(t.requires[i], id)
		}
	}

	seen := make(map[string]bool, len(t.intervals))
	for _, iv := range t.intervals {
		if iv.Name == "" {
			return nil, invalidf("interval without a name")
		}
		if seen[iv.Name] {
			return nil, invalidf("duplicate interval name %q", iv.Name)
		}
		seen[iv.Name] = true
		for _, ref := range []string{iv.From, iv.To} {
			id, ok := t.byName[ref]
			if !ok {
				return nil, invalidf("interval %q references unknown stage %q", iv.Name, ref)
			}
			if t.stages[id].Role == RoleAbort {
				return nil, invalidf("interval %q references abort stage %q", iv.Name, ref)
			}
		}
	}

	return t, nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTable, fmt.Sprintf(format, args...))
}

// Len returns the number of declared stages.
func (t *Table) Len() int { return len(t.stages) }

// Stage returns the stage with the given ID. It panics on an out-of-range ID,
// callers check with Valid first.
func (t *Table) Stage(id ID) *Stage { return &t.stages[id] }

// Valid reports whether id names a declared stage.
func (t *Table) Valid(id ID) bool { return int(id) < len(t.stages) }

// Lookup finds a stage ID by name.
func (t *Table) Lookup(name string) (ID, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Start returns the start stage.
func (t *Table) Start() ID { return t.start }

// Terminal returns the terminal stage.
func (t *Table) Terminal() ID { return t.terminal }

// Requires returns the stages that must be recorded before id may act.
func (t *Table) Requires(id ID) []ID { return t.requires[id] }

// Intervals returns the declared intervals in output order.
func (t *Table) Intervals() []Interval { return t.intervals }

// Unit returns the time unit used for output.
func (t *Table) Unit() record.Unit { return t.unit }

// Stages returns all stages in pipeline order.
func (t *Table) Stages() []Stage { return t.stages }

// WithUnit returns a copy of t rendering durations in unit.
func (t *Table) WithUnit(unit record.Unit) *Table {
	c := *t
	c.unit = unit
	return &c
}
