// Package bpfloader manages the lifecycle of the probe programs and their kernel attachments.
package bpfloader

import (
	"errors"
	"fmt"

	"github.com/mrzor/udplat/internal/bpf"
	"github.com/mrzor/udplat/internal/stage"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	log "github.com/sirupsen/logrus"
)

// DefaultRingSize is the ring buffer size used when none is configured.
const DefaultRingSize = 4 << 20

// Loader owns the ring buffer, one program per stage and the links attaching them.
type Loader struct {
	table    *stage.Table
	events   *ebpf.Map
	programs []*ebpf.Program
	links    []link.Link
}

// New removes the memlock limit, creates the ring buffer and loads one program per stage of t.
func New(t *stage.Table, ringSize int) (*Loader, error) {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	l := &Loader{table: t}

	var err error
	//nolint:gosec // ring size is validated by the kernel
	l.events, err = ebpf.NewMap(bpf.RingBufferSpec(uint32(ringSize)))
	if err != nil {
		return nil, fmt.Errorf("creating ring buffer: %w", err)
	}

	for i, st := range t.Stages() {
		spec, err := bpf.ProgramSpec(t, stage.ID(i), l.events.FD())
		if err != nil {
			return nil, l.closeErrorf("building program", err)
		}
		prog, err := ebpf.NewProgram(spec)
		if err != nil {
			return nil, l.closeErrorf(fmt.Sprintf("loading program for stage %s", st.Name), err)
		}
		l.programs = append(l.programs, prog)
	}

	return l, nil
}

// closeErrorf releases everything acquired so far and returns a formatted error.
func (l *Loader) closeErrorf(errstr string, e error) error {
	_ = l.Close() //nolint:errcheck // best-effort cleanup in error path
	return fmt.Errorf("%s: %w", errstr, e)
}

// Attach links every stage's program to its attach point. On failure all
// links made so far are released along with the programs.
func (l *Loader) Attach() error {
	for i := range l.table.Stages() {
		st := l.table.Stage(stage.ID(i))
		point := st.AttachPoint()

		lk, err := attach(point, l.programs[i])
		if err != nil {
			return l.closeErrorf(fmt.Sprintf("attaching %s for stage %s", point, st.Name), err)
		}
		l.links = append(l.links, lk)
		log.Debugf("Attached stage %s (%s) to %s", st.Name, st.Role, point)
	}
	return nil
}

func attach(point stage.AttachPoint, prog *ebpf.Program) (link.Link, error) {
	switch point.Kind {
	case stage.Kprobe:
		return link.Kprobe(point.Symbol, prog, nil)
	case stage.Kretprobe:
		return link.Kretprobe(point.Symbol, prog, nil)
	case stage.Tracepoint:
		return link.Tracepoint(point.Group, point.Symbol, prog, nil)
	default:
		return nil, fmt.Errorf("unsupported attach kind %q", point.Kind)
	}
}

// OpenRingBuffer opens a reader on the shared ring buffer.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.events)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// Close detaches every link and releases programs and the ring buffer.
// It is safe to call more than once.
func (l *Loader) Close() error {
	var errs []error

	for i := len(l.links) - 1; i >= 0; i-- {
		if err := l.links[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing link for stage %s: %w", l.table.Stage(stage.ID(i)).Name, err))
		}
	}
	l.links = nil

	for i, prog := range l.programs {
		if err := prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing program for stage %s: %w", l.table.Stage(stage.ID(i)).Name, err))
		}
	}
	l.programs = nil

	if l.events != nil {
		if err := l.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing ring buffer: %w", err))
		}
		l.events = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}
	return nil
}
