// Package eventstream reads probe samples from the ring buffer and delivers
// them to per-stage intake callbacks.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mrzor/udplat/internal/bpf"
	"github.com/mrzor/udplat/internal/correlator"

	"github.com/cilium/ebpf/ringbuf"
	log "github.com/sirupsen/logrus"
)

// Reader is the part of *ringbuf.Reader the stream uses.
type Reader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// Stats counts samples seen by the stream.
type Stats struct {
	Samples   uint64
	Delivered uint64
	Malformed uint64
	Unknown   uint64
	Filtered  uint64
}

// Option configures a Stream.
type Option func(*Stream)

// WithPID restricts delivery to events from one process. Zero disables the filter.
func WithPID(pid uint32) Option {
	return func(s *Stream) { s.pid = pid }
}

// Stream reads samples from a Reader and dispatches them by stage ID.
type Stream struct {
	reader    Reader
	callbacks []correlator.Callback
	pid       uint32

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	samples   atomic.Uint64
	delivered atomic.Uint64
	malformed atomic.Uint64
	unknown   atomic.Uint64
	filtered  atomic.Uint64
}

// New creates a Stream. callbacks is indexed by stage ID.
func New(reader Reader, callbacks []correlator.Callback, opts ...Option) *Stream {
	s := &Stream{
		reader:    reader,
		callbacks: callbacks,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind resolves one intake callback per stage of the engine's table, in stage ID order.
func Bind(e *correlator.Engine) ([]correlator.Callback, error) {
	stages := e.Table().Stages()
	callbacks := make([]correlator.Callback, len(stages))
	for i, st := range stages {
		cb, err := e.Intake(st.Name)
		if err != nil {
			return nil, fmt.Errorf("binding stage %s: %w", st.Name, err)
		}
		callbacks[i] = cb
	}
	return callbacks, nil
}

// Start reads samples in a goroutine until the context is cancelled,
// Stop is called or the reader is closed.
func (s *Stream) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("stream already started")
	}
	go s.processEvents(ctx)
	return nil
}

// Stop ends processing, closes the reader and waits for the loop to exit.
func (s *Stream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if cerr := s.reader.Close(); cerr != nil {
			err = fmt.Errorf("closing ring buffer reader: %w", cerr)
		}
		if s.started.Load() {
			<-s.done
		}
	})
	return err
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Samples:   s.samples.Load(),
		Delivered: s.delivered.Load(),
		Malformed: s.malformed.Load(),
		Unknown:   s.unknown.Load(),
		Filtered:  s.filtered.Load(),
	}
}

func (s *Stream) processEvents(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		rec, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			log.Warnf("reading from ring buffer: %v", err)
			continue
		}
		s.dispatch(rec.RawSample)
	}
}

// dispatch decodes one sample and hands it to the callback for its stage.
func (s *Stream) dispatch(raw []byte) {
	s.samples.Add(1)

	ev, err := bpf.Decode(raw)
	if err != nil {
		s.malformed.Add(1)
		log.Debugf("parsing event: %v", err)
		return
	}

	if int(ev.Stage) >= len(s.callbacks) || s.callbacks[ev.Stage] == nil {
		s.unknown.Add(1)
		return
	}

	key := ev.Key()
	if s.pid != 0 && key.PID() != s.pid {
		s.filtered.Add(1)
		return
	}

	s.callbacks[ev.Stage](key, ev.Timestamp, ev.Meta())
	s.delivered.Add(1)
}
