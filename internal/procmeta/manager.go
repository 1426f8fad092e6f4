package procmeta

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultTTL bounds how long an entry is trusted before /proc is read again.
	DefaultTTL = 30 * time.Second
	// DefaultMaxEntries bounds the number of cached PIDs.
	DefaultMaxEntries = 4096
	// DefaultQueueSize bounds the number of PIDs waiting for the Run worker.
	DefaultQueueSize = 256
)

type entry struct {
	metadata *ProcessMetadata
	err      error
	fetched  time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithProcRoot reads metadata below root instead of /proc.
func WithProcRoot(root string) Option {
	return func(m *Manager) { m.procRoot = root }
}

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithMaxEntries sets the cache bound.
func WithMaxEntries(n int) Option {
	return func(m *Manager) { m.maxEntries = n }
}

// WithQueueSize sets how many prefetch requests may wait for the worker.
func WithQueueSize(n int) Option {
	return func(m *Manager) { m.queueSize = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager caches process metadata per PID.
type Manager struct {
	mu      sync.RWMutex
	entries map[uint32]*entry
	pending map[uint32]struct{}
	queue   chan uint32

	procRoot   string
	ttl        time.Duration
	maxEntries int
	queueSize  int
	now        func() time.Time
}

// NewManager creates a new process metadata manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries:    make(map[uint32]*entry),
		pending:    make(map[uint32]struct{}),
		procRoot:   "/proc",
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		queueSize:  DefaultQueueSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.queue = make(chan uint32, max(m.queueSize, 1))
	return m
}

// Get returns cached metadata for pid without touching /proc (query). ok is
// false when the PID is unknown or its entry expired. A cached read failure
// yields nil metadata with ok true.
func (m *Manager) Get(pid uint32) (md *ProcessMetadata, ok bool) {
	m.mu.RLock()
	e := m.entries[pid]
	m.mu.RUnlock()
	if e == nil || !m.fresh(e) {
		return nil, false
	}
	return e.metadata, true
}

// Len returns the number of cached PIDs (query).
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Lookup returns metadata for pid, reading /proc when the PID is unknown or
// its entry expired (command). Read failures are cached like successes, so a
// vanished process is not re-read on every record.
func (m *Manager) Lookup(pid uint32) (*ProcessMetadata, error) {
	m.mu.RLock()
	e := m.entries[pid]
	m.mu.RUnlock()
	if e != nil && m.fresh(e) {
		return e.metadata, e.err
	}

	md, err := Read(m.procRoot, pid)
	if err != nil {
		m.setError(pid, err)
		return nil, err
	}
	m.set(pid, md)
	return md, nil
}

// Prefetch queues pid for the Run worker unless it is cached or already
// queued (command). It never blocks: when the queue is full the request is
// dropped and a later Prefetch retries.
func (m *Manager) Prefetch(pid uint32) {
	if _, ok := m.Get(pid); ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, queued := m.pending[pid]; queued {
		return
	}
	select {
	case m.queue <- pid:
		m.pending[pid] = struct{}{}
	default:
	}
}

// Run reads prefetched PIDs into the cache until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pid := <-m.queue:
			if _, err := m.Lookup(pid); err != nil {
				log.Debugf("process metadata for pid %d: %v", pid, err)
			}
			m.mu.Lock()
			delete(m.pending, pid)
			m.mu.Unlock()
		}
	}
}

func (m *Manager) fresh(e *entry) bool {
	return m.now().Sub(e.fetched) < m.ttl
}

func (m *Manager) set(pid uint32, metadata *ProcessMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(pid, &entry{metadata: metadata, fetched: m.now()})
}

func (m *Manager) setError(pid uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(pid, &entry{err: err, fetched: m.now()})
}

// putLocked stores e, making room first when the cache is full.
func (m *Manager) putLocked(pid uint32, e *entry) {
	if _, ok := m.entries[pid]; !ok && m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		m.evictLocked()
	}
	m.entries[pid] = e
}

// evictLocked drops expired entries, or the oldest one if none expired.
func (m *Manager) evictLocked() {
	now := m.now()
	var (
		oldestPID uint32
		oldest    time.Time
		found     bool
	)
	for pid, e := range m.entries {
		if now.Sub(e.fetched) >= m.ttl {
			delete(m.entries, pid)
			continue
		}
		if !found || e.fetched.Before(oldest) {
			oldestPID, oldest, found = pid, e.fetched, true
		}
	}
	if len(m.entries) >= m.maxEntries && found {
		delete(m.entries, oldestPID)
	}
}
