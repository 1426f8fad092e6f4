package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mrzor/udplat/internal/event"
	"github.com/mrzor/udplat/internal/record"
	"github.com/mrzor/udplat/internal/stage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	records []*record.LatencyRecord
}

func (c *collector) Emit(r *record.LatencyRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *collector) all() []*record.LatencyRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*record.LatencyRecord(nil), c.records...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// simpleTable is Start → Intermediate → Terminal with an abort marker.
func simpleTable(t *testing.T) *stage.Table {
	t.Helper()
	tbl, err := stage.New([]stage.Stage{
		{Name: "Start", Attach: "kprobe:start", Role: stage.RoleStart},
		{Name: "Intermediate", Attach: "kprobe:mid", Role: stage.RoleIntermediate},
		{Name: "Terminal", Attach: "kprobe:end", Role: stage.RoleTerminal, Requires: []string{"Intermediate"}},
		{Name: "Return", Attach: "kretprobe:start", Role: stage.RoleAbort},
	}, []stage.Interval{
		{Name: "a", From: "Start", To: "Intermediate"},
		{Name: "b", From: "Intermediate", To: "Terminal"},
	}, record.Nanoseconds)
	require.NoError(t, err)
	return tbl
}

type harness struct {
	t      *testing.T
	table  *stage.Table
	engine *Engine
	out    *collector
	clock  *fakeClock
}

func newHarness(t *testing.T, tbl *stage.Table, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, table: tbl, out: &collector{}, clock: &fakeClock{now: time.Unix(1_700_000_000, 0)}}
	opts = append([]Option{WithClock(h.clock.Now), WithShards(4)}, opts...)
	h.engine = New(tbl, h.out, opts...)
	return h
}

func (h *harness) fire(key event.ContextKey, name string, ts uint64) {
	h.t.Helper()
	cb, err := h.engine.Intake(name)
	require.NoError(h.t, err)
	cb(key, ts, event.Meta{PID: key.PID(), TID: key.TID(), Comm: "nc"})
}

func TestEngine_ExampleScenario(t *testing.T) {
	h := newHarness(t, simpleTable(t))
	a := event.NewContextKey(100, 101)

	h.fire(a, "Start", 0)
	h.fire(a, "Intermediate", 100)
	h.fire(a, "Terminal", 300)

	recs := h.out.all()
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, uint32(100), r.PID)
	assert.Equal(t, uint32(101), r.TID)
	assert.Equal(t, "nc", r.Comm)
	require.Len(t, r.Intervals, 2)
	assert.Equal(t, time.Duration(100), r.Intervals[0].Duration)
	assert.Equal(t, time.Duration(200), r.Intervals[1].Duration)
	assert.True(t, r.Intervals[0].Valid)
	assert.Equal(t, time.Duration(300), r.Total)
	assert.False(t, r.Anomalous())
	assert.Equal(t, 0, h.engine.InFlight())
}

func TestEngine_GuardUnknownContext(t *testing.T) {
	h := newHarness(t, simpleTable(t))
	b := event.NewContextKey(200, 200)

	h.fire(b, "Intermediate", 50)
	h.fire(b, "Terminal", 80)

	assert.Empty(t, h.out.all())
	_, ok := h.engine.State(b)
	assert.False(t, ok)
	assert.Equal(t, 0, h.engine.InFlight())
	assert.Equal(t, uint64(2), h.engine.Stats().Ignored)
}

func TestEngine_TerminalRequiresGuard(t *testing.T) {
	h := newHarness(t, simpleTable(t))
	k := event.NewContextKey(1, 1)

	h.fire(k, "Start", 10)
	h.fire(k, "Terminal", 20) // Intermediate missing: ignored, state retained

	assert.Empty(t, h.out.all())
	st, ok := h.engine.State(k)
	require.True(t, ok)
	assert.Equal(t, PhaseStarted, st.Phase())

	h.fire(k, "Intermediate", 30)
	h.fire(k, "Terminal", 40)
	require.Len(t, h.out.all(), 1)
	assert.Equal(t, time.Duration(30), h.out.all()[0].Total)
}

func TestEngine_FirstWins(t *testing.T) {
	h := newHarness(t, simpleTable(t))
	k := event.NewContextKey(1, 2)

	h.fire(k, "Start", 0)
	h.fire(k, "Intermediate", 100)
	h.fire(k, "Intermediate", 150)
	h.fire(k, "Start", 5)

	st, ok := h.engine.State(k)
	require.True(t, ok)
	ts, _ := st.Seen(1)
	assert.Equal(t, uint64(100), ts)
	assert.Equal(t, uint64(0), st.Birth)

	h.fire(k, "Terminal", 300)
	recs := h.out.all()
	require.Len(t, recs, 1)
	assert.Equal(t, time.Duration(100), recs[0].Intervals[0].Duration)
	assert.Equal(t, time.Duration(200), recs[0].Intervals[1].Duration)
	assert.Contains(t, recs[0].Anomalies, "duplicate Intermediate")
	assert.Contains(t, recs[0].Anomalies, "duplicate Start")
	assert.Equal(t, uint64(2), h.engine.Stats().Duplicates)
}

func TestEngine_IdenticalDuplicateIsNotAnomalous(t *testing.T) {
	h := newHarness(t, simpleTable(t))
	k := event.NewContextKey(1, 3)

	h.fire(k, "Start", 0)
	h.fire(k, "Intermediate", 100)
	h.fire(k, "Intermediate", 100)
	h.fire(k, "Terminal", 300)

	require.Len(t, h.out.all(), 1)
	assert.False(t, h.out.all()[0].Anomalous())
}

func TestEngine_AbortCleanup(t *testing.T) {
	h := newHarness(t, stage.Default())
	k := event.NewContextKey(42, 43)

	h.fire(k, stage.SendRequested, 10)
	h.fire(k, stage.SockSendmsg, 20)
	h.fire(k, stage.TransportEnter, 30)
	assert.Equal(t, 1, h.engine.InFlight(), "pre-stage mark is merged at start")

	h.fire(k, stage.SockReturn, 40)

	assert.Empty(t, h.out.all())
	assert.Equal(t, 0, h.engine.InFlight())
	assert.Equal(t, uint64(1), h.engine.Stats().Aborted)
}

func TestEngine_AbortClearsPendingMark(t *testing.T) {
	h := newHarness(t, stage.Default())
	k := event.NewContextKey(42, 44)

	h.fire(k, stage.SendRequested, 10)
	assert.Equal(t, 1, h.engine.InFlight())

	h.fire(k, stage.SyscallExit, 15)
	assert.Equal(t, 0, h.engine.InFlight())
	assert.Equal(t, uint64(1), h.engine.Stats().Cleanups)
	assert.Equal(t, uint64(0), h.engine.Stats().Aborted)
}

func TestEngine_UDPSendPath(t *testing.T) {
	h := newHarness(t, stage.Default())
	k := event.NewContextKey(7, 8)

	h.fire(k, stage.SendRequested, 1_000)
	h.fire(k, stage.SockSendmsg, 3_000)
	h.fire(k, stage.TransportEnter, 3_500)
	h.fire(k, stage.NetworkEnter, 9_500)
	h.fire(k, stage.Complete, 12_000)
	h.fire(k, stage.SockReturn, 13_000)
	h.fire(k, stage.SyscallExit, 13_100)

	recs := h.out.all()
	require.Len(t, recs, 1)
	r := recs[0]

	copyIv, ok := r.Interval("Copy")
	require.True(t, ok)
	assert.True(t, copyIv.Valid)
	assert.Equal(t, 2*time.Microsecond, copyIv.Duration)

	udp, ok := r.Interval("UDP")
	require.True(t, ok)
	assert.Equal(t, 6*time.Microsecond, udp.Duration)
	assert.Equal(t, 9*time.Microsecond, r.Total)
	assert.Equal(t, 0, h.engine.InFlight())

	st := h.engine.Stats()
	assert.Equal(t, uint64(1), st.Completed)
	assert.Equal(t, uint64(2), st.Cleanups)
}

func TestEngine_PreStageOptional(t *testing.T) {
	h := newHarness(t, stage.Default())
	k := event.NewContextKey(7, 9)

	// sendmsg(2) path: no sendto tracepoint
	h.fire(k, stage.SockSendmsg, 100)
	h.fire(k, stage.TransportEnter, 200)
	h.fire(k, stage.NetworkEnter, 300)
	h.fire(k, stage.Complete, 400)

	recs := h.out.all()
	require.Len(t, recs, 1)
	copyIv, _ := recs[0].Interval("Copy")
	assert.False(t, copyIv.Valid)
	udp, _ := recs[0].Interval("UDP")
	assert.True(t, udp.Valid)
}

func TestEngine_TCPSendIsNotRecorded(t *testing.T) {
	h := newHarness(t, stage.Default())
	k := event.NewContextKey(3, 3)

	// TCP shares sock_sendmsg and dev_queue_xmit but never enters udp_sendmsg
	h.fire(k, stage.SockSendmsg, 100)
	h.fire(k, stage.Complete, 400)
	h.fire(k, stage.SockReturn, 500)

	assert.Empty(t, h.out.all())
	assert.Equal(t, 0, h.engine.InFlight())
}

func TestEngine_NegativeIntervalFlagged(t *testing.T) {
	h := newHarness(t, simpleTable(t))
	k := event.NewContextKey(5, 5)

	h.fire(k, "Start", 500)
	h.fire(k, "Intermediate", 400)
	h.fire(k, "Terminal", 900)

	recs := h.out.all()
	require.Len(t, recs, 1)
	assert.Equal(t, time.Duration(-100), recs[0].Intervals[0].Duration)
	assert.True(t, recs[0].Anomalous())
	assert.Contains(t, recs[0].Anomalies, "negative a")
	assert.Contains(t, recs[0].Anomalies, "out of order Intermediate")
	assert.Equal(t, uint64(1), h.engine.Stats().Anomalous)
}

func TestEngine_BoundedMemory(t *testing.T) {
	h := newHarness(t, stage.Default())

	for i := 0; i < 1000; i++ {
		//nolint:gosec // bounded test loop
		k := event.NewContextKey(1, uint32(i%37))
		base := uint64(i) * 10_000
		h.fire(k, stage.SendRequested, base)
		h.fire(k, stage.SockSendmsg, base+10)
		h.fire(k, stage.TransportEnter, base+20)
		if i%3 == 0 {
			h.fire(k, stage.SockReturn, base+30) // aborted
		} else {
			h.fire(k, stage.NetworkEnter, base+40)
			h.fire(k, stage.Complete, base+50)
		}
		h.fire(k, stage.SyscallExit, base+60)
	}

	assert.Equal(t, 0, h.engine.InFlight())
	st := h.engine.Stats()
	assert.Equal(t, uint64(334), st.Aborted)
	assert.Equal(t, uint64(666), st.Completed)
	assert.Len(t, h.out.all(), 666)
}

// interleavings returns every merge of two ordered sequences of lengths n and
// m, each as a list of picks: 0 takes the next element of the first sequence,
// 1 of the second.
func interleavings(n, m int) [][]int {
	if n == 0 && m == 0 {
		return [][]int{nil}
	}
	var out [][]int
	if n > 0 {
		for _, rest := range interleavings(n-1, m) {
			out = append(out, append([]int{0}, rest...))
		}
	}
	if m > 0 {
		for _, rest := range interleavings(n, m-1) {
			out = append(out, append([]int{1}, rest...))
		}
	}
	return out
}

func TestEngine_ConcurrencyIsolation(t *testing.T) {
	steps := []struct {
		name string
		at   uint64
	}{
		{"Start", 0},
		{"Intermediate", 100},
		{"Terminal", 300},
	}
	keys := [2]event.ContextKey{event.NewContextKey(1, 1), event.NewContextKey(2, 2)}
	offsets := [2]uint64{0, 1000}

	byPID := func(rs []*record.LatencyRecord) map[uint32]*record.LatencyRecord {
		m := make(map[uint32]*record.LatencyRecord)
		for _, r := range rs {
			m[r.PID] = r
		}
		return m
	}
	run := func(order []int) map[uint32]*record.LatencyRecord {
		h := newHarness(t, simpleTable(t))
		var next [2]int
		for _, w := range order {
			st := steps[next[w]]
			h.fire(keys[w], st.name, offsets[w]+st.at)
			next[w]++
		}
		assert.Equal(t, 0, h.engine.InFlight())
		return byPID(h.out.all())
	}

	isolated := run([]int{0, 0, 0, 1, 1, 1})
	require.Len(t, isolated, 2)

	orders := interleavings(len(steps), len(steps))
	require.Len(t, orders, 20)
	for _, order := range orders {
		assert.Equal(t, isolated, run(order), "order %v", order)
	}
}

func TestEngine_ConcurrentContexts(t *testing.T) {
	h := newHarness(t, simpleTable(t), WithShards(16))

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			//nolint:gosec // bounded test loop
			k := event.NewContextKey(uint32(g), uint32(g))
			for i := 0; i < 200; i++ {
				base := uint64(i) * 1000
				h.fire(k, "Start", base)
				h.fire(k, "Intermediate", base+100)
				h.fire(k, "Terminal", base+300)
			}
		}(g)
	}
	wg.Wait()

	recs := h.out.all()
	assert.Len(t, recs, 16*200)
	for _, r := range recs {
		assert.Equal(t, time.Duration(300), r.Total)
	}
	assert.Equal(t, 0, h.engine.InFlight())
}

func TestEngine_Evict(t *testing.T) {
	h := newHarness(t, stage.Default())
	stale, fresh := event.NewContextKey(1, 1), event.NewContextKey(1, 2)

	h.fire(stale, stage.SockSendmsg, 10)
	h.fire(stale, stage.TransportEnter, 20)
	h.clock.Advance(10 * time.Second)
	h.fire(fresh, stage.SendRequested, 30)

	assert.Equal(t, 2, h.engine.InFlight())
	assert.Equal(t, 1, h.engine.Evict(5*time.Second))
	assert.Equal(t, 1, h.engine.InFlight())
	_, ok := h.engine.State(stale)
	assert.False(t, ok)

	// the evicted context's late terminal is ignored
	h.fire(stale, stage.NetworkEnter, 40)
	h.fire(stale, stage.Complete, 50)
	assert.Empty(t, h.out.all())
	assert.Equal(t, uint64(1), h.engine.Stats().Evicted)
}

func TestEngine_RunEviction(t *testing.T) {
	h := newHarness(t, simpleTable(t))
	h.fire(event.NewContextKey(1, 1), "Start", 1)
	h.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.RunEviction(ctx, time.Millisecond, time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.engine.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestEngine_CapacityBound(t *testing.T) {
	h := newHarness(t, simpleTable(t), WithShards(1), WithCapacity(2))

	for i := uint32(0); i < 5; i++ {
		h.fire(event.NewContextKey(1, i), "Start", uint64(i))
		h.clock.Advance(time.Second)
	}

	assert.Equal(t, 2, h.engine.InFlight())
	assert.Equal(t, uint64(3), h.engine.Stats().Evicted)
	_, ok := h.engine.State(event.NewContextKey(1, 4))
	assert.True(t, ok, "newest context survives")
}

func TestEngine_CapacityIsTotal(t *testing.T) {
	// more shards than contexts: colliding keys under the limit stay put
	h := newHarness(t, simpleTable(t), WithShards(64), WithCapacity(64))
	for i := uint32(0); i < 20; i++ {
		h.fire(event.NewContextKey(i%3, i), "Start", uint64(i))
	}
	assert.Equal(t, 20, h.engine.InFlight())
	assert.Zero(t, h.engine.Stats().Evicted)

	h = newHarness(t, simpleTable(t), WithShards(64), WithCapacity(100))
	for i := uint32(0); i < 1000; i++ {
		h.fire(event.NewContextKey(1, i), "Start", uint64(i))
		h.clock.Advance(time.Millisecond)
		require.LessOrEqual(t, h.engine.InFlight(), 100, "after start %d", i)
	}
	assert.Equal(t, uint64(900), h.engine.Stats().Evicted)
}

func TestEngine_CloseDuringHandle(t *testing.T) {
	h := newHarness(t, simpleTable(t), WithShards(16))
	start, ok := h.table.Lookup("Start")
	require.True(t, ok)

	var wg sync.WaitGroup
	for g := uint32(0); g < 8; g++ {
		wg.Add(1)
		go func(g uint32) {
			defer wg.Done()
			for i := uint32(0); i < 2000; i++ {
				h.engine.Handle(event.Event{Stage: start, Key: event.NewContextKey(g, i), Timestamp: uint64(i)})
			}
		}(g)
	}

	require.Eventually(t, func() bool { return h.engine.InFlight() > 0 }, time.Second, time.Millisecond)
	require.NoError(t, h.engine.Close())
	wg.Wait()

	assert.Equal(t, 0, h.engine.InFlight(), "no event lands after Close")
}

func TestEngine_Close(t *testing.T) {
	h := newHarness(t, stage.Default())
	k := event.NewContextKey(1, 1)
	h.fire(k, stage.SendRequested, 1)
	h.fire(event.NewContextKey(2, 2), stage.SockSendmsg, 2)
	require.Equal(t, 2, h.engine.InFlight())

	require.NoError(t, h.engine.Close())
	assert.Equal(t, 0, h.engine.InFlight())

	h.fire(k, stage.SockSendmsg, 3)
	assert.Equal(t, 0, h.engine.InFlight(), "closed engine ignores events")
}

func TestEngine_IntakeUnknownStage(t *testing.T) {
	h := newHarness(t, simpleTable(t))

	_, err := h.engine.Intake("nope")
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestEngine_HandleUnknownStageID(t *testing.T) {
	h := newHarness(t, simpleTable(t))

	h.engine.Handle(event.Event{Stage: 99, Key: 1, Timestamp: 1})

	assert.Equal(t, uint64(1), h.engine.Stats().Unknown)
	assert.Equal(t, 0, h.engine.InFlight())
}
