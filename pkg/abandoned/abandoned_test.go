package abandoned

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
)

type conn struct {
	id       string
	lastUsed atomic.Int64
	origin   []poolerrors.StackFrame
}

func (c *conn) ID() string                      { return c.id }
func (c *conn) LastUsedNanos() int64            { return c.lastUsed.Load() }
func (c *conn) Origin() []poolerrors.StackFrame { return c.origin }

type fakePool struct {
	mu          sync.Mutex
	queue       []*conn
	active      int
	idle        int
	max         int
	borrows     int
	returned    []*conn
	invalidated []*conn
	failFor     map[*conn]error
}

func (f *fakePool) Borrow(ctx context.Context) (*conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.borrows++
	if len(f.queue) == 0 {
		return nil, poolerrors.New(poolerrors.ErrorTypePoolExhausted, "empty")
	}
	c := f.queue[0]
	f.queue = f.queue[1:]
	f.active++
	return c, nil
}

func (f *fakePool) Return(ctx context.Context, c *conn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returned = append(f.returned, c)
	f.active--
	return nil
}

func (f *fakePool) Invalidate(c *conn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, c)
	f.active--
	return f.failFor[c]
}

func (f *fakePool) NumActive() int { f.mu.Lock(); defer f.mu.Unlock(); return f.active }
func (f *fakePool) NumIdle() int   { f.mu.Lock(); defer f.mu.Unlock(); return f.idle }
func (f *fakePool) MaxActive() int { return f.max }

func newConns(n int) []*conn {
	out := make([]*conn, n)
	for i := range out {
		out[i] = &conn{id: string(rune('a' + i))}
	}
	return out
}

func borrowAll(t *testing.T, p *Pool[*conn], n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := p.Borrow(context.Background())
		require.NoError(t, err)
	}
}

func TestSweepReclaimsStaleSessions(t *testing.T) {
	conns := newConns(3)
	inner := &fakePool{queue: conns, max: 3}
	p := New[*conn](inner, Config{Timeout: time.Minute})
	now := time.Now()
	p.now = func() time.Time { return now }
	borrowAll(t, p, 3)

	conns[0].lastUsed.Store(now.Add(-2 * time.Minute).UnixNano())
	conns[1].lastUsed.Store(now.Add(-10 * time.Second).UnixNano())
	conns[2].lastUsed.Store(0)

	res := p.Sweep(context.Background())
	assert.Equal(t, Result{Candidates: 1, Reclaimed: 1}, res)
	assert.Equal(t, []*conn{conns[0]}, inner.invalidated)
	assert.Equal(t, 2, p.NumBorrowed())
	assert.Equal(t, Stats{Sweeps: 1, Reclaimed: 1}, p.Stats())
}

func TestSweepSkipsSessionsWithoutActivity(t *testing.T) {
	conns := newConns(1)
	inner := &fakePool{queue: conns, max: 1}
	p := New[*conn](inner, Config{Timeout: time.Nanosecond})
	borrowAll(t, p, 1)

	assert.Zero(t, p.Sweep(context.Background()).Candidates)
	assert.Empty(t, inner.invalidated)
}

func TestReturnAfterReclaimIsIgnored(t *testing.T) {
	conns := newConns(1)
	inner := &fakePool{queue: conns, max: 1}
	p := New[*conn](inner, Config{Timeout: time.Millisecond})
	borrowAll(t, p, 1)
	conns[0].lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())

	p.Sweep(context.Background())
	assert.NoError(t, p.Return(context.Background(), conns[0]))
	assert.NoError(t, p.Invalidate(conns[0]))
	assert.Empty(t, inner.returned)
	assert.Len(t, inner.invalidated, 1)
}

func TestReclaimFailuresAreIndependent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	conns := newConns(3)
	inner := &fakePool{queue: conns, max: 3, failFor: map[*conn]error{}}
	p := New[*conn](inner, Config{Timeout: time.Millisecond, Logger: zap.New(core)})
	borrowAll(t, p, 3)

	stale := time.Now().Add(-time.Hour).UnixNano()
	for _, c := range conns {
		c.lastUsed.Store(stale)
	}
	inner.failFor[conns[1]] = errors.New("socket already gone")

	res := p.Sweep(context.Background())
	assert.Equal(t, Result{Candidates: 3, Reclaimed: 2, Failed: 1}, res)
	assert.Len(t, inner.invalidated, 3)

	failures := logs.FilterMessage("failed to reclaim abandoned session").All()
	require.Len(t, failures, 1)
	assert.Equal(t, zapcore.ErrorLevel, failures[0].Level)
	err, ok := failures[0].ContextMap()["error"].(string)
	require.True(t, ok)
	assert.Contains(t, err, string(poolerrors.ErrorTypeAbandonedReclaim))
}

func TestSweepLogsOriginWhenEnabled(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c := &conn{id: "a", origin: poolerrors.CaptureStack(0)}
	inner := &fakePool{queue: []*conn{c}, max: 1}
	p := New[*conn](inner, Config{Timeout: time.Millisecond, LogStackTraces: true, Logger: zap.New(core)})
	borrowAll(t, p, 1)
	c.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())

	p.Sweep(context.Background())
	entries := logs.FilterMessage("reclaiming abandoned session").All()
	require.Len(t, entries, 1)
	origin, ok := entries[0].ContextMap()["origin"].(string)
	require.True(t, ok)
	assert.Contains(t, origin, "TestSweepLogsOriginWhenEnabled")
}

func TestBorrowSweepsOnlyUnderPressure(t *testing.T) {
	conns := newConns(4)
	inner := &fakePool{queue: conns, max: 4}
	p := New[*conn](inner, Config{
		Timeout:        time.Millisecond,
		RemoveOnBorrow: true,
		IdleThreshold:  2,
		ActiveMargin:   3,
	})
	borrowAll(t, p, 1)
	conns[0].lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())

	// active 1 is not above 4-3.
	borrowAll(t, p, 1)
	assert.Empty(t, inner.invalidated)
	assert.Zero(t, p.Stats().Sweeps)

	// active 2 is above 4-3 and idle 0 is below 2.
	assert.True(t, p.UnderPressure())
	borrowAll(t, p, 1)
	assert.Equal(t, []*conn{conns[0]}, inner.invalidated)
}

func TestBorrowDoesNotSweepWhenDisabled(t *testing.T) {
	conns := newConns(2)
	inner := &fakePool{queue: conns, max: 1}
	p := New[*conn](inner, Config{Timeout: time.Millisecond, IdleThreshold: 2, ActiveMargin: 3})
	borrowAll(t, p, 1)
	conns[0].lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())

	borrowAll(t, p, 1)
	assert.Empty(t, inner.invalidated)
}

func TestConcurrentReturnAndSweep(t *testing.T) {
	const n = 50
	conns := newConns(n)
	inner := &fakePool{queue: conns, max: n}
	p := New[*conn](inner, Config{Timeout: time.Millisecond})
	borrowAll(t, p, n)
	stale := time.Now().Add(-time.Hour).UnixNano()
	for _, c := range conns {
		c.lastUsed.Store(stale)
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			assert.NoError(t, p.Return(context.Background(), c))
		}(c)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Sweep(context.Background())
	}()
	wg.Wait()

	// Every session went back exactly one way.
	assert.Equal(t, n, len(inner.returned)+len(inner.invalidated))
	assert.Zero(t, p.NumBorrowed())
}
