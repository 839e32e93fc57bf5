// Package abandoned reclaims sessions their borrowers never returned. A
// Pool wraps the resource pool, remembers what it handed out and, when the
// pool is close to exhaustion or on maintenance, invalidates borrowed
// objects whose activity marker is older than the configured timeout.
package abandoned

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
)

// ResourcePool is the pool being guarded.
type ResourcePool[T comparable] interface {
	Borrow(ctx context.Context) (T, error)
	Return(ctx context.Context, obj T) error
	Invalidate(obj T) error
	NumActive() int
	NumIdle() int
	MaxActive() int
}

// Trackable is a pooled object with an activity marker. LastUsedNanos
// returns zero while no borrower owns the marker.
type Trackable interface {
	comparable
	ID() string
	LastUsedNanos() int64
	Origin() []poolerrors.StackFrame
}

// Config controls when sweeps run and what they reclaim.
type Config struct {
	// Timeout is how long a borrowed object may go unused.
	Timeout time.Duration
	// RemoveOnBorrow sweeps before a borrow when the pool is under pressure.
	RemoveOnBorrow bool
	// LogStackTraces logs the borrowing stack of reclaimed objects.
	LogStackTraces bool
	// Pressure is idle < IdleThreshold and active > max - ActiveMargin.
	IdleThreshold int
	ActiveMargin  int
	// OnSweep, if set, receives the result of every sweep.
	OnSweep func(context.Context, Result)
	Logger  *zap.Logger
}

// Result summarizes one sweep.
type Result struct {
	Candidates int
	Reclaimed  int
	Failed     int
}

// Pool tracks borrowed objects of an inner pool and reclaims abandoned ones.
type Pool[T Trackable] struct {
	inner  ResourcePool[T]
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	borrowed map[T]struct{}

	sweeps    atomic.Int64
	reclaimed atomic.Int64
	failed    atomic.Int64
}

// New wraps inner.
func New[T Trackable](inner ResourcePool[T], cfg Config) *Pool[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[T]{
		inner:    inner,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "abandoned")),
		now:      time.Now,
		borrowed: make(map[T]struct{}),
	}
}

// Borrow sweeps first when RemoveOnBorrow is set and the pool is under
// pressure, then borrows from the inner pool.
func (p *Pool[T]) Borrow(ctx context.Context) (T, error) {
	if p.cfg.RemoveOnBorrow && p.UnderPressure() {
		p.Sweep(ctx)
	}
	obj, err := p.inner.Borrow(ctx)
	if err != nil {
		return obj, err
	}
	p.mu.Lock()
	p.borrowed[obj] = struct{}{}
	p.mu.Unlock()
	return obj, nil
}

// Return hands obj back to the inner pool. Objects already reclaimed are
// ignored.
func (p *Pool[T]) Return(ctx context.Context, obj T) error {
	if !p.forget(obj) {
		return nil
	}
	return p.inner.Return(ctx, obj)
}

// Invalidate destroys obj through the inner pool. Objects already reclaimed
// are ignored.
func (p *Pool[T]) Invalidate(obj T) error {
	if !p.forget(obj) {
		return nil
	}
	return p.inner.Invalidate(obj)
}

func (p *Pool[T]) forget(obj T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.borrowed[obj]; !ok {
		return false
	}
	delete(p.borrowed, obj)
	return true
}

func (p *Pool[T]) NumActive() int { return p.inner.NumActive() }
func (p *Pool[T]) NumIdle() int   { return p.inner.NumIdle() }
func (p *Pool[T]) MaxActive() int { return p.inner.MaxActive() }

// UnderPressure reports whether the pool is close enough to exhaustion for
// a borrow-path sweep.
func (p *Pool[T]) UnderPressure() bool {
	return p.inner.NumIdle() < p.cfg.IdleThreshold &&
		p.inner.NumActive() > p.inner.MaxActive()-p.cfg.ActiveMargin
}

// Sweep invalidates every borrowed object unused for longer than Timeout.
// Objects whose marker is zero are never reclaimed. Candidates are chosen
// under the lock and invalidated after it is released; one failure does
// not stop the rest.
func (p *Pool[T]) Sweep(ctx context.Context) Result {
	p.sweeps.Add(1)
	now := p.now().UnixNano()
	timeout := p.cfg.Timeout.Nanoseconds()

	p.mu.Lock()
	var candidates []T
	for obj := range p.borrowed {
		last := obj.LastUsedNanos()
		if last > 0 && now-last > timeout {
			candidates = append(candidates, obj)
			delete(p.borrowed, obj)
		}
	}
	p.mu.Unlock()

	res := Result{Candidates: len(candidates)}
	for _, obj := range candidates {
		fields := []zap.Field{
			zap.String("session", obj.ID()),
			zap.Duration("idle", time.Duration(now-obj.LastUsedNanos())),
		}
		if p.cfg.LogStackTraces {
			if origin := obj.Origin(); len(origin) > 0 {
				fields = append(fields, zap.String("origin", poolerrors.FormatStack(origin)))
			}
		}
		p.logger.Warn("reclaiming abandoned session", fields...)

		if err := p.inner.Invalidate(obj); err != nil {
			res.Failed++
			p.failed.Add(1)
			p.logger.Error("failed to reclaim abandoned session",
				zap.String("session", obj.ID()),
				zap.Error(poolerrors.Wrap(err, poolerrors.ErrorTypeAbandonedReclaim, "invalidate abandoned session")))
			continue
		}
		res.Reclaimed++
		p.reclaimed.Add(1)
	}
	if res.Candidates > 0 {
		p.logger.Info("abandoned session sweep finished",
			zap.Int("candidates", res.Candidates),
			zap.Int("reclaimed", res.Reclaimed),
			zap.Int("failed", res.Failed))
	}
	if p.cfg.OnSweep != nil {
		p.cfg.OnSweep(ctx, res)
	}
	return res
}

// MaintenanceSweep adapts Sweep to a maintenance hook.
func (p *Pool[T]) MaintenanceSweep(ctx context.Context) {
	p.Sweep(ctx)
}

// NumBorrowed returns how many objects are tracked as borrowed.
func (p *Pool[T]) NumBorrowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.borrowed)
}

// Stats reports sweep counters.
type Stats struct {
	Sweeps    int64 `json:"sweeps"`
	Reclaimed int64 `json:"reclaimed"`
	Failed    int64 `json:"failed"`
}

// Stats returns sweep counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Sweeps:    p.sweeps.Load(),
		Reclaimed: p.reclaimed.Load(),
		Failed:    p.failed.Load(),
	}
}
