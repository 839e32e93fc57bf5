package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
)

// Factory creates and manages the lifecycle of pooled objects. Pool calls
// it from borrow, return, invalidate and maintenance paths.
type Factory[T comparable] interface {
	Create(ctx context.Context) (T, error)
	Destroy(obj T) error
	Validate(ctx context.Context, obj T) error
	Activate(ctx context.Context, obj T) error
	Passivate(ctx context.Context, obj T) error
}

// Config sizes a Pool and drives its maintenance.
type Config struct {
	// Name labels log lines.
	Name      string
	MaxActive int
	MaxIdle   int
	MinIdle   int
	// MaxWait bounds how long Borrow blocks for capacity. Zero or less
	// waits for the caller's context only.
	MaxWait time.Duration
	LIFO    bool

	TestOnCreate  bool
	TestOnBorrow  bool
	TestOnReturn  bool
	TestWhileIdle bool

	// EvictionInterval runs maintenance periodically; zero or less disables it.
	EvictionInterval time.Duration
	MinEvictableIdle time.Duration

	Logger *zap.Logger
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Active             int           `json:"active"`
	Idle               int           `json:"idle"`
	MaxActive          int           `json:"max_active"`
	Created            int64         `json:"created"`
	Destroyed          int64         `json:"destroyed"`
	Borrowed           int64         `json:"borrowed"`
	Returned           int64         `json:"returned"`
	Invalidated        int64         `json:"invalidated"`
	ValidationFailures int64         `json:"validation_failures"`
	Exhausted          int64         `json:"exhausted"`
	WaitTime           time.Duration `json:"wait_time"`
}

type idleEntry[T comparable] struct {
	obj   T
	since time.Time
}

// Pool is a bounded object pool. At most MaxActive objects are borrowed at
// once; borrowers beyond that block until an object is returned or their
// wait limit passes. New objects are only created when no idle one is
// available.
type Pool[T comparable] struct {
	cfg     Config
	factory Factory[T]
	logger  *zap.Logger
	sem     *semaphore.Weighted

	mu          sync.Mutex
	idle        []idleEntry[T]
	active      map[T]time.Time
	closed      bool
	maintenance []func(context.Context)

	created            atomic.Int64
	destroyed          atomic.Int64
	borrowed           atomic.Int64
	returned           atomic.Int64
	invalidated        atomic.Int64
	validationFailures atomic.Int64
	exhausted          atomic.Int64
	waitNanos          atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a pool and starts its evictor when EvictionInterval is set.
func New[T comparable](factory Factory[T], cfg Config) *Pool[T] {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 8
	}
	if cfg.MaxIdle < 0 {
		cfg.MaxIdle = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool[T]{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With(zap.String("component", "pool"), zap.String("pool", cfg.Name)),
		sem:     semaphore.NewWeighted(int64(cfg.MaxActive)),
		active:  make(map[T]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if cfg.EvictionInterval > 0 {
		go p.evictLoop()
	} else {
		close(p.doneCh)
	}
	return p
}

// OnMaintenance registers fn to run at the end of every maintenance pass.
func (p *Pool[T]) OnMaintenance(fn func(context.Context)) {
	p.mu.Lock()
	p.maintenance = append(p.maintenance, fn)
	p.mu.Unlock()
}

// Borrow returns an activated, optionally validated object. It fails with
// a pool-exhausted error when no capacity frees up in time and with a
// pool-closed error after Close.
func (p *Pool[T]) Borrow(ctx context.Context) (T, error) {
	var zero T
	if p.isClosed() {
		return zero, poolerrors.New(poolerrors.ErrorTypePoolClosed, "pool is closed")
	}

	if err := p.acquire(ctx); err != nil {
		return zero, err
	}

	for {
		obj, ok := p.popIdle()
		fresh := false
		if !ok {
			var err error
			obj, err = p.create(ctx)
			if err != nil {
				p.sem.Release(1)
				return zero, err
			}
			fresh = true
		}

		if err := p.factory.Activate(ctx, obj); err != nil {
			p.logger.Debug("activation failed, destroying", zap.Error(err))
			p.destroy(obj)
			if fresh {
				p.sem.Release(1)
				return zero, err
			}
			continue
		}
		if (fresh && p.cfg.TestOnCreate) || (!fresh && p.cfg.TestOnBorrow) {
			if err := p.factory.Validate(ctx, obj); err != nil {
				p.validationFailures.Add(1)
				p.logger.Debug("validation failed on borrow, destroying", zap.Bool("fresh", fresh), zap.Error(err))
				p.destroy(obj)
				if fresh {
					p.sem.Release(1)
					return zero, err
				}
				continue
			}
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.destroy(obj)
			p.sem.Release(1)
			return zero, poolerrors.New(poolerrors.ErrorTypePoolClosed, "pool is closed")
		}
		p.active[obj] = time.Now()
		p.mu.Unlock()
		p.borrowed.Add(1)
		return obj, nil
	}
}

func (p *Pool[T]) acquire(ctx context.Context) error {
	start := time.Now()
	if p.sem.TryAcquire(1) {
		return nil
	}

	waitCtx := ctx
	if p.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.MaxWait)
		defer cancel()
	}
	err := p.sem.Acquire(waitCtx, 1)
	p.waitNanos.Add(int64(time.Since(start)))
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	p.exhausted.Add(1)
	return poolerrors.Wrap(err, poolerrors.ErrorTypePoolExhausted, "timed out waiting for an idle session").
		WithDetail("max_active", p.cfg.MaxActive).
		WithDetail("waited", time.Since(start).String())
}

func (p *Pool[T]) popIdle() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	n := len(p.idle)
	if n == 0 {
		return zero, false
	}
	var e idleEntry[T]
	if p.cfg.LIFO {
		e = p.idle[n-1]
		p.idle[n-1] = idleEntry[T]{}
		p.idle = p.idle[:n-1]
	} else {
		e = p.idle[0]
		p.idle[0] = idleEntry[T]{}
		p.idle = p.idle[1:]
	}
	return e.obj, true
}

func (p *Pool[T]) create(ctx context.Context) (T, error) {
	obj, err := p.factory.Create(ctx)
	if err != nil {
		return obj, err
	}
	p.created.Add(1)
	return obj, nil
}

func (p *Pool[T]) destroy(obj T) {
	p.destroyed.Add(1)
	if err := p.factory.Destroy(obj); err != nil {
		p.logger.Warn("failed to destroy pooled object", zap.Error(err))
	}
}

// Return hands obj back. Passivation and return-time validation failures
// destroy the object instead of pooling it; they are logged, not returned.
func (p *Pool[T]) Return(ctx context.Context, obj T) error {
	p.mu.Lock()
	if _, ok := p.active[obj]; !ok {
		p.mu.Unlock()
		return poolerrors.New(poolerrors.ErrorTypeInternal, "object is not borrowed from this pool")
	}
	delete(p.active, obj)
	p.mu.Unlock()
	p.returned.Add(1)
	defer p.sem.Release(1)

	if p.cfg.TestOnReturn {
		if err := p.factory.Validate(ctx, obj); err != nil {
			p.validationFailures.Add(1)
			p.logger.Debug("validation failed on return, destroying", zap.Error(err))
			p.destroy(obj)
			return nil
		}
	}
	if err := p.factory.Passivate(ctx, obj); err != nil {
		p.logger.Debug("passivation failed, destroying", zap.Error(err))
		p.destroy(obj)
		return nil
	}

	p.mu.Lock()
	if p.closed || len(p.idle) >= p.cfg.MaxIdle {
		p.mu.Unlock()
		p.destroy(obj)
		return nil
	}
	p.idle = append(p.idle, idleEntry[T]{obj: obj, since: time.Now()})
	p.mu.Unlock()
	return nil
}

// Invalidate destroys a borrowed object and frees its slot.
func (p *Pool[T]) Invalidate(obj T) error {
	p.mu.Lock()
	if _, ok := p.active[obj]; !ok {
		p.mu.Unlock()
		return poolerrors.New(poolerrors.ErrorTypeInternal, "object is not borrowed from this pool")
	}
	delete(p.active, obj)
	p.mu.Unlock()
	defer p.sem.Release(1)

	p.invalidated.Add(1)
	p.destroyed.Add(1)
	return p.factory.Destroy(obj)
}

// NumActive returns how many objects are borrowed.
func (p *Pool[T]) NumActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// NumIdle returns how many objects wait in the pool.
func (p *Pool[T]) NumIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// MaxActive returns the borrow limit.
func (p *Pool[T]) MaxActive() int {
	return p.cfg.MaxActive
}

// Stats returns a snapshot of counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	active, idle := len(p.active), len(p.idle)
	p.mu.Unlock()
	return Stats{
		Active:             active,
		Idle:               idle,
		MaxActive:          p.cfg.MaxActive,
		Created:            p.created.Load(),
		Destroyed:          p.destroyed.Load(),
		Borrowed:           p.borrowed.Load(),
		Returned:           p.returned.Load(),
		Invalidated:        p.invalidated.Load(),
		ValidationFailures: p.validationFailures.Load(),
		Exhausted:          p.exhausted.Load(),
		WaitTime:           time.Duration(p.waitNanos.Load()),
	}
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops maintenance and destroys idle objects in parallel. Objects
// still borrowed are destroyed when returned.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	var g errgroup.Group
	g.SetLimit(4)
	for _, e := range idle {
		obj := e.obj
		g.Go(func() error {
			p.destroyed.Add(1)
			return p.factory.Destroy(obj)
		})
	}
	err := g.Wait()
	p.logger.Info("pool closed", zap.Int("destroyed_idle", len(idle)), zap.Int("still_borrowed", p.NumActive()))
	return err
}

func (p *Pool[T]) evictLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EvictionInterval)
			p.Maintain(ctx)
			cancel()
		case <-p.stopCh:
			return
		}
	}
}

// Maintain runs one maintenance pass: it evicts idle objects older than
// MinEvictableIdle (keeping MinIdle), validates the rest when TestWhileIdle
// is set, tops the idle set up to MinIdle and runs registered hooks.
func (p *Pool[T]) Maintain(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var evict, test []T
	keep := p.idle[:0]
	remaining := len(p.idle)
	for _, e := range p.idle {
		switch {
		case p.cfg.MinEvictableIdle > 0 && now.Sub(e.since) > p.cfg.MinEvictableIdle && remaining > p.cfg.MinIdle:
			evict = append(evict, e.obj)
			remaining--
		case p.cfg.TestWhileIdle:
			test = append(test, e.obj)
		default:
			keep = append(keep, e)
		}
	}
	for i := len(keep); i < len(p.idle); i++ {
		p.idle[i] = idleEntry[T]{}
	}
	p.idle = keep
	hooks := append([]func(context.Context){}, p.maintenance...)
	p.mu.Unlock()

	for _, obj := range evict {
		p.destroy(obj)
	}
	for _, obj := range test {
		if err := p.testIdle(ctx, obj); err != nil {
			p.validationFailures.Add(1)
			p.logger.Debug("idle validation failed, destroying", zap.Error(err))
			p.destroy(obj)
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.destroy(obj)
			continue
		}
		p.idle = append(p.idle, idleEntry[T]{obj: obj, since: now})
		p.mu.Unlock()
	}
	if len(evict) > 0 {
		p.logger.Debug("evicted idle objects", zap.Int("count", len(evict)))
	}

	p.ensureMinIdle(ctx)
	for _, fn := range hooks {
		fn(ctx)
	}
}

func (p *Pool[T]) testIdle(ctx context.Context, obj T) error {
	if err := p.factory.Activate(ctx, obj); err != nil {
		return err
	}
	if err := p.factory.Validate(ctx, obj); err != nil {
		return err
	}
	return p.factory.Passivate(ctx, obj)
}

func (p *Pool[T]) ensureMinIdle(ctx context.Context) {
	for {
		p.mu.Lock()
		need := !p.closed && len(p.idle) < p.cfg.MinIdle && len(p.idle)+len(p.active) < p.cfg.MaxActive
		p.mu.Unlock()
		if !need {
			return
		}
		obj, err := p.create(ctx)
		if err != nil {
			p.logger.Warn("failed to create idle object", zap.Error(err))
			return
		}
		if err := p.factory.Passivate(ctx, obj); err != nil {
			p.destroy(obj)
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.destroy(obj)
			return
		}
		p.idle = append(p.idle, idleEntry[T]{obj: obj, since: time.Now()})
		p.mu.Unlock()
	}
}
