// Package datasource assembles a session pool from configuration: it wires
// the native source, the session factory, the bounded pool and the
// abandonment reclaimer together, and hands callers guarded handles.
//
// Usage:
//
//	cfg := config.NewPoolConfig("orders")
//	cfg.Driver.Dialect = "postgres"
//	cfg.Driver.DSN = os.Getenv("ORDERS_DSN")
//	cfg.Validation.Query = "SELECT 1"
//
//	ds, err := datasource.Open(cfg)
//	if err != nil {
//		return err
//	}
//	defer ds.Close()
//
//	h, err := ds.Get(ctx)
//	if err != nil {
//		return err
//	}
//	defer h.Close()
//
// Pools are not registered anywhere implicitly. Callers that need lookup by
// name keep their own Registry.
package datasource

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/dbpool/pkg/abandoned"
	"github.com/ajitpratap0/dbpool/pkg/config"
	"github.com/ajitpratap0/dbpool/pkg/logger"
	"github.com/ajitpratap0/dbpool/pkg/metrics"
	"github.com/ajitpratap0/dbpool/pkg/native"
	"github.com/ajitpratap0/dbpool/pkg/observability"
	"github.com/ajitpratap0/dbpool/pkg/pool"
	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
	"github.com/ajitpratap0/dbpool/pkg/session"
)

// Option customizes Open.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	opener   Opener
	tp       trace.TracerProvider
	recorder *metrics.Recorder
}

// WithLogger sets the logger. The default is logger.Get().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOpener replaces the database/sql source built from cfg.Driver.
func WithOpener(op Opener) Option {
	return func(o *options) { o.opener = op }
}

// WithTracerProvider sets where spans go. The default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// WithRecorder records borrow latency and sweep outcomes.
func WithRecorder(r *metrics.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithRegisterer creates a Recorder registered with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.recorder = metrics.NewRecorder(reg) }
}

// Stats is a point-in-time view of a DataSource.
type Stats struct {
	pool.Stats
	Abandoned abandoned.Stats `json:"abandoned"`
}

// DataSource is a named pool of sessions.
type DataSource struct {
	name     string
	instance string
	cfg      *config.PoolConfig
	closer   io.Closer
	factory  *Factory
	pool     *pool.Pool[*session.Session]
	reclaim  *abandoned.Pool[*session.Session]
	tracer   *observability.PoolTracer
	recorder *metrics.Recorder
	logger   *zap.Logger
	closed   atomic.Bool
}

// Open validates cfg and builds a DataSource. No session is opened until the
// first Get or maintenance run.
func Open(cfg *config.PoolConfig, opts ...Option) (*DataSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid pool configuration")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	ds := &DataSource{
		name:     cfg.Name,
		instance: uuid.NewString(),
		cfg:      cfg,
		recorder: o.recorder,
	}
	ds.logger = logger.ForComponent(o.logger, "datasource").With(
		zap.String("pool", cfg.Name),
		zap.String("instance", ds.instance),
	)
	ds.tracer = observability.NewPoolTracer(cfg.Name, o.tp)

	opener := o.opener
	if opener == nil {
		src, err := native.NewSource(native.Options{
			Dialect:        cfg.Driver.Dialect,
			DriverName:     cfg.Driver.DriverName,
			DSN:            cfg.Driver.DSN,
			ConnectTimeout: cfg.Driver.ConnectTimeout,
			Logger:         ds.logger,
		})
		if err != nil {
			return nil, err
		}
		opener = src
		ds.closer = src
	}

	factory, err := NewFactory(opener, cfg, ds.release, ds.tracer, ds.logger)
	if err != nil {
		if ds.closer != nil {
			_ = ds.closer.Close()
		}
		return nil, err
	}
	ds.factory = factory

	ds.pool = pool.New[*session.Session](factory, pool.Config{
		Name:             cfg.Name,
		MaxActive:        cfg.Pool.MaxActive,
		MaxIdle:          cfg.Pool.MaxIdle,
		MinIdle:          cfg.Pool.MinIdle,
		MaxWait:          cfg.Pool.MaxWait,
		LIFO:             cfg.Pool.LIFO,
		TestOnCreate:     cfg.Validation.TestOnCreate,
		TestOnBorrow:     cfg.Validation.TestOnBorrow,
		TestOnReturn:     cfg.Validation.TestOnReturn,
		TestWhileIdle:    cfg.Validation.TestWhileIdle,
		EvictionInterval: cfg.Pool.EvictionInterval,
		MinEvictableIdle: cfg.Pool.MinEvictableIdle,
		Logger:           ds.logger,
	})
	ds.reclaim = abandoned.New[*session.Session](ds.pool, abandoned.Config{
		Timeout:        cfg.Abandoned.Timeout,
		RemoveOnBorrow: cfg.Abandoned.RemoveOnBorrow,
		LogStackTraces: cfg.Abandoned.LogStackTraces,
		IdleThreshold:  cfg.Abandoned.IdleThreshold,
		ActiveMargin:   cfg.Abandoned.ActiveMargin,
		OnSweep:        ds.onSweep,
		Logger:         ds.logger,
	})
	if cfg.Abandoned.RemoveOnMaintenance {
		ds.pool.OnMaintenance(ds.Sweep)
	}

	ds.logger.Info("pool opened",
		zap.String("dialect", cfg.Driver.Dialect),
		zap.Int("max_active", cfg.Pool.MaxActive),
		zap.Bool("statement_cache", cfg.Statements.Enabled))
	return ds, nil
}

// Name returns the pool name.
func (ds *DataSource) Name() string { return ds.name }

// Config returns the configuration the pool was opened with.
func (ds *DataSource) Config() *config.PoolConfig { return ds.cfg }

// Get borrows a session and wraps it in a handle. Closing the handle
// returns the session to the pool.
func (ds *DataSource) Get(ctx context.Context) (*session.Handle, error) {
	if ds.closed.Load() {
		return nil, poolerrors.New(poolerrors.ErrorTypePoolClosed, "pool is closed").WithDetail("pool", ds.name)
	}
	timer := metrics.NewTimer("borrow")
	ctx, span := ds.tracer.Start(ctx, "borrow")
	s, err := ds.reclaim.Borrow(ctx)
	if err == nil {
		span.SetAttribute("session", s.ID())
	}
	span.End(err)
	ds.recorder.ObserveBorrow(ds.name, timer.Stop(), err)
	if err != nil {
		return nil, err
	}
	ds.logger.Debug("session borrowed", zap.String("session", s.ID()))
	return session.NewHandle(s, ds.cfg.Pool.AllowUnderlying), nil
}

func (ds *DataSource) release(s *session.Session) error {
	ds.logger.Debug("session returned", zap.String("session", s.ID()))
	return ds.reclaim.Return(context.Background(), s)
}

// Sweep runs one abandonment sweep regardless of pool pressure.
func (ds *DataSource) Sweep(ctx context.Context) {
	_ = ds.tracer.Trace(ctx, "sweep", func(ctx context.Context, _ *observability.Span) error {
		ds.reclaim.Sweep(ctx)
		return nil
	})
}

func (ds *DataSource) onSweep(ctx context.Context, res abandoned.Result) {
	ds.recorder.ObserveSweep(ds.name, res.Reclaimed, res.Failed)
	trace.SpanFromContext(ctx).AddEvent("abandoned sweep", trace.WithAttributes(
		attribute.Int("candidates", res.Candidates),
		attribute.Int("reclaimed", res.Reclaimed),
		attribute.Int("failed", res.Failed),
	))
}

// Maintain runs one maintenance pass now.
func (ds *DataSource) Maintain(ctx context.Context) {
	ds.pool.Maintain(ctx)
}

// Stats returns pool and sweep counters.
func (ds *DataSource) Stats() Stats {
	return Stats{
		Stats:     ds.pool.Stats(),
		Abandoned: ds.reclaim.Stats(),
	}
}

// MetricsSnapshot implements metrics.Source.
func (ds *DataSource) MetricsSnapshot() metrics.Snapshot {
	st := ds.Stats()
	return metrics.Snapshot{
		Active:             st.Active,
		Idle:               st.Idle,
		MaxActive:          st.MaxActive,
		Created:            st.Created,
		Destroyed:          st.Destroyed,
		Borrowed:           st.Borrowed,
		Returned:           st.Returned,
		Invalidated:        st.Invalidated,
		ValidationFailures: st.ValidationFailures,
		Exhausted:          st.Exhausted,
		WaitSeconds:        st.WaitTime.Seconds(),
		AbandonedSweeps:    st.Abandoned.Sweeps,
		AbandonedReclaimed: st.Abandoned.Reclaimed,
	}
}

// Close destroys idle sessions and stops maintenance. Sessions still
// borrowed are destroyed as they come back. Closing twice is a no-op.
func (ds *DataSource) Close() error {
	if !ds.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := ds.pool.Close()
	if ds.closer != nil {
		err = poolerrors.Append(err, ds.closer.Close())
	}
	ds.logger.Info("pool closed")
	return err
}
