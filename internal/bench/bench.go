// Package bench drives a DataSource with concurrent borrowers and reports
// latency, throughput and how the pool coped. Borrowers can be told to leak
// a fraction of their sessions so abandonment reclamation is exercised under
// load.
//
// # Basic Usage
//
//	report, err := bench.Run(ctx, ds, &bench.Config{
//	    Workers:  16,
//	    Duration: 30 * time.Second,
//	    Query:    "SELECT 1",
//	    LeakRate: 0.01,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	_ = json.WriteIndented(os.Stdout, report)
package bench

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/dbpool/pkg/datasource"
	"github.com/ajitpratap0/dbpool/pkg/json"
	"github.com/ajitpratap0/dbpool/pkg/logger"
	"github.com/ajitpratap0/dbpool/pkg/metrics"
	"github.com/ajitpratap0/dbpool/pkg/session"
)

// Config controls a run.
type Config struct {
	Workers  int           // Concurrent borrowers
	Duration time.Duration // How long to keep borrowing
	Query    string        // Executed on every borrowed session; empty skips it
	Hold     time.Duration // Extra time each borrow keeps its session
	LeakRate float64       // Fraction of borrows never returned, 0 to 1

	// Interval, when set with Samples, writes a throughput sample per tick.
	Interval time.Duration
	Samples  *json.LineEncoder
}

// DefaultConfig returns a short run with one borrower per pool slot.
func DefaultConfig() *Config {
	return &Config{
		Workers:  8,
		Duration: 10 * time.Second,
		Query:    "SELECT 1",
	}
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if c.LeakRate < 0 || c.LeakRate > 1 {
		return fmt.Errorf("leak rate must be between 0 and 1")
	}
	return nil
}

// Latency holds borrow latency percentiles in milliseconds.
type Latency struct {
	P50 float64 `json:"p50_ms"`
	P95 float64 `json:"p95_ms"`
	P99 float64 `json:"p99_ms"`
}

// Sample is one throughput reading.
type Sample struct {
	Elapsed      time.Duration `json:"elapsed"`
	OpsPerSecond float64       `json:"ops_per_second"`
	Active       int           `json:"active"`
	Idle         int           `json:"idle"`
}

// Report is the outcome of a run.
type Report struct {
	Pool         string           `json:"pool"`
	Workers      int              `json:"workers"`
	Duration     time.Duration    `json:"duration"`
	Operations   int64            `json:"operations"`
	OpsPerSecond float64          `json:"ops_per_second"`
	Errors       map[string]int64 `json:"errors"`
	Leaked       int64            `json:"leaked"`
	Latency      Latency          `json:"borrow_latency"`
	Stats        datasource.Stats `json:"stats"`
	Resources    *ResourceUsage   `json:"resources,omitempty"`
}

type run struct {
	ds         *datasource.DataSource
	cfg        *Config
	logger     *zap.Logger
	throughput *metrics.ThroughputTracker
	latency    *metrics.LatencyTracker

	mu     sync.Mutex
	errs   map[string]int64
	leaked []*session.Handle
}

// Run borrows from ds with cfg.Workers goroutines until cfg.Duration passes
// or ctx is canceled. Borrow failures are counted by kind and do not stop the
// run. Leaked handles are closed once the run is over.
func Run(ctx context.Context, ds *datasource.DataSource, cfg *Config, l *zap.Logger) (*Report, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &run{
		ds:         ds,
		cfg:        cfg,
		logger:     logger.ForComponent(l, "bench").With(zap.String("pool", ds.Name())),
		throughput: metrics.NewThroughputTracker(),
		latency:    metrics.NewLatencyTracker(100000),
		errs:       make(map[string]int64),
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	r.logger.Info("starting run",
		zap.Int("workers", cfg.Workers),
		zap.Duration("duration", cfg.Duration),
		zap.Float64("leak_rate", cfg.LeakRate))

	monitor, err := NewResourceMonitor()
	if err != nil {
		r.logger.Warn("resource usage unavailable", zap.Error(err))
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error { return r.worker(gctx) })
	}
	if cfg.Interval > 0 && cfg.Samples != nil {
		g.Go(func() error { return r.sample(gctx, start) })
	}
	err = g.Wait()
	elapsed := time.Since(start)

	r.mu.Lock()
	leaked := r.leaked
	r.leaked = nil
	r.mu.Unlock()
	for _, h := range leaked {
		_ = h.Close()
	}

	if err != nil {
		return nil, err
	}

	ops, _ := r.throughput.Total()
	report := &Report{
		Pool:       ds.Name(),
		Workers:    cfg.Workers,
		Duration:   elapsed,
		Operations: ops,
		Errors:     r.errs,
		Leaked:     int64(len(leaked)),
		Latency: Latency{
			P50: millis(r.latency.GetPercentile(50)),
			P95: millis(r.latency.GetPercentile(95)),
			P99: millis(r.latency.GetPercentile(99)),
		},
		Stats: ds.Stats(),
	}
	if monitor != nil {
		report.Resources = monitor.Usage()
	}
	if elapsed > 0 {
		report.OpsPerSecond = float64(ops) / elapsed.Seconds()
	}
	r.logger.Info("run finished",
		zap.Int64("operations", ops),
		zap.Float64("ops_per_second", report.OpsPerSecond),
		zap.Int64("leaked", report.Leaked),
		zap.Int64("reclaimed", report.Stats.Abandoned.Reclaimed))
	return report, nil
}

func (r *run) worker(ctx context.Context) error {
	for ctx.Err() == nil {
		started := time.Now()
		h, err := r.ds.Get(ctx)
		r.latency.Record(time.Since(started))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.countError(err)
			continue
		}
		if err := r.use(ctx, h); err != nil && ctx.Err() == nil {
			r.countError(err)
		}
		r.throughput.Increment(1)

		if r.cfg.LeakRate > 0 && rand.Float64() < r.cfg.LeakRate {
			r.mu.Lock()
			r.leaked = append(r.leaked, h)
			r.mu.Unlock()
			continue
		}
		if err := h.Close(); err != nil {
			r.countError(err)
		}
	}
	return nil
}

func (r *run) use(ctx context.Context, h *session.Handle) error {
	if r.cfg.Query != "" {
		cur, err := h.Query(ctx, r.cfg.Query)
		if err != nil {
			return err
		}
		for cur.Next() {
		}
		if err := errors.Join(cur.Err(), cur.Close()); err != nil {
			return err
		}
	}
	if r.cfg.Hold > 0 {
		select {
		case <-time.After(r.cfg.Hold):
		case <-ctx.Done():
		}
	}
	return nil
}

func (r *run) countError(err error) {
	kind := metrics.ErrorKind(err)
	r.mu.Lock()
	r.errs[kind]++
	r.mu.Unlock()
	r.logger.Debug("operation failed", zap.String("kind", kind), zap.Error(err))
}

func (r *run) sample(ctx context.Context, start time.Time) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st := r.ds.Stats()
			if err := r.cfg.Samples.Encode(Sample{
				Elapsed:      time.Since(start).Round(time.Millisecond),
				OpsPerSecond: r.throughput.GetAndReset(),
				Active:       st.Active,
				Idle:         st.Idle,
			}); err != nil {
				return fmt.Errorf("failed to write sample: %w", err)
			}
		}
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
