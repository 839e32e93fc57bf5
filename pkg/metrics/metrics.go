// Package metrics exports session pool behaviour to Prometheus.
//
// # Overview
//
// The package provides:
//   - Recorder: borrow latency and borrow failures, observed as they happen
//   - PoolCollector: gauges and counters read from pool stats at scrape time
//   - Timer, ThroughputTracker and LatencyTracker helpers for load runs
//
// # Basic Usage
//
//	reg := prometheus.NewRegistry()
//	rec := metrics.NewRecorder(reg)
//	col := metrics.NewPoolCollector("dbpool")
//	reg.MustRegister(col)
//	col.Add(ds)
//
//	timer := metrics.NewTimer("borrow")
//	h, err := ds.Get(ctx)
//	rec.ObserveBorrow("orders", timer.Stop(), err)
//
// Recorder metrics are labelled by pool name; error kinds come from the
// poolerrors type of the failure.
package metrics

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
)

// Recorder observes borrow events.
type Recorder struct {
	borrowLatency *prometheus.HistogramVec
	borrowErrors  *prometheus.CounterVec
	reclaimed     *prometheus.CounterVec
}

// NewRecorder registers the borrow metrics with reg. A nil reg registers
// with the default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		// BorrowLatency tracks how long Get waited for a session, including
		// creation and validation.
		borrowLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dbpool_borrow_duration_seconds",
				Help: "Time spent obtaining a session from the pool",
				Buckets: []float64{
					0.0001, // 100μs - idle session handed out
					0.001,  // 1ms
					0.01,   // 10ms - validation round trip
					0.1,    // 100ms - new connection
					1,      // 1s - blocked on capacity
					10,
				},
			},
			[]string{"pool"},
		),
		borrowErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbpool_borrow_errors_total",
				Help: "Failed borrows by error kind",
			},
			[]string{"pool", "kind"},
		),
		reclaimed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbpool_sweep_reclaimed_total",
				Help: "Abandoned sessions reclaimed by sweeps, by outcome",
			},
			[]string{"pool", "outcome"},
		),
	}
}

// ObserveBorrow records one borrow attempt.
func (r *Recorder) ObserveBorrow(pool string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.borrowLatency.WithLabelValues(pool).Observe(d.Seconds())
	if err != nil {
		r.borrowErrors.WithLabelValues(pool, ErrorKind(err)).Inc()
	}
}

// ObserveSweep records the outcome counts of one abandonment sweep.
func (r *Recorder) ObserveSweep(pool string, reclaimed, failed int) {
	if r == nil {
		return
	}
	if reclaimed > 0 {
		r.reclaimed.WithLabelValues(pool, "reclaimed").Add(float64(reclaimed))
	}
	if failed > 0 {
		r.reclaimed.WithLabelValues(pool, "failed").Add(float64(failed))
	}
}

// ErrorKind maps err to a low-cardinality label value.
func ErrorKind(err error) string {
	var pe *poolerrors.Error
	if errors.As(err, &pe) {
		return string(pe.Type)
	}
	var ce *poolerrors.CascadeError
	if errors.As(err, &ce) {
		return string(poolerrors.ErrorTypeCascadeClose)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "other"
}

// Timer measures one operation from creation to Stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer starts a timer.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer's name.
func (t *Timer) Name() string { return t.name }

// Stop returns the time elapsed since creation. It may be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker counts operations over time windows. Safe for
// concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	total     int64
	lastReset time.Time
	started   time.Time
}

// NewThroughputTracker starts an empty tracker.
func NewThroughputTracker() *ThroughputTracker {
	now := time.Now()
	return &ThroughputTracker{lastReset: now, started: now}
}

// Increment adds n operations.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
	t.total += n
}

// GetAndReset returns operations per second since the last reset and starts
// a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}
	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()
	return throughput
}

// Total returns every operation counted and the rate since creation.
func (t *ThroughputTracker) Total() (int64, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := time.Since(t.started).Seconds()
	if elapsed == 0 {
		return t.total, 0
	}
	return t.total, float64(t.total) / elapsed
}

// LatencyTracker keeps the most recent latencies for percentile queries.
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	maxSize int
}

// NewLatencyTracker keeps up to maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &LatencyTracker{
		values:  make([]time.Duration, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a sample, dropping the oldest when full.
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) >= l.maxSize {
		l.values = l.values[1:]
	}
	l.values = append(l.values, d)
}

// GetPercentile returns the p-th percentile (0-100) of the kept samples.
func (l *LatencyTracker) GetPercentile(p float64) time.Duration {
	l.mu.Lock()
	sorted := slices.Clone(l.values)
	l.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)
	index := int(float64(len(sorted)) * p / 100)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	if index < 0 {
		index = 0
	}
	return sorted[index]
}
