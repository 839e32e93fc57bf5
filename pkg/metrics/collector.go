package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is the pool state a PoolCollector exports.
type Snapshot struct {
	Active             int
	Idle               int
	MaxActive          int
	Created            int64
	Destroyed          int64
	Borrowed           int64
	Returned           int64
	Invalidated        int64
	ValidationFailures int64
	Exhausted          int64
	WaitSeconds        float64
	AbandonedSweeps    int64
	AbandonedReclaimed int64
}

// Source is a named pool that can report a Snapshot.
type Source interface {
	Name() string
	MetricsSnapshot() Snapshot
}

// PoolCollector reads every added Source at scrape time.
type PoolCollector struct {
	mu      sync.RWMutex
	sources map[string]Source

	active      *prometheus.Desc
	idle        *prometheus.Desc
	maxActive   *prometheus.Desc
	created     *prometheus.Desc
	destroyed   *prometheus.Desc
	borrowed    *prometheus.Desc
	returned    *prometheus.Desc
	invalidated *prometheus.Desc
	validation  *prometheus.Desc
	exhausted   *prometheus.Desc
	wait        *prometheus.Desc
	sweeps      *prometheus.Desc
	reclaimed   *prometheus.Desc
}

// NewPoolCollector creates a collector whose metric names start with
// namespace.
func NewPoolCollector(namespace string) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, []string{"pool"}, nil)
	}
	return &PoolCollector{
		sources:     make(map[string]Source),
		active:      desc("active_sessions", "Sessions currently borrowed"),
		idle:        desc("idle_sessions", "Sessions waiting in the pool"),
		maxActive:   desc("max_active_sessions", "Configured borrow limit"),
		created:     desc("sessions_created_total", "Native sessions opened"),
		destroyed:   desc("sessions_destroyed_total", "Native sessions closed"),
		borrowed:    desc("borrows_total", "Successful borrows"),
		returned:    desc("returns_total", "Sessions returned"),
		invalidated: desc("invalidations_total", "Sessions invalidated by callers or sweeps"),
		validation:  desc("validation_failures_total", "Sessions that failed validation"),
		exhausted:   desc("exhausted_total", "Borrows that timed out waiting for capacity"),
		wait:        desc("wait_seconds_total", "Time borrowers spent waiting for capacity"),
		sweeps:      desc("abandoned_sweeps_total", "Abandoned session sweeps run"),
		reclaimed:   desc("abandoned_reclaimed_total", "Abandoned sessions reclaimed"),
	}
}

// Add starts exporting src, replacing any source with the same name.
func (c *PoolCollector) Add(src Source) {
	c.mu.Lock()
	c.sources[src.Name()] = src
	c.mu.Unlock()
}

// Remove stops exporting the named source.
func (c *PoolCollector) Remove(name string) {
	c.mu.Lock()
	delete(c.sources, name)
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.active, c.idle, c.maxActive, c.created, c.destroyed, c.borrowed, c.returned,
		c.invalidated, c.validation, c.exhausted, c.wait, c.sweeps, c.reclaimed,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sources := make([]Source, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		sources = append(sources, c.sources[name])
	}
	c.mu.RUnlock()

	for _, src := range sources {
		s := src.MetricsSnapshot()
		name := src.Name()
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, name)
		}
		counter := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, name)
		}
		gauge(c.active, float64(s.Active))
		gauge(c.idle, float64(s.Idle))
		gauge(c.maxActive, float64(s.MaxActive))
		counter(c.created, float64(s.Created))
		counter(c.destroyed, float64(s.Destroyed))
		counter(c.borrowed, float64(s.Borrowed))
		counter(c.returned, float64(s.Returned))
		counter(c.invalidated, float64(s.Invalidated))
		counter(c.validation, float64(s.ValidationFailures))
		counter(c.exhausted, float64(s.Exhausted))
		counter(c.wait, s.WaitSeconds)
		counter(c.sweeps, float64(s.AbandonedSweeps))
		counter(c.reclaimed, float64(s.AbandonedReclaimed))
	}
}
