package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
)

type staticSource struct {
	name string
	snap Snapshot
}

func (s staticSource) Name() string              { return s.name }
func (s staticSource) MetricsSnapshot() Snapshot { return s.snap }

func TestPoolCollectorExportsSnapshot(t *testing.T) {
	col := NewPoolCollector("dbpool")
	col.Add(staticSource{name: "orders", snap: Snapshot{
		Active:             3,
		Idle:               1,
		MaxActive:          8,
		Created:            5,
		AbandonedReclaimed: 2,
	}})

	expected := `
# HELP dbpool_pool_active_sessions Sessions currently borrowed
# TYPE dbpool_pool_active_sessions gauge
dbpool_pool_active_sessions{pool="orders"} 3
# HELP dbpool_pool_abandoned_reclaimed_total Abandoned sessions reclaimed
# TYPE dbpool_pool_abandoned_reclaimed_total counter
dbpool_pool_abandoned_reclaimed_total{pool="orders"} 2
`
	require.NoError(t, testutil.CollectAndCompare(col, strings.NewReader(expected),
		"dbpool_pool_active_sessions", "dbpool_pool_abandoned_reclaimed_total"))
	assert.Equal(t, 13, testutil.CollectAndCount(col))

	col.Remove("orders")
	assert.Zero(t, testutil.CollectAndCount(col))
}

func TestPoolCollectorRegistersCleanly(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	col := NewPoolCollector("dbpool")
	col.Add(staticSource{name: "a"})
	col.Add(staticSource{name: "b"})
	require.NoError(t, reg.Register(col))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 13)
	for _, f := range families {
		assert.Len(t, f.GetMetric(), 2, f.GetName())
	}
}

func TestRecorderCountsBorrowFailuresByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	rec.ObserveBorrow("orders", time.Millisecond, nil)
	rec.ObserveBorrow("orders", time.Second, poolerrors.New(poolerrors.ErrorTypePoolExhausted, "timed out"))
	rec.ObserveBorrow("orders", time.Second, context.Canceled)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.borrowErrors.WithLabelValues("orders", "pool_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.borrowErrors.WithLabelValues("orders", "canceled")))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.borrowLatency))

	rec.ObserveSweep("orders", 2, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.reclaimed.WithLabelValues("orders", "reclaimed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.reclaimed.WithLabelValues("orders", "failed")))

	var nilRec *Recorder
	assert.NotPanics(t, func() { nilRec.ObserveBorrow("orders", 0, errors.New("x")) })
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{poolerrors.New(poolerrors.ErrorTypeDriver, "refused"), "driver"},
		{&poolerrors.CascadeError{Errors: []error{errors.New("a")}}, "cascade_close"},
		{context.DeadlineExceeded, "deadline"},
		{errors.New("plain"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), tt.err.Error())
	}
}

func TestLatencyTrackerPercentiles(t *testing.T) {
	l := NewLatencyTracker(100)
	for _, ms := range []int{50, 10, 40, 20, 30} {
		l.Record(time.Duration(ms) * time.Millisecond)
	}
	assert.Equal(t, 10*time.Millisecond, l.GetPercentile(0))
	assert.Equal(t, 30*time.Millisecond, l.GetPercentile(50))
	assert.Equal(t, 50*time.Millisecond, l.GetPercentile(100))
	assert.Zero(t, NewLatencyTracker(1).GetPercentile(99))
}

func TestThroughputTracker(t *testing.T) {
	tr := NewThroughputTracker()
	tr.Increment(10)
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, tr.GetAndReset(), 0.0)
	tr.Increment(5)
	total, rate := tr.Total()
	assert.Equal(t, int64(15), total)
	assert.Greater(t, rate, 0.0)
}
