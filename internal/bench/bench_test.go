package bench

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dbpool/pkg/config"
	"github.com/ajitpratap0/dbpool/pkg/datasource"
	"github.com/ajitpratap0/dbpool/pkg/json"
	"github.com/ajitpratap0/dbpool/pkg/testutil"
)

func openFake(t *testing.T, mutate func(*config.PoolConfig)) *datasource.DataSource {
	t.Helper()
	cfg := config.NewPoolConfig("bench")
	cfg.Driver.Dialect = "sqlite"
	cfg.Validation.Query = "SELECT 1"
	cfg.Pool.MaxActive = 4
	cfg.Pool.MaxWait = 50 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	ds, err := datasource.Open(cfg,
		datasource.WithOpener(testutil.NewFakeDriver()),
		datasource.WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func TestRunReportsThroughput(t *testing.T) {
	ds := openFake(t, nil)
	report, err := Run(testutil.TestContext(t), ds, &Config{
		Workers:  4,
		Duration: 100 * time.Millisecond,
		Query:    "SELECT 1",
	}, testutil.TestLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "bench", report.Pool)
	assert.Positive(t, report.Operations)
	assert.Positive(t, report.OpsPerSecond)
	assert.Zero(t, report.Leaked)
	assert.Empty(t, report.Errors)
	assert.LessOrEqual(t, report.Stats.Created, int64(4))
	assert.Zero(t, report.Stats.Active, "every handle was returned")
	require.NotNil(t, report.Resources)
	assert.Positive(t, report.Resources.Goroutines)
}

func TestRunCountsExhaustion(t *testing.T) {
	ds := openFake(t, func(c *config.PoolConfig) {
		c.Pool.MaxActive = 1
		c.Pool.MaxWait = 5 * time.Millisecond
	})
	report, err := Run(testutil.TestContext(t), ds, &Config{
		Workers:  4,
		Duration: 100 * time.Millisecond,
		Hold:     20 * time.Millisecond,
	}, testutil.TestLogger(t))
	require.NoError(t, err)
	assert.Positive(t, report.Errors["pool_exhausted"])
}

func TestRunWithLeaksIsReclaimed(t *testing.T) {
	ds := openFake(t, func(c *config.PoolConfig) {
		c.Pool.MaxActive = 2
		c.Pool.MaxWait = 30 * time.Millisecond
		c.Abandoned.RemoveOnBorrow = true
		c.Abandoned.Timeout = 10 * time.Millisecond
	})
	report, err := Run(testutil.TestContext(t), ds, &Config{
		Workers:  2,
		Duration: 200 * time.Millisecond,
		LeakRate: 1,
	}, testutil.TestLogger(t))
	require.NoError(t, err)

	assert.Equal(t, report.Operations, report.Leaked)
	assert.Greater(t, report.Operations, int64(2), "leaked sessions were reclaimed and replaced")
	assert.Positive(t, report.Stats.Abandoned.Reclaimed)
}

func TestRunWritesSamples(t *testing.T) {
	ds := openFake(t, nil)
	var buf bytes.Buffer
	_, err := Run(testutil.TestContext(t), ds, &Config{
		Workers:  1,
		Duration: 120 * time.Millisecond,
		Interval: 20 * time.Millisecond,
		Samples:  json.NewLineEncoder(&buf),
	}, testutil.TestLogger(t))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	var s Sample
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &s))
	assert.Positive(t, s.Elapsed)
}

func TestConfigValidation(t *testing.T) {
	ds := openFake(t, nil)
	ctx := testutil.TestContext(t)

	_, err := Run(ctx, ds, &Config{Workers: 0, Duration: time.Second}, nil)
	assert.Error(t, err)
	_, err = Run(ctx, ds, &Config{Workers: 1, Duration: time.Second, LeakRate: 2}, nil)
	assert.Error(t, err)
	_, err = Run(ctx, ds, &Config{Workers: 1}, nil)
	assert.Error(t, err)
}
