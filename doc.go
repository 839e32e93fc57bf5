// Package dbpool pools database sessions for applications that borrow a
// session, use it briefly and hand it back.
//
// A borrowed session is wrapped in a guarded handle. Closing the handle
// returns the session to the pool and makes the handle unusable, so a caller
// that keeps a stale reference gets an "already closed" error instead of
// touching a session someone else now owns. Prepared commands and cursors
// opened through a session are tracked in a tree and closed with it.
//
// # Architecture
//
// Sessions are assembled in layers:
//
//  1. A native session from a database/sql driver (pkg/native), pinned to
//     one physical connection.
//  2. An optional prepared command cache (pkg/stmtcache) that keeps
//     statements open across borrows.
//  3. The pooled session (pkg/session) that tracks its commands and cursors,
//     caches session defaults and resets state on return.
//  4. The bounded pool (pkg/pool) and the abandonment reclaimer
//     (pkg/abandoned), which takes back sessions a borrower never returned.
//
// pkg/datasource wires the layers together from a config.PoolConfig.
//
// # Key Packages
//
//   - pkg/datasource: DataSource, session factory and the pool Registry
//   - pkg/session: pooled sessions, guarded handles, commands and cursors
//   - pkg/stmtcache: per-session prepared command cache
//   - pkg/tracking: parent and child resource tree with weak back references
//   - pkg/abandoned: abandoned session tracking and sweeps
//   - pkg/pool: generic bounded object pool with maintenance
//   - pkg/poolerrors: typed errors and cascade close failures
//   - pkg/config, pkg/logger, pkg/metrics, pkg/observability: ambient stack
//
// # Quick Start
//
//	cfg := config.NewPoolConfig("orders")
//	cfg.Driver.Dialect = "postgres"
//	cfg.Driver.DSN = os.Getenv("ORDERS_DSN")
//	cfg.Validation.Query = "SELECT 1"
//	cfg.Abandoned.RemoveOnBorrow = true
//
//	ds, err := datasource.Open(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ds.Close()
//
//	h, err := ds.Get(ctx)
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//
//	_, err = h.Exec(ctx, "UPDATE orders SET state = $1 WHERE id = $2", "paid", id)
//
// # Configuration
//
// Pools are configured from YAML with ${ENV} substitution, or through viper
// with DBPOOL_ prefixed environment overrides:
//
//	name: orders
//	driver:
//	  dialect: postgres
//	  dsn: ${ORDERS_DSN}
//	validation:
//	  query: SELECT 1
//	  max_lifetime: 30m
//	pool:
//	  max_active: 16
//	  eviction_interval: 30s
//	abandoned:
//	  remove_on_borrow: true
//	  remove_on_maintenance: true
//	  timeout: 5m
//	  log_stack_traces: true
//
// # Command Line
//
// cmd/dbpool checks a configuration, load tests a pool and serves its
// metrics:
//
//	dbpool check --config pool.yaml
//	dbpool bench --config pool.yaml --workers 32 --duration 1m --leak-rate 0.01
//	dbpool serve-metrics --config pool.yaml --addr :9102
package dbpool
