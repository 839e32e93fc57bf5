package native

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ajitpratap0/dbpool/pkg/session"
)

// Conn is a native session over one *sql.Conn. With autocommit off, the first
// statement begins a transaction using the configured isolation level and
// read-only flag; Commit and Rollback end it.
type Conn struct {
	sc      *sql.Conn
	dialect Dialect
	id      string
	closed  atomic.Bool

	mu         sync.Mutex
	tx         *sql.Tx
	autoCommit bool
	readOnly   bool
	isolation  sql.IsolationLevel
	catalog    string
}

var (
	_ session.Native          = (*Conn)(nil)
	_ session.FatalClassifier = (*Conn)(nil)
)

func newConn(sc *sql.Conn, d Dialect) *Conn {
	return &Conn{
		sc:         sc,
		dialect:    d,
		id:         d.Name + "-" + uuid.NewString(),
		autoCommit: true,
		isolation:  sql.LevelDefault,
		catalog:    d.FixedCatalog,
	}
}

func (c *Conn) ID() string { return c.id }

// Raw returns the pinned *sql.Conn.
func (c *Conn) Raw() *sql.Conn { return c.sc }

// IsFatal implements session.FatalClassifier.
func (c *Conn) IsFatal(err error) bool { return IsFatal(err) }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// target returns the transaction when autocommit is off, beginning one if
// needed, and the pinned connection otherwise.
func (c *Conn) target(ctx context.Context) (execer, *sql.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoCommit {
		return c.sc, nil, nil
	}
	if c.tx == nil {
		tx, err := c.sc.BeginTx(ctx, &sql.TxOptions{Isolation: c.isolation, ReadOnly: c.readOnly})
		if err != nil {
			return nil, nil, err
		}
		c.tx = tx
	}
	return c.tx, c.tx, nil
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	t, _, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	return t.ExecContext(ctx, query, args...)
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (session.Rows, error) {
	t, _, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := t.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Prepare prepares query on the connection. The statement is rebound to the
// open transaction on each use.
func (c *Conn) Prepare(ctx context.Context, query string) (session.NativeStmt, error) {
	st, err := c.sc.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &Stmt{conn: c, st: st}, nil
}

func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTxLocked(true)
}

func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTxLocked(false)
}

func (c *Conn) endTxLocked(commit bool) error {
	tx := c.tx
	if tx == nil {
		return nil
	}
	c.tx = nil
	if commit {
		return tx.Commit()
	}
	return tx.Rollback()
}

func (c *Conn) AutoCommit(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit, nil
}

// SetAutoCommit switches mode. Turning autocommit on commits an open
// transaction.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on == c.autoCommit {
		return nil
	}
	c.autoCommit = on
	if on {
		return c.endTxLocked(true)
	}
	return nil
}

func (c *Conn) ReadOnly(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly, nil
}

// SetReadOnly takes effect at the next transaction.
func (c *Conn) SetReadOnly(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnly = on
	return nil
}

func (c *Conn) Isolation(ctx context.Context) (sql.IsolationLevel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isolation, nil
}

// SetIsolation takes effect at the next transaction.
func (c *Conn) SetIsolation(ctx context.Context, level sql.IsolationLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isolation = level
	return nil
}

func (c *Conn) Catalog(ctx context.Context) (string, error) {
	if c.dialect.CatalogQuery == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.catalog, nil
	}
	t, _, err := c.target(ctx)
	if err != nil {
		return "", err
	}
	var cat sql.NullString
	if err := t.QueryRowContext(ctx, c.dialect.CatalogQuery).Scan(&cat); err != nil {
		return "", err
	}
	return cat.String, nil
}

func (c *Conn) SetCatalog(ctx context.Context, catalog string) error {
	if c.dialect.SetCatalog == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if catalog != c.dialect.FixedCatalog {
			return &UnsupportedError{Dialect: c.dialect.Name, Op: "switch catalog to " + catalog}
		}
		return nil
	}
	_, err := c.Exec(ctx, c.dialect.SetCatalog(catalog))
	return err
}

// ClearWarnings is a no-op; database/sql drivers do not expose warning
// chains.
func (c *Conn) ClearWarnings() error { return nil }

func (c *Conn) Ping(ctx context.Context) error {
	return c.sc.PingContext(ctx)
}

// Close rolls back any open transaction and releases the physical
// connection.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	var txErr error
	if c.tx != nil {
		txErr = c.tx.Rollback()
		c.tx = nil
	}
	c.mu.Unlock()
	if err := c.sc.Close(); err != nil {
		return err
	}
	if txErr != nil && txErr != sql.ErrTxDone {
		return txErr
	}
	return nil
}

func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Stmt is a prepared statement bound to a Conn.
type Stmt struct {
	conn *Conn
	st   *sql.Stmt
}

// Delegate returns the *sql.Stmt.
func (s *Stmt) Delegate() any { return s.st }

func (s *Stmt) bound(ctx context.Context) (*sql.Stmt, error) {
	_, tx, err := s.conn.target(ctx)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return s.st, nil
	}
	return tx.StmtContext(ctx, s.st), nil
}

func (s *Stmt) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	st, err := s.bound(ctx)
	if err != nil {
		return nil, err
	}
	return st.ExecContext(ctx, args...)
}

func (s *Stmt) Query(ctx context.Context, args ...any) (session.Rows, error) {
	st, err := s.bound(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Stmt) Close() error { return s.st.Close() }

// UnsupportedError reports an operation the dialect cannot perform.
type UnsupportedError struct {
	Dialect string
	Op      string
}

func (e *UnsupportedError) Error() string {
	return e.Dialect + ": unsupported operation: " + e.Op
}
