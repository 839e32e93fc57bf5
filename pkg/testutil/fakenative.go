package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/dbpool/pkg/session"
)

// ErrDisconnected is returned by a FakeConn after Disconnect. FakeConn
// classifies it as fatal.
var ErrDisconnected = errors.New("fake: server closed the connection")

// FakeDriver opens in-memory FakeConns.
type FakeDriver struct {
	mu    sync.Mutex
	conns []*FakeConn
	seq   atomic.Int64

	// OpenErr, when set, fails every Open.
	OpenErr error
	// Configure runs against every new connection before it is returned.
	Configure func(*FakeConn)
}

// NewFakeDriver returns a driver whose connections start in autocommit mode.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

// Open implements the native session source contract.
func (d *FakeDriver) Open(ctx context.Context) (session.Native, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	openErr := d.OpenErr
	configure := d.Configure
	d.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}

	c := &FakeConn{
		id:         fmt.Sprintf("fake-%d", d.seq.Add(1)),
		autoCommit: true,
		isolation:  sql.LevelDefault,
		catalog:    "main",
		calls:      make(map[string]int),
		rows:       [][]any{{int64(1)}},
	}
	if configure != nil {
		configure(c)
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// SetOpenErr changes the error returned by Open.
func (d *FakeDriver) SetOpenErr(err error) {
	d.mu.Lock()
	d.OpenErr = err
	d.mu.Unlock()
}

// Conns returns every connection opened so far.
func (d *FakeDriver) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeConn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Opened returns how many connections were opened.
func (d *FakeDriver) Opened() int {
	return int(d.seq.Load())
}

// FakeConn is an in-memory session.Native.
type FakeConn struct {
	id string

	mu           sync.Mutex
	closed       bool
	disconnected bool
	autoCommit   bool
	readOnly     bool
	isolation    sql.IsolationLevel
	catalog      string
	inTx         bool
	calls        map[string]int
	rows         [][]any
	queryDelay   time.Duration
	failures     map[string]error
	stmts        []*FakeStmt
}

// ID implements session.Native.
func (c *FakeConn) ID() string { return c.id }

func (c *FakeConn) enter(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	if c.closed {
		return driver.ErrBadConn
	}
	if c.disconnected {
		return ErrDisconnected
	}
	if err := c.failures[op]; err != nil {
		return err
	}
	return nil
}

// Calls returns how many times op was invoked.
func (c *FakeConn) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// FailOn makes op return err until cleared with a nil err.
func (c *FakeConn) FailOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures == nil {
		c.failures = make(map[string]error)
	}
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// SetRows sets the rows returned by every query. Nil or empty means no rows.
func (c *FakeConn) SetRows(rows [][]any) {
	c.mu.Lock()
	c.rows = rows
	c.mu.Unlock()
}

// SetQueryDelay makes queries block for d or until their context ends.
func (c *FakeConn) SetQueryDelay(d time.Duration) {
	c.mu.Lock()
	c.queryDelay = d
	c.mu.Unlock()
}

// Disconnect simulates the server dropping the connection.
func (c *FakeConn) Disconnect() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

// InTx reports whether a manual transaction is open.
func (c *FakeConn) InTx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

// Stmts returns every statement prepared on the connection.
func (c *FakeConn) Stmts() []*FakeStmt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*FakeStmt, len(c.stmts))
	copy(out, c.stmts)
	return out
}

// IsFatal implements session.FatalClassifier.
func (c *FakeConn) IsFatal(err error) bool {
	return errors.Is(err, ErrDisconnected) || errors.Is(err, driver.ErrBadConn)
}

func (c *FakeConn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := c.enter("exec"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if !c.autoCommit {
		c.inTx = true
	}
	c.mu.Unlock()
	return driver.RowsAffected(1), nil
}

func (c *FakeConn) Query(ctx context.Context, query string, args ...any) (session.Rows, error) {
	if err := c.enter("query"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	delay := c.queryDelay
	data := c.rows
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	closeErr := c.failures["rows_close"]
	c.mu.Unlock()
	return &FakeRows{cols: []string{"v"}, data: data, CloseErr: closeErr}, nil
}

func (c *FakeConn) Prepare(ctx context.Context, query string) (session.NativeStmt, error) {
	if err := c.enter("prepare"); err != nil {
		return nil, err
	}
	st := &FakeStmt{conn: c, query: query}
	c.mu.Lock()
	c.stmts = append(c.stmts, st)
	c.mu.Unlock()
	return st, nil
}

func (c *FakeConn) Commit(ctx context.Context) error {
	if err := c.enter("commit"); err != nil {
		return err
	}
	c.mu.Lock()
	c.inTx = false
	c.mu.Unlock()
	return nil
}

func (c *FakeConn) Rollback(ctx context.Context) error {
	if err := c.enter("rollback"); err != nil {
		return err
	}
	c.mu.Lock()
	c.inTx = false
	c.mu.Unlock()
	return nil
}

func (c *FakeConn) AutoCommit(ctx context.Context) (bool, error) {
	if err := c.enter("autocommit"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit, nil
}

func (c *FakeConn) SetAutoCommit(ctx context.Context, on bool) error {
	if err := c.enter("set_autocommit"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.inTx = false
	}
	c.autoCommit = on
	return nil
}

func (c *FakeConn) ReadOnly(ctx context.Context) (bool, error) {
	if err := c.enter("readonly"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly, nil
}

func (c *FakeConn) SetReadOnly(ctx context.Context, on bool) error {
	if err := c.enter("set_readonly"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnly = on
	return nil
}

func (c *FakeConn) Isolation(ctx context.Context) (sql.IsolationLevel, error) {
	if err := c.enter("isolation"); err != nil {
		return sql.LevelDefault, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isolation, nil
}

func (c *FakeConn) SetIsolation(ctx context.Context, level sql.IsolationLevel) error {
	if err := c.enter("set_isolation"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isolation = level
	return nil
}

func (c *FakeConn) Catalog(ctx context.Context) (string, error) {
	if err := c.enter("catalog"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog, nil
}

func (c *FakeConn) SetCatalog(ctx context.Context, catalog string) error {
	if err := c.enter("set_catalog"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog = catalog
	return nil
}

func (c *FakeConn) ClearWarnings() error {
	return c.enter("clear_warnings")
}

func (c *FakeConn) Ping(ctx context.Context) error {
	return c.enter("ping")
}

// Close closes the connection. Closing twice is a no-op.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["close"]++
	c.closed = true
	return c.failures["close"]
}

func (c *FakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeStmt is a prepared statement on a FakeConn.
type FakeStmt struct {
	conn   *FakeConn
	query  string
	closes atomic.Int32
	execs  atomic.Int32
}

// Text returns the prepared text.
func (s *FakeStmt) Text() string { return s.query }

// Closes returns how many times Close was called.
func (s *FakeStmt) Closes() int { return int(s.closes.Load()) }

// Execs returns how many times the statement ran.
func (s *FakeStmt) Execs() int { return int(s.execs.Load()) }

func (s *FakeStmt) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	if s.closes.Load() > 0 {
		return nil, errors.New("fake: statement is closed")
	}
	s.execs.Add(1)
	return s.conn.Exec(ctx, s.query, args...)
}

func (s *FakeStmt) Query(ctx context.Context, args ...any) (session.Rows, error) {
	if s.closes.Load() > 0 {
		return nil, errors.New("fake: statement is closed")
	}
	s.execs.Add(1)
	return s.conn.Query(ctx, s.query, args...)
}

func (s *FakeStmt) Close() error {
	s.closes.Add(1)
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.conn.failures["stmt_close"]
}

// FakeRows iterates over in-memory rows.
type FakeRows struct {
	cols     []string
	data     [][]any
	pos      int
	closed   bool
	CloseErr error
}

func (r *FakeRows) Columns() ([]string, error) { return r.cols, nil }

func (r *FakeRows) Next() bool {
	if r.closed || r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *FakeRows) Scan(dest ...any) error {
	if r.pos == 0 || r.pos > len(r.data) {
		return io.EOF
	}
	row := r.data[r.pos-1]
	for i := range dest {
		if i >= len(row) {
			break
		}
		switch d := dest[i].(type) {
		case *any:
			*d = row[i]
		case *int64:
			v, ok := row[i].(int64)
			if !ok {
				return fmt.Errorf("fake: column %d is %T", i, row[i])
			}
			*d = v
		case *string:
			*d = fmt.Sprint(row[i])
		default:
			return fmt.Errorf("fake: unsupported scan target %T", dest[i])
		}
	}
	return nil
}

func (r *FakeRows) Err() error { return nil }

func (r *FakeRows) Close() error {
	r.closed = true
	return r.CloseErr
}
