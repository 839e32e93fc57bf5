package session

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
	"github.com/ajitpratap0/dbpool/pkg/tracking"
)

// Command is a precompiled command spawned by a Session. It is a child of the
// session's tree and the parent of the cursors it opens.
type Command struct {
	session *Session
	gen     uint64
	node    *tracking.Node
	stmt    NativeStmt
	query   string
	shape   Shape
	closed  atomic.Bool
}

func newCommand(s *Session, gen uint64, stmt NativeStmt, query string, shape Shape) *Command {
	c := &Command{session: s, gen: gen, stmt: stmt, query: query, shape: shape}
	c.node = tracking.NewChild(s.node, c)
	return c
}

// Text returns the command text as given to Prepare.
func (c *Command) Text() string {
	return c.query
}

// Shape returns the cursor shape the command was prepared with.
func (c *Command) Shape() Shape {
	return c.shape
}

// Node returns the command's tracking node.
func (c *Command) Node() *tracking.Node {
	return c.node
}

// Delegate returns the wrapped native statement.
func (c *Command) Delegate() any {
	return c.stmt
}

// IsClosed reports whether the command or its session is closed.
func (c *Command) IsClosed() bool {
	return c.closed.Load() || c.session.checkGeneration(c.gen) != nil
}

func (c *Command) checkOpen() error {
	if c.closed.Load() {
		return poolerrors.Newf(poolerrors.ErrorTypeAlreadyClosed, "command %q is closed", c.query)
	}
	return c.session.checkGeneration(c.gen)
}

// Exec runs the command with args.
func (c *Command) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.node.MarkUsed()
	res, err := c.stmt.Exec(ctx, args...)
	if err != nil {
		return nil, c.session.recordError(err)
	}
	return res, nil
}

// Query runs the command with args and returns a cursor tracked by the command.
func (c *Command) Query(ctx context.Context, args ...any) (*Cursor, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.node.MarkUsed()
	rows, err := c.stmt.Query(ctx, args...)
	if err != nil {
		return nil, c.session.recordError(err)
	}
	cur := newCursor(c.session, c.gen, c.node, rows)
	if err := adopt(c.session, c.gen, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// Close closes every open cursor of the command, unregisters it from its
// session and releases the native statement. Subsequent calls are no-ops.
func (c *Command) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.node.CloseChildren("command " + c.query)
	c.node.Detach()
	if c.stmt != nil {
		err = poolerrors.Append(err, c.stmt.Close())
	}
	return err
}

// Cursor is a result set opened by a Session or Command.
type Cursor struct {
	session *Session
	gen     uint64
	node    *tracking.Node
	rows    Rows
	closed  atomic.Bool
}

func newCursor(s *Session, gen uint64, parent *tracking.Node, rows Rows) *Cursor {
	c := &Cursor{session: s, gen: gen, rows: rows}
	c.node = tracking.NewChild(parent, c)
	return c
}

// Delegate returns the wrapped native rows.
func (c *Cursor) Delegate() any {
	return c.rows
}

// IsClosed reports whether the cursor or its session is closed.
func (c *Cursor) IsClosed() bool {
	return c.closed.Load() || c.session.checkGeneration(c.gen) != nil
}

func (c *Cursor) checkOpen() error {
	if c.closed.Load() {
		return poolerrors.New(poolerrors.ErrorTypeAlreadyClosed, "cursor is closed")
	}
	return c.session.checkGeneration(c.gen)
}

// Next advances the cursor. It returns false once the cursor, its command or
// its session has been closed.
func (c *Cursor) Next() bool {
	if c.checkOpen() != nil {
		return false
	}
	c.node.MarkUsed()
	return c.rows.Next()
}

// Scan copies the current row into dest.
func (c *Cursor) Scan(dest ...any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.session.recordError(c.rows.Scan(dest...))
}

// Columns returns the result column names.
func (c *Cursor) Columns() ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.rows.Columns()
}

// Err returns the error, if any, encountered during iteration.
func (c *Cursor) Err() error {
	return c.session.recordError(c.rows.Err())
}

// Close releases the cursor. Subsequent calls are no-ops.
func (c *Cursor) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.node.Detach()
	return c.rows.Close()
}
