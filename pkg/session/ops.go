package session

import (
	"context"
	"database/sql"
)

// forward checks the session is open, marks it used and runs fn against the
// wrapped native layer. Fatal driver errors are recorded on the way out.
func forward[T any](s *Session, fn func(Native) (T, error)) (T, error) {
	v, _, err := forwardGen(s, fn)
	return v, err
}

// forwardGen is forward that also returns the generation the call started in,
// for operations that register a child once the native call returns.
func forwardGen[T any](s *Session, fn func(Native) (T, error)) (T, uint64, error) {
	var zero T
	gen := s.generation.Load()
	if err := s.checkOpen(); err != nil {
		return zero, gen, err
	}
	s.node.MarkUsed()
	v, err := fn(s.conn)
	if err != nil {
		return zero, gen, s.recordError(err)
	}
	return v, gen, nil
}

func forwardErr(s *Session, fn func(Native) error) error {
	_, err := forward(s, func(n Native) (struct{}, error) {
		return struct{}{}, fn(n)
	})
	return err
}

// adopt closes child and fails when the session was closed or re-issued
// while the call that produced child was running.
func adopt(s *Session, gen uint64, child interface{ Close() error }) error {
	if err := s.checkGeneration(gen); err != nil {
		_ = child.Close()
		return err
	}
	return nil
}

// Exec runs a command that returns no rows.
func (s *Session) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return forward(s, func(n Native) (sql.Result, error) {
		return n.Exec(ctx, query, args...)
	})
}

// Query runs a query and returns a cursor tracked by the session.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*Cursor, error) {
	rows, gen, err := forwardGen(s, func(n Native) (Rows, error) {
		return n.Query(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	cur := newCursor(s, gen, s.node, rows)
	if err := adopt(s, gen, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// Prepare precompiles query with default shape.
func (s *Session) Prepare(ctx context.Context, query string) (*Command, error) {
	return s.PrepareShaped(ctx, query, Shape{})
}

// PrepareShaped precompiles query with the given cursor shape. When the
// session pools commands the shape is part of the cache key.
func (s *Session) PrepareShaped(ctx context.Context, query string, shape Shape) (*Command, error) {
	stmt, gen, err := forwardGen(s, func(n Native) (NativeStmt, error) {
		if sp, ok := n.(ShapedPreparer); ok {
			return sp.PrepareShaped(ctx, query, shape)
		}
		return n.Prepare(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	cmd := newCommand(s, gen, stmt, query, shape)
	if err := adopt(s, gen, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Commit commits the current transaction.
func (s *Session) Commit(ctx context.Context) error {
	return forwardErr(s, func(n Native) error { return n.Commit(ctx) })
}

// Rollback rolls back the current transaction.
func (s *Session) Rollback(ctx context.Context) error {
	return forwardErr(s, func(n Native) error { return n.Rollback(ctx) })
}

// AutoCommit reports the autocommit flag, from cache when enabled.
func (s *Session) AutoCommit(ctx context.Context) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	s.node.MarkUsed()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCommitLocked(ctx)
}

// SetAutoCommit changes the autocommit flag.
func (s *Session) SetAutoCommit(ctx context.Context, on bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.node.MarkUsed()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setAutoCommitLocked(ctx, on)
}

// ReadOnly reports the read-only flag, from cache when enabled.
func (s *Session) ReadOnly(ctx context.Context) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	s.node.MarkUsed()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnlyLocked(ctx)
}

// SetReadOnly changes the read-only flag.
func (s *Session) SetReadOnly(ctx context.Context, on bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.node.MarkUsed()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setReadOnlyLocked(ctx, on)
}

func (s *Session) Isolation(ctx context.Context) (sql.IsolationLevel, error) {
	return forward(s, func(n Native) (sql.IsolationLevel, error) { return n.Isolation(ctx) })
}

func (s *Session) SetIsolation(ctx context.Context, level sql.IsolationLevel) error {
	return forwardErr(s, func(n Native) error { return n.SetIsolation(ctx, level) })
}

func (s *Session) Catalog(ctx context.Context) (string, error) {
	return forward(s, func(n Native) (string, error) { return n.Catalog(ctx) })
}

func (s *Session) SetCatalog(ctx context.Context, catalog string) error {
	return forwardErr(s, func(n Native) error { return n.SetCatalog(ctx, catalog) })
}

func (s *Session) ClearWarnings() error {
	return forwardErr(s, func(n Native) error { return n.ClearWarnings() })
}

func (s *Session) Ping(ctx context.Context) error {
	return forwardErr(s, func(n Native) error { return n.Ping(ctx) })
}
