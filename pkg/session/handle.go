package session

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
)

// Handle is the one-shot wrapper returned to callers. Close drops the
// reference to the Session, so any later call fails with an already-closed
// error instead of reaching a Session the pool may have re-issued.
type Handle struct {
	s               atomic.Pointer[Session]
	allowUnderlying bool
}

// NewHandle guards s. allowUnderlying enables Underlying and Delegate.
func NewHandle(s *Session, allowUnderlying bool) *Handle {
	h := &Handle{allowUnderlying: allowUnderlying}
	h.s.Store(s)
	return h
}

func (h *Handle) session() (*Session, error) {
	s := h.s.Load()
	if s == nil {
		return nil, poolerrors.New(poolerrors.ErrorTypeAlreadyClosed, "session handle is closed")
	}
	return s, nil
}

func guarded[T any](h *Handle, fn func(*Session) (T, error)) (T, error) {
	s, err := h.session()
	if err != nil {
		var zero T
		return zero, err
	}
	return fn(s)
}

func guardedErr(h *Handle, fn func(*Session) error) error {
	s, err := h.session()
	if err != nil {
		return err
	}
	return fn(s)
}

// Close returns the session to the pool. Closing twice is a no-op.
func (h *Handle) Close() error {
	s := h.s.Swap(nil)
	if s == nil {
		return nil
	}
	return s.Close()
}

// IsClosed reports whether the handle has been closed or its session was
// closed underneath it.
func (h *Handle) IsClosed() bool {
	s := h.s.Load()
	return s == nil || s.IsClosed()
}

// ID returns the native session identifier, or "" once closed.
func (h *Handle) ID() string {
	s := h.s.Load()
	if s == nil {
		return ""
	}
	return s.ID()
}

// Underlying returns the innermost native object when access is allowed.
func (h *Handle) Underlying() (any, error) {
	if !h.allowUnderlying {
		return nil, poolerrors.New(poolerrors.ErrorTypeConfig, "access to the underlying session is not allowed")
	}
	return guarded(h, func(s *Session) (any, error) {
		if err := s.checkOpen(); err != nil {
			return nil, err
		}
		return Innermost(s), nil
	})
}

// Delegate returns the guarded Session when underlying access is allowed,
// and nil otherwise.
func (h *Handle) Delegate() any {
	if !h.allowUnderlying {
		return nil
	}
	s := h.s.Load()
	if s == nil {
		return nil
	}
	return s
}

func (h *Handle) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return guarded(h, func(s *Session) (sql.Result, error) { return s.Exec(ctx, query, args...) })
}

func (h *Handle) Query(ctx context.Context, query string, args ...any) (*Cursor, error) {
	return guarded(h, func(s *Session) (*Cursor, error) { return s.Query(ctx, query, args...) })
}

func (h *Handle) Prepare(ctx context.Context, query string) (*Command, error) {
	return guarded(h, func(s *Session) (*Command, error) { return s.Prepare(ctx, query) })
}

func (h *Handle) PrepareShaped(ctx context.Context, query string, shape Shape) (*Command, error) {
	return guarded(h, func(s *Session) (*Command, error) { return s.PrepareShaped(ctx, query, shape) })
}

func (h *Handle) Commit(ctx context.Context) error {
	return guardedErr(h, func(s *Session) error { return s.Commit(ctx) })
}

func (h *Handle) Rollback(ctx context.Context) error {
	return guardedErr(h, func(s *Session) error { return s.Rollback(ctx) })
}

func (h *Handle) AutoCommit(ctx context.Context) (bool, error) {
	return guarded(h, func(s *Session) (bool, error) { return s.AutoCommit(ctx) })
}

func (h *Handle) SetAutoCommit(ctx context.Context, on bool) error {
	return guardedErr(h, func(s *Session) error { return s.SetAutoCommit(ctx, on) })
}

func (h *Handle) ReadOnly(ctx context.Context) (bool, error) {
	return guarded(h, func(s *Session) (bool, error) { return s.ReadOnly(ctx) })
}

func (h *Handle) SetReadOnly(ctx context.Context, on bool) error {
	return guardedErr(h, func(s *Session) error { return s.SetReadOnly(ctx, on) })
}

func (h *Handle) Isolation(ctx context.Context) (sql.IsolationLevel, error) {
	return guarded(h, func(s *Session) (sql.IsolationLevel, error) { return s.Isolation(ctx) })
}

func (h *Handle) SetIsolation(ctx context.Context, level sql.IsolationLevel) error {
	return guardedErr(h, func(s *Session) error { return s.SetIsolation(ctx, level) })
}

func (h *Handle) Catalog(ctx context.Context) (string, error) {
	return guarded(h, func(s *Session) (string, error) { return s.Catalog(ctx) })
}

func (h *Handle) SetCatalog(ctx context.Context, catalog string) error {
	return guardedErr(h, func(s *Session) error { return s.SetCatalog(ctx, catalog) })
}

func (h *Handle) ClearWarnings() error {
	return guardedErr(h, func(s *Session) error { return s.ClearWarnings() })
}

func (h *Handle) Ping(ctx context.Context) error {
	return guardedErr(h, func(s *Session) error { return s.Ping(ctx) })
}

// ClearCachedState drops cached driver flags in every layer.
func (h *Handle) ClearCachedState() error {
	return guardedErr(h, func(s *Session) error {
		s.ClearCachedState()
		return nil
	})
}
