// Package session implements the pooled session: a trackable wrapper around a
// native driver session that owns the lifecycle transitions the pool drives
// (activate, validate, passivate, destroy), the commands and cursors spawned
// from it, and the guarded handle given to callers.
//
// A Session is the root of a tracking.Node tree. Commands are its children and
// cursors are children of the command (or of the session for direct queries).
// Closing a Session cascades Close through the tree and returns it to the pool
// via the release hook; destroying it (ReallyClose) closes the native handle.
//
// Callers never see a *Session directly. DataSource hands out a *Handle, which
// drops its reference on Close so a stale handle cannot reach a Session the
// pool has since given to someone else.
package session

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
	"github.com/ajitpratap0/dbpool/pkg/tracking"
)

// Options configures a Session.
type Options struct {
	// CacheState caches the autocommit and read-only flags between calls.
	CacheState bool
	// CaptureOrigin records the activating call stack for abandonment logs.
	CaptureOrigin bool
	// Release returns the session to its pool after a client-visible Close.
	Release func(*Session) error
	Logger  *zap.Logger
}

// Defaults are the per-borrow settings re-applied on activation. Nil fields
// and an empty Catalog are left alone.
type Defaults struct {
	AutoCommit *bool
	ReadOnly   *bool
	Isolation  *sql.IsolationLevel
	Catalog    string
}

// ReturnPolicy controls transaction cleanup when a session goes back to the
// pool.
type ReturnPolicy struct {
	RollbackOnReturn   bool
	AutoCommitOnReturn bool
}

// Session is a pooled, trackable wrapper around a Native session.
type Session struct {
	conn       Native
	node       *tracking.Node
	created    time.Time
	logger     *zap.Logger
	classifier FatalClassifier

	cacheState    bool
	captureOrigin bool
	release       func(*Session) error

	closed atomic.Bool

	// generation counts activations. Commands and cursors remember the
	// generation they were opened in and stop working once it changes.
	generation atomic.Uint64

	mu         sync.Mutex // guards the fields below and lifecycle transitions
	destroyed  bool
	autoCommit *bool
	readOnly   *bool
	fatal      error
	origin     []poolerrors.StackFrame
}

// New wraps conn. The session starts open with no activity recorded.
func New(conn Native, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		conn:          conn,
		created:       time.Now(),
		cacheState:    opts.CacheState,
		captureOrigin: opts.CaptureOrigin,
		release:       opts.Release,
		classifier:    findClassifier(conn),
	}
	s.node = tracking.NewRoot(s)
	s.logger = logger.With(zap.String("session", s.ID()))
	return s
}

func findClassifier(conn Native) FatalClassifier {
	var v any = conn
	for v != nil {
		if fc, ok := v.(FatalClassifier); ok {
			return fc
		}
		d, ok := v.(Delegator)
		if !ok {
			return nil
		}
		next := d.Delegate()
		if next == v {
			return nil
		}
		v = next
	}
	return nil
}

// ID returns the native handle's identifier, or "" when there is none.
func (s *Session) ID() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.ID()
}

// CreatedAt returns when the session was constructed.
func (s *Session) CreatedAt() time.Time {
	return s.created
}

// Node returns the root of the session's resource tree.
func (s *Session) Node() *tracking.Node {
	return s.node
}

// LastUsedNanos returns the activity marker of the session's tree.
func (s *Session) LastUsedNanos() int64 {
	return s.node.LastUsedNanos()
}

// Origin returns the stack captured at the last activation, if enabled.
func (s *Session) Origin() []poolerrors.StackFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origin
}

// IsClosed reports whether the session is closed to its current caller.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Delegate returns the wrapped native layer.
func (s *Session) Delegate() any {
	return s.conn
}

// SetRelease installs the hook that returns the session to its pool.
func (s *Session) SetRelease(fn func(*Session) error) {
	s.mu.Lock()
	s.release = fn
	s.mu.Unlock()
}

// Close passivates the session's tree and hands the session back to its
// pool. Closing a closed session is a no-op. Child close failures are
// returned as one *poolerrors.CascadeError; the session is closed regardless.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	err := s.passivateLocked()
	release := s.release
	s.mu.Unlock()

	if release != nil {
		err = poolerrors.Append(err, release(s))
	}
	return err
}

// passivateLocked cascades close through the tree, resets cached state and
// marks the session closed.
func (s *Session) passivateLocked() error {
	s.closed.Store(true)
	err := s.node.CloseChildren("session " + s.describe())
	if l, ok := s.conn.(Lifecycle); ok {
		err = poolerrors.Append(err, l.Passivate())
	}
	s.clearCachedLocked()
	s.node.ResetLastUsed()
	return err
}

// Activate reopens the session for a new borrower.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return s.closedError()
	}
	s.generation.Add(1)
	s.closed.Store(false)
	s.node.MarkUsed()
	if s.captureOrigin {
		s.origin = poolerrors.CaptureStack(1)
	}
	if l, ok := s.conn.(Lifecycle); ok {
		l.Activate()
	}
	return nil
}

// ApplyDefaults sets each configured default whose live value differs.
func (s *Session) ApplyDefaults(ctx context.Context, d Defaults) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return s.closedError()
	}

	if d.AutoCommit != nil {
		cur, err := s.autoCommitLocked(ctx)
		if err != nil {
			return err
		}
		if cur != *d.AutoCommit {
			if err := s.setAutoCommitLocked(ctx, *d.AutoCommit); err != nil {
				return err
			}
		}
	}
	if d.Isolation != nil {
		cur, err := s.conn.Isolation(ctx)
		if err != nil {
			return s.noteError(err)
		}
		if cur != *d.Isolation {
			if err := s.conn.SetIsolation(ctx, *d.Isolation); err != nil {
				return s.noteError(err)
			}
		}
	}
	if d.ReadOnly != nil {
		cur, err := s.readOnlyLocked(ctx)
		if err != nil {
			return err
		}
		if cur != *d.ReadOnly {
			if err := s.setReadOnlyLocked(ctx, *d.ReadOnly); err != nil {
				return err
			}
		}
	}
	if d.Catalog != "" {
		cur, err := s.conn.Catalog(ctx)
		if err != nil {
			return s.noteError(err)
		}
		if cur != d.Catalog {
			if err := s.conn.SetCatalog(ctx, d.Catalog); err != nil {
				return s.noteError(err)
			}
		}
	}
	return nil
}

// Passivate prepares the session for the idle pool: it rolls back an open
// transaction on a writable session, clears warnings, restores autocommit and
// cascades close through the tree if the caller did not already.
func (s *Session) Passivate(ctx context.Context, p ReturnPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return s.closedError()
	}

	autoCommit, err := s.autoCommitLocked(ctx)
	if err != nil {
		return err
	}
	if p.RollbackOnReturn && !autoCommit {
		readOnly, err := s.readOnlyLocked(ctx)
		if err != nil {
			return err
		}
		if !readOnly {
			if err := s.conn.Rollback(ctx); err != nil {
				return s.noteError(err)
			}
		}
	}
	if err := s.conn.ClearWarnings(); err != nil {
		return s.noteError(err)
	}
	if p.AutoCommitOnReturn && !autoCommit {
		if err := s.setAutoCommitLocked(ctx, true); err != nil {
			return err
		}
	}
	if !s.closed.Load() {
		return s.passivateLocked()
	}
	return nil
}

// Validate checks the session is usable. With an empty query only local state
// is checked; otherwise query must return at least one row within timeout.
func (s *Session) Validate(ctx context.Context, query string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.conn == nil {
		return poolerrors.Wrap(s.closedError(), poolerrors.ErrorTypeValidationFailed, "session destroyed")
	}
	if s.fatal != nil {
		return poolerrors.Wrap(s.fatal, poolerrors.ErrorTypeValidationFailed, "fatal driver error seen earlier")
	}
	if s.conn.IsClosed() {
		return poolerrors.Newf(poolerrors.ErrorTypeValidationFailed, "native session %s is closed", s.conn.ID())
	}
	if query == "" {
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return poolerrors.Wrap(s.noteError(err), poolerrors.ErrorTypeValidationFailed, "validation query failed").
			WithDetail("query", query)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return poolerrors.Wrap(s.noteError(err), poolerrors.ErrorTypeValidationFailed, "validation query failed").
				WithDetail("query", query)
		}
		return poolerrors.New(poolerrors.ErrorTypeValidationFailed, "validation query returned no rows").
			WithDetail("query", query)
	}
	return nil
}

// ReallyClose destroys the session: open children are closed and the native
// handle is physically closed. It is safe to call more than once.
func (s *Session) ReallyClose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	s.closed.Store(true)

	err := s.node.CloseChildren("session " + s.describe())
	s.node.ResetLastUsed()
	s.clearCachedLocked()
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil {
			err = poolerrors.Append(err, poolerrors.Wrap(cerr, poolerrors.ErrorTypeDriver, "close native session"))
		}
	}
	return err
}

// ClearCachedState drops cached flags in this session and every wrapped
// layer that caches driver state.
func (s *Session) ClearCachedState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCachedLocked()
}

func (s *Session) clearCachedLocked() {
	s.autoCommit = nil
	s.readOnly = nil
	var v any = s.conn
	for v != nil {
		if c, ok := v.(CachedStateClearer); ok {
			c.ClearCachedState()
		}
		d, ok := v.(Delegator)
		if !ok {
			return
		}
		next := d.Delegate()
		if next == v {
			return
		}
		v = next
	}
}

func (s *Session) autoCommitLocked(ctx context.Context) (bool, error) {
	if s.cacheState && s.autoCommit != nil {
		return *s.autoCommit, nil
	}
	v, err := s.conn.AutoCommit(ctx)
	if err != nil {
		return false, s.noteError(err)
	}
	if s.cacheState {
		s.autoCommit = &v
	}
	return v, nil
}

func (s *Session) setAutoCommitLocked(ctx context.Context, on bool) error {
	s.autoCommit = nil
	if err := s.conn.SetAutoCommit(ctx, on); err != nil {
		return s.noteError(err)
	}
	if s.cacheState {
		s.autoCommit = &on
	}
	return nil
}

func (s *Session) readOnlyLocked(ctx context.Context) (bool, error) {
	if s.cacheState && s.readOnly != nil {
		return *s.readOnly, nil
	}
	v, err := s.conn.ReadOnly(ctx)
	if err != nil {
		return false, s.noteError(err)
	}
	if s.cacheState {
		s.readOnly = &v
	}
	return v, nil
}

func (s *Session) setReadOnlyLocked(ctx context.Context, on bool) error {
	s.readOnly = nil
	if err := s.conn.SetReadOnly(ctx, on); err != nil {
		return s.noteError(err)
	}
	if s.cacheState {
		s.readOnly = &on
	}
	return nil
}

// noteError records err as fatal when the driver classifies it so, and
// returns it unchanged. Callers may hold s.mu.
func (s *Session) noteError(err error) error {
	if err == nil || s.classifier == nil || !s.classifier.IsFatal(err) {
		return err
	}
	if s.fatal == nil {
		s.fatal = err
		s.logger.Warn("fatal driver error, session will fail validation", zap.Error(err))
	}
	return err
}

// recordError is noteError for callers that do not hold s.mu.
func (s *Session) recordError(err error) error {
	if err == nil || s.classifier == nil || !s.classifier.IsFatal(err) {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noteError(err)
}

func (s *Session) checkOpen() error {
	if s.closed.Load() {
		return s.closedError()
	}
	return nil
}

// checkGeneration fails when the session was closed or re-issued since gen.
func (s *Session) checkGeneration(gen uint64) error {
	if s.closed.Load() || s.generation.Load() != gen {
		return s.closedError()
	}
	return nil
}

func (s *Session) closedError() error {
	if id := s.ID(); id != "" {
		return poolerrors.Newf(poolerrors.ErrorTypeAlreadyClosed, "session %s is closed", id)
	}
	return poolerrors.New(poolerrors.ErrorTypeAlreadyClosed, "session is closed")
}

func (s *Session) describe() string {
	if id := s.ID(); id != "" {
		return id
	}
	return "<unknown>"
}
