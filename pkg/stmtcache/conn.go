package stmtcache

import (
	"container/list"
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
	"github.com/ajitpratap0/dbpool/pkg/session"
)

// Options configures a caching Conn.
type Options struct {
	// MaxTotal bounds cached plus checked-out statements. Zero or less means
	// unbounded. When full, the least recently returned idle statement is
	// evicted; if none is idle, Prepare fails with a pool-exhausted error.
	MaxTotal   int
	Normalizer Normalizer
	Logger     *zap.Logger
}

// Stats is a point-in-time view of a Conn's cache.
type Stats struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Conn is a session.Native that pools the statements prepared through it.
type Conn struct {
	native   session.Native
	logger   *zap.Logger
	norm     Normalizer
	maxTotal int

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	mu      sync.Mutex
	idle    map[Key][]*Stmt
	lru     *list.List // idle statements, most recently returned at the front
	active  map[*Stmt]struct{}
	pending int
	catalog *string
	closed  bool
}

var (
	_ session.Native             = (*Conn)(nil)
	_ session.ShapedPreparer     = (*Conn)(nil)
	_ session.Lifecycle          = (*Conn)(nil)
	_ session.CachedStateClearer = (*Conn)(nil)
	_ session.Delegator          = (*Conn)(nil)
)

// New wraps native with a statement cache.
func New(native session.Native, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	norm := opts.Normalizer
	if norm == nil {
		norm, _ = NormalizerFor(NormalizeTrim)
	}
	return &Conn{
		native:   native,
		logger:   logger.With(zap.String("component", "stmtcache"), zap.String("session", native.ID())),
		norm:     norm,
		maxTotal: opts.MaxTotal,
		idle:     make(map[Key][]*Stmt),
		lru:      list.New(),
		active:   make(map[*Stmt]struct{}),
	}
}

// Delegate returns the wrapped native session.
func (c *Conn) Delegate() any { return c.native }

func (c *Conn) ID() string { return c.native.ID() }

// Prepare returns a cached statement for query with the default shape.
func (c *Conn) Prepare(ctx context.Context, query string) (session.NativeStmt, error) {
	return c.PrepareShaped(ctx, query, session.Shape{})
}

// PrepareShaped returns an idle statement for the key built from query, the
// current catalog and shape, preparing a new one on a miss.
func (c *Conn) PrepareShaped(ctx context.Context, query string, shape session.Shape) (session.NativeStmt, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, poolerrors.New(poolerrors.ErrorTypeAlreadyClosed, "statement cache is closed")
	}
	catalog, err := c.currentCatalog(ctx)
	if err != nil {
		return nil, err
	}
	key := NewKey(query, catalog, shape, c.norm)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, poolerrors.New(poolerrors.ErrorTypeAlreadyClosed, "statement cache is closed")
	}
	if st := c.popIdleLocked(key); st != nil {
		c.active[st] = struct{}{}
		c.mu.Unlock()
		c.hits.Add(1)
		c.logger.Debug("statement cache hit", zap.Stringer("key", key))
		return st, nil
	}
	var victim *Stmt
	if c.maxTotal > 0 && c.totalLocked() >= c.maxTotal {
		victim = c.evictLocked()
		if victim == nil {
			c.mu.Unlock()
			return nil, poolerrors.Newf(poolerrors.ErrorTypePoolExhausted,
				"statement cache full: %d statements checked out", len(c.active)).
				WithDetail("key", key.String())
		}
	}
	c.pending++
	c.mu.Unlock()

	if victim != nil {
		c.destroy(victim)
	}

	c.misses.Add(1)
	native, err := c.prepareNative(ctx, query, shape)

	c.mu.Lock()
	c.pending--
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	st := &Stmt{conn: c, key: key, native: native}
	if c.closed {
		c.mu.Unlock()
		return nil, poolerrors.Append(
			poolerrors.New(poolerrors.ErrorTypeAlreadyClosed, "statement cache is closed"),
			c.destroy(st))
	}
	c.active[st] = struct{}{}
	c.mu.Unlock()
	return st, nil
}

func (c *Conn) prepareNative(ctx context.Context, query string, shape session.Shape) (session.NativeStmt, error) {
	if sp, ok := c.native.(session.ShapedPreparer); ok {
		return sp.PrepareShaped(ctx, query, shape)
	}
	return c.native.Prepare(ctx, query)
}

func (c *Conn) currentCatalog(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.catalog != nil {
		cat := *c.catalog
		c.mu.Unlock()
		return cat, nil
	}
	c.mu.Unlock()

	cat, err := c.native.Catalog(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.catalog = &cat
	c.mu.Unlock()
	return cat, nil
}

func (c *Conn) totalLocked() int {
	return len(c.active) + c.lru.Len() + c.pending
}

func (c *Conn) popIdleLocked(key Key) *Stmt {
	stack := c.idle[key]
	if len(stack) == 0 {
		return nil
	}
	st := stack[len(stack)-1]
	stack[len(stack)-1] = nil
	if len(stack) == 1 {
		delete(c.idle, key)
	} else {
		c.idle[key] = stack[:len(stack)-1]
	}
	c.lru.Remove(st.elem)
	st.elem = nil
	return st
}

// evictLocked removes the least recently returned idle statement.
func (c *Conn) evictLocked() *Stmt {
	back := c.lru.Back()
	if back == nil {
		return nil
	}
	st := back.Value.(*Stmt)
	c.lru.Remove(back)
	st.elem = nil
	stack := c.idle[st.key]
	for i, s := range stack {
		if s == st {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(c.idle, st.key)
	} else {
		c.idle[st.key] = stack
	}
	c.evictions.Add(1)
	return st
}

// release returns st to the idle set. Statements no longer checked out are
// ignored.
func (c *Conn) release(st *Stmt) error {
	c.mu.Lock()
	if _, ok := c.active[st]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.active, st)
	if c.closed {
		c.mu.Unlock()
		return c.destroy(st)
	}
	c.idle[st.key] = append(c.idle[st.key], st)
	st.elem = c.lru.PushFront(st)
	c.mu.Unlock()
	return nil
}

func (c *Conn) destroy(st *Stmt) error {
	if err := st.native.Close(); err != nil {
		c.logger.Debug("failed to close cached statement", zap.Stringer("key", st.key), zap.Error(err))
		return poolerrors.Wrap(err, poolerrors.ErrorTypeDriver, "close cached statement").
			WithDetail("key", st.key.String())
	}
	return nil
}

// Activate implements session.Lifecycle.
func (c *Conn) Activate() {}

// Passivate returns every statement still checked out to the idle set. The
// owning session has already closed its commands by the time this runs, so
// anything left here was leaked by a wrapper that bypassed tracking.
func (c *Conn) Passivate() error {
	c.mu.Lock()
	leaked := make([]*Stmt, 0, len(c.active))
	for st := range c.active {
		leaked = append(leaked, st)
	}
	c.mu.Unlock()

	var errs poolerrors.Collector
	for _, st := range leaked {
		errs.Add(c.release(st))
	}
	if len(leaked) > 0 {
		c.logger.Debug("returned untracked statements on passivate", zap.Int("count", len(leaked)))
	}
	return errs.Err("statement cache " + c.ID())
}

// ClearCachedState drops the cached catalog.
func (c *Conn) ClearCachedState() {
	c.mu.Lock()
	c.catalog = nil
	c.mu.Unlock()
}

// Stats returns cache counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Active:    len(c.active),
		Idle:      c.lru.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// NumActive returns how many statements are checked out.
func (c *Conn) NumActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// NumIdle returns how many statements are cached and idle.
func (c *Conn) NumIdle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Close destroys every cached and checked-out statement, then closes the
// native session. A statement close failure does not stop the rest.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	all := make([]*Stmt, 0, len(c.active)+c.lru.Len())
	for st := range c.active {
		all = append(all, st)
	}
	for e := c.lru.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(*Stmt))
	}
	c.active = make(map[*Stmt]struct{})
	c.idle = make(map[Key][]*Stmt)
	c.lru.Init()
	c.mu.Unlock()

	var errs poolerrors.Collector
	for _, st := range all {
		errs.Add(c.destroy(st))
	}
	return poolerrors.Append(c.native.Close(), errs.Err("statement cache "+c.ID()))
}

func (c *Conn) IsClosed() bool { return c.native.IsClosed() }

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.native.Exec(ctx, query, args...)
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (session.Rows, error) {
	return c.native.Query(ctx, query, args...)
}

func (c *Conn) Commit(ctx context.Context) error   { return c.native.Commit(ctx) }
func (c *Conn) Rollback(ctx context.Context) error { return c.native.Rollback(ctx) }

func (c *Conn) AutoCommit(ctx context.Context) (bool, error) { return c.native.AutoCommit(ctx) }
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	return c.native.SetAutoCommit(ctx, on)
}

func (c *Conn) ReadOnly(ctx context.Context) (bool, error) { return c.native.ReadOnly(ctx) }
func (c *Conn) SetReadOnly(ctx context.Context, on bool) error {
	return c.native.SetReadOnly(ctx, on)
}

func (c *Conn) Isolation(ctx context.Context) (sql.IsolationLevel, error) {
	return c.native.Isolation(ctx)
}

func (c *Conn) SetIsolation(ctx context.Context, level sql.IsolationLevel) error {
	return c.native.SetIsolation(ctx, level)
}

func (c *Conn) Catalog(ctx context.Context) (string, error) { return c.native.Catalog(ctx) }

// SetCatalog switches catalog. Statements prepared afterwards are keyed
// under the new catalog.
func (c *Conn) SetCatalog(ctx context.Context, catalog string) error {
	c.mu.Lock()
	c.catalog = nil
	c.mu.Unlock()
	if err := c.native.SetCatalog(ctx, catalog); err != nil {
		return err
	}
	c.mu.Lock()
	c.catalog = &catalog
	c.mu.Unlock()
	return nil
}

func (c *Conn) ClearWarnings() error           { return c.native.ClearWarnings() }
func (c *Conn) Ping(ctx context.Context) error { return c.native.Ping(ctx) }

// Stmt is a cached statement. Close returns it to its Conn.
type Stmt struct {
	conn   *Conn
	key    Key
	native session.NativeStmt
	elem   *list.Element
}

// Key returns the cache key the statement is filed under.
func (s *Stmt) Key() Key { return s.key }

// Delegate returns the native statement.
func (s *Stmt) Delegate() any { return s.native }

func (s *Stmt) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	return s.native.Exec(ctx, args...)
}

func (s *Stmt) Query(ctx context.Context, args ...any) (session.Rows, error) {
	return s.native.Query(ctx, args...)
}

// Close returns the statement to the cache, or destroys it if the cache has
// been closed.
func (s *Stmt) Close() error {
	return s.conn.release(s)
}
