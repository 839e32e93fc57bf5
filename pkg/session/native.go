package session

import (
	"context"
	"database/sql"
)

// Native is the non-pooled session obtained from a driver. Implementations are
// not required to be safe for concurrent use; a Session serializes nothing
// beyond what its single logical caller does.
type Native interface {
	// ID returns a human-readable identifier used in logs and errors.
	ID() string

	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Prepare(ctx context.Context, query string) (NativeStmt, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	AutoCommit(ctx context.Context) (bool, error)
	SetAutoCommit(ctx context.Context, on bool) error
	ReadOnly(ctx context.Context) (bool, error)
	SetReadOnly(ctx context.Context, on bool) error
	Isolation(ctx context.Context) (sql.IsolationLevel, error)
	SetIsolation(ctx context.Context, level sql.IsolationLevel) error
	Catalog(ctx context.Context) (string, error)
	SetCatalog(ctx context.Context, catalog string) error

	// ClearWarnings drops any driver-side warning chain.
	ClearWarnings() error
	Ping(ctx context.Context) error

	Close() error
	IsClosed() bool
}

// NativeStmt is a precompiled command on a Native session.
type NativeStmt interface {
	Exec(ctx context.Context, args ...any) (sql.Result, error)
	Query(ctx context.Context, args ...any) (Rows, error)
	Close() error
}

// Rows is a forward-only cursor over a result set. *sql.Rows satisfies it.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Shape carries the cursor-shape parameters of a precompiled command. The
// zero value means "driver defaults".
type Shape struct {
	Kind        StatementKind
	ResultType  ResultType
	Concurrency Concurrency
	Holdability Holdability
	// ReturnKeys requests generated keys; KeyColumns optionally names them,
	// joined with commas.
	ReturnKeys bool
	KeyColumns string
}

// StatementKind distinguishes plain prepared commands from procedure calls.
type StatementKind uint8

const (
	KindPrepared StatementKind = iota
	KindCall
)

// ResultType is the scrollability of a cursor.
type ResultType uint8

const (
	ResultForwardOnly ResultType = iota
	ResultScrollInsensitive
	ResultScrollSensitive
)

// Concurrency is the updatability of a cursor.
type Concurrency uint8

const (
	ConcurReadOnly Concurrency = iota
	ConcurUpdatable
)

// Holdability controls whether cursors survive a commit.
type Holdability uint8

const (
	HoldDefault Holdability = iota
	HoldOverCommit
	CloseAtCommit
)

// ShapedPreparer is implemented by layers that distinguish commands by Shape,
// such as the prepared-command cache.
type ShapedPreparer interface {
	PrepareShaped(ctx context.Context, query string, shape Shape) (NativeStmt, error)
}

// Lifecycle is implemented by wrapping layers that keep state across borrows.
// Session forwards its own activation and passivation to the layer it wraps.
type Lifecycle interface {
	Activate()
	Passivate() error
}

// CachedStateClearer is implemented by layers that cache driver state.
type CachedStateClearer interface {
	ClearCachedState()
}

// FatalClassifier reports whether a driver error means the native session can
// no longer be used.
type FatalClassifier interface {
	IsFatal(err error) bool
}

// Delegator is implemented by every wrapping layer and returns the object it
// wraps.
type Delegator interface {
	Delegate() any
}

// Innermost follows Delegate until it reaches an object that wraps nothing.
func Innermost(v any) any {
	for {
		d, ok := v.(Delegator)
		if !ok {
			return v
		}
		next := d.Delegate()
		if next == nil || next == v {
			return v
		}
		v = next
	}
}
