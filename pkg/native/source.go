// Package native adapts database/sql drivers to session.Native. Each native
// session pins one physical connection (*sql.Conn); database/sql's own idle
// pool is disabled so that pooling happens in exactly one place.
//
// Supported dialects are PostgreSQL (pgx), MySQL (go-sql-driver) and SQLite
// (modernc.org/sqlite, pure Go).
package native

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	// Drivers for the supported dialects.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
	"github.com/ajitpratap0/dbpool/pkg/session"
)

// Options configures a Source.
type Options struct {
	// Dialect selects the dialect, see DialectFor.
	Dialect string
	// DriverName overrides the dialect's database/sql driver name.
	DriverName string
	DSN        string
	// ConnectTimeout bounds Open when the caller's context has no deadline.
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Source opens native sessions from a database/sql driver.
type Source struct {
	db             *sql.DB
	dialect        Dialect
	connectTimeout time.Duration
	logger         *zap.Logger
}

// NewSource opens a database handle for opts. No connection is made until
// the first Open.
func NewSource(opts Options) (*Source, error) {
	d, err := DialectFor(opts.Dialect)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid dialect")
	}
	driverName := opts.DriverName
	if driverName == "" {
		driverName = d.DriverName
	}
	db, err := sql.Open(driverName, opts.DSN)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeDriver, "open database handle").
			WithDetail("driver", driverName)
	}
	db.SetMaxIdleConns(0)

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		db:             db,
		dialect:        d,
		connectTimeout: opts.ConnectTimeout,
		logger:         logger.With(zap.String("component", "native"), zap.String("dialect", d.Name)),
	}, nil
}

// Dialect returns the source's dialect.
func (s *Source) Dialect() Dialect {
	return s.dialect
}

// Open pins a new physical connection.
func (s *Source) Open(ctx context.Context) (session.Native, error) {
	if _, ok := ctx.Deadline(); !ok && s.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
	}
	sc, err := s.db.Conn(ctx)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeDriver, "open native session").
			WithDetail("dialect", s.dialect.Name)
	}
	if err := sc.PingContext(ctx); err != nil {
		_ = sc.Close()
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeDriver, "ping new native session").
			WithDetail("dialect", s.dialect.Name)
	}
	c := newConn(sc, s.dialect)
	s.logger.Debug("opened native session", zap.String("session", c.ID()))
	return c, nil
}

// Close closes the database handle. Sessions still open are closed by
// database/sql once released.
func (s *Source) Close() error {
	return s.db.Close()
}
