package native_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dbpool/pkg/native"
	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
	"github.com/ajitpratap0/dbpool/pkg/session"
	"github.com/ajitpratap0/dbpool/pkg/testutil"
)

func newSQLiteSource(t *testing.T) *native.Source {
	t.Helper()
	src, err := native.NewSource(native.Options{
		Dialect: native.SQLite,
		DSN:     filepath.Join(t.TempDir(), "native.db"),
		Logger:  testutil.TestLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func openConn(t *testing.T, src *native.Source) *native.Conn {
	t.Helper()
	n, err := src.Open(testutil.TestContext(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n.(*native.Conn)
}

func count(t *testing.T, ctx context.Context, n session.Native) int64 {
	t.Helper()
	rows, err := n.Query(ctx, "SELECT COUNT(*) FROM items")
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var v int64
	require.NoError(t, rows.Scan(&v))
	return v
}

func TestManualCommitMode(t *testing.T) {
	ctx := testutil.TestContext(t)
	src := newSQLiteSource(t)
	c := openConn(t, src)

	_, err := c.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	require.NoError(t, c.SetAutoCommit(ctx, false))
	_, err = c.Exec(ctx, "INSERT INTO items (name) VALUES ('a')")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, ctx, c))
	require.NoError(t, c.Rollback(ctx))
	assert.Equal(t, int64(0), count(t, ctx, c))

	_, err = c.Exec(ctx, "INSERT INTO items (name) VALUES ('b')")
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx))
	assert.Equal(t, int64(1), count(t, ctx, c))

	_, err = c.Exec(ctx, "INSERT INTO items (name) VALUES ('c')")
	require.NoError(t, err)
	require.NoError(t, c.SetAutoCommit(ctx, true), "switching autocommit on commits")

	other := openConn(t, src)
	assert.Equal(t, int64(2), count(t, ctx, other))
}

func TestPreparedStatementFollowsTransaction(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := openConn(t, newSQLiteSource(t))

	_, err := c.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	st, err := c.Prepare(ctx, "INSERT INTO items (name) VALUES (?)")
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, c.SetAutoCommit(ctx, false))
	for _, name := range []string{"a", "b", "c"} {
		_, err := st.Exec(ctx, name)
		require.NoError(t, err)
	}
	require.NoError(t, c.Rollback(ctx))
	assert.Equal(t, int64(0), count(t, ctx, c))

	_, err = st.Exec(ctx, "d")
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx))
	assert.Equal(t, int64(1), count(t, ctx, c))
}

func TestSQLiteCatalog(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := openConn(t, newSQLiteSource(t))

	cat, err := c.Catalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", cat)
	require.NoError(t, c.SetCatalog(ctx, "main"))

	var unsupported *native.UnsupportedError
	assert.ErrorAs(t, c.SetCatalog(ctx, "other"), &unsupported)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := openConn(t, newSQLiteSource(t))
	assert.NotEmpty(t, c.ID())
	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())
	assert.NoError(t, c.Close())
}

func TestValidateDetectsOutOfBandClose(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := openConn(t, newSQLiteSource(t))

	s := session.New(c, session.Options{Logger: testutil.TestLogger(t)})
	require.NoError(t, s.Activate())
	require.NoError(t, s.Validate(ctx, "SELECT 1", time.Second))

	require.NoError(t, c.Close())
	assert.ErrorIs(t, s.Validate(ctx, "SELECT 1", time.Second), poolerrors.ErrValidationFailed)
}

func TestOpenFailsOnBadDSN(t *testing.T) {
	src, err := native.NewSource(native.Options{
		Dialect: native.SQLite,
		DSN:     filepath.Join(t.TempDir(), "missing", "dir", "native.db"),
	})
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Open(testutil.TestContext(t))
	require.Error(t, err)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeDriver))
}

func TestDialects(t *testing.T) {
	for _, name := range []string{"postgres", "postgresql", "pgx"} {
		d, err := native.DialectFor(name)
		require.NoError(t, err, name)
		assert.Equal(t, native.Postgres, d.Name)
		assert.Equal(t, "pgx", d.DriverName)
	}

	pg, _ := native.DialectFor(native.Postgres)
	assert.Equal(t, `SET search_path TO "odd""schema"`, pg.SetCatalog(`odd"schema`))

	my, err := native.DialectFor("MySQL")
	require.NoError(t, err)
	assert.Equal(t, "USE `odd``db`", my.SetCatalog("odd`db"))

	lite, err := native.DialectFor("sqlite3")
	require.NoError(t, err)
	assert.Nil(t, lite.SetCatalog)

	_, err = native.DialectFor("oracle")
	assert.Error(t, err)

	_, err = native.NewSource(native.Options{Dialect: "oracle"})
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
}

func TestIsFatal(t *testing.T) {
	cases := []struct {
		err   error
		fatal bool
	}{
		{nil, false},
		{errors.New("syntax error"), false},
		{driver.ErrBadConn, true},
		{fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{sql.ErrConnDone, true},
		{mysql.ErrInvalidConn, true},
		{&pgconn.PgError{Code: "08006"}, true},
		{&pgconn.PgError{Code: "57P01"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
		{&mysql.MySQLError{Number: 2006}, true},
		{&mysql.MySQLError{Number: 1927}, true},
		{&mysql.MySQLError{Number: 1062}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.fatal, native.IsFatal(tc.err), "%v", tc.err)
	}
}
