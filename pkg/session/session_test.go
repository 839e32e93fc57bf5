package session_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
	"github.com/ajitpratap0/dbpool/pkg/session"
	"github.com/ajitpratap0/dbpool/pkg/testutil"
)

func newSession(t *testing.T, opts session.Options) (*session.Session, *testutil.FakeConn) {
	t.Helper()
	drv := testutil.NewFakeDriver()
	native, err := drv.Open(context.Background())
	require.NoError(t, err)
	opts.Logger = testutil.TestLogger(t)
	s := session.New(native, opts)
	require.NoError(t, s.Activate())
	return s, native.(*testutil.FakeConn)
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, _ := newSession(t, session.Options{})

	require.NoError(t, s.Close())
	assert.True(t, s.IsClosed())

	ops := map[string]func() error{
		"exec":           func() error { _, err := s.Exec(ctx, "UPDATE t SET a = 1"); return err },
		"query":          func() error { _, err := s.Query(ctx, "SELECT 1"); return err },
		"prepare":        func() error { _, err := s.Prepare(ctx, "SELECT 1"); return err },
		"commit":         func() error { return s.Commit(ctx) },
		"rollback":       func() error { return s.Rollback(ctx) },
		"autocommit":     func() error { _, err := s.AutoCommit(ctx); return err },
		"set_autocommit": func() error { return s.SetAutoCommit(ctx, false) },
		"readonly":       func() error { _, err := s.ReadOnly(ctx); return err },
		"isolation":      func() error { _, err := s.Isolation(ctx); return err },
		"catalog":        func() error { _, err := s.Catalog(ctx); return err },
		"ping":           func() error { return s.Ping(ctx) },
	}
	for name, op := range ops {
		err := op()
		assert.ErrorIs(t, err, poolerrors.ErrAlreadyClosed, name)
		assert.Contains(t, err.Error(), "fake-1", name)
	}

	assert.NoError(t, s.Close(), "second close is a no-op")
}

func TestCloseCascadesToChildrenOnce(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newSession(t, session.Options{})

	cmd, err := s.Prepare(ctx, "SELECT v FROM t WHERE id = ?")
	require.NoError(t, err)
	cmdCursor, err := cmd.Query(ctx, 1)
	require.NoError(t, err)
	direct, err := s.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Len(t, s.Node().Children(), 2)

	require.NoError(t, s.Close())

	assert.True(t, cmd.IsClosed())
	assert.True(t, cmdCursor.IsClosed())
	assert.True(t, direct.IsClosed())
	assert.False(t, cmdCursor.Next())
	assert.Empty(t, s.Node().Children())

	require.Len(t, conn.Stmts(), 1)
	stmt := conn.Stmts()[0]
	assert.Equal(t, 1, stmt.Closes())

	require.NoError(t, s.Close())
	assert.NoError(t, cmd.Close())
	assert.Equal(t, 1, stmt.Closes())
}

func TestExplicitChildCloseUnregisters(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newSession(t, session.Options{})

	cmd, err := s.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)
	cur, err := cmd.Query(ctx)
	require.NoError(t, err)

	require.NoError(t, cur.Close())
	assert.False(t, cmd.IsClosed())
	assert.Len(t, cmd.Node().Children(), 0)
	require.NoError(t, cmd.Close())
	require.NoError(t, cmd.Close())
	assert.Empty(t, s.Node().Children())

	require.NoError(t, s.Close())
	assert.Equal(t, 1, conn.Stmts()[0].Closes())
}

func TestCloseSurfacesCascadeFailures(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newSession(t, session.Options{})

	boom := errors.New("stmt close failed")
	conn.FailOn("stmt_close", boom)
	_, err := s.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)
	_, err = s.Prepare(ctx, "SELECT 2")
	require.NoError(t, err)

	err = s.Close()
	require.Error(t, err)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeCascadeClose))
	assert.ErrorIs(t, err, boom)

	var ce *poolerrors.CascadeError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Errors, 2)
	assert.True(t, s.IsClosed(), "session is closed despite child failures")
}

func TestCloseInvokesRelease(t *testing.T) {
	var released []*session.Session
	s, _ := newSession(t, session.Options{
		Release: func(s *session.Session) error {
			released = append(released, s)
			return nil
		},
	})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Len(t, released, 1)
	assert.Same(t, s, released[0])
	assert.Zero(t, s.LastUsedNanos(), "returned sessions carry no activity marker")

	require.NoError(t, s.Activate())
	assert.False(t, s.IsClosed())
	assert.NotZero(t, s.LastUsedNanos())
}

func TestCachedFlags(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newSession(t, session.Options{CacheState: true})

	for i := 0; i < 3; i++ {
		on, err := s.AutoCommit(ctx)
		require.NoError(t, err)
		assert.True(t, on)
	}
	assert.Equal(t, 1, conn.Calls("autocommit"))

	require.NoError(t, s.SetAutoCommit(ctx, false))
	on, err := s.AutoCommit(ctx)
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, 1, conn.Calls("autocommit"))

	s.ClearCachedState()
	_, err = s.AutoCommit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, conn.Calls("autocommit"))

	_, err = s.ReadOnly(ctx)
	require.NoError(t, err)
	_, err = s.ReadOnly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.Calls("readonly"))
}

func TestUncachedFlagsHitDriver(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newSession(t, session.Options{CacheState: false})

	for i := 0; i < 3; i++ {
		_, err := s.AutoCommit(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, conn.Calls("autocommit"))
}

func TestPassivateRollsBackWritableTransaction(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newSession(t, session.Options{CacheState: true})

	require.NoError(t, s.SetAutoCommit(ctx, false))
	_, err := s.Exec(ctx, "INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	require.True(t, conn.InTx())

	require.NoError(t, s.Passivate(ctx, session.ReturnPolicy{RollbackOnReturn: true, AutoCommitOnReturn: true}))
	assert.Equal(t, 1, conn.Calls("rollback"))
	assert.Equal(t, 1, conn.Calls("clear_warnings"))
	assert.False(t, conn.InTx())

	on, err := conn.AutoCommit(ctx)
	require.NoError(t, err)
	assert.True(t, on, "autocommit restored")
	assert.True(t, s.IsClosed())
}

func TestPassivateSkipsRollbackWhenReadOnly(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newSession(t, session.Options{})

	require.NoError(t, s.SetAutoCommit(ctx, false))
	require.NoError(t, s.SetReadOnly(ctx, true))
	require.NoError(t, s.Passivate(ctx, session.ReturnPolicy{RollbackOnReturn: true}))
	assert.Zero(t, conn.Calls("rollback"))
	assert.Equal(t, 1, conn.Calls("set_autocommit"), "autocommit left alone without AutoCommitOnReturn")
}

func TestPassivateSkipsRollbackInAutoCommit(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newSession(t, session.Options{})

	require.NoError(t, s.Passivate(ctx, session.ReturnPolicy{RollbackOnReturn: true, AutoCommitOnReturn: true}))
	assert.Zero(t, conn.Calls("rollback"))
	assert.Zero(t, conn.Calls("set_autocommit"))
}

func TestApplyDefaultsOnlyWhenDifferent(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newSession(t, session.Options{CacheState: true})

	autoCommit := true
	readOnly := false
	iso := sql.LevelDefault
	require.NoError(t, s.ApplyDefaults(ctx, session.Defaults{
		AutoCommit: &autoCommit,
		ReadOnly:   &readOnly,
		Isolation:  &iso,
		Catalog:    "main",
	}))
	assert.Zero(t, conn.Calls("set_autocommit"))
	assert.Zero(t, conn.Calls("set_readonly"))
	assert.Zero(t, conn.Calls("set_isolation"))
	assert.Zero(t, conn.Calls("set_catalog"))

	autoCommit = false
	iso = sql.LevelSerializable
	require.NoError(t, s.ApplyDefaults(ctx, session.Defaults{
		AutoCommit: &autoCommit,
		Isolation:  &iso,
		Catalog:    "reporting",
	}))
	assert.Equal(t, 1, conn.Calls("set_autocommit"))
	assert.Equal(t, 1, conn.Calls("set_isolation"))
	assert.Equal(t, 1, conn.Calls("set_catalog"))

	cat, err := s.Catalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reporting", cat)
}

func TestValidate(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("no query always passes", func(t *testing.T) {
		s, conn := newSession(t, session.Options{})
		require.NoError(t, s.Validate(ctx, "", 0))
		assert.Zero(t, conn.Calls("query"))
	})

	t.Run("query with a row passes", func(t *testing.T) {
		s, _ := newSession(t, session.Options{})
		require.NoError(t, s.Validate(ctx, "SELECT 1", time.Second))
	})

	t.Run("query without rows fails", func(t *testing.T) {
		s, conn := newSession(t, session.Options{})
		conn.SetRows(nil)
		err := s.Validate(ctx, "SELECT 1", time.Second)
		assert.ErrorIs(t, err, poolerrors.ErrValidationFailed)
	})

	t.Run("out-of-band close fails", func(t *testing.T) {
		s, conn := newSession(t, session.Options{})
		require.NoError(t, s.Validate(ctx, "SELECT 1", time.Second))
		require.NoError(t, conn.Close())
		assert.ErrorIs(t, s.Validate(ctx, "SELECT 1", time.Second), poolerrors.ErrValidationFailed)
	})

	t.Run("timeout fails", func(t *testing.T) {
		s, conn := newSession(t, session.Options{})
		conn.SetQueryDelay(5 * time.Second)
		start := time.Now()
		err := s.Validate(ctx, "SELECT 1", 50*time.Millisecond)
		assert.ErrorIs(t, err, poolerrors.ErrValidationFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("fatal error fails fast", func(t *testing.T) {
		s, conn := newSession(t, session.Options{})
		conn.Disconnect()
		_, err := s.Exec(ctx, "SELECT 1")
		require.ErrorIs(t, err, testutil.ErrDisconnected)

		queries := conn.Calls("query")
		err = s.Validate(ctx, "SELECT 1", time.Second)
		assert.ErrorIs(t, err, poolerrors.ErrValidationFailed)
		assert.ErrorIs(t, err, testutil.ErrDisconnected)
		assert.Equal(t, queries, conn.Calls("query"), "no round trip once fatal")
	})
}

func TestReallyClose(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newSession(t, session.Options{})

	cmd, err := s.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)

	require.NoError(t, s.ReallyClose())
	assert.True(t, conn.IsClosed())
	assert.True(t, cmd.IsClosed())
	assert.Equal(t, 1, conn.Calls("close"))

	require.NoError(t, s.ReallyClose())
	assert.Equal(t, 1, conn.Calls("close"))

	assert.ErrorIs(t, s.Activate(), poolerrors.ErrAlreadyClosed)
	_, err = s.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, poolerrors.ErrAlreadyClosed)
	assert.NoError(t, s.Close())
}

func TestReallyCloseReportsNativeCloseError(t *testing.T) {
	s, conn := newSession(t, session.Options{})
	conn.FailOn("close", errors.New("socket already gone"))

	err := s.ReallyClose()
	require.Error(t, err)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeDriver))
}

func TestNilNativeNeverPanics(t *testing.T) {
	s := session.New(nil, session.Options{})
	require.NoError(t, s.Close())

	_, err := s.Exec(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, poolerrors.ErrAlreadyClosed)
	assert.Equal(t, "already_closed: session is closed", err.Error())
	assert.NoError(t, s.ReallyClose())
}

func TestOriginCapture(t *testing.T) {
	s, _ := newSession(t, session.Options{CaptureOrigin: true})
	origin := s.Origin()
	require.NotEmpty(t, origin)
	assert.Contains(t, poolerrors.FormatStack(origin), "newSession")

	plain, _ := newSession(t, session.Options{})
	assert.Empty(t, plain.Origin())
}

func TestCursorMarksSessionUsed(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, _ := newSession(t, session.Options{})

	cmd, err := s.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)
	cur, err := cmd.Query(ctx)
	require.NoError(t, err)

	s.Node().SetLastUsed(time.Unix(1, 0))
	require.True(t, cur.Next())
	var v int64
	require.NoError(t, cur.Scan(&v))
	assert.Equal(t, int64(1), v)
	assert.Greater(t, s.LastUsedNanos(), time.Unix(1, 0).UnixNano())
}

// gatedConn holds Prepare and Query until released so a Close can run while
// they are in flight.
type gatedConn struct {
	*testutil.FakeConn
	entered chan struct{}
	release chan struct{}
}

func newGatedSession(t *testing.T) (*session.Session, *gatedConn) {
	t.Helper()
	native, err := testutil.NewFakeDriver().Open(context.Background())
	require.NoError(t, err)
	g := &gatedConn{
		FakeConn: native.(*testutil.FakeConn),
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	s := session.New(g, session.Options{Logger: testutil.TestLogger(t)})
	require.NoError(t, s.Activate())
	return s, g
}

func (g *gatedConn) wait() {
	g.entered <- struct{}{}
	<-g.release
}

func (g *gatedConn) Prepare(ctx context.Context, query string) (session.NativeStmt, error) {
	g.wait()
	return g.FakeConn.Prepare(ctx, query)
}

func (g *gatedConn) Query(ctx context.Context, query string, args ...any) (session.Rows, error) {
	g.wait()
	return g.FakeConn.Query(ctx, query, args...)
}

func TestPrepareRacingCloseDoesNotOutliveBorrow(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newGatedSession(t)

	type result struct {
		cmd *session.Command
		err error
	}
	done := make(chan result, 1)
	go func() {
		cmd, err := s.Prepare(ctx, "UPDATE t SET a = ?")
		done <- result{cmd, err}
	}()

	<-conn.entered
	require.NoError(t, s.Close())
	close(conn.release)
	res := <-done

	assert.Nil(t, res.cmd)
	assert.ErrorIs(t, res.err, poolerrors.ErrAlreadyClosed)
	require.Len(t, conn.Stmts(), 1)
	assert.Equal(t, 1, conn.Stmts()[0].Closes(), "statement prepared after close is released")
	assert.Empty(t, s.Node().Children())

	require.NoError(t, s.Activate())
	assert.Empty(t, s.Node().Children())
}

func TestQueryRacingCloseDoesNotOutliveBorrow(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newGatedSession(t)

	type result struct {
		cur *session.Cursor
		err error
	}
	done := make(chan result, 1)
	go func() {
		cur, err := s.Query(ctx, "SELECT 1")
		done <- result{cur, err}
	}()

	<-conn.entered
	require.NoError(t, s.Close())
	close(conn.release)
	res := <-done

	assert.Nil(t, res.cur)
	assert.ErrorIs(t, res.err, poolerrors.ErrAlreadyClosed)
	assert.Empty(t, s.Node().Children())
}

func TestChildrenOfPreviousBorrowStayClosed(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, conn := newSession(t, session.Options{})

	cmd, err := s.Prepare(ctx, "UPDATE t SET a = ?")
	require.NoError(t, err)
	cur, err := s.Query(ctx, "SELECT 1")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Activate())

	assert.True(t, cmd.IsClosed())
	assert.True(t, cur.IsClosed())
	_, err = cmd.Exec(ctx, 1)
	assert.ErrorIs(t, err, poolerrors.ErrAlreadyClosed)
	assert.False(t, cur.Next())
	require.Len(t, conn.Stmts(), 1)
	assert.Zero(t, conn.Stmts()[0].Execs())

	fresh, err := s.Prepare(ctx, "UPDATE t SET a = ?")
	require.NoError(t, err)
	_, err = fresh.Exec(ctx, 1)
	assert.NoError(t, err)
}
