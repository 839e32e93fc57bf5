package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/dbpool/pkg/session"
)

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// RequireDSN returns the DSN in env or skips the test when it is unset.
func RequireDSN(t *testing.T, env string) string {
	t.Helper()
	IntegrationTest(t)
	dsn := os.Getenv(env)
	if dsn == "" {
		t.Skipf("%s not set", env)
	}
	return dsn
}

// NativeSuite checks that a native session implementation behaves the way
// sessions rely on: lazy transactions under manual commit, prepared
// statements, and final close. Embed it or run it directly with suite.Run
// after setting Open.
type NativeSuite struct {
	suite.Suite

	// Open returns a fresh native session.
	Open func(ctx context.Context) (session.Native, error)
	// Table is a scratch table created for the suite and dropped afterwards.
	Table string
	// Placeholder renders the n-th (1-based) bind parameter. Default is "?".
	Placeholder func(n int) string

	ctx    context.Context
	cancel context.CancelFunc
	conn   session.Native
}

// SetupSuite runs before all tests in the suite
func (s *NativeSuite) SetupSuite() {
	require.NotNil(s.T(), s.Open, "NativeSuite.Open is required")
	if s.Table == "" {
		s.Table = "dbpool_conformance"
	}
	if s.Placeholder == nil {
		s.Placeholder = func(int) string { return "?" }
	}
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)

	n := s.open()
	defer n.Close()
	_, err := n.Exec(s.ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER, name VARCHAR(64))", s.Table))
	require.NoError(s.T(), err)
}

// TearDownSuite runs after all tests in the suite
func (s *NativeSuite) TearDownSuite() {
	if s.ctx == nil {
		return
	}
	if n, err := s.Open(s.ctx); err == nil {
		_, _ = n.Exec(s.ctx, "DROP TABLE "+s.Table)
		_ = n.Close()
	}
	s.cancel()
}

// SetupTest opens the session the test works on over an empty table.
func (s *NativeSuite) SetupTest() {
	s.conn = s.open()
	_, err := s.conn.Exec(s.ctx, "DELETE FROM "+s.Table)
	require.NoError(s.T(), err)
}

// TearDownTest closes the session.
func (s *NativeSuite) TearDownTest() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *NativeSuite) open() session.Native {
	n, err := s.Open(s.ctx)
	require.NoError(s.T(), err)
	return n
}

func (s *NativeSuite) count(n session.Native) int64 {
	rows, err := n.Query(s.ctx, "SELECT COUNT(*) FROM "+s.Table)
	s.Require().NoError(err)
	defer rows.Close()
	s.Require().True(rows.Next())
	var v int64
	s.Require().NoError(rows.Scan(&v))
	return v
}

func (s *NativeSuite) insert() string {
	return fmt.Sprintf("INSERT INTO %s (id, name) VALUES (%s, %s)", s.Table, s.Placeholder(1), s.Placeholder(2))
}

func (s *NativeSuite) TestAutoCommitByDefault() {
	on, err := s.conn.AutoCommit(s.ctx)
	s.Require().NoError(err)
	s.True(on)

	_, err = s.conn.Exec(s.ctx, s.insert(), 1, "a")
	s.Require().NoError(err)
	other := s.open()
	defer other.Close()
	s.Equal(int64(1), s.count(other), "visible without commit")
}

func (s *NativeSuite) TestManualCommit() {
	s.Require().NoError(s.conn.SetAutoCommit(s.ctx, false))

	_, err := s.conn.Exec(s.ctx, s.insert(), 1, "rolled back")
	s.Require().NoError(err)
	s.Require().NoError(s.conn.Rollback(s.ctx))
	s.Equal(int64(0), s.count(s.conn))

	_, err = s.conn.Exec(s.ctx, s.insert(), 2, "committed")
	s.Require().NoError(err)
	s.Require().NoError(s.conn.Commit(s.ctx))
	s.Require().NoError(s.conn.SetAutoCommit(s.ctx, true))

	other := s.open()
	defer other.Close()
	s.Equal(int64(1), s.count(other))
}

func (s *NativeSuite) TestPreparedStatement() {
	st, err := s.conn.Prepare(s.ctx, s.insert())
	s.Require().NoError(err)
	for i := 0; i < 3; i++ {
		_, err := st.Exec(s.ctx, i, fmt.Sprintf("row-%d", i))
		s.Require().NoError(err)
	}
	s.Require().NoError(st.Close())
	s.Equal(int64(3), s.count(s.conn))
}

func (s *NativeSuite) TestCloseIsFinal() {
	s.Require().NoError(s.conn.Close())
	s.True(s.conn.IsClosed())
	_, err := s.conn.Exec(s.ctx, "SELECT 1")
	s.Error(err)
	s.NoError(s.conn.Close(), "closing twice is a no-op")
}
