package native

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// MySQL server and client error numbers that mean the connection is gone.
var mysqlFatalCodes = map[uint16]struct{}{
	1053: {}, // server shutdown in progress
	1927: {}, // connection killed
	2006: {}, // server has gone away
	2013: {}, // lost connection during query
}

// IsFatal reports whether err means the connection it came from can no
// longer be used.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P0x is operator shutdown.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		_, ok := mysqlFatalCodes[myErr.Number]
		return ok
	}
	return false
}
