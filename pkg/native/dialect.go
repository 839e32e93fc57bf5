package native

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Dialect captures the few statements that differ between supported
// databases: how to read and switch the current catalog.
type Dialect struct {
	Name string
	// DriverName is the database/sql driver registered for the dialect.
	DriverName string
	// CatalogQuery returns the current catalog as a single row. Empty means
	// the catalog is tracked locally.
	CatalogQuery string
	// SetCatalog renders the statement that switches catalog. Nil means the
	// dialect has a single fixed catalog.
	SetCatalog func(catalog string) string
	// FixedCatalog is reported when CatalogQuery is empty.
	FixedCatalog string
}

// Dialect names.
const (
	Postgres = "postgres"
	MySQL    = "mysql"
	SQLite   = "sqlite"
)

var dialects = map[string]Dialect{
	Postgres: {
		Name:         Postgres,
		DriverName:   "pgx",
		CatalogQuery: "SELECT current_schema()",
		SetCatalog: func(catalog string) string {
			return "SET search_path TO " + pgx.Identifier{catalog}.Sanitize()
		},
	},
	MySQL: {
		Name:         MySQL,
		DriverName:   "mysql",
		CatalogQuery: "SELECT DATABASE()",
		SetCatalog: func(catalog string) string {
			return "USE `" + strings.ReplaceAll(catalog, "`", "``") + "`"
		},
	},
	SQLite: {
		Name:         SQLite,
		DriverName:   "sqlite",
		FixedCatalog: "main",
	},
}

// DialectFor returns the dialect registered under name. "postgresql" and
// "pgx" are accepted for Postgres, "sqlite3" for SQLite.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgresql", "pgx":
		name = Postgres
	case "sqlite3":
		name = SQLite
	}
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return Dialect{}, fmt.Errorf("unsupported dialect %q", name)
	}
	return d, nil
}
