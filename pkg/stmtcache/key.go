// Package stmtcache pools precompiled commands per session. A Conn wraps a
// session.Native and hands out cached statements keyed by their normalized
// text, the catalog they were prepared in and their cursor shape. Closing a
// cached statement returns it to the cache instead of releasing it.
package stmtcache

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/dbpool/pkg/session"
)

// Key identifies a cached statement. Keys are comparable, so two keys built
// from the same text, catalog and shape are equal and hash alike.
type Key struct {
	SQL     string
	Catalog string
	Shape   session.Shape
}

// String renders the key for logs.
func (k Key) String() string {
	if k.Catalog == "" {
		return fmt.Sprintf("%q%+v", k.SQL, k.Shape)
	}
	return fmt.Sprintf("%s:%q%+v", k.Catalog, k.SQL, k.Shape)
}

// Normalizer rewrites command text before it becomes part of a Key.
type Normalizer func(string) string

// Normalization names accepted by NormalizerFor.
const (
	NormalizeNone     = "none"
	NormalizeTrim     = "trim"
	NormalizeCollapse = "collapse"
)

// NormalizerFor returns the normalizer registered under name. An empty name
// selects trim.
func NormalizerFor(name string) (Normalizer, error) {
	switch name {
	case "", NormalizeTrim:
		return strings.TrimSpace, nil
	case NormalizeNone:
		return func(s string) string { return s }, nil
	case NormalizeCollapse:
		return collapseSpace, nil
	default:
		return nil, fmt.Errorf("unknown statement normalization %q", name)
	}
}

// collapseSpace trims and folds every whitespace run into one space.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NewKey builds a key, applying norm to sql when norm is non-nil.
func NewKey(sql, catalog string, shape session.Shape, norm Normalizer) Key {
	if norm != nil {
		sql = norm(sql)
	}
	return Key{SQL: sql, Catalog: catalog, Shape: shape}
}
