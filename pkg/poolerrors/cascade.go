package poolerrors

import (
	"errors"
	"strings"
)

// CascadeError collects the failures of individual child closes performed
// while closing a parent resource. The parent is closed regardless.
type CascadeError struct {
	Resource string
	Errors   []error
}

// Error implements the error interface.
func (c *CascadeError) Error() string {
	var b strings.Builder
	b.WriteString(string(ErrorTypeCascadeClose))
	b.WriteString(": ")
	b.WriteString(c.Resource)
	b.WriteString(": ")
	for i, err := range c.Errors {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes every child failure to errors.Is and errors.As.
func (c *CascadeError) Unwrap() []error {
	return c.Errors
}

// Is matches any *Error of type ErrorTypeCascadeClose.
func (c *CascadeError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == ErrorTypeCascadeClose
}

// Collector accumulates child close failures. The zero value is ready to use.
type Collector struct {
	errs []error
}

// Add records err if it is non-nil.
func (c *Collector) Add(err error) {
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

// Len returns the number of recorded failures.
func (c *Collector) Len() int {
	return len(c.errs)
}

// Err returns a *CascadeError for resource, or nil when nothing failed.
func (c *Collector) Err(resource string) error {
	if len(c.errs) == 0 {
		return nil
	}
	errs := make([]error, len(c.errs))
	copy(errs, c.errs)
	return &CascadeError{Resource: resource, Errors: errs}
}

// Append attaches cleanup failures to an original error without masking it.
// The original stays first so errors.Is/As see it before any cleanup error.
func Append(original error, cleanup ...error) error {
	joined := make([]error, 0, len(cleanup)+1)
	if original != nil {
		joined = append(joined, original)
	}
	for _, err := range cleanup {
		if err != nil {
			joined = append(joined, err)
		}
	}
	switch len(joined) {
	case 0:
		return nil
	case 1:
		return joined[0]
	default:
		return errors.Join(joined...)
	}
}
