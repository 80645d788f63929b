package catalog

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for this package.
var (
	// ErrConfiguration means no magnitude column can be chosen for the
	// catalog and filter combination.
	ErrConfiguration = errors.New("catalog configuration error")
	// ErrSchemaMismatch means none of the known column layouts matched.
	ErrSchemaMismatch = fmt.Errorf("%w: catalog schema mismatch", ErrConfiguration)
)

// ResolveError identifies the catalog and filter that could not be resolved.
type ResolveError struct {
	Catalog string
	Filter  string
	Detail  string
	Err     error
}

func (e *ResolveError) Error() string {
	msg := fmt.Sprintf("cannot guess magnitude columns for %s and filter %s", e.Catalog, e.Filter)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ResolveError) Unwrap() error { return e.Err }
