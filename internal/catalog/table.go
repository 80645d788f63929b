// Package catalog models cross-matched reference catalogs and decides which of
// their columns drive a photometric calibration.
package catalog

import (
	"context"
	"math"
	"slices"
)

// Table is a column-oriented set of catalog rows. Column names are defined by
// the catalog; missing values are NaN.
type Table struct {
	Catalog string
	Names   []string
	Columns map[string][]float64
}

// NewTable returns an empty table with the given columns.
func NewTable(catalog string, names ...string) *Table {
	t := &Table{Catalog: catalog, Names: slices.Clone(names), Columns: make(map[string][]float64, len(names))}
	for _, n := range names {
		t.Columns[n] = nil
	}
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil || len(t.Names) == 0 {
		return 0
	}
	return len(t.Columns[t.Names[0]])
}

// Column returns the values of the named column, or nil.
func (t *Table) Column(name string) []float64 {
	if t == nil {
		return nil
	}
	return t.Columns[name]
}

// Append adds one row; absent columns are filled with NaN.
func (t *Table) Append(row map[string]float64) {
	for _, n := range t.Names {
		v, ok := row[n]
		if !ok {
			v = math.NaN()
		}
		t.Columns[n] = append(t.Columns[n], v)
	}
}

// ColumnSet returns the table's column names as a set.
func (t *Table) ColumnSet() ColumnSet {
	if t == nil {
		return ColumnSet{}
	}
	return NewColumnSet(t.Names...)
}

// Filter returns a new table holding the rows for which keep returns true.
func (t *Table) Filter(keep func(i int) bool) *Table {
	out := NewTable(t.Catalog, t.Names...)
	for i := 0; i < t.Len(); i++ {
		if !keep(i) {
			continue
		}
		for _, n := range t.Names {
			out.Columns[n] = append(out.Columns[n], t.Columns[n][i])
		}
	}
	return out
}

// ColumnSet is an unordered set of column names.
type ColumnSet map[string]struct{}

// NewColumnSet builds a set from names.
func NewColumnSet(names ...string) ColumnSet {
	s := make(ColumnSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether every name is present.
func (s ColumnSet) Has(names ...string) bool {
	for _, n := range names {
		if _, ok := s[n]; !ok {
			return false
		}
	}
	return true
}

// Constraint restricts a catalog query on one column, e.g. {"rmag", "<16"}.
type Constraint struct {
	Column string
	Expr   string
}

// Request describes a catalog cone query.
type Request struct {
	Catalog     string
	RA          float64
	Dec         float64
	Radius      float64
	Constraints []Constraint
}

// Fetcher retrieves catalog rows for a cone.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Table, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (*Table, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Table, error) {
	return f(ctx, req)
}
