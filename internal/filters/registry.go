package filters

import (
	"slices"
	"strings"
)

// Filter describes a supported photometric passband.
type Filter struct {
	Code    string   // canonical code, e.g. "r"
	Name    string   // human readable name
	Aliases []string // exact, case-sensitive instrument spellings
}

// Catalog describes a reference catalog and the passbands it can supply.
type Catalog struct {
	ID          string
	Name        string
	Filters     []string
	LimitColumn string // column used for the brightness ceiling
}

// Supplies reports whether the catalog lists the filter code.
func (c Catalog) Supplies(code string) bool {
	return slices.Contains(c.Filters, code)
}

// Registry is the immutable set of filters and catalogs known to the process.
// Filter order is significant: it is the tie-break for alias matching.
type Registry struct {
	filters  []Filter
	catalogs []Catalog
	byCode   map[string]int
}

// NewRegistry builds a registry from the given definitions. Slices are copied,
// so later changes by the caller are not observed.
func NewRegistry(filters []Filter, catalogs []Catalog) *Registry {
	r := &Registry{
		filters:  make([]Filter, len(filters)),
		catalogs: make([]Catalog, len(catalogs)),
		byCode:   make(map[string]int, len(filters)),
	}
	for i, f := range filters {
		f.Aliases = slices.Clone(f.Aliases)
		r.filters[i] = f
		if _, dup := r.byCode[f.Code]; !dup {
			r.byCode[f.Code] = i
		}
	}
	for i, c := range catalogs {
		c.Filters = slices.Clone(c.Filters)
		r.catalogs[i] = c
	}
	return r
}

// Filters returns the filters in registration order.
func (r *Registry) Filters() []Filter {
	return slices.Clone(r.filters)
}

// Filter looks up a filter by canonical code.
func (r *Registry) Filter(code string) (Filter, bool) {
	i, ok := r.byCode[code]
	if !ok {
		return Filter{}, false
	}
	return r.filters[i], true
}

// IsCanonical reports whether code is a registered canonical filter code.
func (r *Registry) IsCanonical(code string) bool {
	_, ok := r.byCode[code]
	return ok
}

// Catalogs returns the catalogs in registration order.
func (r *Registry) Catalogs() []Catalog {
	return slices.Clone(r.catalogs)
}

// Catalog looks up a catalog by identifier.
func (r *Registry) Catalog(id string) (Catalog, bool) {
	for _, c := range r.catalogs {
		if c.ID == id {
			return c, true
		}
	}
	return Catalog{}, false
}

func sloanAliases(b string) []string {
	u := strings.ToUpper(b)
	return []string{
		"sdss" + b, "SDSS " + b, "SDSS-" + b, "SDSS-" + b + "'",
		"Sloan-" + b, "sloan" + b, "Sloan " + b, "Sloan" + u,
		"S" + b, "S" + u, "s" + u,
	}
}

// Default returns the registry of filters and catalogs the pipeline ships with.
func Default() *Registry {
	withZTF := func(b string) []string { return append(sloanAliases(b), "ZTF_"+b) }
	return NewRegistry(
		[]Filter{
			// Johnson-Cousins
			{Code: "U", Name: "Johnson-Cousins U"},
			{Code: "B", Name: "Johnson-Cousins B"},
			{Code: "V", Name: "Johnson-Cousins V"},
			{Code: "R", Name: "Johnson-Cousins R", Aliases: []string{"Rc"}},
			{Code: "I", Name: "Johnson-Cousins I", Aliases: []string{"Ic", "I'"}},
			// Sloan-like
			{Code: "u", Name: "Sloan u", Aliases: sloanAliases("u")},
			{Code: "g", Name: "Sloan g", Aliases: withZTF("g")},
			{Code: "r", Name: "Sloan r", Aliases: withZTF("r")},
			{Code: "i", Name: "Sloan i", Aliases: withZTF("i")},
			{Code: "z", Name: "Sloan z", Aliases: sloanAliases("z")},
			// Gaia
			{Code: "G", Name: "Gaia G"},
			{Code: "BP", Name: "Gaia BP"},
			{Code: "RP", Name: "Gaia RP"},
		},
		[]Catalog{
			{ID: "gaiadr3syn", Name: "Gaia DR3 synphot", Filters: []string{"U", "B", "V", "R", "I", "u", "g", "r", "i", "z", "y"}, LimitColumn: "rmag"},
			{ID: "ps1", Name: "Pan-STARRS DR1", Filters: []string{"B", "V", "R", "I", "g", "r", "i", "z"}, LimitColumn: "rmag"},
			{ID: "skymapper", Name: "SkyMapper DR4", Filters: []string{"B", "V", "R", "I", "g", "r", "i", "z"}, LimitColumn: "rPSF"},
			{ID: "sdss", Name: "SDSS DR16", Filters: []string{"u", "g", "r", "i", "z"}, LimitColumn: "rmag"},
			{ID: "atlas", Name: "ATLAS-REFCAT2", Filters: []string{"B", "V", "R", "I", "g", "r", "i", "z"}, LimitColumn: "rmag"},
			{ID: "gaiaedr3", Name: "Gaia eDR3", Filters: []string{"G", "BP", "RP"}, LimitColumn: "Gmag"},
		},
	)
}
