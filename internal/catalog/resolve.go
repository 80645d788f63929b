package catalog

import (
	"fmt"
	"slices"
)

// Family identifies the catalog column layout a magnitude column came from.
type Family string

const (
	FamilyAugmented Family = "augmented" // {f}mag columns
	FamilyTwoBand   Family = "two-band"  // non-augmented g/r catalogs such as PS1
	FamilyPSF       Family = "psf"       // {f}PSF columns such as SkyMapper
	FamilyGaia      Family = "gaia"      // Gaia from VizieR
	FamilyGaiaXM    Family = "gaia-xmatch"
)

// Match is the primary magnitude column chosen for a filter.
type Match struct {
	Family Family
	Mag    string
	Err    string // empty when the catalog has no matching error column
}

// matcher inspects a column set for one layout. ok reports whether the layout
// is present; err reports a present layout that cannot serve the filter.
type matcher func(filter string, cols ColumnSet) (m Match, ok bool, err error)

// matchers are probed in order; some catalogs satisfy more than one layout.
var matchers = []matcher{
	matchAugmented,
	matchTwoBand,
	matchPSF,
	matchGaia("BPmag", "RPmag", "Gmag", FamilyGaia, func(mag string) string { return "e_" + mag }),
	matchGaia("phot_bp_mean_mag", "phot_rp_mean_mag", "phot_g_mean_mag", FamilyGaiaXM, func(mag string) string { return mag + "_error" }),
}

// Resolve chooses the magnitude and error columns for a canonical filter.
// catalogName is only used in error messages.
func Resolve(catalogName, filter string, cols ColumnSet) (Match, error) {
	for _, probe := range matchers {
		m, ok, err := probe(filter, cols)
		if err != nil {
			return Match{}, &ResolveError{Catalog: catalogName, Filter: filter, Detail: err.Error(), Err: ErrConfiguration}
		}
		if ok {
			return m, nil
		}
	}
	return Match{}, &ResolveError{Catalog: catalogName, Filter: filter, Err: ErrSchemaMismatch}
}

func withErr(m Match, cols ColumnSet, errCol string) Match {
	if cols.Has(errCol) {
		m.Err = errCol
	}
	return m
}

func matchAugmented(filter string, cols ColumnSet) (Match, bool, error) {
	mag := filter + "mag"
	if !cols.Has(mag) {
		return Match{}, false, nil
	}
	return withErr(Match{Family: FamilyAugmented, Mag: mag}, cols, "e_"+mag), true, nil
}

func matchTwoBand(filter string, cols ColumnSet) (Match, bool, error) {
	if !cols.Has("gmag", "rmag") {
		return Match{}, false, nil
	}
	var mag string
	switch filter {
	case "U", "B", "V", "BP":
		mag = "gmag"
	case "R", "G":
		mag = "rmag"
	case "I", "RP":
		mag = "imag"
	default:
		return Match{}, true, fmt.Errorf("no g/r catalog column for filter %s", filter)
	}
	if !cols.Has(mag) {
		return Match{}, true, fmt.Errorf("column %s mapped for filter %s is missing", mag, filter)
	}
	return withErr(Match{Family: FamilyTwoBand, Mag: mag}, cols, "e_"+mag), true, nil
}

func matchPSF(filter string, cols ColumnSet) (Match, bool, error) {
	mag := filter + "PSF"
	if !cols.Has(mag) {
		return Match{}, false, nil
	}
	return withErr(Match{Family: FamilyPSF, Mag: mag}, cols, "e_"+mag), true, nil
}

func matchGaia(bp, rp, g string, family Family, errName func(string) string) matcher {
	return func(filter string, cols ColumnSet) (Match, bool, error) {
		if !cols.Has(bp, rp, g) {
			return Match{}, false, nil
		}
		mag := g
		switch {
		case slices.Contains([]string{"U", "B", "V", "R", "u", "g", "r", "BP"}, filter):
			mag = bp
		case slices.Contains([]string{"I", "i", "z", "RP"}, filter):
			mag = rp
		}
		return withErr(Match{Family: family, Mag: mag}, cols, errName(mag)), true, nil
	}
}
