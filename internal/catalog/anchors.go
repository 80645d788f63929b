package catalog

import "fmt"

// AnchorPolicy selects how color anchor columns are chosen.
type AnchorPolicy string

const (
	// AnchorJohnson always anchors colors to Johnson B and V.
	AnchorJohnson AnchorPolicy = "johnson"
	// AnchorFamily anchors colors to the photometric system of the primary
	// magnitude column.
	AnchorFamily AnchorPolicy = "family"
)

// ParseAnchorPolicy validates a policy name; empty means AnchorJohnson.
func ParseAnchorPolicy(s string) (AnchorPolicy, error) {
	switch AnchorPolicy(s) {
	case "", AnchorJohnson:
		return AnchorJohnson, nil
	case AnchorFamily:
		return AnchorFamily, nil
	default:
		return "", fmt.Errorf("%w: unknown anchor policy %q", ErrConfiguration, s)
	}
}

// Anchors are the two catalog columns whose difference is the color index.
type Anchors struct {
	Mag1 string
	Mag2 string
}

// Color returns the display form "mag1 - mag2".
func (a Anchors) Color() string {
	return a.Mag1 + " - " + a.Mag2
}

// ColorAnchors picks the color anchor columns for a resolved magnitude column.
func ColorAnchors(policy AnchorPolicy, catalogName, filter string, m Match) (Anchors, error) {
	if policy != AnchorFamily {
		return Anchors{Mag1: "Bmag", Mag2: "Vmag"}, nil
	}
	switch m.Mag {
	case "Umag", "Bmag", "Vmag", "Rmag", "Imag":
		return Anchors{Mag1: "Bmag", Mag2: "Vmag"}, nil
	case "umag", "gmag", "rmag", "imag":
		return Anchors{Mag1: "gmag", Mag2: "rmag"}, nil
	case "zmag":
		return Anchors{Mag1: "rmag", Mag2: "imag"}, nil
	case "Gmag", "BPmag", "RPmag":
		return Anchors{Mag1: "BPmag", Mag2: "RPmag"}, nil
	}
	return Anchors{}, &ResolveError{
		Catalog: catalogName,
		Filter:  filter,
		Detail:  fmt.Sprintf("no color anchors for column %s", m.Mag),
		Err:     ErrConfiguration,
	}
}

// Resolver couples column resolution with an anchor policy.
type Resolver struct {
	Policy AnchorPolicy
}

// Resolution is the full set of catalog columns used for one frame.
type Resolution struct {
	Match
	Anchors Anchors
}

// Resolve picks the magnitude, error and color anchor columns.
func (r Resolver) Resolve(catalogName, filter string, cols ColumnSet) (Resolution, error) {
	m, err := Resolve(catalogName, filter, cols)
	if err != nil {
		return Resolution{}, err
	}
	a, err := ColorAnchors(r.Policy, catalogName, filter, m)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Match: m, Anchors: a}, nil
}
