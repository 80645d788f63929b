package filters

import (
	"log/slog"

	"reticulum/internal/logging"
)

// DefaultFallback is the canonical filter used when an instrument filter
// string is not recognized.
const DefaultFallback = "r"

// Normalized is the outcome of mapping an instrument filter string.
type Normalized struct {
	Raw      string
	Code     string
	Alias    bool // matched through an alias
	Fallback bool // unrecognized, Code is the fallback filter
}

// Normalizer maps instrument filter strings onto canonical codes.
type Normalizer struct {
	reg      *Registry
	fallback string
	log      *slog.Logger
}

// NewNormalizer returns a normalizer over reg. An empty fallback selects
// DefaultFallback; a nil logger disables the fallback advisory.
func NewNormalizer(reg *Registry, fallback string, log *slog.Logger) *Normalizer {
	if fallback == "" {
		fallback = DefaultFallback
	}
	return &Normalizer{reg: reg, fallback: fallback, log: log}
}

// Normalize never fails. Aliases are matched exactly, scanning filters in
// registry order so the first registered owner of an alias wins.
func (n *Normalizer) Normalize(raw string) Normalized {
	for _, f := range n.reg.filters {
		for _, a := range f.Aliases {
			if a == raw {
				return Normalized{Raw: raw, Code: f.Code, Alias: true}
			}
		}
	}
	if n.reg.IsCanonical(raw) {
		return Normalized{Raw: raw, Code: raw}
	}
	if n.log != nil {
		logging.LogFilterFallback(n.log, raw, n.fallback)
	}
	return Normalized{Raw: raw, Code: n.fallback, Fallback: true}
}
