// Package skygrid snaps catalog query regions onto a fixed HEALPix grid so
// that frames whose centers differ by astrometric noise share one cache key.
package skygrid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrInvalidQuery is returned for non-finite or out-of-range query regions.
var ErrInvalidQuery = errors.New("invalid query region")

// snapTolerance is the relative distance to an exact multiple of the grid
// resolution below which a radius is treated as already quantized.
const snapTolerance = 1e-9

// Query is a query region snapped onto the grid.
type Query struct {
	RA     float64 `json:"ra"`
	Dec    float64 `json:"dec"`
	Radius float64 `json:"radius"`
	Nside  int64   `json:"nside"`
	Pixel  int64   `json:"pixel"`
}

// Key returns a string that is identical for bit-identical queries.
func (q Query) Key() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return f(q.RA) + ":" + f(q.Dec) + ":" + f(q.Radius)
}

// ChooseNside returns the smallest nside = 2^n, n in [1, MaxOrder], whose
// resolution is finer than 5% of radius, or 2^MaxOrder if none is.
func ChooseNside(radius float64) int64 {
	var nside int64
	for n := 1; n <= MaxOrder; n++ {
		nside = int64(1) << n
		if Resolution(nside) < 0.05*radius {
			break
		}
	}
	return nside
}

// Quantize snaps (ra, dec) to the center of its enclosing pixel and rounds the
// radius up to the next multiple of the pixel resolution. A radius already
// within snapTolerance of a multiple keeps that multiple and gains no extra
// step. nside <= 0 selects the resolution automatically; the choice is made
// against the rounded radius so that quantizing a result again is a no-op.
func Quantize(ra, dec, radius float64, nside int64) (Query, error) {
	if !isFinite(ra) || !isFinite(dec) || !isFinite(radius) {
		return Query{}, fmt.Errorf("%w: non-finite input (%v, %v, %v)", ErrInvalidQuery, ra, dec, radius)
	}
	if dec < -90 || dec > 90 {
		return Query{}, fmt.Errorf("%w: dec %v out of range", ErrInvalidQuery, dec)
	}
	if radius <= 0 {
		return Query{}, fmt.Errorf("%w: radius %v must be positive", ErrInvalidQuery, radius)
	}
	var sr1 float64
	if nside > 0 {
		sr1 = roundUp(radius, Resolution(nside))
	} else {
		nside, sr1 = stableNside(radius)
	}

	pix := AngToPix(nside, ra, dec)
	ra1, dec1 := PixToAng(nside, pix)

	return Query{
		RA:     ra1,
		Dec:    dec1,
		Radius: sr1,
		Nside:  nside,
		Pixel:  pix,
	}, nil
}

// stableNside is ChooseNside with the predicate evaluated on the radius as
// rounded onto each candidate grid. Resolutions of successive orders differ by
// exactly a factor of two, so a radius rounded at the chosen order rounds to
// the same value at every coarser order and the choice repeats on re-entry.
func stableNside(radius float64) (int64, float64) {
	var (
		nside int64
		sr1   float64
	)
	for n := 1; n <= MaxOrder; n++ {
		nside = int64(1) << n
		res := Resolution(nside)
		sr1 = roundUp(radius, res)
		if res < 0.05*sr1 {
			break
		}
	}
	return nside, sr1
}

func roundUp(radius, res float64) float64 {
	steps := radius / res
	if k := math.Round(steps); k >= 1 && math.Abs(steps-k) <= snapTolerance*k {
		if snapped := k * res; snapped >= radius {
			return snapped
		}
	}
	return (math.Floor(steps) + 1) * res
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
