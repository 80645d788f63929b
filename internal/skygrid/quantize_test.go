package skygrid

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func angularDistance(ra1, dec1, ra2, dec2 float64) float64 {
	d2r := math.Pi / 180
	s := math.Sin((dec2-dec1)*d2r/2)*math.Sin((dec2-dec1)*d2r/2) +
		math.Cos(dec1*d2r)*math.Cos(dec2*d2r)*math.Sin((ra2-ra1)*d2r/2)*math.Sin((ra2-ra1)*d2r/2)
	return 2 * math.Asin(math.Sqrt(s)) / d2r
}

func TestHealpixRoundTrip(t *testing.T) {
	for _, nside := range []int64{1, 2, 16, 1024, 1 << 15} {
		t.Run(fmt.Sprintf("nside=%d", nside), func(t *testing.T) {
			npix := 12 * nside * nside
			step := npix/997 + 1
			for pix := int64(0); pix < npix; pix += step {
				ra, dec := PixToAng(nside, pix)
				require.Equal(t, pix, AngToPix(nside, ra, dec), "pixel center (%v, %v)", ra, dec)
			}
			ra, dec := PixToAng(nside, npix-1)
			assert.Equal(t, npix-1, AngToPix(nside, ra, dec))
		})
	}
}

func TestHealpixKnownPixels(t *testing.T) {
	assert.Equal(t, int64(0), AngToPix(1, 45, 60))
	assert.Equal(t, int64(1), AngToPix(1, 135, 60))
	assert.Equal(t, int64(4), AngToPix(1, 0, 0))
	assert.Equal(t, int64(8), AngToPix(1, 45, -60))

	ra, dec := PixToAng(1, 4)
	assert.InDelta(t, 0, ra, 1e-12)
	assert.InDelta(t, 0, dec, 1e-12)
}

func TestChooseNside(t *testing.T) {
	nside := ChooseNside(0.1)
	assert.Equal(t, int64(16384), nside)
	assert.Less(t, Resolution(nside), 0.005)
	assert.GreaterOrEqual(t, Resolution(nside/2), 0.005)

	assert.Equal(t, int64(1)<<MaxOrder, ChooseNside(1e-6), "tiny radii use the deepest order")
	assert.Equal(t, int64(2), ChooseNside(1e4), "huge radii use the coarsest searched order")
}

func TestQuantizeOrion(t *testing.T) {
	q, err := Quantize(83.8, -5.4, 0.1, 0)
	require.NoError(t, err)

	d := angularDistance(83.8, -5.4, q.RA, q.Dec)
	assert.Less(t, d, 0.1)
	assert.Less(t, d, Resolution(q.Nside))
	assert.GreaterOrEqual(t, q.Radius, 0.1)
	assert.LessOrEqual(t, q.Radius-0.1, Resolution(q.Nside))

	again, err := Quantize(83.8, -5.4, 0.1, 0)
	require.NoError(t, err)
	assert.Equal(t, q, again)
	assert.Equal(t, q.Key(), again.Key())

	twice, err := Quantize(q.RA, q.Dec, q.Radius, 0)
	require.NoError(t, err)
	assert.Equal(t, q, twice)

	jitter, err := Quantize(q.RA+1e-5, q.Dec-1e-5, 0.1, 0)
	require.NoError(t, err)
	assert.Equal(t, q.Key(), jitter.Key())
}

func TestQuantizeFixedNsideIsExact(t *testing.T) {
	for _, sr := range []float64{1e-4, 0.003, 0.05, 0.1, 0.37, 1, 2.5, 10, 45} {
		for _, dec := range []float64{-89.9, -45, 0, 12.3, 60, 89.99} {
			q, err := Quantize(211.1, dec, sr, 0)
			require.NoError(t, err)
			require.GreaterOrEqual(t, q.Radius, sr)

			again, err := Quantize(q.RA, q.Dec, q.Radius, q.Nside)
			require.NoError(t, err)
			require.Equal(t, q, again, "sr=%v dec=%v", sr, dec)
		}
	}
}

// Radii just under 40 steps round up to 40 steps, right where 5% of the
// radius crosses the next coarser resolution.
func TestQuantizeAutoNsideIsIdempotent(t *testing.T) {
	for n := 1; n <= 14; n++ {
		res := Resolution(int64(1) << n)
		for _, k := range []float64{19.5, 38.7, 39.01, 39.5, 39.9, 39.99, 39.999, 40, 40.01, 79.9} {
			sr := k * res
			for _, dec := range []float64{-5.4, 41.3, 88} {
				q, err := Quantize(83.8, dec, sr, 0)
				require.NoError(t, err)
				require.GreaterOrEqual(t, q.Radius, sr)
				require.Less(t, Resolution(q.Nside), 0.05*q.Radius)

				twice, err := Quantize(q.RA, q.Dec, q.Radius, 0)
				require.NoError(t, err)
				require.Equal(t, q, twice, "order %d k %v dec %v", n, k, dec)
			}
		}
	}
}

func TestQuantizeExplicitNside(t *testing.T) {
	q, err := Quantize(10, 10, 1, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(64), q.Nside)
	steps := q.Radius / Resolution(64)
	assert.Less(t, math.Abs(steps-math.Round(steps)), 1e-9)
}

func TestQuantizeExactMultipleKeepsRadius(t *testing.T) {
	res := Resolution(64)
	q, err := Quantize(10, 10, 12*res, 64)
	require.NoError(t, err)
	assert.Equal(t, 12*res, q.Radius)
}

func TestQuantizeRejectsInvalidRegions(t *testing.T) {
	for _, in := range [][3]float64{
		{math.NaN(), 0, 1},
		{0, math.Inf(1), 1},
		{0, 91, 1},
		{0, 0, 0},
		{0, 0, -1},
	} {
		_, err := Quantize(in[0], in[1], in[2], 0)
		assert.ErrorIs(t, err, ErrInvalidQuery, "input %v", in)
	}
}
