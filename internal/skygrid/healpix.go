package skygrid

import "math"

// MaxOrder is the deepest HEALPix order the quantizer searches.
const MaxOrder = 15

// Resolution returns the approximate pixel size in degrees for nside, defined
// as the square root of the pixel solid angle.
func Resolution(nside int64) float64 {
	npix := 12 * float64(nside) * float64(nside)
	return math.Sqrt(4*math.Pi/npix) * 180 / math.Pi
}

// AngToPix returns the RING-scheme index of the pixel containing (ra, dec),
// both in degrees.
func AngToPix(nside int64, ra, dec float64) int64 {
	z := math.Sin(dec * math.Pi / 180)
	za := math.Abs(z)
	phi := math.Mod(ra*math.Pi/180, 2*math.Pi)
	if phi < 0 {
		phi += 2 * math.Pi
	}
	tt := phi / (math.Pi / 2) // [0,4)
	if tt >= 4 {
		tt = 0
	}

	if za <= 2.0/3.0 {
		temp1 := float64(nside) * (0.5 + tt)
		temp2 := float64(nside) * z * 0.75
		jp := int64(temp1 - temp2) // ascending edge line
		jm := int64(temp1 + temp2) // descending edge line
		ir := nside + 1 + jp - jm  // ring number in {1, 2n+1}
		kshift := 1 - (ir & 1)
		ip := (jp + jm - nside + kshift + 1) / 2
		ip = imod(ip, 4*nside)
		return 2*nside*(nside-1) + (ir-1)*4*nside + ip
	}

	tp := tt - math.Floor(tt)
	tmp := float64(nside) * math.Sqrt(3*(1-za))
	jp := int64(tp * tmp)
	jm := int64((1 - tp) * tmp)
	ir := jp + jm + 1 // ring counted from the nearest pole
	ip := int64(tt * float64(ir))
	ip = imod(ip, 4*ir)
	if z > 0 {
		return 2*ir*(ir-1) + ip
	}
	return 12*nside*nside - 2*ir*(ir+1) + ip
}

// PixToAng returns the center of RING-scheme pixel pix as (ra, dec) degrees.
func PixToAng(nside, pix int64) (ra, dec float64) {
	ncap := 2 * nside * (nside - 1)
	npix := 12 * nside * nside
	fact2 := 4 / float64(npix)

	var z, phi float64
	switch {
	case pix < ncap: // north polar cap
		iring := (1 + isqrt(1+2*pix)) >> 1
		iphi := pix + 1 - 2*iring*(iring-1)
		z = 1 - float64(iring*iring)*fact2
		phi = (float64(iphi) - 0.5) * math.Pi / (2 * float64(iring))
	case pix < npix-ncap: // equatorial belt
		fact1 := float64(2*nside) * fact2
		ip := pix - ncap
		iring := ip/(4*nside) + nside
		iphi := ip%(4*nside) + 1
		fodd := 0.5
		if (iring+nside)&1 == 1 {
			fodd = 1
		}
		z = float64(2*nside-iring) * fact1
		phi = (float64(iphi) - fodd) * math.Pi / float64(2*nside)
	default: // south polar cap
		ip := npix - pix
		iring := (1 + isqrt(2*ip-1)) >> 1
		iphi := 4*iring + 1 - (ip - 2*iring*(iring-1))
		z = -1 + float64(iring*iring)*fact2
		phi = (float64(iphi) - 0.5) * math.Pi / (2 * float64(iring))
	}

	ra = phi * 180 / math.Pi
	dec = math.Asin(z) * 180 / math.Pi
	return ra, dec
}

func imod(a, n int64) int64 {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}

func isqrt(v int64) int64 {
	r := int64(math.Sqrt(float64(v) + 0.5))
	for r*r > v {
		r--
	}
	for (r+1)*(r+1) <= v {
		r++
	}
	return r
}
