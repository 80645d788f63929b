// Package frame reads per-frame source tables produced by the instrument
// export reader and derives the instrumental quantities used for calibration.
//
// A frame document is JSON:
//
//	{
//	  "meta": {"Exposure": "2024-03-01T21:14:05", "Filter": "ZTF_r", ...},
//	  "columns": {"ra": [...], "dec": [...], "FWHMX": [...], "FWHMY": [...],
//	              "Ap3": [...], "Ap3Dev": [...]}
//	}
//
// with null standing for a missing value.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"
	"time"
)

// FlagNonFinite marks a source whose instrumental magnitude is not finite.
const FlagNonFinite = 0x20

// MaxAperture is the largest aperture radius exported by the reader.
const MaxAperture = 10

var (
	ErrMalformed     = errors.New("malformed frame document")
	ErrMissingColumn = errors.New("frame column missing")
	ErrNoFWHM        = errors.New("no finite FWHM in frame")
	ErrBadTime       = errors.New("unparseable exposure time")
)

var requiredColumns = []string{"ra", "dec", "FWHMX", "FWHMY"}

// Meta is the frame header written by the export reader.
type Meta struct {
	Exposure     string  `json:"Exposure"`
	ExposureTime float64 `json:"ExposureTime"`
	Filter       string  `json:"Filter"`
	PixelScaleX  float64 `json:"PixelScaleX"`
	PixelScaleY  float64 `json:"PixelScaleY"`
	Width        float64 `json:"Width"`
	Depth        float64 `json:"Depth"`
	CenterRADeg  float64 `json:"CenterRADeg"`
	CenterDecDeg float64 `json:"CenterDecDeg"`
}

// Frame is one observing frame: header plus column-oriented source rows.
type Frame struct {
	Path    string
	Meta    Meta
	Columns map[string][]float64
}

type document struct {
	Meta    Meta               `json:"meta"`
	Columns map[string][]Float `json:"columns"`
}

// Read loads the frame document at path.
func Read(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fr, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	fr.Path = path
	return fr, nil
}

// Decode parses a frame document and checks its column shape.
func Decode(r io.Reader) (*Frame, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	fr := &Frame{Meta: doc.Meta, Columns: make(map[string][]float64, len(doc.Columns))}
	for name, vals := range doc.Columns {
		fr.Columns[name] = Float64s(vals)
	}
	for _, name := range requiredColumns {
		if _, ok := fr.Columns[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}
	n := len(fr.Columns["ra"])
	for name, vals := range fr.Columns {
		if len(vals) != n {
			return nil, fmt.Errorf("%w: column %s has %d rows, want %d", ErrMalformed, name, len(vals), n)
		}
	}
	return fr, nil
}

// Encode writes the frame as a document.
func (f *Frame) Encode(w io.Writer) error {
	doc := document{Meta: f.Meta, Columns: make(map[string][]Float, len(f.Columns))}
	for name, vals := range f.Columns {
		doc.Columns[name] = Floats(vals)
	}
	return json.NewEncoder(w).Encode(doc)
}

// Len returns the number of sources.
func (f *Frame) Len() int { return len(f.Columns["ra"]) }

// Column returns the named column or nil.
func (f *Frame) Column(name string) []float64 { return f.Columns[name] }

// ColumnNames returns the column names in sorted order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, 0, len(f.Columns))
	for n := range f.Columns {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// HasAstrometry reports whether every source has finite coordinates.
func (f *Frame) HasAstrometry() bool {
	for _, name := range []string{"ra", "dec"} {
		for _, v := range f.Columns[name] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// FWHM returns hypot(FWHMX, FWHMY) per source.
func (f *Frame) FWHM() []float64 {
	x, y := f.Columns["FWHMX"], f.Columns["FWHMY"]
	out := make([]float64, len(x))
	for i := range x {
		out[i] = math.Hypot(x[i], y[i])
	}
	return out
}

// MedianFWHM is the median over the finite per-source FWHM values.
func (f *Frame) MedianFWHM() (float64, error) {
	m := median(f.FWHM())
	if math.IsNaN(m) {
		return 0, ErrNoFWHM
	}
	return m, nil
}

// Aperture picks the aperture column for the median FWHM: Ap{ceil(median)}
// limited to 1..MaxAperture. Both the flux and its Dev column must exist.
func (f *Frame) Aperture() (string, float64, error) {
	fwhm, err := f.MedianFWHM()
	if err != nil {
		return "", 0, err
	}
	n := int(math.Ceil(fwhm))
	n = max(1, min(MaxAperture, n))
	name := fmt.Sprintf("Ap%d", n)
	for _, col := range []string{name, name + "Dev"} {
		if _, ok := f.Columns[col]; !ok {
			return "", fwhm, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	return name, fwhm, nil
}

// Instrumental converts the named aperture's fluxes to magnitudes. Sources
// whose magnitude is not finite get FlagNonFinite.
func (f *Frame) Instrumental(aperture string) (mag, magerr []float64, flags []int) {
	flux, fluxErr := f.Columns[aperture], f.Columns[aperture+"Dev"]
	mag = make([]float64, len(flux))
	magerr = make([]float64, len(flux))
	flags = make([]int, len(flux))
	for i := range flux {
		mag[i] = -2.5 * math.Log10(flux[i])
		magerr[i] = 2.5 / math.Ln10 * fluxErr[i] / flux[i]
		if math.IsNaN(mag[i]) || math.IsInf(mag[i], 0) {
			flags[i] |= FlagNonFinite
		}
	}
	return mag, magerr, flags
}

// Region is the sky cone covered by the frame.
type Region struct {
	RA     float64
	Dec    float64
	Radius float64
}

// QueryRegion returns the catalog query cone: the frame center and a radius of
// hypot(Width, 1.1*Depth)*PixelScaleX/2 arcseconds, in degrees.
func (f *Frame) QueryRegion() Region {
	m := f.Meta
	return Region{
		RA:     m.CenterRADeg,
		Dec:    m.CenterDecDeg,
		Radius: math.Hypot(m.Width, 1.1*m.Depth) * m.PixelScaleX / 2 / 3600,
	}
}

// Geometry describes the frame footprint in degrees.
type Geometry struct {
	Radius   float64 `json:"radius"`
	PixScale float64 `json:"pixscale"`
}

// Geometry returns the half diagonal and the mean pixel scale.
func (f *Frame) Geometry() Geometry {
	m := f.Meta
	return Geometry{
		Radius:   0.5 * math.Hypot(m.Width*m.PixelScaleX, m.Depth*m.PixelScaleY) / 3600,
		PixScale: 0.5 * math.Hypot(m.PixelScaleX, m.PixelScaleY) / 3600,
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Time parses Meta.Exposure. Values without a zone are UTC.
func (f *Frame) Time() (time.Time, error) {
	s := strings.TrimSpace(f.Meta.Exposure)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTime, f.Meta.Exposure)
}

// MJD converts t to a Modified Julian Date.
func MJD(t time.Time) float64 {
	return float64(t.UnixNano())/86400e9 + 40587
}

func median(vals []float64) float64 {
	finite := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return math.NaN()
	}
	slices.Sort(finite)
	mid := len(finite) / 2
	if len(finite)%2 == 1 {
		return finite[mid]
	}
	return (finite[mid-1] + finite[mid]) / 2
}
