// Package lightcurve assembles multi-frame light curves of one sky position
// from calibrated frame artifacts and reconciles their filters with a single
// color index.
package lightcurve

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"reticulum/internal/calibrate"
	"reticulum/internal/colorfit"
	"reticulum/internal/frame"
	"reticulum/internal/storage"
)

// ErrInvalidQuery reports an unusable position or radius.
var ErrInvalidQuery = errors.New("invalid light curve query")

// Query selects the measurements of one object.
type Query struct {
	Name      string  `json:"name,omitempty"`
	RA        float64 `json:"ra"`
	Dec       float64 `json:"dec"`
	Radius    float64 `json:"sr"`               // arcsec
	MaxMagErr float64 `json:"magerr,omitempty"` // 0 disables the cut
	Filter    string  `json:"filter,omitempty"` // empty selects every filter
}

func (q Query) validate() error {
	switch {
	case math.IsNaN(q.RA) || math.IsInf(q.RA, 0):
		return fmt.Errorf("%w: ra %v", ErrInvalidQuery, q.RA)
	case math.IsNaN(q.Dec) || q.Dec < -90 || q.Dec > 90:
		return fmt.Errorf("%w: dec %v", ErrInvalidQuery, q.Dec)
	case !(q.Radius > 0) || math.IsInf(q.Radius, 0):
		return fmt.Errorf("%w: radius %v", ErrInvalidQuery, q.Radius)
	case q.MaxMagErr < 0:
		return fmt.Errorf("%w: magerr ceiling %v", ErrInvalidQuery, q.MaxMagErr)
	}
	return nil
}

// Measurement is one selected artifact row.
type Measurement struct {
	Frame string
	calibrate.ArtifactRow
}

// Series is the corrected light curve of one filter.
type Series struct {
	Filter     string        `json:"filter"`
	Color      string        `json:"color"`
	Time       []string      `json:"time"`
	MJD        []float64     `json:"mjd"`
	Xi         []float64     `json:"xi"`
	Eta        []float64     `json:"eta"`
	Mag        []frame.Float `json:"mag"`
	MagErr     []frame.Float `json:"magerr"`
	Flags      []int32       `json:"flags"`
	FWHM       []frame.Float `json:"fwhm"`
	ColorTerm  []float64     `json:"color_term"`
	ColorTerm2 []float64     `json:"color_term2"`
}

// Curve is a color-reconciled light curve.
type Curve struct {
	Name   string   `json:"name,omitempty"`
	Title  string   `json:"title"`
	RA     float64  `json:"ra"`
	Dec    float64  `json:"dec"`
	SR     float64  `json:"sr"`
	BV     float64  `json:"bv"`
	Points int      `json:"points"`
	Series []Series `json:"lcs"`
}

// Source lists the calibrated frames known to the store.
type Source interface {
	Frames(filter string) ([]storage.FrameRecord, error)
}

// SolveObserver is told about every color solve.
type SolveObserver interface {
	ColorSolved(d time.Duration, err error)
}

// Builder reads artifacts and assembles curves. It is safe for concurrent use.
type Builder struct {
	source   Source
	settings colorfit.Settings
	workers  int
	obs      SolveObserver
	log      *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithWorkers bounds the number of artifacts read in parallel.
func WithWorkers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithSolveObserver reports color solves to obs.
func WithSolveObserver(obs SolveObserver) Option { return func(b *Builder) { b.obs = obs } }

// NewBuilder creates a Builder. source may be nil when only explicit
// artifact lists are used.
func NewBuilder(source Source, settings colorfit.Settings, log *slog.Logger, opts ...Option) *Builder {
	b := &Builder{source: source, settings: settings, workers: 4, log: log}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the curve of q from every artifact recorded in the store.
func (b *Builder) Build(ctx context.Context, q Query) (*Curve, error) {
	if b.source == nil {
		return nil, errors.New("no frame source configured")
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	recs, err := b.source.Frames(q.Filter)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	paths := make([]string, len(recs))
	for i, rec := range recs {
		paths[i] = rec.ArtifactPath
	}
	return b.BuildFromArtifacts(ctx, paths, q)
}

// BuildFromArtifacts assembles the curve of q from the given artifact files.
func (b *Builder) BuildFromArtifacts(ctx context.Context, paths []string, q Query) (*Curve, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	selected := make([][]Measurement, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows, err := calibrate.ReadArtifact(path)
			if err != nil {
				return fmt.Errorf("read artifact %s: %w", path, err)
			}
			selected[i] = Select(path, rows, q)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ms []Measurement
	for _, s := range selected {
		ms = append(ms, s...)
	}
	b.log.Debug("light curve rows selected", "artifacts", len(paths), "rows", len(ms), "ra", q.RA, "dec", q.Dec, "sr", q.Radius)
	return b.Assemble(ms, q)
}

// Assemble solves the color index of ms and builds the per-filter series.
func (b *Builder) Assemble(ms []Measurement, q Query) (*Curve, error) {
	SortByTime(ms)

	obs := make([]colorfit.Observation, len(ms))
	for i, m := range ms {
		obs[i] = colorfit.Observation{
			Mag:    m.MagCalib,
			MagErr: m.MagCalibErr,
			Filter: m.Filter,
			C1:     m.ColorTerm,
			C2:     m.ColorTerm2,
		}
	}

	start := time.Now()
	res, err := colorfit.Solve(obs, b.settings)
	if b.obs != nil {
		b.obs.ColorSolved(time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("solve color index: %w", err)
	}

	curve := &Curve{
		Name:   q.Name,
		RA:     q.RA,
		Dec:    q.Dec,
		SR:     q.Radius,
		BV:     res.BV,
		Points: len(ms),
	}
	curve.Title = fmt.Sprintf(`%.4f %.3f %.1f"  :  %d pts  :  B-V = %.2f`, q.RA, q.Dec, q.Radius, len(ms), res.BV)
	if q.Name != "" {
		curve.Title = q.Name + "  :  " + curve.Title
	}
	curve.Series = buildSeries(ms, res.BV, q)
	return curve, nil
}

// Select returns the rows of one artifact within q.Radius arcsec of the
// query position that carry a finite calibrated magnitude and pass the
// optional error ceiling.
func Select(framePath string, rows []calibrate.ArtifactRow, q Query) []Measurement {
	var out []Measurement
	limit := q.Radius / 3600
	for _, row := range rows {
		if math.IsNaN(row.MagCalib) || math.IsInf(row.MagCalib, 0) {
			continue
		}
		// Unmatched sources come back from the fit without an error; they
		// carry no weight for the color solve.
		if !(row.MagCalibErr > 0) || math.IsInf(row.MagCalibErr, 0) {
			continue
		}
		if q.MaxMagErr > 0 && !(row.MagCalibErr < q.MaxMagErr) {
			continue
		}
		if q.Filter != "" && row.Filter != q.Filter {
			continue
		}
		if AngularDistance(q.RA, q.Dec, row.RA, row.Dec) > limit {
			continue
		}
		out = append(out, Measurement{Frame: framePath, ArtifactRow: row})
	}
	return out
}

// SortByTime orders measurements by epoch, breaking ties by frame path.
func SortByTime(ms []Measurement) {
	slices.SortStableFunc(ms, func(a, b Measurement) int {
		if c := cmp.Compare(a.MJD, b.MJD); c != 0 {
			return c
		}
		return cmp.Compare(a.Frame, b.Frame)
	})
}

func buildSeries(ms []Measurement, bv float64, q Query) []Series {
	byFilter := make(map[string][]Measurement)
	var order []string
	for _, m := range ms {
		if _, ok := byFilter[m.Filter]; !ok {
			order = append(order, m.Filter)
		}
		byFilter[m.Filter] = append(byFilter[m.Filter], m)
	}
	slices.Sort(order)

	var out []Series
	for _, f := range order {
		group := byFilter[f]
		if len(group) < 2 {
			continue
		}
		s := Series{Filter: f, Color: plotColor(f)}
		for _, m := range group {
			xi, eta := Tangent(m.RA, m.Dec, q.RA, q.Dec)
			s.Time = append(s.Time, m.Time)
			s.MJD = append(s.MJD, m.MJD)
			s.Xi = append(s.Xi, xi*3600)
			s.Eta = append(s.Eta, eta*3600)
			s.Mag = append(s.Mag, frame.Float(m.MagCalib+m.ColorTerm*bv+m.ColorTerm2*bv*bv))
			s.MagErr = append(s.MagErr, frame.Float(m.MagCalibErr))
			s.Flags = append(s.Flags, m.Flags)
			s.FWHM = append(s.FWHM, frame.Float(m.FWHM))
			s.ColorTerm = append(s.ColorTerm, m.ColorTerm)
			s.ColorTerm2 = append(s.ColorTerm2, m.ColorTerm2)
		}
		out = append(out, s)
	}
	return out
}

func plotColor(filter string) string {
	switch filter {
	case "B":
		return "blue"
	case "V", "g":
		return "green"
	case "R", "r":
		return "red"
	case "I", "i":
		return "orange"
	case "z":
		return "magenta"
	}
	return "black"
}

// WriteMJD writes the curve as whitespace-separated MJD, magnitude and error
// columns, adding the filter column when several filters are present.
func (c *Curve) WriteMJD(w io.Writer) error {
	single := len(c.Series) == 1
	header := "# MJD Mag Magerr Filter"
	if single {
		header = "# MJD Mag Magerr"
	}
	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}
	for _, s := range c.Series {
		for i := range s.MJD {
			var err error
			if single {
				_, err = fmt.Fprintln(w, s.MJD[i], float64(s.Mag[i]), float64(s.MagErr[i]))
			} else {
				_, err = fmt.Fprintln(w, s.MJD[i], float64(s.Mag[i]), float64(s.MagErr[i]), s.Filter)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

const deg = math.Pi / 180

// AngularDistance returns the great-circle separation of two positions, all
// in degrees.
func AngularDistance(ra1, dec1, ra2, dec2 float64) float64 {
	dra := (ra2 - ra1) * deg
	ddec := (dec2 - dec1) * deg
	h := math.Sin(ddec/2)*math.Sin(ddec/2) +
		math.Cos(dec1*deg)*math.Cos(dec2*deg)*math.Sin(dra/2)*math.Sin(dra/2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(h))) / deg
}

// Tangent projects (ra, dec) onto the plane tangent at (ra0, dec0) and
// returns the standard coordinates in degrees.
func Tangent(ra, dec, ra0, dec0 float64) (xi, eta float64) {
	r, d := ra*deg, dec*deg
	r0, d0 := ra0*deg, dec0*deg
	den := math.Sin(d0)*math.Sin(d) + math.Cos(d0)*math.Cos(d)*math.Cos(r-r0)
	xi = math.Cos(d) * math.Sin(r-r0) / den
	eta = (math.Cos(d0)*math.Sin(d) - math.Sin(d0)*math.Cos(d)*math.Cos(r-r0)) / den
	return xi / deg, eta / deg
}
