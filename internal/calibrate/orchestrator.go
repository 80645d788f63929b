// Package calibrate turns one frame's instrumental photometry into
// catalog-referenced magnitudes and writes the per-frame artifact.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"reticulum/internal/catalog"
	"reticulum/internal/filters"
	"reticulum/internal/frame"
	"reticulum/internal/logging"
	"reticulum/internal/photfit"
	"reticulum/internal/skygrid"
	"reticulum/internal/storage"
)

// DefaultCatalog is the reference catalog used when none is configured.
const DefaultCatalog = "gaiadr3syn"

// Options fix the calibration policy.
type Options struct {
	Catalog         string
	LimitMag        float64 // catalog brightness cut on the limit column
	Nside           int64   // 0 selects the resolution from the query radius
	MatchRadius     float64 // degrees
	Order           int
	ColorOrder      int
	Threshold       float64
	MaxIntrinsicRMS float64
	Nonlin          bool
	AnchorPolicy    catalog.AnchorPolicy
	FallbackFilter  string // canonical code for unrecognized filters; empty selects "r"
}

// DefaultOptions returns the production calibration policy.
func DefaultOptions() Options {
	return Options{
		Catalog:         DefaultCatalog,
		LimitMag:        16,
		MatchRadius:     2.0 / 3600,
		Order:           2,
		ColorOrder:      2,
		Threshold:       5,
		MaxIntrinsicRMS: 0.02,
		Nonlin:          true,
		AnchorPolicy:    catalog.AnchorJohnson,
	}
}

// FrameRecorder persists calibrated frame summaries.
type FrameRecorder interface {
	RecordFrame(rec storage.FrameRecord) error
}

// Observer receives per-frame outcomes.
type Observer interface {
	FrameProcessed(outcome string, d time.Duration)
}

// Orchestrator runs the calibration steps for single frames. It holds no
// per-frame state and may be shared by concurrent workers.
type Orchestrator struct {
	registry   *filters.Registry
	normalizer *filters.Normalizer
	resolver   catalog.Resolver
	fetcher    catalog.Fetcher
	fitter     photfit.Fitter
	opts       Options
	recorder   FrameRecorder
	observer   Observer
	log        *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithRecorder records every written artifact.
func WithRecorder(r FrameRecorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithObserver reports frame outcomes.
func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.observer = obs } }

// New builds an orchestrator.
func New(reg *filters.Registry, fetcher catalog.Fetcher, fitter photfit.Fitter, opts Options, log *slog.Logger, options ...Option) (*Orchestrator, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Catalog == "" {
		opts.Catalog = DefaultCatalog
	}
	if _, ok := reg.Catalog(opts.Catalog); !ok {
		return nil, fmt.Errorf("%w: unknown catalog %q", catalog.ErrConfiguration, opts.Catalog)
	}
	if opts.FallbackFilter != "" && !reg.IsCanonical(opts.FallbackFilter) {
		return nil, fmt.Errorf("%w: fallback filter %q is not a canonical filter", catalog.ErrConfiguration, opts.FallbackFilter)
	}
	policy, err := catalog.ParseAnchorPolicy(string(opts.AnchorPolicy))
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		registry:   reg,
		normalizer: filters.NewNormalizer(reg, opts.FallbackFilter, log),
		resolver:   catalog.Resolver{Policy: policy},
		fetcher:    fetcher,
		fitter:     fitter,
		opts:       opts,
		log:        log,
	}
	for _, opt := range options {
		opt(o)
	}
	return o, nil
}

// Result describes a calibrated frame.
type Result struct {
	FramePath      string
	ArtifactPath   string
	RawFilter      string
	Filter         string
	FilterFallback bool
	Catalog        string
	Aperture       string
	FWHM           float64
	Query          skygrid.Query
	Columns        catalog.Resolution
	MagFilterName  string
	MagColorName   string
	ColorTerm      float64
	ColorTerm2     float64
	Time           time.Time
	MJD            float64
	Geometry       frame.Geometry
	Stats          photfit.Stats
	Rows           []ArtifactRow
}

// Meta summarizes the result for job records.
func (r *Result) Meta() map[string]any {
	return map[string]any{
		"frame":           r.FramePath,
		"artifact":        r.ArtifactPath,
		"raw_filter":      r.RawFilter,
		"filter":          r.Filter,
		"filter_fallback": r.FilterFallback,
		"catalog":         r.Catalog,
		"aperture":        r.Aperture,
		"fwhm":            r.FWHM,
		"query":           r.Query,
		"mag_filter_name": r.MagFilterName,
		"mag_color_name":  r.MagColorName,
		"color_term":      r.ColorTerm,
		"color_term2":     r.ColorTerm2,
		"mjd":             r.MJD,
		"frame_radius":    r.Geometry.Radius,
		"pixscale":        r.Geometry.PixScale,
		"sources":         len(r.Rows),
		"matched":         r.Stats.Matched,
		"rms":             r.Stats.RMS,
	}
}

// Calibrate runs the calibration of one frame. Skipped frames return a
// *SkipError; schema and configuration problems return errors wrapping
// catalog.ErrConfiguration.
func (o *Orchestrator) Calibrate(ctx context.Context, fr *frame.Frame) (*Result, error) {
	if !fr.HasAstrometry() {
		return nil, &SkipError{Reason: SkipNoAstrometry}
	}

	norm := o.normalizer.Normalize(fr.Meta.Filter)
	res := &Result{
		FramePath:      fr.Path,
		RawFilter:      norm.Raw,
		Filter:         norm.Code,
		FilterFallback: norm.Fallback,
		Catalog:        o.opts.Catalog,
		Geometry:       fr.Geometry(),
	}
	o.log.Debug("filter normalized", "frame", fr.Path, "raw", norm.Raw, "filter", norm.Code, "alias", norm.Alias)

	desc, _ := o.registry.Catalog(o.opts.Catalog)
	if !desc.Supplies(norm.Code) {
		o.log.Warn("catalog does not list filter", "catalog", desc.ID, "filter", norm.Code)
	}

	aperture, fwhm, err := fr.Aperture()
	if err != nil {
		return nil, fmt.Errorf("choose aperture: %w", err)
	}
	res.Aperture, res.FWHM = aperture, fwhm
	o.log.Debug("aperture selected", "frame", fr.Path, "fwhm", fwhm, "aperture", aperture)

	mag, magerr, flags := fr.Instrumental(aperture)

	region := fr.QueryRegion()
	q, err := skygrid.Quantize(region.RA, region.Dec, region.Radius, o.opts.Nside)
	if err != nil {
		return nil, fmt.Errorf("query region: %w", err)
	}
	res.Query = q

	table, err := o.fetcher.Fetch(ctx, catalog.Request{
		Catalog: desc.ID,
		RA:      q.RA,
		Dec:     q.Dec,
		Radius:  q.Radius,
		Constraints: []catalog.Constraint{
			{Column: desc.LimitColumn, Expr: fmt.Sprintf("<%g", o.opts.LimitMag)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch catalog %s: %w", desc.ID, err)
	}
	if table.Len() == 0 {
		return nil, &SkipError{Reason: SkipEmptyCatalog, Detail: desc.ID}
	}

	cols, err := o.resolver.Resolve(desc.ID, norm.Code, table.ColumnSet())
	if err != nil {
		return nil, err
	}
	res.Columns = cols
	o.log.Debug("catalog columns", "frame", fr.Path, "mag", cols.Mag, "err", cols.Err, "color", cols.Anchors.Color())

	req := photfit.Request{
		Objects: map[string][]frame.Float{
			"ra":     frame.Floats(fr.Column("ra")),
			"dec":    frame.Floats(fr.Column("dec")),
			"mag":    frame.Floats(mag),
			"magerr": frame.Floats(magerr),
			"flags":  frame.Floats(intsToFloats(flags)),
		},
		Catalog:         make(map[string][]frame.Float, len(table.Names)),
		MatchRadius:     o.opts.MatchRadius,
		CatColMag:       cols.Mag,
		CatColMagErr:    cols.Err,
		CatColMag1:      cols.Anchors.Mag1,
		CatColMag2:      cols.Anchors.Mag2,
		Order:           o.opts.Order,
		ColorOrder:      o.opts.ColorOrder,
		Threshold:       o.opts.Threshold,
		MaxIntrinsicRMS: o.opts.MaxIntrinsicRMS,
		Nonlin:          o.opts.Nonlin,
	}
	for _, name := range table.Names {
		req.Catalog[name] = frame.Floats(table.Column(name))
	}

	fit, err := o.fitter.Fit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("photometric fit: %w", err)
	}
	if len(fit.MagCalib) != fr.Len() || len(fit.MagCalibErr) != fr.Len() {
		return nil, fmt.Errorf("photometric fit returned %d values for %d sources", len(fit.MagCalib), fr.Len())
	}

	ts, err := fr.Time()
	if err != nil {
		return nil, err
	}
	res.Time = ts
	res.MJD = frame.MJD(ts)
	res.Stats = fit.Stats
	res.ColorTerm, res.ColorTerm2 = fit.ColorTerms()

	res.MagFilterName = fit.CatColMag
	if res.MagFilterName == "" {
		res.MagFilterName = cols.Mag
	}
	res.MagColorName = cols.Anchors.Color()
	if fit.CatColMag1 != "" && fit.CatColMag2 != "" {
		res.MagColorName = catalog.Anchors{Mag1: fit.CatColMag1, Mag2: fit.CatColMag2}.Color()
	}

	ra, dec, fwhms := fr.Column("ra"), fr.Column("dec"), fr.FWHM()
	stamp := ts.Format(TimeLayout)
	res.Rows = make([]ArtifactRow, fr.Len())
	for i := range res.Rows {
		res.Rows[i] = ArtifactRow{
			RA:            ra[i],
			Dec:           dec[i],
			FWHM:          fwhms[i],
			Mag:           mag[i],
			MagErr:        magerr[i],
			Flags:         int32(flags[i]),
			MagCalib:      float64(fit.MagCalib[i]),
			MagCalibErr:   float64(fit.MagCalibErr[i]),
			Filter:        norm.Code,
			Time:          stamp,
			MJD:           res.MJD,
			MagFilterName: res.MagFilterName,
			MagColorName:  res.MagColorName,
			ColorTerm:     res.ColorTerm,
			ColorTerm2:    res.ColorTerm2,
		}
	}
	return res, nil
}

// ProcessFile calibrates the frame document at path and writes its artifact.
// An existing artifact skips the frame unless reprocess is set.
func (o *Orchestrator) ProcessFile(ctx context.Context, path string, reprocess bool) (*Result, error) {
	start := time.Now()
	res, err := o.processFile(ctx, path, reprocess)
	outcome := "calibrated"
	if reason, ok := IsSkip(err); ok {
		outcome = "skipped"
		logging.LogFrameSkipped(o.log, path, string(reason))
	} else if err != nil {
		outcome = "failed"
		if errors.Is(err, catalog.ErrConfiguration) {
			outcome = "misconfigured"
		}
	}
	if o.observer != nil {
		o.observer.FrameProcessed(outcome, time.Since(start))
	}
	return res, err
}

func (o *Orchestrator) processFile(ctx context.Context, path string, reprocess bool) (*Result, error) {
	artifact := ArtifactPath(path)
	if !reprocess {
		exists, err := ArtifactExists(artifact)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, &SkipError{Reason: SkipArtifactExists, Detail: artifact}
		}
	}

	fr, err := frame.Read(path)
	if err != nil {
		return nil, err
	}
	res, err := o.Calibrate(ctx, fr)
	if err != nil {
		return nil, err
	}
	if err := WriteArtifact(artifact, res.Rows); err != nil {
		return nil, err
	}
	res.ArtifactPath = artifact
	o.log.Info("calibrated measurements written", "frame", path, "artifact", artifact, "sources", len(res.Rows), "filter", res.Filter)

	if o.recorder != nil {
		err := o.recorder.RecordFrame(storage.FrameRecord{
			FramePath:    path,
			ArtifactPath: artifact,
			Filter:       res.Filter,
			Catalog:      res.Catalog,
			Aperture:     res.Aperture,
			Sources:      len(res.Rows),
			ColorTerm:    res.ColorTerm,
			ColorTerm2:   res.ColorTerm2,
			MJD:          res.MJD,
		})
		if err != nil {
			o.log.Warn("failed to record frame", "frame", path, "error", err)
		}
	}
	return res, nil
}

func intsToFloats(in []int) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
