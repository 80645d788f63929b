package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"reticulum/internal/calibrate"
	"reticulum/internal/lightcurve"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	calibrator frameCalibrator
	curves     curveBuilder
	reprocess  bool
	radius     float64
}

// DefaultSearchRadius is the light curve radius in arcsec used when a job
// does not set "sr".
const DefaultSearchRadius = 2.0

// RouterOption customizes the router.
type RouterOption func(*router)

// WithSearchRadius sets the light curve radius in arcsec for jobs without one.
func WithSearchRadius(arcsec float64) RouterOption {
	return func(r *router) {
		if arcsec > 0 {
			r.radius = arcsec
		}
	}
}

type frameCalibrator interface {
	ProcessFile(ctx context.Context, path string, reprocess bool) (*calibrate.Result, error)
}

type curveBuilder interface {
	Build(ctx context.Context, q lightcurve.Query) (*lightcurve.Curve, error)
}

// NewRouter returns the Processor for calibrate and lightcurve jobs.
// reprocess is the default for calibrate jobs that do not set it.
// Either handler may be nil when its jobs are not served.
func NewRouter(logger *slog.Logger, calibrator *calibrate.Orchestrator, curves *lightcurve.Builder, reprocess bool, opts ...RouterOption) Processor {
	r := &router{log: logger, reprocess: reprocess, radius: DefaultSearchRadius}
	for _, opt := range opts {
		opt(r)
	}
	if calibrator != nil {
		r.calibrator = calibrator
	}
	if curves != nil {
		r.curves = curves
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobCalibrate:
		return r.handleCalibrate(ctx, job)
	case JobLightcurve:
		return r.handleLightcurve(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleCalibrate(ctx context.Context, job Job) Result {
	if r.calibrator == nil {
		return Result{Job: job, Error: fmt.Errorf("calibration is not configured")}
	}
	reprocess := r.reprocess
	if v, ok := job.Options["reprocess"].(bool); ok {
		reprocess = v
	}

	res, err := r.calibrator.ProcessFile(ctx, job.InputPath, reprocess)
	if reason, ok := calibrate.IsSkip(err); ok {
		return Result{
			Job:    job,
			Status: StatusSkipped,
			Meta:   map[string]any{"frame": job.InputPath, "skipped": string(reason), "detail": err.Error()},
		}
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: map[string]any{"frame": job.InputPath}}
	}
	return Result{Job: job, Meta: res.Meta()}
}

func (r *router) handleLightcurve(ctx context.Context, job Job) Result {
	if r.curves == nil {
		return Result{Job: job, Error: fmt.Errorf("light curves are not configured")}
	}
	q := lightcurve.Query{Name: job.InputPath, Radius: r.radius}
	q.RA, _ = job.Options["ra"].(float64)
	q.Dec, _ = job.Options["dec"].(float64)
	if sr, ok := job.Options["sr"].(float64); ok {
		q.Radius = sr
	}
	q.MaxMagErr, _ = job.Options["magerr"].(float64)
	q.Filter, _ = job.Options["filter"].(string)

	curve, err := r.curves.Build(ctx, q)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	filters := make([]string, len(curve.Series))
	for i, s := range curve.Series {
		filters[i] = s.Filter
	}
	return Result{Job: job, Meta: map[string]any{
		"title":   curve.Title,
		"bv":      curve.BV,
		"points":  curve.Points,
		"filters": filters,
	}}
}
