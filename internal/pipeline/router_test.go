package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reticulum/internal/calibrate"
	"reticulum/internal/lightcurve"
)

func TestRouterCalibrateUsesJobReprocessOption(t *testing.T) {
	cal := &stubCalibrator{res: &calibrate.Result{FramePath: "a.json", Filter: "r"}}
	r := &router{log: slog.Default(), calibrator: cal}

	job := Job{ID: "cal-1", Type: JobCalibrate, InputPath: "a.json", Options: map[string]any{"reprocess": true}}
	res := r.Process(context.Background(), job)
	require.NoError(t, res.Error)
	assert.True(t, cal.lastReprocess, "reprocess passed to calibrator")
	assert.Equal(t, "r", res.Meta["filter"])
	assert.Empty(t, res.Status, "completed jobs leave status to the pipeline")
}

func TestRouterCalibrateDefaultsReprocess(t *testing.T) {
	cal := &stubCalibrator{res: &calibrate.Result{}}
	r := &router{log: slog.Default(), calibrator: cal, reprocess: true}

	r.Process(context.Background(), Job{ID: "cal-2", Type: JobCalibrate, InputPath: "b.json"})
	assert.True(t, cal.lastReprocess)
}

func TestRouterCalibrateSkipIsNotAnError(t *testing.T) {
	cal := &stubCalibrator{err: &calibrate.SkipError{Reason: calibrate.SkipNoAstrometry}}
	r := &router{log: slog.Default(), calibrator: cal}

	res := r.Process(context.Background(), Job{ID: "cal-3", Type: JobCalibrate, InputPath: "c.json"})
	require.NoError(t, res.Error)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, "no-astrometry", res.Meta["skipped"])
}

func TestRouterCalibrateFailure(t *testing.T) {
	cal := &stubCalibrator{err: errors.New("photometric fit: boom")}
	r := &router{log: slog.Default(), calibrator: cal}

	res := r.Process(context.Background(), Job{ID: "cal-4", Type: JobCalibrate, InputPath: "d.json"})
	assert.Error(t, res.Error)
}

func TestRouterLightcurveOptions(t *testing.T) {
	curves := &stubCurves{curve: &lightcurve.Curve{BV: 0.4, Points: 7, Series: []lightcurve.Series{{Filter: "V"}, {Filter: "r"}}}}
	r := &router{log: slog.Default(), curves: curves, radius: DefaultSearchRadius}

	job := Job{ID: "lc-1", Type: JobLightcurve, InputPath: "SN 2024abc", Options: map[string]any{
		"ra": 150.0, "dec": 20.0, "sr": 3.5, "magerr": 0.1, "filter": "V",
	}}
	res := r.Process(context.Background(), job)
	require.NoError(t, res.Error)

	want := lightcurve.Query{Name: "SN 2024abc", RA: 150, Dec: 20, Radius: 3.5, MaxMagErr: 0.1, Filter: "V"}
	assert.Equal(t, want, curves.last)
	assert.Equal(t, 0.4, res.Meta["bv"])
	assert.Equal(t, 7, res.Meta["points"])
	assert.Equal(t, []string{"V", "r"}, res.Meta["filters"])
}

func TestRouterLightcurveDefaultsRadius(t *testing.T) {
	curves := &stubCurves{curve: &lightcurve.Curve{}}
	r := NewRouter(slog.Default(), nil, nil, false, WithSearchRadius(4)).(*router)
	r.curves = curves

	res := r.Process(context.Background(), Job{ID: "lc-2", Type: JobLightcurve, InputPath: "target", Options: map[string]any{
		"ra": 150.0, "dec": 20.0,
	}})
	require.NoError(t, res.Error)
	assert.Equal(t, 4.0, curves.last.Radius)

	r = NewRouter(slog.Default(), nil, nil, false, WithSearchRadius(-1)).(*router)
	assert.Equal(t, DefaultSearchRadius, r.radius, "non-positive radii keep the default")
}

func TestRouterUnknownOrUnconfigured(t *testing.T) {
	r := NewRouter(slog.Default(), nil, nil, false)

	for _, jt := range []JobType{"stack", JobCalibrate, JobLightcurve} {
		res := r.Process(context.Background(), Job{ID: string(jt), Type: jt})
		assert.Error(t, res.Error, "job type %s", jt)
	}
}

type stubCalibrator struct {
	res           *calibrate.Result
	err           error
	lastReprocess bool
	calls         int
}

func (s *stubCalibrator) ProcessFile(ctx context.Context, path string, reprocess bool) (*calibrate.Result, error) {
	s.calls++
	s.lastReprocess = reprocess
	return s.res, s.err
}

type stubCurves struct {
	curve *lightcurve.Curve
	last  lightcurve.Query
}

func (s *stubCurves) Build(ctx context.Context, q lightcurve.Query) (*lightcurve.Curve, error) {
	s.last = q
	return s.curve, nil
}
