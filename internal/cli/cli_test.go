package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reticulum/internal/catalog"
	"reticulum/internal/config"
	"reticulum/internal/filters"
	"reticulum/internal/lightcurve"
	"reticulum/internal/photfit"
	"reticulum/internal/pipeline"
	"reticulum/internal/storage"
)

func TestCalibrateSubmitsEveryFrame(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.json"))
	touch(t, filepath.Join(dir, "b.json"))
	touch(t, filepath.Join(dir, "night2", "c.json"))
	touch(t, filepath.Join(dir, "notes.txt"))

	require.NoError(t, run(root, "calibrate", "-r", dir))
	require.Len(t, fakePipe.jobs, 3)
	for _, job := range fakePipe.jobs {
		assert.Equal(t, pipeline.JobCalibrate, job.Type)
		assert.Equal(t, true, job.Options["reprocess"])
	}
	assert.Contains(t, out.String(), "3 frames: 3 completed, 0 skipped, 0 failed")
}

func TestCalibrateReportsSkipsAndFailures(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	dir := t.TempDir()
	for _, name := range []string{"ok.json", "skip.json", "bad.json"} {
		touch(t, filepath.Join(dir, name))
	}
	fakePipe.statuses["skip.json"] = pipeline.StatusSkipped
	fakePipe.jobErrors["bad.json"] = catalog.ErrSchemaMismatch

	err := run(root, "calibrate", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 frames failed")

	text := out.String()
	assert.Contains(t, text, "SKIP  "+filepath.Join(dir, "skip.json"))
	assert.Contains(t, text, "FAIL  "+filepath.Join(dir, "bad.json"))
	assert.Contains(t, text, "1 completed, 1 skipped, 1 failed")
	assert.Equal(t, false, fakePipe.jobs[0].Options["reprocess"], "reprocess is off by default")
}

func TestCalibrateVerbosePrintsDetails(t *testing.T) {
	root, _, out := newTestRoot(t)
	frame := filepath.Join(t.TempDir(), "m67.json")
	touch(t, frame)

	require.NoError(t, run(root, "calibrate", "-v", frame))
	assert.Contains(t, out.String(), `filter r (raw "ZTF_r", fallback false)`)
}

func TestCalibrateValidatesArguments(t *testing.T) {
	root, _, _ := newTestRoot(t)
	assert.Error(t, run(root, "calibrate"), "missing input")
	assert.Error(t, run(root, "calibrate", t.TempDir()), "directory without frames")
	assert.Error(t, run(root, "calibrate", filepath.Join(t.TempDir(), "missing")), "missing path")
}

func TestEnqueueAndWaitWaitsOutFullQueue(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	a := pipeline.NewJob(pipeline.JobCalibrate, "a.json", nil)
	b := pipeline.NewJob(pipeline.JobCalibrate, "b.json", nil)
	fakePipe.fullOnce["b.json"] = true

	sum, err := root.enqueueAndWait(context.Background(), []pipeline.Job{a, b}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Completed)
	assert.Len(t, fakePipe.jobs, 2)
}

func TestEnqueueAndWaitStopsOnCancel(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	fakePipe.hold = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := root.enqueueAndWait(ctx, []pipeline.Job{pipeline.NewJob(pipeline.JobCalibrate, "a.json", nil)}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLightcurveCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	curves := &stubCurves{curve: &lightcurve.Curve{
		Title:  "150.0000 20.000 2.0\"  :  1 pts  :  B-V = 0.50",
		BV:     0.5,
		Points: 1,
		Series: []lightcurve.Series{{Filter: "V", MJD: []float64{60000.5}}},
	}}
	root.curves = curves

	require.NoError(t, run(root, "lightcurve", "--ra", "150", "--dec", "20", "--magerr", "0.1", "--filter", "V"))
	want := lightcurve.Query{RA: 150, Dec: 20, Radius: root.cfg.Color.SearchRadiusArcsec, MaxMagErr: 0.1, Filter: "V"}
	assert.Equal(t, want, curves.query)

	var got lightcurve.Curve
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 0.5, got.BV)
	assert.Len(t, got.Series, 1)

	path := filepath.Join(t.TempDir(), "lc.txt")
	require.NoError(t, run(root, "lightcurve", "--ra", "150", "--dec", "20", "--format", "mjd", "-o", path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("# MJD Mag Magerr")), "mjd output %q", data)

	assert.Error(t, run(root, "lightcurve", "--ra", "150"), "missing --dec")
	assert.Error(t, run(root, "lightcurve", "--ra", "150", "--dec", "20", "--format", "png"), "unknown format")
}

func TestQuantizeCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	require.NoError(t, run(root, "quantize", "--nside", "256", "150.1", "20.2", "0.3"))
	assert.Contains(t, out.String(), "nside 256")
	assert.Contains(t, out.String(), "key ")

	assert.Error(t, run(root, "quantize", "150", "95", "0.3"), "declination out of range")
	assert.Error(t, run(root, "quantize", "a", "b", "c"), "non-numeric input")
}

func TestResolveCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	require.NoError(t, run(root, "resolve", "atlas", "ZTF_r", "--columns", "rmag,e_rmag,gmag,imag"))
	for _, want := range []string{"filter  ZTF_r -> r", "mag     rmag", "err     e_rmag", "color   Bmag - Vmag"} {
		assert.Contains(t, out.String(), want)
	}

	out.Reset()
	require.NoError(t, run(root, "resolve", "atlas", "r", "--anchors", "family", "--columns", "rmag,gmag,imag"))
	assert.Contains(t, out.String(), "color   gmag - rmag")

	assert.ErrorIs(t, run(root, "resolve", "nosuch", "r", "--columns", "rmag"), catalog.ErrConfiguration)
	assert.Error(t, run(root, "resolve", "atlas", "r"), "no columns or position")
}

func TestResolveCommandQueriesCatalog(t *testing.T) {
	root, _, out := newTestRoot(t)
	var req catalog.Request
	root.fetcher = catalog.FetcherFunc(func(ctx context.Context, r catalog.Request) (*catalog.Table, error) {
		req = r
		return catalog.NewTable(r.Catalog, "BPmag", "RPmag", "Gmag", "e_Gmag"), nil
	})

	require.NoError(t, run(root, "resolve", "gaiaedr3", "G", "--ra", "83.8", "--dec", "-5.4"))
	assert.Equal(t, "gaiaedr3", req.Catalog)
	assert.Equal(t, 83.8, req.RA)
	assert.Equal(t, -5.4, req.Dec)
	assert.Contains(t, out.String(), "mag     Gmag")
}

func TestServeAndWatchUseInjectedFunctions(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var served, watched []string
	root.serveFn = func(ctx context.Context, dirs []string) error {
		served = dirs
		return nil
	}
	root.watchFn = func(ctx context.Context, dirs []string) error {
		watched = dirs
		return nil
	}

	dir := t.TempDir()
	require.NoError(t, run(root, "serve", "--watch", dir))
	assert.Equal(t, []string{dir}, served)

	require.NoError(t, run(root, "watch"))
	assert.Equal(t, []string{root.cfg.Paths.FramesDir}, watched, "watch defaults to the frames dir")
}

func TestJobsCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	lister := &stubJobs{recs: []storage.JobRecord{
		{ID: "job-1", JobType: "calibrate", Status: "completed", InputPath: "/frames/a.json"},
		{ID: "job-2", JobType: "calibrate", Status: "failed", InputPath: "/frames/b.json", Error: "boom"},
	}}
	root.jobs = lister

	require.NoError(t, run(root, "jobs", "-n", "5"))
	assert.Equal(t, 5, lister.limit)
	assert.Contains(t, out.String(), "/frames/b.json  (boom)")
}

func TestConfigShowAndVersion(t *testing.T) {
	root, _, out := newTestRoot(t)
	require.NoError(t, run(root, "config", "show"))
	for _, want := range []string{"parallel_jobs: 4", "anchor_policy: johnson", "catalog: gaiadr3syn"} {
		assert.Contains(t, out.String(), want)
	}

	out.Reset()
	require.NoError(t, run(root, "version"))
	assert.Contains(t, out.String(), "Reticulum "+Version)
}

func TestToolsCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	root.tool = stubTool{status: photfit.ToolStatus{Available: true, Version: "1.2.3", Path: "/usr/bin/fit"}}
	require.NoError(t, run(root, "tools"))
	assert.Contains(t, out.String(), "1.2.3 [/usr/bin/fit]")

	root.tool = stubTool{status: photfit.ToolStatus{Error: photfit.ErrToolUnavailable}}
	assert.Error(t, run(root, "tools"), "missing tool")
}

// Test helpers

func run(root *Root, args ...string) error {
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	cfg.Paths.FramesDir = t.TempDir()
	cfg.Paths.DatabasePath = filepath.Join(t.TempDir(), "reticulum.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	out := &bytes.Buffer{}

	root := &Root{
		cfg:      cfg,
		log:      logger,
		out:      out,
		registry: filters.Default(),
		pipeline: pipe,
		jobs:     &stubJobs{},
		curves:   &stubCurves{curve: &lightcurve.Curve{}},
		fetcher: catalog.FetcherFunc(func(ctx context.Context, r catalog.Request) (*catalog.Table, error) {
			return nil, errors.New("no catalog in tests")
		}),
		tool:    stubTool{},
		serveFn: func(ctx context.Context, dirs []string) error { return nil },
		watchFn: func(ctx context.Context, dirs []string) error { return nil },
	}
	return root, pipe, out
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
	statuses  map[string]string
	fullOnce  map[string]bool
	hold      bool
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
		statuses:  make(map[string]string),
		fullOnce:  make(map[string]bool),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	base := filepath.Base(job.InputPath)
	if f.fullOnce[base] {
		delete(f.fullOnce, base)
		return pipeline.ErrQueueFull
	}
	f.jobs = append(f.jobs, job)
	if f.hold {
		return nil
	}

	res := pipeline.Result{Job: job, Status: pipeline.StatusCompleted, Meta: map[string]any{
		"artifact":        job.InputPath + ".parquet",
		"filter":          "r",
		"raw_filter":      "ZTF_r",
		"filter_fallback": false,
		"fwhm":            2.5,
		"aperture":        "Ap2",
	}}
	if status, ok := f.statuses[base]; ok {
		res.Status = status
		res.Meta = map[string]any{"detail": "artifact exists"}
	}
	if err, ok := f.jobErrors[base]; ok {
		res.Status = pipeline.StatusFailed
		res.Error = err
	}
	for _, ch := range f.subs {
		ch <- res
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 64)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

type stubCurves struct {
	query lightcurve.Query
	curve *lightcurve.Curve
}

func (s *stubCurves) Build(ctx context.Context, q lightcurve.Query) (*lightcurve.Curve, error) {
	s.query = q
	return s.curve, nil
}

type stubJobs struct {
	limit int
	recs  []storage.JobRecord
}

func (s *stubJobs) RecentJobs(limit int) ([]storage.JobRecord, error) {
	s.limit = limit
	return s.recs, nil
}

type stubTool struct {
	status photfit.ToolStatus
}

func (s stubTool) CheckTool(ctx context.Context) photfit.ToolStatus { return s.status }

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
}
