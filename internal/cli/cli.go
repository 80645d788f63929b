package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"reticulum/internal/catalog"
	"reticulum/internal/config"
	"reticulum/internal/filters"
	"reticulum/internal/lightcurve"
	"reticulum/internal/photfit"
	"reticulum/internal/pipeline"
	"reticulum/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type jobLister interface {
	RecentJobs(limit int) ([]storage.JobRecord, error)
}

type curveBuilder interface {
	Build(ctx context.Context, q lightcurve.Query) (*lightcurve.Curve, error)
}

type toolChecker interface {
	CheckTool(ctx context.Context) photfit.ToolStatus
}

type serverFunc func(ctx context.Context, dirs []string) error

// Root wires CLI commands to the pipeline and its collaborators.
type Root struct {
	cfg      *config.Config
	log      *slog.Logger
	out      io.Writer
	registry *filters.Registry
	pipeline pipelineClient
	jobs     jobLister
	curves   curveBuilder
	fetcher  catalog.Fetcher
	tool     toolChecker
	serveFn  serverFunc
	watchFn  serverFunc
}

// NewRoot builds the CLI root over a wired application.
func NewRoot(app *App) *Root {
	return &Root{
		cfg:      app.Config,
		log:      app.Log,
		out:      os.Stdout,
		registry: app.Registry,
		pipeline: app.Pipeline,
		jobs:     app.Store,
		curves:   app.Curves,
		fetcher:  app.Fetcher,
		tool:     app.Fitter,
		serveFn:  app.Serve,
		watchFn:  app.Watch,
	}
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// batchSummary counts job outcomes of one CLI invocation.
type batchSummary struct {
	Completed int
	Skipped   int
	Failed    int
}

func (b batchSummary) String() string {
	return fmt.Sprintf("%d completed, %d skipped, %d failed", b.Completed, b.Skipped, b.Failed)
}

// maxInFlight bounds the jobs a batch keeps outstanding, so that results
// never outrun the subscriber buffer.
const maxInFlight = 32

// enqueueAndWait submits jobs and blocks until each has a result. report is
// called once per finished job, in completion order. A full queue is waited
// out rather than treated as an error.
func (r *Root) enqueueAndWait(ctx context.Context, jobs []pipeline.Job, report func(pipeline.Result)) (batchSummary, error) {
	var sum batchSummary
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	pending := make(map[string]bool, len(jobs))
	next := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if !pending[res.Job.ID] {
				return nil
			}
			delete(pending, res.Job.ID)
			switch res.Status {
			case pipeline.StatusSkipped:
				sum.Skipped++
			case pipeline.StatusFailed:
				sum.Failed++
			default:
				sum.Completed++
			}
			if report != nil {
				report(res)
			}
			return nil
		}
	}

	for _, job := range jobs {
		for len(pending) >= maxInFlight {
			if err := next(); err != nil {
				return sum, err
			}
		}
		for {
			err := r.enqueue(ctx, job)
			if err == nil {
				break
			}
			if !errors.Is(err, pipeline.ErrQueueFull) || len(pending) == 0 {
				return sum, err
			}
			if err := next(); err != nil {
				return sum, err
			}
		}
		pending[job.ID] = true
	}

	for len(pending) > 0 {
		if err := next(); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Debug("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}
