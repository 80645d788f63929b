package cli

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"reticulum/internal/calibrate"
	"reticulum/internal/catalog"
	"reticulum/internal/colorfit"
	"reticulum/internal/config"
	"reticulum/internal/filters"
	"reticulum/internal/grpcserver"
	"reticulum/internal/lightcurve"
	"reticulum/internal/metrics"
	"reticulum/internal/photfit"
	"reticulum/internal/pipeline"
	"reticulum/internal/server"
	"reticulum/internal/storage"
	"reticulum/internal/vizier"
	"reticulum/internal/watch"
)

// App is the wired process: store, catalog access, fit tool, calibration,
// light curves and the job pipeline.
type App struct {
	Config     *config.Config
	Log        *slog.Logger
	Registry   *filters.Registry
	Store      *storage.Store
	Metrics    *metrics.Manager
	Fetcher    catalog.Fetcher
	Fitter     *photfit.ToolFitter
	Calibrator *calibrate.Orchestrator
	Curves     *lightcurve.Builder
	Pipeline   *pipeline.Pipeline
}

// NewApp opens the store and wires every component from cfg. The pipeline
// workers run until ctx is cancelled or Close is called.
func NewApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.CacheTTL > 0 {
		if n, err := store.PruneCatalogCache(ctx, cfg.Storage.CacheTTL); err != nil {
			log.Warn("failed to prune catalog cache", "error", err)
		} else if n > 0 {
			log.Debug("pruned catalog cache", "entries", n)
		}
	}

	m := metrics.NewManager(metrics.WithNamespace(cfg.Server.MetricsNamespace))
	reg := filters.Default()

	var fetcher catalog.Fetcher = vizier.New(cfg.Catalog.BaseURL, cfg.Catalog.Timeout, log)
	if cfg.Catalog.Cache {
		fetcher = catalog.NewCachedFetcher(fetcher, store, m, log)
	}
	fitter := photfit.NewToolFitter(cfg.Fit.Command, cfg.Fit.Args, cfg.Fit.Timeout, log)

	policy, err := catalog.ParseAnchorPolicy(cfg.Calibration.AnchorPolicy)
	if err != nil {
		store.Close()
		return nil, err
	}
	calibrator, err := calibrate.New(reg, fetcher, fitter, calibrate.Options{
		Catalog:         cfg.Calibration.Catalog,
		LimitMag:        cfg.Calibration.LimitMag,
		Nside:           cfg.Calibration.Nside,
		MatchRadius:     cfg.Calibration.MatchRadius(),
		Order:           cfg.Calibration.Order,
		ColorOrder:      cfg.Calibration.ColorOrder,
		Threshold:       cfg.Calibration.Threshold,
		MaxIntrinsicRMS: cfg.Calibration.MaxIntrinsicRMS,
		Nonlin:          cfg.Calibration.Nonlin,
		AnchorPolicy:    policy,
		FallbackFilter:  cfg.Calibration.FallbackFilter,
	}, log, calibrate.WithRecorder(store), calibrate.WithObserver(m))
	if err != nil {
		store.Close()
		return nil, err
	}

	curves := lightcurve.NewBuilder(store, colorSettings(cfg), log,
		lightcurve.WithWorkers(cfg.Processing.ParallelJobs),
		lightcurve.WithSolveObserver(m))

	router := pipeline.NewRouter(log, calibrator, curves, cfg.Processing.Reprocess,
		pipeline.WithSearchRadius(cfg.Color.SearchRadiusArcsec))
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, cfg.Processing.QueueSize, router, log,
		pipeline.WithStore(store), pipeline.WithObserver(m))

	return &App{
		Config:     cfg,
		Log:        log,
		Registry:   reg,
		Store:      store,
		Metrics:    m,
		Fetcher:    fetcher,
		Fitter:     fitter,
		Calibrator: calibrator,
		Curves:     curves,
		Pipeline:   pipe,
	}, nil
}

func colorSettings(cfg *config.Config) colorfit.Settings {
	return colorfit.Settings{Tolerance: cfg.Color.Tolerance, MaxIterations: cfg.Color.MaxIterations}
}

// Close finishes queued jobs and closes the store.
func (a *App) Close() error {
	a.Pipeline.Drain()
	return a.Store.Close()
}

// Serve runs the HTTP API, the gRPC service and, when dirs is non-empty, a
// directory watcher until ctx is cancelled or one of them fails.
func (a *App) Serve(ctx context.Context, dirs []string) error {
	cfg := a.Config
	g, ctx := errgroup.WithContext(ctx)

	httpServer := server.NewServer(cfg.Server.Addr, a.Store, a.Pipeline, a.Log,
		server.WithLightcurves(a.Curves),
		server.WithMetrics(a.Metrics),
		server.WithSearchRadius(cfg.Color.SearchRadiusArcsec))
	g.Go(func() error { return httpServer.Start(ctx) })

	if cfg.Server.GRPCAddr != "" {
		svc := grpcserver.NewPhotometryService(colorSettings(cfg), a.Log,
			grpcserver.WithLightcurves(a.Curves),
			grpcserver.WithSolveObserver(a.Metrics),
			grpcserver.WithSearchRadius(cfg.Color.SearchRadiusArcsec))
		g.Go(func() error { return svc.Start(ctx, cfg.Server.GRPCAddr) })
	}

	if len(dirs) > 0 {
		g.Go(func() error { return a.Watch(ctx, dirs) })
	}
	return g.Wait()
}

// Watch submits a calibrate job for every frame document that settles in
// dirs until ctx is cancelled.
func (a *App) Watch(ctx context.Context, dirs []string) error {
	w, err := watch.New(dirs, watch.DefaultSettle, a.Log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	defer w.Stop()

	a.Log.Info("watching for frames", "dirs", dirs)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			job := pipeline.NewJob(pipeline.JobCalibrate, ev.Path, map[string]any{"source": "watch"})
			if err := a.Pipeline.Submit(job); err != nil {
				if errors.Is(err, pipeline.ErrStopped) {
					return nil
				}
				a.Log.Warn("failed to queue frame", "path", ev.Path, "error", err)
				continue
			}
			a.Log.Info("frame queued", "path", ev.Path, "operation", ev.Operation, "id", job.ID)
		}
	}
}
