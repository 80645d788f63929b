package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"reticulum/internal/colorfit"
	"reticulum/internal/frame"
	"reticulum/internal/lightcurve"
	"reticulum/internal/skygrid"
)

// SolveObserver is told about every color solve.
type SolveObserver interface {
	ColorSolved(d time.Duration, err error)
}

// PhotometryService implements PhotometryServer on top of the color solver,
// the sky grid and the light curve builder.
type PhotometryService struct {
	curves   *lightcurve.Builder
	settings colorfit.Settings
	radius   float64
	obs      SolveObserver
	log      *slog.Logger
}

// Option configures a PhotometryService.
type Option func(*PhotometryService)

// WithLightcurves serves Lightcurve from b.
func WithLightcurves(b *lightcurve.Builder) Option {
	return func(s *PhotometryService) { s.curves = b }
}

// WithSolveObserver reports SolveColorIndex calls to obs.
func WithSolveObserver(obs SolveObserver) Option {
	return func(s *PhotometryService) { s.obs = obs }
}

// WithSearchRadius sets the default light curve radius in arcsec.
func WithSearchRadius(arcsec float64) Option {
	return func(s *PhotometryService) {
		if arcsec > 0 {
			s.radius = arcsec
		}
	}
}

// NewPhotometryService creates the service.
func NewPhotometryService(settings colorfit.Settings, log *slog.Logger, opts ...Option) *PhotometryService {
	s := &PhotometryService{settings: settings, radius: 2, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on addr and serves until ctx is cancelled.
func (s *PhotometryService) Start(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listen)
}

// Serve serves on lis until ctx is cancelled.
func (s *PhotometryService) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(64*1024*1024),
		grpc.MaxSendMsgSize(64*1024*1024),
	)
	RegisterPhotometryServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String(), "service", ServiceName)
	err := grpcServer.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

type observationMessage struct {
	Mag    frame.Float `json:"mag"`
	MagErr frame.Float `json:"magerr"`
	Filter string      `json:"filter"`
	C1     float64     `json:"color_term"`
	C2     float64     `json:"color_term2"`
}

type solveRequest struct {
	Observations  []observationMessage `json:"observations"`
	Tolerance     float64              `json:"tolerance"`
	MaxIterations int                  `json:"max_iterations"`
}

type solveResponse struct {
	BV          float64       `json:"bv"`
	Objective   float64       `json:"objective"`
	Evaluations int           `json:"evaluations"`
	Corrected   []frame.Float `json:"corrected"`
}

// SolveColorIndex solves the color index of the given observations.
func (s *PhotometryService) SolveColorIndex(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req solveRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	obs := make([]colorfit.Observation, len(req.Observations))
	for i, o := range req.Observations {
		obs[i] = colorfit.Observation{Mag: float64(o.Mag), MagErr: float64(o.MagErr), Filter: o.Filter, C1: o.C1, C2: o.C2}
	}
	settings := s.settings
	if req.Tolerance > 0 {
		settings.Tolerance = req.Tolerance
	}
	if req.MaxIterations > 0 {
		settings.MaxIterations = req.MaxIterations
	}

	start := time.Now()
	res, err := colorfit.Solve(obs, settings)
	if s.obs != nil {
		s.obs.ColorSolved(time.Since(start), err)
	}
	if err != nil {
		return nil, statusFromError(err)
	}
	s.log.Debug("color index solved", "observations", len(obs), "bv", res.BV, "evaluations", res.Evaluations)

	return encode(solveResponse{
		BV:          res.BV,
		Objective:   res.Objective,
		Evaluations: res.Evaluations,
		Corrected:   frame.Floats(colorfit.Correct(obs, res.BV)),
	})
}

type quantizeRequest struct {
	RA     float64 `json:"ra"`
	Dec    float64 `json:"dec"`
	Radius float64 `json:"radius"`
	Nside  int64   `json:"nside"`
}

// Quantize snaps a query region onto the sky grid.
func (s *PhotometryService) Quantize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req quantizeRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	q, err := skygrid.Quantize(req.RA, req.Dec, req.Radius, req.Nside)
	if err != nil {
		return nil, statusFromError(err)
	}
	return encode(map[string]any{"query": q, "key": q.Key()})
}

// Lightcurve assembles the light curve of one position.
func (s *PhotometryService) Lightcurve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.curves == nil {
		return nil, status.Error(codes.Unimplemented, "light curves are not configured")
	}
	q := lightcurve.Query{Radius: s.radius}
	if err := decode(in, &q); err != nil {
		return nil, err
	}
	curve, err := s.curves.Build(ctx, q)
	if err != nil {
		return nil, statusFromError(err)
	}
	return encode(curve)
}

func decode(in *structpb.Struct, dst any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func statusFromError(err error) error {
	switch {
	case errors.Is(err, colorfit.ErrInvalidInput),
		errors.Is(err, skygrid.ErrInvalidQuery),
		errors.Is(err, lightcurve.ErrInvalidQuery):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, colorfit.ErrNonConvergence):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
