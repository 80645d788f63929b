package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "reticulum.v1.Photometry"

const (
	methodSolveColorIndex = "/" + ServiceName + "/SolveColorIndex"
	methodQuantize        = "/" + ServiceName + "/Quantize"
	methodLightcurve      = "/" + ServiceName + "/Lightcurve"
)

// PhotometryServer is the server API of the Photometry service. Messages are
// google.protobuf.Struct documents carrying the same JSON shapes as the HTTP
// API.
type PhotometryServer interface {
	SolveColorIndex(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Quantize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Lightcurve(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPhotometryServer registers srv on s.
func RegisterPhotometryServer(s grpc.ServiceRegistrar, srv PhotometryServer) {
	s.RegisterService(&photometryServiceDesc, srv)
}

func unaryHandler(method string, call func(PhotometryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PhotometryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PhotometryServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var photometryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PhotometryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SolveColorIndex",
			Handler:    unaryHandler(methodSolveColorIndex, PhotometryServer.SolveColorIndex),
		},
		{
			MethodName: "Quantize",
			Handler:    unaryHandler(methodQuantize, PhotometryServer.Quantize),
		},
		{
			MethodName: "Lightcurve",
			Handler:    unaryHandler(methodLightcurve, PhotometryServer.Lightcurve),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reticulum/v1/photometry.proto",
}

// PhotometryClient calls the Photometry service.
type PhotometryClient struct {
	cc grpc.ClientConnInterface
}

// NewPhotometryClient wraps an established connection.
func NewPhotometryClient(cc grpc.ClientConnInterface) *PhotometryClient {
	return &PhotometryClient{cc: cc}
}

func (c *PhotometryClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SolveColorIndex solves the color index of a set of observations.
func (c *PhotometryClient) SolveColorIndex(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodSolveColorIndex, in, opts...)
}

// Quantize snaps a query region onto the sky grid.
func (c *PhotometryClient) Quantize(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodQuantize, in, opts...)
}

// Lightcurve assembles the light curve of one position.
func (c *PhotometryClient) Lightcurve(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodLightcurve, in, opts...)
}
