package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	methodTryAcquire = "/" + ServiceName + "/TryAcquire"
	methodRelease    = "/" + ServiceName + "/Release"
	methodValidate   = "/" + ServiceName + "/Validate"
	methodInspect    = "/" + ServiceName + "/Inspect"
	methodStatus     = "/" + ServiceName + "/Status"
)

type LockServiceServer interface {
	TryAcquire(context.Context, *TryAcquireRequest) (*TryAcquireResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	Validate(context.Context, *ValidateRequest) (*ValidateResponse, error)
	Inspect(context.Context, *InspectRequest) (*InspectResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

// UnimplementedLockServiceServer can be embedded to stay forward compatible.
type UnimplementedLockServiceServer struct{}

func (UnimplementedLockServiceServer) TryAcquire(context.Context, *TryAcquireRequest) (*TryAcquireResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method TryAcquire not implemented")
}

func (UnimplementedLockServiceServer) Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Release not implemented")
}

func (UnimplementedLockServiceServer) Validate(context.Context, *ValidateRequest) (*ValidateResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Validate not implemented")
}

func (UnimplementedLockServiceServer) Inspect(context.Context, *InspectRequest) (*InspectResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Inspect not implemented")
}

func (UnimplementedLockServiceServer) Status(context.Context, *StatusRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}

// builds the grpc handler for one unary method
func unary[Req, Resp any](method string, call func(LockServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LockServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LockServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var LockServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "TryAcquire", Handler: unary(methodTryAcquire, LockServiceServer.TryAcquire)},
		{MethodName: "Release", Handler: unary(methodRelease, LockServiceServer.Release)},
		{MethodName: "Validate", Handler: unary(methodValidate, LockServiceServer.Validate)},
		{MethodName: "Inspect", Handler: unary(methodInspect, LockServiceServer.Inspect)},
		{MethodName: "Status", Handler: unary(methodStatus, LockServiceServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fencelock/v1/lock",
}

func RegisterLockServiceServer(s grpc.ServiceRegistrar, srv LockServiceServer) {
	s.RegisterService(&LockServiceDesc, srv)
}

type LockServiceClient interface {
	TryAcquire(ctx context.Context, in *TryAcquireRequest, opts ...grpc.CallOption) (*TryAcquireResponse, error)
	Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error)
	Validate(ctx context.Context, in *ValidateRequest, opts ...grpc.CallOption) (*ValidateResponse, error)
	Inspect(ctx context.Context, in *InspectRequest, opts ...grpc.CallOption) (*InspectResponse, error)
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
}

type lockServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewLockServiceClient(cc grpc.ClientConnInterface) LockServiceClient {
	return &lockServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *lockServiceClient) TryAcquire(ctx context.Context, in *TryAcquireRequest, opts ...grpc.CallOption) (*TryAcquireResponse, error) {
	return invoke[TryAcquireResponse](ctx, c.cc, methodTryAcquire, in, opts)
}

func (c *lockServiceClient) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	return invoke[ReleaseResponse](ctx, c.cc, methodRelease, in, opts)
}

func (c *lockServiceClient) Validate(ctx context.Context, in *ValidateRequest, opts ...grpc.CallOption) (*ValidateResponse, error) {
	return invoke[ValidateResponse](ctx, c.cc, methodValidate, in, opts)
}

func (c *lockServiceClient) Inspect(ctx context.Context, in *InspectRequest, opts ...grpc.CallOption) (*InspectResponse, error) {
	return invoke[InspectResponse](ctx, c.cc, methodInspect, in, opts)
}

func (c *lockServiceClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, methodStatus, in, opts)
}
