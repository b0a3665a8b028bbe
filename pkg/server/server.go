package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/fencelock/api/v1"
	"github.com/pixperk/fencelock/pkg/fsm"
	"github.com/pixperk/fencelock/pkg/leasestore"
	"google.golang.org/grpc"
)

// what the status endpoint reports about the node behind the store
type Cluster interface {
	IsLeader() bool
	GetLeader() string
	Stats() fsm.Stats
}

// a single in-process fsm, always its own leader
type standalone struct {
	fsm *fsm.FSM
}

func Standalone(f *fsm.FSM) Cluster {
	return standalone{fsm: f}
}

func (s standalone) IsLeader() bool    { return true }
func (s standalone) GetLeader() string { return "" }
func (s standalone) Stats() fsm.Stats  { return s.fsm.Stats() }

type Server struct {
	pb.UnimplementedLockServiceServer
	store   *leasestore.Store
	cluster Cluster
	nodeID  string
	logger  hclog.Logger
}

type Config struct {
	Store   *leasestore.Store
	Cluster Cluster //nil when the backend is remote (redis, etcd)
	NodeID  string
	Logger  hclog.Logger
}

// wraps a lease store into a gRPC service
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		store:   cfg.Store,
		cluster: cfg.Cluster,
		nodeID:  cfg.NodeID,
		logger:  logger.Named("grpc"),
	}
}

func (s *Server) TryAcquire(ctx context.Context, req *pb.TryAcquireRequest) (*pb.TryAcquireResponse, error) {
	ttl := time.Duration(req.TTLMillis) * time.Millisecond
	result, err := s.store.TryAcquire(ctx, req.LockName, req.OwnerID, ttl, req.ExpectedMinFence)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.TryAcquireResponse{
		FenceToken:   result.FenceToken,
		CurrentOwner: result.CurrentOwner,
	}, nil
}

func (s *Server) Release(ctx context.Context, req *pb.ReleaseRequest) (*pb.ReleaseResponse, error) {
	released, err := s.store.Release(ctx, req.LockName, req.OwnerID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.ReleaseResponse{Released: released}, nil
}

func (s *Server) Validate(ctx context.Context, req *pb.ValidateRequest) (*pb.ValidateResponse, error) {
	valid, err := s.store.Validate(ctx, req.LockName, req.OwnerID, req.FenceToken)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.ValidateResponse{Valid: valid}, nil
}

func (s *Server) Inspect(ctx context.Context, req *pb.InspectRequest) (*pb.InspectResponse, error) {
	snap, err := s.store.Inspect(ctx, req.LockName)
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := &pb.InspectResponse{LockName: req.LockName}
	if snap.Record != nil {
		resp.Exists = true
		resp.CurrentOwner = snap.Record.CurrentOwner
		resp.FenceToken = snap.Record.FenceToken
		resp.Version = snap.Record.Version
	}
	if snap.Lease != nil {
		resp.LeaseOwner = snap.Lease.OwnerID
		resp.LeaseTTLMillis = snap.Lease.TTL.Milliseconds()
		resp.LeaseExpiresAt = snap.Lease.ExpiresAt()
	}
	return resp, nil
}

func (s *Server) Status(ctx context.Context, req *pb.StatusRequest) (*pb.StatusResponse, error) {
	resp := &pb.StatusResponse{
		NodeID:   s.nodeID,
		Backend:  s.store.Backend().Name(),
		IsLeader: true,
	}
	if s.cluster != nil {
		stats := s.cluster.Stats()
		resp.IsLeader = s.cluster.IsLeader()
		resp.LeaderAddress = s.cluster.GetLeader()
		resp.Locks = stats.Locks
		resp.Leases = stats.Leases
		resp.MaxFenceToken = stats.MaxFenceToken
	}
	return resp, nil
}

// logs every call at debug level, failures at warn
func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("rpc failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		s.logger.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// returns a grpc server with the lock service registered
func (s *Server) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logUnary)}, opts...)
	srv := grpc.NewServer(opts...)
	pb.RegisterLockServiceServer(srv, s)
	return srv
}

// serves on lis until ctx is cancelled, then stops gracefully
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.GRPCServer()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down gRPC listener")
		srv.GracefulStop()
	}()

	s.logger.Info("gRPC up", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
