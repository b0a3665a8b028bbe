package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pb "github.com/pixperk/fencelock/api/v1"
	"github.com/pixperk/fencelock/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Client talks to a fencelock server and satisfies lock.Store, so the
// orchestrator can run against a remote lease store unchanged.
type Client struct {
	addr   string
	conn   *grpc.ClientConn
	client pb.LockServiceClient
}

// NewClient connects to addr. Extra dial options are appended after the
// default insecure transport credentials.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &Client{
		addr:   addr,
		conn:   conn,
		client: pb.NewLockServiceClient(conn),
	}, nil
}

func (c *Client) TryAcquire(ctx context.Context, name, ownerID string, ttl time.Duration, expectedMinFence uint64) (types.AcquireResult, error) {
	resp, err := c.client.TryAcquire(ctx, &pb.TryAcquireRequest{
		LockName:         name,
		OwnerID:          ownerID,
		TTLMillis:        ttl.Milliseconds(),
		ExpectedMinFence: expectedMinFence,
	})
	if err != nil {
		return types.AcquireResult{}, fmt.Errorf("try acquire: %w", fromGRPCError(err))
	}
	return types.AcquireResult{
		FenceToken:   resp.FenceToken,
		CurrentOwner: resp.CurrentOwner,
	}, nil
}

func (c *Client) Release(ctx context.Context, name, ownerID string) (bool, error) {
	resp, err := c.client.Release(ctx, &pb.ReleaseRequest{LockName: name, OwnerID: ownerID})
	if err != nil {
		return false, fmt.Errorf("release: %w", fromGRPCError(err))
	}
	return resp.Released, nil
}

func (c *Client) Validate(ctx context.Context, name, ownerID string, fenceToken uint64) (bool, error) {
	resp, err := c.client.Validate(ctx, &pb.ValidateRequest{LockName: name, OwnerID: ownerID, FenceToken: fenceToken})
	if err != nil {
		return false, fmt.Errorf("validate: %w", fromGRPCError(err))
	}
	return resp.Valid, nil
}

// Inspect returns the record and live lease the server sees for name.
func (c *Client) Inspect(ctx context.Context, name string) (types.Snapshot, error) {
	resp, err := c.client.Inspect(ctx, &pb.InspectRequest{LockName: name})
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("inspect: %w", fromGRPCError(err))
	}

	var snap types.Snapshot
	if resp.Exists {
		snap.Record = &types.LockRecord{
			Name:         resp.LockName,
			CurrentOwner: resp.CurrentOwner,
			FenceToken:   resp.FenceToken,
			Version:      resp.Version,
		}
	}
	if resp.LeaseOwner != "" {
		ttl := time.Duration(resp.LeaseTTLMillis) * time.Millisecond
		snap.Lease = &types.Lease{
			OwnerID:   resp.LeaseOwner,
			TTL:       ttl,
			WrittenAt: resp.LeaseExpiresAt.Add(-ttl),
		}
	}
	return snap, nil
}

func (c *Client) Status(ctx context.Context) (*pb.StatusResponse, error) {
	resp, err := c.client.Status(ctx, &pb.StatusRequest{})
	if err != nil {
		return nil, fmt.Errorf("status: %w", fromGRPCError(err))
	}
	return resp, nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// sentinels a status code can carry, the first is the fallback and must be
// the least severe, an unrecognised message is never a fence regression
var codeErrors = map[codes.Code][]error{
	codes.InvalidArgument:    {types.ErrInvalidArgument, types.ErrInvalidLeaseTTL},
	codes.NotFound:           {types.ErrLockNotFound, types.ErrLeaseNotFound},
	codes.Aborted:            {types.ErrTooManyConflicts, types.ErrVersionConflict},
	codes.FailedPrecondition: {types.ErrLeaseLost, types.ErrFenceRegression, types.ErrLeaseExpired},
	codes.Unavailable:        {types.ErrStoreUnavailable, types.ErrNotLeader},
	codes.DeadlineExceeded:   {context.DeadlineExceeded},
	codes.Canceled:           {context.Canceled},
}

// maps a gRPC status back onto the domain errors so errors.Is keeps working
// across the wire
func fromGRPCError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	candidates, known := codeErrors[st.Code()]
	if !known {
		return err
	}

	match := candidates[0]
	for _, candidate := range candidates[1:] {
		if strings.Contains(st.Message(), candidate.Error()) {
			match = candidate
			break
		}
	}
	if errors.Is(match, context.Canceled) || errors.Is(match, context.DeadlineExceeded) {
		return match
	}
	return fmt.Errorf("%w: %s", match, st.Message())
}
