package server

import (
	"context"
	"errors"

	"github.com/pixperk/fencelock/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// converts domain errors to gRPC status errors
// the message keeps the full error chain so clients can map it back
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, types.ErrInvalidArgument), errors.Is(err, types.ErrInvalidLeaseTTL):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, types.ErrLeaseNotFound), errors.Is(err, types.ErrLockNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, types.ErrVersionConflict), errors.Is(err, types.ErrTooManyConflicts):
		return status.Error(codes.Aborted, err.Error())

	case errors.Is(err, types.ErrFenceRegression), errors.Is(err, types.ErrLeaseLost), errors.Is(err, types.ErrLeaseExpired):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, types.ErrNotLeader), errors.Is(err, types.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
