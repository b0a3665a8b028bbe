package server

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/pixperk/fencelock/pkg/types"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToGRPCError(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{types.ErrInvalidArgument, codes.InvalidArgument},
		{types.ErrInvalidLeaseTTL, codes.InvalidArgument},
		{types.ErrLockNotFound, codes.NotFound},
		{fmt.Errorf("commit: %w", types.ErrVersionConflict), codes.Aborted},
		{types.ErrTooManyConflicts, codes.Aborted},
		{types.ErrFenceRegression, codes.FailedPrecondition},
		{types.ErrNotLeader, codes.Unavailable},
		{fmt.Errorf("load: %w", types.ErrStoreUnavailable), codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := toGRPCError(tt.err)
			assert.Equal(t, tt.code, status.Code(err))
			assert.Contains(t, status.Convert(err).Message(), tt.err.Error())
		})
	}

	assert.NoError(t, toGRPCError(nil))
}
