package types

import "errors"

var (
	// Lease errors
	ErrLeaseNotFound   = errors.New("lease not found")
	ErrInvalidLeaseTTL = errors.New("invalid lease TTL")
	ErrLeaseLost       = errors.New("lease is held by another owner")
	ErrLeaseExpired    = errors.New("lease expired before it could be renewed")

	// Lock record errors
	ErrLockNotFound     = errors.New("lock not found")
	ErrVersionConflict  = errors.New("lock record version conflict")
	ErrTooManyConflicts = errors.New("too many concurrent lock record updates")
	ErrInvalidArgument  = errors.New("lock name and owner ID are required")

	// Fencing errors
	ErrFenceRegression = errors.New("fencing token regression")

	// Store availability
	ErrStoreUnavailable = errors.New("lease store unavailable")
	ErrNotLeader        = errors.New("node is not the raft leader")
)

// reports whether err is a "nothing there" condition rather than a failure
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLeaseNotFound) || errors.Is(err, ErrLockNotFound)
}
