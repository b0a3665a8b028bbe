// Package leasestore implements the lease store protocol: lease acquisition with
// optimistic concurrency on the lock record, monotonic fencing token issuance,
// owner-conditional release and token validation. The protocol runs against any
// Backend offering atomic conditional commits and backend-enforced lease expiry.
package leasestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/fencelock/pkg/metrics"
	"github.com/pixperk/fencelock/pkg/types"
)

// DefaultMaxConflictRetries bounds the compare-and-swap loop in TryAcquire.
const DefaultMaxConflictRetries = 16

// Store runs the lease protocol on top of a Backend.
type Store struct {
	backend    Backend
	maxRetries int
	logger     hclog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxConflictRetries overrides how many version conflicts TryAcquire absorbs
// before giving up with types.ErrTooManyConflicts.
func WithMaxConflictRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithLogger sets the logger used for conflict and error reporting.
func WithLogger(logger hclog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		maxRetries: DefaultMaxConflictRetries,
		logger:     hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("backend", backend.Name())
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// TryAcquire grants or renews the lease on name for ownerID, or reports the
// current holder.
//
// If no live lease exists, or ownerID already holds it, a lease with the given
// TTL is written. The fencing token moves only when the record changes hands,
// and is then issued as max(record token, expectedMinFence)+1. If another owner
// holds a live lease nothing is written. Either way the resulting token and
// current owner are returned; callers compare the owner with their own ID.
func (s *Store) TryAcquire(ctx context.Context, name, ownerID string, ttl time.Duration, expectedMinFence uint64) (types.AcquireResult, error) {
	if name == "" || ownerID == "" {
		return types.AcquireResult{}, types.ErrInvalidArgument
	}
	if ttl <= 0 {
		return types.AcquireResult{}, types.ErrInvalidLeaseTTL
	}

	defer s.observe("try_acquire", time.Now())

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.AcquireResult{}, err
		}

		snap, err := s.backend.Load(ctx, name)
		if err != nil {
			metrics.StoreOpTotal.WithLabelValues("try_acquire", "error").Inc()
			return types.AcquireResult{}, fmt.Errorf("load lock %q: %w", name, err)
		}

		//live lease held by someone else, report and write nothing
		if holder := snap.LeaseOwner(); holder != "" && holder != ownerID {
			metrics.StoreOpTotal.WithLabelValues("try_acquire", "denied").Inc()
			return types.AcquireResult{
				FenceToken:   snap.FenceToken(),
				CurrentOwner: holder,
			}, nil
		}

		token := snap.FenceToken()
		changesHands := snap.Record == nil || snap.Record.CurrentOwner != ownerID
		if changesHands {
			if expectedMinFence > token {
				s.logger.Warn("record fencing token behind caller, issuing above caller floor",
					"lock", name, "record_token", token, "caller_floor", expectedMinFence)
				token = expectedMinFence
			}
			token++
		}

		err = s.backend.Commit(ctx, types.CommitCmd{
			Name:          name,
			ExpectVersion: snap.Version(),
			OwnerID:       ownerID,
			FenceToken:    token,
			TTL:           ttl,
		})
		if errors.Is(err, types.ErrVersionConflict) {
			//someone else wrote the record between our read and write
			metrics.StoreConflictTotal.WithLabelValues(name).Inc()
			s.logger.Debug("lock record version conflict, retrying", "lock", name, "attempt", attempt+1)
			continue
		}
		if err != nil {
			metrics.StoreOpTotal.WithLabelValues("try_acquire", "error").Inc()
			return types.AcquireResult{}, fmt.Errorf("commit lock %q: %w", name, err)
		}

		if changesHands {
			metrics.StoreOpTotal.WithLabelValues("try_acquire", "granted").Inc()
		} else {
			metrics.StoreOpTotal.WithLabelValues("try_acquire", "renewed").Inc()
		}
		return types.AcquireResult{FenceToken: token, CurrentOwner: ownerID}, nil
	}

	metrics.StoreOpTotal.WithLabelValues("try_acquire", "error").Inc()
	return types.AcquireResult{}, fmt.Errorf("acquire lock %q: %w", name, types.ErrTooManyConflicts)
}

// Release deletes the lease on name if ownerID holds it. It returns false, not an
// error, when the lease already expired, was already released or belongs to
// someone else.
func (s *Store) Release(ctx context.Context, name, ownerID string) (bool, error) {
	if name == "" || ownerID == "" {
		return false, types.ErrInvalidArgument
	}

	defer s.observe("release", time.Now())

	deleted, err := s.backend.DeleteLease(ctx, name, ownerID)
	if err != nil {
		if types.IsNotFound(err) {
			metrics.StoreOpTotal.WithLabelValues("release", "not_found").Inc()
			return false, nil
		}
		metrics.StoreOpTotal.WithLabelValues("release", "error").Inc()
		return false, fmt.Errorf("release lock %q: %w", name, err)
	}

	if !deleted {
		metrics.StoreOpTotal.WithLabelValues("release", "not_found").Inc()
		return false, nil
	}
	metrics.StoreOpTotal.WithLabelValues("release", "ok").Inc()
	return true, nil
}

// Validate reports whether ownerID holds a live lease on name and fenceToken is
// still the token on record.
func (s *Store) Validate(ctx context.Context, name, ownerID string, fenceToken uint64) (bool, error) {
	if name == "" || ownerID == "" {
		return false, types.ErrInvalidArgument
	}

	defer s.observe("validate", time.Now())

	snap, err := s.backend.Load(ctx, name)
	if err != nil {
		if types.IsNotFound(err) {
			return false, nil
		}
		metrics.StoreOpTotal.WithLabelValues("validate", "error").Inc()
		return false, fmt.Errorf("validate lock %q: %w", name, err)
	}

	valid := snap.Lease != nil &&
		snap.Lease.OwnerID == ownerID &&
		snap.Record != nil &&
		snap.Record.FenceToken == fenceToken

	metrics.StoreOpTotal.WithLabelValues("validate", "ok").Inc()
	return valid, nil
}

// Inspect returns the lock record and live lease for name.
func (s *Store) Inspect(ctx context.Context, name string) (types.Snapshot, error) {
	if name == "" {
		return types.Snapshot{}, types.ErrInvalidArgument
	}
	return s.backend.Load(ctx, name)
}

func (s *Store) observe(op string, start time.Time) {
	metrics.StoreOpDuration.WithLabelValues(op, s.backend.Name()).Observe(time.Since(start).Seconds())
}
