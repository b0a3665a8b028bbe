// Package lock runs protected work under a fenced lease: a Handle per
// acquisition attempt, a renewal task that keeps the lease alive while work
// runs, and an Orchestrator that keeps retrying so one process in the fleet is
// always doing the job.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/fencelock/pkg/types"
	"go.uber.org/atomic"
)

// Store is the lease store contract the lock package depends on.
// *leasestore.Store and *client.Client both satisfy it.
type Store interface {
	TryAcquire(ctx context.Context, name, ownerID string, ttl time.Duration, expectedMinFence uint64) (types.AcquireResult, error)
	Release(ctx context.Context, name, ownerID string) (bool, error)
	Validate(ctx context.Context, name, ownerID string, fenceToken uint64) (bool, error)
}

const closeTimeout = 5 * time.Second

// Handle is one acquisition attempt of a named lock under a fresh owner identity.
// Its view of ownership is advisory and is always re-checked against the store.
type Handle struct {
	store    Store
	name     string
	ownerID  string
	observer Observer

	leaseOwnerID *atomic.String
	fenceToken   *atomic.Uint64

	closeOnce sync.Once
}

// NewHandle returns a handle for name with a newly generated owner ID.
func NewHandle(store Store, name string, observer Observer) *Handle {
	if observer == nil {
		observer = Observers()
	}
	return &Handle{
		store:        store,
		name:         name,
		ownerID:      uuid.NewString(),
		observer:     observer,
		leaseOwnerID: atomic.NewString(""),
		fenceToken:   atomic.NewUint64(0),
	}
}

func (h *Handle) Name() string    { return h.name }
func (h *Handle) OwnerID() string { return h.ownerID }

// FenceToken is the token the store last reported for this lock.
func (h *Handle) FenceToken() uint64 { return h.fenceToken.Load() }

// LeaseOwnerID is the holder the store last reported.
func (h *Handle) LeaseOwnerID() string { return h.leaseOwnerID.Load() }

// Held reports whether the store last named this handle as the holder.
func (h *Handle) Held() bool { return h.leaseOwnerID.Load() == h.ownerID }

// Acquire grants or renews the lease for this handle. Store errors are returned
// unchanged and leave the handle's view untouched.
func (h *Handle) Acquire(ctx context.Context, ttl time.Duration, previousFence uint64) (types.AcquireResult, error) {
	result, err := h.store.TryAcquire(ctx, h.name, h.ownerID, ttl, previousFence)
	if err != nil {
		return types.AcquireResult{}, err
	}
	h.leaseOwnerID.Store(result.CurrentOwner)
	h.fenceToken.Store(result.FenceToken)
	return result, nil
}

// Release gives the lease back if this handle believes it holds it. A lease that
// already expired or was already released yields false, not an error.
func (h *Handle) Release(ctx context.Context) (bool, error) {
	if !h.Held() {
		return false, nil
	}

	released, err := h.store.Release(ctx, h.name, h.ownerID)
	if err != nil {
		if types.IsNotFound(err) {
			h.leaseOwnerID.Store("")
			return false, nil
		}
		return false, fmt.Errorf("release %q: %w", h.name, err)
	}

	h.leaseOwnerID.Store("")
	return released, nil
}

// Validate reports whether fenceToken is still the live token of this handle.
func (h *Handle) Validate(ctx context.Context, fenceToken uint64) (bool, error) {
	valid, err := h.store.Validate(ctx, h.name, h.ownerID, fenceToken)
	if err != nil {
		if types.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return valid, nil
}

// Close releases a still-held lease at most once. Failures are reported to the
// observer and otherwise dropped. It runs even if ctx is already cancelled.
func (h *Handle) Close(ctx context.Context) {
	h.closeOnce.Do(func() {
		if !h.Held() {
			return
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()

		_, err := h.Release(ctx)
		h.observer.Observe(Event{
			Kind:       EventReleased,
			Lock:       h.name,
			Owner:      h.ownerID,
			FenceToken: h.FenceToken(),
			Err:        err,
		})
	})
}

type handleKey struct{}

func withHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFromContext returns the handle holding the lease a Work runs under,
// or nil outside of one.
func HandleFromContext(ctx context.Context) *Handle {
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h
}
