package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/fencelock/pkg/fsm"
	"github.com/pixperk/fencelock/pkg/leasestore"
	fltime "github.com/pixperk/fencelock/pkg/time"
	"github.com/pixperk/fencelock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (r *recorder) find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return Event{}, false
}

func newTestOrchestrator(t *testing.T, store Store, rec *recorder, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{
		WithTTL(time.Second),
		WithRetryInterval(5 * time.Millisecond),
		WithReleaseDelay(5 * time.Millisecond),
		WithObserver(rec),
	}, opts...)
	o, err := NewOrchestrator(store, "L", opts...)
	require.NoError(t, err)
	return o
}

// grants every call to the asking owner with a fixed token
func grantAll(token uint64) func(int, string, uint64) (types.AcquireResult, error) {
	return func(_ int, owner string, _ uint64) (types.AcquireResult, error) {
		return types.AcquireResult{FenceToken: token, CurrentOwner: owner}, nil
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	_, err := NewOrchestrator(newMemoryStore(), "")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = NewOrchestrator(newMemoryStore(), "L", WithTTL(0))
	assert.ErrorIs(t, err, types.ErrInvalidLeaseTTL)

	//too short to tick a renewal
	_, err = NewOrchestrator(newMemoryStore(), "L", WithTTL(time.Nanosecond))
	assert.ErrorIs(t, err, types.ErrInvalidLeaseTTL)

	o, err := NewOrchestrator(newMemoryStore(), "L", WithTTL(2*time.Nanosecond), WithObserver(&recorder{}))
	require.NoError(t, err)
	held, err := o.RunOnce(context.Background(), func(context.Context) error { return nil })
	assert.True(t, held)
	assert.NoError(t, err)
}

func TestRunOnceGrantRunsWorkAndReleases(t *testing.T) {
	store := newMemoryStore()
	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec)
	ctx := context.Background()

	var ran bool
	held, err := o.RunOnce(ctx, func(ctx context.Context) error {
		granted, ok := rec.find(EventGranted)
		if !ok {
			return errors.New("no granted event before work")
		}
		valid, err := store.Validate(ctx, "L", granted.Owner, granted.FenceToken)
		if err != nil {
			return err
		}
		assert.True(t, valid, "token is valid while work runs")
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, held)
	assert.True(t, ran)
	assert.Equal(t, uint64(1), o.LastFenceToken())

	snap, err := store.Inspect(ctx, "L")
	require.NoError(t, err)
	assert.Nil(t, snap.Lease, "lease is released after the work")

	assert.Equal(t, []EventKind{EventAttempt, EventGranted, EventReleasing, EventReleased}, rec.kinds())
}

func TestWorkSeesItsHandle(t *testing.T) {
	store := newMemoryStore()
	o := newTestOrchestrator(t, store, &recorder{})
	ctx := context.Background()

	assert.Nil(t, HandleFromContext(ctx))

	held, err := o.RunOnce(ctx, func(ctx context.Context) error {
		h := HandleFromContext(ctx)
		if h == nil {
			return errors.New("no handle in work context")
		}
		assert.True(t, h.Held())
		assert.Equal(t, uint64(1), h.FenceToken())

		valid, err := h.Validate(ctx, h.FenceToken())
		if err != nil {
			return err
		}
		assert.True(t, valid)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRunOnceDenied(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	_, err := store.TryAcquire(ctx, "L", "other", time.Minute, 0)
	require.NoError(t, err)

	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec)

	held, err := o.RunOnce(ctx, func(context.Context) error {
		return errors.New("work must not run without the lock")
	})
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, uint64(0), o.LastFenceToken(), "a denial leaves the last known token alone")

	denied, ok := rec.find(EventDenied)
	require.True(t, ok)
	assert.Equal(t, "other", denied.CurrentOwner)
	assert.Equal(t, uint64(1), denied.FenceToken)
}

func TestRenewalKeepsLeaseAcrossLongWork(t *testing.T) {
	store := newMemoryStore()
	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec, WithTTL(300*time.Millisecond))
	ctx := context.Background()

	held, err := o.RunOnce(ctx, func(ctx context.Context) error {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			result, err := store.TryAcquire(ctx, "L", "competitor", time.Minute, 0)
			if err != nil {
				return err
			}
			if result.GrantedTo("competitor") {
				return fmt.Errorf("competitor acquired a renewed lock")
			}
			time.Sleep(20 * time.Millisecond)
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, held)

	_, renewed := rec.find(EventRenewed)
	assert.True(t, renewed)

	next, err := store.TryAcquire(ctx, "L", "competitor", time.Minute, 0)
	require.NoError(t, err)
	assert.True(t, next.GrantedTo("competitor"))
	assert.Equal(t, uint64(2), next.FenceToken)
}

func TestLeaseLostCancelsWork(t *testing.T) {
	store := &fakeStore{
		acquire: func(call int, owner string, _ uint64) (types.AcquireResult, error) {
			if call == 1 {
				return types.AcquireResult{FenceToken: 1, CurrentOwner: owner}, nil
			}
			return types.AcquireResult{FenceToken: 2, CurrentOwner: "thief"}, nil
		},
	}
	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec, WithTTL(100*time.Millisecond))

	held, err := o.RunOnce(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("work was not cancelled")
		}
	})
	assert.True(t, held)
	assert.ErrorIs(t, err, types.ErrLeaseLost)

	lost, ok := rec.find(EventLeaseLost)
	require.True(t, ok)
	assert.Equal(t, "thief", lost.CurrentOwner)
	assert.Empty(t, store.releases(), "never release a lease someone else holds")

	_, failed := rec.find(EventWorkFailed)
	assert.False(t, failed, "cancellation after a lost lease is not a work failure")
}

func TestRenewalTokenBelowHeldIsFatal(t *testing.T) {
	store := &fakeStore{
		acquire: func(call int, owner string, _ uint64) (types.AcquireResult, error) {
			if call == 1 {
				return types.AcquireResult{FenceToken: 9, CurrentOwner: owner}, nil
			}
			return types.AcquireResult{FenceToken: 3, CurrentOwner: owner}, nil
		},
	}
	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec, WithTTL(100*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := o.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, types.ErrFenceRegression)

	_, ok := rec.find(EventRegression)
	assert.True(t, ok)
}

func TestRenewalTokenAboveHeldIsLeaseLost(t *testing.T) {
	store := &fakeStore{
		acquire: func(call int, owner string, _ uint64) (types.AcquireResult, error) {
			if call == 1 {
				return types.AcquireResult{FenceToken: 1, CurrentOwner: owner}, nil
			}
			return types.AcquireResult{FenceToken: 3, CurrentOwner: owner}, nil
		},
	}
	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec, WithTTL(100*time.Millisecond))

	held, err := o.RunOnce(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("work was not cancelled")
		}
	})
	assert.True(t, held)
	assert.ErrorIs(t, err, types.ErrLeaseLost)
	assert.NotErrorIs(t, err, types.ErrFenceRegression)

	lost, ok := rec.find(EventLeaseLost)
	require.True(t, ok)
	assert.Equal(t, uint64(3), lost.FenceToken)
	_, regressed := rec.find(EventRegression)
	assert.False(t, regressed)
}

func TestLapsedLeaseRegrantedHigherKeepsRunning(t *testing.T) {
	clock := fltime.NewManualClock(time.Unix(1700000000, 0))
	store := leasestore.New(fsm.NewFSMWithClock(clock))
	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec, WithTTL(200*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runs := 0
	err := o.Run(ctx, func(ctx context.Context) error {
		runs++
		if runs > 1 {
			return ErrStop
		}

		//stall past the ttl while another owner takes the lock and gives it back
		clock.Advance(time.Second)
		other := NewHandle(store, "L", nil)
		result, err := other.Acquire(ctx, 200*time.Millisecond, 0)
		if err != nil {
			return err
		}
		assert.Equal(t, uint64(2), result.FenceToken)
		if _, err := other.Release(ctx); err != nil {
			return err
		}

		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err, "a regranted lease ends the round, not the run")
	assert.Equal(t, 2, runs)

	lost, ok := rec.find(EventLeaseLost)
	require.True(t, ok)
	assert.ErrorIs(t, lost.Err, types.ErrLeaseLost)
	assert.Equal(t, uint64(3), lost.FenceToken)
	assert.Equal(t, uint64(4), o.LastFenceToken())
}

func TestTransientRenewalErrorsAreRetried(t *testing.T) {
	store := &fakeStore{
		acquire: func(call int, owner string, _ uint64) (types.AcquireResult, error) {
			if call == 2 {
				return types.AcquireResult{}, types.ErrStoreUnavailable
			}
			return types.AcquireResult{FenceToken: 1, CurrentOwner: owner}, nil
		},
	}
	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec, WithTTL(200*time.Millisecond))

	held, err := o.RunOnce(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(450 * time.Millisecond):
			return nil
		}
	})
	require.NoError(t, err)
	assert.True(t, held)

	_, failed := rec.find(EventRenewFailed)
	assert.True(t, failed)
	_, renewed := rec.find(EventRenewed)
	assert.True(t, renewed)
	assert.Len(t, store.releases(), 1)
}

func TestPersistentRenewalErrorsExpireLease(t *testing.T) {
	store := &fakeStore{
		acquire: func(call int, owner string, _ uint64) (types.AcquireResult, error) {
			if call == 1 {
				return types.AcquireResult{FenceToken: 1, CurrentOwner: owner}, nil
			}
			return types.AcquireResult{}, types.ErrStoreUnavailable
		},
	}
	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec, WithTTL(100*time.Millisecond))

	held, err := o.RunOnce(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, held)
	assert.ErrorIs(t, err, types.ErrLeaseExpired)

	_, lost := rec.find(EventLeaseLost)
	assert.True(t, lost)
	//still believed held, so teardown tries a release
	assert.Len(t, store.releases(), 1)
}

func TestGrantAtOrBelowLastKnownTokenAborts(t *testing.T) {
	store := &fakeStore{acquire: grantAll(5)}
	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec, WithInitialFenceToken(5))

	err := o.Run(context.Background(), func(context.Context) error {
		t.Error("work must not run under a stale token")
		return nil
	})
	assert.ErrorIs(t, err, types.ErrFenceRegression)
	assert.Len(t, store.releases(), 1, "the stale grant is still released")
}

func TestDeniedBelowLastKnownTokenAborts(t *testing.T) {
	store := &fakeStore{
		acquire: func(int, string, uint64) (types.AcquireResult, error) {
			return types.AcquireResult{FenceToken: 3, CurrentOwner: "other"}, nil
		},
	}
	o := newTestOrchestrator(t, store, &recorder{}, WithInitialFenceToken(5))

	err := o.Run(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, types.ErrFenceRegression)
}

func TestRunStopsOnErrStop(t *testing.T) {
	store := newMemoryStore()
	o := newTestOrchestrator(t, store, &recorder{})

	runs := 0
	err := o.Run(context.Background(), func(context.Context) error {
		runs++
		if runs == 3 {
			return fmt.Errorf("job finished: %w", ErrStop)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, runs)
	assert.Equal(t, uint64(3), o.LastFenceToken(), "every round is a new owner and a new token")
}

func TestRunContinuesAfterWorkError(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, newMemoryStore(), rec)

	runs := 0
	err := o.Run(context.Background(), func(context.Context) error {
		runs++
		if runs == 1 {
			return errors.New("boom")
		}
		return ErrStop
	})
	require.NoError(t, err)
	assert.Equal(t, 2, runs)

	failed, ok := rec.find(EventWorkFailed)
	require.True(t, ok)
	assert.EqualError(t, failed.Err, "boom")
}

func TestRunRetriesStoreErrors(t *testing.T) {
	store := &fakeStore{
		acquire: func(call int, owner string, _ uint64) (types.AcquireResult, error) {
			if call <= 2 {
				return types.AcquireResult{}, types.ErrStoreUnavailable
			}
			return types.AcquireResult{FenceToken: 1, CurrentOwner: owner}, nil
		},
	}
	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec)

	err := o.Run(context.Background(), func(context.Context) error { return ErrStop })
	require.NoError(t, err)

	denied, ok := rec.find(EventDenied)
	require.True(t, ok)
	assert.ErrorIs(t, denied.Err, types.ErrStoreUnavailable)
}

func TestRunReturnsOnCancel(t *testing.T) {
	store := newMemoryStore()
	rec := &recorder{}
	o := newTestOrchestrator(t, store, rec)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- o.Run(ctx, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("work never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	snap, err := store.Inspect(context.Background(), "L")
	require.NoError(t, err)
	assert.Nil(t, snap.Lease, "shutdown still releases the lease")
}

func TestMutualExclusionAcrossOrchestrators(t *testing.T) {
	store := newMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const (
		orchestrators = 4
		rounds        = 3
	)
	var (
		active = atomic.NewInt32(0)
		mu     sync.Mutex
		tokens []uint64
		wg     sync.WaitGroup
	)

	for i := 0; i < orchestrators; i++ {
		rec := &recorder{}
		o := newTestOrchestrator(t, store, rec)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runs := 0
			err := o.Run(ctx, func(context.Context) error {
				if n := active.Inc(); n > 1 {
					t.Errorf("%d holders ran the work at once", n)
				}
				defer active.Dec()

				mu.Lock()
				tokens = append(tokens, o.LastFenceToken())
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)
				runs++
				if runs == rounds {
					return ErrStop
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, tokens, orchestrators*rounds)
	for i := 1; i < len(tokens); i++ {
		assert.Greater(t, tokens[i], tokens[i-1], "tokens must strictly increase across holders")
	}
}
