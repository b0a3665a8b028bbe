package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/pixperk/fencelock/pkg/types"
)

// renewal keeps a held lease alive by re-acquiring it every ttl/2.
// it returns nil once its context is cancelled, or an error when the lease is
// gone: ErrLeaseLost (someone else holds it, or it lapsed and came back at a
// higher token), ErrLeaseExpired (no renewal landed within a full ttl) or
// ErrFenceRegression (our token went backwards).
type renewal struct {
	handle   *Handle
	ttl      time.Duration
	observer Observer
}

func (r *renewal) interval() time.Duration {
	return r.ttl / 2
}

func (r *renewal) run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		held := r.handle.FenceToken()
		result, err := r.handle.Acquire(ctx, r.ttl, held)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.emit(EventRenewFailed, held, "", err)

			//one missed cycle is fine, a whole ttl without a renewal is not
			if time.Since(lastRenewed) >= r.ttl {
				err = fmt.Errorf("%w: last renewal %s ago: %v", types.ErrLeaseExpired, time.Since(lastRenewed).Round(time.Millisecond), err)
				r.emit(EventLeaseLost, held, "", err)
				return err
			}
			continue
		}

		if !result.GrantedTo(r.handle.OwnerID()) {
			err := fmt.Errorf("%w: %q now held by %q", types.ErrLeaseLost, r.handle.Name(), result.CurrentOwner)
			r.emit(EventLeaseLost, result.FenceToken, result.CurrentOwner, err)
			return err
		}

		switch {
		case result.FenceToken < held:
			err := fmt.Errorf("%w: renewal of %q returned token %d, holding %d", types.ErrFenceRegression, r.handle.Name(), result.FenceToken, held)
			r.emit(EventRegression, result.FenceToken, result.CurrentOwner, err)
			return err
		case result.FenceToken > held:
			//our lease lapsed and the lock changed hands since, the store granted us a new one
			err := fmt.Errorf("%w: %q lapsed and was regranted at token %d, holding %d", types.ErrLeaseLost, r.handle.Name(), result.FenceToken, held)
			r.emit(EventLeaseLost, result.FenceToken, result.CurrentOwner, err)
			return err
		}

		lastRenewed = time.Now()
		r.emit(EventRenewed, held, "", nil)
	}
}

func (r *renewal) emit(kind EventKind, token uint64, currentOwner string, err error) {
	r.observer.Observe(Event{
		Kind:         kind,
		Lock:         r.handle.Name(),
		Owner:        r.handle.OwnerID(),
		FenceToken:   token,
		CurrentOwner: currentOwner,
		Err:          err,
	})
}
