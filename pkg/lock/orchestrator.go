package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/fencelock/pkg/types"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTTL           = 20 * time.Second
	DefaultRetryInterval = time.Second
	DefaultReleaseDelay  = time.Second
)

// ErrStop ends Run when returned (or wrapped) by the protected work.
var ErrStop = errors.New("lock: stop requested")

// Work is the protected job. ctx is cancelled as soon as the lease is lost and
// carries the handle holding it, see HandleFromContext.
type Work func(ctx context.Context) error

// Orchestrator keeps a singleton job running across a fleet: it acquires the
// named lock, runs the work while renewing the lease, releases, and starts over.
type Orchestrator struct {
	store         Store
	name          string
	ttl           time.Duration
	retryInterval time.Duration
	releaseDelay  time.Duration
	observer      Observer
	logger        hclog.Logger

	lastFence *atomic.Uint64
}

type Option func(*Orchestrator)

func WithTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.ttl = ttl }
}

// WithRetryInterval sets the backoff after a denied or failed acquisition.
func WithRetryInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.retryInterval = d }
}

// WithReleaseDelay sets the pause after a release before competing again.
func WithReleaseDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.releaseDelay = d }
}

func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) { o.observer = observer }
}

func WithLogger(logger hclog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithInitialFenceToken seeds the last known token, e.g. from a previous run.
func WithInitialFenceToken(token uint64) Option {
	return func(o *Orchestrator) { o.lastFence.Store(token) }
}

func NewOrchestrator(store Store, name string, opts ...Option) (*Orchestrator, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty lock name", types.ErrInvalidArgument)
	}

	o := &Orchestrator{
		store:         store,
		name:          name,
		ttl:           DefaultTTL,
		retryInterval: DefaultRetryInterval,
		releaseDelay:  DefaultReleaseDelay,
		lastFence:     atomic.NewUint64(0),
	}
	for _, opt := range opts {
		opt(o)
	}

	//renewal ticks every ttl/2, which must be a positive interval
	if o.ttl/2 <= 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidLeaseTTL, o.ttl)
	}
	if o.logger == nil {
		o.logger = hclog.NewNullLogger()
	}
	o.logger = o.logger.With("lock", name)
	if o.observer == nil {
		o.observer = NewLogObserver(o.logger)
	}
	return o, nil
}

// LastFenceToken is the highest token this orchestrator has been granted.
func (o *Orchestrator) LastFenceToken() uint64 {
	return o.lastFence.Load()
}

// Run competes for the lock forever. It returns ctx.Err() on cancellation, an
// error wrapping types.ErrFenceRegression when the store hands out a stale
// token, or nil when the work asks to stop with ErrStop. Denials, store errors,
// lost leases and other work errors are reported and retried.
func (o *Orchestrator) Run(ctx context.Context, work Work) error {
	for {
		held, err := o.RunOnce(ctx, work)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case errors.Is(err, types.ErrFenceRegression):
			return err
		case errors.Is(err, ErrStop):
			return nil
		}

		delay := o.retryInterval
		if held {
			delay = o.releaseDelay
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// RunOnce makes a single acquisition attempt and, if granted, runs work under
// the lease until it returns. held reports whether the lock was granted. The
// returned error is the acquisition error, the renewal failure that ended the
// held phase, or the work error, in that order of precedence.
func (o *Orchestrator) RunOnce(ctx context.Context, work Work) (held bool, err error) {
	handle := NewHandle(o.store, o.name, o.observer)
	defer handle.Close(ctx)

	last := o.lastFence.Load()
	o.emit(handle, EventAttempt, last, "", nil)

	result, err := handle.Acquire(ctx, o.ttl, last)
	if err != nil {
		//a store error counts as a denial, the caller backs off and retries
		o.emit(handle, EventDenied, last, "", err)
		return false, err
	}

	if !result.GrantedTo(handle.OwnerID()) {
		if result.FenceToken < last {
			err := fmt.Errorf("%w: %q holds token %d, below last known %d",
				types.ErrFenceRegression, result.CurrentOwner, result.FenceToken, last)
			o.emit(handle, EventRegression, result.FenceToken, result.CurrentOwner, err)
			return false, err
		}
		o.emit(handle, EventDenied, result.FenceToken, result.CurrentOwner, nil)
		return false, nil
	}

	//a grant must move the token past anything seen before
	if result.FenceToken <= last {
		err := fmt.Errorf("%w: granted token %d, last known %d", types.ErrFenceRegression, result.FenceToken, last)
		o.emit(handle, EventRegression, result.FenceToken, result.CurrentOwner, err)
		return true, err
	}

	o.lastFence.Store(result.FenceToken)
	o.emit(handle, EventGranted, result.FenceToken, result.CurrentOwner, nil)

	heldErr := o.hold(ctx, handle, work)

	//renewal has exited, nothing can extend the lease after this point
	o.emit(handle, EventReleasing, result.FenceToken, "", nil)
	handle.Close(ctx)

	return true, heldErr
}

// runs work and the renewal side by side, returns once both have exited
func (o *Orchestrator) hold(ctx context.Context, handle *Handle, work Work) error {
	g, gctx := errgroup.WithContext(ctx)
	renewCtx, stopRenewal := context.WithCancel(gctx)
	defer stopRenewal()

	r := &renewal{handle: handle, ttl: o.ttl, observer: o.observer}
	g.Go(func() error {
		return r.run(renewCtx)
	})

	g.Go(func() error {
		defer stopRenewal()
		err := work(withHandle(gctx, handle))
		if err != nil && !errors.Is(err, ErrStop) && gctx.Err() == nil {
			o.emit(handle, EventWorkFailed, handle.FenceToken(), "", err)
		}
		return err
	})

	return g.Wait()
}

func (o *Orchestrator) emit(h *Handle, kind EventKind, token uint64, currentOwner string, err error) {
	o.observer.Observe(Event{
		Kind:         kind,
		Lock:         o.name,
		Owner:        h.OwnerID(),
		FenceToken:   token,
		CurrentOwner: currentOwner,
		Err:          err,
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
