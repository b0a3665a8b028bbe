package lock

import (
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/fencelock/pkg/metrics"
)

// EventKind names a lock lifecycle transition.
type EventKind string

const (
	EventAttempt     EventKind = "attempt"
	EventGranted     EventKind = "granted"
	EventDenied      EventKind = "denied"
	EventRenewed     EventKind = "renewed"
	EventRenewFailed EventKind = "renew_failed"
	EventLeaseLost   EventKind = "lease_lost"
	EventReleasing   EventKind = "releasing"
	EventReleased    EventKind = "released"
	EventWorkFailed  EventKind = "work_failed"
	EventRegression  EventKind = "regression"
)

// Event is a status transition of one lock handle.
type Event struct {
	Kind         EventKind
	Lock         string
	Owner        string
	FenceToken   uint64
	CurrentOwner string
	Err          error
}

// Observer receives lifecycle events. Implementations must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type multiObserver []Observer

func (m multiObserver) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// Observers fans events out to every non-nil observer.
func Observers(observers ...Observer) Observer {
	var m multiObserver
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

// LogObserver writes events as structured log lines.
type LogObserver struct {
	logger hclog.Logger
}

func NewLogObserver(logger hclog.Logger) *LogObserver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &LogObserver{logger: logger}
}

func (l *LogObserver) Observe(e Event) {
	args := []any{"lock", e.Lock, "owner", e.Owner, "fence_token", e.FenceToken}
	if e.CurrentOwner != "" {
		args = append(args, "current_owner", e.CurrentOwner)
	}
	if e.Err != nil {
		args = append(args, "error", e.Err)
	}

	msg := string(e.Kind)
	switch e.Kind {
	case EventRegression, EventLeaseLost:
		l.logger.Error(msg, args...)
	case EventRenewFailed, EventWorkFailed:
		l.logger.Warn(msg, args...)
	case EventDenied:
		if e.Err != nil {
			l.logger.Warn(msg, args...)
			return
		}
		l.logger.Debug(msg, args...)
	case EventRenewed, EventAttempt:
		l.logger.Debug(msg, args...)
	default:
		l.logger.Info(msg, args...)
	}
}

// MetricsObserver feeds lifecycle events into the prometheus collectors.
type MetricsObserver struct{}

func (MetricsObserver) Observe(e Event) {
	switch e.Kind {
	case EventGranted:
		metrics.AcquireTotal.WithLabelValues(e.Lock, "granted").Inc()
		metrics.FenceToken.WithLabelValues(e.Lock).Set(float64(e.FenceToken))
		metrics.LockHeld.WithLabelValues(e.Lock).Set(1)
	case EventDenied:
		status := "denied"
		if e.Err != nil {
			status = "error"
		}
		metrics.AcquireTotal.WithLabelValues(e.Lock, status).Inc()
		if e.FenceToken > 0 {
			metrics.FenceToken.WithLabelValues(e.Lock).Set(float64(e.FenceToken))
		}
	case EventRenewed:
		metrics.RenewTotal.WithLabelValues(e.Lock, "success").Inc()
	case EventRenewFailed:
		metrics.RenewTotal.WithLabelValues(e.Lock, "failure").Inc()
	case EventLeaseLost:
		metrics.LeaseLostTotal.WithLabelValues(e.Lock).Inc()
		metrics.LockHeld.WithLabelValues(e.Lock).Set(0)
	case EventRegression:
		metrics.FenceRegressionTotal.WithLabelValues(e.Lock).Inc()
	case EventReleased:
		metrics.LockHeld.WithLabelValues(e.Lock).Set(0)
	}
}
