// Package command serializes all mutations of a contract aggregate. The
// per-id critical section is the only ordering authority for a contract's
// event log.
package command

import (
	"context"
	"sync"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/model"
	"CfdDaemon/internal/observability"
	"CfdDaemon/internal/store"

	"github.com/rs/zerolog"
)

// Notifier receives best-effort change notifications after a successful
// mutation. Failures are logged, never rolled back.
type Notifier interface {
	ContractChanged(id model.OrderID)
}

// Executor loads a contract aggregate, runs a command closure against it,
// atomically persists the emitted events, and notifies the projection.
// Calls for the same id are serialized; calls for different ids run in
// parallel.
type Executor struct {
	store    store.EventStore
	notifier Notifier
	metrics  *observability.Metrics
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[model.OrderID]*contractLock
}

// contractLock is reference counted so the lock table can shed entries for
// contracts nobody is currently mutating.
type contractLock struct {
	mu   sync.Mutex
	refs int
}

func NewExecutor(s store.EventStore, notifier Notifier, metrics *observability.Metrics, log zerolog.Logger) *Executor {
	return &Executor{
		store:    s,
		notifier: notifier,
		metrics:  metrics,
		log:      log,
		locks:    make(map[model.OrderID]*contractLock),
	}
}

func (e *Executor) acquire(id model.OrderID) *contractLock {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &contractLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return l
}

func (e *Executor) release(id model.OrderID, l *contractLock) {
	l.mu.Unlock()

	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, id)
	}
	e.mu.Unlock()
}

// Execute runs a command closure that emits zero or more events.
func (e *Executor) Execute(ctx context.Context, id model.OrderID, fn func(cfd.Cfd) ([]cfd.Event, error)) error {
	_, err := Execute(ctx, e, id, func(c cfd.Cfd) (struct{}, []cfd.Event, error) {
		events, err := fn(c)
		return struct{}{}, events, err
	})
	return err
}

// Execute runs a command closure that additionally returns a value to the
// caller. The closure must not mutate external state: it either succeeds
// with events or fails with no side effects.
func Execute[T any](
	ctx context.Context,
	e *Executor,
	id model.OrderID,
	fn func(cfd.Cfd) (T, []cfd.Event, error),
) (T, error) {
	var zero T

	lock := e.acquire(id)
	defer e.release(id, lock)

	start := time.Now()

	order, events, err := e.store.Load(ctx, id)
	if err != nil {
		return zero, err
	}

	aggregate, err := cfd.Replay(order, events)
	if err != nil {
		return zero, err
	}

	result, emitted, err := fn(aggregate)
	if err != nil {
		if e.metrics != nil {
			e.metrics.CommandsFailed.Inc()
		}
		return zero, err
	}

	if len(emitted) > 0 {
		if err := e.store.Append(ctx, id, emitted, aggregate.Version()); err != nil {
			return zero, err
		}

		for _, ev := range emitted {
			e.log.Debug().
				Stringer("order_id", id).
				Str("kind", string(ev.Kind)).
				Msg("event appended")
			if e.metrics != nil {
				e.metrics.EventsAppended.WithLabelValues(string(ev.Kind)).Inc()
			}
		}

		if e.notifier != nil {
			e.notifier.ContractChanged(id)
		}
	}

	if e.metrics != nil {
		e.metrics.CommandDuration.Observe(time.Since(start).Seconds())
	}

	return result, nil
}
