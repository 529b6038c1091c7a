// Package supervisor restarts crash-prone long-running actors. References
// held by other components stay valid across restarts because the
// constructor closure reattaches the fresh actor to the same channels and
// collaborators.
package supervisor

import (
	"context"
	"time"

	"CfdDaemon/internal/observability"

	"github.com/rs/zerolog"
)

// Policy decides when a terminated actor is reconstructed.
type Policy int

const (
	// AlwaysRestart reconstructs after any return. Used for
	// infrastructure actors such as connection listeners, which only
	// ever return because something broke.
	AlwaysRestart Policy = iota

	// RestartOnError treats a nil return as a deliberate shutdown and
	// only reconstructs after an error.
	RestartOnError
)

// Actor is a unit of work that runs until its context is cancelled or it
// fails.
type Actor interface {
	Run(ctx context.Context) error
}

// ActorFunc adapts a plain function to the Actor interface.
type ActorFunc func(ctx context.Context) error

func (f ActorFunc) Run(ctx context.Context) error { return f(ctx) }

// Supervisor runs one actor in a reconstruct-and-restart loop with a fixed
// delay between attempts.
type Supervisor struct {
	name      string
	construct func() Actor
	policy    Policy
	delay     time.Duration
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func New(
	name string,
	construct func() Actor,
	policy Policy,
	delay time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Supervisor {
	return &Supervisor{
		name:      name,
		construct: construct,
		policy:    policy,
		delay:     delay,
		log:       log.With().Str("actor", name).Logger(),
		metrics:   metrics,
	}
}

// Run supervises until the context is cancelled, or until the actor exits
// cleanly under RestartOnError.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		actor := s.construct()
		err := actor.Run(ctx)

		if ctx.Err() != nil {
			return
		}
		if err == nil && s.policy == RestartOnError {
			s.log.Info().Msg("actor finished, not restarting")
			return
		}

		if err != nil {
			s.log.Warn().Err(err).Dur("restart_in", s.delay).Msg("actor died, restarting")
		} else {
			s.log.Info().Dur("restart_in", s.delay).Msg("actor returned, restarting")
		}
		if s.metrics != nil {
			s.metrics.ActorRestarts.WithLabelValues(s.name).Inc()
		}

		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return
		}
	}
}
