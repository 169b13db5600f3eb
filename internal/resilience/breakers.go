// Package resilience wraps the two named circuit breakers ("agent" and
// "forge") that guard external calls from the core. Each breaker trips
// after a configured number of consecutive failures and structured-logs
// every state transition.
package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/dockhand-dev/conveyor/internal/pipelineerr"
)

// Settings configures one named breaker.
type Settings struct {
	FailureThreshold uint
	ResetTimeout     time.Duration
}

// Breakers holds the two named breakers the core wraps external calls
// with: "agent" guards code-generation subprocess starts, "forge" guards
// push and PR-creation calls.
type Breakers struct {
	Agent *gobreaker.CircuitBreaker[any]
	Forge *gobreaker.CircuitBreaker[any]
}

// StateObserver is notified of every breaker state transition, in
// addition to the structured log line New always emits. Callers use it
// to mirror state into a metrics gauge; it may be nil.
type StateObserver func(name string, open bool)

// New builds the agent/forge breaker pair from configuration, logging
// every state transition through log and, if non-nil, notifying observe.
func New(agent, forge Settings, log *slog.Logger, observe StateObserver) *Breakers {
	if log == nil {
		log = slog.Default()
	}
	mk := func(name string, s Settings) *gobreaker.CircuitBreaker[any] {
		st := gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     s.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
				if observe != nil {
					observe(name, to == gobreaker.StateOpen)
				}
			},
		}
		return gobreaker.NewCircuitBreaker[any](st)
	}
	return &Breakers{
		Agent: mk("agent", agent),
		Forge: mk("forge", forge),
	}
}

// Call executes fn through the named breaker. A call made while the
// breaker is open fails immediately with pipelineerr.CircuitOpen without
// invoking fn.
func Call[T any](ctx context.Context, cb *gobreaker.CircuitBreaker[any], op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, pipelineerr.Wrap(op, pipelineerr.CircuitOpen, err)
		}
		return zero, err
	}
	out, _ := res.(T)
	return out, nil
}
