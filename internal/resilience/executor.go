// Package resilience wraps persistence calls in a per-class circuit breaker,
// a bounded retry with exponential backoff and jitter, and a per-attempt
// timeout. Every store call in the process goes through one Executor.
package resilience

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"voicepoints/internal/metrics"
)

// Class groups operations that share a breaker and a policy.
type Class string

const (
	ClassQuery       Class = "query"
	ClassTransaction Class = "transaction"
	ClassConnection  Class = "connection"
)

// Classes lists every operation class.
var Classes = []Class{ClassQuery, ClassTransaction, ClassConnection}

// Policy configures one operation class.
type Policy struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// Jitter is the randomization factor applied to each backoff interval.
	Jitter  float64
	Timeout time.Duration
}

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// PoolStater reports connection pool statistics.
type PoolStater interface {
	Stats() sql.DBStats
}

// Executor runs operations under the policy of their class.
type Executor struct {
	policies map[Class]Policy
	breakers map[Class]*gobreaker.CircuitBreaker[any]
	pool     PoolStater
	log      zerolog.Logger
	metrics  metrics.Recorder
}

// Option configures an Executor.
type Option func(*Executor)

// WithPool enables pool exhaustion accounting.
func WithPool(p PoolStater) Option {
	return func(e *Executor) {
		e.pool = p
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) {
		e.log = l.With().Str("component", "resilience").Logger()
	}
}

// NewExecutor creates an executor with one breaker per class. Classes missing
// from policies fall back to the query policy.
func NewExecutor(policies map[Class]Policy, opts ...Option) (*Executor, error) {
	base, ok := policies[ClassQuery]
	if !ok {
		return nil, fmt.Errorf("missing policy for %q operations", ClassQuery)
	}
	e := &Executor{
		policies: make(map[Class]Policy, len(Classes)),
		breakers: make(map[Class]*gobreaker.CircuitBreaker[any], len(Classes)),
		log:      zerolog.Nop(),
		metrics:  metrics.Noop{},
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, class := range Classes {
		p, ok := policies[class]
		if !ok {
			p = base
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s policy: %w", class, err)
		}
		e.policies[class] = p
		e.breakers[class] = e.newBreaker(class, p)
		e.metrics.SetBreakerState(string(class), string(StateClosed))
	}
	return e, nil
}

func (p Policy) validate() error {
	switch {
	case p.FailureThreshold == 0:
		return errors.New("failure threshold must be positive")
	case p.RecoveryTimeout <= 0:
		return errors.New("recovery timeout must be positive")
	case p.MaxAttempts < 1:
		return errors.New("max attempts must be at least 1")
	case p.Timeout <= 0:
		return errors.New("timeout must be positive")
	}
	return nil
}

func (e *Executor) newBreaker(class Class, p Policy) *gobreaker.CircuitBreaker[any] {
	threshold := p.FailureThreshold
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name: string(class),
		// One trial call while half-open.
		MaxRequests: 1,
		Timeout:     p.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(Classify(err, class))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.metrics.SetBreakerState(name, string(stateOf(to)))
			e.log.Warn().
				Str("class", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// State returns the breaker state for class.
func (e *Executor) State(class Class) State {
	cb, ok := e.breakers[class]
	if !ok {
		return StateClosed
	}
	return stateOf(cb.State())
}

// Do runs fn under the policy of class. Each attempt gets its own deadline;
// only transient failures are retried, and a timeout is retried once.
// Cancelling ctx stops any further attempt.
func (e *Executor) Do(ctx context.Context, class Class, op string, fn func(context.Context) error) error {
	p, ok := e.policies[class]
	if !ok {
		return fmt.Errorf("unknown operation class %q", class)
	}
	cb := e.breakers[class]

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	bkoff := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	var (
		attempts int
		timeouts int
	)
	attempt := func() error {
		attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		e.checkPool()

		_, err := cb.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
			defer cancel()
			err := fn(callCtx)
			if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", ErrTimeout, err)
			}
			return nil, err
		})
		if err == nil {
			return nil
		}

		kind := Classify(err, class)
		if ctx.Err() != nil {
			kind = KindCanceled
		}
		if kind != KindConflict && kind != KindNotFound {
			e.metrics.IncFailures(string(class), string(kind))
		}
		switch kind {
		case KindTransient:
			return err
		case KindTimeout:
			timeouts++
			e.metrics.IncTimeouts(string(class))
			if timeouts > 1 {
				return backoff.Permanent(err)
			}
			return err
		case KindUnavailable:
			return backoff.Permanent(fmt.Errorf("%w: %s circuit open: %w", ErrServiceUnavailable, class, err))
		default:
			return backoff.Permanent(err)
		}
	}

	err := backoff.RetryNotify(attempt, bkoff, func(err error, wait time.Duration) {
		e.metrics.IncRetries(string(class))
		e.log.Debug().
			Err(err).
			Str("class", string(class)).
			Str("op", op).
			Int("attempt", attempts).
			Dur("wait", wait).
			Msg("retrying persistence call")
	})
	if err != nil {
		return fmt.Errorf("%s %s failed after %d attempt(s): %w", class, op, attempts, err)
	}
	return nil
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, e *Executor, class Class, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, class, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (e *Executor) checkPool() {
	if e.pool == nil {
		return
	}
	s := e.pool.Stats()
	if s.MaxOpenConnections > 0 && s.InUse >= s.MaxOpenConnections {
		e.metrics.IncPoolExhausted()
		e.log.Warn().
			Int("in_use", s.InUse).
			Int64("wait_count", s.WaitCount).
			Msg("connection pool exhausted")
	}
}
