// Package breaker isolates failing external dependencies. Every call to a
// government data provider goes through a Breaker owned by the process-wide
// Registry, so all investigations share one view of each upstream's health.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stake-plus/govwatch/src/telemetry"
)

// State represents the circuit breaker state.
type State int

const (
	// Closed is normal operation - calls pass through.
	Closed State = iota
	// Open means too many consecutive failures - calls are rejected.
	Open
	// HalfOpen admits a single trial call to probe recovery.
	HalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is matched by every *CircuitOpenError.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// CircuitOpenError is returned when a call is rejected without being attempted.
type CircuitOpenError struct {
	Dependency string
	State      State
	RetryAt    time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.State == HalfOpen {
		return fmt.Sprintf("breaker %s: half-open trial in flight", e.Dependency)
	}
	return fmt.Sprintf("breaker %s: open until %s", e.Dependency, e.RetryAt.UTC().Format(time.RFC3339))
}

// Is lets errors.Is match ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit (default: 5).
	FailureThreshold int

	// Cooldown is how long the circuit stays open before a trial call is
	// admitted (default: 30s).
	Cooldown time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	return c
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	StateChanges        int       `json:"state_changes"`
	LastSuccessTime     time.Time `json:"last_success_time"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	CooldownDeadline    time.Time `json:"cooldown_deadline"`
}

// Breaker protects one external dependency.
//
// Transitions only follow Closed -> Open -> HalfOpen -> {Closed | Open}. All
// mutation happens inside Call; readers take the read lock.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	name    string
	config  Config
	now     func() time.Time
	metrics *telemetry.Metrics

	mu                  sync.RWMutex
	state               State
	consecutiveFailures int
	stateChanges        int
	lastSuccess         time.Time
	lastFailure         time.Time
	cooldownDeadline    time.Time
	trialInFlight       bool
}

// New creates a closed breaker for the named dependency.
func New(name string, config Config) *Breaker {
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  Closed,
	}
}

// Name returns the protected dependency's name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open breaker whose cooldown has elapsed
// still reports Open until the next call performs the transition.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Ready reports whether a call made now would be attempted.
func (b *Breaker) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		return !b.now().Before(b.cooldownDeadline)
	default:
		return !b.trialInFlight
	}
}

// Snapshot returns a copy of the breaker's bookkeeping.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		StateChanges:        b.stateChanges,
		LastSuccessTime:     b.lastSuccess,
		LastFailureTime:     b.lastFailure,
		CooldownDeadline:    b.cooldownDeadline,
	}
}

// Call runs op under breaker protection.
//
// Any non-nil error returned by op counts as a failure, whatever its type,
// and so does a panic, which is re-raised after the failure is recorded.
// The exception is cancellation of the caller's own ctx, which says nothing
// about the dependency and is recorded as neither success nor failure.
//
// Outputs:
//   - error: *CircuitOpenError if rejected, otherwise op's error.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) (err error) {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed {
			b.record(ctx, trial, errPanicked)
		}
	}()
	err = op(ctx)
	completed = true
	b.record(ctx, trial, err)
	return err
}

// errPanicked stands in for the result of an op that panicked.
var errPanicked = errors.New("breaker: operation panicked")

func (b *Breaker) record(ctx context.Context, trial bool, opErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trialInFlight = false
	}

	switch {
	case opErr == nil:
		b.onSuccess()
	case ctx.Err() != nil && errors.Is(opErr, ctx.Err()):
	default:
		b.onFailure()
	}
}

// admit decides whether a call may proceed and whether it is the half-open trial.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil
	case Open:
		if b.now().Before(b.cooldownDeadline) {
			return false, &CircuitOpenError{Dependency: b.name, State: Open, RetryAt: b.cooldownDeadline}
		}
		b.transitionTo(HalfOpen)
		b.trialInFlight = true
		return true, nil
	default:
		if b.trialInFlight {
			return false, &CircuitOpenError{Dependency: b.name, State: HalfOpen, RetryAt: b.cooldownDeadline}
		}
		b.trialInFlight = true
		return true, nil
	}
}

// onSuccess must be called with the lock held.
func (b *Breaker) onSuccess() {
	b.consecutiveFailures = 0
	b.lastSuccess = b.now()
	if b.state == HalfOpen {
		b.transitionTo(Closed)
	}
}

// onFailure must be called with the lock held.
func (b *Breaker) onFailure() {
	b.consecutiveFailures++
	b.lastFailure = b.now()
	switch b.state {
	case Closed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// trip opens the circuit with a fresh cooldown. Lock must be held.
func (b *Breaker) trip() {
	b.transitionTo(Open)
	b.cooldownDeadline = b.now().Add(b.config.Cooldown)
}

// transitionTo changes state. Lock must be held.
func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	b.state = next
	b.stateChanges++
	if next == Closed {
		b.consecutiveFailures = 0
		b.cooldownDeadline = time.Time{}
	}
	b.metrics.ObserveBreaker(b.name, int(next), next.String())
}
