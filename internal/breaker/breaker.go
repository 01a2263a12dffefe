// Package breaker wraps gobreaker with named breakers for fallible
// operations. A breaker fails fast once its failure threshold is reached and
// admits a single trial call after its reset timeout.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned without running the operation while a breaker rejects
// calls.
var ErrOpen = errors.New("circuit breaker is open")

// defaultResetTimeout mirrors gobreaker's fallback for a zero Timeout.
const defaultResetTimeout = 60 * time.Second

// State is a breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Settings configures one breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Values below 1 are treated as 1.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before a trial. Zero
	// means 60 seconds.
	ResetTimeout time.Duration
	// IsFailure reports whether an operation error counts against the
	// breaker. Nil means every non-nil error counts. An error that does not
	// count is neutral: it neither counts nor resets the failure streak, and
	// a neutral trial leaves the breaker half-open for the next caller.
	IsFailure func(error) bool
	// Events receives transitions. Sends never block; a full channel drops
	// the event.
	Events chan<- Transition
}

// Transition describes a state change of a named breaker.
type Transition struct {
	Name string    `json:"name"`
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	ResetTimeout        time.Duration `json:"reset_timeout_ns"`
	DroppedEvents       int64         `json:"dropped_events"`
}

// Breaker guards one named operation. It is safe for concurrent use.
type Breaker struct {
	name     string
	timeout  time.Duration
	cb       *gobreaker.CircuitBreaker[struct{}]
	events   chan<- Transition
	dropped  atomic.Int64
	openedAt atomic.Pointer[time.Time]
}

// New returns a closed breaker.
func New(name string, s Settings) *Breaker {
	threshold := s.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	isFailure := s.IsFailure
	if isFailure == nil {
		isFailure = func(error) bool { return true }
	}
	b := &Breaker{name: name, timeout: s.ResetTimeout, events: s.Events}
	if b.timeout <= 0 {
		b.timeout = defaultResetTimeout
	}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     b.timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful:  func(err error) bool { return err == nil },
		IsExcluded:    func(err error) bool { return err != nil && !isFailure(err) },
		OnStateChange: b.onStateChange,
	})
	return b
}

// Name returns the operation name.
func (b *Breaker) Name() string { return b.name }

// Execute runs op unless the breaker rejects the call, and records the
// outcome. A rejected call returns ErrOpen and performs no I/O. A panic in op
// counts as a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	ran := false
	_, err := b.cb.Execute(func() (struct{}, error) {
		ran = true
		return struct{}{}, op(ctx)
	})
	if err != nil && !ran {
		return ErrOpen
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State { return fromGobreaker(b.cb.State()) }

// RetryIn returns how long until an open breaker admits a trial, or zero if
// it is not open.
func (b *Breaker) RetryIn() time.Duration {
	at := b.openedAt.Load()
	if at == nil || b.State() != StateOpen {
		return 0
	}
	d := time.Until(at.Add(b.timeout))
	if d < 0 {
		return 0
	}
	return d
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	s := Snapshot{
		Name:                b.name,
		State:               b.State(),
		ConsecutiveFailures: int(b.cb.Counts().ConsecutiveFailures),
		ResetTimeout:        b.timeout,
		DroppedEvents:       b.dropped.Load(),
	}
	if at := b.openedAt.Load(); at != nil {
		t := *at
		s.OpenedAt = &t
	}
	return s
}

// onStateChange runs under gobreaker's lock and must not call back into b.cb.
func (b *Breaker) onStateChange(_ string, from, to gobreaker.State) {
	now := time.Now()
	if to == gobreaker.StateOpen {
		b.openedAt.Store(&now)
	}
	if b.events == nil {
		return
	}
	select {
	case b.events <- Transition{Name: b.name, From: fromGobreaker(from), To: fromGobreaker(to), At: now}:
	default:
		b.dropped.Add(1)
	}
}
