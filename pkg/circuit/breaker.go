package circuit

import (
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
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
		return "unknown"
	}
}

// ErrOpen is returned while the breaker is rejecting calls
var ErrOpen = errors.New("circuit breaker is open")

// Breaker trips after MaxFailures consecutive failures and probes again
// after Cooldown. Guards the remote ledger RPC and attestation calls.
type Breaker struct {
	mu sync.Mutex

	name        string
	maxFailures int
	cooldown    time.Duration

	state       State
	failures    int
	lastFailure time.Time
}

// Config holds circuit breaker configuration
type Config struct {
	Name        string
	MaxFailures int
	Cooldown    time.Duration
}

// NewBreaker creates a breaker in the closed state
func NewBreaker(cfg Config) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       StateClosed,
	}
}

// Execute runs fn under breaker protection
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) >= b.cooldown {
			b.state = StateHalfOpen
			return nil
		}
		return ErrOpen
	default: // half-open: allow the probe through
		return nil
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.failures = 0
	default:
		b.failures++
		if b.failures >= b.maxFailures {
			b.state = StateOpen
			b.failures = 0
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
}

// State returns the current breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the breaker's name
func (b *Breaker) Name() string {
	return b.name
}
