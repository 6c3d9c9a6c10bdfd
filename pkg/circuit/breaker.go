// Package circuit implements a small circuit breaker guarding repeated
// filesystem operations against a failing disk or spill store: dedup spill
// lookups are a "keep retrying the same local I/O" loop that should stop
// hammering a disk once it is clearly failing.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the breaker's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config configures a Breaker.
type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// Breaker implements the closed/open/half-open circuit breaker pattern
// around a func() error.
type Breaker struct {
	config Config
	logger *logrus.Logger

	state         State
	failures      int64
	successes     int64
	requests      int64
	nextRetryTime time.Time

	halfOpenCalls     int
	halfOpenSuccesses int
	halfOpenStartTime time.Time

	mu sync.Mutex
}

// New creates a Breaker in the closed state.
func New(config Config, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	return &Breaker{config: config, logger: logger, state: StateClosed}
}

// Execute runs fn if the breaker permits it, updating state from the
// outcome. Returns the breaker's own "open" error without calling fn if the
// circuit is currently open.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	b.requests++

	if b.state == StateOpen {
		if time.Now().Before(b.nextRetryTime) {
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is open", b.config.Name)
		}
		b.setStateLocked(StateHalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
		b.halfOpenStartTime = time.Now()
	}

	if b.state == StateHalfOpen {
		if time.Since(b.halfOpenStartTime) > b.config.Timeout*2 {
			b.tripLocked()
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s half-open timeout", b.config.Name)
		}
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is half-open and at its call limit", b.config.Name)
		}
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *Breaker) onFailureLocked() {
	b.failures++
	if b.state == StateHalfOpen {
		b.tripLocked()
		return
	}
	if b.state == StateClosed && b.failures >= int64(b.config.FailureThreshold) {
		b.tripLocked()
	}
}

func (b *Breaker) onSuccessLocked() {
	b.successes++
	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.setStateLocked(StateClosed)
			b.failures = 0
		}
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	}
}

func (b *Breaker) tripLocked() {
	if b.state == StateOpen {
		return
	}
	b.setStateLocked(StateOpen)
	b.nextRetryTime = time.Now().Add(b.config.Timeout)
}

func (b *Breaker) setStateLocked(newState State) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"component": "circuit_breaker",
			"breaker":   b.config.Name,
			"old_state": old.String(),
			"new_state": newState.String(),
			"failures":  b.failures,
		}).Info("circuit breaker state changed")
	}
}

// State reports the breaker's current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether the breaker is currently refusing calls.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen
}

// Reset forces the breaker back to closed, clearing its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateClosed)
	b.failures = 0
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
	b.nextRetryTime = time.Time{}
}
