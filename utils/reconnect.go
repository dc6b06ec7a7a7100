package utils

import "time"

const (
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 30 * time.Second
)

type ReconnectStrategy interface {
	NextDelay() time.Duration
	Reset()
}

// ExponentialBackoff doubles the delay on every attempt up to maxDelay. Not
// safe for concurrent use.
type ExponentialBackoff struct {
	initialDelay time.Duration
	currentDelay time.Duration
	maxDelay     time.Duration
	attempts     int
}

var _ ReconnectStrategy = (*ExponentialBackoff)(nil)

func NewExponentialBackoff() *ExponentialBackoff {
	return NewExponentialBackoffWith(defaultInitialDelay, defaultMaxDelay)
}

// NewExponentialBackoffWith uses the given bounds; non-positive values fall
// back to 1s and 30s.
func NewExponentialBackoffWith(initial, maxDelay time.Duration) *ExponentialBackoff {
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return &ExponentialBackoff{
		initialDelay: initial,
		currentDelay: initial,
		maxDelay:     maxDelay,
	}
}

func (e *ExponentialBackoff) NextDelay() time.Duration {
	delay := e.currentDelay
	e.attempts++
	e.currentDelay *= 2
	if e.currentDelay > e.maxDelay {
		e.currentDelay = e.maxDelay
	}
	return delay
}

// Reset returns to the initial delay after a successful connection.
func (e *ExponentialBackoff) Reset() {
	e.currentDelay = e.initialDelay
	e.attempts = 0
}

// Attempts is the number of delays handed out since the last Reset.
func (e *ExponentialBackoff) Attempts() int { return e.attempts }
