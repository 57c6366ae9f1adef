package utils

import "time"

const defaultBackoffFactor = 2

// BackoffManager stretches the poll interval while a table is idle and
// snaps it back once changes arrive.
type BackoffManager struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	currentInterval time.Duration
	factor          float64
}

type BackoffOption func(*BackoffManager)

// WithFactor sets the growth factor applied on every idle poll.
func WithFactor(factor float64) BackoffOption {
	return func(b *BackoffManager) {
		if factor > 1 {
			b.factor = factor
		}
	}
}

// NewBackoffManager returns a backoff starting at initialInterval. A max
// below the initial interval disables growth.
func NewBackoffManager(initialInterval, maxInterval time.Duration, opts ...BackoffOption) *BackoffManager {
	if maxInterval < initialInterval {
		maxInterval = initialInterval
	}
	b := &BackoffManager{
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		currentInterval: initialInterval,
		factor:          defaultBackoffFactor,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BackoffManager) GetInterval() time.Duration {
	return b.currentInterval
}

// IncreaseInterval grows the interval by the factor, capped at the max.
func (b *BackoffManager) IncreaseInterval() {
	next := time.Duration(float64(b.currentInterval) * b.factor)
	b.currentInterval = min(next, b.maxInterval)
}

func (b *BackoffManager) ResetInterval() {
	b.currentInterval = b.initialInterval
}
