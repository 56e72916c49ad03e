package homebase

import (
	"math/rand"
	"time"
)

// BackoffConfig parameterizes the two-phase reconnect schedule. For
// the first FastWindow after the initial disconnect every retry uses
// the flat fast delay; after that the delay doubles per failed attempt
// up to SlowMax. Jitter is always applied.
type BackoffConfig struct {
	FastWindow time.Duration
	FastBase   time.Duration
	FastJitter time.Duration
	SlowBase   time.Duration
	SlowMax    time.Duration
	SlowJitter time.Duration
}

// Backoff tracks reconnect scheduling state for one link. Not safe for
// concurrent use; the link run loop is the only caller.
type Backoff struct {
	cfg BackoffConfig
	rng *rand.Rand

	// firstFailure is the wall-clock start of the current outage, zero
	// while the link is healthy.
	firstFailure time.Time
	// slowAttempts counts failed attempts since entering the slow
	// phase; the exponent in the slow formula.
	slowAttempts int
}

// NewBackoff creates a backoff scheduler with its own jitter source.
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next reconnect attempt, advancing
// the phase state. now is passed in so tests can drive the clock.
func (b *Backoff) Next(now time.Time) time.Duration {
	if b.firstFailure.IsZero() {
		b.firstFailure = now
	}

	if now.Sub(b.firstFailure) < b.cfg.FastWindow {
		return b.cfg.FastBase + b.jitter(b.cfg.FastJitter)
	}

	d := b.cfg.SlowBase << uint(b.slowAttempts)
	if d > b.cfg.SlowMax || d <= 0 {
		d = b.cfg.SlowMax
	}
	b.slowAttempts++
	return d + b.jitter(b.cfg.SlowJitter)
}

// Reset clears the outage marker and attempt counter. Called when a
// connection opens.
func (b *Backoff) Reset() {
	b.firstFailure = time.Time{}
	b.slowAttempts = 0
}

func (b *Backoff) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(b.rng.Int63n(int64(max) + 1))
}
