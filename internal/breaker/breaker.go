// Package breaker implements the circuit breaker that gates delivery
// attempts on the recent outcome history of the backend.
//
// It is a fail-fast guard, not a rate limiter: it only counts consecutive
// failed sends, never request volume.
package breaker

import (
	"sync"
	"time"

	"github.com/diogo/chatrelay/internal/clock"
)

// Mode is the breaker state
type Mode string

const (
	Closed   Mode = "closed"
	Open     Mode = "open"
	HalfOpen Mode = "half_open"
)

// Default settings
const (
	DefaultThreshold      = 3
	DefaultCooldown       = 25 * time.Second
	DefaultHalfOpenTrials = 1
)

// Settings configures a Breaker
type Settings struct {
	// Threshold is the number of consecutive failures that opens the breaker
	Threshold int
	// Cooldown is how long the breaker stays open before allowing a probe
	Cooldown time.Duration
	// HalfOpenTrials is the number of probes granted after the cooldown
	HalfOpenTrials int
}

// DefaultSettings returns the default breaker settings
func DefaultSettings() Settings {
	return Settings{
		Threshold:      DefaultThreshold,
		Cooldown:       DefaultCooldown,
		HalfOpenTrials: DefaultHalfOpenTrials,
	}
}

// State is a point-in-time copy of the breaker counters
type State struct {
	Mode                    Mode
	ConsecutiveFailures     int
	OpenedAt                time.Time
	HalfOpenTrialsRemaining int
}

// Breaker is a consecutive-failure circuit breaker
type Breaker struct {
	settings Settings
	clock    clock.Clock

	mu       sync.Mutex
	mode     Mode
	failures int
	openedAt time.Time
	trials   int
}

// Option configures a Breaker
type Option func(*Breaker)

// WithClock sets the clock used for cooldown accounting
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) {
		b.clock = c
	}
}

// New creates a closed breaker. Non-positive settings fall back to defaults.
func New(settings Settings, opts ...Option) *Breaker {
	if settings.Threshold <= 0 {
		settings.Threshold = DefaultThreshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = DefaultCooldown
	}
	if settings.HalfOpenTrials <= 0 {
		settings.HalfOpenTrials = DefaultHalfOpenTrials
	}

	b := &Breaker{
		settings: settings,
		clock:    clock.System{},
		mode:     Closed,
		trials:   settings.HalfOpenTrials,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CanAttempt reports whether a send may go to the network. While half-open
// every granted attempt consumes one trial.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case Closed:
		return true
	case Open:
		if b.clock.Now().Sub(b.openedAt) < b.settings.Cooldown {
			return false
		}
		b.mode = HalfOpen
		b.trials = b.settings.HalfOpenTrials
	}

	if b.trials <= 0 {
		return false
	}
	b.trials--
	return true
}

// OnSuccess closes the breaker and clears the failure count
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mode = Closed
	b.failures = 0
	b.trials = b.settings.HalfOpenTrials
}

// OnFail records a failed send. A failed half-open probe reopens at once.
func (b *Breaker) OnFail() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.mode == HalfOpen || b.failures >= b.settings.Threshold {
		b.mode = Open
		b.openedAt = b.clock.Now()
	}
}

// Release returns a half-open trial consumed by an attempt that ended
// without an outcome, such as a user cancellation. Mode is unchanged.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mode == HalfOpen && b.trials < b.settings.HalfOpenTrials {
		b.trials++
	}
}

// RetryAfter estimates how long until the breaker grants a probe
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mode != Open {
		return 0
	}
	wait := b.settings.Cooldown - b.clock.Now().Sub(b.openedAt)
	if wait < 0 {
		return 0
	}
	return wait
}

// Snapshot returns the current breaker state
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return State{
		Mode:                    b.mode,
		ConsecutiveFailures:     b.failures,
		OpenedAt:                b.openedAt,
		HalfOpenTrialsRemaining: b.trials,
	}
}
