package oracle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/simtrade/ledger-service/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // live feed in use
	StateOpen                  // live feed skipped, fallback serves
	StateHalfOpen              // probing the live feed again
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds configuration for a Breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Cooldown         time.Duration // time spent open before probing
}

// DefaultBreakerConfig opens on the first failure, like a "use mock data
// after the first API error" switch, but probes the feed again after a minute.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	}
}

// Breaker is a circuit breaker guarding a live price feed. Each Failover owns
// its own Breaker, so the failover state is explicit and per-instance.
// Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.publish()
	return b
}

// Allow reports whether the live feed should be tried.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.Cooldown {
			b.state = StateHalfOpen
			b.successCount = 0
			b.publish()
			slog.Info("price feed breaker half-open", "breaker", b.cfg.Name)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful live lookup.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.publish()
			slog.Info("price feed breaker closed", "breaker", b.cfg.Name)
		}
	}
}

// RecordFailure records a failed live lookup.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.publish()
			slog.Warn("price feed breaker open",
				"breaker", b.cfg.Name,
				"failures", b.failureCount,
				"cooldown", b.cfg.Cooldown.String())
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successCount = 0
		b.publish()
		slog.Warn("price feed breaker re-opened after probe failure", "breaker", b.cfg.Name)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastFailure returns the time of the most recent recorded failure.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.publish()
}

// publish must be called with mu held.
func (b *Breaker) publish() {
	metrics.OracleBreakerState.WithLabelValues(b.cfg.Name).Set(float64(b.state))
}
