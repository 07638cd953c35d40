package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/metrics"
)

// State represents the current state of the circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      When consecutive failures >= MaxFailures
//	Open -> HalfOpen:    After recovery timeout expires
//	HalfOpen -> Closed:  When the probe requests succeed
//	HalfOpen -> Open:    When a probe request fails
type State int

const (
	StateClosed   State = iota // Normal operation - requests pass through
	StateOpen                  // Circuit tripped - requests fail fast
	StateHalfOpen              // Recovery probe
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

// gauge value used by marquee_circuit_breaker_state
func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open and
// requests are being rejected to protect the downstream service.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a Breaker.
type Config struct {
	// Name identifies this circuit breaker (e.g., "smtp", "sonarr", "plex").
	Name string

	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to wait in Open state before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is the max requests allowed in half-open state.
	HalfOpenMaxRequests int

	// IsSuccessful classifies errors that should not count against the
	// downstream, such as a 404 from an API that is otherwise healthy.
	// Nil means every error is a failure.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns the defaults used for every upstream and sender.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Breaker protects one downstream dependency (an email transport or one of
// the media services) from being hammered while it is failing. It is a thin
// layer over gobreaker that adds our logging, metrics and error sentinel.
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker[struct{}]
	logger *zap.Logger
}

// New creates a Breaker in the closed state.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}

	b := &Breaker{name: cfg.Name, logger: logger}
	maxFailures := uint32(cfg.MaxFailures)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenMaxRequests),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f, t := fromGobreaker(from), fromGobreaker(to)
			metrics.SetCircuitBreakerState(name, t.gauge())
			if t == StateOpen {
				logger.Warn("circuit breaker opened",
					zap.String("breaker", name),
					zap.String("from", f.String()),
				)
				return
			}
			logger.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", f.String()),
				zap.String("to", t.String()),
			)
		},
	}
	if cfg.IsSuccessful != nil {
		settings.IsSuccessful = cfg.IsSuccessful
	}

	b.cb = gobreaker.NewCircuitBreaker[struct{}](settings)
	metrics.SetCircuitBreakerState(cfg.Name, StateClosed.gauge())
	return b
}

// Execute runs fn if the circuit allows it. A rejected call returns an
// error wrapping ErrCircuitOpen without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, b.name)
	}
	return err
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Stats returns a snapshot for health output.
func (b *Breaker) Stats() map[string]interface{} {
	counts := b.cb.Counts()
	return map[string]interface{}{
		"name":                 b.name,
		"state":                b.State().String(),
		"consecutive_failures": counts.ConsecutiveFailures,
		"total_failures":       counts.TotalFailures,
		"requests":             counts.Requests,
	}
}

func (b *Breaker) String() string {
	return fmt.Sprintf("Breaker[%s: %s]", b.name, b.State())
}
