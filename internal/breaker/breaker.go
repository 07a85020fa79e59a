// Package breaker isolates failing probe targets behind circuit breakers.
//
// Breakers are keyed by (agent kind, target). A breaker opens after a run of
// consecutive failures, rejects calls with fault.ErrBreakerOpen while open,
// and admits exactly one probe after the recovery timeout.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/metrics"
	"github.com/velocityhq/velocity/internal/model"
)

// Config tunes every breaker the registry creates.
type Config struct {
	Threshold       uint32        // consecutive failures before opening
	RecoveryTimeout time.Duration // open → half-open delay
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{Threshold: 5, RecoveryTimeout: 60 * time.Second}
}

// Registry owns one breaker per (agent kind, target).
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger.Named("breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn through the breaker for (kind, target). While the breaker
// is open, or when the half-open probe slot is taken, Execute returns
// fault.ErrBreakerOpen without invoking fn.
func (r *Registry) Execute(kind model.AgentKind, target string, fn func() error) error {
	cb := r.get(kind, target)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return fmt.Errorf("%s/%s: %w", kind, target, fault.ErrBreakerOpen)
	default:
		return err
	}
}

// State reports the breaker state for (kind, target) as a string, creating
// the breaker if it does not exist yet.
func (r *Registry) State(kind model.AgentKind, target string) string {
	return r.get(kind, target).State().String()
}

func (r *Registry) get(kind model.AgentKind, target string) *gobreaker.CircuitBreaker {
	key := string(kind) + "/" + target
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	threshold := r.cfg.Threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // half-open admits a single probe
		Timeout:     r.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(string(kind), target).Set(stateValue(to))
			r.logger.Info("breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	r.breakers[key] = cb
	return cb
}

// stateValue maps a breaker state onto the exported gauge scale.
func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
