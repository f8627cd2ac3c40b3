package circuitbreaker

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "promode_circuit_breaker_state",
			Help: "Breaker state per dependency (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promode_circuit_breaker_requests_total",
			Help: "Calls routed through a breaker by outcome",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promode_circuit_breaker_state_changes_total",
			Help: "Breaker state transitions",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "promode_circuit_breaker_open_since_seconds",
			Help: "Unix time the breaker last opened, 0 while not open",
		},
		[]string{"name", "service"},
	)
)

var (
	trackedMu sync.RWMutex
	tracked   = map[string]*CircuitBreaker{}
)

// newTracked builds a breaker whose transitions are exported as metrics and
// which shows up in Snapshot under "service:name".
func newTracked(name, service string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	hook := cfg.OnTransition
	cfg.OnTransition = func(n string, from, to State) {
		if hook != nil {
			hook(n, from, to)
		}
		breakerTransitions.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
		switch {
		case to == StateOpen:
			breakerOpenSince.WithLabelValues(name, service).SetToCurrentTime()
		case from == StateOpen:
			breakerOpenSince.WithLabelValues(name, service).Set(0)
		}
	}
	cb := NewCircuitBreaker(name, cfg, logger)
	breakerState.WithLabelValues(name, service).Set(float64(StateClosed))

	trackedMu.Lock()
	tracked[service+":"+name] = cb
	trackedMu.Unlock()
	return cb
}

// guarded runs fn through cb and counts the outcome under service.
func guarded(ctx context.Context, cb *CircuitBreaker, service string, fn func() error) error {
	admittedIn := cb.State()
	err := cb.Execute(ctx, fn)
	result := "success"
	if err != nil {
		result = "failure"
	}
	breakerCalls.WithLabelValues(cb.Name(), service, admittedIn.String(), result).Inc()
	return err
}

// Snapshot returns the state of every tracked breaker keyed by "service:name".
func Snapshot() map[string]State {
	trackedMu.RLock()
	defer trackedMu.RUnlock()
	out := make(map[string]State, len(tracked))
	for key, cb := range tracked {
		out[key] = cb.State()
	}
	return out
}
