package health

import (
	"context"
	"time"

	"github.com/Kocoro-lab/promode/internal/circuitbreaker"
)

// BackendConfigChecker reports whether the generation backend could be
// built from the current configuration. Without it no run can succeed.
type BackendConfigChecker struct {
	status func() error
}

// NewBackendConfigChecker creates a checker over status, which returns the
// error of the most recent backend build or nil.
func NewBackendConfigChecker(status func() error) *BackendConfigChecker {
	return &BackendConfigChecker{status: status}
}

func (b *BackendConfigChecker) Name() string           { return "backend_config" }
func (b *BackendConfigChecker) IsCritical() bool       { return true }
func (b *BackendConfigChecker) Timeout() time.Duration { return time.Second }

func (b *BackendConfigChecker) Check(ctx context.Context) CheckResult {
	if err := b.status(); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "Backend not configured",
			Error:   err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "Backend configured"}
}

// BreakerHealthChecker reports a circuit breaker's state: open is
// degraded rather than unhealthy because the breaker recovers on its own.
type BreakerHealthChecker struct {
	name    string
	breaker func() *circuitbreaker.CircuitBreaker
}

// NewBreakerHealthChecker creates a checker for the breaker returned by
// source. source may return nil while the guarded client does not exist.
func NewBreakerHealthChecker(name string, source func() *circuitbreaker.CircuitBreaker) *BreakerHealthChecker {
	return &BreakerHealthChecker{name: name, breaker: source}
}

func (b *BreakerHealthChecker) Name() string           { return b.name }
func (b *BreakerHealthChecker) IsCritical() bool       { return false }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(ctx context.Context) CheckResult {
	cb := b.breaker()
	if cb == nil {
		return CheckResult{Status: StatusHealthy, Message: "No client"}
	}
	state := cb.State()
	counts := cb.Counts()
	result := CheckResult{
		Details: map[string]interface{}{
			"state":                state.String(),
			"consecutive_failures": counts.FailureStreak,
			"calls":                counts.Calls,
		},
	}
	switch state {
	case circuitbreaker.StateOpen:
		result.Status = StatusDegraded
		result.Message = "Circuit breaker is open"
	case circuitbreaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "Circuit breaker is probing"
	default:
		result.Status = StatusHealthy
		result.Message = "Circuit breaker closed"
	}
	return result
}

// RedisHealthChecker checks the idempotency cache. Requests are served
// without it, so it is never critical.
type RedisHealthChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper) *RedisHealthChecker {
	return &RedisHealthChecker{wrapper: wrapper, timeout: 2 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	return pingResult("Redis", r.wrapper.Open(), func() error {
		return r.wrapper.Ping(ctx)
	})
}

// DatabaseHealthChecker checks the run log database.
type DatabaseHealthChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(wrapper *circuitbreaker.DatabaseWrapper) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{wrapper: wrapper, timeout: 2 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return false }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	result := pingResult("Database", d.wrapper.Open(), func() error {
		return d.wrapper.PingContext(ctx)
	})
	if result.Status == StatusHealthy {
		stats := d.wrapper.DB().Stats()
		result.Details["open_connections"] = stats.OpenConnections
		result.Details["in_use_connections"] = stats.InUse
		result.Details["idle_connections"] = stats.Idle
	}
	return result
}

func pingResult(component string, breakerOpen bool, ping func() error) CheckResult {
	if breakerOpen {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: component + " circuit breaker is open",
		}
	}

	start := time.Now()
	err := ping()
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: component + " ping failed",
			Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
		}
	}

	result := CheckResult{
		Status:  StatusHealthy,
		Message: component + " healthy",
		Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
	}
	if latency > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = component + " responding but with high latency"
	}
	return result
}
