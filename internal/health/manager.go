package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager runs the registered checkers on demand.
type Manager struct {
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewManager creates a new health manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		logger:      logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// UnregisterChecker removes a health check
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)
	return nil
}

// GetDetailedHealth runs every checker concurrently, each under its own
// timeout, and records the results for cached reads.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	started := time.Now()
	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = runSingleCheck(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	components := make(map[string]CheckResult, len(results))
	m.mu.Lock()
	for _, result := range results {
		components[result.Component] = result
		m.lastResults[result.Component] = result
	}
	m.mu.Unlock()

	overall := calculateOverallStatus(components)
	overall.Timestamp = started
	overall.Duration = time.Since(started)
	return DetailedHealth{
		Overall:    overall,
		Components: components,
		Summary:    summarize(components),
		Timestamp:  started,
	}
}

// GetOverallHealth returns the overall health status
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	return m.GetDetailedHealth(ctx).Overall
}

// IsReady returns true if the service is ready to serve requests
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// GetLastResults returns the most recent results without running new checks
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		results[name] = result
	}
	return results
}

func runSingleCheck(ctx context.Context, checker Checker) CheckResult {
	timeout := checker.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startTime := time.Now()
	result := checker.Check(checkCtx)
	result.Component = checker.Name()
	result.Critical = checker.IsCritical()
	result.Duration = time.Since(startTime)
	result.Timestamp = startTime
	return result
}

// calculateOverallStatus folds component results into the service verdict.
// Only a failing critical component makes the service unready.
func calculateOverallStatus(components map[string]CheckResult) OverallHealth {
	overall := OverallHealth{Ready: true, Live: true}
	if len(components) == 0 {
		overall.Status = StatusUnknown
		overall.Message = "No health checks registered"
		return overall
	}

	sum := summarize(components)
	criticalDown := 0
	for _, result := range components {
		if result.Critical && result.Status == StatusUnhealthy {
			criticalDown++
		}
	}
	optionalDown := sum.Unhealthy - criticalDown

	switch {
	case criticalDown > 0:
		overall.Status, overall.Ready = StatusUnhealthy, false
		overall.Message = fmt.Sprintf("%d critical component(s) failing", criticalDown)
	case sum.Degraded > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d component(s) degraded", sum.Degraded)
	case optionalDown > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d non-critical component(s) failing", optionalDown)
	default:
		overall.Status = StatusHealthy
		overall.Message = fmt.Sprintf("All %d components healthy", len(components))
	}
	overall.Degraded = overall.Status == StatusDegraded || sum.Degraded > 0
	return overall
}

func summarize(components map[string]CheckResult) HealthSummary {
	sum := HealthSummary{Total: len(components)}
	for _, result := range components {
		switch result.Status {
		case StatusHealthy:
			sum.Healthy++
		case StatusDegraded:
			sum.Degraded++
		case StatusUnhealthy:
			sum.Unhealthy++
		}
		if result.Critical {
			sum.Critical++
		}
	}
	sum.NonCritical = sum.Total - sum.Critical
	return sum
}
