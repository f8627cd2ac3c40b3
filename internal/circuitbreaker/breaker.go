package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the position of a breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// ErrOpen is returned without calling the dependency.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes a breaker.
type Config struct {
	TripAfter  uint32        // consecutive failures that open a closed breaker
	CloseAfter uint32        // consecutive half-open successes that close it again
	Probes     uint32        // calls admitted while half-open; later callers wait for their outcome
	Window     time.Duration // closed-state counters reset after this long; 0 never resets
	Cooldown   time.Duration // time spent open before probing

	OnTransition func(name string, from, to State)
}

// DefaultConfig suits a low-traffic dependency.
func DefaultConfig() Config {
	return Config{
		TripAfter:  5,
		CloseAfter: 2,
		Probes:     3,
		Window:     time.Minute,
		Cooldown:   10 * time.Second,
	}
}

// Counts are the tallies of the current epoch.
type Counts struct {
	Calls         uint32
	Successes     uint32
	Failures      uint32
	SuccessStreak uint32
	FailureStreak uint32
}

// CircuitBreaker fails calls fast once a dependency keeps failing. Every
// state change starts a new epoch; outcomes reported against an older epoch
// are dropped. While half-open, callers beyond the probe budget park until
// the probes close or reopen the breaker.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time

	mu       sync.Mutex
	state    State
	epoch    uint64
	counts   Counts
	deadline time.Time
	changed  chan struct{} // closed and replaced on every transition
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(name string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Probes < cfg.CloseAfter {
		cfg.Probes = cfg.CloseAfter
	}
	cb := &CircuitBreaker{name: name, cfg: cfg, logger: logger, clock: time.Now, changed: make(chan struct{})}
	cb.newEpoch(cb.clock())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits the call. A half-open breaker whose
// probes are all in flight makes the call wait, bounded by ctx. Errors
// caused by the caller's own cancellation are not counted against the
// dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	var epoch uint64
	for {
		e, wait, err := cb.admit()
		if err != nil {
			return err
		}
		if wait == nil {
			epoch = e
			break
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	settled := false
	defer func() {
		if !settled {
			cb.settle(epoch, false)
		}
	}()
	err = fn()
	settled = true
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release(epoch)
		return err
	}
	cb.settle(epoch, err == nil)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(cb.clock())
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// admit reserves a call in the current epoch. A non-nil channel means the
// probe budget is spent and the caller must wait for the next transition.
func (cb *CircuitBreaker) admit() (uint64, <-chan struct{}, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh(cb.clock())
	switch cb.state {
	case StateOpen:
		return cb.epoch, nil, ErrOpen
	case StateHalfOpen:
		if cb.counts.Calls >= cb.cfg.Probes {
			return cb.epoch, cb.changed, nil
		}
	}
	cb.counts.Calls++
	return cb.epoch, nil, nil
}

func (cb *CircuitBreaker) settle(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	cb.refresh(now)
	if epoch != cb.epoch {
		return
	}

	c := &cb.counts
	if ok {
		c.Successes++
		c.SuccessStreak++
		c.FailureStreak = 0
		if cb.state == StateHalfOpen && c.SuccessStreak >= cb.cfg.CloseAfter {
			cb.moveTo(StateClosed, now)
		}
		return
	}
	c.Failures++
	c.FailureStreak++
	c.SuccessStreak = 0
	switch {
	case cb.state == StateHalfOpen:
		cb.moveTo(StateOpen, now)
	case cb.state == StateClosed && c.FailureStreak >= cb.cfg.TripAfter:
		cb.moveTo(StateOpen, now)
	}
}

// release returns the slot of a call that ended without a verdict and
// wakes any half-open waiters so one of them can take it.
func (cb *CircuitBreaker) release(epoch uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if epoch != cb.epoch || cb.counts.Calls == 0 {
		return
	}
	cb.counts.Calls--
	if cb.state == StateHalfOpen {
		close(cb.changed)
		cb.changed = make(chan struct{})
	}
}

// refresh applies time-based transitions. Caller holds mu.
func (cb *CircuitBreaker) refresh(now time.Time) {
	if cb.deadline.IsZero() || !now.After(cb.deadline) {
		return
	}
	switch cb.state {
	case StateClosed:
		cb.newEpoch(now)
	case StateOpen:
		cb.moveTo(StateHalfOpen, now)
	}
}

func (cb *CircuitBreaker) moveTo(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.newEpoch(now)
	close(cb.changed)
	cb.changed = make(chan struct{})

	if cb.cfg.OnTransition != nil {
		cb.cfg.OnTransition(cb.name, from, to)
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (cb *CircuitBreaker) newEpoch(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}
	cb.deadline = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.cfg.Window > 0 {
			cb.deadline = now.Add(cb.cfg.Window)
		}
	case StateOpen:
		cb.deadline = now.Add(cb.cfg.Cooldown)
	}
}
