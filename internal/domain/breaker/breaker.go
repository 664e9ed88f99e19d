// Package breaker implements per-dependency circuit breaking for
// outbound calls: CLOSED while healthy, OPEN after consecutive
// failures, HALF_OPEN for a bounded number of probes after the reset
// timeout.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imran-siddique/agentos/internal/domain/audit"
	"github.com/imran-siddique/agentos/internal/metrics"
)

// State is the circuit state.
type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// OpenError is returned when a call fails fast against an open circuit.
type OpenError struct {
	// Dependency names the circuit.
	Dependency string
	// RetryAfter is how long until the next probe slot.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s open, retry after %s", e.Dependency, e.RetryAfter.Round(time.Millisecond))
}

// Config tunes one circuit.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Defaults to 3.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before allowing a
	// probe. Zero means the very next call probes.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls caps concurrent in-flight calls while half-open.
	// Defaults to 1.
	HalfOpenMaxCalls int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Breaker is one dependency's circuit. The state word is read with a
// single atomic load so the fast path never takes the lock; transitions
// are serialized under the mutex and audited.
type Breaker struct {
	name     string
	cfg      Config
	recorder audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	stateWord  atomic.Int32
	openedAtNS atomic.Int64

	mu       sync.Mutex
	failures int
	probes   int
	now      func() time.Time
}

// New creates a closed circuit for the named dependency.
func New(name string, cfg Config, rec audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Breaker {
	b := &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		recorder: rec,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
	b.stateWord.Store(int32(StateClosed))
	m.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// State returns the current state, accounting for reset-timeout expiry.
// Lock-free.
func (b *Breaker) State() State {
	s := State(b.stateWord.Load())
	if s == StateOpen && b.now().Sub(time.Unix(0, b.openedAtNS.Load())) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return s
}

// Execute runs fn under the circuit. When open, it fails fast with an
// OpenError carrying the retry-after hint. When half-open, up to
// HalfOpenMaxCalls callers probe concurrently; the rest fail fast until
// a probe resolves. Any probe success closes the circuit, any probe
// failure reopens it.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	b.settle(ctx, err)
	return err
}

// admit decides whether a call may proceed.
func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch State(b.stateWord.Load()) {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(time.Unix(0, b.openedAtNS.Load()))
		if elapsed < b.cfg.ResetTimeout {
			return &OpenError{Dependency: b.name, RetryAfter: b.cfg.ResetTimeout - elapsed}
		}
		// Reset timeout elapsed: this caller takes the first probe slot.
		b.transitionLocked(ctx, StateHalfOpen, "reset timeout elapsed")
		b.probes = 1
		return nil
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMaxCalls {
			return &OpenError{Dependency: b.name, RetryAfter: b.cfg.ResetTimeout}
		}
		b.probes++
		return nil
	}
	return nil
}

// settle records a call outcome and drives transitions.
func (b *Breaker) settle(ctx context.Context, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch State(b.stateWord.Load()) {
	case StateHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		if callErr == nil {
			b.failures = 0
			b.probes = 0
			b.transitionLocked(ctx, StateClosed, "probe succeeded")
		} else {
			b.probes = 0
			b.openedAtNS.Store(b.now().UnixNano())
			b.transitionLocked(ctx, StateOpen, "probe failed")
		}
	case StateClosed:
		if callErr == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAtNS.Store(b.now().UnixNano())
			b.transitionLocked(ctx, StateOpen,
				fmt.Sprintf("%d consecutive failures", b.failures))
		}
	}
}

func (b *Breaker) transitionLocked(ctx context.Context, to State, reason string) {
	from := State(b.stateWord.Load())
	if from == to {
		return
	}
	b.stateWord.Store(int32(to))
	b.metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
	b.logger.Info("circuit transition",
		"dependency", b.name, "from", from.String(), "to", to.String(), "reason", reason)

	e := audit.NewEntry(b.name, audit.EventBreakerTransition)
	e.Reason = reason
	e.Details = map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	}
	if err := b.recorder.Append(ctx, e); err != nil {
		b.logger.Error("breaker transition not recorded", "dependency", b.name, "error", err)
	}
}

// Group manages one breaker per dependency name.
type Group struct {
	cfg      Config
	recorder audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates a breaker group with a shared config.
func NewGroup(cfg Config, rec audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Group {
	return &Group{
		cfg:      cfg,
		recorder: rec,
		metrics:  m,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a dependency, creating it on first use.
func (g *Group) For(dependency string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[dependency]
	if !ok {
		b = New(dependency, g.cfg, g.recorder, g.metrics, g.logger)
		g.breakers[dependency] = b
	}
	return b
}
