// Package resilience provides the circuit breaker and retry policy shared
// by every external dependency gateway (LLM, vector index, database
// adapters).
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen admits exactly one probe request.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
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

// ErrorClassifier decides which errors count toward the failure
// threshold. Client-caused errors (bad request, auth, rate limit,
// cancellation) must return false so they never trip the breaker.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors only.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Timeouts, connection failures and 5xx-class errors all count.
	return true
}

// Config holds circuit breaker configuration for one failure domain.
type Config struct {
	// Name identifies the breaker in logs and metric labels.
	Name string

	// FailMax is the number of consecutive counted failures that opens
	// the breaker.
	FailMax int

	// ResetTimeout is how long the breaker stays open before admitting a
	// single half-open probe.
	ResetTimeout time.Duration

	// Classifier decides which errors count. Nil means
	// DefaultErrorClassifier.
	Classifier ErrorClassifier

	Logger  core.Logger
	Metrics core.Metrics
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Name == "" {
		out.Name = "default"
	}
	if out.FailMax <= 0 {
		out.FailMax = 5
	}
	if out.ResetTimeout <= 0 {
		out.ResetTimeout = 30 * time.Second
	}
	if out.Classifier == nil {
		out.Classifier = DefaultErrorClassifier
	}
	if out.Logger == nil {
		out.Logger = &core.NoOpLogger{}
	}
	if out.Metrics == nil {
		out.Metrics = &core.NoOpMetrics{}
	}
	return &out
}

// CircuitBreaker protects one failure domain. State transitions happen
// under a single mutex; the half-open probe is serialized so exactly one
// request is admitted after the reset timeout.
type CircuitBreaker struct {
	config *Config

	mu            sync.Mutex
	state         CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a breaker from config, applying defaults.
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	if config == nil {
		config = &Config{}
	}
	return &CircuitBreaker{config: config.withDefaults(), state: StateClosed}
}

// State returns the current state, performing the Open → HalfOpen
// transition if the reset timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.ResetTimeout {
		cb.transitionLocked(StateHalfOpen)
	}
	return cb.state
}

// Execute runs fn under the breaker. When open it fails immediately with
// core.ErrBreakerOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// admit decides whether a call may proceed given the current state.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.probeInFlight {
			cb.config.Metrics.Counter("breaker_rejected_total", 1, cb.labels())
			return fmt.Errorf("%s: half-open probe in flight: %w", cb.config.Name, core.ErrBreakerOpen)
		}
		cb.probeInFlight = true
		return nil
	default: // StateOpen
		cb.config.Metrics.Counter("breaker_rejected_total", 1, cb.labels())
		return fmt.Errorf("%s: %w", cb.config.Name, core.ErrBreakerOpen)
	}
}

// record applies the outcome of a completed call.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	probe := cb.probeInFlight
	cb.probeInFlight = false

	if err == nil {
		cb.failures = 0
		if cb.state != StateClosed {
			cb.transitionLocked(StateClosed)
		}
		return
	}

	if !cb.config.Classifier(err) {
		cb.config.Metrics.Counter("breaker_ignored_failure_total", 1, cb.labels())
		// An ignored failure still ends a half-open probe without
		// resolving it; stay open and wait for the next probe window.
		if probe && cb.state == StateHalfOpen {
			cb.transitionLocked(StateOpen)
		}
		return
	}

	cb.config.Metrics.Counter("breaker_failure_total", 1, cb.labelsWith("error", errorLabel(err)))
	cb.failures++

	if cb.state == StateHalfOpen {
		cb.transitionLocked(StateOpen)
		return
	}
	if cb.state == StateClosed && cb.failures >= cb.config.FailMax {
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = time.Now()
		cb.config.Metrics.Counter("breaker_open_total", 1, cb.labels())
	case StateHalfOpen:
		cb.config.Metrics.Counter("breaker_half_open_total", 1, cb.labels())
	case StateClosed:
		cb.failures = 0
		cb.config.Metrics.Counter("breaker_closed_total", 1, cb.labels())
	}
	cb.config.Logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "breaker_transition",
		"breaker":   cb.config.Name,
		"from":      from.String(),
		"to":        to.String(),
		"failures":  cb.failures,
	})
}

func (cb *CircuitBreaker) labels() map[string]string {
	return map[string]string{"breaker": cb.config.Name}
}

func (cb *CircuitBreaker) labelsWith(k, v string) map[string]string {
	return map[string]string{"breaker": cb.config.Name, k: v}
}

// errorLabel keeps metric cardinality bounded: known sentinels map to
// stable labels, everything else is "other".
func errorLabel(err error) string {
	switch {
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, core.ErrSandboxCrash):
		return "crash"
	case errors.Is(err, core.ErrBreakerOpen):
		return "breaker_open"
	default:
		return "other"
	}
}
