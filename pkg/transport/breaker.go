/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/fhir"
	"github.com/fhirfactory/hestia-audit-relay/pkg/metrics"
	"github.com/fhirfactory/hestia-audit-relay/pkg/outcome"
)

// CircuitState represents the current state of a Breaker.
type CircuitState int32

const (
	// CircuitClosed lets every delivery through.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails deliveries without touching the inner transport.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of probe deliveries through.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON views.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen describes a delivery that was short-circuited.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive probe successes that close
	// the circuit again.
	// Default: 1
	SuccessThreshold int

	// OpenTimeout is how long to wait before transitioning from open to half-open.
	// Default: 30s
	OpenTimeout time.Duration

	// HalfOpenMaxRequests is the maximum number of probes in flight while half-open.
	// Default: 1
	HalfOpenMaxRequests int
}

// Breaker wraps a Transport and stops calling it after repeated failures.
// A short-circuited delivery is reported as an ordinary failed outcome, so
// callers keep retrying the same event in order.
type Breaker struct {
	inner  Transport
	cfg    BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        CircuitState
	failures     int
	successes    int
	probes       int
	changedAt    time.Time
	rejections   int64
	lastFailedAt time.Time
}

// WithBreaker wraps inner with circuit breaker protection.
func WithBreaker(inner Transport, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	b := &Breaker{
		inner:  inner,
		cfg:    cfg,
		logger: logger.Named("circuit-breaker").With(zap.String("transport", inner.Name())),
		now:    time.Now,
	}
	b.changedAt = b.now()
	metrics.CircuitState.WithLabelValues(inner.Name()).Set(float64(CircuitClosed))

	b.logger.Info("circuit breaker created",
		zap.Int("failure_threshold", cfg.FailureThreshold),
		zap.Int("success_threshold", cfg.SuccessThreshold),
		zap.Duration("open_timeout", cfg.OpenTimeout))
	return b
}

// Name returns the inner transport's name.
func (b *Breaker) Name() string {
	return b.inner.Name()
}

// Unwrap returns the protected transport.
func (b *Breaker) Unwrap() Transport {
	return b.inner
}

// Deliver calls the inner transport unless the circuit is open.
func (b *Breaker) Deliver(ctx context.Context, ev *fhir.AuditEvent) outcome.DeliveryOutcome {
	if !b.admit() {
		b.logger.Debug("delivery short-circuited", zap.Error(ErrCircuitOpen))
		metrics.Deliveries.WithLabelValues(b.inner.Name(), "rejected").Inc()
		return outcome.Failed()
	}

	o := b.inner.Deliver(ctx, ev)
	b.record(o.Succeeded)
	return o
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(b.changedAt) < b.cfg.OpenTimeout {
			b.rejections++
			return false
		}
		b.transition(CircuitHalfOpen)
		fallthrough
	case CircuitHalfOpen:
		if b.probes >= b.cfg.HalfOpenMaxRequests {
			b.rejections++
			return false
		}
		b.probes++
		return true
	}
	return false
}

func (b *Breaker) record(succeeded bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen && b.probes > 0 {
		b.probes--
	}

	if succeeded {
		b.failures = 0
		b.successes++
		if b.state == CircuitHalfOpen && b.successes >= b.cfg.SuccessThreshold {
			b.transition(CircuitClosed)
		}
		return
	}

	b.successes = 0
	b.failures++
	b.lastFailedAt = b.now()
	switch b.state {
	case CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.transition(CircuitOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.changedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.probes = 0

	b.logger.Info("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	metrics.CircuitState.WithLabelValues(b.inner.Name()).Set(float64(to))
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats is a point-in-time view of a Breaker.
type BreakerStats struct {
	State            CircuitState `json:"state"`
	ConsecutiveFails int          `json:"consecutiveFails"`
	Rejections       int64        `json:"rejections"`
	LastStateChange  time.Time    `json:"lastStateChange"`
	LastFailure      time.Time    `json:"lastFailure"`
}

// Stats returns the current breaker statistics.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:            b.state,
		ConsecutiveFails: b.failures,
		Rejections:       b.rejections,
		LastStateChange:  b.changedAt,
		LastFailure:      b.lastFailedAt,
	}
}

// Reset closes the circuit (operator recovery).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(CircuitClosed)
	b.failures = 0
}
