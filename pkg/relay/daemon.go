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

package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/fhir"
	"github.com/fhirfactory/hestia-audit-relay/pkg/metrics"
	"github.com/fhirfactory/hestia-audit-relay/pkg/outcome"
	"github.com/fhirfactory/hestia-audit-relay/pkg/queue"
)

// Deliverer delivers one event. *Dispatcher implements it.
type Deliverer interface {
	Deliver(ctx context.Context, ev *fhir.AuditEvent) outcome.DeliveryOutcome
}

// FailurePolicy decides whether the daemon gives up on a head event that
// keeps failing.
type FailurePolicy interface {
	// GiveUp reports whether the head should be discarded after attempts
	// consecutive failed deliveries.
	GiveUp(attempts int) bool
	Name() string
}

// RetryForever never gives up: a failing head blocks the queue until it is
// delivered.
type RetryForever struct{}

// GiveUp always returns false.
func (RetryForever) GiveUp(int) bool { return false }

// Name returns "retry-forever".
func (RetryForever) Name() string { return "retry-forever" }

// MaxAttempts discards the head after N consecutive failures.
type MaxAttempts struct {
	N int
}

// GiveUp reports whether attempts reached N.
func (p MaxAttempts) GiveUp(attempts int) bool { return p.N > 0 && attempts >= p.N }

// Name returns "max-attempts".
func (p MaxAttempts) Name() string { return "max-attempts" }

// DaemonConfig configures the drain schedule.
type DaemonConfig struct {
	// StartupDelay is the wait before the first tick. A negative value
	// ticks immediately.
	// Default: 60 seconds
	StartupDelay time.Duration

	// Period is the delay between the end of one tick and the start of the next.
	// Default: 10 seconds
	Period time.Duration
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Delivered int  `json:"delivered"`
	Discarded int  `json:"discarded"`
	Halted    bool `json:"halted"`
	Skipped   bool `json:"skipped"`
	Remaining int  `json:"remaining"`
}

// Daemon periodically drains the pending queue in order, stopping at the
// first failed delivery.
type Daemon struct {
	queue     *queue.Queue[*fhir.AuditEvent]
	deliverer Deliverer
	cfg       DaemonConfig
	policy    FailurePolicy
	logger    *zap.Logger

	running atomic.Bool

	// head and headFailures are only touched while running is held.
	head         *fhir.AuditEvent
	headFailures int

	discarded atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDaemon creates a Daemon. A nil policy means RetryForever.
func NewDaemon(q *queue.Queue[*fhir.AuditEvent], d Deliverer, cfg DaemonConfig, policy FailurePolicy, logger *zap.Logger) (*Daemon, error) {
	if q == nil {
		return nil, fmt.Errorf("daemon: queue is required")
	}
	if d == nil {
		return nil, fmt.Errorf("daemon: deliverer is required")
	}
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	} else if cfg.StartupDelay == 0 {
		cfg.StartupDelay = 60 * time.Second
	}
	if cfg.Period <= 0 {
		cfg.Period = 10 * time.Second
	}
	if policy == nil {
		policy = RetryForever{}
	}
	return &Daemon{
		queue:     q,
		deliverer: d,
		cfg:       cfg,
		policy:    policy,
		logger:    logger.Named("delivery-daemon"),
	}, nil
}

// Start schedules drain cycles until ctx is done or Stop is called. Calling
// Start on a running daemon does nothing.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	d.logger.Info("delivery daemon started",
		zap.Duration("startup_delay", d.cfg.StartupDelay),
		zap.Duration("period", d.cfg.Period),
		zap.String("failure_policy", d.policy.Name()))

	go d.run(ctx, d.done)
}

func (d *Daemon) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(d.cfg.StartupDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("delivery daemon stopped", zap.Int("pending", d.queue.Len()))
			return
		case <-timer.C:
			d.Tick(ctx)
			timer.Reset(d.cfg.Period)
		}
	}
}

// Stop cancels the schedule and waits for an in-progress tick to finish.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick runs one drain cycle. A tick that starts while another is running is
// skipped.
func (d *Daemon) Tick(ctx context.Context) DrainResult {
	if !d.running.CompareAndSwap(false, true) {
		metrics.DrainCycles.WithLabelValues("skipped").Inc()
		return DrainResult{Skipped: true, Remaining: d.queue.Len()}
	}
	defer d.running.Store(false)

	var res DrainResult
	for ctx.Err() == nil {
		ev, ok := d.queue.Peek()
		if !ok {
			break
		}
		if ev != d.head {
			d.head, d.headFailures = ev, 0
		}

		o := d.deliverer.Deliver(ctx, ev)
		if o.Succeeded {
			d.queue.Dequeue()
			d.head, d.headFailures = nil, 0
			res.Delivered++
			metrics.QueueDepth.Set(float64(d.queue.Len()))
			continue
		}

		d.headFailures++
		if d.policy.GiveUp(d.headFailures) {
			d.queue.Dequeue()
			d.logger.Error("giving up on audit event",
				zap.String("policy", d.policy.Name()),
				zap.Int("attempts", d.headFailures),
				zap.String("event_id", ev.ID()),
				zap.String("event", ev.String()))
			d.head, d.headFailures = nil, 0
			d.discarded.Add(1)
			res.Discarded++
			metrics.EventsDiscarded.WithLabelValues(d.policy.Name()).Inc()
			metrics.QueueDepth.Set(float64(d.queue.Len()))
			continue
		}

		d.logger.Warn("delivery failed, leaving event at head of queue",
			zap.String("event_id", ev.ID()),
			zap.Int("attempts", d.headFailures),
			zap.Int("pending", d.queue.Len()))
		res.Halted = true
		break
	}

	res.Remaining = d.queue.Len()
	switch {
	case res.Halted:
		metrics.DrainCycles.WithLabelValues("halted").Inc()
	case res.Delivered+res.Discarded == 0:
		metrics.DrainCycles.WithLabelValues("idle").Inc()
	default:
		metrics.DrainCycles.WithLabelValues("drained").Inc()
	}

	if res.Delivered > 0 || res.Discarded > 0 {
		d.logger.Info("drain cycle finished",
			zap.Int("delivered", res.Delivered),
			zap.Int("discarded", res.Discarded),
			zap.Int("remaining", res.Remaining),
			zap.Bool("halted", res.Halted))
	}
	return res
}

// Discarded returns how many events the failure policy gave up on.
func (d *Daemon) Discarded() int64 {
	return d.discarded.Load()
}
