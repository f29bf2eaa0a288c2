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

	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/fhir"
	"github.com/fhirfactory/hestia-audit-relay/pkg/metrics"
	"github.com/fhirfactory/hestia-audit-relay/pkg/outcome"
	"github.com/fhirfactory/hestia-audit-relay/pkg/queue"
	"github.com/fhirfactory/hestia-audit-relay/pkg/transport"
)

// Stats is a point-in-time view of the relay.
type Stats struct {
	Pending   int    `json:"pending"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Discarded int64  `json:"discarded"`
	Transport string `json:"transport"`
	Persist   bool   `json:"persist"`

	Breaker *transport.BreakerStats `json:"breaker,omitempty"`
}

// Service is the ingress facade: synchronous writes go straight to the
// Dispatcher, asynchronous ones are queued for the Daemon.
type Service struct {
	dispatcher *Dispatcher
	queue      *queue.Queue[*fhir.AuditEvent]
	daemon     *Daemon
	logger     *zap.Logger
}

// NewService assembles a Service.
func NewService(d *Dispatcher, q *queue.Queue[*fhir.AuditEvent], daemon *Daemon, logger *zap.Logger) *Service {
	return &Service{
		dispatcher: d,
		queue:      q,
		daemon:     daemon,
		logger:     logger.Named("relay-service"),
	}
}

// WriteSync delivers payload immediately. The error is only set when the
// payload is not an audit event; delivery failures are in the outcome.
func (s *Service) WriteSync(ctx context.Context, payload string) (outcome.DeliveryOutcome, error) {
	ev, err := fhir.ParseAuditEvent(payload)
	if err != nil {
		return outcome.Failed(), err
	}
	return s.dispatcher.Deliver(ctx, ev), nil
}

// Enqueue queues payload for background delivery.
func (s *Service) Enqueue(_ context.Context, payload string) error {
	ev, err := fhir.ParseAuditEvent(payload)
	if err != nil {
		return err
	}
	s.queue.Enqueue(ev)
	metrics.EventsEnqueued.Inc()
	metrics.QueueDepth.Set(float64(s.queue.Len()))

	s.logger.Debug("audit event queued",
		zap.String("event_id", ev.ID()),
		zap.Int("pending", s.queue.Len()))
	return nil
}

// EnqueueBatch queues payloads in order. Either every payload is queued or,
// if any fails to parse, none is.
func (s *Service) EnqueueBatch(_ context.Context, payloads []string) (int, error) {
	events := make([]*fhir.AuditEvent, 0, len(payloads))
	for i, p := range payloads {
		ev, err := fhir.ParseAuditEvent(p)
		if err != nil {
			return 0, fmt.Errorf("batch entry %d: %w", i, err)
		}
		events = append(events, ev)
	}

	s.queue.EnqueueAll(events...)
	metrics.EventsEnqueued.Add(float64(len(events)))
	metrics.QueueDepth.Set(float64(s.queue.Len()))

	s.logger.Debug("audit event batch queued",
		zap.Int("count", len(events)),
		zap.Int("pending", s.queue.Len()))
	return len(events), nil
}

// Flush runs a drain cycle now.
func (s *Service) Flush(ctx context.Context) DrainResult {
	return s.daemon.Tick(ctx)
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Pending:   s.queue.Len(),
		Delivered: s.dispatcher.delivered.Load(),
		Failed:    s.dispatcher.failed.Load(),
		Discarded: s.daemon.Discarded(),
		Transport: s.dispatcher.Transport().Name(),
		Persist:   s.dispatcher.Settings().Persist,
	}
	if b := s.dispatcher.Breaker(); b != nil {
		bs := b.Stats()
		st.Breaker = &bs
	}
	return st
}

// ResetBreaker closes the direct transport's circuit. It reports false when
// no breaker is configured.
func (s *Service) ResetBreaker() bool {
	b := s.dispatcher.Breaker()
	if b == nil {
		return false
	}
	before := b.State()
	b.Reset()
	s.logger.Info("circuit breaker reset", zap.Stringer("previous_state", before))
	return true
}
