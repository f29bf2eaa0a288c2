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

// Package relay moves audit events from producers to the persistence
// backend. The Dispatcher owns the single delivery channel, the Daemon drains
// the pending queue through it, and the Service is the ingress facade.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/capability"
	"github.com/fhirfactory/hestia-audit-relay/pkg/fhir"
	"github.com/fhirfactory/hestia-audit-relay/pkg/metrics"
	"github.com/fhirfactory/hestia-audit-relay/pkg/outcome"
	"github.com/fhirfactory/hestia-audit-relay/pkg/transport"
)

const tracerName = "github.com/fhirfactory/hestia-audit-relay/pkg/relay"

// Technology selects the outbound transport.
type Technology string

const (
	// TechnologyDirect delivers with a FHIR create against the backend.
	TechnologyDirect Technology = "direct"
	// TechnologyCluster delivers through the capability broker.
	TechnologyCluster Technology = "cluster"
)

// ParseTechnology maps a configuration value to a Technology. "cluster" and
// "jgroups" select the cluster transport; anything else is direct.
func ParseTechnology(s string) Technology {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cluster", "jgroups":
		return TechnologyCluster
	default:
		return TechnologyDirect
	}
}

// Settings are resolved once at startup and never change.
type Settings struct {
	// Persist enables real delivery. When false, deliveries are acknowledged
	// with a synthetic outcome.
	Persist bool
	// Technology selects the outbound transport.
	Technology Technology
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Settings Settings
	// Direct is required; it also serves inbound persistence requests.
	Direct transport.Transport
	// Cluster is required when Settings.Technology is TechnologyCluster.
	Cluster transport.Transport
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
	Logger *zap.Logger
}

// Dispatcher serializes every delivery in the process through one lock and
// answers capability requests addressed to this node.
type Dispatcher struct {
	settings Settings
	direct   transport.Transport
	active   transport.Transport
	registry *capability.Registry
	tracer   trace.Tracer
	logger   *zap.Logger

	// writer guards the downstream delivery channel.
	writer sync.Mutex

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a Dispatcher and registers its capabilities.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Direct == nil {
		return nil, fmt.Errorf("dispatcher: direct transport is required")
	}
	if opts.Settings.Technology == "" {
		opts.Settings.Technology = TechnologyDirect
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	active := opts.Direct
	if opts.Settings.Technology == TechnologyCluster {
		if opts.Cluster == nil {
			return nil, fmt.Errorf("dispatcher: cluster transport is required for technology %q", opts.Settings.Technology)
		}
		active = opts.Cluster
	}

	d := &Dispatcher{
		settings: opts.Settings,
		direct:   opts.Direct,
		active:   active,
		registry: capability.NewRegistry(logger),
		tracer:   tracer,
		logger:   logger.Named("dispatcher"),
	}

	if err := d.registry.Register(capability.AuditEventPersistence, capability.HandlerFunc(d.fulfillPersistence)); err != nil {
		return nil, err
	}

	d.logger.Info("dispatcher created",
		zap.String("technology", string(opts.Settings.Technology)),
		zap.String("transport", active.Name()),
		zap.Bool("persist", opts.Settings.Persist))
	return d, nil
}

// Settings returns the dispatcher's settings.
func (d *Dispatcher) Settings() Settings {
	return d.settings
}

// Transport returns the active outbound transport.
func (d *Dispatcher) Transport() transport.Transport {
	return d.active
}

// Breaker returns the circuit breaker guarding the direct transport, or nil
// when none is configured.
func (d *Dispatcher) Breaker() *transport.Breaker {
	b, _ := d.direct.(*transport.Breaker)
	return b
}

// Registry returns the capabilities this node fulfills, for brokers serving
// inbound requests.
func (d *Dispatcher) Registry() *capability.Registry {
	return d.registry
}

// Deliver sends ev through the active transport.
func (d *Dispatcher) Deliver(ctx context.Context, ev *fhir.AuditEvent) outcome.DeliveryOutcome {
	return d.deliverVia(ctx, d.active, ev)
}

// Fulfill answers a capability request. Unknown capabilities get a failed
// response carrying the request's id.
func (d *Dispatcher) Fulfill(ctx context.Context, req capability.Request) capability.Response {
	return d.registry.Fulfill(ctx, req)
}

func (d *Dispatcher) fulfillPersistence(ctx context.Context, req capability.Request) capability.Response {
	ev, err := fhir.ParseAuditEvent(req.Payload)
	if err != nil {
		d.logger.Warn("persistence request carries no usable audit event",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return req.Respond(false, outcome.Encode(outcome.Failed()))
	}

	if !d.settings.Persist {
		o := outcome.Synthetic()
		metrics.SyntheticDeliveries.WithLabelValues("fulfill").Inc()
		d.logger.Info("persistence disabled, acknowledging capability request",
			zap.String("request_id", req.RequestID),
			zap.String("synthetic_id", o.ResourceID))
		return req.Respond(true, outcome.Encode(o))
	}

	o := d.deliverVia(ctx, d.direct, ev)
	return req.Respond(true, outcome.Encode(o))
}

func (d *Dispatcher) deliverVia(ctx context.Context, t transport.Transport, ev *fhir.AuditEvent) outcome.DeliveryOutcome {
	ctx, span := d.tracer.Start(ctx, "relay.deliver",
		trace.WithAttributes(
			attribute.String("relay.transport", t.Name()),
			attribute.String("fhir.resource_type", ev.ResourceType()),
			attribute.String("fhir.event_id", ev.ID()),
		))
	defer span.End()

	d.writer.Lock()
	start := time.Now()
	o := t.Deliver(ctx, ev)
	elapsed := time.Since(start)
	d.writer.Unlock()

	result := "success"
	if o.Succeeded {
		d.delivered.Add(1)
		span.SetAttributes(attribute.String("fhir.resource_id", o.ResourceID))
	} else {
		result = "failure"
		d.failed.Add(1)
		span.SetStatus(codes.Error, "delivery failed")
	}
	metrics.Deliveries.WithLabelValues(t.Name(), result).Inc()
	metrics.DeliveryLatency.WithLabelValues(t.Name()).Observe(elapsed.Seconds())

	d.logger.Debug("delivery attempted",
		zap.String("transport", t.Name()),
		zap.String("event_id", ev.ID()),
		zap.Stringer("outcome", o),
		zap.Duration("elapsed", elapsed))
	return o
}
