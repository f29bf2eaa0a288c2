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
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/capability"
	"github.com/fhirfactory/hestia-audit-relay/pkg/fhir"
	"github.com/fhirfactory/hestia-audit-relay/pkg/outcome"
)

// ClusterConfig configures a ClusterClient.
type ClusterConfig struct {
	// Target is the logical service name of the persistence manager.
	// Default: capability.DefaultPersistenceService
	Target string

	// Timeout bounds the wait for the correlated response.
	// Default: 30 seconds
	Timeout time.Duration
}

// ClusterClient delivers events by asking whichever cluster member provides
// the audit persistence capability.
type ClusterClient struct {
	broker  capability.Broker
	target  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewClusterClient creates a ClusterClient over broker.
func NewClusterClient(broker capability.Broker, cfg ClusterConfig, logger *zap.Logger) (*ClusterClient, error) {
	if broker == nil {
		return nil, fmt.Errorf("cluster transport: broker is required")
	}
	if cfg.Target == "" {
		cfg.Target = capability.DefaultPersistenceService
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &ClusterClient{
		broker:  broker,
		target:  cfg.Target,
		timeout: cfg.Timeout,
		logger:  logger.Named("cluster-transport").With(zap.String("fabric", broker.Fabric())),
	}
	c.logger.Info("cluster transport created",
		zap.String("target", c.target),
		zap.Duration("timeout", c.timeout))
	return c, nil
}

// Name returns "cluster".
func (c *ClusterClient) Name() string {
	return "cluster"
}

// Deliver sends ev as a persistence capability request and decodes the
// outcome carried by the response.
func (c *ClusterClient) Deliver(ctx context.Context, ev *fhir.AuditEvent) outcome.DeliveryOutcome {
	if ev == nil {
		return outcome.Failed()
	}

	req := capability.NewRequest(capability.AuditEventPersistence, ev.String())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.broker.Execute(ctx, c.target, req)
	if err != nil {
		c.logger.Warn("capability request failed",
			zap.String("request_id", req.RequestID),
			zap.String("event_id", ev.ID()),
			zap.Error(err))
		return outcome.Failed()
	}

	if resp.RequestID != req.RequestID {
		c.logger.Warn("capability response is not correlated with request",
			zap.String("request_id", req.RequestID),
			zap.String("response_request_id", resp.RequestID))
		return outcome.Failed()
	}

	if !resp.Succeeded {
		c.logger.Warn("capability provider reported failure",
			zap.String("request_id", req.RequestID),
			zap.String("event_id", ev.ID()))
		return outcome.Failed()
	}

	o := outcome.Decode(resp.Payload)
	c.logger.Debug("capability response received",
		zap.String("request_id", req.RequestID),
		zap.Bool("succeeded", o.Succeeded),
		zap.String("resource_id", o.ResourceID))
	return o
}
