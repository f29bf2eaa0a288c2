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
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/fhir"
	"github.com/fhirfactory/hestia-audit-relay/pkg/metrics"
	"github.com/fhirfactory/hestia-audit-relay/pkg/outcome"
)

const fhirJSON = "application/fhir+json"

// DirectConfig configures a DirectClient. It is resolved once at startup and
// never changes for the life of the client.
type DirectConfig struct {
	// BaseURL is the FHIR base of the persistence backend,
	// e.g. "https://hestia-dm:12121/fhir/r4".
	BaseURL string

	// ResourcePath is appended to BaseURL for creates.
	// Default: "/AuditEvent"
	ResourcePath string

	// Timeout bounds one create call.
	// Default: 10 seconds
	Timeout time.Duration

	// RetryCount is the number of extra attempts resty makes on network errors
	// within one delivery. Default: 0
	RetryCount int

	// Headers are sent with every request.
	Headers map[string]string

	// Persist enables network delivery. When false, events are logged and
	// acknowledged with a synthetic outcome.
	Persist bool
}

// DirectClient performs a FHIR create against a single configured backend.
type DirectClient struct {
	cfg    DirectConfig
	client *resty.Client
	logger *zap.Logger
}

// NewDirectClient creates a DirectClient. BaseURL is only required when
// Persist is true.
func NewDirectClient(cfg DirectConfig, logger *zap.Logger) (*DirectClient, error) {
	if cfg.Persist {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("direct transport: base URL is required when persistence is enabled")
		}
		if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("direct transport: invalid base URL %q: %w", cfg.BaseURL, err)
		}
	}
	if cfg.ResourcePath == "" {
		cfg.ResourcePath = "/" + fhir.ResourceTypeAuditEvent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("Accept", fhirJSON).
		SetHeaders(cfg.Headers)

	c := &DirectClient{
		cfg:    cfg,
		client: client,
		logger: logger.Named("direct-transport"),
	}

	c.logger.Info("direct transport created",
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("persist", cfg.Persist),
		zap.Duration("timeout", cfg.Timeout))

	return c, nil
}

// Name returns "direct".
func (c *DirectClient) Name() string {
	return "direct"
}

// Deliver creates ev on the backend. With persistence disabled it logs the
// event and returns a synthetic success without any network call.
func (c *DirectClient) Deliver(ctx context.Context, ev *fhir.AuditEvent) outcome.DeliveryOutcome {
	if ev == nil {
		return outcome.Failed()
	}

	if !c.cfg.Persist {
		o := outcome.Synthetic()
		metrics.SyntheticDeliveries.WithLabelValues("direct").Inc()
		c.logger.Warn("audit event persistence disabled, acknowledging without delivery",
			zap.String("synthetic_id", o.ResourceID),
			zap.String("event", ev.String()))
		return o
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", fhirJSON).
		SetBody(ev.Bytes()).
		Post(c.cfg.ResourcePath)
	if err != nil {
		c.logger.Warn("audit event create failed",
			zap.String("event_id", ev.ID()),
			zap.Error(err))
		return outcome.Failed()
	}

	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		c.logger.Warn("backend rejected audit event",
			zap.String("event_id", ev.ID()),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", truncate(resp.String(), 512)))
		return outcome.Failed()
	}

	o := createdOutcome(resp.Body(), resp.Header().Get("Location"))
	if !o.Succeeded {
		c.logger.Warn("backend response carries no resource identifier",
			zap.String("event_id", ev.ID()),
			zap.Int("status_code", resp.StatusCode()))
		return o
	}

	c.logger.Debug("audit event created",
		zap.String("resource_id", o.ResourceID),
		zap.String("version", o.ResourceVersion))
	return o
}

// createdResource is the part of a FHIR create response the relay reads.
type createdResource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         struct {
		VersionID string `json:"versionId"`
	} `json:"meta"`
}

// createdOutcome extracts the resource identity from a create response. The
// body wins over the Location header unless it is an OperationOutcome, whose
// id names the outcome rather than the created resource.
func createdOutcome(body []byte, location string) outcome.DeliveryOutcome {
	var res createdResource
	if len(body) > 0 && json.Unmarshal(body, &res) == nil && res.ID != "" && res.ResourceType != "OperationOutcome" {
		return outcome.Created(res.ResourceType, res.ID, res.Meta.VersionID)
	}

	if resourceType, id, version, ok := parseLocation(location); ok {
		return outcome.Created(resourceType, id, version)
	}
	return outcome.Failed()
}

// parseLocation splits "[base/]Type/id[/_history/vid]".
func parseLocation(location string) (resourceType, id, version string, ok bool) {
	if location == "" {
		return "", "", "", false
	}
	if u, err := url.Parse(location); err == nil {
		location = u.Path
	}

	parts := strings.Split(strings.Trim(location, "/"), "/")
	for i, p := range parts {
		if p == "_history" && i >= 2 && i+1 < len(parts) {
			return parts[i-2], parts[i-1], parts[i+1], parts[i-1] != ""
		}
	}
	if len(parts) >= 2 {
		return parts[len(parts)-2], parts[len(parts)-1], "", parts[len(parts)-1] != ""
	}
	return "", "", "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
