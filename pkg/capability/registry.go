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

package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/metrics"
)

// ErrDuplicateCapability is returned when a capability name is registered twice.
var ErrDuplicateCapability = errors.New("capability already registered")

// Fulfiller answers capability requests addressed to this process.
type Fulfiller interface {
	Fulfill(ctx context.Context, req Request) Response
}

// Handler fulfills one named capability.
type Handler interface {
	Fulfill(ctx context.Context, req Request) Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Response

// Fulfill calls f.
func (f HandlerFunc) Fulfill(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Unsupported answers any request with Succeeded=false.
var Unsupported Handler = HandlerFunc(func(_ context.Context, req Request) Response {
	return req.Respond(false, "")
})

// Registry maps capability names to handlers. It is populated at startup;
// names without a handler fall through to Unsupported.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.Named("capability-registry"),
	}
}

// Register binds name to h.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("capability name is required")
	}
	if h == nil {
		return fmt.Errorf("capability %q: handler is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, name)
	}
	r.handlers[name] = h
	r.logger.Info("capability registered", zap.String("capability", name))
	return nil
}

// Names lists the registered capabilities in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fulfill routes req to its handler. The returned response always carries
// the request's id, whatever the handler put there.
func (r *Registry) Fulfill(ctx context.Context, req Request) Response {
	r.mu.RLock()
	h, ok := r.handlers[req.CapabilityName]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("unsupported capability requested",
			zap.String("capability", req.CapabilityName),
			zap.String("request_id", req.RequestID))
		metrics.CapabilityRequests.WithLabelValues("unsupported", "failure").Inc()
		h = Unsupported
	}

	resp := h.Fulfill(ctx, req)
	resp.RequestID = req.RequestID
	if resp.CompletedAt.IsZero() {
		resp.CompletedAt = time.Now().UTC()
	}

	if ok {
		result := "success"
		if !resp.Succeeded {
			result = "failure"
		}
		metrics.CapabilityRequests.WithLabelValues(req.CapabilityName, result).Inc()
	}
	return resp
}
