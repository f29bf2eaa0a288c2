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

// Package transport delivers one AuditEvent to the persistence backend,
// either by a direct FHIR create call or through a cluster capability
// broker. Every failure is folded into a failed outcome.
package transport

import (
	"context"

	"github.com/fhirfactory/hestia-audit-relay/pkg/fhir"
	"github.com/fhirfactory/hestia-audit-relay/pkg/outcome"
)

// Transport delivers a single AuditEvent and reports the outcome. Deliver
// never returns an error; failures are reported through the outcome.
type Transport interface {
	Deliver(ctx context.Context, ev *fhir.AuditEvent) outcome.DeliveryOutcome
	Name() string
}

// Func adapts a function to Transport.
type Func struct {
	Label string
	Fn    func(ctx context.Context, ev *fhir.AuditEvent) outcome.DeliveryOutcome
}

// Deliver calls f.Fn.
func (f Func) Deliver(ctx context.Context, ev *fhir.AuditEvent) outcome.DeliveryOutcome {
	return f.Fn(ctx, ev)
}

// Name returns f.Label.
func (f Func) Name() string {
	return f.Label
}
