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

	"github.com/fhirfactory/hestia-audit-relay/pkg/fhir"
	"github.com/fhirfactory/hestia-audit-relay/pkg/outcome"
)

// recordingTransport records the ids of the events it is asked to deliver
// and the maximum number of concurrent calls it observed.
type recordingTransport struct {
	name    string
	hold    time.Duration
	succeed func(ev *fhir.AuditEvent) bool

	mu       sync.Mutex
	attempts []string

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newRecordingTransport(name string) *recordingTransport {
	return &recordingTransport{name: name, succeed: func(*fhir.AuditEvent) bool { return true }}
}

func (r *recordingTransport) Deliver(_ context.Context, ev *fhir.AuditEvent) outcome.DeliveryOutcome {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		m := r.maxInflight.Load()
		if n <= m || r.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	r.mu.Lock()
	r.attempts = append(r.attempts, ev.ID())
	r.mu.Unlock()

	if r.hold > 0 {
		time.Sleep(r.hold)
	}
	if r.succeed(ev) {
		return outcome.Created("", "stored-"+ev.ID(), "")
	}
	return outcome.Failed()
}

func (r *recordingTransport) Name() string { return r.name }

func (r *recordingTransport) Attempts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.attempts...)
}

func event(id string) *fhir.AuditEvent {
	return fhir.MustParseAuditEvent(fmt.Sprintf(`{"resourceType":"AuditEvent","id":%q}`, id))
}

func eventPayload(id string) string {
	return fmt.Sprintf(`{"resourceType":"AuditEvent","id":%q}`, id)
}

func ids(events []*fhir.AuditEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ID())
	}
	return out
}
