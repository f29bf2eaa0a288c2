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

// Package capability implements the named-capability request/response
// protocol that cooperating relay nodes use to reach whichever peer provides
// audit persistence, together with the fabrics (in-process, Kafka, Redis)
// that carry it.
package capability

import (
	"time"

	"github.com/google/uuid"
)

const (
	// AuditEventPersistence is the capability that persists one AuditEvent.
	// The name is a stable contract between cooperating processes.
	AuditEventPersistence = "FHIR-AuditEvent-Persistence"

	// DefaultPersistenceService is the logical participant name of the
	// downstream persistence manager.
	DefaultPersistenceService = "aether-hestia-audit-im"
)

// Request asks a peer to exercise a named capability.
type Request struct {
	RequestID      string    `json:"requestID"`
	CapabilityName string    `json:"requiredCapabilityName"`
	Payload        string    `json:"requestContent"`
	SubmittedAt    time.Time `json:"requestInstant"`
}

// Response answers a Request. RequestID always echoes the request's id.
type Response struct {
	RequestID   string    `json:"associatedRequestID"`
	CompletedAt time.Time `json:"instantCompleted"`
	Succeeded   bool      `json:"successful"`
	Payload     string    `json:"responseContent,omitempty"`
}

// NewRequest builds a request with a fresh correlation id.
func NewRequest(capabilityName, payload string) Request {
	return Request{
		RequestID:      uuid.NewString(),
		CapabilityName: capabilityName,
		Payload:        payload,
		SubmittedAt:    time.Now().UTC(),
	}
}

// Respond builds the response correlated with r.
func (r Request) Respond(succeeded bool, payload string) Response {
	return Response{
		RequestID:   r.RequestID,
		CompletedAt: time.Now().UTC(),
		Succeeded:   succeeded,
		Payload:     payload,
	}
}
