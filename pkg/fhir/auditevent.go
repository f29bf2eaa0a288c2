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

// Package fhir holds the minimal FHIR resource handling the relay needs:
// audit events are carried as opaque JSON documents.
package fhir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ResourceTypeAuditEvent is the FHIR resource type relayed by this service.
const ResourceTypeAuditEvent = "AuditEvent"

var (
	// ErrEmptyPayload is returned when an audit event payload is blank.
	ErrEmptyPayload = errors.New("audit event payload is empty")
	// ErrNotAnObject is returned when the payload is not a JSON object.
	ErrNotAnObject = errors.New("audit event payload is not a JSON object")
)

// AuditEvent is an immutable, serialized FHIR AuditEvent. The relay never
// looks inside it apart from reading a few identity fields for logging.
type AuditEvent struct {
	raw          []byte
	resourceType string
	id           string
}

// identity is the small subset of fields read for log correlation.
type identity struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// ParseAuditEvent wraps a JSON payload as an AuditEvent. The payload is kept
// exactly as received.
func ParseAuditEvent(payload string) (*AuditEvent, error) {
	trimmed := bytes.TrimSpace([]byte(payload))
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}
	if trimmed[0] != '{' {
		return nil, ErrNotAnObject
	}

	var ident identity
	if err := json.Unmarshal(trimmed, &ident); err != nil {
		return nil, fmt.Errorf("failed to parse audit event: %w", err)
	}

	raw := make([]byte, len(trimmed))
	copy(raw, trimmed)

	return &AuditEvent{
		raw:          raw,
		resourceType: ident.ResourceType,
		id:           ident.ID,
	}, nil
}

// MustParseAuditEvent is like ParseAuditEvent but panics on error.
// Intended for tests and static fixtures.
func MustParseAuditEvent(payload string) *AuditEvent {
	ev, err := ParseAuditEvent(payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// String returns the serialized event.
func (e *AuditEvent) String() string {
	if e == nil {
		return ""
	}
	return string(e.raw)
}

// Bytes returns a copy of the serialized event.
func (e *AuditEvent) Bytes() []byte {
	if e == nil {
		return nil
	}
	out := make([]byte, len(e.raw))
	copy(out, e.raw)
	return out
}

// ResourceType returns the declared resourceType, or "" if absent.
func (e *AuditEvent) ResourceType() string {
	if e == nil {
		return ""
	}
	return e.resourceType
}

// ID returns the producer-assigned resource id, or "" if absent.
func (e *AuditEvent) ID() string {
	if e == nil {
		return ""
	}
	return e.id
}

// MarshalJSON emits the event unchanged.
func (e *AuditEvent) MarshalJSON() ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	return e.Bytes(), nil
}

// UnmarshalJSON accepts any JSON object as an audit event.
func (e *AuditEvent) UnmarshalJSON(data []byte) error {
	parsed, err := ParseAuditEvent(string(data))
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}
