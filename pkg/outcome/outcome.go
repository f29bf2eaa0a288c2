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

// Package outcome defines the transport-agnostic result of an audit event
// delivery and its wire encoding, shared by the direct and cluster transports.
package outcome

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultResourceType is assumed when the backend does not report one.
	DefaultResourceType = "AuditEvent"
	// DefaultResourceVersion is assumed when the backend does not report one.
	DefaultResourceVersion = "1.0"
)

// TransactionKind is the kind of backend transaction that was attempted.
type TransactionKind string

// TransactionStatus is the terminal status of a backend transaction.
type TransactionStatus string

const (
	// TransactionCreate is the only transaction the relay performs.
	TransactionCreate TransactionKind = "CREATE"

	// StatusFinished marks a completed creation.
	StatusFinished TransactionStatus = "CREATION_FINISH"
	// StatusFailed marks a failed creation.
	StatusFailed TransactionStatus = "CREATION_FAILURE"
)

// DeliveryOutcome is the normalized result of one delivery attempt.
// Values are immutable once constructed; use the constructors below.
type DeliveryOutcome struct {
	Succeeded         bool
	ResourceType      string
	ResourceID        string
	ResourceVersion   string
	TransactionKind   TransactionKind
	TransactionStatus TransactionStatus
}

// Failed returns the outcome of an unsuccessful delivery.
func Failed() DeliveryOutcome {
	return DeliveryOutcome{
		Succeeded:         false,
		TransactionKind:   TransactionCreate,
		TransactionStatus: StatusFailed,
	}
}

// Created returns a successful outcome for the given resource, defaulting
// the resource type and version when they are blank.
func Created(resourceType, resourceID, resourceVersion string) DeliveryOutcome {
	if resourceType == "" {
		resourceType = DefaultResourceType
	}
	if resourceVersion == "" {
		resourceVersion = DefaultResourceVersion
	}
	return DeliveryOutcome{
		Succeeded:         true,
		ResourceType:      resourceType,
		ResourceID:        resourceID,
		ResourceVersion:   resourceVersion,
		TransactionKind:   TransactionCreate,
		TransactionStatus: StatusFinished,
	}
}

// Synthetic returns a success outcome for a delivery that was not performed,
// carrying a freshly generated resource id.
func Synthetic() DeliveryOutcome {
	return Created(DefaultResourceType, uuid.NewString(), DefaultResourceVersion)
}

// String renders the outcome for logs.
func (o DeliveryOutcome) String() string {
	if !o.Succeeded {
		return fmt.Sprintf("%s %s", o.TransactionKind, o.TransactionStatus)
	}
	return fmt.Sprintf("%s %s %s/%s/_history/%s", o.TransactionKind, o.TransactionStatus,
		o.ResourceType, o.ResourceID, o.ResourceVersion)
}

// resourceID is the wire form of the created resource reference.
type resourceID struct {
	ResourceType string `json:"resourceType,omitempty"`
	Value        string `json:"value,omitempty"`
	Version      string `json:"version,omitempty"`
}

// transactionOutcome is the wire form exchanged between cooperating nodes.
type transactionOutcome struct {
	TransactionSuccessful *bool             `json:"transactionSuccessful,omitempty"`
	TransactionType       TransactionKind   `json:"transactionType,omitempty"`
	TransactionStatus     TransactionStatus `json:"transactionStatus,omitempty"`
	ResourceID            *resourceID       `json:"resourceID,omitempty"`
}

// Encode serializes an outcome. Failed outcomes never carry resource fields;
// successful ones always carry a resource type and version.
func Encode(o DeliveryOutcome) string {
	succeeded := o.Succeeded
	wire := transactionOutcome{
		TransactionSuccessful: &succeeded,
		TransactionType:       TransactionCreate,
		TransactionStatus:     StatusFailed,
	}
	if succeeded {
		normalized := Created(o.ResourceType, o.ResourceID, o.ResourceVersion)
		wire.TransactionStatus = StatusFinished
		wire.ResourceID = &resourceID{
			ResourceType: normalized.ResourceType,
			Value:        normalized.ResourceID,
			Version:      normalized.ResourceVersion,
		}
	}

	// Marshalling a struct of strings and a bool cannot fail.
	data, _ := json.Marshal(wire)
	return string(data)
}

// Decode parses an encoded outcome. It is total: blank or malformed input,
// a missing success flag, or a success without a resource reference all
// decode to Failed().
func Decode(s string) DeliveryOutcome {
	if strings.TrimSpace(s) == "" {
		return Failed()
	}

	var wire transactionOutcome
	if err := json.Unmarshal([]byte(s), &wire); err != nil {
		return Failed()
	}
	if wire.TransactionSuccessful == nil || !*wire.TransactionSuccessful {
		return Failed()
	}
	if wire.ResourceID == nil {
		return Failed()
	}

	return Created(wire.ResourceID.ResourceType, wire.ResourceID.Value, wire.ResourceID.Version)
}
