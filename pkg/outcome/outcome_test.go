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

package outcome

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Failed(t *testing.T) {
	encoded := Encode(DeliveryOutcome{Succeeded: false, ResourceID: "ignored", ResourceType: "AuditEvent"})

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(encoded), &wire))
	assert.Equal(t, false, wire["transactionSuccessful"])
	assert.Equal(t, string(StatusFailed), wire["transactionStatus"])
	assert.Equal(t, string(TransactionCreate), wire["transactionType"])
	assert.NotContains(t, wire, "resourceID", "failed outcomes carry no resource fields")
}

func TestEncode_SucceededAppliesDefaults(t *testing.T) {
	encoded := Encode(DeliveryOutcome{Succeeded: true, ResourceID: "abc"})

	var wire struct {
		TransactionSuccessful bool   `json:"transactionSuccessful"`
		TransactionStatus     string `json:"transactionStatus"`
		ResourceID            struct {
			ResourceType string `json:"resourceType"`
			Value        string `json:"value"`
			Version      string `json:"version"`
		} `json:"resourceID"`
	}
	require.NoError(t, json.Unmarshal([]byte(encoded), &wire))
	assert.True(t, wire.TransactionSuccessful)
	assert.Equal(t, string(StatusFinished), wire.TransactionStatus)
	assert.Equal(t, DefaultResourceType, wire.ResourceID.ResourceType)
	assert.Equal(t, "abc", wire.ResourceID.Value)
	assert.Equal(t, DefaultResourceVersion, wire.ResourceID.Version)
}

func TestEncode_ResourceIDFields(t *testing.T) {
	encoded := Encode(Created("AuditEvent", "abc", "2"))

	var wire struct {
		ResourceID map[string]string `json:"resourceID"`
	}
	require.NoError(t, json.Unmarshal([]byte(encoded), &wire))
	assert.Equal(t, map[string]string{"resourceType": "AuditEvent", "value": "abc", "version": "2"}, wire.ResourceID)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   DeliveryOutcome
	}{
		{name: "created with explicit fields", in: Created("AuditEvent", "id-1", "7")},
		{name: "created with defaults", in: Created("", "id-2", "")},
		{name: "synthetic", in: Synthetic()},
		{name: "failed", in: Failed()},
		{name: "zero value", in: DeliveryOutcome{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := Decode(Encode(tc.in))
			assert.Equal(t, tc.in.Succeeded, out.Succeeded)
			if tc.in.Succeeded {
				assert.Equal(t, tc.in.ResourceID, out.ResourceID)
				assert.Equal(t, StatusFinished, out.TransactionStatus)
			} else {
				assert.Equal(t, StatusFailed, out.TransactionStatus)
				assert.Empty(t, out.ResourceID)
			}
		})
	}
}

func TestDecode_NeverFails(t *testing.T) {
	inputs := map[string]string{
		"empty":               "",
		"whitespace":          "  \n\t",
		"garbage":             "not json",
		"truncated":           `{"transactionSuccessful":tr`,
		"array":               `[1,2,3]`,
		"missing flag":        `{"resourceID":{"value":"x"}}`,
		"explicit false":      `{"transactionSuccessful":false,"resourceID":{"value":"x"}}`,
		"success without ref": `{"transactionSuccessful":true}`,
		"null":                `null`,
	}

	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			out := Decode(in)
			assert.False(t, out.Succeeded)
			assert.Equal(t, StatusFailed, out.TransactionStatus)
			assert.Equal(t, TransactionCreate, out.TransactionKind)
		})
	}
}

func TestDecode_AppliesDefaults(t *testing.T) {
	out := Decode(`{"transactionSuccessful":true,"resourceID":{"value":"42"}}`)
	require.True(t, out.Succeeded)
	assert.Equal(t, DefaultResourceType, out.ResourceType)
	assert.Equal(t, "42", out.ResourceID)
	assert.Equal(t, DefaultResourceVersion, out.ResourceVersion)
}

func TestSynthetic_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		o := Synthetic()
		require.True(t, o.Succeeded)
		require.NotEmpty(t, o.ResourceID)
		assert.False(t, seen[o.ResourceID], "synthetic id reused")
		seen[o.ResourceID] = true
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "CREATE CREATION_FAILURE", Failed().String())
	assert.Equal(t, "CREATE CREATION_FINISH AuditEvent/x/_history/2", Created("", "x", "2").String())
}
