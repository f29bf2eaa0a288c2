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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fhirfactory/hestia-audit-relay/pkg/capability"
	"github.com/fhirfactory/hestia-audit-relay/pkg/fhir"
	"github.com/fhirfactory/hestia-audit-relay/pkg/outcome"
)

// stubBroker answers Execute with a canned response or error.
type stubBroker struct {
	respond func(ctx context.Context, target string, req capability.Request) (capability.Response, error)
	calls   int
	target  string
}

func (b *stubBroker) Execute(ctx context.Context, target string, req capability.Request) (capability.Response, error) {
	b.calls++
	b.target = target
	return b.respond(ctx, target, req)
}

func (b *stubBroker) Close() error   { return nil }
func (b *stubBroker) Fabric() string { return "stub" }

func TestNewClusterClient(t *testing.T) {
	_, err := NewClusterClient(nil, ClusterConfig{}, zaptest.NewLogger(t))
	require.Error(t, err)

	c, err := NewClusterClient(&stubBroker{}, ClusterConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "cluster", c.Name())
	assert.Equal(t, capability.DefaultPersistenceService, c.target)
	assert.Equal(t, 30*time.Second, c.timeout)
}

func TestClusterClient_Deliver(t *testing.T) {
	ev := fhir.MustParseAuditEvent(sampleEvent)

	tests := []struct {
		name    string
		respond func(ctx context.Context, target string, req capability.Request) (capability.Response, error)
		want    bool
		wantID  string
	}{
		{
			name: "decoded success",
			respond: func(_ context.Context, _ string, req capability.Request) (capability.Response, error) {
				return req.Respond(true, outcome.Encode(outcome.Created("", "dm-1", "2"))), nil
			},
			want:   true,
			wantID: "dm-1",
		},
		{
			name: "provider reports failure",
			respond: func(_ context.Context, _ string, req capability.Request) (capability.Response, error) {
				return req.Respond(false, outcome.Encode(outcome.Created("", "dm-1", ""))), nil
			},
		},
		{
			name: "undecodable payload",
			respond: func(_ context.Context, _ string, req capability.Request) (capability.Response, error) {
				return req.Respond(true, "<html>"), nil
			},
		},
		{
			name: "encoded failure",
			respond: func(_ context.Context, _ string, req capability.Request) (capability.Response, error) {
				return req.Respond(true, outcome.Encode(outcome.Failed())), nil
			},
		},
		{
			name: "uncorrelated response",
			respond: func(_ context.Context, _ string, _ capability.Request) (capability.Response, error) {
				other := capability.NewRequest(capability.AuditEventPersistence, "")
				return other.Respond(true, outcome.Encode(outcome.Created("", "dm-1", ""))), nil
			},
		},
		{
			name: "broker error",
			respond: func(context.Context, string, capability.Request) (capability.Response, error) {
				return capability.Response{}, errors.New("fabric down")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &stubBroker{respond: tt.respond}
			c, err := NewClusterClient(broker, ClusterConfig{Target: "dm"}, zaptest.NewLogger(t))
			require.NoError(t, err)

			o := c.Deliver(context.Background(), ev)
			assert.Equal(t, tt.want, o.Succeeded)
			if tt.want {
				assert.Equal(t, tt.wantID, o.ResourceID)
			}
			assert.Equal(t, 1, broker.calls)
			assert.Equal(t, "dm", broker.target)
		})
	}
}

func TestClusterClient_RequestShape(t *testing.T) {
	var got capability.Request
	broker := &stubBroker{respond: func(_ context.Context, _ string, req capability.Request) (capability.Response, error) {
		got = req
		return req.Respond(true, outcome.Encode(outcome.Synthetic())), nil
	}}
	c, err := NewClusterClient(broker, ClusterConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	c.Deliver(context.Background(), fhir.MustParseAuditEvent(sampleEvent))

	assert.Equal(t, capability.AuditEventPersistence, got.CapabilityName)
	assert.JSONEq(t, sampleEvent, got.Payload)
	assert.NotEmpty(t, got.RequestID)
	assert.Equal(t, capability.DefaultPersistenceService, broker.target)
}

func TestClusterClient_Timeout(t *testing.T) {
	broker := &stubBroker{respond: func(ctx context.Context, _ string, _ capability.Request) (capability.Response, error) {
		<-ctx.Done()
		return capability.Response{}, ctx.Err()
	}}
	c, err := NewClusterClient(broker, ClusterConfig{Timeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)

	start := time.Now()
	o := c.Deliver(context.Background(), fhir.MustParseAuditEvent(sampleEvent))
	assert.False(t, o.Succeeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClusterClient_OverLocalBroker(t *testing.T) {
	logger := zaptest.NewLogger(t)
	broker := capability.NewLocalBroker(logger)

	registry := capability.NewRegistry(logger)
	require.NoError(t, registry.Register(capability.AuditEventPersistence, capability.HandlerFunc(
		func(_ context.Context, req capability.Request) capability.Response {
			return req.Respond(true, outcome.Encode(outcome.Created("", "persisted-1", "")))
		})))
	broker.Provide(capability.DefaultPersistenceService, registry)

	c, err := NewClusterClient(broker, ClusterConfig{}, logger)
	require.NoError(t, err)

	o := c.Deliver(context.Background(), fhir.MustParseAuditEvent(sampleEvent))
	require.True(t, o.Succeeded)
	assert.Equal(t, "persisted-1", o.ResourceID)
	assert.Equal(t, outcome.DefaultResourceVersion, o.ResourceVersion)
}
