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
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrBrokerClosed is returned by a broker after Close.
	ErrBrokerClosed = errors.New("capability broker is closed")
	// ErrNoProvider is returned when no member serves the target service.
	ErrNoProvider = errors.New("no provider registered for service")
)

// Broker carries capability requests to the cluster member registered under
// a logical service name and returns the correlated response.
type Broker interface {
	// Execute sends req to target and blocks until the correlated response
	// arrives or ctx is done.
	Execute(ctx context.Context, target string, req Request) (Response, error)

	// Close releases the broker's resources.
	Close() error

	// Fabric names the underlying transport, for logs and metrics.
	Fabric() string
}

// Server is implemented by brokers that can also deliver inbound requests
// addressed to this process.
type Server interface {
	// Serve answers requests with f until ctx is done.
	Serve(ctx context.Context, f Fulfiller) error
}

// LocalBroker is an in-process fabric. Members register themselves under a
// service name and requests are answered by direct call.
type LocalBroker struct {
	mu        sync.RWMutex
	providers map[string]Fulfiller
	closed    bool
	logger    *zap.Logger
}

// NewLocalBroker creates an empty in-process broker.
func NewLocalBroker(logger *zap.Logger) *LocalBroker {
	return &LocalBroker{
		providers: make(map[string]Fulfiller),
		logger:    logger.Named("local-broker"),
	}
}

// Provide registers f as the member serving service.
func (b *LocalBroker) Provide(service string, f Fulfiller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.providers[service] = f
	b.logger.Info("service provider registered", zap.String("service", service))
}

// Execute calls the registered provider. The call runs on its own goroutine
// so that ctx expiry releases the caller.
func (b *LocalBroker) Execute(ctx context.Context, target string, req Request) (Response, error) {
	b.mu.RLock()
	closed := b.closed
	f, ok := b.providers[target]
	b.mu.RUnlock()

	if closed {
		return Response{}, ErrBrokerClosed
	}
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrNoProvider, target)
	}

	done := make(chan Response, 1)
	go func() {
		done <- f.Fulfill(ctx, req)
	}()

	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Close marks the broker closed.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Fabric returns "local".
func (b *LocalBroker) Fabric() string {
	return "local"
}

// pendingTable correlates outbound requests with their responses.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan Response
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan Response)}
}

// register returns the channel on which the response for id is delivered.
func (p *pendingTable) register(id string) chan Response {
	ch := make(chan Response, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// resolve hands resp to its waiter. It returns false if nobody waits for it,
// which happens when the caller already gave up.
func (p *pendingTable) resolve(resp Response) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.RequestID]
	if ok {
		delete(p.waiters, resp.RequestID)
	}
	p.mu.Unlock()

	if ok {
		ch <- resp
	}
	return ok
}

func (p *pendingTable) cancel(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
