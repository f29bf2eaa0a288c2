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
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/metrics"
)

const redisFabric = "redis"

// RedisBrokerConfig configures a RedisBroker.
type RedisBrokerConfig struct {
	// KeyPrefix prefixes every list key the broker touches.
	// Default: "hestia:capability"
	KeyPrefix string

	// Service is the logical participant name answered by Serve.
	Service string

	// PollInterval bounds each blocking pop so that cancellation is observed.
	// Redis accepts whole seconds only. Default: 1 second
	PollInterval time.Duration

	// ReplyTTL is how long an unclaimed reply survives.
	// Default: 1 minute
	ReplyTTL time.Duration
}

// redisEnvelope wraps a request with the list its reply must be pushed to.
type redisEnvelope struct {
	ReplyTo string  `json:"replyTo"`
	Request Request `json:"request"`
}

// RedisBroker is a capability fabric over Redis lists. Requests are pushed to
// the target's request list and the reply is popped from a per-request key.
type RedisBroker struct {
	client *redis.Client
	cfg    RedisBrokerConfig
	closed atomic.Bool
	logger *zap.Logger
}

// NewRedisBroker creates a broker for the Redis server at url.
func NewRedisBroker(ctx context.Context, url string, cfg RedisBrokerConfig, logger *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBrokerWithClient(client, cfg, logger), nil
}

// NewRedisBrokerWithClient creates a broker over an existing client. The
// broker takes ownership of client and closes it on Close.
func NewRedisBrokerWithClient(client *redis.Client, cfg RedisBrokerConfig, logger *zap.Logger) *RedisBroker {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "hestia:capability"
	}
	if cfg.Service == "" {
		cfg.Service = DefaultPersistenceService
	}
	if cfg.PollInterval < time.Second {
		cfg.PollInterval = time.Second
	}
	if cfg.ReplyTTL <= 0 {
		cfg.ReplyTTL = time.Minute
	}
	return &RedisBroker{
		client: client,
		cfg:    cfg,
		logger: logger.Named("redis-broker"),
	}
}

// RequestKey returns the list holding requests for service.
func (b *RedisBroker) RequestKey(service string) string {
	return b.cfg.KeyPrefix + ":" + service + ":requests"
}

// ReplyKey returns the list the reply to requestID is pushed to.
func (b *RedisBroker) ReplyKey(requestID string) string {
	return b.cfg.KeyPrefix + ":replies:" + requestID
}

// Health checks if the Redis connection is healthy.
func (b *RedisBroker) Health(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Execute pushes req to target's request list and waits for the reply.
func (b *RedisBroker) Execute(ctx context.Context, target string, req Request) (Response, error) {
	if b.closed.Load() {
		return Response{}, ErrBrokerClosed
	}

	replyKey := b.ReplyKey(req.RequestID)
	value, err := json.Marshal(redisEnvelope{ReplyTo: replyKey, Request: req})
	if err != nil {
		metrics.BrokerErrors.WithLabelValues(redisFabric, "serialization").Inc()
		return Response{}, fmt.Errorf("failed to marshal capability request: %w", err)
	}

	metrics.BrokerPending.WithLabelValues(redisFabric).Inc()
	defer metrics.BrokerPending.WithLabelValues(redisFabric).Dec()

	if err := b.client.LPush(ctx, b.RequestKey(target), value).Err(); err != nil {
		metrics.BrokerErrors.WithLabelValues(redisFabric, "publish").Inc()
		return Response{}, fmt.Errorf("failed to push capability request: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			metrics.BrokerErrors.WithLabelValues(redisFabric, "timeout").Inc()
			return Response{}, err
		}

		res, err := b.client.BLPop(ctx, b.cfg.PollInterval, replyKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			metrics.BrokerErrors.WithLabelValues(redisFabric, "receive").Inc()
			return Response{}, fmt.Errorf("failed to await capability response: %w", err)
		}

		// BLPOP yields [key, value].
		var resp Response
		if err := json.Unmarshal([]byte(res[1]), &resp); err != nil {
			metrics.BrokerErrors.WithLabelValues(redisFabric, "serialization").Inc()
			return Response{}, fmt.Errorf("failed to decode capability response: %w", err)
		}
		return resp, nil
	}
}

// Serve pops requests for the configured service and answers them with f.
func (b *RedisBroker) Serve(ctx context.Context, f Fulfiller) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}

	key := b.RequestKey(b.cfg.Service)
	b.logger.Info("serving capability requests",
		zap.String("service", b.cfg.Service),
		zap.String("key", key))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.closed.Load() {
			return ErrBrokerClosed
		}

		res, err := b.client.BRPop(ctx, b.cfg.PollInterval, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return ErrBrokerClosed
			}
			metrics.BrokerErrors.WithLabelValues(redisFabric, "receive").Inc()
			b.logger.Warn("failed to pop capability request", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		b.handleRequest(ctx, []byte(res[1]), f)
	}
}

func (b *RedisBroker) handleRequest(ctx context.Context, raw []byte, f Fulfiller) {
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.ReplyTo == "" {
		metrics.BrokerErrors.WithLabelValues(redisFabric, "serialization").Inc()
		b.logger.Warn("dropping undecodable capability request", zap.Error(err))
		return
	}

	resp := f.Fulfill(ctx, env.Request)
	value, err := json.Marshal(resp)
	if err != nil {
		metrics.BrokerErrors.WithLabelValues(redisFabric, "serialization").Inc()
		return
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, env.ReplyTo, value)
		pipe.Expire(ctx, env.ReplyTo, b.cfg.ReplyTTL)
		return nil
	})
	if err != nil {
		metrics.BrokerErrors.WithLabelValues(redisFabric, "publish").Inc()
		b.logger.Error("failed to push capability response",
			zap.Error(err),
			zap.String("request_id", resp.RequestID))
	}
}

// Close closes the underlying client.
func (b *RedisBroker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}

// Fabric returns "redis".
func (b *RedisBroker) Fabric() string {
	return redisFabric
}
