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
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/metrics"
)

const (
	headerRequestID  = "request-id"
	headerCapability = "capability"
	headerReplyTo    = "reply-to"

	kafkaFabric = "kafka"
)

// KafkaBrokerConfig configures a KafkaBroker.
type KafkaBrokerConfig struct {
	// Node uniquely identifies this process; replies are routed to
	// "<TopicPrefix>.<Node>.replies".
	Node string

	// Service is the logical participant name this process serves when
	// Serve is called. Members serving the same name share one consumer group,
	// so each request is fulfilled by exactly one of them.
	Service string

	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// TopicPrefix prefixes request and reply topics.
	// Default: "hestia.capability"
	TopicPrefix string

	// TLS configuration for secure connections.
	TLS *KafkaTLSConfig

	// SASL authentication configuration.
	SASL *KafkaSASLConfig

	// WriteTimeout is the timeout for writing messages.
	// Default: 10 seconds
	WriteTimeout time.Duration

	// RequiredAcks determines the level of acknowledgment required.
	// -1: all replicas, 0: none, 1: leader only
	// Default: -1 (all replicas)
	RequiredAcks int

	// CompressionCodec for message compression.
	// Valid values: "none", "gzip", "snappy", "lz4", "zstd"
	// Default: "snappy"
	CompressionCodec string
}

// KafkaTLSConfig holds TLS configuration for Kafka connections.
type KafkaTLSConfig struct {
	// Enabled turns on TLS for the Kafka connection.
	Enabled bool

	// CACert is the PEM-encoded CA certificate for verifying the server.
	CACert []byte

	// ClientCert is the PEM-encoded client certificate for mTLS.
	ClientCert []byte

	// ClientKey is the PEM-encoded client private key for mTLS.
	ClientKey []byte

	// InsecureSkipVerify skips server certificate verification.
	// WARNING: Only use for testing.
	InsecureSkipVerify bool
}

// KafkaSASLConfig holds SASL authentication configuration.
type KafkaSASLConfig struct {
	// Mechanism is the SASL mechanism to use.
	// Valid values: "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
	Mechanism string

	// Username for SASL authentication.
	Username string

	// Password for SASL authentication.
	Password string
}

// messageWriter is the subset of *kafka.Writer used by the broker.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the subset of *kafka.Reader used by the broker.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// readerFactory opens a consumer-group reader on topic. startOffset applies
// only when the group has no committed offset yet.
type readerFactory func(topic, groupID string, startOffset int64) messageReader

// KafkaBroker is a capability fabric over Kafka. Requests are published to the
// target service's request topic; responses come back on this node's reply
// topic and are matched to the waiting caller by request id.
type KafkaBroker struct {
	cfg       KafkaBrokerConfig
	writer    messageWriter
	newReader readerFactory
	pending   *pendingTable
	logger    *zap.Logger

	mu      sync.Mutex
	readers []messageReader
	started bool
	closed  atomic.Bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewKafkaBroker creates a KafkaBroker. Call Start before Execute so replies
// are consumed.
func NewKafkaBroker(cfg KafkaBrokerConfig, logger *zap.Logger) (*KafkaBroker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Node == "" {
		return nil, fmt.Errorf("kafka broker node name is required")
	}

	transport := &kafka.Transport{}
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}

	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			logger.Error("failed to build Kafka TLS config",
				zap.Error(err),
				zap.Strings("brokers", cfg.Brokers))
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		transport.TLS = tlsConfig
		dialer.TLS = tlsConfig
	}

	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		mechanism, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			logger.Error("failed to build Kafka SASL mechanism",
				zap.Error(err),
				zap.String("mechanism", cfg.SASL.Mechanism))
			return nil, fmt.Errorf("failed to build SASL mechanism: %w", err)
		}
		transport.SASL = mechanism
		dialer.SASLMechanism = mechanism
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = -1 // Default to all replicas
	}

	compression := kafka.Snappy
	switch cfg.CompressionCodec {
	case "none":
		compression = 0
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "snappy", "":
		compression = kafka.Snappy
	default:
		logger.Warn("unknown compression codec, defaulting to snappy",
			zap.String("codec", cfg.CompressionCodec))
	}

	// Request/response traffic is latency bound: flush every message at once.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           time.Millisecond,
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequiredAcks(requiredAcks),
		Compression:            compression,
		Transport:              transport,
		AllowAutoTopicCreation: true,
	}

	brokers := cfg.Brokers
	newReader := func(topic, groupID string, startOffset int64) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			Dialer:      dialer,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     250 * time.Millisecond,
			StartOffset: startOffset,
		})
	}

	b := newKafkaBroker(cfg, writer, newReader, logger)

	logger.Info("Kafka capability broker created",
		zap.String("node", b.cfg.Node),
		zap.String("service", b.cfg.Service),
		zap.Strings("brokers", cfg.Brokers),
		zap.String("reply_topic", b.replyTopic()),
		zap.Bool("tls_enabled", cfg.TLS != nil && cfg.TLS.Enabled),
		zap.Bool("sasl_enabled", cfg.SASL != nil && cfg.SASL.Mechanism != ""))

	return b, nil
}

func newKafkaBroker(cfg KafkaBrokerConfig, writer messageWriter, newReader readerFactory, logger *zap.Logger) *KafkaBroker {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "hestia.capability"
	}
	if cfg.Service == "" {
		cfg.Service = DefaultPersistenceService
	}
	return &KafkaBroker{
		cfg:       cfg,
		writer:    writer,
		newReader: newReader,
		pending:   newPendingTable(),
		logger:    logger.Named("kafka-broker").With(zap.String("node", cfg.Node)),
	}
}

// RequestTopic returns the topic carrying requests for service.
func (b *KafkaBroker) RequestTopic(service string) string {
	return b.cfg.TopicPrefix + "." + service + ".requests"
}

func (b *KafkaBroker) replyTopic() string {
	return b.cfg.TopicPrefix + "." + b.cfg.Node + ".replies"
}

// Start begins consuming this node's reply topic. It is idempotent.
func (b *KafkaBroker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed.Load() {
		return
	}
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)
	// Replies can land before the group join completes; unmatched ones are dropped.
	replies := b.newReader(b.replyTopic(), b.cfg.Node, kafka.FirstOffset)
	b.readers = append(b.readers, replies)

	b.wg.Add(1)
	go b.consumeReplies(ctx, replies)
}

// Execute publishes req to target's request topic and waits for the reply.
func (b *KafkaBroker) Execute(ctx context.Context, target string, req Request) (Response, error) {
	if b.closed.Load() {
		return Response{}, ErrBrokerClosed
	}

	value, err := json.Marshal(req)
	if err != nil {
		metrics.BrokerErrors.WithLabelValues(kafkaFabric, "serialization").Inc()
		return Response{}, fmt.Errorf("failed to marshal capability request: %w", err)
	}

	waiter := b.pending.register(req.RequestID)
	defer b.pending.cancel(req.RequestID)
	metrics.BrokerPending.WithLabelValues(kafkaFabric).Inc()
	defer metrics.BrokerPending.WithLabelValues(kafkaFabric).Dec()

	msg := kafka.Message{
		Topic: b.RequestTopic(target),
		Key:   []byte(req.RequestID),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerRequestID, Value: []byte(req.RequestID)},
			{Key: headerCapability, Value: []byte(req.CapabilityName)},
			{Key: headerReplyTo, Value: []byte(b.replyTopic())},
		},
	}

	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		errorType := classifyKafkaError(err)
		metrics.BrokerErrors.WithLabelValues(kafkaFabric, errorType).Inc()
		b.logger.Warn("failed to publish capability request",
			zap.Error(err),
			zap.String("error_type", errorType),
			zap.String("target", target),
			zap.String("request_id", req.RequestID))
		return Response{}, fmt.Errorf("failed to publish capability request (%s): %w", errorType, err)
	}

	select {
	case resp := <-waiter:
		return resp, nil
	case <-ctx.Done():
		metrics.BrokerErrors.WithLabelValues(kafkaFabric, classifyKafkaError(ctx.Err())).Inc()
		return Response{}, ctx.Err()
	}
}

func (b *KafkaBroker) consumeReplies(ctx context.Context, r messageReader) {
	defer b.wg.Done()

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.fetchFailed(ctx, "replies", err)
			continue
		}

		var resp Response
		if err := json.Unmarshal(msg.Value, &resp); err != nil {
			metrics.BrokerErrors.WithLabelValues(kafkaFabric, "serialization").Inc()
			b.logger.Warn("discarding undecodable capability response",
				zap.Error(err),
				zap.Int64("offset", msg.Offset))
		} else if !b.pending.resolve(resp) {
			b.logger.Debug("capability response has no waiter",
				zap.String("request_id", resp.RequestID))
		}

		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			b.logger.Warn("failed to commit reply offset", zap.Error(err))
		}
	}
}

// Serve consumes the request topic of the configured service and answers each
// request with f, publishing the response to the requester's reply topic.
func (b *KafkaBroker) Serve(ctx context.Context, f Fulfiller) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}

	topic := b.RequestTopic(b.cfg.Service)
	r := b.newReader(topic, b.cfg.Service, kafka.LastOffset)
	b.mu.Lock()
	b.readers = append(b.readers, r)
	b.mu.Unlock()

	b.logger.Info("serving capability requests",
		zap.String("service", b.cfg.Service),
		zap.String("topic", topic))

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if b.closed.Load() {
				return ErrBrokerClosed
			}
			b.fetchFailed(ctx, "requests", err)
			continue
		}

		b.handleRequest(ctx, msg, f)

		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			b.logger.Warn("failed to commit request offset", zap.Error(err))
		}
	}
}

func (b *KafkaBroker) handleRequest(ctx context.Context, msg kafka.Message, f Fulfiller) {
	replyTo := headerValue(msg.Headers, headerReplyTo)
	if replyTo == "" {
		metrics.BrokerErrors.WithLabelValues(kafkaFabric, "no_reply_to").Inc()
		b.logger.Warn("capability request without reply-to header, dropping",
			zap.String("request_id", headerValue(msg.Headers, headerRequestID)))
		return
	}

	var req Request
	var resp Response
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		metrics.BrokerErrors.WithLabelValues(kafkaFabric, "serialization").Inc()
		b.logger.Warn("undecodable capability request", zap.Error(err))
		req.RequestID = headerValue(msg.Headers, headerRequestID)
		resp = req.Respond(false, "")
	} else {
		resp = f.Fulfill(ctx, req)
	}

	value, err := json.Marshal(resp)
	if err != nil {
		metrics.BrokerErrors.WithLabelValues(kafkaFabric, "serialization").Inc()
		return
	}

	out := kafka.Message{
		Topic: replyTo,
		Key:   []byte(resp.RequestID),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerRequestID, Value: []byte(resp.RequestID)},
		},
	}
	if err := b.writer.WriteMessages(ctx, out); err != nil {
		errorType := classifyKafkaError(err)
		metrics.BrokerErrors.WithLabelValues(kafkaFabric, errorType).Inc()
		b.logger.Error("failed to publish capability response",
			zap.Error(err),
			zap.String("error_type", errorType),
			zap.String("reply_to", replyTo),
			zap.String("request_id", resp.RequestID))
	}
}

// fetchFailed records a fetch error and pauses briefly before the next fetch.
func (b *KafkaBroker) fetchFailed(ctx context.Context, stream string, err error) {
	errorType := classifyKafkaError(err)
	metrics.BrokerErrors.WithLabelValues(kafkaFabric, errorType).Inc()
	b.logger.Warn("failed to fetch capability message",
		zap.String("stream", stream),
		zap.String("error_type", errorType),
		zap.Error(err))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
}

// Close stops the consumers and closes the writer.
func (b *KafkaBroker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()

	if err := b.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close Kafka writer: %w", err))
	}

	b.logger.Info("Kafka capability broker closed",
		zap.Int("abandoned_requests", b.pending.len()))
	return errors.Join(errs...)
}

// Fabric returns "kafka".
func (b *KafkaBroker) Fabric() string {
	return kafkaFabric
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// classifyKafkaError categorizes Kafka errors for metrics and logging.
func classifyKafkaError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// Check for context errors first (timeout/cancellation)
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}

	// Network errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "network"
	}

	switch {
	case strings.Contains(errStr, "SASL") || strings.Contains(errStr, "authentication"):
		return "auth"
	case strings.Contains(errStr, "authorization") || strings.Contains(errStr, "ACL"):
		return "authorization"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out"):
		return "timeout"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network"
	case strings.Contains(errStr, "broker") || strings.Contains(errStr, "leader"):
		return "broker"
	case strings.Contains(errStr, "topic"):
		return "topic"
	case strings.Contains(errStr, "TLS") || strings.Contains(errStr, "certificate"):
		return "tls"
	default:
		return "other"
	}
}

// buildTLSConfig creates a TLS configuration from KafkaTLSConfig.
func buildTLSConfig(cfg *KafkaTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // Configurable for testing
	}

	if len(cfg.CACert) > 0 {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(cfg.CACert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	// mTLS
	if len(cfg.ClientCert) > 0 && len(cfg.ClientKey) > 0 {
		cert, err := tls.X509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// buildSASLMechanism creates a SASL mechanism from KafkaSASLConfig.
func buildSASLMechanism(cfg *KafkaSASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "PLAIN":
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	case "SCRAM-SHA-256":
		mechanism, err := scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-256 mechanism: %w", err)
		}
		return mechanism, nil
	case "SCRAM-SHA-512":
		mechanism, err := scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-512 mechanism: %w", err)
		}
		return mechanism, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.Mechanism)
	}
}
