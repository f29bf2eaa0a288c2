package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/api"
	"github.com/fhirfactory/hestia-audit-relay/pkg/capability"
	"github.com/fhirfactory/hestia-audit-relay/pkg/config"
	"github.com/fhirfactory/hestia-audit-relay/pkg/fhir"
	"github.com/fhirfactory/hestia-audit-relay/pkg/queue"
	"github.com/fhirfactory/hestia-audit-relay/pkg/relay"
	"github.com/fhirfactory/hestia-audit-relay/pkg/telemetry"
	"github.com/fhirfactory/hestia-audit-relay/pkg/transport"
	"github.com/fhirfactory/hestia-audit-relay/pkg/version"
)

const tracerName = "github.com/fhirfactory/hestia-audit-relay/pkg/relay"

// App is one assembled relay process.
type App struct {
	cfg     config.Config
	log     *zap.Logger
	broker  capability.Broker
	daemon  *relay.Daemon
	service *relay.Service
	server  *api.Server

	shutdownTracing telemetry.ShutdownFunc
	stopServing     context.CancelFunc
	wg              sync.WaitGroup
}

// Build wires every component from cfg. ctx bounds broker connection setup and
// the lifetime of the fabric's background consumers.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger, debug bool) (*App, error) {
	tp, shutdownTracing, err := telemetry.Init(ctx, telemetry.OptionsFromConfig(cfg, version.Version, log))
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	app := &App{cfg: cfg, log: log, shutdownTracing: shutdownTracing}

	direct, err := newDirectTransport(cfg, log)
	if err != nil {
		app.Close()
		return nil, err
	}

	broker, err := newBroker(ctx, cfg, log)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.broker = broker

	cluster, err := transport.NewClusterClient(broker, transport.ClusterConfig{
		Target:  cfg.Cluster.Target,
		Timeout: cfg.Cluster.Timeout,
	}, log)
	if err != nil {
		app.Close()
		return nil, err
	}

	if !cfg.Persistence.KnownTechnology() {
		log.Warn("Unrecognized persistence technology, delivering direct",
			zap.String("technology", cfg.Persistence.Technology))
	}
	dispatcher, err := relay.NewDispatcher(relay.DispatcherOptions{
		Settings: relay.Settings{
			Persist:    cfg.Persistence.Enabled,
			Technology: relay.ParseTechnology(cfg.Persistence.Technology),
		},
		Direct:  direct,
		Cluster: cluster,
		Tracer:  tp.Tracer(tracerName),
		Logger:  log,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	if cfg.Cluster.Serve {
		app.serveCapabilities(ctx, dispatcher)
	}

	var policy relay.FailurePolicy = relay.RetryForever{}
	if cfg.Daemon.MaxAttempts > 0 {
		policy = relay.MaxAttempts{N: cfg.Daemon.MaxAttempts}
	}
	q := queue.New[*fhir.AuditEvent]()
	app.daemon, err = relay.NewDaemon(q, dispatcher, relay.DaemonConfig{
		StartupDelay: cfg.Daemon.StartupDelay,
		Period:       cfg.Daemon.Period,
	}, policy, log)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.service = relay.NewService(dispatcher, q, app.daemon, log)

	app.server = api.NewServer(log, cfg, debug)
	if err := app.server.RegisterAll([]api.APIController{
		api.NewAuditEventController(app.service, log),
		api.NewCapabilityController(dispatcher, log),
		api.NewQueueController(app.service, log),
	}); err != nil {
		app.Close()
		return nil, fmt.Errorf("registering ingress controllers: %w", err)
	}
	if rb, ok := broker.(*capability.RedisBroker); ok {
		app.server.AddHealthCheck("redis", rb.Health)
	}

	log.Info("Relay assembled",
		zap.Bool("persist", cfg.Persistence.Enabled),
		zap.String("transport", dispatcher.Transport().Name()),
		zap.String("fabric", broker.Fabric()),
		zap.String("node", cfg.Cluster.Node),
		zap.Bool("serve", cfg.Cluster.Serve),
		zap.String("failure_policy", policy.Name()))
	return app, nil
}

// Service returns the relay facade.
func (a *App) Service() *relay.Service {
	return a.service
}

// Server returns the ingress server.
func (a *App) Server() *api.Server {
	return a.server
}

// Run starts the delivery daemon and serves ingress until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.daemon.Start(ctx)
	defer a.daemon.Stop()
	return a.server.Listen(ctx)
}

// Close stops background work and releases the broker and tracer. It is safe
// to call on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.daemon != nil {
		a.daemon.Stop()
	}
	if a.server != nil {
		a.server.Close()
	}
	if a.stopServing != nil {
		a.stopServing()
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s broker: %w", a.broker.Fabric(), err))
		}
	}
	a.wg.Wait()
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutting down tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) serveCapabilities(ctx context.Context, f capability.Fulfiller) {
	ctx, a.stopServing = context.WithCancel(ctx)
	switch b := a.broker.(type) {
	case *capability.LocalBroker:
		b.Provide(a.cfg.Cluster.ServiceName, f)
	case capability.Server:
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := b.Serve(ctx, f); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, capability.ErrBrokerClosed) {
				a.log.Error("Capability server stopped", zap.String("fabric", a.broker.Fabric()), zap.Error(err))
			}
		}()
	}
	a.log.Info("Serving capability requests",
		zap.String("service", a.cfg.Cluster.ServiceName),
		zap.String("fabric", a.broker.Fabric()))
}

func newDirectTransport(cfg config.Config, log *zap.Logger) (transport.Transport, error) {
	direct, err := transport.NewDirectClient(transport.DirectConfig{
		BaseURL:    cfg.Backend.ResolvedURL(),
		Timeout:    cfg.Backend.Timeout,
		RetryCount: cfg.Backend.RetryCount,
		Headers:    cfg.Backend.Headers,
		Persist:    cfg.Persistence.Enabled,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("creating direct transport: %w", err)
	}
	if !cfg.Daemon.CircuitBreaker.Enabled {
		return direct, nil
	}
	return transport.WithBreaker(direct, transport.BreakerConfig{
		FailureThreshold: cfg.Daemon.CircuitBreaker.FailureThreshold,
		OpenTimeout:      cfg.Daemon.CircuitBreaker.OpenTimeout,
	}, log), nil
}

func newBroker(ctx context.Context, cfg config.Config, log *zap.Logger) (capability.Broker, error) {
	switch cfg.Cluster.Fabric {
	case "kafka":
		kcfg, err := kafkaBrokerConfig(cfg)
		if err != nil {
			return nil, err
		}
		kb, err := capability.NewKafkaBroker(kcfg, log)
		if err != nil {
			return nil, fmt.Errorf("creating kafka broker: %w", err)
		}
		kb.Start(ctx)
		return kb, nil
	case "redis":
		rb, err := capability.NewRedisBroker(ctx, cfg.Cluster.Redis.URL, capability.RedisBrokerConfig{
			KeyPrefix: cfg.Cluster.Redis.KeyPrefix,
			Service:   cfg.Cluster.ServiceName,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("creating redis broker: %w", err)
		}
		return rb, nil
	default:
		return capability.NewLocalBroker(log), nil
	}
}

func kafkaBrokerConfig(cfg config.Config) (capability.KafkaBrokerConfig, error) {
	k := cfg.Cluster.Kafka
	out := capability.KafkaBrokerConfig{
		Node:             cfg.Cluster.Node,
		Service:          cfg.Cluster.ServiceName,
		Brokers:          k.Brokers,
		TopicPrefix:      k.TopicPrefix,
		RequiredAcks:     k.RequiredAcks,
		CompressionCodec: k.CompressionCodec,
	}
	if k.TLS.Enabled {
		tlsCfg := &capability.KafkaTLSConfig{Enabled: true, InsecureSkipVerify: k.TLS.InsecureSkipVerify}
		for _, f := range []struct {
			path string
			dst  *[]byte
		}{
			{k.TLS.CAFile, &tlsCfg.CACert},
			{k.TLS.CertFile, &tlsCfg.ClientCert},
			{k.TLS.KeyFile, &tlsCfg.ClientKey},
		} {
			if f.path == "" {
				continue
			}
			data, err := os.ReadFile(f.path)
			if err != nil {
				return out, fmt.Errorf("reading kafka TLS material: %w", err)
			}
			*f.dst = data
		}
		out.TLS = tlsCfg
	}
	if k.SASL.Mechanism != "" {
		out.SASL = &capability.KafkaSASLConfig{
			Mechanism: k.SASL.Mechanism,
			Username:  k.SASL.Username,
			Password:  k.SASL.Password,
		}
	}
	return out, nil
}
