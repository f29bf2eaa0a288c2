package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fhirfactory/hestia-audit-relay/pkg/apiresponses"
	"github.com/fhirfactory/hestia-audit-relay/pkg/config"
	"github.com/fhirfactory/hestia-audit-relay/pkg/metrics"
	"github.com/fhirfactory/hestia-audit-relay/pkg/ratelimit"
	"github.com/fhirfactory/hestia-audit-relay/pkg/system"
	"github.com/fhirfactory/hestia-audit-relay/pkg/version"
)

const (
	apiBasePath        = "api/v1"
	healthCheckTimeout = 2 * time.Second
	shutdownTimeout    = 15 * time.Second
)

type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	gin     *gin.Engine
	config  config.Config
	log     *zap.Logger
	limiter *ratelimit.Limiter

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

func NewServer(log *zap.Logger, cfg config.Config, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)
	if err := engine.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Warn("Ignoring invalid trusted proxies", zap.Strings("proxies", cfg.Server.TrustedProxies), zap.Error(err))
		_ = engine.SetTrustedProxies(nil)
	}

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 && debug {
		origins = []string{"http://localhost:5173", "http://127.0.0.1:8080"}
	}
	if len(origins) > 0 {
		engine.Use(
			cors.New(cors.Config{
				AllowOrigins: origins,
				AllowMethods: []string{"GET", "POST", "OPTIONS"},
				AllowHeaders: []string{"Origin", "Content-Type"},
				MaxAge:       12 * time.Hour,
			}),
		)
	}

	limits := ratelimit.DefaultIngressConfig()
	if cfg.Server.RateLimit.RequestsPerSecond > 0 {
		limits.Rate = cfg.Server.RateLimit.RequestsPerSecond
	}
	if cfg.Server.RateLimit.Burst > 0 {
		limits.Burst = cfg.Server.RateLimit.Burst
	}

	s := &Server{
		gin:     engine,
		config:  cfg,
		log:     log.Named("api"),
		limiter: ratelimit.New(limits),
		checks:  map[string]HealthCheck{},
	}
	engine.Use(s.instrument)

	engine.NoRoute(func(c *gin.Context) {
		apiresponses.RespondNotFoundSimple(c, "route not found: "+c.Request.URL.Path)
	})
	engine.GET("healthz", s.getHealth)
	engine.GET("metrics", gin.WrapH(metrics.MetricsHandler()))
	engine.GET("version", s.getVersion)

	return s
}

func (s *Server) RegisterAll(controllers []APIController) error {
	r := s.gin.Group(apiBasePath, s.limiter.Middleware(), limitBody(s.config.Server.MaxBodyBytes))
	for _, c := range controllers {
		if err := c.Register(r.Group(c.BasePath(), c.Handlers()...)); err != nil {
			return err
		}
	}
	return nil
}

// AddHealthCheck registers a dependency probed by GET /healthz.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Handler returns the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Server.ListenAddress,
		Handler:           s.gin,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		tls := s.config.Server.TLSCertFile != "" && s.config.Server.TLSKeyFile != ""
		s.log.Info("Starting ingress server",
			zap.String("address", srv.Addr),
			zap.Bool("tls", tls))
		if tls {
			errCh <- srv.ListenAndServeTLS(s.config.Server.TLSCertFile, s.config.Server.TLSKeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("Shutting down ingress server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

// Close releases the rate limiter's cleanup goroutine.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) instrument(c *gin.Context) {
	system.SetReqLogger(c, s.log)
	c.Next()

	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	metrics.APIRequests.WithLabelValues(path, strconv.Itoa(c.Writer.Status())).Inc()
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) getHealth(c *gin.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]HealthCheck, len(names))
	for i, name := range names {
		checks[i] = s.checks[name]
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK
	for i, name := range names {
		if err := checks[i](ctx); err != nil {
			system.GetReqLogger(c, s.log.Sugar()).Warnw("Health check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	c.JSON(status, resp)
}

func (s *Server) getVersion(c *gin.Context) {
	apiresponses.RespondOK(c, version.GetBuildInfo())
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// readBody reads the request body, answering 400 or 413 itself on failure.
func readBody(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		apiresponses.RespondRequestTooLarge(c, tooLarge.Limit)
		return nil, false
	}
	apiresponses.RespondBadRequestWithDetails(c, "failed to read request body", err.Error())
	return nil, false
}
