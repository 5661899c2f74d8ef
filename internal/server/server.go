/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amtp-protocol/a2a-gateway/internal/agents"
	"github.com/amtp-protocol/a2a-gateway/internal/audit"
	"github.com/amtp-protocol/a2a-gateway/internal/cache"
	"github.com/amtp-protocol/a2a-gateway/internal/config"
	"github.com/amtp-protocol/a2a-gateway/internal/dispatch"
	"github.com/amtp-protocol/a2a-gateway/internal/events"
	"github.com/amtp-protocol/a2a-gateway/internal/logging"
	"github.com/amtp-protocol/a2a-gateway/internal/metrics"
	"github.com/amtp-protocol/a2a-gateway/internal/middleware"
	"github.com/amtp-protocol/a2a-gateway/internal/protocol"
	"github.com/amtp-protocol/a2a-gateway/internal/queue"
	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
	"github.com/amtp-protocol/a2a-gateway/internal/signature"
	"github.com/amtp-protocol/a2a-gateway/internal/storage"
	"github.com/amtp-protocol/a2a-gateway/internal/streaming"
)

// Version is reported by health checks and the manifest
var Version = "1.0.0"

const serviceName = "a2a-gateway"

// Option customizes server construction
type Option func(*options)

type options struct {
	engine audit.Engine
	now    func() time.Time
}

// WithEngine replaces the configured audit engine
func WithEngine(e audit.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithClock injects the clock shared by every time-dependent component
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Server represents the A2A HTTP server
type Server struct {
	config     *config.Config
	httpServer *http.Server
	router     *gin.Engine
	dispatcher *dispatch.Dispatcher
	registry   *agents.Registry
	keys       *signature.KeyManager
	queue      *queue.Queue
	hub        *streaming.Hub
	transport  *streaming.Transport
	cache      *cache.Cache
	storage    storage.Storage
	logger     *logging.Logger
	metrics    metrics.Provider
	prom       *metrics.Metrics
	now        func() time.Time

	closers []io.Closer
	cancel  context.CancelFunc
	stop    sync.Once
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// New creates a new A2A server with every runtime component wired
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.NewLogger(cfg.Logging).WithComponent("server")

	var provider metrics.Provider
	var prom *metrics.Metrics
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		prom = metrics.NewMetrics()
		provider = prom
	} else {
		provider = metrics.NewSimpleMetrics()
	}

	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	s := &Server{
		config:  cfg,
		storage: store,
		logger:  logger,
		metrics: provider,
		prom:    prom,
		now:     o.now,
		closers: []io.Closer{closerFunc(store.Close)},
	}
	if err := s.build(o); err != nil {
		s.closeAll()
		return nil, err
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = s.createTLSConfig()
	}

	return s, nil
}

// build constructs the runtime graph. The hub is created before the
// dispatcher so both can share the queue, and the dispatcher's completion
// hook is installed last.
func (s *Server) build(o options) error {
	cfg := s.config
	ctx := context.Background()

	issuer, err := agents.NewIssuer(cfg.Auth.CredentialSecret, cfg.Auth.APIKeySalt)
	if err != nil {
		return err
	}
	if cfg.Auth.CredentialSecret == "" {
		s.logger.Warn("No credential secret configured, credentials will not survive a restart")
	}
	defaultTier, _ := ratelimit.ParseTier(cfg.Auth.DefaultAgentTier)
	s.registry = agents.NewRegistry(agents.RegistryConfig{
		Issuer:      issuer,
		TrustFloor:  cfg.Auth.TrustFloor,
		RingLength:  cfg.Auth.ActivityRingLength,
		DefaultTier: defaultTier,
		Now:         o.now,
		Logger:      s.logger,
	}, s.storage)

	s.keys = signature.NewKeyManager(s.storage,
		signature.WithRotationGrace(cfg.Auth.KeyRotationGrace),
		signature.WithKeyClock(o.now),
		signature.WithKeyLogger(s.logger),
	)
	verifierOpts := []signature.VerifierOption{
		signature.WithFreshness(cfg.Auth.SignatureMaxAge, cfg.Auth.FutureTolerance),
		signature.WithReplayGuard(signature.NewReplayGuard(cfg.Auth.SignatureMaxAge+cfg.Auth.FutureTolerance)),
		signature.WithVerifierClock(o.now),
	}
	if len(cfg.Auth.SignatureFields) > 0 {
		components := make([]string, 0, len(cfg.Auth.SignatureFields))
		for _, component := range cfg.Auth.SignatureFields {
			components = append(components, strings.TrimSpace(component))
		}
		verifierOpts = append(verifierOpts, signature.WithRequiredComponents(components...))
	}
	verifier := signature.NewVerifier(s.keys, verifierOpts...)

	buckets, closeBuckets, err := storage.NewBucketStore(ctx, cfg, s.storage)
	if err != nil {
		return fmt.Errorf("failed to create bucket store: %w", err)
	}
	s.closers = append(s.closers, closerFunc(closeBuckets))
	limiter := ratelimit.NewLimiter(buckets,
		ratelimit.WithTiers(tierTable(cfg.RateLimit.Tiers)),
		ratelimit.WithClock(o.now),
		ratelimit.WithLogger(s.logger),
	)

	s.cache = cache.New(cfg.Cache.TTL, cfg.Cache.CleanupInterval, cfg.Cache.MaxBytes)

	engine := o.engine
	if engine == nil {
		engine = newEngine(cfg.Audit)
	}

	bus := events.NewBus()
	s.queue = queue.New(s.storage, dispatch.NewExecutor(engine, s.cache), bus, s.logger, queue.Options{
		Workers:       cfg.Queue.Workers,
		PollInterval:  cfg.Queue.PollInterval,
		JobTimeout:    cfg.Queue.JobTimeout,
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryBackoff:  cfg.Queue.RetryBackoff,
		MaxBackoff:    cfg.Queue.MaxBackoff,
		Retention:     cfg.Queue.Retention,
		PurgeInterval: cfg.Queue.PurgeInterval,
		Now:           o.now,
	})

	s.hub = streaming.NewHub(dispatch.StreamAuthenticator{Registry: s.registry}, dispatch.JobOwner(s.queue), s.logger, streaming.Options{
		SendBuffer:       cfg.Streaming.SendBuffer,
		HeartbeatTimeout: cfg.Streaming.HeartbeatTimeout,
		SweepInterval:    cfg.Streaming.SweepInterval,
		Now:              o.now,
	})
	bus.Subscribe(s.hub)
	if err := s.attachSinks(bus); err != nil {
		return err
	}
	s.transport = streaming.NewTransport(s.hub, cfg.Streaming.AllowedOrigins, cfg.Streaming.WriteTimeout)

	credentialPrefix := agents.CredentialPrefix
	if cfg.Auth.APIKeyHeader == "" || cfg.Auth.APIKeyHeader == "Authorization" {
		credentialPrefix = "Bearer " + credentialPrefix
	}
	manifest := protocol.BuildManifest(protocol.ManifestConfig{
		ServiceName:       serviceName,
		ServiceVersion:    Version,
		Domain:            cfg.Server.Domain,
		PublicURL:         cfg.Server.PublicURL,
		CredentialHeader:  cfg.Auth.APIKeyHeader,
		CredentialPrefix:  credentialPrefix,
		RequireSignatures: cfg.Auth.RequireSignatures,
		MaxAge:            cfg.Auth.SignatureMaxAge,
		FutureTolerance:   cfg.Auth.FutureTolerance,
		Tiers:             limiter.Tiers(),
		MaxBatchSize:      cfg.Queue.MaxBatchSize,
	})

	s.dispatcher = dispatch.New(dispatch.Deps{
		Registry: s.registry,
		Verifier: verifier,
		Limiter:  limiter,
		Queue:    s.queue,
		Hub:      s.hub,
		Cache:    s.cache,
		Manifest: manifest,
		Logger:   s.logger,
	}, dispatch.Options{
		RequireSignatures: cfg.Auth.RequireSignatures,
		ServiceName:       serviceName,
		ServiceVersion:    Version,
		SyncLimit:         cfg.Queue.SyncAuditLimit,
		MaxBatchSize:      cfg.Queue.MaxBatchSize,
		Now:               o.now,
	})
	s.queue.OnComplete(s.dispatcher.OnJobComplete)

	s.queue.SetObserver(s.metrics)
	s.hub.SetObserver(s.metrics)
	s.dispatcher.SetObserver(s.metrics)
	if s.prom != nil {
		s.prom.WatchQueue(s.queue)
		s.prom.WatchCache(s.cache)
	}
	return nil
}

func newEngine(cfg config.AuditConfig) audit.Engine {
	if cfg.EngineURL == "" {
		return audit.Unavailable{}
	}
	return audit.NewRemoteEngine(audit.RemoteConfig{
		URL:       cfg.EngineURL,
		Timeout:   cfg.Timeout,
		UserAgent: serviceName + "/" + Version,
	})
}

// attachSinks forwards job events to the configured brokers
func (s *Server) attachSinks(bus *events.Bus) error {
	cfg := s.config.Events
	if cfg.AMQPURL != "" {
		sink, err := events.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("failed to connect amqp sink: %w", err)
		}
		async := events.NewAsyncSink("amqp", sink, 256, s.logger)
		bus.Subscribe(async)
		s.closers = append(s.closers, async)
	}
	if cfg.NATSURL != "" {
		sink, err := events.NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return fmt.Errorf("failed to connect nats sink: %w", err)
		}
		async := events.NewAsyncSink("nats", sink, 256, s.logger)
		bus.Subscribe(async)
		s.closers = append(s.closers, async)
	}
	return nil
}

// tierTable overlays configured tier limits on the defaults
func tierTable(overrides map[string]config.TierConfig) ratelimit.TierTable {
	tiers := ratelimit.DefaultTiers()
	for name, tc := range overrides {
		tier, ok := ratelimit.ParseTier(name)
		if !ok {
			continue
		}
		limits := tiers[tier]
		if tc.RequestsPerMinute > 0 {
			limits.RequestsPerMinute = tc.RequestsPerMinute
		}
		if tc.Burst > 0 {
			limits.Burst = tc.Burst
		}
		if tc.MaxConcurrent > 0 {
			limits.MaxConcurrent = tc.MaxConcurrent
		}
		tiers[tier] = limits
	}
	return tiers
}

// Start runs the queue workers and the hub sweeper, then serves HTTP
func (s *Server) Start() error {
	s.StartBackground()
	if s.config.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// StartBackground runs the queue workers and hub sweeper without serving HTTP
func (s *Server) StartBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.queue.Start(ctx)
	go s.hub.Run(ctx)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.stop.Do(func() {
		if s.cancel != nil {
			s.cancel()
			s.queue.Stop()
		}
		s.closeAll()
	})
	return err
}

func (s *Server) closeAll() {
	// reverse construction order
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warnf("close failed: %v", err)
		}
	}
	s.closers = nil
}

// GetRouter returns the Gin router for testing purposes
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.CORS(s.config.Streaming.AllowedOrigins, s.config.Auth.APIKeyHeader))
	s.router.Use(middleware.SecurityHeaders())
}

// setupRoutes configures routes for the server
func (s *Server) setupRoutes() {
	server := s

	server.router.GET("/health", server.handleHealth)
	server.router.GET("/ready", server.handleReady)
	server.router.GET(protocol.PathManifest, server.handleManifest)
	server.router.GET("/metrics", server.handleMetrics)

	server.router.POST(protocol.PathRPC,
		middleware.RequestSizeLimit(server.config.Server.MaxRequestSize),
		middleware.ProtocolVersion(),
		server.handleRPC,
	)
	server.router.GET(protocol.PathStream, gin.WrapH(server.transport))

	if server.config.Auth.OpenRegistration {
		server.router.POST("/a2a/v1/agents",
			middleware.RequestSizeLimit(server.config.Server.MaxRequestSize),
			server.handleSelfRegister,
		)
	}

	admin := server.router.Group("/admin/v1")
	admin.Use(middleware.AdminAuth(server.config.Auth))
	{
		admin.POST("/agents", server.handleRegisterAgent)
		admin.GET("/agents", server.handleListAgents)
		admin.GET("/agents/:id", server.handleGetAgent)
		admin.POST("/agents/:id/activate", server.agentTransition(server.registry.Activate))
		admin.POST("/agents/:id/deactivate", server.agentTransition(server.registry.Deactivate))
		admin.POST("/agents/:id/ban", server.agentTransition(server.registry.Ban))
		admin.POST("/agents/:id/credential", server.handleRotateCredential)
		admin.PUT("/agents/:id/tier", server.handleSetTier)

		admin.POST("/keys", server.handleGenerateKey)
		admin.POST("/keys/rotate", server.handleRotateKey)
		admin.GET("/keys", server.handleListKeys)
		admin.GET("/keys/audit", server.handleKeyAudit)
		admin.DELETE("/keys/:id", server.handleRevokeKey)

		admin.GET("/stats", server.handleStats)
		admin.POST("/queue/purge", server.handlePurge)
	}
}

// createTLSConfig creates TLS configuration
func (s *Server) createTLSConfig() *tls.Config {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS13}
	if s.config.TLS.MinVersion == "1.2" {
		tlsConfig.MinVersion = tls.VersionTLS12
	}
	return tlsConfig
}

// handleHealth handles health check requests (liveness probe)
func (s *Server) handleHealth(c *gin.Context) {
	health := s.checkHealth()

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// handleReady handles readiness check requests (readiness probe)
func (s *Server) handleReady(c *gin.Context) {
	readiness := s.checkReadiness(c.Request.Context())

	statusCode := http.StatusOK
	if !readiness.Ready {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, readiness)
}

// handleMetrics serves Prometheus exposition when enabled, a JSON snapshot otherwise
func (s *Server) handleMetrics(c *gin.Context) {
	if s.prom != nil {
		s.prom.Handler().ServeHTTP(c.Writer, c.Request)
		return
	}

	simple, ok := s.metrics.(*metrics.SimpleMetrics)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics not enabled"})
		return
	}
	data, err := simple.ToJSON()
	if err != nil {
		s.logger.Error("Failed to serialize metrics", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to serialize metrics"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// HealthStatus represents the health status of the gateway
type HealthStatus struct {
	Status     string            `json:"status"`
	Healthy    bool              `json:"healthy"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
}

// ReadinessStatus represents the readiness status of the gateway
type ReadinessStatus struct {
	Status       string            `json:"status"`
	Ready        bool              `json:"ready"`
	Timestamp    time.Time         `json:"timestamp"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
}

// checkHealth reports whether every component was constructed
func (s *Server) checkHealth() HealthStatus {
	healthy := true
	components := make(map[string]string)

	check := func(name string, ok bool) {
		if ok {
			components[name] = "healthy"
			return
		}
		healthy = false
		components[name] = "not_initialized"
	}
	check("router", s.router != nil)
	check("dispatcher", s.dispatcher != nil)
	check("agent_registry", s.registry != nil)
	check("job_queue", s.queue != nil)
	check("stream_hub", s.hub != nil)

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthStatus{
		Status:     status,
		Healthy:    healthy,
		Timestamp:  s.now().UTC(),
		Version:    Version,
		Components: components,
	}
}

// checkReadiness probes storage and reports queue pressure
func (s *Server) checkReadiness(ctx context.Context) ReadinessStatus {
	ready := true
	dependencies := make(map[string]string)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.storage.HealthCheck(ctx); err != nil {
		ready = false
		dependencies["storage"] = "unavailable"
	} else {
		dependencies["storage"] = "ready"
	}

	stats := s.queue.Stats(ctx)
	dependencies["job_queue"] = fmt.Sprintf("ready (%d workers)", stats.Workers)
	dependencies["stream_hub"] = "ready"

	status := "ready"
	if !ready {
		status = "not_ready"
	}

	return ReadinessStatus{
		Status:       status,
		Ready:        ready,
		Timestamp:    s.now().UTC(),
		Version:      Version,
		Dependencies: dependencies,
	}
}
