package simulator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/schoolconsole/notify-engine/config"
	"github.com/schoolconsole/notify-engine/internal/auth"
	"github.com/schoolconsole/notify-engine/internal/websocket"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/schoolconsole/notify-engine/middleware"
	"go.uber.org/zap"
)

const (
	// Version is reported by the health endpoint.
	Version = "1.0.0"

	maxPushConnPerUser = 5
	pushConnWindow     = time.Minute
)

// Server is the development push simulator: the notification REST API plus
// raw and framed push endpoints.
type Server struct {
	cfg        *config.Config
	log        *zap.SugaredLogger
	engine     *gin.Engine
	httpServer *http.Server
	registry   *prometheus.Registry
	redis      *redis.Client
	publisher  Publisher
	repo       *Repository
	service    *Service
	hub        *websocket.Hub
	push       *websocket.Handler
	api        *Handler
	health     *HealthService
	tokens     *auth.SecretManager
	hubConfig  websocket.HubConfig
}

// Option configures a Server.
type Option func(*Server)

// WithRedisClient makes the server publish through rdb instead of dialing
// SIMULATOR.REDIS_ADDRESS.
func WithRedisClient(rdb *redis.Client) Option {
	return func(s *Server) {
		s.redis = rdb
	}
}

// WithRegistry sets the registry metrics are registered with and served from.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithHubConfig overrides push connection timings.
func WithHubConfig(cfg websocket.HubConfig) Option {
	return func(s *Server) {
		s.hubConfig = cfg
	}
}

// NewServer builds a simulator from cfg. Seed data is loaded when
// SIMULATOR.SEED_FILE is set.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.ValidateSimulator(); err != nil {
		return nil, fmt.Errorf("invalid simulator config: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		log:       logger.GetLogger().Named("simulator"),
		hubConfig: websocket.DefaultHubConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.redis == nil && cfg.Simulator.RedisAddress != "" {
		s.redis = newRedisClient(cfg)
	}

	pubMetrics := NewPublisherMetrics(s.registry)
	if s.redis != nil {
		s.publisher = NewRedisPublisher(s.redis, pubMetrics)
	} else {
		s.publisher = NewMemoryPublisher(0, pubMetrics)
	}

	s.repo = NewRepository()
	if cfg.Simulator.SeedFile != "" {
		seed, err := LoadSeed(cfg.Simulator.SeedFile)
		if err != nil {
			return nil, err
		}
		added := seed.Apply(s.repo, time.Now())
		s.log.Infow("Seed data loaded", "file", cfg.Simulator.SeedFile, "notifications", added)
	}

	s.service = NewService(s.repo, s.publisher)
	s.hub = websocket.NewHub(s.publisher, websocket.NewHubMetrics(s.registry), s.hubConfig)
	s.push = websocket.NewHandler(s.hub, cfg)
	s.tokens = auth.NewSecretManager(cfg.Simulator.JwtSecretKey, cfg.Simulator.SecretRotation())
	rotations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_sim_secret_rotations_total",
		Help: "Signing secret rotations since start",
	})
	s.registry.MustRegister(rotations)
	s.tokens.OnRotate(func(at time.Time) {
		rotations.Inc()
		s.log.Infow("Token signing secret rotated", "rotatedAt", at)
	})
	s.api = NewHandler(s.service, s.hub, s.tokens, cfg.Simulator.TokenTTL())

	var redisHealth redis.Cmdable
	if s.redis != nil {
		redisHealth = s.redis
	}
	s.health = NewHealthService(redisHealth, Version)
	s.health.SetActiveConnectionsGetter(s.hub.GetConnectionCount)

	s.engine = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Simulator.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func newRedisClient(cfg *config.Config) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Simulator.RedisAddress,
		Password: cfg.Simulator.RedisPassword,
		DB:       cfg.Simulator.RedisDB,
	}
	if cfg.IsProduction() {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

func (s *Server) routes() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.CORSMiddleware(s.cfg.Simulator.AllowedOrigins),
		middleware.ErrorHandler())

	r.GET("/health", s.health.ReadinessCheck)
	r.GET("/health/live", s.health.LivenessCheck)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	authed := r.Group("/", middleware.AuthMiddleware(s.tokens))
	authed.GET("/notifications", s.api.ListNotifications)
	authed.POST("/notifications/mark-all-read", s.api.MarkAllRead)
	authed.POST("/notifications/:id/read", s.api.MarkRead)
	authed.POST("/sessions/:sessionId/:resource", s.api.ExecuteAction)

	pushHandlers := []gin.HandlerFunc{}
	if s.redis != nil {
		pushHandlers = append(pushHandlers, middleware.PushConnectionLimiter(s.redis, maxPushConnPerUser, pushConnWindow))
	}
	authed.GET("/ws", append(pushHandlers, s.push.HandleRaw)...)
	authed.GET("/socket.io/", append(pushHandlers, s.push.HandleFramed)...)

	if s.cfg.IsDevelopment() {
		admin := r.Group("/admin")
		admin.POST("/token", s.api.IssueToken)
		admin.POST("/push", s.api.Push)
		admin.POST("/notifications", s.api.CreateNotification)
		admin.POST("/announcements", s.api.Announce)
		admin.GET("/connections", s.api.ListConnections)
		admin.DELETE("/connections/:userId", s.api.DisconnectUser)
	}
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Service returns the notification service.
func (s *Server) Service() *Service {
	return s.service
}

// Hub returns the push hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}

// Tokens returns the token issuer used to authenticate clients.
func (s *Server) Tokens() *auth.SecretManager {
	return s.tokens
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	rotateCtx, stopRotation := context.WithCancel(ctx)
	defer stopRotation()
	go s.tokens.Run(rotateCtx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("Simulator listening", "address", s.httpServer.Addr, "environment", s.cfg.Environment)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("simulator server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown closes push connections, stops the HTTP server and releases the
// publisher.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.hub.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.publisher.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Info("Simulator stopped")
	return errors.Join(errs...)
}
