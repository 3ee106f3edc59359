package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/headline-goat/splitgoat/internal/experiment"
)

type Options struct {
	Port int
	// Token guards the admin API; a random one is generated when empty.
	Token string
	// TokenFile receives the token on Start so the CLI can print it later.
	TokenFile       string
	BeaconRate      float64
	BeaconBurst     int
	CORSOrigins     []string
	ShutdownTimeout time.Duration
	Gatherer        prometheus.Gatherer
	Logger          *zap.Logger
	// StoreDriver is reported by /health.
	StoreDriver string
}

type Server struct {
	registry  *experiment.Registry
	opts      Options
	token     string
	logger    *zap.Logger
	router    *gin.Engine
	limiter   *ipLimiter
	startTime time.Time
}

func New(registry *experiment.Registry, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.BeaconRate <= 0 {
		opts.BeaconRate = 50
	}
	if opts.BeaconBurst <= 0 {
		opts.BeaconBurst = 100
	}

	srv := &Server{
		registry:  registry,
		opts:      opts,
		token:     opts.Token,
		logger:    opts.Logger,
		limiter:   newIPLimiter(opts.BeaconRate, opts.BeaconBurst),
		startTime: time.Now(),
	}
	if srv.token == "" {
		srv.token = generateToken()
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.New(corsConfig(s.opts.CORSOrigins)))

	// Public endpoints
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	router.GET("/api/tests/:id/variant", s.handleVariant)
	router.POST("/b", s.limiter.middleware(), s.handleBeacon)

	// Admin endpoints (protected)
	admin := router.Group("/api/admin", s.authMiddleware())
	admin.GET("/tests", s.handleListTests)
	admin.POST("/tests", s.handleCreateTest)
	admin.GET("/tests/:id", s.handleGetTest)
	admin.PUT("/tests/:id", s.handleUpdateTest)
	admin.DELETE("/tests/:id", s.handleDeleteTest)
	admin.POST("/tests/:id/start", s.handleTransition(s.registry.StartTest))
	admin.POST("/tests/:id/pause", s.handleTransition(s.registry.PauseTest))
	admin.POST("/tests/:id/stop", s.handleTransition(s.registry.StopTest))
	admin.POST("/tests/:id/clone", s.handleCloneTest)
	admin.GET("/tests/:id/results", s.handleResults)
	admin.GET("/tests/:id/export", s.handleExport)
	admin.POST("/import", s.handleImport)

	s.router = router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.opts.TokenFile != "" {
		if err := os.WriteFile(s.opts.TokenFile, []byte(s.token), 0600); err != nil {
			s.logger.Warn("failed to write token file", zap.String("path", s.opts.TokenFile), zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.logger.Info("server listening",
		zap.Int("port", s.opts.Port),
		zap.String("admin", fmt.Sprintf("http://localhost:%d/api/admin/tests?token=%s", s.opts.Port, s.token)),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("server: generate token: %v", err))
	}
	return hex.EncodeToString(b)
}
