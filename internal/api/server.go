package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/groupchat/internal/config"
	intnet "github.com/energizer-project/groupchat/internal/network"
	"github.com/energizer-project/groupchat/internal/server"
	"github.com/energizer-project/groupchat/internal/util"
)

// Engine is the read-only view of the chat engine served by the API.
type Engine interface {
	Snapshot() *server.Snapshot
	Stats() server.Stats
	QueueDepth() int
	Started() time.Time
}

// Server is the admin REST API of the chat server. It only reads published
// engine snapshots and never mutates chat state.
type Server struct {
	cfg     config.APIConfig
	engine  Engine
	metrics http.Handler

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server. metrics may be nil, in which case
// /metrics is not mounted.
func NewServer(cfg config.APIConfig, logLevel string, engine Engine, metrics http.Handler) *Server {
	if logLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		engine:  engine,
		metrics: metrics,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if s.cfg.TLSEnabled {
		tlsConfig, err := s.tlsConfig()
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsConfig)
	}

	log.Info().Str("addr", addr).Bool("tls", s.cfg.TLSEnabled).Msg("admin API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if _, err := util.EnsureCertificate(s.cfg.CertFile, s.cfg.KeyFile, []string{"localhost", "127.0.0.1"}); err != nil {
		return nil, fmt.Errorf("failed to prepare TLS certificate: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	limiter := NewRateLimiter(s.cfg.RateLimitRPS)
	router.Use(limiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
	}

	monitor := router.Group("/api")
	{
		monitor.GET("/roster", s.handleGetRoster)
		monitor.GET("/roster/:id", s.handleGetClient)
		monitor.GET("/groups", s.handleGetGroups)
		monitor.GET("/groups/:id", s.handleGetGroup)
		monitor.GET("/stats", s.handleGetStats)
		monitor.GET("/system", s.handleGetSystem)
	}

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
