// Package api is the operator HTTP surface of the execution core.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router  *gin.Engine
	Bus     *events.Bus
	Engine  engine.Service
	Metrics *monitor.SystemMetrics
	Auth    AuthConfig

	limiter *ipLimiter
	http    *http.Server
}

// AuthConfig is the single-operator login.
type AuthConfig struct {
	JWTSecret         string
	AdminUser         string
	AdminPasswordHash string // bcrypt
	Instance          string
	TokenTTL          time.Duration
}

func NewServer(bus *events.Bus, svc engine.Service, metrics *monitor.SystemMetrics, auth AuthConfig) *Server {
	if auth.TokenTTL <= 0 {
		auth.TokenTTL = 12 * time.Hour
	}
	r := gin.New()
	s := &Server{
		Router:  r,
		Bus:     bus,
		Engine:  svc,
		Metrics: metrics,
		Auth:    auth,
		limiter: newIPLimiter(20, 50),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())               // Request ID tracking
	r.Use(RequestLogger(metrics))              // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(s.limiter))      // Rate limiting
	r.Use(TimeoutMiddleware(60 * time.Second)) // close and reconcile can wait on confirmation
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/positions", s.getPositions)
		api.GET("/guard", s.getGuard)
		api.GET("/breakers", s.getBreakers)
		api.GET("/balances", s.getBalances)
		api.GET("/metrics", s.getMetrics)

		// Auth endpoints (no auth required)
		api.POST("/auth/login", s.login)

		// Operator actions
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Auth.JWTSecret))
		{
			protected.POST("/reconcile", s.reconcile)
			protected.POST("/positions/:symbol/close", s.closePosition)
			protected.POST("/signals", s.submitSignal)
		}
	}

	s.Router.GET("/ws", AuthMiddleware(s.Auth.JWTSecret), s.websocket)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
