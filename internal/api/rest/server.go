package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/api/websocket"
	"github.com/KevinKickass/OpenServoCore/internal/auth"
	"github.com/KevinKickass/OpenServoCore/internal/config"
	"github.com/KevinKickass/OpenServoCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

// NewServer wires the HTTP API. A nil authService leaves every route open.
func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:      router,
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second, // bus scans take seconds
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

// protect returns the middleware chain for a permission, or nothing when
// auth is disabled.
func (s *Server) protect(perm auth.Permission) []gin.HandlerFunc {
	if s.authService == nil {
		return nil
	}
	return []gin.HandlerFunc{s.authService.AuthMiddleware(), auth.RequirePermission(perm)}
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(s.lm.Metrics().Handler()))

	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH (PUBLIC) ====================
		v1.POST("/auth/login", s.login)

		// ==================== SYSTEM (OPERATOR+) ====================
		system := v1.Group("/system", s.protect(auth.PermOperator)...)
		{
			system.GET("/status", s.getSystemStatus)
		}

		// ==================== BUSES ====================
		buses := v1.Group("/buses")
		{
			// Read operations: Operator+
			read := buses.Group("", s.protect(auth.PermOperator)...)
			read.GET("", s.listBuses)
			read.POST("/:bus/ping/:id", s.pingServo)
			read.POST("/:bus/scan", s.scanBus)
			read.POST("/:bus/read", s.readBus)

			// Mutating operations: Technician+
			write := buses.Group("", s.protect(auth.PermTechnician)...)
			write.POST("/:bus/write", s.writeBus)
			write.POST("/:bus/sync-write", s.syncWriteBus)
			write.POST("/:bus/reboot/:id", s.rebootServo)
			write.POST("/:bus/factory-reset/:id", s.factoryResetServo)
			write.POST("/:bus/baud", s.setBusBaud)
			write.POST("/:bus/clear-multi-turn/:id", s.clearMultiTurn)
		}

		// ==================== SERVOS ====================
		servos := v1.Group("/servos")
		{
			read := servos.Group("", s.protect(auth.PermOperator)...)
			read.GET("", s.listServos)
			read.GET("/:id", s.getServo)
			read.POST("/:id/read", s.readServo)
			read.GET("/:id/history", s.servoHistory)

			write := servos.Group("", s.protect(auth.PermTechnician)...)
			write.POST("", s.createServo)
			write.DELETE("/:id", s.deleteServo)
			write.POST("/:id/write", s.writeServo)
		}

		// ==================== MODELS (OPERATOR+) ====================
		models := v1.Group("/models", s.protect(auth.PermOperator)...)
		{
			models.GET("", s.listModels)
			models.GET("/:vendor/:model", s.getModel)
		}

		// ==================== WEBSOCKET (auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}
