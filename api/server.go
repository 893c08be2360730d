package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/venmail/vensuite-gateway/auth"
	"github.com/venmail/vensuite-gateway/auth/db"
	"github.com/venmail/vensuite-gateway/internal/config"
	"github.com/venmail/vensuite-gateway/internal/slogging"
)

// Server is the collaboration gateway: HTTP endpoints plus the three
// WebSocket surfaces, wired to the registry, router and history store.
type Server struct {
	cfg       *config.Config
	redis     *db.RedisDB
	validator *auth.SessionValidator
	hub       *Hub
	history   *ChatHistoryStore
	router    *Router
	keys      *db.RedisKeyBuilder
	upgrader  websocket.Upgrader

	engine     *gin.Engine
	httpServer *http.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a gateway server instance
func NewServer(cfg *config.Config, redisDB *db.RedisDB) *Server {
	validator := auth.NewSessionValidator(redisDB)
	hub := NewHub(validator, cfg.Session.PreventDuplicate)
	history := NewChatHistoryStore(redisDB, cfg.Chat.MessageLimit, cfg.Chat.HistoryTTL)

	s := &Server{
		cfg:       cfg,
		redis:     redisDB,
		validator: validator,
		hub:       hub,
		history:   history,
		router:    NewRouter(hub, history),
		keys:      db.NewRedisKeyBuilder(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: cfg.WebSocket.EnableCompression,
			// The gateway sits behind the suite's reverse proxy which
			// enforces origins; allow all here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.engine = s.buildEngine()
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// buildEngine wires the gin router
func (s *Server) buildEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/meeting/*any", s.handleMeetingWS)
	r.POST("/special", s.postSpecial)
	r.POST("/meeting-notification", s.postMeetingNotification)
	r.GET("/health", s.getHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Token and sheet connections upgrade on any other GET path.
	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method == http.MethodGet && websocket.IsWebSocketUpgrade(c.Request) {
			s.handleDefaultWS(c)
			return
		}
		if c.Request.Method == http.MethodGet && (c.Query("token") != "" || c.Query("sheetId") != "") {
			s.handleDefaultWS(c)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Not found"})
	})

	return r
}

// Engine exposes the underlying router, primarily for tests
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Hub exposes the connection registry
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the HTTP server until shutdown
func (s *Server) Start() error {
	slogging.Get().Info("Gateway listening on %s", s.cfg.ListenAddress())
	return s.httpServer.ListenAndServe()
}

// Shutdown drains all tracked connections, stops the HTTP server and
// closes the cache client. Idempotent; later calls return the first
// call's result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		logger := slogging.Get()
		logger.Info("Gateway shutting down")

		s.hub.Shutdown()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.Error("HTTP server shutdown error: %v", err)
			s.shutdownErr = err
		}

		if err := s.redis.Close(); err != nil && s.shutdownErr == nil {
			s.shutdownErr = err
		}
	})
	return s.shutdownErr
}
