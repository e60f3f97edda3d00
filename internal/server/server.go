package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HatcherDX/dx-engine-sub007/internal/api/middleware"
	"github.com/HatcherDX/dx-engine-sub007/internal/infrastructure/monitoring"
	"github.com/HatcherDX/dx-engine-sub007/internal/infrastructure/tracing"
	"github.com/HatcherDX/dx-engine-sub007/internal/logging"
	"github.com/HatcherDX/dx-engine-sub007/internal/manager"
	"github.com/HatcherDX/dx-engine-sub007/internal/strategy"
)

// SessionController is the subset of the session manager the server
// drives. Satisfied by *manager.Manager.
type SessionController interface {
	CreateTerminal(ctx context.Context, opts strategy.Options) (*manager.TerminalSession, error)
	WriteToTerminal(terminalID string, data []byte)
	ResizeTerminal(terminalID string, cols, rows int)
	KillTerminal(terminalID string)
	Terminals() []manager.TerminalSession
	Subscribe(fn func(manager.Event)) func()
}

// Config contains server configuration.
type Config struct {
	Port             string
	Host             string
	RateLimitEnabled bool
	RequestsPerSec   int
	Burst            int
}

// Status is the point-in-time server report.
type Status struct {
	Running  bool    `json:"running"`
	Port     string  `json:"port"`
	Sessions int     `json:"sessions"`
	Uptime   float64 `json:"uptime"`
}

// Server exposes the remote terminal surface.
type Server struct {
	cfg     Config
	log     *logging.Logger
	control SessionController
	metrics *monitoring.Metrics
	router  *gin.Engine
	httpSrv *http.Server

	mu        sync.Mutex
	running   bool
	startTime time.Time
	conns     map[string]*wsConn
}

// New creates a server around a session controller. metrics may be
// nil to disable instrumentation endpoints.
func New(cfg Config, control SessionController, log *logging.Logger, metrics *monitoring.Metrics) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.Port == "" {
		cfg.Port = "3001"
	}

	s := &Server{
		cfg:     cfg,
		log:     log.Component("server"),
		control: control,
		metrics: metrics,
		conns:   make(map[string]*wsConn),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracing.New("termserver", s.log.Logger)))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if s.cfg.RateLimitEnabled {
		rateCfg := middleware.DefaultRateLimitConfig()
		if s.cfg.RequestsPerSec > 0 {
			rateCfg.RequestsPerSecond = s.cfg.RequestsPerSec
		}
		if s.cfg.Burst > 0 {
			rateCfg.Burst = s.cfg.Burst
		}
		router.Use(middleware.RateLimit(rateCfg))
	}
	if s.metrics != nil {
		router.Use(monitoring.Middleware(s.metrics))
	}

	router.GET("/health", s.handleHealth)
	router.GET("/terminals", s.handleTerminals)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/stats", s.handleStats)
	router.GET("/terminal", s.handleWebSocket)
	return router
}

// Start begins serving. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	s.mu.Lock()
	addr := s.cfg.Host + ":" + s.cfg.Port
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.log.Info("terminal server listening", zap.String("addr", addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and closes every live WebSocket
// connection, killing the sessions they own.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	srv := s.httpSrv
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Status reports listener state and live session count.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running: s.running,
		Port:    s.cfg.Port,
	}
	for _, c := range s.conns {
		st.Sessions += c.sessionCount()
	}
	if s.running {
		st.Uptime = time.Since(s.startTime).Seconds()
	}
	return st
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"sessionsActive": len(s.control.Terminals()),
		"uptime":         s.Status().Uptime,
		"timestamp":      time.Now().UnixMilli(),
	})
}

func (s *Server) handleTerminals(c *gin.Context) {
	sessions := s.control.Terminals()
	if sessions == nil {
		sessions = []manager.TerminalSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.metrics.GetSnapshot())
}

func (s *Server) registerConn(conn *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.id] = conn
	if s.metrics != nil {
		s.metrics.IncWSConnections()
	}
}

func (s *Server) unregisterConn(conn *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn.id]; !ok {
		return
	}
	delete(s.conns, conn.id)
	if s.metrics != nil {
		s.metrics.DecWSConnections()
	}
}
