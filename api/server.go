// Package api exposes the engine over HTTP with echo: definitions,
// instances, the task inbox, a websocket event stream and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"flowpilot/events"
	"flowpilot/shared"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// UserHeader carries the caller identity.
const UserHeader = "X-User-ID"

// Engine is the part of the workflow engine the API serves.
type Engine interface {
	StartInstanceVersion(ctx context.Context, definitionID string, version int, data map[string]any, startedBy string) (string, error)
	GetInstance(ctx context.Context, instanceID string) (*shared.InstanceSnapshot, error)
	CancelInstance(ctx context.Context, instanceID, actor string) error
	WatchInstance(ctx context.Context, instanceID, userID string) error
	ListTasks(ctx context.Context, userID string) ([]*shared.Task, error)
	GetTask(ctx context.Context, taskID string) (*shared.Task, error)
	ClaimTask(ctx context.Context, taskID, actor string) error
	CompleteTask(ctx context.Context, taskID, actor, decision string, result map[string]any) error
	Subscribe(userID string) *events.Subscription
}

// Definitions registers and lists workflow definitions.
type Definitions interface {
	Register(def *shared.WorkflowDefinition) (*shared.WorkflowDefinition, error)
	List() []*shared.WorkflowDefinition
}

// Server holds the dependencies of the HTTP API.
type Server struct {
	engine   Engine
	defs     Definitions
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	upgrader websocket.Upgrader
	ping     time.Duration

	echo *echo.Echo

	mu   sync.Mutex
	http *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithPingInterval sets the websocket keepalive interval.
func WithPingInterval(d time.Duration) Option { return func(s *Server) { s.ping = d } }

// NewServer creates a Server and registers its routes.
func NewServer(engine Engine, defs Definitions, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		defs:     defs,
		gatherer: prometheus.DefaultGatherer,
		logger:   zap.NewNop(),
		ping:     30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("userID", c.Request().Header.Get(UserHeader)),
			}
			if v.Error != nil {
				s.logger.Warn("Request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			s.logger.Debug("Request", fields...)
			return nil
		},
	}))
	s.echo = e
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/definitions", s.listDefinitions)
	v1.POST("/definitions", s.registerDefinition)
	v1.POST("/definitions/validate", s.validateDefinition)

	v1.POST("/instances", s.startInstance)
	v1.GET("/instances/:id", s.getInstance)
	v1.POST("/instances/:id/cancel", s.cancelInstance)
	v1.POST("/instances/:id/watch", s.watchInstance)

	v1.GET("/tasks", s.listTasks)
	v1.GET("/tasks/:id", s.getTask)
	v1.POST("/tasks/:id/claim", s.claimTask)
	v1.POST("/tasks/:id/complete", s.completeTask)

	v1.GET("/events", s.streamEvents)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	s.logger.Info("HTTP server starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
