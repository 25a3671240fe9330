// Package webhook exposes the alert intake endpoint, the liveness probe and
// a small read-only operator API over gin.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thomasdunn15/trading-bot/internal/feed"
	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/signal"
	"github.com/thomasdunn15/trading-bot/internal/trader"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

// Engine is the slice of the trader the HTTP layer drives.
type Engine interface {
	SubmitCommand(ctx context.Context, cmd signal.Command) error
	ResolvePosition(ctx context.Context, instrument, note string) error
	Positions() []types.PositionView
	RecentEvents(limit int) ([]trader.EventEnvelope, error)
}

// Interpreter turns an alert into a command and delivers it through submit
// in acceptance order.
type Interpreter interface {
	Submit(sig signal.Signal, submit func(signal.Command) error) (signal.Command, error)
}

// FeedStatus reports the tick stream state; nil when the feed is disabled.
type FeedStatus interface {
	Status() feed.Status
}

// MaintenanceGate reports whether alerts should be skipped at t.
type MaintenanceGate interface {
	Contains(t time.Time) bool
}

type ServerConfig struct {
	Addr        string
	Secret      string
	Engine      Engine
	Interpreter Interpreter
	Feed        FeedStatus
	// Maintenance, when set, makes /webhook skip alerts inside the window.
	Maintenance MaintenanceGate
	// CommandTimeout bounds how long a request waits for the actor.
	CommandTimeout time.Duration
}

type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil || cfg.Interpreter == nil {
		return nil, errors.New("webhook server requires an engine and an interpreter")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":5000"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	r := NewRouter(cfg)
	router.GET("/healthz", r.handleHealth)
	r.Register(router)
	return &Server{addr: cfg.Addr, router: router}, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("HTTP: listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
