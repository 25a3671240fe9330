package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/signal"
	"github.com/thomasdunn15/trading-bot/internal/trader"
)

const maxBodyBytes = 64 << 10

type Router struct {
	cfg ServerConfig
	now func() time.Time
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{cfg: cfg, now: time.Now}
}

func (r *Router) Register(router gin.IRouter) {
	authed := router.Group("", r.requireSecret())
	authed.POST("/webhook", r.handleWebhook)

	api := authed.Group("/api")
	api.GET("/positions", r.handlePositions)
	api.POST("/positions/:instrument/resolve", r.handleResolve)
	api.GET("/events", r.handleEvents)
	api.GET("/feed", r.handleFeed)
}

// requireSecret checks the shared secret from the X-Webhook-Secret header
// or the secret query parameter. An empty secret disables the check.
func (r *Router) requireSecret() gin.HandlerFunc {
	want := []byte(r.cfg.Secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got := c.GetHeader("X-Webhook-Secret")
		if got == "" {
			got = c.Query("secret")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			logger.Warnf("[api] rejected request with bad secret ip=%s path=%s", c.ClientIP(), c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (r *Router) handleWebhook(c *gin.Context) {
	received := r.now()
	if r.cfg.Maintenance != nil && r.cfg.Maintenance.Contains(received) {
		logger.Infof("[api] webhook skipped during maintenance ip=%s", c.ClientIP())
		c.JSON(http.StatusOK, gin.H{"status": "skipped", "reason": "maintenance_window"})
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": signal.ReasonSchemaInvalid, "detail": err.Error()})
		return
	}
	sig, err := signal.ParsePayload(raw, received)
	if err != nil {
		logger.Warnf("[api] webhook unparseable ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, rejectionBody(err))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), r.cfg.CommandTimeout)
	defer cancel()
	cmd, err := r.cfg.Interpreter.Submit(sig, func(cmd signal.Command) error {
		return r.cfg.Engine.SubmitCommand(ctx, cmd)
	})
	if _, rejected := signal.AsRejection(err); rejected {
		logger.Infof("[api] webhook %s %s rejected: %v", sig.Ticker, sig.Side, err)
		c.JSON(http.StatusOK, rejectionBody(err))
		return
	}
	switch {
	case err == nil:
		logger.Infof("[api] webhook accepted %s", cmd)
		c.JSON(http.StatusOK, gin.H{"status": "accepted", "command": cmd})
	case errors.Is(err, trader.ErrInconsistentState):
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "InconsistentState", "detail": err.Error()})
	case errors.Is(err, trader.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		logger.Errorf("[api] webhook %s timed out waiting for the engine", cmd)
		c.JSON(http.StatusGatewayTimeout, gin.H{"status": "timeout", "error": err.Error()})
	default:
		logger.Errorf("[api] webhook %s failed: %v", cmd, err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
	}
}

func rejectionBody(err error) gin.H {
	if rej, ok := signal.AsRejection(err); ok {
		return gin.H{"status": "rejected", "reason": rej.Reason, "detail": rej.Detail}
	}
	return gin.H{"status": "rejected", "reason": signal.ReasonSchemaInvalid, "detail": err.Error()}
}

func (r *Router) handleHealth(c *gin.Context) {
	state := "disabled"
	if r.cfg.Feed != nil {
		state = string(r.cfg.Feed.Status().State)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "feed": state})
}

func (r *Router) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": r.cfg.Engine.Positions()})
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (r *Router) handleResolve(c *gin.Context) {
	instrument := strings.ToUpper(strings.TrimSpace(c.Param("instrument")))
	var req resolveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Note == "" {
		req.Note = "resolved via api from " + c.ClientIP()
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.cfg.CommandTimeout)
	defer cancel()
	switch err := r.cfg.Engine.ResolvePosition(ctx, instrument, req.Note); {
	case err == nil:
		logger.Warnf("[api] %s resolved manually ip=%s note=%q", instrument, c.ClientIP(), req.Note)
		c.JSON(http.StatusOK, gin.H{"status": "resolved", "instrument": instrument})
	case errors.Is(err, trader.ErrInconsistentState):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, trader.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (r *Router) handleEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := r.cfg.Engine.RecentEvents(limit)
	if err != nil {
		logger.Errorf("[api] events failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (r *Router) handleFeed(c *gin.Context) {
	if r.cfg.Feed == nil {
		c.JSON(http.StatusOK, gin.H{"state": "disabled"})
		return
	}
	c.JSON(http.StatusOK, r.cfg.Feed.Status())
}
