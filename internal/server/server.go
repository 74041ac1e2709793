// Package server is the demonstration HTTP front-end: it classifies a
// request into (quota_group, request_type) and drives the token manager
// core. It is the out-of-scope "proxy front-end" collaborator named by
// the core's own specification — present only so this module runs as a
// program, not because its routing is part of the core's contract.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nova-gateway/tokenproxy/internal/apperrors"
	"github.com/nova-gateway/tokenproxy/internal/logger"
	"github.com/nova-gateway/tokenproxy/internal/tokenmanager"
	"go.uber.org/zap"
)

// Handlers bundles the token manager for the gin route handlers.
type Handlers struct {
	manager *tokenmanager.Manager
}

// NewHandlers constructs a Handlers around the given manager.
func NewHandlers(manager *tokenmanager.Manager) *Handlers {
	return &Handlers{manager: manager}
}

// NewRouter builds the full gin engine and registers every route.
func NewRouter(h *Handlers) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	engine.GET("/healthz", h.Healthz)

	v1 := engine.Group("/v1")
	{
		v1.POST("/token", h.GetToken)
		v1.POST("/rate-limit", h.MarkRateLimited)
		v1.GET("/sticky-config", h.GetStickyConfig)
		v1.PUT("/sticky-config", h.UpdateStickyConfig)
		v1.POST("/sessions/clear", h.ClearSessions)
		v1.POST("/accounts/reload", h.ReloadAccounts)
	}

	return engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.L().Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func writeError(c *gin.Context, err error) {
	status, body := apperrors.ToHTTP(err)
	c.JSON(status, body)
}

// Healthz reports liveness plus a cheap pool-size signal.
func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": h.manager.Len()})
}

type getTokenRequest struct {
	QuotaGroup  string `json:"quota_group" binding:"required"`
	RequestType string `json:"request_type"`
	ForceRotate bool   `json:"force_rotate"`
	SessionID   string `json:"session_id"`
}

// GetToken handles POST /v1/token.
func (h *Handlers) GetToken(c *gin.Context) {
	var req getTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	selected, err := h.manager.GetToken(c.Request.Context(), req.QuotaGroup, req.RequestType, req.ForceRotate, req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, selected)
}

type markRateLimitedRequest struct {
	QuotaGroup       string `json:"quota_group" binding:"required"`
	RequestType      string `json:"request_type"`
	AccountID        string `json:"account_id" binding:"required"`
	Status           int    `json:"status" binding:"required"`
	RetryAfterHeader string `json:"retry_after_header"`
	ErrorBody        string `json:"error_body"`
}

// MarkRateLimited handles POST /v1/rate-limit.
func (h *Handlers) MarkRateLimited(c *gin.Context) {
	var req markRateLimitedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	h.manager.MarkRateLimited(req.QuotaGroup, req.RequestType, req.AccountID, req.Status, req.RetryAfterHeader, req.ErrorBody)
	c.Status(http.StatusNoContent)
}

// GetStickyConfig handles GET /v1/sticky-config.
func (h *Handlers) GetStickyConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.GetStickyConfig())
}

type updateStickyConfigRequest struct {
	Mode           tokenmanager.StickyMode `json:"mode" binding:"required"`
	MaxWaitSeconds int64                   `json:"max_wait_seconds"`
}

// UpdateStickyConfig handles PUT /v1/sticky-config.
func (h *Handlers) UpdateStickyConfig(c *gin.Context) {
	var req updateStickyConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	h.manager.UpdateStickyConfig(tokenmanager.StickyPolicy{Mode: req.Mode, MaxWaitSeconds: req.MaxWaitSeconds})
	c.Status(http.StatusNoContent)
}

// ClearSessions handles POST /v1/sessions/clear.
func (h *Handlers) ClearSessions(c *gin.Context) {
	h.manager.ClearAllSessions()
	c.Status(http.StatusNoContent)
}

// ReloadAccounts handles POST /v1/accounts/reload.
func (h *Handlers) ReloadAccounts(c *gin.Context) {
	count, err := h.manager.LoadAccounts()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts_loaded": count})
}
