// Package v1 exposes the node agent's HTTP API, called by the server for
// job dispatch and aborts.
package v1

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"flowfleet/agent/runner"
	"flowfleet/internal/protocol"
)

const resultCacheSize = 1024

// resultCache remembers the most recent dispatch decisions by requestId,
// evicting the oldest entry once full.
type resultCache struct {
	mu      sync.Mutex
	results map[string]protocol.FileCheckResult
	order   []string
}

func newResultCache() *resultCache {
	return &resultCache{results: make(map[string]protocol.FileCheckResult)}
}

func (c *resultCache) get(requestID string) (protocol.FileCheckResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.results[requestID]
	return result, ok
}

func (c *resultCache) put(requestID string, result protocol.FileCheckResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.results[requestID]; exists {
		c.results[requestID] = result
		return
	}
	if len(c.order) >= resultCacheSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.results, oldest)
	}
	c.results[requestID] = result
	c.order = append(c.order, requestID)
}

// Handler serves the agent's job endpoints
type Handler struct {
	token   string
	manager *runner.Manager

	// Dispatches are idempotent per requestId: a retried dispatch gets
	// the original decision instead of a second job.
	results *resultCache
}

// NewHandler creates a new agent API handler
func NewHandler(token string, manager *runner.Manager) *Handler {
	return &Handler{token: token, manager: manager, results: newResultCache()}
}

// SetupRouter sets up the agent API routes
func SetupRouter(r *gin.Engine, token string, manager *runner.Manager) *Handler {
	h := NewHandler(token, manager)

	agent := r.Group("/agent/v1")
	agent.Use(h.authRequired())
	{
		agent.GET("/ping", h.Ping)
		agent.POST("/jobs/dispatch", h.Dispatch)
		agent.POST("/jobs/abort", h.Abort)
		agent.POST("/jobs/abort-all", h.AbortAll)
	}
	return h
}

func (h *Handler) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if h.token == "" || token != h.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    1002,
				"message": "invalid agent token",
				"data":    nil,
			})
			return
		}
		c.Next()
	}
}

// Ping handles GET /agent/v1/ping
func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data": gin.H{
			"activeRunners": h.manager.Active(),
		},
	})
}

// Dispatch handles POST /agent/v1/jobs/dispatch
func (h *Handler) Dispatch(c *gin.Context) {
	var req protocol.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    2001,
			"message": "invalid dispatch request",
			"data":    nil,
		})
		return
	}

	var result protocol.FileCheckResult
	if cached, ok := h.results.get(req.RequestID); ok && req.RequestID != "" {
		result = cached
	} else {
		result = h.manager.TryStart(&req)
		if req.RequestID != "" {
			h.results.put(req.RequestID, result)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data": gin.H{
			"requestId": req.RequestID,
			"result":    result,
		},
	})
}

// Abort handles POST /agent/v1/jobs/abort
func (h *Handler) Abort(c *gin.Context) {
	var req protocol.AbortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    2001,
			"message": "invalid abort request",
			"data":    nil,
		})
		return
	}

	aborted := h.manager.Abort(req.FileID)
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data": gin.H{
			"aborted": aborted,
		},
	})
}

// AbortAll handles POST /agent/v1/jobs/abort-all
func (h *Handler) AbortAll(c *gin.Context) {
	h.manager.AbortAll()
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    nil,
	})
}
