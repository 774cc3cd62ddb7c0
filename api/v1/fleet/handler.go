package fleet

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"flowfleet/api/v1/middleware"
	"flowfleet/internal/dispatch"
	"flowfleet/internal/fleet"
	"flowfleet/internal/httpx"
	"flowfleet/internal/notify"
	"flowfleet/internal/protocol"
	"flowfleet/internal/revision"

	"github.com/gin-gonic/gin"
)

// Handler serves the node-facing fleet endpoints
type Handler struct {
	svc        *fleet.Service
	rev        *revision.Service
	dispatcher *dispatch.Dispatcher
	notifier   *notify.Service
	logDir     string
	pluginDir  string
}

// NewHandler creates a new fleet handler
func NewHandler(svc *fleet.Service, rev *revision.Service, dispatcher *dispatch.Dispatcher, notifier *notify.Service, logDir, pluginDir string) *Handler {
	return &Handler{svc: svc, rev: rev, dispatcher: dispatcher, notifier: notifier, logDir: logDir, pluginDir: pluginDir}
}

// Register handles POST /api/v1/fleet/register
func (h *Handler) Register(c *gin.Context) {
	var req protocol.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid register request"))
		return
	}

	resp, err := h.svc.Register(&req, middleware.BearerToken(c))
	if err != nil {
		if err == fleet.ErrAuthRejected {
			// Rejected connections get no response body at all
			log.Printf("[Fleet] Registration rejected for %q from %s", req.Hostname, c.ClientIP())
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	httpx.OK(c, resp)
}

// Heartbeat handles POST /api/v1/fleet/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	var req protocol.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.OK(c, &protocol.HeartbeatResponse{Status: protocol.HeartbeatInvalidModel})
		return
	}

	httpx.OK(c, h.svc.Heartbeat(&req))
}

// Configuration handles GET /api/v1/fleet/configuration
func (h *Handler) Configuration(c *gin.Context) {
	nodeID, _ := strconv.Atoi(c.Query("nodeId"))
	rev, err := strconv.ParseInt(c.DefaultQuery("revision", "0"), 10, 64)
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid revision"))
		return
	}
	if rev == 0 {
		rev = h.rev.Current()
	}

	payload, err := h.rev.GetForNode(rev, nodeID)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}
	if payload == nil {
		httpx.FailErr(c, httpx.ErrNotFound(fmt.Sprintf("revision %d not found", rev)))
		return
	}

	httpx.OK(c, payload)
}

// SyncLog handles POST /api/v1/fleet/log. The body is the node's log,
// gzip-compressed.
func (h *Handler) SyncLog(c *gin.Context) {
	nodeID, err := strconv.Atoi(c.Query("nodeId"))
	if err != nil || nodeID <= 0 {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid nodeId"))
		return
	}

	gz, err := gzip.NewReader(c.Request.Body)
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("body is not valid gzip"))
		return
	}
	defer gz.Close()

	if err := os.MkdirAll(h.logDir, 0755); err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to create log directory", err))
		return
	}

	path := filepath.Join(h.logDir, fmt.Sprintf("node-%d.log", nodeID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to open log file", err))
		return
	}
	defer f.Close()

	if _, err := io.Copy(f, gz); err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to write log file", err))
		return
	}

	httpx.OK(c, nil)
}

// PluginPackage handles GET /api/v1/fleet/plugins/:name; it serves the
// plugin's zip archive from the server's package directory.
func (h *Handler) PluginPackage(c *gin.Context) {
	name := c.Param("name")
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, "./\\") {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid plugin name"))
		return
	}

	path := filepath.Join(h.pluginDir, name+".zip")
	if _, err := os.Stat(path); err != nil {
		httpx.FailErr(c, httpx.ErrNotFound(fmt.Sprintf("plugin %s not found", name)))
		return
	}

	c.File(path)
}

// Unregister handles POST /api/v1/fleet/unregister
func (h *Handler) Unregister(c *gin.Context) {
	var req struct {
		NodeID int `json:"nodeId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid unregister request"))
		return
	}

	h.svc.Unregister(req.NodeID)
	httpx.OK(c, nil)
}

// Complete handles POST /api/v1/fleet/jobs/complete. Duplicate completion
// callbacks are absorbed.
func (h *Handler) Complete(c *gin.Context) {
	var req protocol.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid complete request"))
		return
	}

	if err := h.dispatcher.Complete(&req); err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	httpx.OK(c, nil)
}

// ModFailure handles POST /api/v1/fleet/mods/failure; it raises the
// critical operator notification for a failed setup script.
func (h *Handler) ModFailure(c *gin.Context) {
	var req protocol.ModFailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid mod failure report"))
		return
	}

	nodeName := h.svc.NodeName(req.NodeID)
	if err := h.notifier.RaiseModFailure(nodeName, req.ModName, req.Output); err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	httpx.OK(c, nil)
}
