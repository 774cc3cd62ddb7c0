package jobs

import (
	"flowfleet/internal/dispatch"
	"flowfleet/internal/httpx"
	"flowfleet/internal/ws"

	"github.com/gin-gonic/gin"
)

// Handler serves job dispatch and abort endpoints
type Handler struct {
	dispatcher *dispatch.Dispatcher
}

// NewHandler creates a new jobs handler
func NewHandler(dispatcher *dispatch.Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

// DispatchRequest represents a dispatch trigger from the job scanner
type DispatchRequest struct {
	FileID          int  `json:"fileId" binding:"required"`
	FlowID          int  `json:"flowId" binding:"required"`
	NodeID          int  `json:"nodeId" binding:"required"`
	KeepFailedFiles bool `json:"keepFailedFiles"`
}

// Dispatch handles POST /api/v1/jobs/dispatch
func (h *Handler) Dispatch(c *gin.Context) {
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid dispatch request"))
		return
	}

	result, err := h.dispatcher.Dispatch(req.FileID, req.FlowID, req.NodeID, req.KeepFailedFiles)
	switch {
	case err == dispatch.ErrTimeout:
		// Typed failure; retry policy belongs to the caller
		httpx.FailErr(c, httpx.ErrTimeout("node did not accept the job in time"))
	case err == dispatch.ErrNodeOffline:
		httpx.FailErr(c, httpx.ErrStateConflict("node is not connected"))
	case err != nil:
		httpx.FailErr(c, httpx.ErrInternalError("", err))
	default:
		httpx.OK(c, gin.H{"result": result})
	}
}

// AbortRequest represents an abort request for one file
type AbortRequest struct {
	FileID int `json:"fileId" binding:"required"`
}

// Abort handles POST /api/v1/jobs/abort
func (h *Handler) Abort(c *gin.Context) {
	var req AbortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid abort request"))
		return
	}

	// "not found" is a result, not an error
	httpx.OK(c, gin.H{"result": h.dispatcher.Abort(req.FileID)})
}

// AbortAll handles POST /api/v1/jobs/abort-all
func (h *Handler) AbortAll(c *gin.Context) {
	h.dispatcher.AbortAll()
	ws.BroadcastToAll(ws.EventAbortAll, gin.H{})
	httpx.OK(c, nil)
}
