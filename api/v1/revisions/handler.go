package revisions

import (
	"flowfleet/internal/httpx"
	"flowfleet/internal/revision"
	"flowfleet/internal/ws"

	"github.com/gin-gonic/gin"
)

// Handler serves configuration revision endpoints
type Handler struct {
	rev *revision.Service
}

// NewHandler creates a new revisions handler
func NewHandler(rev *revision.Service) *Handler {
	return &Handler{rev: rev}
}

// PublishRequest represents a publish request
type PublishRequest struct {
	Reason           string `json:"reason"`
	KeepFailedFiles  bool   `json:"keepFailedFiles"`
	DontUseTempFiles bool   `json:"dontUseTempFiles"`
}

// Publish handles POST /api/v1/revisions/publish. Publishing broadcasts
// the new revision number; stale nodes re-pull on their next heartbeat or
// on receiving the push.
func (h *Handler) Publish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid publish request"))
		return
	}

	rev, err := h.rev.Publish(req.Reason, req.KeepFailedFiles, req.DontUseTempFiles)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	ws.BroadcastToAll(ws.EventConfigUpdated, gin.H{"revision": rev.Revision})

	httpx.OK(c, gin.H{"revision": rev.Revision})
}

// Current handles GET /api/v1/revisions/current
func (h *Handler) Current(c *gin.Context) {
	httpx.OK(c, gin.H{"revision": h.rev.Current()})
}
