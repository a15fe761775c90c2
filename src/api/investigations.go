package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/orchestrator"
)

const (
	headerUserID    = "X-User-ID"
	headerSessionID = "X-Session-ID"

	maxParams    = 32
	defaultLimit = 50
	maxLimit     = 500
)

type investigations struct {
	svc       *orchestrator.Service
	sanitizer *bluemonday.Policy
}

func newInvestigations(svc *orchestrator.Service) investigations {
	return investigations{svc: svc, sanitizer: bluemonday.StrictPolicy()}
}

type createRequest struct {
	Query  string            `json:"query" binding:"max=2000"`
	Intent string            `json:"intent" binding:"required"`
	Params map[string]string `json:"params"`
}

// Create submits an investigation. With ?wait=true it runs synchronously
// and answers with the finished investigation.
func (h investigations) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if !utf8.ValidString(req.Query) {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid characters in query"})
		return
	}
	if len(req.Params) > maxParams {
		c.JSON(http.StatusBadRequest, gin.H{"err": "too many params"})
		return
	}

	q := orchestrator.Query{
		Text:   strings.TrimSpace(h.sanitizer.Sanitize(req.Query)),
		Intent: orchestrator.Intent(req.Intent),
		Params: make(map[string]string, len(req.Params)),
	}
	for k, v := range req.Params {
		q.Params[h.sanitizer.Sanitize(k)] = h.sanitizer.Sanitize(v)
	}
	caller := agentcore.Caller{
		UserID:    h.sanitizer.Sanitize(c.GetHeader(headerUserID)),
		SessionID: h.sanitizer.Sanitize(c.GetHeader(headerSessionID)),
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		inv, err := h.svc.Run(c.Request.Context(), q, caller)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, inv)
		return
	}

	id, err := h.svc.Submit(c.Request.Context(), q, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/v1/investigations/"+id)
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": orchestrator.StatusPending})
}

func (h investigations) Get(c *gin.Context) {
	inv, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h investigations) List(c *gin.Context) {
	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"err": "invalid limit"})
			return
		}
		limit = min(n, maxLimit)
	}
	list, err := h.svc.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"investigations": list})
}

func (h investigations) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "cancelled": true})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrUnknownIntent):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrEmptyPlan):
		status = http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotRunning):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"err": err.Error()})
}
