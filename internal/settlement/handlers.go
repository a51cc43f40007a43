package settlement

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/screenpledge/screenpledge/internal/commitment"
	"github.com/screenpledge/screenpledge/internal/penalty"
	"github.com/screenpledge/screenpledge/internal/validation"
	"github.com/screenpledge/screenpledge/internal/week"
)

// Handler provides HTTP endpoints for settlement.
type Handler struct {
	runner     *Runner
	aggregator *penalty.Aggregator
}

// NewHandler creates a new settlement handler.
func NewHandler(runner *Runner, aggregator *penalty.Aggregator) *Handler {
	return &Handler{runner: runner, aggregator: aggregator}
}

// RegisterRoutes sets up the read-only week-status route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/weeks/:week/status", h.GetWeekStatus)
}

// RegisterAdminRoutes sets up operator-only settlement triggers.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/settlement/close", h.RunWeeklyClose)
	r.POST("/settlement/expiry-check", h.RunExpiryCheck)
}

// GetWeekStatus handles GET /v1/users/:userId/weeks/:week/status
func (h *Handler) GetWeekStatus(c *gin.Context) {
	userID := c.Param("userId")
	deadline, ok := validation.ParseWeek(c.Param("week"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_week",
			"message": "week must be an RFC 3339 timestamp or YYYY-MM-DD date",
		})
		return
	}

	status, err := h.aggregator.WeekStatusFor(c.Request.Context(), userID, deadline)
	if err != nil {
		if errors.Is(err, commitment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No commitment for this user and week",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status})
}

// closeRequest optionally names the week to close.
type closeRequest struct {
	Week string `json:"week"`
}

// RunWeeklyClose handles POST /v1/admin/settlement/close
func (h *Handler) RunWeeklyClose(c *gin.Context) {
	deadline := week.DeadlineFor(time.Now().UTC())

	var req closeRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.Week != "" {
		parsed, ok := validation.ParseWeek(req.Week)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_week",
				"message": "week must be an RFC 3339 timestamp or YYYY-MM-DD date",
			})
			return
		}
		deadline = parsed
	}

	summary, err := h.runner.CloseWeek(c.Request.Context(), deadline)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "close_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// RunExpiryCheck handles POST /v1/admin/settlement/expiry-check
func (h *Handler) RunExpiryCheck(c *gin.Context) {
	summary, err := h.runner.SettleExpired(c.Request.Context(), time.Now().UTC(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "expiry_check_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"summary": summary})
}
