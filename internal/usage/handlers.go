package usage

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/screenpledge/screenpledge/internal/auth"
)

// Handler provides HTTP endpoints for the usage ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new usage handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up usage routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/usage", h.ReportUsage)
}

// ReportUsage handles POST /v1/usage
func (h *Handler) ReportUsage(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	day, err := time.Parse("2006-01-02", req.Day)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_day",
			"message": "day must be formatted YYYY-MM-DD",
		})
		return
	}
	if req.UsedMinutes < 0 || req.UsedMinutes > 24*60 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_minutes",
			"message": "usedMinutes must be within one day",
		})
		return
	}

	row, err := h.service.Report(c.Request.Context(), auth.UserID(c), day, req.UsedMinutes)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoCommitment):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_commitment",
				"message": "No commitment covers this day",
			})
		case errors.Is(err, ErrEstimateConflict):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "estimate_conflict",
				"message": "Day was already settled on estimated usage; flagged for reconciliation",
			})
		case errors.Is(err, ErrInvalidDay):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_day",
				"message": "Day is outside the commitment week",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "report_failed",
				"message": "Failed to record usage",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"usage": row})
}
