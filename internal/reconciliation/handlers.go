package reconciliation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/screenpledge/screenpledge/internal/penalty"
	"github.com/screenpledge/screenpledge/internal/validation"
)

// Handler provides operator endpoints for reconciliation.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up operator-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Reconcile)
}

type reconcileRequest struct {
	UserID string `json:"userId" binding:"required"`
	Week   string `json:"week" binding:"required"`
}

// Reconcile handles POST /v1/admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "userId must be a valid id (prefix_hex)",
		})
		return
	}
	deadline, ok := validation.ParseWeek(req.Week)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_week",
			"message": "week must be an RFC 3339 timestamp or YYYY-MM-DD date",
		})
		return
	}

	result, err := h.service.Reconcile(c.Request.Context(), req.UserID, deadline)
	if err != nil {
		switch {
		case errors.Is(err, penalty.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No penalty row for this user and week",
			})
		case errors.Is(err, ErrNotCharged):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_charged",
				"message": "Week has not been charged; nothing to reconcile",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "reconcile_failed",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"reconciliation": result})
}
