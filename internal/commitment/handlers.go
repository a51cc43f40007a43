package commitment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/screenpledge/screenpledge/internal/auth"
	"github.com/screenpledge/screenpledge/internal/validation"
)

// Handler provides HTTP endpoints for commitments.
type Handler struct {
	service *Service
}

// NewHandler creates a new commitment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up commitment routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/commitments", h.CreateCommitment)
	r.GET("/commitments/:id", h.GetCommitment)
	r.POST("/commitments/:id/monitoring", h.UpdateMonitoring)
}

// CreateCommitment handles POST /v1/commitments
func (h *Handler) CreateCommitment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidMinutes("limitMinutes", req.LimitMinutes),
		validation.ValidCents("penaltyRateCents", req.PenaltyRateCents),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	userID := auth.UserID(c)
	commitment, err := h.service.Create(c.Request.Context(), userID, req)
	if err != nil {
		if errors.Is(err, ErrAlreadyPledged) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_pledged",
				"message": "A commitment already exists for this week",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "commitment_failed",
			"message": "Failed to create commitment",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"commitment": commitment})
}

// GetCommitment handles GET /v1/commitments/:id
func (h *Handler) GetCommitment(c *gin.Context) {
	commitment, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Commitment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if commitment.UserID != auth.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Commitment not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"commitment": commitment})
}

// monitoringRequest is the monitoring-status callback body.
type monitoringRequest struct {
	Status MonitoringStatus `json:"status" binding:"required"`
}

// UpdateMonitoring handles POST /v1/commitments/:id/monitoring
func (h *Handler) UpdateMonitoring(c *gin.Context) {
	var req monitoringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	existing, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil || existing.UserID != auth.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Commitment not found",
		})
		return
	}

	commitment, err := h.service.UpdateMonitoringStatus(c.Request.Context(), existing.ID, req.Status)
	if err != nil {
		if errors.Is(err, ErrBadMonitoring) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_status",
				"message": "Monitoring status must be ok, revoked, or not_granted",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"commitment": commitment})
}
