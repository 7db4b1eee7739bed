package verify

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autopayer/autopayer/internal/escrow"
)

// Handler exposes manual verification endpoints.
type Handler struct {
	service     *Service
	coordinator Coordinator
}

// NewHandler creates a verification handler.
func NewHandler(service *Service, coordinator Coordinator) *Handler {
	return &Handler{service: service, coordinator: coordinator}
}

// RegisterRoutes sets up the AI verification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/ai/verify/:escrowId", h.TriggerVerification)
	r.GET("/ai/status/:escrowId", h.VerificationStatus)
}

// TriggerVerification handles POST /v1/ai/verify/:escrowId — re-runs the
// verification pipeline for a stuck or re-submitted receipt. Runs inline so
// the caller sees the outcome.
func (h *Handler) TriggerVerification(c *gin.Context) {
	escrowID := c.Param("escrowId")

	if err := h.service.VerifyReceipt(c.Request.Context(), escrowID); err != nil {
		status := http.StatusInternalServerError
		code := "verification_failed"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidState):
			status = http.StatusBadRequest
			code = "invalid_state"
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   code,
			"message": err.Error(),
		})
		return
	}

	record, err := h.coordinator.Get(c.Request.Context(), escrowID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
}

// VerificationStatus handles GET /v1/ai/status/:escrowId
func (h *Handler) VerificationStatus(c *gin.Context) {
	record, err := h.coordinator.Get(c.Request.Context(), c.Param("escrowId"))
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "not_found",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":              true,
		"status":               record.Status,
		"aiVerificationResult": record.AIVerification,
		"receiptSubmitted":     record.ReceiptFileURL != "",
	})
}
