package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/autopayer/autopayer/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.GET("/escrow/active", h.ListActive)
	r.GET("/escrow", h.ListEscrows)
	r.GET("/escrow/:id", h.GetEscrow)
	r.POST("/escrow/:id/accept", h.AcceptEscrow)
	r.POST("/escrow/:id/submit-proof", h.SubmitProof)
	r.POST("/escrow/:id/cancel", h.CancelEscrow)
	r.POST("/escrow/:id/dispute", h.DisputeEscrow)
}

// RegisterAdminRoutes sets up operator-only escrow routes. The caller must
// already have applied an admin-secret middleware to the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/:id/resolve", h.ResolveEscrow)
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "Missing or malformed required fields",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("requesterAddress", req.RequesterAddress),
		validation.ValidAddress("tokenAddress", req.TokenAddress),
		validation.ValidTokenAmount("tokenAmount", req.TokenAmount),
		validation.ValidCurrency("fiatCurrency", req.FiatCurrency),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.MaxLength("receiptRequirements", req.ReceiptRequirements, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	record, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status, code := createErrorStatus(err)
		body := gin.H{"success": false, "error": code, "message": err.Error()}
		if status == http.StatusInternalServerError {
			body["details"] = err.Error()
			body["message"] = "Failed to create escrow on chain"
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":         true,
		"data":            record,
		"contractAddress": record.ContractAddress,
		"transactionHash": record.TransactionHash,
	})
}

func createErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingRequirements):
		return http.StatusBadRequest, "missing_requirements"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrAmountDeviation):
		return http.StatusBadRequest, "amount_deviation"
	case errors.Is(err, ErrUnsupportedAsset):
		return http.StatusBadRequest, "unsupported_asset"
	case errors.Is(err, ErrQuoteUnavailable):
		return http.StatusBadRequest, "quote_unavailable"
	}
	return http.StatusInternalServerError, "escrow_failed"
}

// GetEscrow handles GET /v1/escrow/:id — accepts either the internal record
// id or the numeric chain request id.
func (h *Handler) GetEscrow(c *gin.Context) {
	id := c.Param("id")

	record, err := h.service.Get(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		if requestID, parseErr := strconv.ParseUint(id, 10, 64); parseErr == nil {
			record, err = h.service.GetByRequestID(c.Request.Context(), requestID)
		}
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "not_found",
				"message": "Escrow not found",
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

	c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
}

// ListActive handles GET /v1/escrow/active
func (h *Handler) ListActive(c *gin.Context) {
	limit := parsePositive(c.Query("limit"), 50)

	records, err := h.service.ListActive(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    records,
		"count":   len(records),
	})
}

// ListEscrows handles GET /v1/escrow with status/party filters and paging.
func (h *Handler) ListEscrows(c *gin.Context) {
	status := Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "unknown status " + string(status),
		})
		return
	}

	filter := ListFilter{
		Status:           status,
		RequesterAddress: c.Query("requesterAddress"),
		PayerAddress:     c.Query("payerAddress"),
		Page:             parsePositive(c.Query("page"), 1),
		Limit:            parsePositive(c.Query("limit"), 20),
	}

	records, total, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    records,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}

// AcceptEscrow handles POST /v1/escrow/:id/accept
func (h *Handler) AcceptEscrow(c *gin.Context) {
	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "payerAddress is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("payerAddress", req.PayerAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	record, err := h.service.Accept(c.Request.Context(), c.Param("id"), req.PayerAddress)
	if err != nil {
		h.transitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
}

// SubmitProof handles POST /v1/escrow/:id/submit-proof. Responds as soon as
// the record is written; verification continues in the background.
func (h *Handler) SubmitProof(c *gin.Context) {
	var req SubmitProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "receiptFileUrl is required",
		})
		return
	}

	record, err := h.service.SubmitReceipt(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.transitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
}

// CancelEscrow handles POST /v1/escrow/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "requesterAddress is required",
		})
		return
	}

	record, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.RequesterAddress)
	if err != nil {
		h.transitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
}

// DisputeEscrow handles POST /v1/escrow/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "userAddress and reason are required",
		})
		return
	}

	record, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), req.UserAddress, req.Reason)
	if err != nil {
		h.transitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
}

// ResolveEscrow handles POST /v1/escrow/:id/resolve (operator only).
func (h *Handler) ResolveEscrow(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	record, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.transitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
}

// transitionError maps coordinator errors onto the HTTP taxonomy: missing
// record 404, wrong caller 403, wrong state or expiry 400, everything else
// (gateway failures included) 500 with details.
func (h *Handler) transitionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "escrow_failed"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusBadRequest
		code = "invalid_state"
	case errors.Is(err, ErrExpired):
		status = http.StatusBadRequest
		code = "expired"
	case errors.Is(err, ErrNotExpired):
		status = http.StatusBadRequest
		code = "not_expired"
	case errors.Is(err, ErrSelfAccept):
		status = http.StatusBadRequest
		code = "self_accept"
	}

	body := gin.H{"success": false, "error": code, "message": err.Error()}
	if status == http.StatusInternalServerError {
		body["details"] = err.Error()
		body["message"] = "Contract call failed"
	}
	c.JSON(status, body)
}

func parsePositive(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
