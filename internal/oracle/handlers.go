package oracle

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/autopayer/autopayer/internal/validation"
)

// Handler provides HTTP endpoints for oracle state.
type Handler struct {
	service *Service
}

// NewHandler creates a new oracle handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) oracle routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/oracle", h.GetState)
	r.GET("/oracle/rates/:currency/:token", h.GetRate)
	r.GET("/oracle/quote", h.Quote)
}

// RegisterAdminRoutes sets up admin-only oracle routes. The caller must
// already have applied an admin-secret middleware to the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/oracle/tokens", h.SetToken)
	r.POST("/oracle/currencies", h.SetCurrency)
	r.POST("/oracle/rates", h.UpdateRate)
	r.POST("/oracle/params", h.UpdateParams)
}

// GetState handles GET /v1/oracle
func (h *Handler) GetState(c *gin.Context) {
	p := h.service.Params()
	c.JSON(http.StatusOK, gin.H{
		"params": gin.H{
			"platformFeeRateBps":  p.PlatformFeeRateBps,
			"escrowDuration":      p.EscrowDuration.String(),
			"minEscrowAmount":     p.MinEscrowAmount.String(),
			"maxEscrowAmount":     p.MaxEscrowAmount.String(),
			"maxRateDeviationBps": p.MaxRateDeviationBps,
			"rateValidityPeriod":  p.RateValidityPeriod.String(),
		},
		"tokens":     h.service.Tokens(),
		"currencies": h.service.Currencies(),
	})
}

// GetRate handles GET /v1/oracle/rates/:currency/:token
func (h *Handler) GetRate(c *gin.Context) {
	currency := c.Param("currency")
	token := c.Param("token")

	rate, valid, err := h.service.GetExchangeRate(currency, token)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "rate_not_found",
			"message": "No exchange rate stored for this pair",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"currency": currency,
		"token":    token,
		"rate":     rate.String(),
		"isValid":  valid,
	})
}

// Quote handles GET /v1/oracle/quote?currency=EUR&token=0x...&fiatAmount=15000
func (h *Handler) Quote(c *gin.Context) {
	currency := c.Query("currency")
	token := c.Query("token")
	fiatAmount, err := strconv.ParseInt(c.Query("fiatAmount"), 10, 64)
	if err != nil || fiatAmount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "fiatAmount must be a positive integer (cents)",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("currency", currency),
		validation.ValidCurrency("currency", currency),
		validation.Required("token", token),
		validation.ValidAddress("token", token),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, err := h.service.CalculateTokenAmount(currency, token, fiatAmount)
	if err != nil {
		status, code := quoteErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"currency":    currency,
		"token":       token,
		"fiatAmount":  fiatAmount,
		"tokenAmount": amount.String(),
	})
}

// SetToken handles POST /v1/admin/oracle/tokens
func (h *Handler) SetToken(c *gin.Context) {
	var req struct {
		Address  string `json:"address" binding:"required"`
		Enabled  bool   `json:"enabled"`
		Decimals int32  `json:"decimals"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	if err := h.service.SetSupportedToken(req.Address, req.Enabled, req.Decimals); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SetCurrency handles POST /v1/admin/oracle/currencies
func (h *Handler) SetCurrency(c *gin.Context) {
	var req struct {
		Code    string `json:"code" binding:"required"`
		Enabled bool   `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "code is required",
		})
		return
	}

	if err := h.service.SetSupportedCurrency(req.Code, req.Enabled); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UpdateRate handles POST /v1/admin/oracle/rates
func (h *Handler) UpdateRate(c *gin.Context) {
	var req struct {
		Currency string `json:"currency" binding:"required"`
		Token    string `json:"token" binding:"required"`
		Rate     string `json:"rate" binding:"required"`
		Override bool   `json:"override"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "currency, token, and rate are required",
		})
		return
	}

	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "rate must be a decimal number",
		})
		return
	}

	if err := h.service.UpdateExchangeRate(req.Currency, req.Token, rate, req.Override); err != nil {
		status := http.StatusBadRequest
		code := "invalid_parameter"
		switch {
		case errors.Is(err, ErrRateDeviation):
			status = http.StatusConflict
			code = "rate_deviation"
		case errors.Is(err, ErrUnsupportedToken):
			code = "unsupported_token"
		case errors.Is(err, ErrUnsupportedCurrency):
			code = "unsupported_currency"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UpdateParams handles POST /v1/admin/oracle/params
// Only the fields present in the body are changed.
func (h *Handler) UpdateParams(c *gin.Context) {
	var req struct {
		PlatformFeeRateBps  *int64  `json:"platformFeeRateBps"`
		EscrowDuration      *string `json:"escrowDuration"` // Go duration string, e.g. "24h"
		MinEscrowAmount     *string `json:"minEscrowAmount"`
		MaxEscrowAmount     *string `json:"maxEscrowAmount"`
		MaxRateDeviationBps *int64  `json:"maxRateDeviationBps"`
		RateValidityPeriod  *string `json:"rateValidityPeriod"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.PlatformFeeRateBps != nil {
		if err := h.service.SetPlatformFeeRate(*req.PlatformFeeRateBps); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "message": err.Error()})
			return
		}
	}

	if req.EscrowDuration != nil {
		d, err := time.ParseDuration(*req.EscrowDuration)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "message": "escrowDuration must be a duration string"})
			return
		}
		if err := h.service.SetEscrowDuration(d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "message": err.Error()})
			return
		}
	}

	if req.MinEscrowAmount != nil || req.MaxEscrowAmount != nil {
		p := h.service.Params()
		min, max := p.MinEscrowAmount, p.MaxEscrowAmount
		var err error
		if req.MinEscrowAmount != nil {
			if min, err = decimal.NewFromString(*req.MinEscrowAmount); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "message": "minEscrowAmount must be an integer amount"})
				return
			}
		}
		if req.MaxEscrowAmount != nil {
			if max, err = decimal.NewFromString(*req.MaxEscrowAmount); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "message": "maxEscrowAmount must be an integer amount"})
				return
			}
		}
		if err := h.service.SetEscrowLimits(min, max); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "message": err.Error()})
			return
		}
	}

	if req.MaxRateDeviationBps != nil {
		if err := h.service.SetMaxRateDeviation(*req.MaxRateDeviationBps); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "message": err.Error()})
			return
		}
	}

	if req.RateValidityPeriod != nil {
		d, err := time.ParseDuration(*req.RateValidityPeriod)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "message": "rateValidityPeriod must be a duration string"})
			return
		}
		if err := h.service.SetRateValidityPeriod(d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parameter", "message": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func quoteErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrStaleRate):
		return http.StatusConflict, "stale_rate"
	case errors.Is(err, ErrRateNotFound):
		return http.StatusNotFound, "rate_not_found"
	case errors.Is(err, ErrUnsupportedToken):
		return http.StatusBadRequest, "unsupported_token"
	case errors.Is(err, ErrUnsupportedCurrency):
		return http.StatusBadRequest, "unsupported_currency"
	default:
		return http.StatusBadRequest, "invalid_parameter"
	}
}
