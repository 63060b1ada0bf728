package api

import (
	"net/http"
	"time"

	"event-payments/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// ValidateDiscountRequest asks for a discount preview
type ValidateDiscountRequest struct {
	Code    string          `json:"code" binding:"required"`
	EventID string          `json:"event_id" binding:"required"`
	Amount  decimal.Decimal `json:"amount"`
}

// DiscountCodeRequest is the admin representation of a discount code
type DiscountCodeRequest struct {
	Code              string           `json:"code"`
	DiscountType      string           `json:"discount_type" binding:"required"`
	DiscountValue     decimal.Decimal  `json:"discount_value"`
	ExpiresAt         *time.Time       `json:"expires_at"`
	MaxUses           *int             `json:"max_uses"`
	SingleUsePerUser  bool             `json:"single_use_per_user"`
	MinPurchaseAmount *decimal.Decimal `json:"min_purchase_amount"`
	EventID           *string          `json:"event_id"`
	IsActive          *bool            `json:"is_active"`
	Description       string           `json:"description"`
}

func (r *DiscountCodeRequest) toModel() *models.DiscountCode {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &models.DiscountCode{
		Code:              r.Code,
		DiscountType:      r.DiscountType,
		DiscountValue:     r.DiscountValue,
		ExpiresAt:         r.ExpiresAt,
		MaxUses:           r.MaxUses,
		SingleUsePerUser:  r.SingleUsePerUser,
		MinPurchaseAmount: r.MinPurchaseAmount,
		EventID:           r.EventID,
		IsActive:          active,
		Description:       r.Description,
	}
}

// validateDiscount previews a discount without consuming it
func (h *Handler) validateDiscount(c *gin.Context) {
	var req ValidateDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	quote, err := h.discounts.Validate(c.Request.Context(), req.Code, req.EventID, req.Amount, userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, quote)
}

func (h *Handler) createDiscountCode(c *gin.Context) {
	var req DiscountCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	dc := req.toModel()
	if err := h.discounts.CreateCode(c.Request.Context(), dc); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dc)
}

func (h *Handler) listDiscountCodes(c *gin.Context) {
	codes, err := h.discounts.ListCodes(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if codes == nil {
		codes = []models.DiscountCode{}
	}

	c.JSON(http.StatusOK, gin.H{"discount_codes": codes})
}

func (h *Handler) getDiscountCode(c *gin.Context) {
	dc, err := h.discounts.GetCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dc)
}

func (h *Handler) updateDiscountCode(c *gin.Context) {
	var req DiscountCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	dc := req.toModel()
	dc.Code = c.Param("code")
	if err := h.discounts.UpdateCode(c.Request.Context(), dc); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dc)
}

func (h *Handler) deleteDiscountCode(c *gin.Context) {
	if err := h.discounts.DeleteCode(c.Request.Context(), c.Param("code")); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
