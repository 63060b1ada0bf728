package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"event-payments/internal/apperr"
	"event-payments/internal/models"
	"event-payments/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// DiscountEngine validates discount codes and records their use against payments
type DiscountEngine struct {
	store  DiscountStore
	now    func() time.Time
	logger *zap.Logger
}

// NewDiscountEngine creates a new discount engine
func NewDiscountEngine(store DiscountStore) *DiscountEngine {
	return &DiscountEngine{
		store:  store,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// DiscountQuote is the outcome of a successful validation
type DiscountQuote struct {
	Code           string          `json:"code"`
	DiscountType   string          `json:"discount_type"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
}

// Validate checks code against eventID, amount and, when userID is set, the
// user's prior usages. It never writes.
func (e *DiscountEngine) Validate(ctx context.Context, code, eventID string, amount decimal.Decimal, userID string) (*DiscountQuote, error) {
	ctx, span := util.StartSpan(ctx, "DiscountEngine.Validate")
	defer span.End()

	quote, err := e.validate(ctx, code, eventID, amount, userID)
	if err != nil {
		util.DiscountValidationsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}
	util.DiscountValidationsTotal.WithLabelValues("ok").Inc()
	return quote, nil
}

func (e *DiscountEngine) validate(ctx context.Context, code, eventID string, amount decimal.Decimal, userID string) (*DiscountQuote, error) {
	if amount.IsNegative() {
		return nil, apperr.Validation(apperr.CodeInvalidAmount, "amount must not be negative")
	}

	dc, err := e.store.GetDiscountCodeByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	var usedByUser bool
	if userID != "" && dc.SingleUsePerUser {
		usedByUser, err = e.store.HasUserUsedDiscountCode(ctx, dc.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to check discount usage: %w", err)
		}
	}

	if err := checkCode(dc, eventID, amount, usedByUser, e.now()); err != nil {
		return nil, err
	}

	discount, final := ComputeDiscount(dc, amount)
	return &DiscountQuote{
		Code:           dc.Code,
		DiscountType:   dc.DiscountType,
		OriginalAmount: amount,
		DiscountAmount: discount,
		FinalAmount:    final,
	}, nil
}

// Apply records the use of code for paymentID. Every check runs again against
// the locked code row; the usage insert and the counter increment commit together.
func (e *DiscountEngine) Apply(ctx context.Context, code, userID, paymentID, eventID string, originalAmount decimal.Decimal) (*models.DiscountCodeUsage, error) {
	ctx, span := util.StartSpan(ctx, "DiscountEngine.Apply")
	defer span.End()

	if originalAmount.IsNegative() {
		return nil, apperr.Validation(apperr.CodeInvalidAmount, "amount must not be negative")
	}

	now := e.now()
	usage, err := e.store.ApplyDiscountUsage(ctx, code, paymentID, userID,
		func(dc *models.DiscountCode, usedByUser bool) (*models.DiscountCodeUsage, error) {
			if err := checkCode(dc, eventID, originalAmount, usedByUser, now); err != nil {
				return nil, err
			}
			discount, final := ComputeDiscount(dc, originalAmount)
			return &models.DiscountCodeUsage{
				ID:             uuid.New().String(),
				UserID:         userID,
				PaymentID:      paymentID,
				EventID:        eventID,
				OriginalAmount: originalAmount,
				DiscountAmount: discount,
				FinalAmount:    final,
			}, nil
		})
	if err != nil {
		e.logger.Warn("Discount apply rejected",
			zap.String("code", code),
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return nil, err
	}

	util.DiscountAppliedTotal.Inc()
	e.logger.Info("Discount applied",
		zap.String("code", code),
		zap.String("payment_id", paymentID),
		zap.String("discount_amount", usage.DiscountAmount.String()))
	return usage, nil
}

// checkCode runs the validation pipeline in order; the first failing stage wins
func checkCode(dc *models.DiscountCode, eventID string, amount decimal.Decimal, usedByUser bool, now time.Time) error {
	if !dc.IsActive {
		return apperr.Validation(apperr.CodeInactive, "discount code is not active")
	}
	if dc.ExpiresAt != nil && !dc.ExpiresAt.After(now) {
		return apperr.Validation(apperr.CodeExpired, "discount code has expired")
	}
	if dc.MaxUses != nil && dc.CurrentUses >= *dc.MaxUses {
		return apperr.Validation(apperr.CodeMaxUsesReached, "discount code has reached its usage limit")
	}
	if dc.EventID != nil && *dc.EventID != eventID {
		return apperr.Validation(apperr.CodeEventMismatch, "discount code is not valid for this event")
	}
	if dc.MinPurchaseAmount != nil && amount.LessThan(*dc.MinPurchaseAmount) {
		return apperr.Validation(apperr.CodeMinPurchaseNotMet,
			fmt.Sprintf("minimum purchase amount is %s", dc.MinPurchaseAmount.String()))
	}
	if dc.SingleUsePerUser && usedByUser {
		return apperr.Validation(apperr.CodeAlreadyUsedByUser, "discount code was already used by this user")
	}
	return nil
}

// ComputeDiscount returns the discount and the final amount for amount.
// Percentage discounts are rounded to two decimal places and neither result is ever negative.
func ComputeDiscount(dc *models.DiscountCode, amount decimal.Decimal) (discount, final decimal.Decimal) {
	switch dc.DiscountType {
	case models.DiscountTypePercentage:
		discount = amount.Mul(dc.DiscountValue).Div(hundred).Round(2)
	default:
		discount = decimal.Min(dc.DiscountValue, amount)
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(amount) {
		discount = amount
	}
	final = decimal.Max(decimal.Zero, amount.Sub(discount))
	return discount, final
}

// CreateCode validates and stores a new discount code
func (e *DiscountEngine) CreateCode(ctx context.Context, dc *models.DiscountCode) error {
	if err := checkDefinition(dc); err != nil {
		return err
	}
	if dc.ID == "" {
		dc.ID = uuid.New().String()
	}
	if err := e.store.CreateDiscountCode(ctx, dc); err != nil {
		return err
	}
	e.logger.Info("Discount code created", zap.String("code", dc.Code))
	return nil
}

// UpdateCode replaces the definition of an existing discount code
func (e *DiscountEngine) UpdateCode(ctx context.Context, dc *models.DiscountCode) error {
	if err := checkDefinition(dc); err != nil {
		return err
	}
	return e.store.UpdateDiscountCode(ctx, dc)
}

// GetCode retrieves a discount code
func (e *DiscountEngine) GetCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	return e.store.GetDiscountCodeByCode(ctx, code)
}

// ListCodes retrieves all discount codes
func (e *DiscountEngine) ListCodes(ctx context.Context) ([]models.DiscountCode, error) {
	return e.store.ListDiscountCodes(ctx)
}

// DeleteCode removes a discount code that has no usages
func (e *DiscountEngine) DeleteCode(ctx context.Context, code string) error {
	if err := e.store.DeleteDiscountCode(ctx, code); err != nil {
		return err
	}
	e.logger.Info("Discount code deleted", zap.String("code", code))
	return nil
}

func checkDefinition(dc *models.DiscountCode) error {
	dc.Code = strings.ToUpper(strings.TrimSpace(dc.Code))
	if dc.Code == "" {
		return apperr.Validation(apperr.CodeInvalidDiscount, "code is required")
	}
	switch dc.DiscountType {
	case models.DiscountTypePercentage:
		if dc.DiscountValue.GreaterThan(hundred) {
			return apperr.Validation(apperr.CodeInvalidDiscount, "percentage discount cannot exceed 100")
		}
	case models.DiscountTypeFixed:
	default:
		return apperr.Validation(apperr.CodeInvalidDiscount, fmt.Sprintf("unknown discount type %q", dc.DiscountType))
	}
	if !dc.DiscountValue.IsPositive() {
		return apperr.Validation(apperr.CodeInvalidDiscount, "discount value must be positive")
	}
	if dc.MaxUses != nil && *dc.MaxUses < 0 {
		return apperr.Validation(apperr.CodeInvalidDiscount, "max_uses must not be negative")
	}
	if dc.MinPurchaseAmount != nil && dc.MinPurchaseAmount.IsNegative() {
		return apperr.Validation(apperr.CodeInvalidDiscount, "min_purchase_amount must not be negative")
	}
	return nil
}

func resultLabel(err error) string {
	if appErr, ok := apperr.From(err); ok {
		return strings.ToLower(appErr.Code)
	}
	return "error"
}
