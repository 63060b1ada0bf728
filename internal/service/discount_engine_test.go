package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"event-payments/internal/apperr"
	"event-payments/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func intPtr(v int) *int {
	return &v
}

func newTestEngine(codes ...*models.DiscountCode) (*DiscountEngine, *memStore) {
	s := newMemStore()
	for i, dc := range codes {
		if dc.ID == "" {
			dc.ID = fmt.Sprintf("dc-%d", i+1)
		}
		s.putCode(dc)
	}
	return NewDiscountEngine(s), s
}

func activeCode(code, kind string, value int64) *models.DiscountCode {
	return &models.DiscountCode{Code: code, DiscountType: kind, DiscountValue: d(value), IsActive: true}
}

func TestValidatePercentageScenario(t *testing.T) {
	e, _ := newTestEngine(activeCode("SUMMER30", models.DiscountTypePercentage, 30))

	quote, err := e.Validate(context.Background(), "summer30", "event-1", d(1000000), "")
	require.NoError(t, err)
	assert.True(t, d(300000).Equal(quote.DiscountAmount), quote.DiscountAmount.String())
	assert.True(t, d(700000).Equal(quote.FinalAmount), quote.FinalAmount.String())
	assert.Equal(t, "SUMMER30", quote.Code)
}

func TestValidateFixedIsClipped(t *testing.T) {
	e, _ := newTestEngine(activeCode("FLAT", models.DiscountTypeFixed, 2500000))

	quote, err := e.Validate(context.Background(), "FLAT", "event-1", d(1000000), "")
	require.NoError(t, err)
	assert.True(t, d(1000000).Equal(quote.DiscountAmount))
	assert.True(t, decimal.Zero.Equal(quote.FinalAmount))
}

func TestValidateIsReferentiallyTransparent(t *testing.T) {
	e, s := newTestEngine(&models.DiscountCode{
		Code: "CAP", DiscountType: models.DiscountTypePercentage, DiscountValue: d(15),
		IsActive: true, MaxUses: intPtr(3), CurrentUses: 1,
	})

	first, err := e.Validate(context.Background(), "CAP", "event-1", d(999), "user-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Validate(context.Background(), "CAP", "event-1", d(999), "user-1")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 1, s.code("CAP").CurrentUses)
	assert.Equal(t, 0, s.usageCount())
}

func TestValidatePipeline(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	otherEvent := "event-2"
	minPurchase := d(5000)

	tests := []struct {
		name   string
		code   *models.DiscountCode
		amount decimal.Decimal
		want   string
	}{
		{
			name: "inactive",
			code: &models.DiscountCode{Code: "C", DiscountType: models.DiscountTypeFixed, DiscountValue: d(1)},
			want: apperr.CodeInactive,
		},
		{
			name: "expired",
			code: &models.DiscountCode{Code: "C", DiscountType: models.DiscountTypeFixed, DiscountValue: d(1), IsActive: true, ExpiresAt: &past},
			want: apperr.CodeExpired,
		},
		{
			name: "max uses reached",
			code: &models.DiscountCode{Code: "C", DiscountType: models.DiscountTypeFixed, DiscountValue: d(1), IsActive: true,
				ExpiresAt: &future, MaxUses: intPtr(2), CurrentUses: 2},
			want: apperr.CodeMaxUsesReached,
		},
		{
			name: "event mismatch",
			code: &models.DiscountCode{Code: "C", DiscountType: models.DiscountTypeFixed, DiscountValue: d(1), IsActive: true, EventID: &otherEvent},
			want: apperr.CodeEventMismatch,
		},
		{
			name: "min purchase not met",
			code: &models.DiscountCode{Code: "C", DiscountType: models.DiscountTypeFixed, DiscountValue: d(1), IsActive: true,
				MinPurchaseAmount: &minPurchase},
			amount: d(4999),
			want:   apperr.CodeMinPurchaseNotMet,
		},
		{
			name: "inactive wins over expired",
			code: &models.DiscountCode{Code: "C", DiscountType: models.DiscountTypeFixed, DiscountValue: d(1), ExpiresAt: &past},
			want: apperr.CodeInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(tt.code)
			amount := tt.amount
			if amount.IsZero() {
				amount = d(10000)
			}
			_, err := e.Validate(context.Background(), "C", "event-1", amount, "")
			assert.True(t, apperr.HasCode(err, tt.want), "got %v", err)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		})
	}
}

func TestValidateUnknownCode(t *testing.T) {
	e, _ := newTestEngine()

	_, err := e.Validate(context.Background(), "NOPE", "event-1", d(100), "")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestValidateNegativeAmount(t *testing.T) {
	e, _ := newTestEngine(activeCode("C", models.DiscountTypeFixed, 10))

	_, err := e.Validate(context.Background(), "C", "event-1", d(-1), "")
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidAmount))
}

func TestValidateSingleUsePerUser(t *testing.T) {
	dc := activeCode("ONCE", models.DiscountTypeFixed, 100)
	dc.SingleUsePerUser = true
	e, _ := newTestEngine(dc)
	ctx := context.Background()

	_, err := e.Apply(ctx, "ONCE", "user-1", "pay-1", "event-1", d(1000))
	require.NoError(t, err)

	_, err = e.Validate(ctx, "ONCE", "event-1", d(1000), "user-1")
	assert.True(t, apperr.HasCode(err, apperr.CodeAlreadyUsedByUser))

	_, err = e.Validate(ctx, "ONCE", "event-1", d(1000), "user-2")
	assert.NoError(t, err)

	_, err = e.Apply(ctx, "ONCE", "user-1", "pay-2", "event-1", d(1000))
	assert.True(t, apperr.HasCode(err, apperr.CodeAlreadyUsedByUser))
}

func TestApplyIsExactlyOncePerPayment(t *testing.T) {
	e, s := newTestEngine(activeCode("TEN", models.DiscountTypePercentage, 10))
	ctx := context.Background()

	usage, err := e.Apply(ctx, "ten", "user-1", "pay-1", "event-1", d(1000))
	require.NoError(t, err)
	assert.True(t, d(100).Equal(usage.DiscountAmount))
	assert.True(t, d(900).Equal(usage.FinalAmount))
	assert.Equal(t, 1, s.code("TEN").CurrentUses)

	_, err = e.Apply(ctx, "TEN", "user-1", "pay-1", "event-1", d(1000))
	assert.True(t, apperr.HasCode(err, apperr.CodeAlreadyApplied))
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.Equal(t, 1, s.code("TEN").CurrentUses)
	assert.Equal(t, 1, s.usageCount())
}

func TestApplyConcurrentOnCappedCode(t *testing.T) {
	e, s := newTestEngine(&models.DiscountCode{
		Code: "ONE", DiscountType: models.DiscountTypeFixed, DiscountValue: d(100), IsActive: true, MaxUses: intPtr(1),
	})

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		capped    int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Apply(context.Background(), "ONE", fmt.Sprintf("user-%d", i), fmt.Sprintf("pay-%d", i), "event-1", d(1000))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if apperr.HasCode(err, apperr.CodeMaxUsesReached) {
				capped++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, capped)
	assert.Equal(t, 1, s.code("ONE").CurrentUses)
	assert.Equal(t, 1, s.usageCount())
}

func TestApplyRevalidatesAmount(t *testing.T) {
	minPurchase := d(5000)
	e, s := newTestEngine(&models.DiscountCode{
		Code: "BIG", DiscountType: models.DiscountTypeFixed, DiscountValue: d(100), IsActive: true, MinPurchaseAmount: &minPurchase,
	})

	_, err := e.Apply(context.Background(), "BIG", "user-1", "pay-1", "event-1", d(100))
	assert.True(t, apperr.HasCode(err, apperr.CodeMinPurchaseNotMet))
	assert.Equal(t, 0, s.code("BIG").CurrentUses)
}

func TestComputeDiscountNeverNegative(t *testing.T) {
	amounts := []decimal.Decimal{d(0), d(1), decimal.RequireFromString("0.01"), d(999999), decimal.RequireFromString("12345.67")}
	codes := []*models.DiscountCode{
		{DiscountType: models.DiscountTypePercentage, DiscountValue: d(0)},
		{DiscountType: models.DiscountTypePercentage, DiscountValue: d(33)},
		{DiscountType: models.DiscountTypePercentage, DiscountValue: d(100)},
		{DiscountType: models.DiscountTypePercentage, DiscountValue: d(150)},
		{DiscountType: models.DiscountTypeFixed, DiscountValue: d(50)},
		{DiscountType: models.DiscountTypeFixed, DiscountValue: d(10000000)},
	}

	for _, dc := range codes {
		for _, amount := range amounts {
			discount, final := ComputeDiscount(dc, amount)
			assert.False(t, final.IsNegative(), "final %s for %s %s", final, dc.DiscountType, dc.DiscountValue)
			assert.True(t, final.LessThanOrEqual(amount))
			assert.False(t, discount.IsNegative())
			assert.True(t, discount.Add(final).Equal(amount))
		}
	}
}

func TestComputeDiscountRoundsPercentage(t *testing.T) {
	dc := &models.DiscountCode{DiscountType: models.DiscountTypePercentage, DiscountValue: d(33)}

	discount, final := ComputeDiscount(dc, d(10))
	assert.Equal(t, "3.3", discount.String())
	assert.Equal(t, "6.7", final.String())

	discount, _ = ComputeDiscount(dc, decimal.RequireFromString("0.05"))
	assert.Equal(t, "0.02", discount.String())
}

func TestCreateCodeValidation(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	err := e.CreateCode(ctx, &models.DiscountCode{Code: "x", DiscountType: "BOGUS", DiscountValue: d(1)})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidDiscount))

	err = e.CreateCode(ctx, &models.DiscountCode{Code: "x", DiscountType: models.DiscountTypePercentage, DiscountValue: d(101)})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidDiscount))

	err = e.CreateCode(ctx, &models.DiscountCode{Code: "x", DiscountType: models.DiscountTypeFixed, DiscountValue: d(0)})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidDiscount))

	dc := &models.DiscountCode{Code: " spring ", DiscountType: models.DiscountTypeFixed, DiscountValue: d(10), IsActive: true}
	require.NoError(t, e.CreateCode(ctx, dc))
	assert.Equal(t, "SPRING", dc.Code)
	assert.NotEmpty(t, dc.ID)

	err = e.CreateCode(ctx, &models.DiscountCode{Code: "Spring", DiscountType: models.DiscountTypeFixed, DiscountValue: d(5)})
	assert.True(t, apperr.HasCode(err, apperr.CodeDiscountExists))
}

func TestDeleteCodeInUse(t *testing.T) {
	e, _ := newTestEngine(activeCode("USED", models.DiscountTypeFixed, 10))
	ctx := context.Background()

	_, err := e.Apply(ctx, "USED", "user-1", "pay-1", "event-1", d(100))
	require.NoError(t, err)

	err = e.DeleteCode(ctx, "used")
	assert.True(t, apperr.HasCode(err, apperr.CodeDiscountInUse))
}
