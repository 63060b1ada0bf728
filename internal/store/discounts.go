package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"event-payments/internal/apperr"
	"event-payments/internal/models"

	"github.com/jmoiron/sqlx"
)

const discountColumns = `id, code, discount_type, discount_value, expires_at, max_uses, current_uses,
	single_use_per_user, min_purchase_amount, event_id, is_active, description, created_at, updated_at`

// UsageGuard re-validates a locked discount code and returns the usage to record.
// usedByUser reports whether the user already has a usage of this code.
type UsageGuard func(dc *models.DiscountCode, usedByUser bool) (*models.DiscountCodeUsage, error)

// CreateDiscountCode inserts a new code; codes are stored upper-cased
func (s *Store) CreateDiscountCode(ctx context.Context, dc *models.DiscountCode) error {
	dc.Code = strings.ToUpper(strings.TrimSpace(dc.Code))

	query := `
		INSERT INTO discount_codes (id, code, discount_type, discount_value, expires_at, max_uses, current_uses,
			single_use_per_user, min_purchase_amount, event_id, is_active, description)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11)
		RETURNING current_uses, created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		dc.ID, dc.Code, dc.DiscountType, dc.DiscountValue, dc.ExpiresAt, dc.MaxUses,
		dc.SingleUsePerUser, dc.MinPurchaseAmount, dc.EventID, dc.IsActive, dc.Description,
	).Scan(&dc.CurrentUses, &dc.CreatedAt, &dc.UpdatedAt)
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return apperr.Conflict(apperr.CodeDiscountExists, fmt.Sprintf("discount code already exists: %s", dc.Code))
		}
		return fmt.Errorf("failed to create discount code: %w", err)
	}
	return nil
}

// UpdateDiscountCode replaces the mutable attributes of a code. Usage counters are left alone.
func (s *Store) UpdateDiscountCode(ctx context.Context, dc *models.DiscountCode) error {
	dc.Code = strings.ToUpper(strings.TrimSpace(dc.Code))

	query := `
		UPDATE discount_codes
		SET discount_type = $1, discount_value = $2, expires_at = $3, max_uses = $4, single_use_per_user = $5,
			min_purchase_amount = $6, event_id = $7, is_active = $8, description = $9, updated_at = NOW()
		WHERE code = $10
		RETURNING id, current_uses, created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		dc.DiscountType, dc.DiscountValue, dc.ExpiresAt, dc.MaxUses, dc.SingleUsePerUser,
		dc.MinPurchaseAmount, dc.EventID, dc.IsActive, dc.Description, dc.Code,
	).Scan(&dc.ID, &dc.CurrentUses, &dc.CreatedAt, &dc.UpdatedAt)
	if err == sql.ErrNoRows {
		return apperr.NotFound(apperr.CodeDiscountNotFound, fmt.Sprintf("discount code not found: %s", dc.Code))
	}
	if err != nil {
		if pqCode(err) == pqCheckViolation {
			return apperr.Validation(apperr.CodeInvalidDiscount, "max_uses is below the current usage count")
		}
		return fmt.Errorf("failed to update discount code: %w", err)
	}
	return nil
}

// GetDiscountCodeByCode looks a code up case-insensitively
func (s *Store) GetDiscountCodeByCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := s.db.GetContext(ctx, &dc,
		"SELECT "+discountColumns+" FROM discount_codes WHERE code = $1", strings.ToUpper(strings.TrimSpace(code)))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeDiscountNotFound, fmt.Sprintf("discount code not found: %s", code))
	}
	if err != nil {
		return nil, err
	}
	return &dc, nil
}

// ListDiscountCodes returns every code, newest first
func (s *Store) ListDiscountCodes(ctx context.Context) ([]models.DiscountCode, error) {
	var codes []models.DiscountCode
	err := s.db.SelectContext(ctx, &codes,
		"SELECT "+discountColumns+" FROM discount_codes ORDER BY created_at DESC")
	return codes, err
}

// DeleteDiscountCode removes a code that was never used
func (s *Store) DeleteDiscountCode(ctx context.Context, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	res, err := s.db.ExecContext(ctx, "DELETE FROM discount_codes WHERE code = $1", code)
	if err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return apperr.Conflict(apperr.CodeDiscountInUse, fmt.Sprintf("discount code has recorded usages: %s", code))
		}
		return fmt.Errorf("failed to delete discount code: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound(apperr.CodeDiscountNotFound, fmt.Sprintf("discount code not found: %s", code))
	}
	return nil
}

// HasUserUsedDiscountCode reports whether userID already has a usage of the code
func (s *Store) HasUserUsedDiscountCode(ctx context.Context, discountCodeID, userID string) (bool, error) {
	var used bool
	err := s.db.GetContext(ctx, &used,
		"SELECT EXISTS(SELECT 1 FROM discount_code_usages WHERE discount_code_id = $1 AND user_id = $2)",
		discountCodeID, userID)
	return used, err
}

// ApplyDiscountUsage records a usage for paymentID and increments the code's
// counter in one transaction. The code row is locked before guard runs, so
// guard sees the counter every concurrent apply will see after it.
func (s *Store) ApplyDiscountUsage(ctx context.Context, code, paymentID, userID string, guard UsageGuard) (*models.DiscountCodeUsage, error) {
	var usage *models.DiscountCodeUsage

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var dc models.DiscountCode
		err := tx.GetContext(ctx, &dc,
			"SELECT "+discountColumns+" FROM discount_codes WHERE code = $1 FOR UPDATE",
			strings.ToUpper(strings.TrimSpace(code)))
		if err == sql.ErrNoRows {
			return apperr.NotFound(apperr.CodeDiscountNotFound, fmt.Sprintf("discount code not found: %s", code))
		}
		if err != nil {
			return fmt.Errorf("failed to lock discount code: %w", err)
		}

		var applied bool
		if err := tx.GetContext(ctx, &applied,
			"SELECT EXISTS(SELECT 1 FROM discount_code_usages WHERE payment_id = $1)", paymentID); err != nil {
			return fmt.Errorf("failed to check existing usage: %w", err)
		}
		if applied {
			return apperr.Conflict(apperr.CodeAlreadyApplied, "a discount was already applied to this payment")
		}

		var usedByUser bool
		if err := tx.GetContext(ctx, &usedByUser,
			"SELECT EXISTS(SELECT 1 FROM discount_code_usages WHERE discount_code_id = $1 AND user_id = $2)",
			dc.ID, userID); err != nil {
			return fmt.Errorf("failed to check user usage: %w", err)
		}

		u, err := guard(&dc, usedByUser)
		if err != nil {
			return err
		}
		u.DiscountCodeID = dc.ID

		err = tx.QueryRowxContext(ctx, `
			INSERT INTO discount_code_usages (id, discount_code_id, user_id, payment_id, event_id,
				original_amount, discount_amount, final_amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING used_at`,
			u.ID, u.DiscountCodeID, u.UserID, u.PaymentID, u.EventID,
			u.OriginalAmount, u.DiscountAmount, u.FinalAmount,
		).Scan(&u.UsedAt)
		if err != nil {
			if pqCode(err) == pqUniqueViolation {
				return apperr.Conflict(apperr.CodeAlreadyApplied, "a discount was already applied to this payment")
			}
			return fmt.Errorf("failed to record discount usage: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE discount_codes SET current_uses = current_uses + 1, updated_at = NOW()
			WHERE id = $1 AND (max_uses IS NULL OR current_uses < max_uses)`, dc.ID)
		if err != nil {
			return fmt.Errorf("failed to increment discount usage: %w", err)
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Validation(apperr.CodeMaxUsesReached, "discount code has reached its usage limit")
		}

		usage = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}
