package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"event-payments/internal/apperr"
	"event-payments/internal/models"

	"github.com/jmoiron/sqlx"
)

const paymentColumns = `id, user_id, event_id, attendee_id, amount, currency, status, gateway,
	gateway_authority, gateway_transaction_id, payment_url, submission_fields, discount_code,
	ref_id, paid_at, metadata, created_at, updated_at`

// ReservePayment serializes initiations for one (user, event) pair with a
// transaction-scoped advisory lock and then either returns the payment that
// blocks a new attempt or inserts candidate as a new PENDING row.
//
// A PENDING row that never received a gateway handle and is older than
// staleAfter is failed first, so a crashed initiation does not block the user.
func (s *Store) ReservePayment(ctx context.Context, candidate *models.Payment, staleAfter time.Duration) (*models.Payment, bool, error) {
	var (
		result  *models.Payment
		created bool
	)

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))",
			candidate.UserID+"|"+candidate.EventID); err != nil {
			return fmt.Errorf("failed to lock payment slot: %w", err)
		}

		latest, err := latestPayment(ctx, tx, candidate.UserID, candidate.EventID, staleAfter)
		if err != nil {
			return err
		}
		if latest != nil {
			switch latest.Status {
			case models.PaymentStatusCompleted:
				result = &latest.Payment
				return nil
			case models.PaymentStatusPending:
				if !latest.Stale {
					result = &latest.Payment
					return nil
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE payments SET status = $1, metadata = metadata || $2::jsonb, updated_at = NOW()
					 WHERE id = $3 AND status = $4`,
					models.PaymentStatusFailed, `{"failure_reason":"stale_initiation"}`, latest.ID, models.PaymentStatusPending); err != nil {
					return fmt.Errorf("failed to expire stale payment: %w", err)
				}
			}
		}

		query := `
			INSERT INTO payments (id, user_id, event_id, attendee_id, amount, currency, status, gateway, discount_code, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING created_at, updated_at`
		if err := tx.QueryRowxContext(ctx, query,
			candidate.ID, candidate.UserID, candidate.EventID, candidate.AttendeeID, candidate.Amount,
			candidate.Currency, candidate.Status, candidate.Gateway, candidate.DiscountCode, candidate.Metadata,
		).Scan(&candidate.CreatedAt, &candidate.UpdatedAt); err != nil {
			if pqCode(err) == pqUniqueViolation {
				return apperr.Conflict(apperr.CodePaymentAlreadyCompleted, "an active payment already exists for this event")
			}
			return fmt.Errorf("failed to create payment: %w", err)
		}

		result = candidate
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// stampedPayment is a payment with its staleness judged by the database clock
type stampedPayment struct {
	models.Payment
	Stale bool `db:"stale"`
}

// latestPayment loads the newest payment of a (user, event) pair. A PENDING
// row without a gateway handle is stale once it is older than staleAfter.
func latestPayment(ctx context.Context, q sqlx.QueryerContext, userID, eventID string, staleAfter time.Duration) (*stampedPayment, error) {
	var latest stampedPayment
	err := sqlx.GetContext(ctx, q, &latest,
		`SELECT `+paymentColumns+`,
			(status = $3 AND gateway_authority IS NULL AND created_at < NOW() - $4::float8 * INTERVAL '1 millisecond') AS stale
		 FROM payments WHERE user_id = $1 AND event_id = $2 ORDER BY created_at DESC LIMIT 1`,
		userID, eventID, models.PaymentStatusPending, staleAfter.Milliseconds())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest payment: %w", err)
	}
	return &latest, nil
}

// GetBlockingPayment returns the payment that would stop a new initiation for
// the pair: a COMPLETED one, or a PENDING one that is not stale. It returns
// nil when a new payment may be created.
func (s *Store) GetBlockingPayment(ctx context.Context, userID, eventID string, staleAfter time.Duration) (*models.Payment, error) {
	latest, err := latestPayment(ctx, s.db, userID, eventID, staleAfter)
	if err != nil || latest == nil {
		return nil, err
	}
	switch {
	case latest.Status == models.PaymentStatusCompleted,
		latest.Status == models.PaymentStatusPending && !latest.Stale:
		return &latest.Payment, nil
	}
	return nil, nil
}

// GetPaymentByID retrieves a payment by ID
func (s *Store) GetPaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodePaymentNotFound, fmt.Sprintf("payment not found: %s", id))
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// MarkPaymentInitiated stores what the gateway returned for a pending payment
func (s *Store) MarkPaymentInitiated(ctx context.Context, id, authority, paymentURL string, fields models.StringMap) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE payments SET gateway_authority = $1, payment_url = $2, submission_fields = $3, updated_at = NOW()
		 WHERE id = $4 AND status = $5`,
		authority, paymentURL, fields, id, models.PaymentStatusPending)
	return err
}

// CompletePayment moves a PENDING payment to COMPLETED. It reports false
// when the payment was no longer pending.
func (s *Store) CompletePayment(ctx context.Context, id, refID, transactionID string, paidAt time.Time, metadata models.Metadata) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments
		 SET status = $1, ref_id = $2, gateway_transaction_id = NULLIF($3, ''), paid_at = $4,
		     metadata = metadata || $5::jsonb, updated_at = NOW()
		 WHERE id = $6 AND status = $7`,
		models.PaymentStatusCompleted, refID, transactionID, paidAt, metadata, id, models.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// FailPayment moves a PENDING payment to FAILED with diagnostic metadata
func (s *Store) FailPayment(ctx context.Context, id string, metadata models.Metadata) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = $1, metadata = metadata || $2::jsonb, updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		models.PaymentStatusFailed, metadata, id, models.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// AppendPaymentMetadata merges keys into the metadata of any payment
func (s *Store) AppendPaymentMetadata(ctx context.Context, id string, metadata models.Metadata) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET metadata = metadata || $1::jsonb, updated_at = NOW() WHERE id = $2",
		metadata, id)
	return err
}

// GetPaymentsByUserID retrieves payments for a user
func (s *Store) GetPaymentsByUserID(ctx context.Context, userID string) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return payments, err
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
