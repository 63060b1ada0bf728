package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Payment represents one attempt to collect a fee for a user's participation in an event
type Payment struct {
	ID                   string          `db:"id" json:"id"`
	UserID               string          `db:"user_id" json:"user_id"`
	EventID              string          `db:"event_id" json:"event_id"`
	AttendeeID           string          `db:"attendee_id" json:"attendee_id"`
	Amount               decimal.Decimal `db:"amount" json:"amount"`
	Currency             string          `db:"currency" json:"currency"`
	Status               string          `db:"status" json:"status"`
	Gateway              string          `db:"gateway" json:"gateway"`
	GatewayAuthority     *string         `db:"gateway_authority" json:"gateway_authority,omitempty"`
	GatewayTransactionID *string         `db:"gateway_transaction_id" json:"gateway_transaction_id,omitempty"`
	PaymentURL           *string         `db:"payment_url" json:"payment_url,omitempty"`
	SubmissionFields     StringMap       `db:"submission_fields" json:"submission_fields,omitempty"`
	DiscountCode         *string         `db:"discount_code" json:"discount_code,omitempty"`
	RefID                *string         `db:"ref_id" json:"ref_id,omitempty"`
	PaidAt               *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	Metadata             Metadata        `db:"metadata" json:"metadata,omitempty"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the payment reached COMPLETED or FAILED
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusFailed
}

// Authority returns the gateway handle or "" when none was issued yet
func (p *Payment) Authority() string {
	if p.GatewayAuthority == nil {
		return ""
	}
	return *p.GatewayAuthority
}

// DiscountCode is a reusable, constrained rule that reduces a payment amount
type DiscountCode struct {
	ID                string           `db:"id" json:"id"`
	Code              string           `db:"code" json:"code"`
	DiscountType      string           `db:"discount_type" json:"discount_type"`
	DiscountValue     decimal.Decimal  `db:"discount_value" json:"discount_value"`
	ExpiresAt         *time.Time       `db:"expires_at" json:"expires_at,omitempty"`
	MaxUses           *int             `db:"max_uses" json:"max_uses,omitempty"`
	CurrentUses       int              `db:"current_uses" json:"current_uses"`
	SingleUsePerUser  bool             `db:"single_use_per_user" json:"single_use_per_user"`
	MinPurchaseAmount *decimal.Decimal `db:"min_purchase_amount" json:"min_purchase_amount,omitempty"`
	EventID           *string          `db:"event_id" json:"event_id,omitempty"`
	IsActive          bool             `db:"is_active" json:"is_active"`
	Description       string           `db:"description" json:"description"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// DiscountCodeUsage binds one applied discount to exactly one payment
type DiscountCodeUsage struct {
	ID             string          `db:"id" json:"id"`
	DiscountCodeID string          `db:"discount_code_id" json:"discount_code_id"`
	UserID         string          `db:"user_id" json:"user_id"`
	PaymentID      string          `db:"payment_id" json:"payment_id"`
	EventID        string          `db:"event_id" json:"event_id"`
	OriginalAmount decimal.Decimal `db:"original_amount" json:"original_amount"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	FinalAmount    decimal.Decimal `db:"final_amount" json:"final_amount"`
	UsedAt         time.Time       `db:"used_at" json:"used_at"`
}

// Event is the slice of an event record the payment flow needs
type Event struct {
	ID      string           `db:"id" json:"id"`
	Title   string           `db:"title" json:"title"`
	OwnerID string           `db:"owner_id" json:"owner_id"`
	Price   *decimal.Decimal `db:"price" json:"price,omitempty"`
}

// Attendee links a user to an event they are registered for
type Attendee struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	EventID   string    `db:"event_id" json:"event_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// UserFlags are the aggregate profile flags returned after a completed payment
type UserFlags struct {
	UserID           string `db:"id" json:"user_id"`
	ProfileCompleted bool   `db:"profile_completed" json:"profile_completed"`
	IsRegistered     bool   `db:"is_registered" json:"is_registered"`
	PaymentCompleted bool   `db:"payment_completed" json:"payment_completed"`
}

// Payment statuses
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
)

// Discount types
const (
	DiscountTypePercentage = "PERCENTAGE"
	DiscountTypeFixed      = "FIXED"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Metadata is free-form diagnostic JSON stored in a jsonb column
type Metadata map[string]interface{}

// Value encodes as text; lib/pq would send []byte as bytea.
func (m Metadata) Value() (driver.Value, error) {
	return marshalJSONText(m == nil, m)
}

func (m *Metadata) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// StringMap holds client resubmission fields in a jsonb column
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	return marshalJSONText(m == nil, m)
}

func (m *StringMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func marshalJSONText(isNil bool, v interface{}) (driver.Value, error) {
	if isNil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}
