package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePaymentCompleted = "PAYMENT_COMPLETED"
	EventTypePaymentFailed    = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentCompletedEvent published when a payment settles
type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID      string          `json:"payment_id"`
	UserID         string          `json:"user_id"`
	EventRef       string          `json:"event_ref"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	RefID          string          `json:"ref_id"`
	DiscountCode   string          `json:"discount_code,omitempty"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

// PaymentFailedEvent published when the gateway declines or verification breaks
type PaymentFailedEvent struct {
	BaseEvent
	PaymentID string `json:"payment_id"`
	UserID    string `json:"user_id"`
	EventRef  string `json:"event_ref"`
	Reason    string `json:"reason"`
}

// Notification is the message handed to the notification sink
type Notification struct {
	OwnerID   string                 `json:"owner_id"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
