package service

import (
	"context"
	"time"

	"event-payments/internal/models"
	"event-payments/internal/store"
)

// EventDirectory resolves the event a payment is for
type EventDirectory interface {
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
}

// AttendeeRegistry registers a user for an event, returning the existing record when present
type AttendeeRegistry interface {
	EnsureRegistered(ctx context.Context, userID, eventID string) (*models.Attendee, error)
}

// UserDirectory exposes the aggregate flags of a user
type UserDirectory interface {
	GetUserFlags(ctx context.Context, userID string) (*models.UserFlags, error)
}

// NotificationSink delivers a message to an event owner. Delivery is best effort.
type NotificationSink interface {
	Notify(ctx context.Context, ownerID, message string, data map[string]interface{}) error
}

// Locker is a shared mutual-exclusion primitive keyed by name
type Locker interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// EventPublisher emits payment lifecycle events
type EventPublisher interface {
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// PaymentStore persists payments
type PaymentStore interface {
	GetBlockingPayment(ctx context.Context, userID, eventID string, staleAfter time.Duration) (*models.Payment, error)
	ReservePayment(ctx context.Context, candidate *models.Payment, staleAfter time.Duration) (*models.Payment, bool, error)
	GetPaymentByID(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentsByUserID(ctx context.Context, userID string) ([]models.Payment, error)
	MarkPaymentInitiated(ctx context.Context, id, authority, paymentURL string, fields models.StringMap) error
	CompletePayment(ctx context.Context, id, refID, transactionID string, paidAt time.Time, metadata models.Metadata) (bool, error)
	FailPayment(ctx context.Context, id string, metadata models.Metadata) (bool, error)
	AppendPaymentMetadata(ctx context.Context, id string, metadata models.Metadata) error
}

// DiscountStore persists discount codes and their usages
type DiscountStore interface {
	CreateDiscountCode(ctx context.Context, dc *models.DiscountCode) error
	UpdateDiscountCode(ctx context.Context, dc *models.DiscountCode) error
	GetDiscountCodeByCode(ctx context.Context, code string) (*models.DiscountCode, error)
	ListDiscountCodes(ctx context.Context) ([]models.DiscountCode, error)
	DeleteDiscountCode(ctx context.Context, code string) error
	HasUserUsedDiscountCode(ctx context.Context, discountCodeID, userID string) (bool, error)
	ApplyDiscountUsage(ctx context.Context, code, paymentID, userID string, guard store.UsageGuard) (*models.DiscountCodeUsage, error)
}
