package service

import (
	"context"
	"fmt"

	"event-payments/internal/models"
	"event-payments/internal/util"

	"go.uber.org/zap"
)

// ProcessedEventStore records which lifecycle events were already handled
type ProcessedEventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// PaymentNotifier reacts to payment lifecycle events by telling event owners
// about new paid participants. Each event is handled at most once.
type PaymentNotifier struct {
	processed ProcessedEventStore
	events    EventDirectory
	sink      NotificationSink
	logger    *zap.Logger
}

// NewPaymentNotifier creates a new payment notifier
func NewPaymentNotifier(processed ProcessedEventStore, events EventDirectory, sink NotificationSink) *PaymentNotifier {
	return &PaymentNotifier{
		processed: processed,
		events:    events,
		sink:      sink,
		logger:    util.GetLogger(),
	}
}

// HandlePaymentCompleted notifies the event owner. Delivery failures are
// logged and do not cause the event to be redelivered.
func (n *PaymentNotifier) HandlePaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentNotifier.HandlePaymentCompleted")
	defer span.End()

	done, err := n.processed.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if done {
		n.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	target, err := n.events.GetEvent(ctx, event.EventRef)
	if err != nil {
		return fmt.Errorf("failed to load event %s: %w", event.EventRef, err)
	}

	data := map[string]interface{}{
		"payment_id": event.PaymentID,
		"user_id":    event.UserID,
		"event_id":   event.EventRef,
		"amount":     event.Amount.String(),
		"currency":   event.Currency,
		"ref_id":     event.RefID,
	}
	if event.DiscountCode != "" {
		data["discount_code"] = event.DiscountCode
		data["discount_amount"] = event.DiscountAmount.String()
	}

	msg := fmt.Sprintf("A new participant paid for %s", target.Title)
	if err := n.sink.Notify(ctx, target.OwnerID, msg, data); err != nil {
		util.NotificationsFailedTotal.Inc()
		n.logger.Warn("Failed to notify event owner",
			zap.String("owner_id", target.OwnerID),
			zap.String("payment_id", event.PaymentID),
			zap.Error(err))
	}

	if err := n.processed.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		n.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

// HandlePaymentFailed only records the failure; owners are not told about declined attempts
func (n *PaymentNotifier) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentNotifier.HandlePaymentFailed")
	defer span.End()

	done, err := n.processed.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if done {
		return nil
	}

	n.logger.Info("Payment failed",
		zap.String("payment_id", event.PaymentID),
		zap.String("event_id", event.EventRef),
		zap.String("reason", event.Reason))

	if err := n.processed.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		n.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}
