package worker

import (
	"context"

	"event-payments/internal/broker"
	"event-payments/internal/service"
	"event-payments/internal/util"

	"go.uber.org/zap"
)

// NotificationWorker consumes payment lifecycle events and notifies event owners
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, notifier *service.PaymentNotifier) *NotificationWorker {
	return &NotificationWorker{
		consumer:     consumer,
		eventHandler: NewEventHandler(notifier),
		logger:       util.GetLogger(),
	}
}

// NewEventHandler routes payment events to the notifier
func NewEventHandler(notifier *service.PaymentNotifier) *broker.EventHandler {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnPaymentCompleted(notifier.HandlePaymentCompleted)
	eventHandler.OnPaymentFailed(notifier.HandlePaymentFailed)
	return eventHandler
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}
