package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"event-payments/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memProcessed struct {
	mu   sync.Mutex
	seen map[string]string
}

func (m *memProcessed) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[eventID]
	return ok, nil
}

func (m *memProcessed) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[eventID] = eventType
	return nil
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Notify(ctx context.Context, ownerID, message string, data map[string]interface{}) error {
	return m.Called(ctx, ownerID, message, data).Error(0)
}

func completedEvent(id string) *models.PaymentCompletedEvent {
	return &models.PaymentCompletedEvent{
		BaseEvent: models.BaseEvent{EventID: id, EventType: models.EventTypePaymentCompleted},
		PaymentID: "pay-1",
		UserID:    "user-1",
		EventRef:  "event-1",
		Amount:    d(1000),
		Currency:  "IRR",
		RefID:     "REF-1",
	}
}

func newTestNotifier(sink *mockSink) (*PaymentNotifier, *memProcessed) {
	processed := &memProcessed{seen: make(map[string]string)}
	dir := newMemDirectory(&models.Event{ID: "event-1", Title: "Expo", OwnerID: "owner-1"})
	return NewPaymentNotifier(processed, dir, sink), processed
}

func TestNotifierNotifiesOwnerOnce(t *testing.T) {
	sink := &mockSink{}
	sink.On("Notify", mock.Anything, "owner-1", "A new participant paid for Expo", mock.Anything).Return(nil).Once()
	n, processed := newTestNotifier(sink)

	require.NoError(t, n.HandlePaymentCompleted(context.Background(), completedEvent("evt-1")))
	require.NoError(t, n.HandlePaymentCompleted(context.Background(), completedEvent("evt-1")))

	sink.AssertExpectations(t)
	assert.Equal(t, models.EventTypePaymentCompleted, processed.seen["evt-1"])
}

func TestNotifierSwallowsSinkFailure(t *testing.T) {
	sink := &mockSink{}
	sink.On("Notify", mock.Anything, "owner-1", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	n, processed := newTestNotifier(sink)

	assert.NoError(t, n.HandlePaymentCompleted(context.Background(), completedEvent("evt-2")))
	assert.Contains(t, processed.seen, "evt-2")
}

func TestNotifierUnknownEventReturnsError(t *testing.T) {
	sink := &mockSink{}
	n, processed := newTestNotifier(sink)

	ev := completedEvent("evt-3")
	ev.EventRef = "missing"
	assert.Error(t, n.HandlePaymentCompleted(context.Background(), ev))
	assert.NotContains(t, processed.seen, "evt-3")
	sink.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestNotifierRecordsFailedPayments(t *testing.T) {
	sink := &mockSink{}
	n, processed := newTestNotifier(sink)

	err := n.HandlePaymentFailed(context.Background(), &models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-4", EventType: models.EventTypePaymentFailed},
		PaymentID: "pay-1",
		Reason:    "gateway_declined",
	})
	require.NoError(t, err)
	assert.Equal(t, models.EventTypePaymentFailed, processed.seen["evt-4"])
	sink.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
