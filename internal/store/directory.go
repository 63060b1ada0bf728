package store

import (
	"context"
	"database/sql"
	"fmt"

	"event-payments/internal/apperr"
	"event-payments/internal/models"

	"github.com/google/uuid"
)

// GetEvent loads the event fields the payment flow needs
func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	var event models.Event
	err := s.db.GetContext(ctx, &event, "SELECT id, title, owner_id, price FROM events WHERE id = $1", eventID)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeEventNotFound, fmt.Sprintf("event not found: %s", eventID))
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// EnsureRegistered returns the attendee record for (userID, eventID), creating it when missing
func (s *Store) EnsureRegistered(ctx context.Context, userID, eventID string) (*models.Attendee, error) {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO attendees (id, user_id, event_id) VALUES ($1, $2, $3) ON CONFLICT (user_id, event_id) DO NOTHING",
		uuid.New().String(), userID, eventID); err != nil {
		return nil, fmt.Errorf("failed to register attendee: %w", err)
	}

	var attendee models.Attendee
	if err := s.db.GetContext(ctx, &attendee,
		"SELECT id, user_id, event_id, created_at FROM attendees WHERE user_id = $1 AND event_id = $2",
		userID, eventID); err != nil {
		return nil, fmt.Errorf("failed to load attendee: %w", err)
	}
	return &attendee, nil
}

// GetUserFlags aggregates the profile flags of a user across all events
func (s *Store) GetUserFlags(ctx context.Context, userID string) (*models.UserFlags, error) {
	var flags models.UserFlags
	err := s.db.GetContext(ctx, &flags, `
		SELECT u.id, u.profile_completed,
			EXISTS(SELECT 1 FROM attendees a WHERE a.user_id = u.id) AS is_registered,
			EXISTS(SELECT 1 FROM payments p WHERE p.user_id = u.id AND p.status = $2) AS payment_completed
		FROM users u WHERE u.id = $1`, userID, models.PaymentStatusCompleted)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeUserNotFound, fmt.Sprintf("user not found: %s", userID))
	}
	if err != nil {
		return nil, err
	}
	return &flags, nil
}
