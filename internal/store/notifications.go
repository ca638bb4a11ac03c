package store

import (
	"context"
	"fmt"

	"urban-harvest-hub/internal/models"
)

// RecordNotification marks eventID processed and stores n in one transaction.
// It returns false without writing anything if the event was already handled.
func (s *Store) RecordNotification(ctx context.Context, eventID, eventType string, n *models.Notification) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	query := `
		INSERT INTO notifications (user_id, order_id, title, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	if err := tx.GetContext(ctx, n, query, n.UserID, n.OrderID, n.Title, n.Body); err != nil {
		return false, fmt.Errorf("failed to create notification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// GetNotificationsByUserID retrieves a user's notifications, newest first
func (s *Store) GetNotificationsByUserID(ctx context.Context, userID int64) ([]models.Notification, error) {
	notifications := []models.Notification{}
	err := s.db.SelectContext(ctx, &notifications,
		"SELECT id, user_id, order_id, title, body, created_at FROM notifications WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	return notifications, err
}
