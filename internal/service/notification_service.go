package service

import (
	"context"
	"fmt"

	"urban-harvest-hub/internal/models"
	"urban-harvest-hub/internal/util"

	"go.uber.org/zap"
)

// NotificationStore persists notifications and consumer bookkeeping.
// RecordNotification writes the notification and the processed-event marker
// atomically and reports false for an event that was already handled.
type NotificationStore interface {
	RecordNotification(ctx context.Context, eventID, eventType string, n *models.Notification) (bool, error)
	GetNotificationsByUserID(ctx context.Context, userID int64) ([]models.Notification, error)
}

// NotificationService turns order events into user notifications
type NotificationService struct {
	store  NotificationStore
	logger *zap.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(store NotificationStore) *NotificationService {
	return &NotificationService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// HandleOrderPlaced notifies the user that their order was received
func (ns *NotificationService) HandleOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationService.HandleOrderPlaced")
	defer span.End()

	return ns.notifyOnce(ctx, event.BaseEvent, &models.Notification{
		UserID:  event.UserID,
		OrderID: event.OrderID,
		Title:   "Order received",
		Body: fmt.Sprintf("Your order #%d totalling %s has been received and is pending.",
			event.OrderID, event.TotalAmount.StringFixed(2)),
	})
}

// HandleOrderStatusChanged notifies the user that their order was completed or cancelled
func (ns *NotificationService) HandleOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationService.HandleOrderStatusChanged")
	defer span.End()

	n := &models.Notification{
		UserID:  event.UserID,
		OrderID: event.OrderID,
	}
	switch event.NewStatus {
	case models.OrderStatusCompleted:
		n.Title = "Order completed"
		n.Body = fmt.Sprintf("Your order #%d has been completed. Enjoy your harvest!", event.OrderID)
	case models.OrderStatusCancelled:
		n.Title = "Order cancelled"
		n.Body = fmt.Sprintf("Your order #%d has been cancelled.", event.OrderID)
	default:
		n.Title = "Order updated"
		n.Body = fmt.Sprintf("Your order #%d is now %s.", event.OrderID, event.NewStatus)
	}

	return ns.notifyOnce(ctx, event.BaseEvent, n)
}

// notifyOnce stores n unless the event was already handled
func (ns *NotificationService) notifyOnce(ctx context.Context, event models.BaseEvent, n *models.Notification) error {
	created, err := ns.store.RecordNotification(ctx, event.EventID, event.EventType, n)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	if !created {
		ns.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	util.NotificationsCreatedTotal.WithLabelValues(event.EventType).Inc()

	ns.logger.Info("Notification created",
		zap.Int64("user_id", n.UserID),
		zap.Int64("order_id", n.OrderID),
		zap.String("event_type", event.EventType))
	return nil
}

// ListNotifications returns a user's notifications, newest first
func (ns *NotificationService) ListNotifications(ctx context.Context, userID int64) ([]models.Notification, error) {
	return ns.store.GetNotificationsByUserID(ctx, userID)
}
