package worker

import (
	"context"

	"urban-harvest-hub/internal/broker"
	"urban-harvest-hub/internal/service"
	"urban-harvest-hub/internal/util"

	"go.uber.org/zap"
)

// MessageSource delivers broker messages to a handler until ctx is done
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// NotificationWorker turns order events into user notifications
type NotificationWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(
	source MessageSource,
	notificationService *service.NotificationService,
) *NotificationWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnOrderPlaced(notificationService.HandleOrderPlaced)
	eventHandler.OnOrderStatusChanged(notificationService.HandleOrderStatusChanged)

	return &NotificationWorker{
		source:       source,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start blocks consuming events until ctx is cancelled
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.source.Close()
}
