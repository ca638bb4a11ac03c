package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"urban-harvest-hub/internal/models"
	"urban-harvest-hub/internal/service/servicetest"

	"github.com/stretchr/testify/suite"
)

type NotificationServiceSuite struct {
	suite.Suite
	store *servicetest.Store
	svc   *NotificationService
}

func (s *NotificationServiceSuite) SetupTest() {
	s.store = servicetest.NewStore()
	s.svc = NewNotificationService(s.store)
}

func (s *NotificationServiceSuite) placedEvent(id string) *models.OrderPlacedEvent {
	return &models.OrderPlacedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   id,
			EventType: models.EventTypeOrderPlaced,
			Timestamp: time.Now(),
		},
		OrderID:     11,
		UserID:      7,
		TotalAmount: dec("600.5"),
	}
}

func (s *NotificationServiceSuite) TestOrderPlacedCreatesNotification() {
	ctx := context.Background()
	s.Require().NoError(s.svc.HandleOrderPlaced(ctx, s.placedEvent("evt-1")))

	list, err := s.svc.ListNotifications(ctx, 7)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(int64(11), list[0].OrderID)
	s.Equal("Order received", list[0].Title)
	s.Contains(list[0].Body, "#11")
	s.Contains(list[0].Body, "600.50")

	processed, err := s.store.IsEventProcessed(ctx, "evt-1")
	s.Require().NoError(err)
	s.True(processed)
}

func (s *NotificationServiceSuite) TestRedeliveredEventIsSkipped() {
	ctx := context.Background()
	event := s.placedEvent("evt-2")

	s.Require().NoError(s.svc.HandleOrderPlaced(ctx, event))
	s.Require().NoError(s.svc.HandleOrderPlaced(ctx, event))

	list, err := s.svc.ListNotifications(ctx, 7)
	s.Require().NoError(err)
	s.Len(list, 1)
}

func (s *NotificationServiceSuite) TestFailedWriteLeavesEventRetryable() {
	ctx := context.Background()
	event := s.placedEvent("evt-3")

	s.store.NotificationErr = errors.New("connection reset by peer")
	s.Error(s.svc.HandleOrderPlaced(ctx, event))

	processed, err := s.store.IsEventProcessed(ctx, "evt-3")
	s.Require().NoError(err)
	s.False(processed)

	s.store.NotificationErr = nil
	s.Require().NoError(s.svc.HandleOrderPlaced(ctx, event))
	s.Require().NoError(s.svc.HandleOrderPlaced(ctx, event))

	list, err := s.svc.ListNotifications(ctx, 7)
	s.Require().NoError(err)
	s.Len(list, 1)
}

func (s *NotificationServiceSuite) TestStatusChangeTitles() {
	ctx := context.Background()

	for i, tc := range []struct {
		status string
		title  string
	}{
		{models.OrderStatusCompleted, "Order completed"},
		{models.OrderStatusCancelled, "Order cancelled"},
		{"refunded", "Order updated"},
	} {
		err := s.svc.HandleOrderStatusChanged(ctx, &models.OrderStatusChangedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   "status-" + tc.status,
				EventType: models.EventTypeOrderStatusChanged,
			},
			OrderID:   int64(i + 1),
			UserID:    9,
			OldStatus: models.OrderStatusPending,
			NewStatus: tc.status,
		})
		s.Require().NoError(err)

		list, err := s.svc.ListNotifications(ctx, 9)
		s.Require().NoError(err)
		s.Require().Len(list, i+1)
		s.Equal(tc.title, list[0].Title, "newest notification first")
	}
}

func (s *NotificationServiceSuite) TestListNotificationsEmpty() {
	list, err := s.svc.ListNotifications(context.Background(), 42)
	s.Require().NoError(err)
	s.NotNil(list)
	s.Empty(list)
}

func TestNotificationServiceSuite(t *testing.T) {
	suite.Run(t, new(NotificationServiceSuite))
}
