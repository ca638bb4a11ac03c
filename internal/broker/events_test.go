package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"urban-harvest-hub/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(t *testing.T, event interface{}) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Key: []byte("order-1"), Value: value}
}

func TestHandleMessageOrderPlaced(t *testing.T) {
	handler := NewEventHandler()

	var got *models.OrderPlacedEvent
	handler.OnOrderPlaced(func(_ context.Context, e *models.OrderPlacedEvent) error {
		got = e
		return nil
	})

	event := &models.OrderPlacedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "evt-1",
			EventType: models.EventTypeOrderPlaced,
			Timestamp: time.Now(),
		},
		OrderID:     1,
		UserID:      7,
		TotalAmount: decimal.RequireFromString("600.50"),
		Items: []models.OrderItemData{
			{ProductID: 1, Quantity: 3, PriceAtPurchase: decimal.RequireFromString("100.00")},
		},
	}

	require.NoError(t, handler.HandleMessage(context.Background(), message(t, event)))
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.UserID)
	assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("600.50")))
	assert.Len(t, got.Items, 1)
}

func TestHandleMessageStatusChanged(t *testing.T) {
	handler := NewEventHandler()

	wantErr := errors.New("boom")
	handler.OnOrderStatusChanged(func(_ context.Context, e *models.OrderStatusChangedEvent) error {
		assert.Equal(t, models.OrderStatusCancelled, e.NewStatus)
		return wantErr
	})

	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-2", EventType: models.EventTypeOrderStatusChanged},
		OrderID:   1,
		OldStatus: models.OrderStatusPending,
		NewStatus: models.OrderStatusCancelled,
	}

	err := handler.HandleMessage(context.Background(), message(t, event))
	assert.ErrorIs(t, err, wantErr)
}

func TestHandleMessageIgnoresUnknownTypes(t *testing.T) {
	handler := NewEventHandler()
	msg := message(t, models.BaseEvent{EventID: "evt-3", EventType: "SOMETHING_ELSE"})

	assert.NoError(t, handler.HandleMessage(context.Background(), msg))
}

func TestHandleMessageRejectsGarbage(t *testing.T) {
	handler := NewEventHandler()

	err := handler.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}
