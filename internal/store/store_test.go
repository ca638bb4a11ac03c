package store

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"urban-harvest-hub/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func TestGetProductPrice(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("SELECT price FROM products WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"price"}).AddRow("250.00"))

	price, err := s.GetProductPrice(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("250.00").Equal(price))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProductPriceNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("SELECT price FROM products")).
		WithArgs(int64(999)).
		WillReturnRows(sqlmock.NewRows([]string{"price"}))

	_, err := s.GetProductPrice(context.Background(), 999)
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.Contains(t, err.Error(), "999")
}

func TestWithinTxCommitsOrderAndItems(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO orders")).
		WithArgs(int64(7), sqlmock.AnyArg(), models.OrderStatusPending, "card", "", "", "", "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(41, now, now))
	mock.ExpectExec(q("UPDATE products SET stock_quantity = stock_quantity - $1")).
		WithArgs(2, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("INSERT INTO order_items")).
		WithArgs(int64(41), int64(1), 2, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100))
	mock.ExpectCommit()

	order := &models.Order{
		UserID:         7,
		TotalAmount:    decimal.RequireFromString("500.00"),
		Status:         models.OrderStatusPending,
		PaymentMethod:  "card",
		IdempotencyKey: "key-1",
	}
	item := &models.OrderItem{ProductID: 1, Quantity: 2, PriceAtPurchase: decimal.RequireFromString("250.00")}

	err := s.WithinTx(context.Background(), func(tx OrderTx) error {
		if err := tx.InsertOrder(context.Background(), order); err != nil {
			return err
		}
		if err := tx.DecrementStock(context.Background(), item.ProductID, item.Quantity); err != nil {
			return err
		}
		item.OrderID = order.ID
		return tx.InsertOrderItem(context.Background(), item)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(41), order.ID)
	assert.Equal(t, int64(100), item.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRollsBackOnItemFailure(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	insertErr := errors.New("connection reset by peer")

	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO orders")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))
	mock.ExpectQuery(q("INSERT INTO order_items")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(q("INSERT INTO order_items")).
		WillReturnError(insertErr)
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx OrderTx) error {
		order := &models.Order{UserID: 7, Status: models.OrderStatusPending}
		if err := tx.InsertOrder(context.Background(), order); err != nil {
			return err
		}
		for _, productID := range []int64{1, 2} {
			item := &models.OrderItem{OrderID: order.ID, ProductID: productID, Quantity: 1}
			if err := tx.InsertOrderItem(context.Background(), item); err != nil {
				return err
			}
		}
		return nil
	})
	assert.ErrorIs(t, err, insertErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOrderDuplicateIdempotencyKey(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO orders")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx OrderTx) error {
		return tx.InsertOrder(context.Background(), &models.Order{UserID: 7, IdempotencyKey: "dup"})
	})
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementStockInsufficient(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE products SET stock_quantity = stock_quantity - $1")).
		WithArgs(5, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx OrderTx) error {
		return tx.DecrementStock(context.Background(), 3, 5)
	})
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementStockProductRemoved(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE products SET stock_quantity = stock_quantity - $1")).
		WithArgs(1, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx OrderTx) error {
		return tx.DecrementStock(context.Background(), 4, 1)
	})
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.NotErrorIs(t, err, ErrInsufficientStock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateOrderStatusConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE orders SET status = $1")).
		WithArgs(models.OrderStatusCancelled, int64(9), models.OrderStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx OrderTx) error {
		return tx.UpdateOrderStatus(context.Background(), 9, models.OrderStatusPending, models.OrderStatusCancelled)
	})
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxBeginFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	called := false
	err := s.WithinTx(context.Background(), func(OrderTx) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestGetOrderLookups(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM orders WHERE id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q("FROM orders WHERE idempotency_key = $1")).
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q("FROM orders WHERE user_id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status"}).
			AddRow(2, 7, models.OrderStatusPending).
			AddRow(1, 7, models.OrderStatusCompleted))

	_, err := s.GetOrderByID(context.Background(), 5)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	order, err := s.GetOrderByIdempotencyKey(context.Background(), "unknown")
	assert.NoError(t, err)
	assert.Nil(t, order)

	orders, err := s.GetOrdersByUserID(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, int64(2), orders[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordNotification(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO processed_events")).
		WithArgs("evt-1", models.EventTypeOrderPlaced).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("INSERT INTO notifications")).
		WithArgs(int64(7), int64(3), "Order received", "body").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))
	mock.ExpectCommit()

	n := &models.Notification{UserID: 7, OrderID: 3, Title: "Order received", Body: "body"}
	created, err := s.RecordNotification(context.Background(), "evt-1", models.EventTypeOrderPlaced, n)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), n.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordNotificationAlreadyProcessed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO processed_events")).
		WithArgs("evt-1", models.EventTypeOrderPlaced).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	n := &models.Notification{UserID: 7, OrderID: 3, Title: "Order received", Body: "body"}
	created, err := s.RecordNotification(context.Background(), "evt-1", models.EventTypeOrderPlaced, n)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, n.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordNotificationRollsBackMarker(t *testing.T) {
	s, mock := newMockStore(t)
	insertErr := errors.New("connection reset by peer")

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("INSERT INTO notifications")).
		WillReturnError(insertErr)
	mock.ExpectRollback()

	created, err := s.RecordNotification(context.Background(), "evt-2", models.EventTypeOrderPlaced,
		&models.Notification{UserID: 7, OrderID: 3})
	assert.ErrorIs(t, err, insertErr)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRoundTripPostgres(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	key := "it-" + time.Now().Format(time.RFC3339Nano)

	order := &models.Order{
		UserID:         123,
		TotalAmount:    decimal.RequireFromString("10.00"),
		Status:         models.OrderStatusPending,
		PaymentMethod:  models.DefaultPaymentMethod,
		IdempotencyKey: key,
	}
	require.NoError(t, s.WithinTx(ctx, func(tx OrderTx) error {
		return tx.InsertOrder(ctx, order)
	}))

	err = s.WithinTx(ctx, func(tx OrderTx) error {
		return tx.InsertOrder(ctx, &models.Order{
			UserID:         456,
			TotalAmount:    decimal.RequireFromString("20.00"),
			Status:         models.OrderStatusPending,
			PaymentMethod:  models.DefaultPaymentMethod,
			IdempotencyKey: key,
		})
	})
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	found, err := s.GetOrderByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, order.ID, found.ID)
}
