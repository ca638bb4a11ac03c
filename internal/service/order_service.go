package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"urban-harvest-hub/internal/models"
	"urban-harvest-hub/internal/store"
	"urban-harvest-hub/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderStore is the persistence used by OrderService. GetProductPrice is the
// price authority; WithinTx scopes the order and line-item writes.
type OrderStore interface {
	GetProductPrice(ctx context.Context, productID int64) (decimal.Decimal, error)
	WithinTx(ctx context.Context, fn func(tx store.OrderTx) error) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
}

// IdempotencyGuard de-duplicates concurrent and retried submissions that carry
// the same idempotency key.
type IdempotencyGuard interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (orderID int64, claimed bool, err error)
	CompleteIdempotencyKey(ctx context.Context, key string, orderID int64, ttl time.Duration) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// OrderEventPublisher publishes order domain events
type OrderEventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}

// Options tunes the order workflow
type Options struct {
	// EnforceStock decrements product stock inside the order transaction and
	// rejects carts that exceed it. Cancelling an order puts the stock back.
	EnforceStock         bool
	DefaultPaymentMethod string
	// IdempotencyTTL is how long a placed order is remembered under its key.
	IdempotencyTTL time.Duration
	// IdempotencyClaimTTL bounds how long an unfinished placement holds its
	// key, so a request that died mid-flight does not block retries.
	IdempotencyClaimTTL time.Duration
}

// OrderService handles order business logic
type OrderService struct {
	store     OrderStore
	guard     IdempotencyGuard
	publisher OrderEventPublisher
	opts      Options
	logger    *zap.Logger
}

// NewOrderService creates a new order service. guard may be nil, in which case
// idempotency relies on the store's unique key alone.
func NewOrderService(
	store OrderStore,
	guard IdempotencyGuard,
	publisher OrderEventPublisher,
	opts Options,
) *OrderService {
	if opts.DefaultPaymentMethod == "" {
		opts.DefaultPaymentMethod = models.DefaultPaymentMethod
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.IdempotencyClaimTTL <= 0 {
		opts.IdempotencyClaimTTL = 30 * time.Second
	}

	return &OrderService{
		store:     store,
		guard:     guard,
		publisher: publisher,
		opts:      opts,
		logger:    util.GetLogger(),
	}
}

// PlaceOrderRequest is a cart submission. It deliberately carries no prices.
type PlaceOrderRequest struct {
	UserID          int64              `json:"userId"`
	Items           []OrderItemRequest `json:"items"`
	PaymentMethod   string             `json:"paymentMethod"`
	DeliveryAddress string             `json:"deliveryAddress"`
	RecipientName   string             `json:"recipientName"`
	RecipientPhone  string             `json:"recipientPhone"`
	IdempotencyKey  string             `json:"idempotencyKey,omitempty"`
}

// OrderItemRequest represents an item in a cart
type OrderItemRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

// PlaceOrderResponse confirms a placed order
type PlaceOrderResponse struct {
	Message     string          `json:"message"`
	OrderID     int64           `json:"orderId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	// Replayed is set when the response was served from an idempotency key.
	Replayed bool `json:"-"`
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// PlaceOrder validates a cart, prices it from the price authority and stores
// the order with its line items in one transaction.
func (s *OrderService) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (resp *PlaceOrderResponse, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer span.End()
	defer func() { util.RecordSpanError(span, err) }()

	start := time.Now()
	defer func() {
		util.OrderPlacementLatency.Observe(time.Since(start).Seconds())
	}()

	if err := validateCart(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, key)
		if lookupErr != nil {
			util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
			return nil, persistenceError("failed to check idempotency key", lookupErr)
		}
		if existing != nil {
			return s.replay(req, existing)
		}

		if s.guard != nil {
			orderID, claimed, claimErr := s.guard.ClaimIdempotencyKey(ctx, key, s.opts.IdempotencyClaimTTL)
			switch {
			case claimErr != nil:
				s.logger.Warn("Idempotency guard unavailable, relying on database constraint",
					zap.String("idempotency_key", key),
					zap.Error(claimErr))
			case !claimed && orderID == 0:
				util.OrdersFailedTotal.WithLabelValues("in_progress").Inc()
				return nil, ErrOrderInProgress
			case !claimed:
				order, loadErr := s.store.GetOrderByID(ctx, orderID)
				if loadErr != nil {
					return nil, persistenceError("failed to load replayed order", loadErr)
				}
				return s.replay(req, order)
			default:
				defer func() {
					if err != nil {
						s.releaseKey(key)
					}
				}()
			}
		}
	}

	prices, err := s.priceItems(ctx, req.Items)
	if err != nil {
		var notFound *ProductNotFoundError
		if errors.As(err, &notFound) {
			util.OrdersFailedTotal.WithLabelValues("product_not_found").Inc()
			return nil, err
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, persistenceError("failed to price cart", err)
	}

	totalAmount := s.calculateTotal(req.Items, prices)

	paymentMethod := req.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = s.opts.DefaultPaymentMethod
	}

	order := &models.Order{
		UserID:          req.UserID,
		TotalAmount:     totalAmount,
		Status:          models.OrderStatusPending,
		PaymentMethod:   paymentMethod,
		DeliveryAddress: req.DeliveryAddress,
		RecipientName:   req.RecipientName,
		RecipientPhone:  req.RecipientPhone,
		IdempotencyKey:  key,
	}

	var items []models.OrderItem
	err = s.store.WithinTx(ctx, func(tx store.OrderTx) error {
		items = make([]models.OrderItem, 0, len(req.Items))

		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		for _, item := range req.Items {
			if s.opts.EnforceStock {
				if err := tx.DecrementStock(ctx, item.ProductID, item.Quantity); err != nil {
					switch {
					case errors.Is(err, store.ErrProductNotFound):
						return &ProductNotFoundError{ProductID: item.ProductID}
					case errors.Is(err, store.ErrInsufficientStock):
						return &InsufficientStockError{ProductID: item.ProductID}
					}
					return err
				}
			}

			orderItem := models.OrderItem{
				OrderID:         order.ID,
				ProductID:       item.ProductID,
				Quantity:        item.Quantity,
				PriceAtPurchase: prices[item.ProductID],
			}
			if err := tx.InsertOrderItem(ctx, &orderItem); err != nil {
				return err
			}
			items = append(items, orderItem)
		}

		return nil
	})
	if err != nil {
		var (
			insufficient *InsufficientStockError
			notFound     *ProductNotFoundError
		)
		switch {
		case errors.As(err, &insufficient):
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			return nil, err
		case errors.As(err, &notFound):
			util.OrdersFailedTotal.WithLabelValues("product_not_found").Inc()
			return nil, err
		case errors.Is(err, store.ErrDuplicateIdempotencyKey):
			// Lost a race with a concurrent request carrying the same key.
			existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, key)
			if lookupErr == nil && existing != nil {
				s.completeKey(ctx, key, existing.ID)
				return s.replay(req, existing)
			}
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		util.LoggerFromContext(ctx).Error("Failed to store order",
			zap.Int64("user_id", req.UserID),
			zap.Error(err))
		return nil, persistenceError("failed to store order", err)
	}

	util.OrdersPlacedTotal.Inc()
	util.OrderValueTotal.Add(totalAmount.InexactFloat64())
	util.LoggerFromContext(ctx).Info("Order placed",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("total_amount", totalAmount.StringFixed(2)),
		zap.Int("items", len(items)))

	s.publishOrderPlaced(ctx, order, items)

	if key != "" {
		s.completeKey(ctx, key, order.ID)
	}

	return &PlaceOrderResponse{
		Message:     "Order placed successfully",
		OrderID:     order.ID,
		TotalAmount: totalAmount,
	}, nil
}

// validateCart checks the request before any lookup or write
func validateCart(req *PlaceOrderRequest) error {
	if req == nil || req.UserID <= 0 || len(req.Items) == 0 {
		return ErrMissingFields
	}

	for _, item := range req.Items {
		if item.ProductID == 0 {
			return ErrMissingFields
		}
		if item.Quantity < 1 {
			return ErrInvalidQuantity
		}
	}
	return nil
}

// priceItems reads the current price of every product in the cart. A product
// listed twice is read once so both lines share the same snapshot.
func (s *OrderService) priceItems(ctx context.Context, items []OrderItemRequest) (map[int64]decimal.Decimal, error) {
	prices := make(map[int64]decimal.Decimal, len(items))

	for _, item := range items {
		if _, ok := prices[item.ProductID]; ok {
			continue
		}

		price, err := s.store.GetProductPrice(ctx, item.ProductID)
		if errors.Is(err, store.ErrProductNotFound) {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		if err != nil {
			return nil, err
		}
		prices[item.ProductID] = price
	}

	return prices, nil
}

// calculateTotal calculates the total amount for an order
func (s *OrderService) calculateTotal(items []OrderItemRequest, prices map[int64]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(prices[item.ProductID].Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// replay answers a retried submission with the order already placed under its
// key. A key is only honoured for the user who placed the order.
func (s *OrderService) replay(req *PlaceOrderRequest, order *models.Order) (*PlaceOrderResponse, error) {
	if order.UserID != req.UserID {
		util.OrdersFailedTotal.WithLabelValues("key_reused").Inc()
		s.logger.Warn("Idempotency key reused by another user",
			zap.Int64("order_id", order.ID),
			zap.Int64("user_id", req.UserID))
		return nil, ErrIdempotencyKeyReused
	}

	util.OrdersReplayedTotal.Inc()
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", order.IdempotencyKey),
		zap.Int64("order_id", order.ID))

	return &PlaceOrderResponse{
		Message:     "Order already placed",
		OrderID:     order.ID,
		TotalAmount: order.TotalAmount,
		Replayed:    true,
	}, nil
}

func (s *OrderService) completeKey(ctx context.Context, key string, orderID int64) {
	if s.guard == nil {
		return
	}
	if err := s.guard.CompleteIdempotencyKey(ctx, key, orderID, s.opts.IdempotencyTTL); err != nil {
		s.logger.Warn("Failed to record idempotency key",
			zap.String("idempotency_key", key),
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
}

// releaseKey runs on a fresh context so a cancelled request still frees its claim.
func (s *OrderService) releaseKey(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.guard.ReleaseIdempotencyKey(ctx, key); err != nil {
		s.logger.Warn("Failed to release idempotency key",
			zap.String("idempotency_key", key),
			zap.Error(err))
	}
}

func (s *OrderService) publishOrderPlaced(ctx context.Context, order *models.Order, items []models.OrderItem) {
	if s.publisher == nil {
		return
	}

	data := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		data = append(data, models.OrderItemData{
			ProductID:       item.ProductID,
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase,
		})
	}

	event := &models.OrderPlacedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderPlaced,
			Timestamp: time.Now(),
		},
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       data,
	}

	if err := s.publisher.PublishOrderPlaced(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderPlaced event",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}

// ListUserOrders returns a user's orders, newest first
func (s *OrderService) ListUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListUserOrders")
	defer span.End()

	return s.store.GetOrdersByUserID(ctx, userID)
}

// UpdateOrderStatus completes or cancels a pending order
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID int64, status string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateOrderStatus")
	defer span.End()

	if status != models.OrderStatusCompleted && status != models.OrderStatusCancelled {
		return nil, ErrInvalidStatus
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, ErrInvalidStatusTransition
	}

	var restock []models.OrderItem
	if status == models.OrderStatusCancelled && s.opts.EnforceStock {
		restock, err = s.store.GetOrderItemsByOrderID(ctx, orderID)
		if err != nil {
			return nil, err
		}
	}

	err = s.store.WithinTx(ctx, func(tx store.OrderTx) error {
		if err := tx.UpdateOrderStatus(ctx, orderID, models.OrderStatusPending, status); err != nil {
			return err
		}
		for _, item := range restock {
			if err := tx.RestoreStock(ctx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrStatusConflict) {
		return nil, ErrInvalidStatusTransition
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, persistenceError("failed to update order status", err)
	}

	oldStatus := order.Status
	order.Status = status
	order.UpdatedAt = time.Now()

	util.OrderStatusUpdatesTotal.WithLabelValues(status).Inc()
	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("old_status", oldStatus),
		zap.String("new_status", status))

	if s.publisher != nil {
		event := &models.OrderStatusChangedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderStatusChanged,
				Timestamp: time.Now(),
			},
			OrderID:   orderID,
			UserID:    order.UserID,
			OldStatus: oldStatus,
			NewStatus: status,
		}
		if err := s.publisher.PublishOrderStatusChanged(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderStatusChanged event",
				zap.Int64("order_id", orderID),
				zap.Error(err))
		}
	}

	return order, nil
}
