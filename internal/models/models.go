package models

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Money goes over the wire as JSON numbers, e.g. "totalAmount":500.
	decimal.MarshalJSONWithoutQuotes = true
}

// Product represents a catalog product. Price is the authoritative unit price.
type Product struct {
	ID            int64           `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	Price         decimal.Decimal `db:"price" json:"price"`
	StockQuantity int             `db:"stock_quantity" json:"stock_quantity"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Order represents a placed customer order
type Order struct {
	ID              int64           `db:"id" json:"id"`
	UserID          int64           `db:"user_id" json:"userId"`
	TotalAmount     decimal.Decimal `db:"total_amount" json:"totalAmount"`
	Status          string          `db:"status" json:"status"`
	PaymentMethod   string          `db:"payment_method" json:"paymentMethod"`
	DeliveryAddress string          `db:"delivery_address" json:"deliveryAddress"`
	RecipientName   string          `db:"recipient_name" json:"recipientName"`
	RecipientPhone  string          `db:"recipient_phone" json:"recipientPhone"`
	IdempotencyKey  string          `db:"idempotency_key" json:"-"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// OrderItem is one line of an order. PriceAtPurchase is a snapshot taken when
// the order was placed and is never refreshed from the product.
type OrderItem struct {
	ID              int64           `db:"id" json:"id"`
	OrderID         int64           `db:"order_id" json:"orderId"`
	ProductID       int64           `db:"product_id" json:"productId"`
	Quantity        int             `db:"quantity" json:"quantity"`
	PriceAtPurchase decimal.Decimal `db:"price_at_purchase" json:"priceAtPurchase"`
}

// Notification is an in-app message for a user about one of their orders
type Notification struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"userId"`
	OrderID   int64     `db:"order_id" json:"orderId"`
	Title     string    `db:"title" json:"title"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// DefaultPaymentMethod is used when the cart does not name one.
const DefaultPaymentMethod = "card"
