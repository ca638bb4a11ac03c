// Package servicetest provides in-memory stand-ins for the order service's
// collaborators.
package servicetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"urban-harvest-hub/internal/models"
	"urban-harvest-hub/internal/store"

	"github.com/shopspring/decimal"
)

// ErrInjected is returned by writes configured to fail.
var ErrInjected = errors.New("injected failure")

// Store keeps products, orders and notifications in memory. Writes made
// through WithinTx become visible only if the callback succeeds.
type Store struct {
	mu            sync.RWMutex
	products      map[int64]models.Product
	orders        map[int64]models.Order
	items         map[int64][]models.OrderItem
	notifications []models.Notification
	processed     map[string]string

	nextOrderID        int64
	nextItemID         int64
	nextNotificationID int64

	// FailOnItem makes the n-th InsertOrderItem of a transaction fail (1-based).
	FailOnItem int
	// PriceErr is returned by every GetProductPrice call when set.
	PriceErr error
	// StaleKeyLookups makes that many GetOrderByIdempotencyKey calls miss.
	StaleKeyLookups int
	// NotificationErr fails RecordNotification without writing anything.
	NotificationErr error
	// BeforeTx runs at the start of every WithinTx, before the store is locked.
	BeforeTx func()

	PriceLookups int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		products:  make(map[int64]models.Product),
		orders:    make(map[int64]models.Order),
		items:     make(map[int64][]models.OrderItem),
		processed: make(map[string]string),
	}
}

// AddProduct adds a product priced at price (e.g. "250.00")
func (s *Store) AddProduct(id int64, price string, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[id] = models.Product{
		ID:            id,
		Name:          fmt.Sprintf("product-%d", id),
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
		CreatedAt:     time.Now(),
	}
}

// RemoveProduct deletes a product from the catalog
func (s *Store) RemoveProduct(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.products, id)
}

// SetPrice changes a product's current price
func (s *Store) SetPrice(id int64, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.products[id]
	p.Price = decimal.RequireFromString(price)
	s.products[id] = p
}

// Stock returns a product's current stock
func (s *Store) Stock(id int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.products[id].StockQuantity
}

// Orders returns every committed order ordered by ID
func (s *Store) Orders() []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ItemCount returns the number of committed order items
func (s *Store) ItemCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, items := range s.items {
		n += len(items)
	}
	return n
}

// SeedOrder commits an order directly, bypassing the workflow
func (s *Store) SeedOrder(order models.Order) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextOrderID++
	order.ID = s.nextOrderID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	s.orders[order.ID] = order
	return order
}

func (s *Store) GetProductPrice(_ context.Context, productID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.PriceLookups++
	if s.PriceErr != nil {
		return decimal.Zero, s.PriceErr
	}
	p, ok := s.products[productID]
	if !ok {
		return decimal.Zero, fmt.Errorf("product %d: %w", productID, store.ErrProductNotFound)
	}
	return p.Price, nil
}

func (s *Store) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrOrderNotFound)
	}
	return &o, nil
}

func (s *Store) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.StaleKeyLookups > 0 {
		s.StaleKeyLookups--
		return nil, nil
	}
	for _, o := range s.orders {
		if o.IdempotencyKey != "" && o.IdempotencyKey == key {
			found := o
			return &found, nil
		}
	}
	return nil, nil
}

func (s *Store) GetOrdersByUserID(_ context.Context, userID int64) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Order{}
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.OrderItem{}, s.items[orderID]...), nil
}

// WithinTx runs fn against a staging area and applies it only on success.
// Transactions are serialised.
func (s *Store) WithinTx(_ context.Context, fn func(tx store.OrderTx) error) error {
	if s.BeforeTx != nil {
		s.BeforeTx()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &memTx{
		s:        s,
		stock:    make(map[int64]int),
		statuses: make(map[int64]string),
	}
	if err := fn(t); err != nil {
		return err
	}
	t.apply()
	return nil
}

func (s *Store) RecordNotification(_ context.Context, eventID, eventType string, n *models.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.NotificationErr != nil {
		return false, s.NotificationErr
	}
	if _, ok := s.processed[eventID]; ok {
		return false, nil
	}

	s.nextNotificationID++
	n.ID = s.nextNotificationID
	n.CreatedAt = time.Now()
	s.notifications = append(s.notifications, *n)
	s.processed[eventID] = eventType
	return true, nil
}

func (s *Store) GetNotificationsByUserID(_ context.Context, userID int64) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Notification{}
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if s.notifications[i].UserID == userID {
			out = append(out, s.notifications[i])
		}
	}
	return out, nil
}

// IsEventProcessed reports whether eventID has been recorded
func (s *Store) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.processed[eventID]
	return ok, nil
}

// memTx stages writes; the owning Store's lock is held for its lifetime.
type memTx struct {
	s           *Store
	orders      []models.Order
	items       []models.OrderItem
	stock       map[int64]int
	statuses    map[int64]string
	itemInserts int
}

func (t *memTx) InsertOrder(_ context.Context, order *models.Order) error {
	if order.IdempotencyKey != "" {
		for _, o := range t.s.orders {
			if o.IdempotencyKey == order.IdempotencyKey {
				return store.ErrDuplicateIdempotencyKey
			}
		}
	}

	t.s.nextOrderID++
	order.ID = t.s.nextOrderID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	t.orders = append(t.orders, *order)
	return nil
}

func (t *memTx) InsertOrderItem(_ context.Context, item *models.OrderItem) error {
	t.itemInserts++
	if t.s.FailOnItem > 0 && t.itemInserts == t.s.FailOnItem {
		return ErrInjected
	}

	t.s.nextItemID++
	item.ID = t.s.nextItemID
	t.items = append(t.items, *item)
	return nil
}

func (t *memTx) DecrementStock(_ context.Context, productID int64, quantity int) error {
	p, ok := t.s.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, store.ErrProductNotFound)
	}
	if p.StockQuantity+t.stock[productID] < quantity {
		return fmt.Errorf("product %d: %w", productID, store.ErrInsufficientStock)
	}
	t.stock[productID] -= quantity
	return nil
}

func (t *memTx) RestoreStock(_ context.Context, productID int64, quantity int) error {
	t.stock[productID] += quantity
	return nil
}

func (t *memTx) UpdateOrderStatus(_ context.Context, orderID int64, from, to string) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return store.ErrStatusConflict
	}
	current := o.Status
	if staged, ok := t.statuses[orderID]; ok {
		current = staged
	}
	if current != from {
		return store.ErrStatusConflict
	}
	t.statuses[orderID] = to
	return nil
}

func (t *memTx) apply() {
	for _, o := range t.orders {
		t.s.orders[o.ID] = o
	}
	for _, item := range t.items {
		t.s.items[item.OrderID] = append(t.s.items[item.OrderID], item)
	}
	for id, delta := range t.stock {
		p := t.s.products[id]
		p.StockQuantity += delta
		t.s.products[id] = p
	}
	for id, status := range t.statuses {
		o := t.s.orders[id]
		o.Status = status
		o.UpdatedAt = time.Now()
		t.s.orders[id] = o
	}
}
