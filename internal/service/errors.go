package service

import (
	"errors"
	"fmt"

	"urban-harvest-hub/internal/store"
)

var (
	ErrMissingFields           = errors.New("userId and a non-empty items list are required")
	ErrInvalidQuantity         = errors.New("item quantity must be at least 1")
	ErrInvalidStatus           = errors.New("status must be completed or cancelled")
	ErrInvalidStatusTransition = errors.New("only pending orders can change status")
	ErrOrderInProgress         = errors.New("an order with this idempotency key is already being placed")
	ErrIdempotencyKeyReused    = errors.New("idempotency key belongs to another user's order")
	ErrPersistence             = errors.New("failed to persist order")
)

// ProductNotFoundError names the cart product the price authority could not resolve.
type ProductNotFoundError struct {
	ProductID int64
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductID)
}

func (e *ProductNotFoundError) Unwrap() error {
	return store.ErrProductNotFound
}

// InsufficientStockError names the product that ran out while placing an order.
type InsufficientStockError struct {
	ProductID int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d", e.ProductID)
}

func (e *InsufficientStockError) Unwrap() error {
	return store.ErrInsufficientStock
}
