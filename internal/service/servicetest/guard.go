package servicetest

import (
	"context"
	"sync"
	"time"

	"urban-harvest-hub/internal/models"
)

// Guard mirrors the redis idempotency guard: a claimed key holds 0 until
// completed with an order ID.
type Guard struct {
	mu   sync.Mutex
	keys map[string]int64

	// Err fails every call when set.
	Err error

	// ClaimTTL and CompleteTTL hold the ttl of the most recent call.
	ClaimTTL    time.Duration
	CompleteTTL time.Duration
}

func NewGuard() *Guard {
	return &Guard{keys: make(map[string]int64)}
}

// Hold marks key as claimed by another in-flight request
func (g *Guard) Hold(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys[key] = 0
}

// Value returns the order recorded for key and whether the key is present
func (g *Guard) Value(key string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.keys[key]
	return v, ok
}

func (g *Guard) ClaimIdempotencyKey(_ context.Context, key string, ttl time.Duration) (int64, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ClaimTTL = ttl
	if g.Err != nil {
		return 0, false, g.Err
	}
	if v, ok := g.keys[key]; ok {
		return v, false, nil
	}
	g.keys[key] = 0
	return 0, true, nil
}

func (g *Guard) CompleteIdempotencyKey(_ context.Context, key string, orderID int64, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.CompleteTTL = ttl
	if g.Err != nil {
		return g.Err
	}
	g.keys[key] = orderID
	return nil
}

func (g *Guard) ReleaseIdempotencyKey(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Err != nil {
		return g.Err
	}
	if g.keys[key] == 0 {
		delete(g.keys, key)
	}
	return nil
}

// Publisher records published events
type Publisher struct {
	mu            sync.Mutex
	placed        []*models.OrderPlacedEvent
	statusChanged []*models.OrderStatusChangedEvent

	// Err fails every publish when set; events are not recorded.
	Err error
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) PublishOrderPlaced(_ context.Context, event *models.OrderPlacedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}
	p.placed = append(p.placed, event)
	return nil
}

func (p *Publisher) PublishOrderStatusChanged(_ context.Context, event *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}
	p.statusChanged = append(p.statusChanged, event)
	return nil
}

func (p *Publisher) Placed() []*models.OrderPlacedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.OrderPlacedEvent(nil), p.placed...)
}

func (p *Publisher) StatusChanged() []*models.OrderStatusChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.OrderStatusChangedEvent(nil), p.statusChanged...)
}
