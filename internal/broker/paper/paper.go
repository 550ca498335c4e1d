package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"marlin/internal/broker"

	"github.com/google/uuid"
)

// Broker is an in-memory paper brokerage. Orders fill immediately at the
// configured price; positions are netted per symbol. It exists for the
// paper-trading driver mode and for tests.
type Broker struct {
	mu        sync.Mutex
	prices    map[string]float64
	positions map[string]broker.Position
	orders    map[string]broker.OrderStatus
}

var _ broker.Broker = (*Broker)(nil)

func New() *Broker {
	return &Broker{
		prices:    make(map[string]float64),
		positions: make(map[string]broker.Position),
		orders:    make(map[string]broker.OrderStatus),
	}
}

// SetPrice feeds the simulated market.
func (b *Broker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	b.prices[key(symbol)] = price
	b.mu.Unlock()
}

// SeedPosition installs a position as if it had been opened outside the
// system (manual trade).
func (b *Broker) SeedPosition(pos broker.Position) {
	b.mu.Lock()
	pos.Symbol = key(pos.Symbol)
	b.positions[pos.Symbol] = pos
	b.mu.Unlock()
}

// RemovePosition simulates a broker-side close (manual or stop-out).
func (b *Broker) RemovePosition(symbol string) {
	b.mu.Lock()
	delete(b.positions, key(symbol))
	b.mu.Unlock()
}

func (b *Broker) ListOpenPositions(ctx context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (b *Broker) GetLastPrice(ctx context.Context, symbol string) (float64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[key(symbol)]
	return price, ok, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("paper broker: quantity must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sym := key(req.Symbol)
	price, ok := b.prices[sym]
	if !ok {
		price = req.LimitPrice
	}
	orderID := "paper-" + uuid.NewString()
	b.orders[orderID] = broker.OrderStatusFilled

	pos, exists := b.positions[sym]
	delta := req.Quantity
	if strings.EqualFold(req.Side, "sell") {
		delta = -delta
	}
	if !exists {
		side := "long"
		if delta < 0 {
			side = "short"
		}
		b.positions[sym] = broker.Position{Symbol: sym, Quantity: abs(delta), Side: side, AvgPrice: price}
		return orderID, nil
	}
	signed := pos.Quantity
	if pos.Side == "short" {
		signed = -signed
	}
	signed += delta
	switch {
	case signed == 0:
		delete(b.positions, sym)
	case signed > 0:
		b.positions[sym] = broker.Position{Symbol: sym, Quantity: signed, Side: "long", AvgPrice: price}
	default:
		b.positions[sym] = broker.Position{Symbol: sym, Quantity: -signed, Side: "short", AvgPrice: price}
	}
	return orderID, nil
}

func (b *Broker) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.orders[orderID]
	if !ok {
		return broker.OrderStatusNotFound, nil
	}
	return status, nil
}

func key(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
