package broker

import "context"

// Position is one live position as the broker reports it. The broker is
// the source of truth for what trades currently exist in the account.
type Position struct {
	Symbol   string
	Quantity float64
	Side     string // long / short
	AvgPrice float64
}

// OrderRequest is the minimal order shape this subsystem submits.
type OrderRequest struct {
	Symbol        string
	Side          string // buy / sell
	Quantity      float64
	Type          string // market / limit
	LimitPrice    float64
	ClientOrderID string
}

type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartially OrderStatus = "partially_filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusNotFound  OrderStatus = "not_found"
)

// Broker is the remote brokerage collaborator. Timeout policy belongs to
// the implementation, not to callers.
type Broker interface {
	// ListOpenPositions returns every live position in the account.
	ListOpenPositions(ctx context.Context) ([]Position, error)

	// GetLastPrice returns the latest known price for symbol. ok=false
	// with a nil error means the broker has no price for it.
	GetLastPrice(ctx context.Context, symbol string) (price float64, ok bool, err error)

	// PlaceOrder submits an order and returns the broker order id.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// GetOrderStatus reports the lifecycle state of a submitted order.
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
}
