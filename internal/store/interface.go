package store

import (
	"context"
	"time"

	"marlin/internal/store/model"
)

// SessionRecord mirrors one sessions row with decoded timestamps.
type SessionRecord struct {
	ID             string
	InstanceID     string
	Status         model.SessionStatus
	Symbols        []string
	StrategyName   string
	ParamsJSON     string
	InitialCapital float64
	FinalCapital   float64
	Duration       time.Duration
	StartedAt      time.Time
	EndedAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PositionRecord mirrors one positions row. Identity for upserts is
// (SessionID, Symbol, EntryOrderID). JSON tags define the shape stored in
// checkpoint positions_snapshot columns; operational tooling reads them.
type PositionRecord struct {
	SessionID      string               `json:"session_id"`
	Symbol         string               `json:"symbol"`
	EntryOrderID   string               `json:"entry_order_id"`
	Side           string               `json:"side"`
	Quantity       float64              `json:"quantity"`
	EntryPrice     float64              `json:"entry_price"`
	ExitPrice      *float64             `json:"exit_price,omitempty"`
	EntryAt        time.Time            `json:"entry_at"`
	ExitAt         *time.Time           `json:"exit_at,omitempty"`
	StopLoss       float64              `json:"stop_loss"`
	TakeProfit     float64              `json:"take_profit"`
	StopOrderID    string               `json:"stop_order_id,omitempty"`
	TargetOrderID  string               `json:"target_order_id,omitempty"`
	Status         model.PositionStatus `json:"status"`
	ExitReason     string               `json:"exit_reason,omitempty"`
	RealizedPnL    *float64             `json:"realized_pnl,omitempty"`
	LastPrice      float64              `json:"last_price,omitempty"`
	ReviewRequired bool                 `json:"review_required,omitempty"`
}

// OrderJournalEntry mirrors one order_journal row.
type OrderJournalEntry struct {
	SessionID      string
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	Side           string
	Quantity       float64
	Status         model.OrderStatus
	FilledQuantity float64
	FilledPrice    float64
	ErrorDetail    string
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}

// OrderFill carries the mutable fill fields for an order status patch.
type OrderFill struct {
	Quantity float64
	Price    float64
	Detail   string
}

// CheckpointRecord mirrors one checkpoints row. Snapshots are opaque JSON.
type CheckpointRecord struct {
	ID                string
	SessionID         string
	PositionsSnapshot string
	AccountSnapshot   string
	ParamsSnapshot    string
	OpenCount         int
	ClosedCount       int
	CreatedAt         time.Time
}

// Ledger is the durable store behind StateManager and the reconciler.
// All mutation in the system goes through these methods.
type Ledger interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, bool, error)
	ActiveSessions(ctx context.Context, instanceID string) ([]SessionRecord, error)
	UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, endedAt time.Time, finalCapital *float64) error

	SavePosition(ctx context.Context, rec PositionRecord) error
	ListPositions(ctx context.Context, sessionID string, status model.PositionStatus) ([]PositionRecord, error)
	GetPosition(ctx context.Context, sessionID, symbol, entryOrderID string) (PositionRecord, bool, error)

	AppendOrder(ctx context.Context, entry OrderJournalEntry) error
	UpdateOrderStatus(ctx context.Context, brokerOrderID string, status model.OrderStatus, fill OrderFill) error
	GetOrder(ctx context.Context, brokerOrderID string) (OrderJournalEntry, bool, error)
	ListOrders(ctx context.Context, sessionID string, limit int) ([]OrderJournalEntry, error)

	InsertCheckpoint(ctx context.Context, rec CheckpointRecord) error
	LatestCheckpoint(ctx context.Context, sessionID string) (CheckpointRecord, bool, error)
	ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]CheckpointRecord, error)
	PruneCheckpoints(ctx context.Context, sessionID string, createdBefore time.Time, keepIDs []string) (int, error)

	Close() error
}
