package model

import (
	"gorm.io/datatypes"
)

type SessionStatus int

const (
	SessionStatusUnknown SessionStatus = 0
	SessionStatusActive  SessionStatus = 1
	SessionStatusStopped SessionStatus = 2
	SessionStatusCrashed SessionStatus = 3
)

type PositionStatus int

const (
	PositionStatusUnknown PositionStatus = 0
	PositionStatusOpen    PositionStatus = 1
	PositionStatusClosed  PositionStatus = 2
	PositionStatusError   PositionStatus = 3
)

type OrderStatus int

const (
	OrderStatusUnknown         OrderStatus = 0
	OrderStatusSubmitted       OrderStatus = 1
	OrderStatusPartiallyFilled OrderStatus = 2
	OrderStatusFilled          OrderStatus = 3
	OrderStatusCancelled       OrderStatus = 4
	OrderStatusRejected        OrderStatus = 5
)

// SessionModel is one supervised run of the trading loop.
type SessionModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	InstanceID     string         `gorm:"column:instance_id;index"`
	Status         SessionStatus  `gorm:"column:status;index"`
	Symbols        datatypes.JSON `gorm:"column:symbols;type:TEXT"`
	StrategyName   string         `gorm:"column:strategy_name"`
	ParamsJSON     datatypes.JSON `gorm:"column:params_json;type:TEXT"`
	InitialCapital float64        `gorm:"column:initial_capital"`
	FinalCapital   float64        `gorm:"column:final_capital"`
	DurationMs     int64          `gorm:"column:duration_ms"`
	StartedAtUnix  int64          `gorm:"column:started_at"`
	EndedAtUnix    int64          `gorm:"column:ended_at"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`
}

func (SessionModel) TableName() string { return "sessions" }

// PositionModel is one open or closed trade, owned by a session.
// Upsert identity is (session_id, symbol, entry_order_id).
type PositionModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	SessionID      string         `gorm:"column:session_id;uniqueIndex:idx_position_identity,priority:1"`
	Symbol         string         `gorm:"column:symbol;uniqueIndex:idx_position_identity,priority:2"`
	EntryOrderID   string         `gorm:"column:entry_order_id;uniqueIndex:idx_position_identity,priority:3"`
	Side           string         `gorm:"column:side"`
	Quantity       float64        `gorm:"column:quantity"`
	EntryPrice     float64        `gorm:"column:entry_price"`
	ExitPrice      *float64       `gorm:"column:exit_price"`
	EntryAtUnix    int64          `gorm:"column:entry_at"`
	ExitAtUnix     int64          `gorm:"column:exit_at"`
	StopLoss       float64        `gorm:"column:stop_loss"`
	TakeProfit     float64        `gorm:"column:take_profit"`
	StopOrderID    string         `gorm:"column:stop_order_id"`
	TargetOrderID  string         `gorm:"column:target_order_id"`
	Status         PositionStatus `gorm:"column:status;index"`
	ExitReason     string         `gorm:"column:exit_reason"`
	RealizedPnL    *float64       `gorm:"column:realized_pnl"`
	LastPrice      float64        `gorm:"column:last_price"`
	ReviewRequired int            `gorm:"column:review_required"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

// OrderJournalModel is an append-only audit record of one order submission.
// Identity columns (order ids, symbol, side, quantity) are never updated
// after insert; only status, fill and error fields change.
type OrderJournalModel struct {
	ID              int64       `gorm:"column:id;primaryKey"`
	SessionID       string      `gorm:"column:session_id;index"`
	BrokerOrderID   string      `gorm:"column:broker_order_id;uniqueIndex"`
	ClientOrderID   string      `gorm:"column:client_order_id"`
	Symbol          string      `gorm:"column:symbol;index"`
	Side            string      `gorm:"column:side"`
	Quantity        float64     `gorm:"column:quantity"`
	Status          OrderStatus `gorm:"column:status"`
	FilledQuantity  float64     `gorm:"column:filled_quantity"`
	FilledPrice     float64     `gorm:"column:filled_price"`
	ErrorDetail     string      `gorm:"column:error_detail"`
	SubmittedAtUnix int64       `gorm:"column:submitted_at"`
	UpdatedAtUnix   int64       `gorm:"column:updated_at"`
}

func (OrderJournalModel) TableName() string { return "order_journal" }

// CheckpointModel is an immutable snapshot of in-memory state.
type CheckpointModel struct {
	ID                string         `gorm:"column:id;primaryKey"`
	SessionID         string         `gorm:"column:session_id;index"`
	PositionsSnapshot datatypes.JSON `gorm:"column:positions_snapshot;type:TEXT"`
	AccountSnapshot   datatypes.JSON `gorm:"column:account_snapshot;type:TEXT"`
	ParamsSnapshot    datatypes.JSON `gorm:"column:params_snapshot;type:TEXT"`
	OpenCount         int            `gorm:"column:open_count"`
	ClosedCount       int            `gorm:"column:closed_count"`
	CreatedAtUnix     int64          `gorm:"column:created_at;index"`
}

func (CheckpointModel) TableName() string { return "checkpoints" }
