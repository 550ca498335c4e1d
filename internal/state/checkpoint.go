package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marlin/internal/store"

	"github.com/google/uuid"
)

// AccountSnapshot is the account state captured into each checkpoint.
type AccountSnapshot struct {
	PortfolioValue float64 `json:"portfolio_value"`
	BuyingPower    float64 `json:"buying_power"`
	Cash           float64 `json:"cash"`
}

// CheckpointResult is the outcome of one checkpoint attempt. Checkpointing
// is fire-and-forget: the caller logs Err and keeps trading.
type CheckpointResult struct {
	CheckpointID string
	CreatedAt    time.Time
	Skipped      bool
	Err          error
}

// CheckpointStats summarizes the checkpoint table for one session.
type CheckpointStats struct {
	Count  int
	Newest time.Time
	Oldest time.Time
}

// CheckpointManager owns checkpoint CRUD and retention. StateManager
// delegates here so checkpoint persistence stays swappable.
type CheckpointManager struct {
	ledger store.Ledger
}

func NewCheckpointManager(ledger store.Ledger) *CheckpointManager {
	return &CheckpointManager{ledger: ledger}
}

// Create serializes the open positions and account snapshot into one
// immutable row. A single insert: one I/O round-trip.
func (m *CheckpointManager) Create(ctx context.Context, sessionID string, open []Position, closedCount int, account AccountSnapshot, params map[string]any) (string, error) {
	if m == nil || m.ledger == nil {
		return "", fmt.Errorf("checkpoint manager not initialized")
	}
	positionsJSON, err := json.Marshal(open)
	if err != nil {
		return "", err
	}
	accountJSON, err := json.Marshal(account)
	if err != nil {
		return "", err
	}
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	rec := store.CheckpointRecord{
		ID:                id,
		SessionID:         sessionID,
		PositionsSnapshot: string(positionsJSON),
		AccountSnapshot:   string(accountJSON),
		ParamsSnapshot:    string(paramsJSON),
		OpenCount:         len(open),
		ClosedCount:       closedCount,
		CreatedAt:         time.Now(),
	}
	if err := m.ledger.InsertCheckpoint(ctx, rec); err != nil {
		return "", err
	}
	return id, nil
}

func (m *CheckpointManager) Latest(ctx context.Context, sessionID string) (store.CheckpointRecord, bool, error) {
	return m.ledger.LatestCheckpoint(ctx, sessionID)
}

func (m *CheckpointManager) List(ctx context.Context, sessionID string, limit int) ([]store.CheckpointRecord, error) {
	return m.ledger.ListCheckpoints(ctx, sessionID, limit)
}

// Cleanup applies retention: the newest keepCount rows always survive, and
// the newest row survives regardless of age. Everything beyond keepCount
// is deleted when older than olderThan, or unconditionally when
// olderThan<=0. The delete is keyed on the survivors, so retention holds
// however many rows a long session has accumulated.
func (m *CheckpointManager) Cleanup(ctx context.Context, sessionID string, keepCount int, olderThan time.Duration) (int, error) {
	if keepCount < 1 {
		keepCount = 1
	}
	keep, err := m.ledger.ListCheckpoints(ctx, sessionID, keepCount)
	if err != nil {
		return 0, err
	}
	if len(keep) < keepCount {
		return 0, nil
	}
	keepIDs := make([]string, 0, len(keep))
	for _, rec := range keep {
		keepIDs = append(keepIDs, rec.ID)
	}
	cutoff := time.Time{}
	if olderThan > 0 {
		cutoff = time.Now().Add(-olderThan)
	}
	return m.ledger.PruneCheckpoints(ctx, sessionID, cutoff, keepIDs)
}

func (m *CheckpointManager) Stats(ctx context.Context, sessionID string) (CheckpointStats, error) {
	rows, err := m.ledger.ListCheckpoints(ctx, sessionID, 1000)
	if err != nil {
		return CheckpointStats{}, err
	}
	stats := CheckpointStats{Count: len(rows)}
	if len(rows) > 0 {
		stats.Newest = rows[0].CreatedAt
		stats.Oldest = rows[len(rows)-1].CreatedAt
	}
	return stats, nil
}
