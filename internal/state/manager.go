package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"marlin/internal/logger"
	"marlin/internal/store"
	"marlin/internal/store/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

type (
	Session           = store.SessionRecord
	Position          = store.PositionRecord
	OrderJournalEntry = store.OrderJournalEntry
	OrderFill         = store.OrderFill
)

// RestoredState is the decoded content of the most recent checkpoint.
type RestoredState struct {
	Positions      []Position
	Account        AccountSnapshot
	Params         map[string]any
	CheckpointID   string
	CheckpointTime time.Time
}

// Manager owns session lifecycle and all ledger mutation for one instance.
// It is an explicit context object: nothing here is package-global, so one
// process can host several instances if it ever needs to.
type Manager struct {
	ledger     store.Ledger
	ckpts      *CheckpointManager
	instanceID string

	mu      sync.Mutex
	current *Session
}

func NewManager(ledger store.Ledger, instanceID string) *Manager {
	return &Manager{
		ledger:     ledger,
		ckpts:      NewCheckpointManager(ledger),
		instanceID: strings.TrimSpace(instanceID),
	}
}

func (m *Manager) InstanceID() string { return m.instanceID }

func (m *Manager) Checkpoints() *CheckpointManager { return m.ckpts }

// CurrentSession returns a copy of the session the manager operates on,
// or nil before CreateSession/ResumeSession.
func (m *Manager) CurrentSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}

// RecoverCrashedSessions relabels sessions left active by a previous run
// of this instance as crashed. Runs before any new session is created.
func (m *Manager) RecoverCrashedSessions(ctx context.Context) (int, error) {
	actives, err := m.ledger.ActiveSessions(ctx, m.instanceID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	recovered := 0
	for _, sess := range actives {
		if err := m.ledger.UpdateSessionStatus(ctx, sess.ID, model.SessionStatusCrashed, time.Now(), nil); err != nil {
			return recovered, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		logger.Warnf("session %s was still active at startup, relabeled crashed", sess.ID)
		recovered++
	}
	return recovered, nil
}

// CreateSession starts a new active session. Fails with ErrSessionActive
// while another session for this instance is active.
func (m *Manager) CreateSession(ctx context.Context, symbols []string, initialCapital float64, duration time.Duration, strategyName string, params map[string]any) (string, error) {
	if len(symbols) == 0 {
		return "", fmt.Errorf("create session: at least one symbol is required")
	}
	actives, err := m.ledger.ActiveSessions(ctx, m.instanceID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(actives) > 0 {
		return "", fmt.Errorf("%w: session %s", ErrSessionActive, actives[0].ID)
	}
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	now := time.Now()
	sess := Session{
		ID:             uuid.NewString(),
		InstanceID:     m.instanceID,
		Status:         model.SessionStatusActive,
		Symbols:        symbols,
		StrategyName:   strings.TrimSpace(strategyName),
		ParamsJSON:     string(paramsJSON),
		InitialCapital: initialCapital,
		Duration:       duration,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.ledger.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	m.mu.Lock()
	m.current = &sess
	m.mu.Unlock()
	logger.Infof("session %s created (instance=%s symbols=%v)", sess.ID, m.instanceID, symbols)
	return sess.ID, nil
}

// ResumeSession rehydrates the manager from a stored session. It does not
// change the session status: resuming is only meaningful after
// reconciliation succeeds, and that intent belongs to the caller.
func (m *Manager) ResumeSession(ctx context.Context, id string) (*Session, error) {
	sess, ok, err := m.ledger.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.mu.Lock()
	m.current = &sess
	m.mu.Unlock()
	cp := sess
	return &cp, nil
}

// ReactivateSession flips the resumed session back to active. Callers
// run it only after reconciliation succeeds; resuming alone never
// changes status. Refused while another session is active.
func (m *Manager) ReactivateSession(ctx context.Context) error {
	sess := m.CurrentSession()
	if sess == nil {
		return ErrNoSession
	}
	if sess.Status == model.SessionStatusActive {
		return nil
	}
	actives, err := m.ledger.ActiveSessions(ctx, m.instanceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	for _, other := range actives {
		if other.ID != sess.ID {
			return fmt.Errorf("%w: session %s", ErrSessionActive, other.ID)
		}
	}
	if err := m.ledger.UpdateSessionStatus(ctx, sess.ID, model.SessionStatusActive, time.Time{}, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	m.mu.Lock()
	if m.current != nil {
		m.current.Status = model.SessionStatusActive
	}
	m.mu.Unlock()
	logger.Infof("session %s reactivated", sess.ID)
	return nil
}

// StopSession marks the current session stopped. The driver writes its
// final checkpoint before calling this.
func (m *Manager) StopSession(ctx context.Context, finalCapital float64) error {
	sess := m.CurrentSession()
	if sess == nil {
		return ErrNoSession
	}
	if err := m.ledger.UpdateSessionStatus(ctx, sess.ID, model.SessionStatusStopped, time.Now(), &finalCapital); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	m.mu.Lock()
	if m.current != nil {
		m.current.Status = model.SessionStatusStopped
		m.current.FinalCapital = finalCapital
	}
	m.mu.Unlock()
	logger.Infof("session %s stopped (final capital %.2f)", sess.ID, finalCapital)
	return nil
}

// --------------------------- Positions -----------------------------------

// SavePosition upserts a position keyed by (session, symbol, entry order).
func (m *Manager) SavePosition(ctx context.Context, pos Position) error {
	if err := m.fillSessionID(&pos.SessionID); err != nil {
		return err
	}
	if pos.Status == model.PositionStatusUnknown {
		pos.Status = model.PositionStatusOpen
	}
	if pos.Status == model.PositionStatusOpen && strings.TrimSpace(pos.EntryOrderID) == "" {
		return fmt.Errorf("open position %s has no entry order id", pos.Symbol)
	}
	if err := m.ledger.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// UpdatePosition upserts like SavePosition and is the only path that may
// close a position. Closing requires an exit reason and exit price; exit
// time defaults to now and realized P&L is filled in, except for closes
// flagged for review, whose exit price is a fallback rather than a market
// price, so their P&L stays unset.
func (m *Manager) UpdatePosition(ctx context.Context, pos Position) error {
	if err := m.fillSessionID(&pos.SessionID); err != nil {
		return err
	}
	if pos.Status == model.PositionStatusClosed {
		if strings.TrimSpace(pos.ExitReason) == "" {
			return fmt.Errorf("closed position %s requires an exit reason", pos.Symbol)
		}
		if pos.ExitPrice == nil {
			return fmt.Errorf("closed position %s requires an exit price", pos.Symbol)
		}
		if pos.ExitAt == nil {
			now := time.Now()
			pos.ExitAt = &now
		}
		if pos.RealizedPnL == nil && !pos.ReviewRequired {
			pnl := realizedPnL(pos.Side, pos.EntryPrice, *pos.ExitPrice, pos.Quantity)
			pos.RealizedPnL = &pnl
		}
	}
	if err := m.ledger.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// OpenPositions lists the current session's open positions.
func (m *Manager) OpenPositions(ctx context.Context) ([]Position, error) {
	sess := m.CurrentSession()
	if sess == nil {
		return nil, ErrNoSession
	}
	out, err := m.ledger.ListPositions(ctx, sess.ID, model.PositionStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

func realizedPnL(side string, entry, exit, quantity float64) float64 {
	entryDec := decimal.NewFromFloat(entry)
	exitDec := decimal.NewFromFloat(exit)
	qtyDec := decimal.NewFromFloat(quantity)
	var per decimal.Decimal
	if strings.EqualFold(side, "short") {
		per = entryDec.Sub(exitDec)
	} else {
		per = exitDec.Sub(entryDec)
	}
	pnl, _ := per.Mul(qtyDec).Round(8).Float64()
	return pnl
}

// --------------------------- Order journal -------------------------------

// LogOrder appends an immutable journal entry for an order submission.
func (m *Manager) LogOrder(ctx context.Context, entry OrderJournalEntry) error {
	if err := m.fillSessionID(&entry.SessionID); err != nil {
		return err
	}
	if strings.TrimSpace(entry.ClientOrderID) == "" {
		entry.ClientOrderID = uuid.NewString()
	}
	if err := m.ledger.AppendOrder(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// UpdateOrderStatus patches a journal entry's status and fill fields.
// Identity fields stay untouched regardless of what the fill carries.
func (m *Manager) UpdateOrderStatus(ctx context.Context, brokerOrderID string, status model.OrderStatus, fill OrderFill) error {
	if err := m.ledger.UpdateOrderStatus(ctx, brokerOrderID, status, fill); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (m *Manager) Orders(ctx context.Context, limit int) ([]OrderJournalEntry, error) {
	sess := m.CurrentSession()
	if sess == nil {
		return nil, ErrNoSession
	}
	out, err := m.ledger.ListOrders(ctx, sess.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

// --------------------------- Checkpoints ---------------------------------

// CreateCheckpoint snapshots the open positions plus the given account
// state. Failures come back as a value to log and discard; a transient
// storage outage degrades recovery granularity but never halts trading.
func (m *Manager) CreateCheckpoint(ctx context.Context, account AccountSnapshot, params map[string]any) CheckpointResult {
	sess := m.CurrentSession()
	if sess == nil {
		return CheckpointResult{Skipped: true, Err: ErrNoSession}
	}
	open, err := m.ledger.ListPositions(ctx, sess.ID, model.PositionStatusOpen)
	if err != nil {
		return CheckpointResult{Skipped: true, Err: err}
	}
	closed, err := m.ledger.ListPositions(ctx, sess.ID, model.PositionStatusClosed)
	if err != nil {
		return CheckpointResult{Skipped: true, Err: err}
	}
	id, err := m.ckpts.Create(ctx, sess.ID, open, len(closed), account, params)
	if err != nil {
		return CheckpointResult{Skipped: true, Err: err}
	}
	return CheckpointResult{CheckpointID: id, CreatedAt: time.Now()}
}

// RestoreFromLatestCheckpoint decodes the newest checkpoint for the
// current session. Snapshot shape is validated before decoding; a corrupt
// snapshot is an error, not a silent empty restore.
func (m *Manager) RestoreFromLatestCheckpoint(ctx context.Context) (*RestoredState, error) {
	sess := m.CurrentSession()
	if sess == nil {
		return nil, ErrNoSession
	}
	rec, ok, err := m.ckpts.Latest(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNoCheckpoint, sess.ID)
	}
	if err := validateCheckpointShape(rec); err != nil {
		return nil, err
	}
	restored := &RestoredState{
		CheckpointID:   rec.ID,
		CheckpointTime: rec.CreatedAt,
	}
	if err := json.Unmarshal([]byte(rec.PositionsSnapshot), &restored.Positions); err != nil {
		return nil, fmt.Errorf("decoding positions snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(rec.AccountSnapshot), &restored.Account); err != nil {
		return nil, fmt.Errorf("decoding account snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(rec.ParamsSnapshot), &restored.Params); err != nil {
		return nil, fmt.Errorf("decoding params snapshot: %w", err)
	}
	return restored, nil
}

func validateCheckpointShape(rec store.CheckpointRecord) error {
	if !gjson.Valid(rec.PositionsSnapshot) || !gjson.Parse(rec.PositionsSnapshot).IsArray() {
		return fmt.Errorf("checkpoint %s: positions snapshot is not a JSON array", rec.ID)
	}
	for _, item := range gjson.Parse(rec.PositionsSnapshot).Array() {
		if !item.Get("symbol").Exists() || !item.Get("quantity").Exists() {
			return fmt.Errorf("checkpoint %s: position snapshot entry missing symbol/quantity", rec.ID)
		}
	}
	if !gjson.Valid(rec.AccountSnapshot) || !gjson.Parse(rec.AccountSnapshot).IsObject() {
		return fmt.Errorf("checkpoint %s: account snapshot is not a JSON object", rec.ID)
	}
	return nil
}

func (m *Manager) CleanupOldCheckpoints(ctx context.Context, keepCount int, olderThan time.Duration) (int, error) {
	sess := m.CurrentSession()
	if sess == nil {
		return 0, ErrNoSession
	}
	deleted, err := m.ckpts.Cleanup(ctx, sess.ID, keepCount, olderThan)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return deleted, nil
}

func (m *Manager) ListCheckpoints(ctx context.Context, limit int) ([]store.CheckpointRecord, error) {
	sess := m.CurrentSession()
	if sess == nil {
		return nil, ErrNoSession
	}
	return m.ckpts.List(ctx, sess.ID, limit)
}

func (m *Manager) CheckpointStats(ctx context.Context) (CheckpointStats, error) {
	sess := m.CurrentSession()
	if sess == nil {
		return CheckpointStats{}, ErrNoSession
	}
	return m.ckpts.Stats(ctx, sess.ID)
}

func (m *Manager) fillSessionID(sessionID *string) error {
	if strings.TrimSpace(*sessionID) != "" {
		return nil
	}
	sess := m.CurrentSession()
	if sess == nil {
		return ErrNoSession
	}
	*sessionID = sess.ID
	return nil
}
