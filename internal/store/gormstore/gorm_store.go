package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marlin/internal/store"
	"marlin/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// GormStore implements store.Ledger on Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ store.Ledger = (*GormStore)(nil)

// New opens (or creates) the ledger database at path.
func New(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: ledger path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	// The DSN uses modernc.org/sqlite's _pragma syntax; point the gorm
	// dialector at that (pure-Go) driver, which registers as "sqlite".
	db, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&model.SessionModel{},
		&model.PositionModel{},
		&model.OrderJournalModel{},
		&model.CheckpointModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: the trading loop is the only writer, leave a spare
	// connection for operational reads.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --------------------------- Sessions ------------------------------------

func (s *GormStore) CreateSession(ctx context.Context, rec store.SessionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(rec.InstanceID) == "" {
		return fmt.Errorf("instance id is required")
	}
	return s.db.WithContext(ctx).Create(ptrTo(newSessionModel(rec))).Error
}

func (s *GormStore) GetSession(ctx context.Context, id string) (store.SessionRecord, bool, error) {
	if s == nil || s.db == nil {
		return store.SessionRecord{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m model.SessionModel
	if err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.SessionRecord{}, false, nil
		}
		return store.SessionRecord{}, false, err
	}
	return sessionModelToRecord(m), true, nil
}

func (s *GormStore) ActiveSessions(ctx context.Context, instanceID string) ([]store.SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var models []model.SessionModel
	if err := s.db.WithContext(ctx).
		Where("instance_id = ? AND status = ?", strings.TrimSpace(instanceID), model.SessionStatusActive).
		Order("started_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.SessionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, sessionModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, endedAt time.Time, finalCapital *float64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	payload := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UnixMilli(),
	}
	if !endedAt.IsZero() {
		payload["ended_at"] = endedAt.UnixMilli()
	}
	if finalCapital != nil {
		payload["final_capital"] = *finalCapital
	}
	res := s.db.WithContext(ctx).Model(&model.SessionModel{}).
		Where("id = ?", strings.TrimSpace(id)).
		Updates(payload)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// --------------------------- Positions -----------------------------------

var positionUpdateColumns = []string{
	"side", "quantity", "entry_price", "exit_price", "entry_at", "exit_at",
	"stop_loss", "take_profit", "stop_order_id", "target_order_id",
	"status", "exit_reason", "realized_pnl", "last_price", "review_required",
	"updated_at",
}

func (s *GormStore) SavePosition(ctx context.Context, rec store.PositionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if strings.TrimSpace(rec.SessionID) == "" || strings.TrimSpace(rec.Symbol) == "" {
		return fmt.Errorf("position requires session_id and symbol")
	}
	if strings.TrimSpace(rec.EntryOrderID) == "" {
		return fmt.Errorf("position requires entry_order_id")
	}
	m := newPositionModel(rec)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "session_id"}, {Name: "symbol"}, {Name: "entry_order_id"},
			},
			DoUpdates: clause.AssignmentColumns(positionUpdateColumns),
		}).Create(&m).Error
	})
}

func (s *GormStore) ListPositions(ctx context.Context, sessionID string, status model.PositionStatus) ([]store.PositionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	query := s.db.WithContext(ctx).Where("session_id = ?", strings.TrimSpace(sessionID))
	if status != model.PositionStatusUnknown {
		query = query.Where("status = ?", status)
	}
	var models []model.PositionModel
	if err := query.Order("entry_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.PositionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, positionModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) GetPosition(ctx context.Context, sessionID, symbol, entryOrderID string) (store.PositionRecord, bool, error) {
	if s == nil || s.db == nil {
		return store.PositionRecord{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m model.PositionModel
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND symbol = ? AND entry_order_id = ?",
			strings.TrimSpace(sessionID), strings.ToUpper(strings.TrimSpace(symbol)), strings.TrimSpace(entryOrderID)).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.PositionRecord{}, false, nil
		}
		return store.PositionRecord{}, false, err
	}
	return positionModelToRecord(m), true, nil
}

// --------------------------- Order journal -------------------------------

func (s *GormStore) AppendOrder(ctx context.Context, entry store.OrderJournalEntry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if strings.TrimSpace(entry.BrokerOrderID) == "" {
		return fmt.Errorf("order journal entry requires broker_order_id")
	}
	m := newOrderJournalModel(entry)
	return s.db.WithContext(ctx).Create(&m).Error
}

// UpdateOrderStatus patches the mutable fields of a journal entry. The
// identity columns are deliberately absent from the update set.
func (s *GormStore) UpdateOrderStatus(ctx context.Context, brokerOrderID string, status model.OrderStatus, fill store.OrderFill) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	payload := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UnixMilli(),
	}
	if fill.Quantity > 0 {
		payload["filled_quantity"] = fill.Quantity
	}
	if fill.Price > 0 {
		payload["filled_price"] = fill.Price
	}
	if strings.TrimSpace(fill.Detail) != "" {
		payload["error_detail"] = strings.TrimSpace(fill.Detail)
	}
	res := s.db.WithContext(ctx).Model(&model.OrderJournalModel{}).
		Where("broker_order_id = ?", strings.TrimSpace(brokerOrderID)).
		Updates(payload)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) GetOrder(ctx context.Context, brokerOrderID string) (store.OrderJournalEntry, bool, error) {
	if s == nil || s.db == nil {
		return store.OrderJournalEntry{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m model.OrderJournalModel
	err := s.db.WithContext(ctx).
		Where("broker_order_id = ?", strings.TrimSpace(brokerOrderID)).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.OrderJournalEntry{}, false, nil
		}
		return store.OrderJournalEntry{}, false, err
	}
	return orderJournalModelToRecord(m), true, nil
}

func (s *GormStore) ListOrders(ctx context.Context, sessionID string, limit int) ([]store.OrderJournalEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []model.OrderJournalModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", strings.TrimSpace(sessionID)).
		Order("submitted_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.OrderJournalEntry, 0, len(models))
	for _, m := range models {
		out = append(out, orderJournalModelToRecord(m))
	}
	return out, nil
}

// --------------------------- Checkpoints ---------------------------------

func (s *GormStore) InsertCheckpoint(ctx context.Context, rec store.CheckpointRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("checkpoint requires id and session_id")
	}
	m := newCheckpointModel(rec)
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) LatestCheckpoint(ctx context.Context, sessionID string) (store.CheckpointRecord, bool, error) {
	if s == nil || s.db == nil {
		return store.CheckpointRecord{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m model.CheckpointModel
	err := s.db.WithContext(ctx).
		Where("session_id = ?", strings.TrimSpace(sessionID)).
		Order("created_at DESC, id DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.CheckpointRecord{}, false, nil
		}
		return store.CheckpointRecord{}, false, err
	}
	return checkpointModelToRecord(m), true, nil
}

func (s *GormStore) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]store.CheckpointRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	var models []model.CheckpointModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", strings.TrimSpace(sessionID)).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.CheckpointRecord, 0, len(models))
	for _, m := range models {
		out = append(out, checkpointModelToRecord(m))
	}
	return out, nil
}

// PruneCheckpoints deletes a session's checkpoints created before the
// cutoff, sparing keepIDs. A zero cutoff removes every row not in keepIDs.
// One keyed DELETE, so retention reaches the whole table.
func (s *GormStore) PruneCheckpoints(ctx context.Context, sessionID string, createdBefore time.Time, keepIDs []string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store not initialized")
	}
	q := s.db.WithContext(ctx).Where("session_id = ?", strings.TrimSpace(sessionID))
	if !createdBefore.IsZero() {
		q = q.Where("created_at < ?", createdBefore.UnixMilli())
	}
	if len(keepIDs) > 0 {
		q = q.Where("id NOT IN ?", keepIDs)
	}
	res := q.Delete(&model.CheckpointModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// --------------------------- Model converters ----------------------------

func newSessionModel(rec store.SessionRecord) model.SessionModel {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.CreatedAt
	}
	symbolsJSON, _ := json.Marshal(normalizeSymbols(rec.Symbols))
	return model.SessionModel{
		ID:             strings.TrimSpace(rec.ID),
		InstanceID:     strings.TrimSpace(rec.InstanceID),
		Status:         rec.Status,
		Symbols:        datatypes.JSON(symbolsJSON),
		StrategyName:   strings.TrimSpace(rec.StrategyName),
		ParamsJSON:     datatypes.JSON(mustJSONBytes(rec.ParamsJSON)),
		InitialCapital: rec.InitialCapital,
		FinalCapital:   rec.FinalCapital,
		DurationMs:     rec.Duration.Milliseconds(),
		StartedAtUnix:  rec.StartedAt.UnixMilli(),
		EndedAtUnix:    timeToMillis(rec.EndedAt),
		CreatedAtUnix:  rec.CreatedAt.UnixMilli(),
		UpdatedAtUnix:  rec.UpdatedAt.UnixMilli(),
	}
}

func sessionModelToRecord(m model.SessionModel) store.SessionRecord {
	var symbols []string
	if len(m.Symbols) > 0 {
		_ = json.Unmarshal(m.Symbols, &symbols)
	}
	rec := store.SessionRecord{
		ID:             m.ID,
		InstanceID:     m.InstanceID,
		Status:         m.Status,
		Symbols:        symbols,
		StrategyName:   m.StrategyName,
		ParamsJSON:     jsonBytesToString(m.ParamsJSON),
		InitialCapital: m.InitialCapital,
		FinalCapital:   m.FinalCapital,
		Duration:       time.Duration(m.DurationMs) * time.Millisecond,
		StartedAt:      millisToTime(m.StartedAtUnix),
		CreatedAt:      millisToTime(m.CreatedAtUnix),
		UpdatedAt:      millisToTime(m.UpdatedAtUnix),
	}
	if m.EndedAtUnix > 0 {
		ts := millisToTime(m.EndedAtUnix)
		rec.EndedAt = &ts
	}
	return rec
}

func newPositionModel(rec store.PositionRecord) model.PositionModel {
	now := time.Now()
	if rec.EntryAt.IsZero() {
		rec.EntryAt = now
	}
	return model.PositionModel{
		SessionID:      strings.TrimSpace(rec.SessionID),
		Symbol:         strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		EntryOrderID:   strings.TrimSpace(rec.EntryOrderID),
		Side:           strings.ToLower(strings.TrimSpace(rec.Side)),
		Quantity:       rec.Quantity,
		EntryPrice:     rec.EntryPrice,
		ExitPrice:      rec.ExitPrice,
		EntryAtUnix:    rec.EntryAt.UnixMilli(),
		ExitAtUnix:     timeToMillis(rec.ExitAt),
		StopLoss:       rec.StopLoss,
		TakeProfit:     rec.TakeProfit,
		StopOrderID:    strings.TrimSpace(rec.StopOrderID),
		TargetOrderID:  strings.TrimSpace(rec.TargetOrderID),
		Status:         rec.Status,
		ExitReason:     strings.TrimSpace(rec.ExitReason),
		RealizedPnL:    rec.RealizedPnL,
		LastPrice:      rec.LastPrice,
		ReviewRequired: boolToInt(rec.ReviewRequired),
		CreatedAtUnix:  now.UnixMilli(),
		UpdatedAtUnix:  now.UnixMilli(),
	}
}

func positionModelToRecord(m model.PositionModel) store.PositionRecord {
	rec := store.PositionRecord{
		SessionID:      m.SessionID,
		Symbol:         strings.ToUpper(strings.TrimSpace(m.Symbol)),
		EntryOrderID:   m.EntryOrderID,
		Side:           strings.ToLower(strings.TrimSpace(m.Side)),
		Quantity:       m.Quantity,
		EntryPrice:     m.EntryPrice,
		ExitPrice:      m.ExitPrice,
		EntryAt:        millisToTime(m.EntryAtUnix),
		StopLoss:       m.StopLoss,
		TakeProfit:     m.TakeProfit,
		StopOrderID:    m.StopOrderID,
		TargetOrderID:  m.TargetOrderID,
		Status:         m.Status,
		ExitReason:     m.ExitReason,
		RealizedPnL:    m.RealizedPnL,
		LastPrice:      m.LastPrice,
		ReviewRequired: m.ReviewRequired != 0,
	}
	if m.ExitAtUnix > 0 {
		ts := millisToTime(m.ExitAtUnix)
		rec.ExitAt = &ts
	}
	return rec
}

func newOrderJournalModel(entry store.OrderJournalEntry) model.OrderJournalModel {
	now := time.Now()
	if entry.SubmittedAt.IsZero() {
		entry.SubmittedAt = now
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.SubmittedAt
	}
	if entry.Status == model.OrderStatusUnknown {
		entry.Status = model.OrderStatusSubmitted
	}
	return model.OrderJournalModel{
		SessionID:       strings.TrimSpace(entry.SessionID),
		BrokerOrderID:   strings.TrimSpace(entry.BrokerOrderID),
		ClientOrderID:   strings.TrimSpace(entry.ClientOrderID),
		Symbol:          strings.ToUpper(strings.TrimSpace(entry.Symbol)),
		Side:            strings.ToLower(strings.TrimSpace(entry.Side)),
		Quantity:        entry.Quantity,
		Status:          entry.Status,
		FilledQuantity:  entry.FilledQuantity,
		FilledPrice:     entry.FilledPrice,
		ErrorDetail:     strings.TrimSpace(entry.ErrorDetail),
		SubmittedAtUnix: entry.SubmittedAt.UnixMilli(),
		UpdatedAtUnix:   entry.UpdatedAt.UnixMilli(),
	}
}

func orderJournalModelToRecord(m model.OrderJournalModel) store.OrderJournalEntry {
	return store.OrderJournalEntry{
		SessionID:      m.SessionID,
		BrokerOrderID:  m.BrokerOrderID,
		ClientOrderID:  m.ClientOrderID,
		Symbol:         strings.ToUpper(strings.TrimSpace(m.Symbol)),
		Side:           strings.ToLower(strings.TrimSpace(m.Side)),
		Quantity:       m.Quantity,
		Status:         m.Status,
		FilledQuantity: m.FilledQuantity,
		FilledPrice:    m.FilledPrice,
		ErrorDetail:    m.ErrorDetail,
		SubmittedAt:    millisToTime(m.SubmittedAtUnix),
		UpdatedAt:      millisToTime(m.UpdatedAtUnix),
	}
}

func newCheckpointModel(rec store.CheckpointRecord) model.CheckpointModel {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return model.CheckpointModel{
		ID:                strings.TrimSpace(rec.ID),
		SessionID:         strings.TrimSpace(rec.SessionID),
		PositionsSnapshot: datatypes.JSON(mustJSONArrayBytes(rec.PositionsSnapshot)),
		AccountSnapshot:   datatypes.JSON(mustJSONBytes(rec.AccountSnapshot)),
		ParamsSnapshot:    datatypes.JSON(mustJSONBytes(rec.ParamsSnapshot)),
		OpenCount:         rec.OpenCount,
		ClosedCount:       rec.ClosedCount,
		CreatedAtUnix:     rec.CreatedAt.UnixMilli(),
	}
}

func checkpointModelToRecord(m model.CheckpointModel) store.CheckpointRecord {
	return store.CheckpointRecord{
		ID:                m.ID,
		SessionID:         m.SessionID,
		PositionsSnapshot: string(m.PositionsSnapshot),
		AccountSnapshot:   jsonBytesToString(m.AccountSnapshot),
		ParamsSnapshot:    jsonBytesToString(m.ParamsSnapshot),
		OpenCount:         m.OpenCount,
		ClosedCount:       m.ClosedCount,
		CreatedAt:         millisToTime(m.CreatedAtUnix),
	}
}

// --------------------------- Helpers -------------------------------------

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func mustJSONBytes(raw string) []byte {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []byte("{}")
	}
	return []byte(raw)
}

func mustJSONArrayBytes(raw string) []byte {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []byte("[]")
	}
	return []byte(raw)
}

func jsonBytesToString(data datatypes.JSON) string {
	if len(data) == 0 {
		return "{}"
	}
	return string(data)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func timeToMillis(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func ptrTo[T any](v T) *T {
	return &v
}
