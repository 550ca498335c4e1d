package recording

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StatusRecording = "recording"
	StatusFinal     = "final"
)

// Event types stored in recorded_events.
const (
	EventSignalDetected = "signal_detected"
	EventOrderPlaced    = "order_placed"
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
)

// Recording is one recorded_sessions row. Summary stats are zero until
// the recording is finalized.
type Recording struct {
	ID          string
	SessionID   string
	Symbols     string // JSON array
	Strategy    string
	ParamsJSON  string
	Status      string
	Description string
	Tags        string // JSON array
	TradeCount  int
	TotalPnL    float64
	WinRate     float64
	StartedAt   time.Time
	StoppedAt   time.Time
}

// MarketData is one OHLCV bar plus the indicator values computed at it.
type MarketData struct {
	RecordingID    string
	Seq            int64
	Symbol         string
	BarTS          int64
	Open           float64
	High           float64
	Low            float64
	Close          float64
	Volume         float64
	IndicatorsJSON string
}

// Event is one typed decision event with its metadata snapshots.
type Event struct {
	RecordingID  string
	Seq          int64
	Type         string
	Symbol       string
	DecisionJSON string
	MarketJSON   string
	CreatedAt    time.Time
}

// Replay is one replay_sessions row: the outcome of re-running a recording
// with substituted parameters, plus the diff against the original.
type Replay struct {
	ID             string
	RecordingID    string
	ParamsJSON     string
	TradeCount     int
	TotalPnL       float64
	WinRate        float64
	TradesJSON     string
	ComparisonJSON string
	CreatedAt      time.Time
}

// Store manages the recording tables on their own SQLite file.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("recording store root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "recordings.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recorded_sessions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			symbols TEXT NOT NULL,
			strategy TEXT NOT NULL,
			params_json TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT,
			tags TEXT,
			trade_count INTEGER NOT NULL DEFAULT 0,
			total_pnl REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			stopped_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS recorded_market_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recording_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			bar_ts INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			indicators_json TEXT,
			UNIQUE(recording_id, seq),
			FOREIGN KEY(recording_id) REFERENCES recorded_sessions(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS recorded_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recording_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			symbol TEXT,
			decision_json TEXT,
			market_json TEXT,
			created_at INTEGER NOT NULL,
			UNIQUE(recording_id, seq),
			FOREIGN KEY(recording_id) REFERENCES recorded_sessions(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS replay_sessions (
			id TEXT PRIMARY KEY,
			recording_id TEXT NOT NULL,
			params_json TEXT NOT NULL,
			trade_count INTEGER NOT NULL DEFAULT 0,
			total_pnl REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			trades_json TEXT,
			comparison_json TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(recording_id) REFERENCES recorded_sessions(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_market_data_recording ON recorded_market_data(recording_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_events_recording ON recorded_events(recording_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_replays_recording ON replay_sessions(recording_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) InsertRecording(ctx context.Context, rec Recording) error {
	if rec.ID == "" || rec.SessionID == "" {
		return fmt.Errorf("recording requires id and session_id")
	}
	if rec.Status == "" {
		rec.Status = StatusRecording
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recorded_sessions
			(id, session_id, symbols, strategy, params_json, status, description, tags,
			 trade_count, total_pnl, win_rate, started_at, stopped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, NULL)`,
		rec.ID, rec.SessionID, orEmptyArray(rec.Symbols), rec.Strategy,
		orEmptyObject(rec.ParamsJSON), rec.Status, rec.Description,
		orEmptyArray(rec.Tags), rec.StartedAt.UnixMilli())
	return err
}

// FinalizeRecording stamps summary stats and flips status to final.
func (s *Store) FinalizeRecording(ctx context.Context, id, description, tags string, tradeCount int, totalPnL, winRate float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recorded_sessions
		SET status=?, description=?, tags=?, trade_count=?, total_pnl=?, win_rate=?, stopped_at=?
		WHERE id=?`,
		StatusFinal, description, orEmptyArray(tags), tradeCount, totalPnL, winRate,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetRecording(ctx context.Context, id string) (Recording, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, symbols, strategy, params_json, status, description, tags,
		       trade_count, total_pnl, win_rate, started_at, stopped_at
		FROM recorded_sessions WHERE id=?`, id)
	return scanRecording(row)
}

func (s *Store) GetRecordingBySession(ctx context.Context, sessionID string) (Recording, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, symbols, strategy, params_json, status, description, tags,
		       trade_count, total_pnl, win_rate, started_at, stopped_at
		FROM recorded_sessions WHERE session_id=?`, sessionID)
	return scanRecording(row)
}

func (s *Store) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, symbols, strategy, params_json, status, description, tags,
		       trade_count, total_pnl, win_rate, started_at, stopped_at
		FROM recorded_sessions
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) InsertMarketData(ctx context.Context, md MarketData) error {
	if md.RecordingID == "" {
		return fmt.Errorf("market data requires recording_id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recorded_market_data
			(recording_id, seq, symbol, bar_ts, open, high, low, close, volume, indicators_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		md.RecordingID, md.Seq, md.Symbol, md.BarTS, md.Open, md.High, md.Low, md.Close,
		md.Volume, orEmptyObject(md.IndicatorsJSON))
	return err
}

func (s *Store) InsertEvent(ctx context.Context, evt Event) error {
	if evt.RecordingID == "" {
		return fmt.Errorf("event requires recording_id")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recorded_events
			(recording_id, seq, event_type, symbol, decision_json, market_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.RecordingID, evt.Seq, evt.Type, evt.Symbol,
		orEmptyObject(evt.DecisionJSON), orEmptyObject(evt.MarketJSON), evt.CreatedAt.UnixMilli())
	return err
}

// ListMarketData returns bars in strict seq order; replay depends on it.
func (s *Store) ListMarketData(ctx context.Context, recordingID string) ([]MarketData, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, symbol, bar_ts, open, high, low, close, volume, indicators_json
		FROM recorded_market_data
		WHERE recording_id=?
		ORDER BY seq ASC`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MarketData
	for rows.Next() {
		md := MarketData{RecordingID: recordingID}
		var indicators sql.NullString
		if err := rows.Scan(&md.Seq, &md.Symbol, &md.BarTS, &md.Open, &md.High, &md.Low,
			&md.Close, &md.Volume, &indicators); err != nil {
			return nil, err
		}
		if indicators.Valid {
			md.IndicatorsJSON = indicators.String
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, recordingID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_type, symbol, decision_json, market_json, created_at
		FROM recorded_events
		WHERE recording_id=?
		ORDER BY seq ASC`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		evt := Event{RecordingID: recordingID}
		var decision, market sql.NullString
		var created int64
		if err := rows.Scan(&evt.Seq, &evt.Type, &evt.Symbol, &decision, &market, &created); err != nil {
			return nil, err
		}
		if decision.Valid {
			evt.DecisionJSON = decision.String
		}
		if market.Valid {
			evt.MarketJSON = market.String
		}
		evt.CreatedAt = timeFromMillis(created)
		out = append(out, evt)
	}
	return out, rows.Err()
}

// MaxSeq returns the highest sequence number used by either table, so a
// restarted recorder can continue without colliding.
func (s *Store) MaxSeq(ctx context.Context, recordingID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM (
			SELECT seq FROM recorded_market_data WHERE recording_id=?
			UNION ALL
			SELECT seq FROM recorded_events WHERE recording_id=?
		)`, recordingID, recordingID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func (s *Store) InsertReplay(ctx context.Context, rep Replay) error {
	if rep.ID == "" || rep.RecordingID == "" {
		return fmt.Errorf("replay requires id and recording_id")
	}
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_sessions
			(id, recording_id, params_json, trade_count, total_pnl, win_rate,
			 trades_json, comparison_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.ID, rep.RecordingID, orEmptyObject(rep.ParamsJSON), rep.TradeCount, rep.TotalPnL,
		rep.WinRate, orEmptyArray(rep.TradesJSON), orEmptyObject(rep.ComparisonJSON),
		rep.CreatedAt.UnixMilli())
	return err
}

func (s *Store) GetReplay(ctx context.Context, id string) (Replay, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, recording_id, params_json, trade_count, total_pnl, win_rate,
		       trades_json, comparison_json, created_at
		FROM replay_sessions WHERE id=?`, id)
	var rep Replay
	var trades, comparison sql.NullString
	var created int64
	if err := row.Scan(&rep.ID, &rep.RecordingID, &rep.ParamsJSON, &rep.TradeCount,
		&rep.TotalPnL, &rep.WinRate, &trades, &comparison, &created); err != nil {
		return Replay{}, err
	}
	if trades.Valid {
		rep.TradesJSON = trades.String
	}
	if comparison.Valid {
		rep.ComparisonJSON = comparison.String
	}
	rep.CreatedAt = timeFromMillis(created)
	return rep, nil
}

func (s *Store) ListReplays(ctx context.Context, recordingID string, limit int) ([]Replay, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recording_id, params_json, trade_count, total_pnl, win_rate,
		       trades_json, comparison_json, created_at
		FROM replay_sessions
		WHERE recording_id=?
		ORDER BY created_at DESC
		LIMIT ?`, recordingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Replay
	for rows.Next() {
		var rep Replay
		var trades, comparison sql.NullString
		var created int64
		if err := rows.Scan(&rep.ID, &rep.RecordingID, &rep.ParamsJSON, &rep.TradeCount,
			&rep.TotalPnL, &rep.WinRate, &trades, &comparison, &created); err != nil {
			return nil, err
		}
		if trades.Valid {
			rep.TradesJSON = trades.String
		}
		if comparison.Valid {
			rep.ComparisonJSON = comparison.String
		}
		rep.CreatedAt = timeFromMillis(created)
		out = append(out, rep)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecording(row scanner) (Recording, error) {
	var rec Recording
	var description, tags sql.NullString
	var started int64
	var stopped sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Symbols, &rec.Strategy, &rec.ParamsJSON,
		&rec.Status, &description, &tags, &rec.TradeCount, &rec.TotalPnL, &rec.WinRate,
		&started, &stopped); err != nil {
		return Recording{}, err
	}
	if description.Valid {
		rec.Description = description.String
	}
	if tags.Valid {
		rec.Tags = tags.String
	}
	rec.StartedAt = timeFromMillis(started)
	if stopped.Valid {
		rec.StoppedAt = timeFromMillis(stopped.Int64)
	}
	return rec, nil
}

func orEmptyObject(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}

func orEmptyArray(raw string) string {
	if raw == "" {
		return "[]"
	}
	return raw
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
