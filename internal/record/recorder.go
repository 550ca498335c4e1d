package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"marlin/internal/logger"
	"marlin/internal/state"
	"marlin/internal/store/recording"
	"marlin/internal/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Recorder is a passive observer attached to one live session. Every
// write is best-effort: a failed append is logged and dropped, the
// trading loop never stops because of it.
type Recorder struct {
	store *recording.Store

	mu          sync.Mutex
	recordingID string
	seq         int64
	active      bool
}

func NewRecorder(store *recording.Store) *Recorder {
	return &Recorder{store: store}
}

// RecordingID returns the id of the active recording, if any.
func (r *Recorder) RecordingID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordingID
}

// Start opens a recording for the session. A session is recorded at most
// once; restarting against the same session resumes the existing
// recording and continues its sequence numbers.
func (r *Recorder) Start(ctx context.Context, sess *state.Session) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("recorder not initialized")
	}
	if sess == nil {
		return fmt.Errorf("recorder requires a session")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return fmt.Errorf("recording %s already active", r.recordingID)
	}
	existing, err := r.store.GetRecordingBySession(ctx, sess.ID)
	switch {
	case err == nil:
		if existing.Status == recording.StatusFinal {
			return fmt.Errorf("session %s already has finalized recording %s", sess.ID, existing.ID)
		}
		maxSeq, err := r.store.MaxSeq(ctx, existing.ID)
		if err != nil {
			return err
		}
		r.recordingID = existing.ID
		r.seq = maxSeq
		r.active = true
		logger.Infof("recording %s resumed for session %s (seq=%d)", existing.ID, sess.ID, maxSeq)
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		// A storage failure is not "no recording yet".
		return fmt.Errorf("looking up recording for session %s: %w", sess.ID, err)
	}
	symbolsJSON, _ := json.Marshal(sess.Symbols)
	rec := recording.Recording{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		Symbols:    string(symbolsJSON),
		Strategy:   sess.StrategyName,
		ParamsJSON: sess.ParamsJSON,
		StartedAt:  time.Now(),
	}
	if err := r.store.InsertRecording(ctx, rec); err != nil {
		return err
	}
	r.recordingID = rec.ID
	r.seq = 0
	r.active = true
	logger.Infof("recording %s started for session %s", rec.ID, sess.ID)
	return nil
}

// RecordMarketData appends one bar with its indicator values.
func (r *Recorder) RecordMarketData(ctx context.Context, bar strategy.Bar, indicators strategy.IndicatorState) {
	r.append(func(id string, seq int64) error {
		indicatorsJSON, err := json.Marshal(indicators)
		if err != nil {
			return err
		}
		return r.store.InsertMarketData(ctx, recording.MarketData{
			RecordingID:    id,
			Seq:            seq,
			Symbol:         bar.Symbol,
			BarTS:          bar.Timestamp,
			Open:           bar.Open,
			High:           bar.High,
			Low:            bar.Low,
			Close:          bar.Close,
			Volume:         bar.Volume,
			IndicatorsJSON: string(indicatorsJSON),
		})
	})
}

// RecordSignal appends a signal_detected event with its decision metadata.
func (r *Recorder) RecordSignal(ctx context.Context, symbol string, sig *strategy.Signal, indicators strategy.IndicatorState, market map[string]any) {
	r.appendEvent(ctx, recording.EventSignalDetected, symbol, map[string]any{
		"signal":     sig,
		"indicators": indicators,
	}, market)
}

// RecordOrderPlaced appends an order_placed event.
func (r *Recorder) RecordOrderPlaced(ctx context.Context, entry state.OrderJournalEntry, market map[string]any) {
	r.appendEvent(ctx, recording.EventOrderPlaced, entry.Symbol, map[string]any{
		"broker_order_id": entry.BrokerOrderID,
		"client_order_id": entry.ClientOrderID,
		"side":            entry.Side,
		"quantity":        entry.Quantity,
	}, market)
}

// RecordPositionOpened appends a position_opened event.
func (r *Recorder) RecordPositionOpened(ctx context.Context, pos state.Position, market map[string]any) {
	r.appendEvent(ctx, recording.EventPositionOpened, pos.Symbol, map[string]any{
		"side":        pos.Side,
		"quantity":    pos.Quantity,
		"entry_price": pos.EntryPrice,
		"stop_loss":   pos.StopLoss,
		"take_profit": pos.TakeProfit,
	}, market)
}

// RecordPositionClosed appends a position_closed event. The realized P&L
// recorded here feeds the baseline stats at Stop time.
func (r *Recorder) RecordPositionClosed(ctx context.Context, pos state.Position, market map[string]any) {
	decision := map[string]any{
		"side":        pos.Side,
		"quantity":    pos.Quantity,
		"entry_price": pos.EntryPrice,
		"exit_reason": pos.ExitReason,
	}
	if pos.ExitPrice != nil {
		decision["exit_price"] = *pos.ExitPrice
	}
	if pos.RealizedPnL != nil {
		decision["realized_pnl"] = *pos.RealizedPnL
	}
	r.appendEvent(ctx, recording.EventPositionClosed, pos.Symbol, decision, market)
}

// Stop finalizes the recording with summary statistics computed from the
// recorded position_closed events. Those stats are the baseline replays
// compare against.
func (r *Recorder) Stop(ctx context.Context, description string, tags []string) error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return fmt.Errorf("no active recording")
	}
	id := r.recordingID
	r.active = false
	r.mu.Unlock()

	events, err := r.store.ListEvents(ctx, id)
	if err != nil {
		return err
	}
	trades := 0
	wins := 0
	total := decimal.Zero
	for _, evt := range events {
		if evt.Type != recording.EventPositionClosed {
			continue
		}
		trades++
		pnl := gjson.Get(evt.DecisionJSON, "realized_pnl")
		if pnl.Exists() {
			total = total.Add(decimal.NewFromFloat(pnl.Float()))
			if pnl.Float() > 0 {
				wins++
			}
		}
	}
	winRate := 0.0
	if trades > 0 {
		winRate, _ = decimal.NewFromInt(int64(wins)).
			Div(decimal.NewFromInt(int64(trades))).Round(4).Float64()
	}
	tagsJSON, _ := json.Marshal(tags)
	totalF, _ := total.Round(8).Float64()
	if err := r.store.FinalizeRecording(ctx, id, description, string(tagsJSON), trades, totalF, winRate); err != nil {
		return err
	}
	logger.Infof("recording %s finalized: trades=%d pnl=%.2f win_rate=%.2f", id, trades, totalF, winRate)
	return nil
}

func (r *Recorder) appendEvent(ctx context.Context, eventType, symbol string, decision map[string]any, market map[string]any) {
	r.append(func(id string, seq int64) error {
		decisionJSON, err := json.Marshal(decision)
		if err != nil {
			return err
		}
		marketJSON := "{}"
		if market != nil {
			raw, err := json.Marshal(market)
			if err != nil {
				return err
			}
			marketJSON = string(raw)
		}
		return r.store.InsertEvent(ctx, recording.Event{
			RecordingID:  id,
			Seq:          seq,
			Type:         eventType,
			Symbol:       symbol,
			DecisionJSON: string(decisionJSON),
			MarketJSON:   marketJSON,
			CreatedAt:    time.Now(),
		})
	})
}

// append allocates the next sequence number and runs the write. On
// failure the sequence number is spent anyway: ordering matters more than
// gap-free numbering.
func (r *Recorder) append(write func(id string, seq int64) error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.seq++
	id, seq := r.recordingID, r.seq
	r.mu.Unlock()
	if err := write(id, seq); err != nil {
		logger.Warnf("recording %s: dropped event seq=%d: %v", id, seq, err)
	}
}
