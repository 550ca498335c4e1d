package record

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"marlin/internal/logger"
	"marlin/internal/store/recording"
	"marlin/internal/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade is one completed trade produced by a replay.
type Trade struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	EntrySeq   int64   `json:"entry_seq"`
	ExitSeq    int64   `json:"exit_seq"`
	PnL        float64 `json:"pnl"`
	ExitReason string  `json:"exit_reason"`
}

// Comparison is the structural diff of a replay against the recording's
// baseline summary statistics.
type Comparison struct {
	TradesDiff  int     `json:"trades_diff"`
	PnLDiff     float64 `json:"pnl_diff"`
	WinRateDiff float64 `json:"win_rate_diff"`
}

// Result is one replay outcome. The originating recording is never
// mutated; every replay gets its own replay_sessions row.
type Result struct {
	ReplayID    string          `json:"replay_id"`
	RecordingID string          `json:"recording_id"`
	Params      strategy.Params `json:"params"`
	Trades      []Trade         `json:"trades"`
	TradeCount  int             `json:"trade_count"`
	TotalPnL    float64         `json:"total_pnl"`
	WinRate     float64         `json:"win_rate"`
	Comparison  Comparison      `json:"comparison"`
}

// Replayer re-runs a recorded session's market data through a decision
// function with substituted parameters. Given the same recording and
// parameters, two replays produce identical output: the simulation reads
// nothing but the recorded bars.
type Replayer struct {
	store *recording.Store
}

func NewReplayer(store *recording.Store) *Replayer {
	return &Replayer{store: store}
}

type openTrade struct {
	side       string
	quantity   float64
	entryPrice float64
	entrySeq   int64
	stopLoss   float64
	takeProfit float64
}

// Replay loads the recording, overlays overrides on the recorded
// parameters, and feeds every bar in sequence order to decide.
func (r *Replayer) Replay(ctx context.Context, recordingID string, overrides strategy.Params, decide strategy.DecideFunc) (*Result, error) {
	if decide == nil {
		return nil, fmt.Errorf("replay requires a decide function")
	}
	rec, err := r.store.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, fmt.Errorf("loading recording %s: %w", recordingID, err)
	}
	bars, err := r.store.ListMarketData(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	var baseParams strategy.Params
	if err := json.Unmarshal([]byte(rec.ParamsJSON), &baseParams); err != nil {
		baseParams = strategy.Params{}
	}
	params := baseParams.Merge(overrides)

	open := make(map[string]*openTrade)
	var trades []Trade

	for _, md := range bars {
		bar := strategy.Bar{
			Symbol:    md.Symbol,
			Open:      md.Open,
			High:      md.High,
			Low:       md.Low,
			Close:     md.Close,
			Volume:    md.Volume,
			Timestamp: md.BarTS,
		}
		var indicators strategy.IndicatorState
		if md.IndicatorsJSON != "" {
			_ = json.Unmarshal([]byte(md.IndicatorsJSON), &indicators)
		}

		if pos, ok := open[bar.Symbol]; ok {
			if exitPrice, reason, hit := checkExitLevels(pos, bar); hit {
				trades = append(trades, closeTrade(bar.Symbol, pos, exitPrice, md.Seq, reason))
				delete(open, bar.Symbol)
			}
		}

		sig := decide(bar, indicators, params)
		if sig == nil {
			continue
		}
		switch sig.Action {
		case strategy.ActionBuy, strategy.ActionSell:
			if _, ok := open[bar.Symbol]; ok {
				continue
			}
			side := "long"
			if sig.Action == strategy.ActionSell {
				side = "short"
			}
			qty := sig.Quantity
			if qty <= 0 {
				qty = params.Float("quantity", 1)
			}
			open[bar.Symbol] = &openTrade{
				side:       side,
				quantity:   qty,
				entryPrice: bar.Close,
				entrySeq:   md.Seq,
				stopLoss:   sig.StopLoss,
				takeProfit: sig.TakeProfit,
			}
		case strategy.ActionClose:
			if pos, ok := open[bar.Symbol]; ok {
				trades = append(trades, closeTrade(bar.Symbol, pos, bar.Close, md.Seq, "signal"))
				delete(open, bar.Symbol)
			}
		}
	}

	// Anything still open closes at the last seen bar, in symbol order so
	// output stays deterministic.
	if len(open) > 0 && len(bars) > 0 {
		lastBySymbol := make(map[string]recording.MarketData)
		for _, md := range bars {
			lastBySymbol[md.Symbol] = md
		}
		symbols := make([]string, 0, len(open))
		for sym := range open {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		for _, sym := range symbols {
			last := lastBySymbol[sym]
			trades = append(trades, closeTrade(sym, open[sym], last.Close, last.Seq, "end_of_data"))
		}
	}

	result := &Result{
		ReplayID:    uuid.NewString(),
		RecordingID: recordingID,
		Params:      params,
		Trades:      trades,
		TradeCount:  len(trades),
	}
	total := decimal.Zero
	wins := 0
	for _, tr := range trades {
		total = total.Add(decimal.NewFromFloat(tr.PnL))
		if tr.PnL > 0 {
			wins++
		}
	}
	result.TotalPnL, _ = total.Round(8).Float64()
	if len(trades) > 0 {
		result.WinRate, _ = decimal.NewFromInt(int64(wins)).
			Div(decimal.NewFromInt(int64(len(trades)))).Round(4).Float64()
	}
	result.Comparison = Comparison{
		TradesDiff:  result.TradeCount - rec.TradeCount,
		PnLDiff:     round8(result.TotalPnL - rec.TotalPnL),
		WinRateDiff: round8(result.WinRate - rec.WinRate),
	}

	if err := r.persist(ctx, result, params); err != nil {
		return nil, err
	}
	logger.Infof("replay %s of recording %s: trades=%d pnl=%.2f (diff %+d trades, %+.2f pnl)",
		result.ReplayID, recordingID, result.TradeCount, result.TotalPnL,
		result.Comparison.TradesDiff, result.Comparison.PnLDiff)
	return result, nil
}

func (r *Replayer) persist(ctx context.Context, result *Result, params strategy.Params) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	tradesJSON, err := json.Marshal(result.Trades)
	if err != nil {
		return err
	}
	comparisonJSON, err := json.Marshal(result.Comparison)
	if err != nil {
		return err
	}
	return r.store.InsertReplay(ctx, recording.Replay{
		ID:             result.ReplayID,
		RecordingID:    result.RecordingID,
		ParamsJSON:     string(paramsJSON),
		TradeCount:     result.TradeCount,
		TotalPnL:       result.TotalPnL,
		WinRate:        result.WinRate,
		TradesJSON:     string(tradesJSON),
		ComparisonJSON: string(comparisonJSON),
		CreatedAt:      time.Now(),
	})
}

// checkExitLevels applies stop/target fills before the bar's decision,
// using the bar's extremes. Stop wins when both would trigger.
func checkExitLevels(pos *openTrade, bar strategy.Bar) (price float64, reason string, hit bool) {
	if pos.side == "long" {
		if pos.stopLoss > 0 && bar.Low <= pos.stopLoss {
			return pos.stopLoss, "stop_loss", true
		}
		if pos.takeProfit > 0 && bar.High >= pos.takeProfit {
			return pos.takeProfit, "take_profit", true
		}
		return 0, "", false
	}
	if pos.stopLoss > 0 && bar.High >= pos.stopLoss {
		return pos.stopLoss, "stop_loss", true
	}
	if pos.takeProfit > 0 && bar.Low <= pos.takeProfit {
		return pos.takeProfit, "take_profit", true
	}
	return 0, "", false
}

func closeTrade(symbol string, pos *openTrade, exitPrice float64, exitSeq int64, reason string) Trade {
	entry := decimal.NewFromFloat(pos.entryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromFloat(pos.quantity)
	var per decimal.Decimal
	if pos.side == "short" {
		per = entry.Sub(exit)
	} else {
		per = exit.Sub(entry)
	}
	pnl, _ := per.Mul(qty).Round(8).Float64()
	return Trade{
		Symbol:     symbol,
		Side:       pos.side,
		Quantity:   pos.quantity,
		EntryPrice: pos.entryPrice,
		ExitPrice:  exitPrice,
		EntrySeq:   pos.entrySeq,
		ExitSeq:    exitSeq,
		PnL:        pnl,
		ExitReason: reason,
	}
}

func round8(v float64) float64 {
	out, _ := decimal.NewFromFloat(v).Round(8).Float64()
	return out
}
