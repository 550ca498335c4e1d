package app

import (
	"context"
	"encoding/json"
	"time"

	"marlin/internal/broker"
	"marlin/internal/logger"
	"marlin/internal/state"
	"marlin/internal/store/model"
	"marlin/internal/strategy"

	"github.com/shopspring/decimal"
)

// loop is the scan/decide/act cycle. It runs until ctx is cancelled, then
// performs an orderly shutdown: final checkpoint, stop the recording, mark
// the session stopped.
func (a *App) loop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Loop.Interval)
	defer ticker.Stop()
	lastCheckpoint := time.Now()
	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case <-ticker.C:
			a.iterate(ctx)
			if time.Since(lastCheckpoint) >= a.cfg.Loop.CheckpointEvery {
				a.checkpoint(ctx)
				lastCheckpoint = time.Now()
			}
		}
	}
}

func (a *App) iterate(ctx context.Context) {
	sess := a.states.CurrentSession()
	if sess == nil {
		return
	}
	params := a.sessionParams(sess)
	for _, sym := range sess.Symbols {
		price, ok, err := a.broker.GetLastPrice(ctx, sym)
		if err != nil {
			logger.Warnf("price fetch failed for %s: %v", sym, err)
			continue
		}
		if !ok || price <= 0 {
			continue
		}
		bar := strategy.Bar{
			Symbol:    sym,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Timestamp: time.Now().UnixMilli(),
		}
		a.trackPrice(ctx, sym, price)

		indicators := strategy.IndicatorState{}
		if a.recorder != nil {
			a.recorder.RecordMarketData(ctx, bar, indicators)
		}
		sig := a.decide(bar, indicators, params)
		if sig == nil {
			continue
		}
		if a.recorder != nil {
			a.recorder.RecordSignal(ctx, sym, sig, indicators, map[string]any{"price": price})
		}
		a.act(ctx, sym, price, sig, params)
	}
}

// trackPrice keeps the ledger's cached market price current for held
// symbols so checkpoints and reconciliation reports stay meaningful.
func (a *App) trackPrice(ctx context.Context, symbol string, price float64) {
	pos, held := a.entries[symbol]
	if !held || pos.LastPrice == price {
		return
	}
	pos.LastPrice = price
	a.entries[symbol] = pos
	if err := a.states.SavePosition(ctx, pos); err != nil {
		logger.Warnf("price track write failed for %s: %v", symbol, err)
	}
}

func (a *App) act(ctx context.Context, symbol string, price float64, sig *strategy.Signal, params strategy.Params) {
	switch sig.Action {
	case strategy.ActionBuy, strategy.ActionSell:
		if _, held := a.entries[symbol]; held {
			return
		}
		a.openPosition(ctx, symbol, price, sig, params)
	case strategy.ActionClose:
		pos, held := a.entries[symbol]
		if !held {
			return
		}
		a.closePosition(ctx, pos, price, sig.Reason)
	}
}

func (a *App) openPosition(ctx context.Context, symbol string, price float64, sig *strategy.Signal, params strategy.Params) {
	qty := sig.Quantity
	if qty <= 0 {
		qty = params.Float("quantity", 1)
	}
	side := "buy"
	posSide := "long"
	if sig.Action == strategy.ActionSell {
		side = "sell"
		posSide = "short"
	}
	orderID, err := a.submitOrder(ctx, symbol, side, qty)
	if err != nil {
		logger.Errorf("open order for %s failed: %v", symbol, err)
		return
	}
	pos := state.Position{
		Symbol:       symbol,
		Side:         posSide,
		Quantity:     qty,
		EntryPrice:   price,
		EntryAt:      time.Now(),
		EntryOrderID: orderID,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		Status:       model.PositionStatusOpen,
		LastPrice:    price,
	}
	if err := a.states.SavePosition(ctx, pos); err != nil {
		logger.Errorf("persisting opened position %s failed: %v", symbol, err)
		return
	}
	a.entries[symbol] = pos
	if a.recorder != nil {
		a.recorder.RecordPositionOpened(ctx, pos, map[string]any{"price": price})
	}
	logger.Infof("opened %s %s qty=%v at %.4f (order %s): %s", posSide, symbol, qty, price, orderID, sig.Reason)
}

func (a *App) closePosition(ctx context.Context, pos state.Position, price float64, reason string) {
	side := "sell"
	if pos.Side == "short" {
		side = "buy"
	}
	if _, err := a.submitOrder(ctx, pos.Symbol, side, pos.Quantity); err != nil {
		logger.Errorf("close order for %s failed: %v", pos.Symbol, err)
		return
	}
	if reason == "" {
		reason = "signal"
	}
	pnl := closedPnL(pos, price)
	pos.Status = model.PositionStatusClosed
	pos.ExitPrice = &price
	pos.ExitReason = reason
	pos.RealizedPnL = &pnl
	if err := a.states.UpdatePosition(ctx, pos); err != nil {
		logger.Errorf("persisting closed position %s failed: %v", pos.Symbol, err)
		return
	}
	delete(a.entries, pos.Symbol)
	a.cash, _ = decimal.NewFromFloat(a.cash).Add(decimal.NewFromFloat(pnl)).Round(8).Float64()
	if a.recorder != nil {
		a.recorder.RecordPositionClosed(ctx, pos, map[string]any{"price": price})
	}
	logger.Infof("closed %s at %.4f: %s", pos.Symbol, price, reason)
}

// submitOrder places a market order, journals it and patches in the fill.
func (a *App) submitOrder(ctx context.Context, symbol, side string, qty float64) (string, error) {
	orderID, err := a.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Type:     "market",
	})
	if err != nil {
		return "", err
	}
	entry := state.OrderJournalEntry{
		BrokerOrderID: orderID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Status:        model.OrderStatusSubmitted,
		SubmittedAt:   time.Now(),
	}
	if err := a.states.LogOrder(ctx, entry); err != nil {
		logger.Warnf("order journal append failed for %s: %v", orderID, err)
		return orderID, nil
	}
	if a.recorder != nil {
		a.recorder.RecordOrderPlaced(ctx, entry, nil)
	}
	status, err := a.broker.GetOrderStatus(ctx, orderID)
	if err != nil {
		logger.Warnf("order status check failed for %s: %v", orderID, err)
		return orderID, nil
	}
	if mapped, ok := journalStatus(status); ok {
		price, _, _ := a.broker.GetLastPrice(ctx, symbol)
		fill := state.OrderFill{}
		if mapped == model.OrderStatusFilled {
			fill = state.OrderFill{Quantity: qty, Price: price}
		}
		if err := a.states.UpdateOrderStatus(ctx, orderID, mapped, fill); err != nil {
			logger.Warnf("order status update failed for %s: %v", orderID, err)
		}
	}
	return orderID, nil
}

func journalStatus(status broker.OrderStatus) (model.OrderStatus, bool) {
	switch status {
	case broker.OrderStatusSubmitted:
		return model.OrderStatusSubmitted, true
	case broker.OrderStatusPartially:
		return model.OrderStatusPartiallyFilled, true
	case broker.OrderStatusFilled:
		return model.OrderStatusFilled, true
	case broker.OrderStatusCancelled:
		return model.OrderStatusCancelled, true
	case broker.OrderStatusRejected:
		return model.OrderStatusRejected, true
	}
	return model.OrderStatusUnknown, false
}

func (a *App) checkpoint(ctx context.Context) {
	sess := a.states.CurrentSession()
	if sess == nil {
		return
	}
	res := a.states.CreateCheckpoint(ctx, a.accountSnapshot(), a.sessionParams(sess))
	if res.Err != nil {
		logger.Warnf("checkpoint skipped: %v", res.Err)
		return
	}
	logger.Debugf("checkpoint %s written", res.CheckpointID)
	deleted, err := a.states.CleanupOldCheckpoints(ctx, a.cfg.Loop.CheckpointKeep, a.cfg.Loop.CheckpointMaxAge)
	if err != nil {
		logger.Warnf("checkpoint cleanup failed: %v", err)
		return
	}
	if deleted > 0 {
		logger.Debugf("pruned %d old checkpoint(s)", deleted)
	}
}

func (a *App) accountSnapshot() state.AccountSnapshot {
	value := decimal.NewFromFloat(a.cash)
	for _, pos := range a.entries {
		mark := pos.LastPrice
		if mark <= 0 {
			mark = pos.EntryPrice
		}
		value = value.Add(decimal.NewFromFloat(mark).Mul(decimal.NewFromFloat(pos.Quantity)))
	}
	portfolio, _ := value.Round(8).Float64()
	return state.AccountSnapshot{
		PortfolioValue: portfolio,
		BuyingPower:    a.cash,
		Cash:           a.cash,
	}
}

func (a *App) sessionParams(sess *state.Session) strategy.Params {
	params := strategy.Params{}
	if sess != nil && sess.ParamsJSON != "" {
		_ = json.Unmarshal([]byte(sess.ParamsJSON), &params)
	}
	return params
}

// shutdown runs with a fresh context: the loop context is already done.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Infof("shutting down")
	a.checkpoint(ctx)
	if a.recorder != nil {
		if err := a.recorder.Stop(ctx, "session shutdown", nil); err != nil {
			logger.Warnf("finalizing recording failed: %v", err)
		}
	}
	return a.states.StopSession(ctx, a.accountSnapshot().PortfolioValue)
}

func closedPnL(pos state.Position, exitPrice float64) float64 {
	entry := decimal.NewFromFloat(pos.EntryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromFloat(pos.Quantity)
	per := exit.Sub(entry)
	if pos.Side == "short" {
		per = entry.Sub(exit)
	}
	pnl, _ := per.Mul(qty).Round(8).Float64()
	return pnl
}
