package record

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"marlin/internal/store/recording"
	"marlin/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedRecording stores five AAPL bars whose closes produce exactly one
// sma-cross trade with the recorded parameters: entry at 110, forced close
// at the final 115 bar, +50 P&L at quantity 10.
func seedRecording(t *testing.T, store *recording.Store) string {
	t.Helper()
	ctx := context.Background()
	const id = "rec-1"
	require.NoError(t, store.InsertRecording(ctx, recording.Recording{
		ID:         id,
		SessionID:  "sess-1",
		Symbols:    `["AAPL"]`,
		Strategy:   "sma_cross",
		ParamsJSON: `{"fast_period":2,"slow_period":3,"quantity":10}`,
		StartedAt:  time.Now(),
	}))
	closes := []float64{100, 100, 100, 110, 115}
	for i, c := range closes {
		require.NoError(t, store.InsertMarketData(ctx, recording.MarketData{
			RecordingID: id,
			Seq:         int64(i + 1),
			Symbol:      "AAPL",
			BarTS:       int64(i+1) * 60_000,
			Open:        c, High: c, Low: c, Close: c,
		}))
	}
	require.NoError(t, store.FinalizeRecording(ctx, id, "baseline", "[]", 1, 50, 1))
	return id
}

func TestReplay_ReproducesBaseline(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := seedRecording(t, store)

	result, err := NewReplayer(store).Replay(ctx, id, nil, strategy.SMACross())
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, "AAPL", trade.Symbol)
	assert.Equal(t, "long", trade.Side)
	assert.Equal(t, 110.0, trade.EntryPrice)
	assert.Equal(t, 115.0, trade.ExitPrice)
	assert.Equal(t, int64(4), trade.EntrySeq)
	assert.Equal(t, int64(5), trade.ExitSeq)
	assert.Equal(t, "end_of_data", trade.ExitReason)
	assert.InDelta(t, 50.0, trade.PnL, 1e-9)

	assert.Zero(t, result.Comparison.TradesDiff)
	assert.InDelta(t, 0, result.Comparison.PnLDiff, 1e-9)
	assert.InDelta(t, 0, result.Comparison.WinRateDiff, 1e-9)

	stored, err := store.GetReplay(ctx, result.ReplayID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TradeCount)
	assert.InDelta(t, 50.0, stored.TotalPnL, 1e-9)
}

func TestReplay_ParameterOverrideChangesOutcome(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := seedRecording(t, store)

	// A gap threshold no bar can clear suppresses the entry signal.
	result, err := NewReplayer(store).Replay(ctx, id, strategy.Params{"min_gap_pct": 1.0}, strategy.SMACross())
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
	assert.Equal(t, -1, result.Comparison.TradesDiff)
	assert.InDelta(t, -50.0, result.Comparison.PnLDiff, 1e-9)
	assert.InDelta(t, -1.0, result.Comparison.WinRateDiff, 1e-9)

	// The override is recorded with the replay, merged over the originals.
	assert.Equal(t, 1.0, result.Params.Float("min_gap_pct", 0))
	assert.Equal(t, 2, result.Params.Int("fast_period", 0))
}

func TestReplay_Deterministic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := seedRecording(t, store)
	replayer := NewReplayer(store)

	first, err := replayer.Replay(ctx, id, strategy.Params{"quantity": 5}, strategy.SMACross())
	require.NoError(t, err)
	second, err := replayer.Replay(ctx, id, strategy.Params{"quantity": 5}, strategy.SMACross())
	require.NoError(t, err)

	firstJSON, err := json.Marshal(first.Trades)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second.Trades)
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON))
	assert.NotEqual(t, first.ReplayID, second.ReplayID, "every replay gets its own row")

	replays, err := store.ListReplays(ctx, id, 10)
	require.NoError(t, err)
	assert.Len(t, replays, 2)

	// The originating recording is untouched by replays.
	rec, err := store.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TradeCount)
	assert.InDelta(t, 50.0, rec.TotalPnL, 1e-9)
}

func TestReplay_UnknownRecording(t *testing.T) {
	store := newTestStore(t)
	_, err := NewReplayer(store).Replay(context.Background(), "missing", nil, strategy.SMACross())
	assert.Error(t, err)
}

func TestReplay_RequiresDecide(t *testing.T) {
	store := newTestStore(t)
	_, err := NewReplayer(store).Replay(context.Background(), "rec-1", nil, nil)
	assert.Error(t, err)
}
