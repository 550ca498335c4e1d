package recording

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertRecording(t *testing.T, s *Store, id, sessionID string) {
	t.Helper()
	require.NoError(t, s.InsertRecording(context.Background(), Recording{
		ID:         id,
		SessionID:  sessionID,
		Symbols:    `["AAPL"]`,
		Strategy:   "sma_cross",
		ParamsJSON: `{"fast_period":2}`,
	}))
}

func TestStore_RecordingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	insertRecording(t, s, "rec-1", "sess-1")

	t.Run("fresh recording has zero stats", func(t *testing.T) {
		rec, err := s.GetRecording(ctx, "rec-1")
		require.NoError(t, err)
		assert.Equal(t, StatusRecording, rec.Status)
		assert.Zero(t, rec.TradeCount)
		assert.True(t, rec.StoppedAt.IsZero())
	})

	t.Run("session id is unique", func(t *testing.T) {
		err := s.InsertRecording(ctx, Recording{ID: "rec-dup", SessionID: "sess-1"})
		assert.Error(t, err)
	})

	t.Run("lookup by session", func(t *testing.T) {
		rec, err := s.GetRecordingBySession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "rec-1", rec.ID)

		_, err = s.GetRecordingBySession(ctx, "sess-missing")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("finalize stamps stats", func(t *testing.T) {
		require.NoError(t, s.FinalizeRecording(ctx, "rec-1", "first run", `["smoke"]`, 3, 120.5, 0.6667))
		rec, err := s.GetRecording(ctx, "rec-1")
		require.NoError(t, err)
		assert.Equal(t, StatusFinal, rec.Status)
		assert.Equal(t, "first run", rec.Description)
		assert.Equal(t, 3, rec.TradeCount)
		assert.InDelta(t, 120.5, rec.TotalPnL, 1e-9)
		assert.False(t, rec.StoppedAt.IsZero())
	})

	t.Run("finalize of missing id", func(t *testing.T) {
		err := s.FinalizeRecording(ctx, "nope", "", "", 0, 0, 0)
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestStore_MarketDataAndEvents(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	insertRecording(t, s, "rec-1", "sess-1")

	// Interleave bars and events on one sequence.
	require.NoError(t, s.InsertMarketData(ctx, MarketData{
		RecordingID: "rec-1", Seq: 1, Symbol: "AAPL", BarTS: 60_000,
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000,
		IndicatorsJSON: `{"sma_5":100.1}`,
	}))
	require.NoError(t, s.InsertEvent(ctx, Event{
		RecordingID: "rec-1", Seq: 2, Type: EventSignalDetected, Symbol: "AAPL",
		DecisionJSON: `{"action":"buy"}`,
	}))
	require.NoError(t, s.InsertMarketData(ctx, MarketData{
		RecordingID: "rec-1", Seq: 3, Symbol: "AAPL", BarTS: 120_000, Close: 101,
	}))

	t.Run("duplicate seq rejected", func(t *testing.T) {
		err := s.InsertMarketData(ctx, MarketData{RecordingID: "rec-1", Seq: 1, Symbol: "AAPL"})
		assert.Error(t, err)
	})

	t.Run("bars come back in seq order", func(t *testing.T) {
		bars, err := s.ListMarketData(ctx, "rec-1")
		require.NoError(t, err)
		require.Len(t, bars, 2)
		assert.Equal(t, int64(1), bars[0].Seq)
		assert.Equal(t, int64(3), bars[1].Seq)
		assert.Equal(t, 100.5, bars[0].Close)
		assert.Equal(t, `{"sma_5":100.1}`, bars[0].IndicatorsJSON)
	})

	t.Run("events come back in seq order", func(t *testing.T) {
		events, err := s.ListEvents(ctx, "rec-1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, EventSignalDetected, events[0].Type)
		assert.Equal(t, `{"action":"buy"}`, events[0].DecisionJSON)
	})

	t.Run("max seq spans both tables", func(t *testing.T) {
		max, err := s.MaxSeq(ctx, "rec-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), max)

		max, err = s.MaxSeq(ctx, "rec-empty")
		require.NoError(t, err)
		assert.Zero(t, max)
	})
}

func TestStore_Replays(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	insertRecording(t, s, "rec-1", "sess-1")

	rep := Replay{
		ID:             "rep-1",
		RecordingID:    "rec-1",
		ParamsJSON:     `{"fast_period":3}`,
		TradeCount:     2,
		TotalPnL:       -10,
		WinRate:        0.5,
		TradesJSON:     `[{"symbol":"AAPL"}]`,
		ComparisonJSON: `{"trades_diff":1}`,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.InsertReplay(ctx, rep))

	got, err := s.GetReplay(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, rep.RecordingID, got.RecordingID)
	assert.Equal(t, rep.TradeCount, got.TradeCount)
	assert.Equal(t, rep.TradesJSON, got.TradesJSON)
	assert.Equal(t, rep.ComparisonJSON, got.ComparisonJSON)

	require.NoError(t, s.InsertReplay(ctx, Replay{ID: "rep-2", RecordingID: "rec-1"}))
	replays, err := s.ListReplays(ctx, "rec-1", 10)
	require.NoError(t, err)
	assert.Len(t, replays, 2)

	_, err = s.GetReplay(ctx, "rep-missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
