package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"marlin/internal/store"
	"marlin/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSession(t *testing.T, s *GormStore, id, instanceID string, status model.SessionStatus) {
	t.Helper()
	require.NoError(t, s.CreateSession(context.Background(), store.SessionRecord{
		ID:             id,
		InstanceID:     instanceID,
		Status:         status,
		Symbols:        []string{"aapl", "MSFT"},
		StrategyName:   "sma_cross",
		ParamsJSON:     `{"fast_period":5}`,
		InitialCapital: 10000,
		Duration:       2 * time.Hour,
		StartedAt:      time.Now(),
	}))
}

func TestGormStore_Sessions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedSession(t, s, "sess-1", "inst-a", model.SessionStatusActive)

	t.Run("round trip", func(t *testing.T) {
		rec, ok, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "inst-a", rec.InstanceID)
		assert.Equal(t, []string{"AAPL", "MSFT"}, rec.Symbols)
		assert.Equal(t, 2*time.Hour, rec.Duration)
		assert.Equal(t, `{"fast_period":5}`, rec.ParamsJSON)
		assert.Nil(t, rec.EndedAt)
	})

	t.Run("missing session", func(t *testing.T) {
		_, ok, err := s.GetSession(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("active sessions scoped by instance", func(t *testing.T) {
		seedSession(t, s, "sess-2", "inst-b", model.SessionStatusActive)
		seedSession(t, s, "sess-3", "inst-a", model.SessionStatusStopped)

		actives, err := s.ActiveSessions(ctx, "inst-a")
		require.NoError(t, err)
		require.Len(t, actives, 1)
		assert.Equal(t, "sess-1", actives[0].ID)
	})

	t.Run("status update stamps end time and capital", func(t *testing.T) {
		final := 10750.0
		require.NoError(t, s.UpdateSessionStatus(ctx, "sess-1", model.SessionStatusStopped, time.Now(), &final))
		rec, _, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusStopped, rec.Status)
		assert.Equal(t, final, rec.FinalCapital)
		require.NotNil(t, rec.EndedAt)
	})

	t.Run("status update of missing session", func(t *testing.T) {
		err := s.UpdateSessionStatus(ctx, "nope", model.SessionStatusCrashed, time.Now(), nil)
		assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	})
}

func TestGormStore_PositionUpsert(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedSession(t, s, "sess-1", "inst-a", model.SessionStatusActive)

	base := store.PositionRecord{
		SessionID:    "sess-1",
		Symbol:       "aapl",
		EntryOrderID: "ord-1",
		Side:         "LONG",
		Quantity:     10,
		EntryPrice:   150,
		EntryAt:      time.Now(),
		Status:       model.PositionStatusOpen,
	}
	require.NoError(t, s.SavePosition(ctx, base))

	t.Run("same identity updates in place", func(t *testing.T) {
		update := base
		update.LastPrice = 155
		update.Quantity = 10
		require.NoError(t, s.SavePosition(ctx, update))

		open, err := s.ListPositions(ctx, "sess-1", model.PositionStatusOpen)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "AAPL", open[0].Symbol)
		assert.Equal(t, "long", open[0].Side)
		assert.Equal(t, 155.0, open[0].LastPrice)
	})

	t.Run("different entry order is a new row", func(t *testing.T) {
		second := base
		second.EntryOrderID = "ord-2"
		require.NoError(t, s.SavePosition(ctx, second))
		open, err := s.ListPositions(ctx, "sess-1", model.PositionStatusOpen)
		require.NoError(t, err)
		assert.Len(t, open, 2)
	})

	t.Run("close transition persists nullable fields", func(t *testing.T) {
		exit, pnl := 160.0, 100.0
		now := time.Now()
		closed := base
		closed.Status = model.PositionStatusClosed
		closed.ExitPrice = &exit
		closed.ExitAt = &now
		closed.ExitReason = "signal"
		closed.RealizedPnL = &pnl
		closed.ReviewRequired = true
		require.NoError(t, s.SavePosition(ctx, closed))

		got, ok, err := s.GetPosition(ctx, "sess-1", "AAPL", "ord-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, model.PositionStatusClosed, got.Status)
		require.NotNil(t, got.ExitPrice)
		assert.Equal(t, exit, *got.ExitPrice)
		require.NotNil(t, got.RealizedPnL)
		assert.Equal(t, pnl, *got.RealizedPnL)
		require.NotNil(t, got.ExitAt)
		assert.True(t, got.ReviewRequired)

		open, err := s.ListPositions(ctx, "sess-1", model.PositionStatusOpen)
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})

	t.Run("missing entry order id rejected", func(t *testing.T) {
		bad := base
		bad.EntryOrderID = ""
		assert.Error(t, s.SavePosition(ctx, bad))
	})
}

func TestGormStore_OrderJournal(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedSession(t, s, "sess-1", "inst-a", model.SessionStatusActive)

	entry := store.OrderJournalEntry{
		SessionID:     "sess-1",
		BrokerOrderID: "bo-1",
		ClientOrderID: "co-1",
		Symbol:        "aapl",
		Side:          "BUY",
		Quantity:      10,
		SubmittedAt:   time.Now(),
	}
	require.NoError(t, s.AppendOrder(ctx, entry))

	t.Run("duplicate broker order id rejected", func(t *testing.T) {
		assert.Error(t, s.AppendOrder(ctx, entry))
	})

	t.Run("status patch leaves identity intact", func(t *testing.T) {
		err := s.UpdateOrderStatus(ctx, "bo-1", model.OrderStatusFilled,
			store.OrderFill{Quantity: 10, Price: 150.25})
		require.NoError(t, err)

		got, ok, err := s.GetOrder(ctx, "bo-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, model.OrderStatusFilled, got.Status)
		assert.Equal(t, 150.25, got.FilledPrice)
		assert.Equal(t, "co-1", got.ClientOrderID)
		assert.Equal(t, "AAPL", got.Symbol)
		assert.Equal(t, "buy", got.Side)
		assert.Equal(t, 10.0, got.Quantity)
	})

	t.Run("rejection keeps the entry with detail", func(t *testing.T) {
		require.NoError(t, s.AppendOrder(ctx, store.OrderJournalEntry{
			SessionID: "sess-1", BrokerOrderID: "bo-2", Symbol: "MSFT", Side: "sell", Quantity: 1,
		}))
		err := s.UpdateOrderStatus(ctx, "bo-2", model.OrderStatusRejected,
			store.OrderFill{Detail: "insufficient margin"})
		require.NoError(t, err)
		got, _, err := s.GetOrder(ctx, "bo-2")
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusRejected, got.Status)
		assert.Equal(t, "insufficient margin", got.ErrorDetail)
	})

	t.Run("list newest first", func(t *testing.T) {
		orders, err := s.ListOrders(ctx, "sess-1", 10)
		require.NoError(t, err)
		require.Len(t, orders, 2)
	})

	t.Run("patch of unknown order", func(t *testing.T) {
		err := s.UpdateOrderStatus(ctx, "nope", model.OrderStatusFilled, store.OrderFill{})
		assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	})
}

func TestGormStore_Checkpoints(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedSession(t, s, "sess-1", "inst-a", model.SessionStatusActive)

	for i, id := range []string{"ck-1", "ck-2", "ck-3"} {
		require.NoError(t, s.InsertCheckpoint(ctx, store.CheckpointRecord{
			ID:                id,
			SessionID:         "sess-1",
			PositionsSnapshot: `[]`,
			AccountSnapshot:   `{"cash":1}`,
			ParamsSnapshot:    `{}`,
			OpenCount:         i,
			CreatedAt:         time.Now(),
		}))
		time.Sleep(5 * time.Millisecond)
	}

	t.Run("latest wins", func(t *testing.T) {
		latest, ok, err := s.LatestCheckpoint(ctx, "sess-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "ck-3", latest.ID)
		assert.Equal(t, 2, latest.OpenCount)
	})

	t.Run("list newest first", func(t *testing.T) {
		all, err := s.ListCheckpoints(ctx, "sess-1", 10)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "ck-3", all[0].ID)
		assert.Equal(t, "ck-1", all[2].ID)
	})

	t.Run("prune honors the age cutoff", func(t *testing.T) {
		n, err := s.PruneCheckpoints(ctx, "sess-1", time.Now().Add(-time.Hour), []string{"ck-3"})
		require.NoError(t, err)
		assert.Zero(t, n, "all rows are younger than the cutoff")
	})

	t.Run("prune with zero cutoff spares only keep ids", func(t *testing.T) {
		n, err := s.PruneCheckpoints(ctx, "sess-1", time.Time{}, []string{"ck-3"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		latest, ok, err := s.LatestCheckpoint(ctx, "sess-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "ck-3", latest.ID)
	})

	t.Run("no checkpoints for other session", func(t *testing.T) {
		_, ok, err := s.LatestCheckpoint(ctx, "sess-2")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
