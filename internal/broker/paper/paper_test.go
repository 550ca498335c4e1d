package paper

import (
	"context"
	"testing"

	"marlin/internal/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperBroker_Orders(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.SetPrice("AAPL", 150)

	t.Run("buy opens a long", func(t *testing.T) {
		orderID, err := b.PlaceOrder(ctx, broker.OrderRequest{Symbol: "aapl", Side: "buy", Quantity: 10})
		require.NoError(t, err)
		assert.NotEmpty(t, orderID)

		status, err := b.GetOrderStatus(ctx, orderID)
		require.NoError(t, err)
		assert.Equal(t, broker.OrderStatusFilled, status)

		positions, err := b.ListOpenPositions(ctx)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		assert.Equal(t, "AAPL", positions[0].Symbol)
		assert.Equal(t, "long", positions[0].Side)
		assert.Equal(t, 10.0, positions[0].Quantity)
		assert.Equal(t, 150.0, positions[0].AvgPrice)
	})

	t.Run("opposite order nets out", func(t *testing.T) {
		_, err := b.PlaceOrder(ctx, broker.OrderRequest{Symbol: "AAPL", Side: "sell", Quantity: 10})
		require.NoError(t, err)
		positions, err := b.ListOpenPositions(ctx)
		require.NoError(t, err)
		assert.Empty(t, positions)
	})

	t.Run("oversell flips to short", func(t *testing.T) {
		_, err := b.PlaceOrder(ctx, broker.OrderRequest{Symbol: "AAPL", Side: "sell", Quantity: 4})
		require.NoError(t, err)
		positions, err := b.ListOpenPositions(ctx)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		assert.Equal(t, "short", positions[0].Side)
		assert.Equal(t, 4.0, positions[0].Quantity)
		b.RemovePosition("AAPL")
	})

	t.Run("zero quantity rejected", func(t *testing.T) {
		_, err := b.PlaceOrder(ctx, broker.OrderRequest{Symbol: "AAPL", Side: "buy"})
		assert.Error(t, err)
	})

	t.Run("unknown order id", func(t *testing.T) {
		status, err := b.GetOrderStatus(ctx, "nope")
		require.NoError(t, err)
		assert.Equal(t, broker.OrderStatusNotFound, status)
	})
}

func TestPaperBroker_Prices(t *testing.T) {
	ctx := context.Background()
	b := New()

	_, ok, err := b.GetLastPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, ok)

	b.SetPrice("aapl", 151.5)
	price, ok, err := b.GetLastPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 151.5, price)
}

func TestPaperBroker_SeededPositions(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.SeedPosition(broker.Position{Symbol: "googl", Quantity: 2, Side: "long", AvgPrice: 140})

	positions, err := b.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "GOOGL", positions[0].Symbol)

	b.RemovePosition("GOOGL")
	positions, err = b.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}
