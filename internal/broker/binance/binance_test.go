package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanSymbol(t *testing.T) {
	assert.Equal(t, "ETHUSDT", cleanSymbol(" eth/usdt "))
	assert.Equal(t, "BTCUSDT", cleanSymbol("BTC-USDT"))
	assert.Equal(t, "SOLUSDT", cleanSymbol("SOLUSDT"))
}

func TestSplitOrderID(t *testing.T) {
	symbol, id, err := splitOrderID("BTCUSDT:123456")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", symbol)
	assert.Equal(t, int64(123456), id)

	_, _, err = splitOrderID("123456")
	assert.Error(t, err)

	_, _, err = splitOrderID("BTCUSDT:abc")
	assert.Error(t, err)
}

func TestParseFloat(t *testing.T) {
	assert.Equal(t, 1234.5, parseFloat(" 1234.5 "))
	assert.Zero(t, parseFloat(""))
	assert.Zero(t, parseFloat("n/a"))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Positive(t, cfg.HTTPTimeout)
}
