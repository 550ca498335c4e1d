package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(decide DecideFunc, params Params, closes ...float64) []*Signal {
	var out []*Signal
	for i, c := range closes {
		bar := Bar{Symbol: "AAPL", Open: c, High: c, Low: c, Close: c, Timestamp: int64(i+1) * 60_000}
		if sig := decide(bar, nil, params); sig != nil {
			out = append(out, sig)
		}
	}
	return out
}

func TestSMACross_CrossUpEmitsBuyOnce(t *testing.T) {
	params := Params{"fast_period": 2, "slow_period": 3, "quantity": 10.0}
	signals := feed(SMACross(), params, 100, 100, 100, 110, 115)
	require.Len(t, signals, 1)
	assert.Equal(t, ActionBuy, signals[0].Action)
	assert.Equal(t, 10.0, signals[0].Quantity)
}

func TestSMACross_CrossDownCloses(t *testing.T) {
	params := Params{"fast_period": 2, "slow_period": 3}
	signals := feed(SMACross(), params, 100, 100, 100, 110, 115, 100, 90, 85)
	require.Len(t, signals, 2)
	assert.Equal(t, ActionBuy, signals[0].Action)
	assert.Equal(t, ActionClose, signals[1].Action)
}

func TestSMACross_GapThresholdSuppresses(t *testing.T) {
	params := Params{"fast_period": 2, "slow_period": 3, "min_gap_pct": 1.0}
	signals := feed(SMACross(), params, 100, 100, 100, 110, 115)
	assert.Empty(t, signals)
}

func TestSMACross_SymbolsAreIndependent(t *testing.T) {
	decide := SMACross()
	params := Params{"fast_period": 2, "slow_period": 3}
	// Warm AAPL to the edge of a cross, then confirm MSFT starts cold.
	feed(decide, params, 100, 100, 100)
	sig := decide(Bar{Symbol: "MSFT", Close: 200, Timestamp: 60_000}, nil, params)
	assert.Nil(t, sig)
}

func TestParams_TypedAccess(t *testing.T) {
	p := Params{
		"f_float":  2.5,
		"f_int":    3,
		"f_string": "4.5",
		"b_bool":   true,
		"b_string": "false",
	}
	assert.Equal(t, 2.5, p.Float("f_float", 0))
	assert.Equal(t, 3.0, p.Float("f_int", 0))
	assert.Equal(t, 4.5, p.Float("f_string", 0))
	assert.Equal(t, 9.0, p.Float("missing", 9))
	assert.Equal(t, 3, p.Int("f_int", 0))
	assert.True(t, p.Bool("b_bool", false))
	assert.False(t, p.Bool("b_string", true))
	assert.True(t, p.Bool("missing", true))
}

func TestParams_MergeDoesNotMutate(t *testing.T) {
	base := Params{"a": 1, "b": 2}
	merged := base.Merge(Params{"b": 3, "c": 4})
	assert.Equal(t, Params{"a": 1, "b": 3, "c": 4}, merged)
	assert.Equal(t, Params{"a": 1, "b": 2}, base)
}
