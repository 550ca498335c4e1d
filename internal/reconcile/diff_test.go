package reconcile

import (
	"testing"

	"marlin/internal/broker"
	"marlin/internal/state"

	"github.com/stretchr/testify/assert"
)

func localPositions(symbols ...string) []state.Position {
	out := make([]state.Position, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, state.Position{Symbol: sym, Quantity: 1})
	}
	return out
}

func remotePositions(symbols ...string) []broker.Position {
	out := make([]broker.Position, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, broker.Position{Symbol: sym, Quantity: 1})
	}
	return out
}

func TestDiffPositions(t *testing.T) {
	cases := []struct {
		name       string
		local      []state.Position
		remote     []broker.Position
		matched    []string
		localOnly  []string
		remoteOnly []string
	}{
		{
			name:   "both empty",
			local:  nil,
			remote: nil,
		},
		{
			name:      "broker empty closes everything local",
			local:     localPositions("AAPL", "MSFT"),
			localOnly: []string{"AAPL", "MSFT"},
		},
		{
			name:       "ledger empty imports everything remote",
			remote:     remotePositions("AAPL", "MSFT"),
			remoteOnly: []string{"AAPL", "MSFT"},
		},
		{
			name:    "identical sets all match",
			local:   localPositions("AAPL", "MSFT"),
			remote:  remotePositions("MSFT", "AAPL"),
			matched: []string{"AAPL", "MSFT"},
		},
		{
			name:       "partial overlap splits three ways",
			local:      localPositions("AAPL", "MSFT"),
			remote:     remotePositions("MSFT", "GOOGL"),
			matched:    []string{"MSFT"},
			localOnly:  []string{"AAPL"},
			remoteOnly: []string{"GOOGL"},
		},
		{
			name:    "symbol casing is normalized",
			local:   localPositions("aapl"),
			remote:  remotePositions("AAPL "),
			matched: []string{"AAPL"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := diffPositions(tc.local, tc.remote)
			assert.Equal(t, tc.matched, res.matched)
			assert.Equal(t, tc.localOnly, res.localOnly)
			assert.Equal(t, tc.remoteOnly, res.remoteOnly)
		})
	}
}
