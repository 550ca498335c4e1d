package strategy

import (
	talib "github.com/markcheno/go-talib"
)

// SMACross returns a moving-average-cross decide function. It keeps its
// own close-price window per symbol, so callers needing a fresh run (the
// replayer does) must construct a new instance.
//
// Parameters: fast_period (default 5), slow_period (default 20),
// min_gap_pct (default 0) is the fast/slow gap, as a fraction of the slow
// average, required before a cross counts. Raising min_gap_pct above any
// gap the data can produce suppresses all signals.
func SMACross() DecideFunc {
	closes := make(map[string][]float64)
	inLong := make(map[string]bool)

	return func(bar Bar, indicators IndicatorState, params Params) *Signal {
		fast := params.Int("fast_period", 5)
		slow := params.Int("slow_period", 20)
		minGap := params.Float("min_gap_pct", 0)
		if fast < 2 {
			fast = 2
		}
		if slow <= fast {
			slow = fast + 1
		}
		window := append(closes[bar.Symbol], bar.Close)
		if len(window) > slow*3 {
			window = window[len(window)-slow*3:]
		}
		closes[bar.Symbol] = window
		if len(window) < slow {
			return nil
		}
		fastSMA := talib.Sma(window, fast)
		slowSMA := talib.Sma(window, slow)
		last := len(window) - 1
		gap := fastSMA[last] - slowSMA[last]
		threshold := slowSMA[last] * minGap

		switch {
		case !inLong[bar.Symbol] && gap > threshold:
			inLong[bar.Symbol] = true
			return &Signal{
				Action:   ActionBuy,
				Reason:   "fast sma crossed above slow sma",
				Quantity: params.Float("quantity", 1),
			}
		case inLong[bar.Symbol] && gap < -threshold:
			inLong[bar.Symbol] = false
			return &Signal{
				Action: ActionClose,
				Reason: "fast sma crossed below slow sma",
			}
		}
		return nil
	}
}
