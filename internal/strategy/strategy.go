package strategy

import (
	"strconv"
	"strings"
	"time"
)

// Bar is one OHLCV candle.
type Bar struct {
	Symbol    string  `json:"symbol"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

func (b Bar) Time() time.Time {
	return time.UnixMilli(b.Timestamp)
}

// IndicatorState carries the indicator values computed at a bar.
type IndicatorState map[string]float64

// Params is a free-form strategy parameter map with typed access.
type Params map[string]any

func (p Params) Float(key string, def float64) float64 {
	raw, ok := p[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func (p Params) Int(key string, def int) int {
	return int(p.Float(key, float64(def)))
}

func (p Params) Bool(key string, def bool) bool {
	raw, ok := p[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Merge returns a copy of p with overrides applied on top.
func (p Params) Merge(overrides Params) Params {
	out := make(Params, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Signal actions.
const (
	ActionBuy   = "buy"
	ActionSell  = "sell"
	ActionClose = "close"
)

// Signal is one trading decision.
type Signal struct {
	Action     string  `json:"action"`
	Reason     string  `json:"reason,omitempty"`
	Quantity   float64 `json:"quantity,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// DecideFunc is the pluggable decision function. Implementations must be
// deterministic for replay: same bar/indicator/parameter sequence, same
// signals. No wall clock, no randomness, no external reads.
type DecideFunc func(bar Bar, indicators IndicatorState, params Params) *Signal
