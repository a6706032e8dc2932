// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the monitor — account state,
// open positions, closed trades, and the side/status enums. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an open position: buy (long) or sell (short).
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// SideFromField normalizes the broker's position type field into a Side.
// Brokers report the field either as a number (0 = buy, anything else = sell)
// or as a string ("Buy"/"sell"/... in any casing, classified by the leading
// character). An absent or unrecognized field defaults to buy.
func SideFromField(v any) Side {
	switch t := v.(type) {
	case string:
		if t == "" || t[0] == 'b' || t[0] == 'B' {
			return Buy
		}
		return Sell
	case float64:
		if t == 0 {
			return Buy
		}
		return Sell
	case float32:
		if t == 0 {
			return Buy
		}
		return Sell
	case int:
		if t == 0 {
			return Buy
		}
		return Sell
	case int64:
		if t == 0 {
			return Buy
		}
		return Sell
	default:
		return Buy
	}
}

// AccountStatus is the liveness of an account record as of its last refresh.
type AccountStatus string

const (
	StatusActive      AccountStatus = "active"      // last details fetch succeeded
	StatusUnavailable AccountStatus = "unavailable" // broker returned an empty result
	StatusError       AccountStatus = "error"       // broker RPC failed; prior values retained
)

// ————————————————————————————————————————————————————————————————————————
// Account state
// ————————————————————————————————————————————————————————————————————————

// AccountDetails is the financial state of one account as reported by the
// Broker Manager. MarginLevel and FreeMargin are derived when the broker
// omits them (see the MarginLevel / FreeMargin helpers).
type AccountDetails struct {
	Balance     float64
	Equity      float64
	Margin      float64
	FreeMargin  float64
	MarginLevel float64 // percentage: 100 * equity / margin
	Profit      float64
	Group       string
	Leverage    int
}

// MarginLevel computes the margin level percentage: 100 * equity / margin,
// or 0 when margin is zero.
func MarginLevel(equity, margin float64) float64 {
	if margin == 0 {
		return 0
	}
	return equity / margin * 100
}

// FreeMargin computes the free margin: equity - margin.
func FreeMargin(equity, margin float64) float64 {
	return equity - margin
}

// Position is one open position. Raw retains the broker-specific fields
// verbatim; the typed fields are normalized from it at ingress.
type Position struct {
	Symbol string
	Volume float64 // always non-negative; sign lives in Side
	Side   Side
	Profit float64
	Raw    map[string]any
}

// SignedVolume returns the net signed volume: +Volume for buy, -Volume for sell.
func (p Position) SignedVolume() float64 {
	if p.Side == Sell {
		return -p.Volume
	}
	return p.Volume
}

// MarshalJSON emits the raw broker fields verbatim with the normalized
// fields overlaid, so subscribers see both.
func (p Position) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Raw)+4)
	for k, v := range p.Raw {
		out[k] = v
	}
	out["symbol"] = p.Symbol
	out["volume"] = p.Volume
	out["side"] = string(p.Side)
	out["profit"] = p.Profit
	return json.Marshal(out)
}

// ClosedTrade is one historical trade. A zero CloseTime means the broker
// omitted the timestamp.
type ClosedTrade struct {
	Symbol    string
	Volume    float64
	Profit    float64
	CloseTime time.Time
	Raw       map[string]any
}

// MarshalJSON emits the raw broker fields verbatim with the normalized
// fields overlaid. close_time is omitted when unknown.
func (t ClosedTrade) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Raw)+4)
	for k, v := range t.Raw {
		out[k] = v
	}
	out["symbol"] = t.Symbol
	out["volume"] = t.Volume
	out["profit"] = t.Profit
	if !t.CloseTime.IsZero() {
		out["close_time"] = t.CloseTime.Format(time.RFC3339)
	}
	return json.Marshal(out)
}
