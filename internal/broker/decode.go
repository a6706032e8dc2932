package broker

import (
	"strconv"
	"time"

	"mt5-monitor/pkg/types"
)

// Decoding is deliberately defensive: broker gateways disagree on key
// casing and on numeric vs string encodings, so every lookup tries the
// known variants and falls back to a zero value.

// DecodeAccountDetails normalizes a broker account mapping. MarginLevel and
// FreeMargin are derived from equity/margin when the broker omits them.
func DecodeAccountDetails(m map[string]any) types.AccountDetails {
	d := types.AccountDetails{
		Balance:  asFloat(field(m, "balance", "Balance")),
		Equity:   asFloat(field(m, "equity", "Equity")),
		Margin:   asFloat(field(m, "margin", "Margin")),
		Profit:   asFloat(field(m, "profit", "Profit")),
		Group:    asString(field(m, "group", "Group")),
		Leverage: int(asFloat(field(m, "leverage", "Leverage"))),
	}

	if v, ok := lookup(m, "free_margin", "FreeMargin"); ok {
		d.FreeMargin = asFloat(v)
	} else {
		d.FreeMargin = types.FreeMargin(d.Equity, d.Margin)
	}
	if v, ok := lookup(m, "margin_level", "MarginLevel"); ok {
		d.MarginLevel = asFloat(v)
	} else {
		d.MarginLevel = types.MarginLevel(d.Equity, d.Margin)
	}
	return d
}

// DecodePosition normalizes a broker position mapping, keeping the raw
// mapping verbatim.
func DecodePosition(m map[string]any) types.Position {
	return types.Position{
		Symbol: asString(field(m, "symbol", "Symbol")),
		Volume: asFloat(field(m, "volume", "Vol", "Volume")),
		Side:   types.SideFromField(field(m, "type", "Type")),
		Profit: asFloat(field(m, "profit", "Profit")),
		Raw:    m,
	}
}

// DecodeClosedTrade normalizes a broker closed-trade mapping. The close
// timestamp may be a unix-seconds number or an RFC3339 string; anything
// else leaves CloseTime zero.
func DecodeClosedTrade(m map[string]any) types.ClosedTrade {
	t := types.ClosedTrade{
		Symbol: asString(field(m, "symbol", "Symbol")),
		Volume: asFloat(field(m, "volume", "Vol", "Volume")),
		Profit: asFloat(field(m, "profit", "Profit")),
		Raw:    m,
	}

	switch v := field(m, "close_time", "time", "Time").(type) {
	case float64:
		if v > 0 {
			t.CloseTime = time.Unix(int64(v), 0)
		}
	case int64:
		if v > 0 {
			t.CloseTime = time.Unix(v, 0)
		}
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			t.CloseTime = ts
		}
	}
	return t
}

// field returns the first present key's value, or nil.
func field(m map[string]any, keys ...string) any {
	v, _ := lookup(m, keys...)
	return v
}

func lookup(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
