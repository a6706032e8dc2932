package monitor

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"mt5-monitor/pkg/types"
)

// SymbolPosition is one account's position in a cross-fleet symbol view.
type SymbolPosition struct {
	LoginID  int64
	Position types.Position
}

// MarshalJSON flattens the position fields and overlays login_id, so the
// wire shape matches the per-account position objects.
func (sp SymbolPosition) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(sp.Position)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	out["login_id"] = sp.LoginID
	return json.Marshal(out)
}

// SymbolExposure is the fleet-wide exposure for one symbol. Volume is the
// signed sum of position volumes: buys add, sells subtract.
type SymbolExposure struct {
	Volume    float64 `json:"volume"`
	Accounts  int     `json:"accounts"`
	Positions int     `json:"positions"`
}

// FleetSummary aggregates account details across the fleet.
type FleetSummary struct {
	TotalAccounts  int     `json:"total_accounts"`
	TotalBalance   float64 `json:"total_balance"`
	TotalEquity    float64 `json:"total_equity"`
	TotalMargin    float64 `json:"total_margin"`
	TotalProfit    float64 `json:"total_profit"`
	TotalPositions int     `json:"total_positions"`
	AverageBalance float64 `json:"average_balance"`
	AverageEquity  float64 `json:"average_equity"`
}

// PositionsBySymbol returns every open position in the given symbol across
// the fleet, grouped by ascending login and tagged with the owning account.
func (e *Engine) PositionsBySymbol(symbol string) []SymbolPosition {
	type entry struct {
		login     int64
		positions []types.Position
	}

	e.mu.Lock()
	entries := make([]entry, 0, len(e.records))
	for login, rec := range e.records {
		var matched []types.Position
		for _, p := range rec.positions {
			if p.Symbol == symbol {
				matched = append(matched, p)
			}
		}
		if len(matched) > 0 {
			entries = append(entries, entry{login: login, positions: matched})
		}
	}
	e.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].login < entries[j].login })

	out := make([]SymbolPosition, 0, len(entries))
	for _, ent := range entries {
		for _, p := range ent.positions {
			out = append(out, SymbolPosition{LoginID: ent.login, Position: p})
		}
	}
	return out
}

// ExposureBySymbol computes per-symbol net exposure across the fleet.
// Volumes are summed in decimal so binary float residue never leaks into
// the reported totals.
func (e *Engine) ExposureBySymbol() map[string]SymbolExposure {
	e.mu.Lock()
	perAccount := make([][]types.Position, 0, len(e.records))
	for _, rec := range e.records {
		positions := make([]types.Position, len(rec.positions))
		copy(positions, rec.positions)
		perAccount = append(perAccount, positions)
	}
	e.mu.Unlock()

	volumes := make(map[string]decimal.Decimal)
	out := make(map[string]SymbolExposure)
	for _, positions := range perAccount {
		counted := make(map[string]bool)
		for _, p := range positions {
			volumes[p.Symbol] = volumes[p.Symbol].Add(decimal.NewFromFloat(p.SignedVolume()))

			agg := out[p.Symbol]
			agg.Positions++
			if !counted[p.Symbol] {
				counted[p.Symbol] = true
				agg.Accounts++
			}
			out[p.Symbol] = agg
		}
	}

	for symbol, vol := range volumes {
		agg := out[symbol]
		agg.Volume = vol.InexactFloat64()
		out[symbol] = agg
	}
	return out
}

// FleetSummary totals balances, equity, margin, and profit across all
// registered accounts.
func (e *Engine) FleetSummary() FleetSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s FleetSummary
	s.TotalAccounts = len(e.records)
	for _, rec := range e.records {
		s.TotalBalance += rec.details.Balance
		s.TotalEquity += rec.details.Equity
		s.TotalMargin += rec.details.Margin
		s.TotalProfit += rec.details.Profit
		s.TotalPositions += len(rec.positions)
	}
	if s.TotalAccounts > 0 {
		s.AverageBalance = s.TotalBalance / float64(s.TotalAccounts)
		s.AverageEquity = s.TotalEquity / float64(s.TotalAccounts)
	}
	return s
}
