package monitor

import (
	"sort"
	"time"

	"mt5-monitor/pkg/types"
)

// exportTradeLimit caps the closed-trades list in snapshots and exports.
// The full history stays on the record.
const exportTradeLimit = 100

// accountRecord is the per-account state block. It owns the latest details,
// positions, and closed trades along with per-slice refresh timestamps.
// All access happens under the engine's registry guard.
type accountRecord struct {
	login      int64
	details    types.AccountDetails
	status     types.AccountStatus
	lastUpdate time.Time // last successful details refresh

	positions        []types.Position
	positionsUpdated time.Time

	trades        []types.ClosedTrade
	tradesUpdated time.Time
}

func newAccountRecord(login int64) *accountRecord {
	return &accountRecord{login: login, status: types.StatusActive}
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot shapes (wire format)
// ————————————————————————————————————————————————————————————————————————

// AccountSnapshot is the account-details view sent to subscribers.
type AccountSnapshot struct {
	LoginID     int64               `json:"login_id"`
	Balance     float64             `json:"balance"`
	Equity      float64             `json:"equity"`
	Margin      float64             `json:"margin"`
	FreeMargin  float64             `json:"free_margin"`
	MarginLevel float64             `json:"margin_level"`
	Profit      float64             `json:"profit"`
	Group       string              `json:"group"`
	Leverage    int                 `json:"leverage"`
	Status      types.AccountStatus `json:"status"`
	LastUpdate  *time.Time          `json:"last_update"`
}

// PositionsSnapshot is the open-positions view for one account.
type PositionsSnapshot struct {
	LoginID       int64            `json:"login_id"`
	Positions     []types.Position `json:"positions"`
	PositionCount int              `json:"position_count"`
	Symbols       []string         `json:"symbols"`
	LastUpdate    *time.Time       `json:"last_update"`
}

// TradesSnapshot is the closed-trades view for one account. Trades carries
// at most exportTradeLimit entries.
type TradesSnapshot struct {
	LoginID    int64               `json:"login_id"`
	TradeCount int                 `json:"trade_count"`
	Trades     []types.ClosedTrade `json:"trades"`
	DailyStats DailyStats          `json:"daily_stats"`
	LastUpdate *time.Time          `json:"last_update"`
}

// TradesSummary is the abbreviated trades view carried in update frames.
type TradesSummary struct {
	TradeCount int        `json:"trade_count"`
	LastUpdate *time.Time `json:"last_update"`
}

// AccountUpdate is one element of the per-tick update frame list.
type AccountUpdate struct {
	Account       AccountSnapshot   `json:"account"`
	Positions     PositionsSnapshot `json:"positions"`
	TradesSummary TradesSummary     `json:"trades_summary"`
}

// FullSnapshot is the complete view of one account (snapshot queries, export).
type FullSnapshot struct {
	Account   AccountSnapshot   `json:"account"`
	Positions PositionsSnapshot `json:"positions"`
	Trades    TradesSnapshot    `json:"trades"`
}

// ————————————————————————————————————————————————————————————————————————
// Builders (called under the registry guard)
// ————————————————————————————————————————————————————————————————————————

func (r *accountRecord) accountSnapshot() AccountSnapshot {
	return AccountSnapshot{
		LoginID:     r.login,
		Balance:     r.details.Balance,
		Equity:      r.details.Equity,
		Margin:      r.details.Margin,
		FreeMargin:  r.details.FreeMargin,
		MarginLevel: r.details.MarginLevel,
		Profit:      r.details.Profit,
		Group:       r.details.Group,
		Leverage:    r.details.Leverage,
		Status:      r.status,
		LastUpdate:  timePtr(r.lastUpdate),
	}
}

func (r *accountRecord) positionsSnapshot() PositionsSnapshot {
	positions := make([]types.Position, len(r.positions))
	copy(positions, r.positions)

	seen := make(map[string]bool, len(positions))
	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}
	sort.Strings(symbols)

	return PositionsSnapshot{
		LoginID:       r.login,
		Positions:     positions,
		PositionCount: len(positions),
		Symbols:       symbols,
		LastUpdate:    timePtr(r.positionsUpdated),
	}
}

func (r *accountRecord) tradesSnapshot(now time.Time) TradesSnapshot {
	limited := r.trades
	if len(limited) > exportTradeLimit {
		limited = limited[:exportTradeLimit]
	}
	trades := make([]types.ClosedTrade, len(limited))
	copy(trades, limited)

	return TradesSnapshot{
		LoginID:    r.login,
		TradeCount: len(r.trades),
		Trades:     trades,
		DailyStats: DailyTradeStats(r.trades, now),
		LastUpdate: timePtr(r.tradesUpdated),
	}
}

func (r *accountRecord) tradesSummary() TradesSummary {
	return TradesSummary{
		TradeCount: len(r.trades),
		LastUpdate: timePtr(r.tradesUpdated),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
