package monitor

import (
	"fmt"
	"sort"
	"time"

	"mt5-monitor/pkg/types"
)

// DailyStats summarizes the closed trades of a single calendar day.
type DailyStats struct {
	TradeCount  int     `json:"trade_count"`
	TotalVolume float64 `json:"total_volume"`
	TotalProfit float64 `json:"total_profit"`
	Date        string  `json:"date"`
}

// DailyTradeStats totals the trades closed on now's calendar day. Trades
// without a close timestamp are skipped.
func DailyTradeStats(trades []types.ClosedTrade, now time.Time) DailyStats {
	s := DailyStats{Date: now.Format("2006-01-02")}
	y, m, d := now.Date()
	for _, t := range trades {
		if t.CloseTime.IsZero() {
			continue
		}
		ty, tm, td := t.CloseTime.In(now.Location()).Date()
		if ty != y || tm != m || td != d {
			continue
		}
		s.TradeCount++
		s.TotalVolume += t.Volume
		s.TotalProfit += t.Profit
	}
	return s
}

// PerformanceMetrics describes trading performance over a trade set.
type PerformanceMetrics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalProfit   float64 `json:"total_profit"`
	TotalLoss     float64 `json:"total_loss"`
	ProfitFactor  float64 `json:"profit_factor"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
}

// Performance computes win rate, profit factor, and average win/loss over
// the given closed trades. Zero-profit trades count as losses.
func Performance(trades []types.ClosedTrade) PerformanceMetrics {
	m := PerformanceMetrics{TotalTrades: len(trades)}
	for _, t := range trades {
		if t.Profit > 0 {
			m.WinningTrades++
			m.TotalProfit += t.Profit
		} else {
			m.LosingTrades++
			m.TotalLoss += -t.Profit
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = 100 * float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	if m.TotalLoss > 0 {
		m.ProfitFactor = m.TotalProfit / m.TotalLoss
	}
	if m.WinningTrades > 0 {
		m.AverageWin = m.TotalProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = m.TotalLoss / float64(m.LosingTrades)
	}
	return m
}

// FilterByStatus keeps the accounts in the given status.
func FilterByStatus(accounts []AccountSnapshot, status types.AccountStatus) []AccountSnapshot {
	out := make([]AccountSnapshot, 0, len(accounts))
	for _, a := range accounts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out
}

// FilterByProfit keeps the accounts whose floating profit lies within the
// given bounds. A nil bound is open.
func FilterByProfit(accounts []AccountSnapshot, minProfit, maxProfit *float64) []AccountSnapshot {
	out := make([]AccountSnapshot, 0, len(accounts))
	for _, a := range accounts {
		if minProfit != nil && a.Profit < *minProfit {
			continue
		}
		if maxProfit != nil && a.Profit > *maxProfit {
			continue
		}
		out = append(out, a)
	}
	return out
}

func accountMetric(a AccountSnapshot, by string) (float64, error) {
	switch by {
	case "profit":
		return a.Profit, nil
	case "balance":
		return a.Balance, nil
	case "equity":
		return a.Equity, nil
	case "margin_level":
		return a.MarginLevel, nil
	default:
		return 0, fmt.Errorf("unknown ranking metric %q", by)
	}
}

func rankAccounts(accounts []AccountSnapshot, by string, limit int, desc bool) ([]AccountSnapshot, error) {
	if _, err := accountMetric(AccountSnapshot{}, by); err != nil {
		return nil, err
	}

	ranked := make([]AccountSnapshot, len(accounts))
	copy(ranked, accounts)
	sort.SliceStable(ranked, func(i, j int) bool {
		vi, _ := accountMetric(ranked[i], by)
		vj, _ := accountMetric(ranked[j], by)
		if desc {
			return vi > vj
		}
		return vi < vj
	})

	if limit > 0 && limit < len(ranked) {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// TopAccounts ranks accounts descending by the given metric (profit,
// balance, equity, or margin_level) and returns the first limit entries.
func TopAccounts(accounts []AccountSnapshot, by string, limit int) ([]AccountSnapshot, error) {
	return rankAccounts(accounts, by, limit, true)
}

// BottomAccounts ranks accounts ascending by the given metric.
func BottomAccounts(accounts []AccountSnapshot, by string, limit int) ([]AccountSnapshot, error) {
	return rankAccounts(accounts, by, limit, false)
}
