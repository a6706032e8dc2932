// Package monitor implements the real-time monitoring engine: a registry of
// trading accounts polled on a fixed cadence, with aggregation, alerting,
// and analytics over the collected state.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"mt5-monitor/internal/broker"
	"mt5-monitor/internal/config"
	"mt5-monitor/pkg/types"
)

var (
	// ErrAlreadyRunning is returned by Start when the poll loop is active.
	ErrAlreadyRunning = errors.New("monitor already running")
	// ErrBrokerUnavailable is returned by Start when the broker handshake fails.
	ErrBrokerUnavailable = errors.New("broker manager unavailable")

	errNoAccountData = errors.New("broker returned no account data")
)

// tradeRefreshEvery sets the trade-history cadence: closed trades are
// refetched on every Nth tick, counting from the first.
const tradeRefreshEvery = 5

// stopJoinTimeout bounds how long Stop waits for the poll loop to exit.
const stopJoinTimeout = 10 * time.Second

// Listener receives the per-tick update list. OnTick is called from the poll
// goroutine after every completed tick, including empty ticks.
type Listener interface {
	OnTick(updates []AccountUpdate)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(updates []AccountUpdate)

func (f ListenerFunc) OnTick(updates []AccountUpdate) { f(updates) }

// Stats is the engine counters view.
type Stats struct {
	TotalUpdates   uint64     `json:"total_updates"`
	Errors         uint64     `json:"errors"`
	MonitoredCount int        `json:"monitored_count"`
	Running        bool       `json:"running"`
	UpdateInterval float64    `json:"update_interval"` // seconds
	LastUpdate     *time.Time `json:"last_update"`
}

// Engine polls the broker for every registered account and keeps the latest
// state in memory. Registry mutation and queries are safe from any goroutine.
type Engine struct {
	cfg    config.MonitorConfig
	client broker.Client
	logger *slog.Logger

	// mu guards the registry and all counters below it.
	mu           sync.Mutex
	records      map[int64]*accountRecord
	totalUpdates uint64
	errorCount   uint64
	lastUpdate   time.Time
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}

	lisMu     sync.Mutex
	listeners []Listener
}

// New creates an engine. The broker client is shared, not owned.
func New(cfg config.MonitorConfig, client broker.Client, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		client:  client,
		logger:  logger.With("component", "monitor"),
		records: make(map[int64]*accountRecord),
	}
}

// AddListener registers a per-tick update consumer.
func (e *Engine) AddListener(l Listener) {
	e.lisMu.Lock()
	e.listeners = append(e.listeners, l)
	e.lisMu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Registry
// ————————————————————————————————————————————————————————————————————————

// Add registers an account for monitoring. Adding a present account is a
// no-op. The configured cap is advisory: exceeding it logs a warning but the
// account is still added.
func (e *Engine) Add(login int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.records[login]; ok {
		return
	}
	if e.cfg.MaxMonitoredAccounts > 0 && len(e.records) >= e.cfg.MaxMonitoredAccounts {
		e.logger.Warn("monitored account cap exceeded",
			"cap", e.cfg.MaxMonitoredAccounts, "login", login)
	}
	e.records[login] = newAccountRecord(login)
	e.logger.Info("account added", "login", login)
}

// Remove drops an account and its state. Removing an absent account is a no-op.
func (e *Engine) Remove(login int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.records[login]; !ok {
		return
	}
	delete(e.records, login)
	e.logger.Info("account removed", "login", login)
}

// Contains reports whether the account is registered.
func (e *Engine) Contains(login int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.records[login]
	return ok
}

// Count returns the number of registered accounts.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// Logins returns the registered account IDs in ascending order.
func (e *Engine) Logins() []int64 {
	e.mu.Lock()
	logins := make([]int64, 0, len(e.records))
	for login := range e.records {
		logins = append(logins, login)
	}
	e.mu.Unlock()

	sort.Slice(logins, func(i, j int) bool { return logins[i] < logins[j] })
	return logins
}

// withRecord runs op against the account's record under the registry guard.
// It returns false when the account is not registered.
func (e *Engine) withRecord(login int64, op func(*accountRecord)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[login]
	if !ok {
		return false
	}
	op(rec)
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

// Start verifies broker connectivity and launches the poll loop. The first
// tick runs immediately.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.logger.Warn("start ignored, monitor already running")
		return ErrAlreadyRunning
	}
	prevDone := e.doneCh
	e.mu.Unlock()

	// A previous loop may still be draining its in-flight tick after Stop
	// flipped the flag. Never run two loops at once.
	if prevDone != nil {
		<-prevDone
	}

	if !e.client.Connected() {
		e.logger.Error("broker handshake failed, monitor not started")
		return ErrBrokerUnavailable
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	stop, done := e.stopCh, e.doneCh
	count := len(e.records)
	e.mu.Unlock()

	go e.run(stop, done)
	e.logger.Info("monitor started",
		"interval", e.cfg.UpdateInterval, "accounts", count)
	return nil
}

// Stop signals the poll loop and waits for the in-flight tick to finish.
// Stopping a stopped engine logs a warning and returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		e.logger.Warn("stop ignored, monitor not running")
		return
	}
	e.running = false
	stop, done := e.stopCh, e.doneCh
	e.mu.Unlock()

	close(stop)
	select {
	case <-done:
		e.logger.Info("monitor stopped")
	case <-time.After(stopJoinTimeout):
		e.logger.Warn("poll loop did not exit before join timeout")
	}
}

// Running reports whether the poll loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()

	ticker := time.NewTicker(e.cfg.UpdateInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Polling
// ————————————————————————————————————————————————————————————————————————

// RefreshOnce runs a single poll cycle synchronously. One-shot CLI queries
// use it to get live data without the background loop.
func (e *Engine) RefreshOnce(ctx context.Context) {
	e.tick(ctx)
}

// tick refreshes every registered account, bumps the counters, and notifies
// listeners. One account's failure never blocks the others.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	fetchTrades := e.totalUpdates%tradeRefreshEvery == 0
	e.mu.Unlock()

	logins := e.Logins()
	updates := make([]AccountUpdate, 0, len(logins))
	for _, login := range logins {
		if upd, ok := e.refreshAccount(ctx, login, fetchTrades); ok {
			updates = append(updates, upd)
		}
	}

	e.mu.Lock()
	e.totalUpdates++
	e.lastUpdate = time.Now()
	e.mu.Unlock()

	e.notify(updates)
}

// refreshAccount fetches the account's state from the broker and applies it.
// The broker RPCs run outside the registry guard; the record is re-looked-up
// before applying so a concurrent Remove wins. The update is returned only
// when the details fetch succeeded.
func (e *Engine) refreshAccount(ctx context.Context, login int64, fetchTrades bool) (AccountUpdate, bool) {
	if !e.Contains(login) {
		return AccountUpdate{}, false
	}
	since := time.Now().AddDate(0, 0, -e.cfg.TradeHistoryDays)

	details, detailsErr := e.client.AccountDetails(ctx, login)
	positions, posErr := e.client.OpenPositions(ctx, login)

	var trades []map[string]any
	var tradesErr error
	if fetchTrades {
		trades, tradesErr = e.client.ClosedTrades(ctx, login, since)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[login]
	if !ok {
		// Removed while the RPCs were in flight. Drop the results.
		return AccountUpdate{}, false
	}

	now := time.Now()
	logged := false
	fail := func(op string, err error) {
		e.errorCount++
		if !logged {
			logged = true
			e.logger.Error("account refresh failed",
				"login", login, "op", op, "error", err)
		}
	}

	detailsOK := false
	switch {
	case detailsErr != nil:
		// Keep the last known fields so readers see stale-but-real data.
		rec.status = types.StatusError
		fail("details", detailsErr)
	case len(details) == 0:
		rec.status = types.StatusUnavailable
		fail("details", errNoAccountData)
	default:
		rec.details = broker.DecodeAccountDetails(details)
		rec.status = types.StatusActive
		rec.lastUpdate = now
		detailsOK = true
	}

	if posErr != nil {
		fail("positions", posErr)
	} else {
		rec.positions = decodePositions(positions)
		rec.positionsUpdated = now
	}

	if fetchTrades {
		if tradesErr != nil {
			fail("trades", tradesErr)
		} else {
			rec.trades = decodeTrades(trades)
			rec.tradesUpdated = now
		}
	}

	if !detailsOK {
		return AccountUpdate{}, false
	}
	return AccountUpdate{
		Account:       rec.accountSnapshot(),
		Positions:     rec.positionsSnapshot(),
		TradesSummary: rec.tradesSummary(),
	}, true
}

func (e *Engine) notify(updates []AccountUpdate) {
	e.lisMu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.lisMu.Unlock()

	for _, l := range listeners {
		e.safeNotify(l, updates)
	}
}

// safeNotify isolates listener panics: a misbehaving consumer counts as an
// error but never takes the poll loop down.
func (e *Engine) safeNotify(l Listener, updates []AccountUpdate) {
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.errorCount++
			e.mu.Unlock()
			e.logger.Error("listener panicked", "panic", r)
		}
	}()
	l.OnTick(updates)
}

func decodePositions(raw []map[string]any) []types.Position {
	positions := make([]types.Position, 0, len(raw))
	for _, m := range raw {
		positions = append(positions, broker.DecodePosition(m))
	}
	return positions
}

func decodeTrades(raw []map[string]any) []types.ClosedTrade {
	trades := make([]types.ClosedTrade, 0, len(raw))
	for _, m := range raw {
		trades = append(trades, broker.DecodeClosedTrade(m))
	}
	return trades
}

// ————————————————————————————————————————————————————————————————————————
// Queries
// ————————————————————————————————————————————————————————————————————————

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		TotalUpdates:   e.totalUpdates,
		Errors:         e.errorCount,
		MonitoredCount: len(e.records),
		Running:        e.running,
		UpdateInterval: e.cfg.UpdateInterval.Seconds(),
		LastUpdate:     timePtr(e.lastUpdate),
	}
}

// Snapshot returns the full view of one account. The second return is false
// when the account is not registered.
func (e *Engine) Snapshot(login int64) (FullSnapshot, bool) {
	var snap FullSnapshot
	now := time.Now()
	ok := e.withRecord(login, func(rec *accountRecord) {
		snap = FullSnapshot{
			Account:   rec.accountSnapshot(),
			Positions: rec.positionsSnapshot(),
			Trades:    rec.tradesSnapshot(now),
		}
	})
	return snap, ok
}

// SnapshotAll returns the full view of every account, keyed by the decimal
// login ID.
func (e *Engine) SnapshotAll() map[string]FullSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	out := make(map[string]FullSnapshot, len(e.records))
	for login, rec := range e.records {
		out[strconv.FormatInt(login, 10)] = FullSnapshot{
			Account:   rec.accountSnapshot(),
			Positions: rec.positionsSnapshot(),
			Trades:    rec.tradesSnapshot(now),
		}
	}
	return out
}

// Accounts returns the account snapshot of every registered account in
// ascending login order.
func (e *Engine) Accounts() []AccountSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	logins := make([]int64, 0, len(e.records))
	for login := range e.records {
		logins = append(logins, login)
	}
	sort.Slice(logins, func(i, j int) bool { return logins[i] < logins[j] })

	out := make([]AccountSnapshot, 0, len(logins))
	for _, login := range logins {
		out = append(out, e.records[login].accountSnapshot())
	}
	return out
}
