package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"mt5-monitor/internal/config"
	"mt5-monitor/pkg/types"
)

// fakeClient is an in-memory broker.Client for engine tests.
type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	details    map[int64]map[string]any
	positions  map[int64][]map[string]any
	trades     map[int64][]map[string]any
	detailsErr map[int64]error
	tradeCalls map[int64]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		connected:  true,
		details:    make(map[int64]map[string]any),
		positions:  make(map[int64][]map[string]any),
		trades:     make(map[int64][]map[string]any),
		detailsErr: make(map[int64]error),
		tradeCalls: make(map[int64]int),
	}
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) AccountDetails(_ context.Context, login int64) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.detailsErr[login]; err != nil {
		return nil, err
	}
	return f.details[login], nil
}

func (f *fakeClient) OpenPositions(_ context.Context, login int64) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[login], nil
}

func (f *fakeClient) ClosedTrades(_ context.Context, login int64, _ time.Time) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeCalls[login]++
	return f.trades[login], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(client *fakeClient) *Engine {
	cfg := config.MonitorConfig{
		UpdateInterval:   time.Second,
		TradeHistoryDays: 30,
	}
	return New(cfg, client, testLogger())
}

func TestRegistryAddRemove(t *testing.T) {
	t.Parallel()

	e := testEngine(newFakeClient())

	e.Add(1001)
	e.Add(1001) // idempotent
	e.Add(1002)
	if got := e.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
	if !e.Contains(1001) || !e.Contains(1002) {
		t.Fatal("registered accounts missing from registry")
	}

	e.Remove(1001)
	e.Remove(9999) // absent, no-op
	if e.Contains(1001) {
		t.Error("removed account still registered")
	}
	if got := e.Count(); got != 1 {
		t.Errorf("Count after remove = %d, want 1", got)
	}
}

func TestLoginsSorted(t *testing.T) {
	t.Parallel()

	e := testEngine(newFakeClient())
	for _, id := range []int64{3003, 1001, 2002} {
		e.Add(id)
	}

	got := e.Logins()
	want := []int64{1001, 2002, 3003}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Logins = %v, want %v", got, want)
		}
	}
}

func TestStartRequiresBroker(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.connected = false
	e := testEngine(client)

	if err := e.Start(); !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("Start with dead broker = %v, want ErrBrokerUnavailable", err)
	}
	if e.Running() {
		t.Error("engine reports running after failed start")
	}
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()

	e := testEngine(newFakeClient())
	if err := e.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer e.Stop()

	if err := e.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	t.Parallel()

	e := testEngine(newFakeClient())
	e.Stop() // must not panic or block
	if e.Running() {
		t.Error("engine reports running after Stop without Start")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	e := testEngine(newFakeClient())
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.Running() {
		t.Error("engine not running after Start")
	}

	e.Stop()
	if e.Running() {
		t.Error("engine still running after Stop")
	}
	// Stop waits for the loop, and the loop ticks once before selecting.
	if e.Stats().TotalUpdates == 0 {
		t.Error("no tick completed before Stop returned")
	}
}

// slowClient stalls in AccountDetails and records how many refreshes ran
// at once.
type slowClient struct {
	mu        sync.Mutex
	active    int
	maxActive int
}

func (c *slowClient) Connected() bool { return true }

func (c *slowClient) AccountDetails(context.Context, int64) (map[string]any, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return map[string]any{"balance": 100.0, "equity": 100.0}, nil
}

func (c *slowClient) OpenPositions(context.Context, int64) ([]map[string]any, error) {
	return nil, nil
}

func (c *slowClient) ClosedTrades(context.Context, int64, time.Time) ([]map[string]any, error) {
	return nil, nil
}

func (c *slowClient) max() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

// A restart issued while the previous loop is still draining its in-flight
// tick must wait for that tick; poll cycles never overlap.
func TestRestartDoesNotOverlapTicks(t *testing.T) {
	t.Parallel()

	client := &slowClient{}
	cfg := config.MonitorConfig{UpdateInterval: time.Second, TradeHistoryDays: 30}
	e := New(cfg, client, testLogger())
	e.Add(1001)

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(10 * time.Millisecond) // first tick is in flight

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	time.Sleep(5 * time.Millisecond)

	// Restart while the old loop drains; either it waits and relaunches or
	// the stop has not landed yet and it reports already running.
	_ = e.Start()
	<-stopped

	time.Sleep(80 * time.Millisecond)
	e.Stop()

	if got := client.max(); got != 1 {
		t.Errorf("concurrent account refreshes = %d, want 1", got)
	}
}

// Two accounts holding EURUSD buys of 1.0 and 0.4 against a 0.8 sell must
// net to exactly 0.6, and a derived margin level must come out of a
// details payload that carries only balance/equity/margin.
func TestTickAggregatesFleet(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.details[1001] = map[string]any{"balance": 500.0, "equity": 520.0, "margin": 100.0}
	client.details[1002] = map[string]any{"balance": 800.0, "equity": 790.0, "margin": 200.0}
	client.positions[1001] = []map[string]any{
		{"symbol": "EURUSD", "volume": 1.0, "type": float64(0)},
		{"symbol": "EURUSD", "volume": 0.8, "type": float64(1)},
	}
	client.positions[1002] = []map[string]any{
		{"symbol": "EURUSD", "volume": 0.4, "type": float64(0)},
	}

	e := testEngine(client)
	e.Add(1001)
	e.Add(1002)
	e.tick(context.Background())

	stats := e.Stats()
	if stats.TotalUpdates != 1 {
		t.Errorf("TotalUpdates = %d, want 1", stats.TotalUpdates)
	}
	if stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}

	snap, ok := e.Snapshot(1001)
	if !ok {
		t.Fatal("Snapshot(1001) missing")
	}
	if math.Abs(snap.Account.MarginLevel-520.0) > 1e-9 {
		t.Errorf("MarginLevel = %v, want 520 (derived)", snap.Account.MarginLevel)
	}
	if snap.Account.Status != types.StatusActive {
		t.Errorf("Status = %q, want active", snap.Account.Status)
	}

	exposure := e.ExposureBySymbol()
	eur, ok := exposure["EURUSD"]
	if !ok {
		t.Fatal("EURUSD missing from exposure")
	}
	if eur.Volume != 0.6 {
		t.Errorf("EURUSD volume = %v, want exactly 0.6", eur.Volume)
	}
	if eur.Accounts != 2 || eur.Positions != 3 {
		t.Errorf("EURUSD accounts/positions = %d/%d, want 2/3", eur.Accounts, eur.Positions)
	}
}

func TestExposureSignConvention(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.details[1001] = map[string]any{"balance": 100.0, "equity": 100.0}
	client.positions[1001] = []map[string]any{
		{"symbol": "USDJPY", "volume": 2.0, "type": "sell"},
	}

	e := testEngine(client)
	e.Add(1001)
	e.tick(context.Background())

	if got := e.ExposureBySymbol()["USDJPY"].Volume; got != -2.0 {
		t.Errorf("USDJPY volume = %v, want -2.0", got)
	}
}

// Trade history refreshes on ticks 0, 5, 10, ...: eleven ticks mean three
// fetches per account.
func TestTradeFetchCadence(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.details[1001] = map[string]any{"balance": 100.0, "equity": 100.0}

	e := testEngine(client)
	e.Add(1001)
	for i := 0; i < 11; i++ {
		e.tick(context.Background())
	}

	client.mu.Lock()
	calls := client.tradeCalls[1001]
	client.mu.Unlock()
	if calls != 3 {
		t.Errorf("trade fetches over 11 ticks = %d, want 3", calls)
	}
}

// A failing account must not block the rest of the fleet, and each failure
// bumps the error counter exactly once.
func TestTickIsolatesFailures(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.detailsErr[1001] = errors.New("gateway timeout")
	client.details[1002] = map[string]any{"balance": 300.0, "equity": 300.0}

	e := testEngine(client)
	e.Add(1001)
	e.Add(1002)

	var updates []AccountUpdate
	e.AddListener(ListenerFunc(func(u []AccountUpdate) { updates = u }))
	e.tick(context.Background())

	stats := e.Stats()
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.TotalUpdates != 1 {
		t.Errorf("TotalUpdates = %d, want 1", stats.TotalUpdates)
	}

	snap, _ := e.Snapshot(1001)
	if snap.Account.Status != types.StatusError {
		t.Errorf("failed account status = %q, want error", snap.Account.Status)
	}
	snap, _ = e.Snapshot(1002)
	if snap.Account.Status != types.StatusActive {
		t.Errorf("healthy account status = %q, want active", snap.Account.Status)
	}

	// Only the healthy account appears in the update list.
	if len(updates) != 1 || updates[0].Account.LoginID != 1002 {
		t.Errorf("update list = %+v, want only account 1002", updates)
	}
}

func TestUnavailableAccountCountsAsError(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	// No details registered: the broker returns an empty mapping.
	e := testEngine(client)
	e.Add(1001)
	e.tick(context.Background())

	if got := e.Stats().Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
	snap, _ := e.Snapshot(1001)
	if snap.Account.Status != types.StatusUnavailable {
		t.Errorf("status = %q, want unavailable", snap.Account.Status)
	}
}

func TestEmptyRegistryTickStillCounts(t *testing.T) {
	t.Parallel()

	e := testEngine(newFakeClient())

	notified := false
	e.AddListener(ListenerFunc(func(u []AccountUpdate) {
		notified = true
		if len(u) != 0 {
			t.Errorf("update list for empty registry = %+v, want empty", u)
		}
	}))
	e.tick(context.Background())

	if got := e.Stats().TotalUpdates; got != 1 {
		t.Errorf("TotalUpdates = %d, want 1", got)
	}
	if !notified {
		t.Error("listener not notified on empty tick")
	}
}

func TestRemovedAccountAbsentFromUpdates(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.details[1001] = map[string]any{"balance": 100.0, "equity": 100.0}

	e := testEngine(client)
	e.Add(1001)
	e.tick(context.Background())
	e.Remove(1001)

	var updates []AccountUpdate
	e.AddListener(ListenerFunc(func(u []AccountUpdate) { updates = u }))
	e.tick(context.Background())

	if len(updates) != 0 {
		t.Errorf("updates after removal = %+v, want empty", updates)
	}
	if _, ok := e.Snapshot(1001); ok {
		t.Error("snapshot still served for removed account")
	}
}

func TestListenerPanicIsIsolated(t *testing.T) {
	t.Parallel()

	e := testEngine(newFakeClient())

	called := false
	e.AddListener(ListenerFunc(func([]AccountUpdate) { panic("boom") }))
	e.AddListener(ListenerFunc(func([]AccountUpdate) { called = true }))
	e.tick(context.Background())

	if !called {
		t.Error("second listener not invoked after first panicked")
	}
	if got := e.Stats().Errors; got != 1 {
		t.Errorf("Errors = %d, want 1 for the panicking listener", got)
	}
}

func TestStatsShape(t *testing.T) {
	t.Parallel()

	e := testEngine(newFakeClient())
	e.Add(1001)

	stats := e.Stats()
	if stats.MonitoredCount != 1 {
		t.Errorf("MonitoredCount = %d, want 1", stats.MonitoredCount)
	}
	if stats.UpdateInterval != 1.0 {
		t.Errorf("UpdateInterval = %v, want 1.0 seconds", stats.UpdateInterval)
	}
	if stats.Running {
		t.Error("Running = true before Start")
	}
	if stats.LastUpdate != nil {
		t.Errorf("LastUpdate = %v before first tick, want nil", stats.LastUpdate)
	}

	e.tick(context.Background())
	if e.Stats().LastUpdate == nil {
		t.Error("LastUpdate still nil after a tick")
	}
}
