package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mt5-monitor/internal/config"
	"mt5-monitor/internal/monitor"
)

// stubBroker serves one healthy account shape for every login.
type stubBroker struct{}

func (stubBroker) Connected() bool { return true }

func (stubBroker) AccountDetails(context.Context, int64) (map[string]any, error) {
	return map[string]any{"balance": 500.0, "equity": 520.0, "margin": 100.0}, nil
}

func (stubBroker) OpenPositions(context.Context, int64) ([]map[string]any, error) {
	return []map[string]any{
		{"symbol": "EURUSD", "volume": 1.0, "type": float64(0)},
	}, nil
}

func (stubBroker) ClosedTrades(context.Context, int64, time.Time) ([]map[string]any, error) {
	return nil, nil
}

func testServer(t *testing.T) (*Server, *monitor.Engine) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := monitor.New(config.MonitorConfig{
		UpdateInterval:   20 * time.Millisecond,
		TradeHistoryDays: 30,
	}, stubBroker{}, logger)
	return New(config.WSConfig{Host: "127.0.0.1", Port: 0}, engine, logger), engine
}

// runOneTick populates the engine with live data via a short start/stop cycle.
func runOneTick(t *testing.T, engine *monitor.Engine) {
	t.Helper()

	if err := engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	engine.Stop()
}

func TestProcessCommandRegistry(t *testing.T) {
	t.Parallel()

	s, engine := testServer(t)

	reply := s.processCommand([]byte(`{"type":"add_account","login_id":1001}`))
	if reply.Type != FrameSuccess {
		t.Fatalf("add_account reply = %q (%s), want success", reply.Type, reply.Message)
	}
	if !engine.Contains(1001) {
		t.Error("account 1001 not registered after add_account")
	}

	// Clients also send the login as a quoted string.
	reply = s.processCommand([]byte(`{"type":"add_account","login_id":"1002"}`))
	if reply.Type != FrameSuccess || !engine.Contains(1002) {
		t.Errorf("string login_id rejected: %+v", reply)
	}

	reply = s.processCommand([]byte(`{"type":"remove_account","login_id":1001}`))
	if reply.Type != FrameSuccess {
		t.Errorf("remove_account reply = %q, want success", reply.Type)
	}
	if engine.Contains(1001) {
		t.Error("account 1001 still registered after remove_account")
	}

	reply = s.processCommand([]byte(`{"type":"add_account"}`))
	if reply.Type != FrameError {
		t.Errorf("add_account without login_id = %q, want error", reply.Type)
	}
}

func TestProcessCommandQueries(t *testing.T) {
	t.Parallel()

	s, engine := testServer(t)
	engine.Add(1001)
	runOneTick(t, engine)

	reply := s.processCommand([]byte(`{"type":"get_snapshot","login_id":1001}`))
	if reply.Type != FrameSnapshot {
		t.Fatalf("get_snapshot reply = %q (%s), want snapshot", reply.Type, reply.Message)
	}
	snap, ok := reply.Data.(monitor.FullSnapshot)
	if !ok {
		t.Fatalf("snapshot data type = %T", reply.Data)
	}
	if snap.Account.MarginLevel != 520 {
		t.Errorf("MarginLevel = %v, want 520", snap.Account.MarginLevel)
	}

	reply = s.processCommand([]byte(`{"type":"get_snapshot"}`))
	if reply.Type != FrameSnapshot {
		t.Fatalf("fleet get_snapshot reply = %q, want snapshot", reply.Type)
	}
	if all, ok := reply.Data.(map[string]monitor.FullSnapshot); !ok || len(all) != 1 {
		t.Errorf("fleet snapshot data = %T with %v entries", reply.Data, reply.Data)
	}

	// Unknown logins are an empty result, not a protocol error.
	reply = s.processCommand([]byte(`{"type":"get_snapshot","login_id":9999}`))
	if reply.Type != FrameSnapshot || reply.Data != nil {
		t.Errorf("get_snapshot for unknown login = %+v, want empty snapshot frame", reply)
	}

	reply = s.processCommand([]byte(`{"type":"get_exposure"}`))
	if reply.Type != FrameExposure {
		t.Fatalf("get_exposure reply = %q, want exposure", reply.Type)
	}

	reply = s.processCommand([]byte(`{"type":"get_exposure","symbol":"EURUSD"}`))
	if reply.Type != FrameExposure || reply.Symbol != "EURUSD" {
		t.Errorf("symbol exposure reply = %+v", reply)
	}
	if exp, ok := reply.Data.(monitor.SymbolExposure); !ok || exp.Volume != 1.0 {
		t.Errorf("EURUSD exposure data = %+v, want volume 1.0", reply.Data)
	}

	// Untraded symbols yield zero exposure, not a protocol error.
	reply = s.processCommand([]byte(`{"type":"get_exposure","symbol":"XAUUSD"}`))
	if reply.Type != FrameExposure || reply.Symbol != "XAUUSD" {
		t.Fatalf("exposure for untraded symbol = %+v, want exposure frame", reply)
	}
	if exp, ok := reply.Data.(monitor.SymbolExposure); !ok || exp.Volume != 0 || exp.Positions != 0 {
		t.Errorf("untraded symbol exposure data = %+v, want zero exposure", reply.Data)
	}

	reply = s.processCommand([]byte(`{"type":"get_stats"}`))
	if reply.Type != FrameStats {
		t.Fatalf("get_stats reply = %+v", reply)
	}
	stats, ok := reply.Data.(monitor.Stats)
	if !ok {
		t.Fatalf("stats data type = %T", reply.Data)
	}
	if stats.MonitoredCount != 1 {
		t.Errorf("MonitoredCount = %d, want 1", stats.MonitoredCount)
	}
}

func TestProcessCommandRejectsGarbage(t *testing.T) {
	t.Parallel()

	s, _ := testServer(t)

	for _, raw := range []string{
		`{"type":"reboot"}`,
		`not json at all`,
		`{"type":"add_account","login_id":"abc"}`,
	} {
		if reply := s.processCommand([]byte(raw)); reply.Type != FrameError {
			t.Errorf("processCommand(%s) = %q, want error", raw, reply.Type)
		}
	}
}

func TestCommandLoginForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw   string
		want  int64
		valid bool
	}{
		{`{"login_id":1001}`, 1001, true},
		{`{"login_id":"1002"}`, 1002, true},
		{`{}`, 0, false},
		{`{"login_id":"nope"}`, 0, false},
	}
	for _, tt := range tests {
		var cmd Command
		if err := json.Unmarshal([]byte(tt.raw), &cmd); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.raw, err)
		}
		got, ok := cmd.Login()
		if got != tt.want || ok != tt.valid {
			t.Errorf("Login() for %s = %d,%v, want %d,%v", tt.raw, got, ok, tt.want, tt.valid)
		}
	}
}

// A subscriber dropped for falling behind can still have a command reply in
// flight from its read pump; the reply must be discarded, never sent on the
// closed queue.
func TestReplyAfterDropDoesNotPanic(t *testing.T) {
	t.Parallel()

	s, _ := testServer(t)
	go s.hub.Run()

	// Unbuffered queue with no write pump: the first broadcast overflows it.
	client := &Client{hub: s.hub, send: make(chan []byte)}
	s.hub.register <- client

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}

	s.hub.Broadcast([]byte(`{}`))
	for s.hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("overflowing subscriber never dropped")
		}
		time.Sleep(time.Millisecond)
	}

	client.reply(successFrame("late reply"))

	// The hub must still be serving the remaining subscribers.
	s.hub.Broadcast([]byte(`{}`))
	if got := s.hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d, want 0", got)
	}
}

func TestWebSocketSubscribeLifecycle(t *testing.T) {
	t.Parallel()

	s, engine := testServer(t)
	engine.Add(1001)
	go s.hub.Run()

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial Frame
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	if initial.Type != FrameInitial || initial.Stats == nil {
		t.Errorf("initial frame = %+v", initial)
	}

	if err := conn.WriteJSON(map[string]any{"type": "get_stats"}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read stats reply: %v", err)
	}
	if reply.Type != FrameStats {
		t.Errorf("reply type = %q, want stats", reply.Type)
	}

	if got := s.ClientCount(); got != 1 {
		t.Errorf("ClientCount = %d, want 1", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not deregistered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
