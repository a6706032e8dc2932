// MT5 Real-time Monitor — watches a fleet of trading accounts through a
// Broker Manager gateway and streams their state to WebSocket subscribers.
//
// Architecture:
//
//	main.go             — entry point: subcommands, config, signal handling
//	monitor/engine.go   — poll scheduler + thread-safe account registry
//	monitor/aggregate   — per-symbol signed exposure, fleet totals
//	monitor/alert.go    — margin/loss threshold helpers
//	monitor/analytics   — daily stats, win rate, account ranking
//	broker/client.go    — REST client for the Broker Manager gateway
//	server/hub.go       — WebSocket fan-out with per-client control protocol
//	export/export.go    — atomic JSON snapshot files
//
// Usage:
//
//	rms start      [--interval 5s] [--accounts 1001,1002]
//	rms websocket  [--host 0.0.0.0] [--port 8765] [--accounts ...]
//	rms add        <login>
//	rms remove     <login>
//	rms snapshot   [--accounts ...] [--login-id N]
//	rms exposure   [--accounts ...] [--symbol EURUSD]
//	rms stats      [--accounts ...]
//	rms export     [--accounts ...] [--output name.json]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"mt5-monitor/internal/broker"
	"mt5-monitor/internal/config"
	"mt5-monitor/internal/export"
	"mt5-monitor/internal/monitor"
	"mt5-monitor/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("RMS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)

	app := &app{cfg: cfg, logger: logger}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "start":
		err = app.runStart(args)
	case "websocket":
		err = app.runWebSocket(args)
	case "add":
		err = app.runAddRemove(args, true)
	case "remove":
		err = app.runAddRemove(args, false)
	case "snapshot":
		err = app.runSnapshot(args)
	case "exposure":
		err = app.runExposure(args)
	case "stats":
		err = app.runStats(args)
	case "export":
		err = app.runExport(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

// newEngine builds an engine wired to the configured gateway, with the
// given accounts registered.
func (a *app) newEngine(accounts []int64) *monitor.Engine {
	client := broker.NewRESTClient(a.cfg.Broker, a.logger)
	engine := monitor.New(a.cfg.Monitor, client, a.logger)
	for _, login := range accounts {
		engine.Add(login)
	}
	return engine
}

// runStart runs the poll loop in the foreground and logs each tick.
func (a *app) runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	interval := fs.Duration("interval", a.cfg.Monitor.UpdateInterval, "poll interval")
	accounts := fs.String("accounts", "", "comma-separated login IDs")
	fs.Parse(args)

	a.cfg.Monitor.UpdateInterval = *interval
	logins, err := parseLogins(*accounts)
	if err != nil {
		return err
	}

	engine := a.newEngine(logins)
	engine.AddListener(monitor.ListenerFunc(func(updates []monitor.AccountUpdate) {
		stats := engine.Stats()
		a.logger.Info("tick complete",
			"updated", len(updates),
			"total_updates", stats.TotalUpdates,
			"errors", stats.Errors,
		)
	}))

	if err := engine.Start(); err != nil {
		return err
	}
	waitForSignal(a.logger)
	engine.Stop()
	return nil
}

// runWebSocket runs the poll loop plus the subscriber push channel.
func (a *app) runWebSocket(args []string) error {
	fs := flag.NewFlagSet("websocket", flag.ExitOnError)
	host := fs.String("host", a.cfg.WS.Host, "bind address")
	port := fs.Int("port", a.cfg.WS.Port, "bind port")
	accounts := fs.String("accounts", "", "comma-separated login IDs")
	fs.Parse(args)

	a.cfg.WS.Host = *host
	a.cfg.WS.Port = *port
	logins, err := parseLogins(*accounts)
	if err != nil {
		return err
	}

	engine := a.newEngine(logins)
	srv := server.New(a.cfg.WS, engine, a.logger)
	engine.AddListener(srv)

	go func() {
		if err := srv.Start(); err != nil {
			a.logger.Error("websocket server failed", "error", err)
		}
	}()

	if err := engine.Start(); err != nil {
		return err
	}
	a.logger.Info("monitor service started",
		"ws", fmt.Sprintf("ws://%s:%d/ws", a.cfg.WS.Host, a.cfg.WS.Port),
		"interval", a.cfg.Monitor.UpdateInterval,
	)

	waitForSignal(a.logger)
	if err := srv.Stop(); err != nil {
		a.logger.Error("failed to stop websocket server", "error", err)
	}
	engine.Stop()
	return nil
}

// runAddRemove registers (or registers-then-removes) one account and prints
// its snapshot. One-shot: the engine lives only for this invocation.
func (a *app) runAddRemove(args []string, add bool) error {
	if len(args) < 1 {
		return fmt.Errorf("login ID required")
	}
	login, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid login %q: %w", args[0], err)
	}

	engine := a.newEngine([]int64{login})
	if !add {
		engine.Remove(login)
		fmt.Printf("account %d removed\n", login)
		return nil
	}

	engine.RefreshOnce(context.Background())
	snap, _ := engine.Snapshot(login)
	return printJSON(snap)
}

func (a *app) runSnapshot(args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	accounts := fs.String("accounts", "", "comma-separated login IDs")
	loginID := fs.Int64("login-id", 0, "single account to inspect")
	fs.Parse(args)

	logins, err := parseLogins(*accounts)
	if err != nil {
		return err
	}
	if *loginID != 0 {
		logins = append(logins, *loginID)
	}
	if len(logins) == 0 {
		return fmt.Errorf("no accounts given: use --accounts or --login-id")
	}

	engine := a.newEngine(logins)
	engine.RefreshOnce(context.Background())

	if *loginID != 0 {
		snap, ok := engine.Snapshot(*loginID)
		if !ok {
			return fmt.Errorf("account %d is not monitored", *loginID)
		}
		return printJSON(snap)
	}
	return printJSON(engine.SnapshotAll())
}

func (a *app) runExposure(args []string) error {
	fs := flag.NewFlagSet("exposure", flag.ExitOnError)
	accounts := fs.String("accounts", "", "comma-separated login IDs")
	symbol := fs.String("symbol", "", "restrict to one symbol")
	fs.Parse(args)

	logins, err := parseLogins(*accounts)
	if err != nil {
		return err
	}

	engine := a.newEngine(logins)
	engine.RefreshOnce(context.Background())

	if *symbol != "" {
		exposure, ok := engine.ExposureBySymbol()[*symbol]
		if !ok {
			return fmt.Errorf("no open positions in %s", *symbol)
		}
		return printJSON(map[string]any{
			"symbol":    *symbol,
			"exposure":  exposure,
			"positions": engine.PositionsBySymbol(*symbol),
		})
	}
	return printJSON(engine.ExposureBySymbol())
}

func (a *app) runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	accounts := fs.String("accounts", "", "comma-separated login IDs")
	fs.Parse(args)

	logins, err := parseLogins(*accounts)
	if err != nil {
		return err
	}

	engine := a.newEngine(logins)
	engine.RefreshOnce(context.Background())
	return printJSON(map[string]any{
		"stats":   engine.Stats(),
		"summary": engine.FleetSummary(),
	})
}

func (a *app) runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	accounts := fs.String("accounts", "", "comma-separated login IDs")
	output := fs.String("output", "", "file name inside the export directory")
	fs.Parse(args)

	logins, err := parseLogins(*accounts)
	if err != nil {
		return err
	}

	engine := a.newEngine(logins)
	engine.RefreshOnce(context.Background())

	sink, err := export.Open(a.cfg.Export.Dir, a.logger)
	if err != nil {
		return err
	}
	path, err := sink.Write(*output, engine)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func parseLogins(csv string) ([]int64, error) {
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	logins := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		login, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid login %q: %w", p, err)
		}
		logins = append(logins, login)
	}
	return logins, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func waitForSignal(logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
}

func usage() {
	fmt.Fprintf(os.Stderr, `rms — MT5 real-time account monitor

Commands:
  start       run the poll loop in the foreground
  websocket   run the poll loop with the WebSocket push channel
  add         register one account and print its first snapshot
  remove      deregister one account
  snapshot    print account snapshots
  exposure    print per-symbol fleet exposure
  stats       print engine counters and fleet summary
  export      write a snapshot file and print its path

Config: configs/config.yaml (override with RMS_CONFIG), keys overridable
via RMS_* environment variables.
`)
}
