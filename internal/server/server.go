package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mt5-monitor/internal/config"
	"mt5-monitor/internal/monitor"
)

// Server exposes the engine over HTTP: /ws upgrades to the subscriber
// protocol, /health reports liveness. It implements monitor.Listener so a
// single registration wires the per-tick fan-out.
type Server struct {
	cfg      config.WSConfig
	engine   *monitor.Engine
	hub      *Hub
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a server bound to the engine. Call engine.AddListener(s) to
// start streaming updates.
func New(cfg config.WSConfig, engine *monitor.Engine, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "ws-server"),
	}
	s.hub = NewHub(s.processCommand, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start runs the hub and the HTTP listener. It blocks until the listener
// stops, so call it in a goroutine.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("websocket server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping websocket server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int { return s.hub.ClientCount() }

// OnTick implements monitor.Listener: the update frame is serialized once
// and fanned out to every subscriber.
func (s *Server) OnTick(updates []monitor.AccountUpdate) {
	data, err := marshalFrame(updateFrame(updates, s.engine.Stats()))
	if err != nil {
		s.logger.Error("failed to marshal update frame", "error", err)
		return
	}
	s.hub.Broadcast(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"subscribers": s.hub.ClientCount(),
		"stats":       s.engine.Stats(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn)
	client.reply(initialFrame(s.engine.SnapshotAll(), s.engine.Stats()))
}

// processCommand executes one control message and builds the reply frame.
// Every failure path answers with an error frame; the connection stays up.
func (s *Server) processCommand(raw []byte) Frame {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return errorFrame("invalid message: " + err.Error())
	}

	switch cmd.Type {
	case CmdAddAccount:
		login, ok := cmd.Login()
		if !ok {
			return errorFrame("add_account requires login_id")
		}
		s.engine.Add(login)
		return successFrame(fmt.Sprintf("account %d added", login))

	case CmdRemoveAccount:
		login, ok := cmd.Login()
		if !ok {
			return errorFrame("remove_account requires login_id")
		}
		s.engine.Remove(login)
		return successFrame(fmt.Sprintf("account %d removed", login))

	case CmdGetSnapshot:
		if login, ok := cmd.Login(); ok {
			snap, found := s.engine.Snapshot(login)
			if !found {
				// Unknown login is an empty result, not a protocol error.
				return snapshotFrame(nil)
			}
			return snapshotFrame(snap)
		}
		return snapshotFrame(s.engine.SnapshotAll())

	case CmdGetExposure:
		if cmd.Symbol != "" {
			// An untraded symbol yields zero exposure and no positions.
			exposure := s.engine.ExposureBySymbol()[cmd.Symbol]
			return symbolExposureFrame(cmd.Symbol, exposure, s.engine.PositionsBySymbol(cmd.Symbol))
		}
		return exposureFrame(s.engine.ExposureBySymbol())

	case CmdGetStats:
		return statsFrame(s.engine.Stats())

	default:
		return errorFrame(fmt.Sprintf("unknown command %q", cmd.Type))
	}
}

func marshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
