// Package server exposes the monitoring engine over WebSocket: every
// subscriber receives the per-tick update stream and can issue control
// commands over the same connection.
package server

import (
	"encoding/json"
	"strconv"
	"time"

	"mt5-monitor/internal/monitor"
)

// Frame types pushed to subscribers.
const (
	FrameInitial  = "initial"
	FrameUpdate   = "update"
	FrameSnapshot = "snapshot"
	FrameExposure = "exposure"
	FrameStats    = "stats"
	FrameSuccess  = "success"
	FrameError    = "error"
)

// Command types accepted from subscribers.
const (
	CmdAddAccount    = "add_account"
	CmdRemoveAccount = "remove_account"
	CmdGetSnapshot   = "get_snapshot"
	CmdGetExposure   = "get_exposure"
	CmdGetStats      = "get_stats"
)

// Frame is the server-to-client message envelope. Unused fields are omitted
// so each frame type keeps its own shape on the wire.
type Frame struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message,omitempty"`
	Symbol    string         `json:"symbol,omitempty"`
	Data      any            `json:"data,omitempty"`
	Stats     *monitor.Stats `json:"stats,omitempty"`
	Positions any            `json:"positions,omitempty"`
}

// Command is the client-to-server control message. LoginID is kept raw
// because clients send it both as a number and as a quoted string.
type Command struct {
	Type    string          `json:"type"`
	LoginID json.RawMessage `json:"login_id"`
	Symbol  string          `json:"symbol"`
}

// Login parses the login_id field. The second return is false when the
// field is absent or unparsable.
func (c Command) Login() (int64, bool) {
	raw := string(c.LoginID)
	if raw == "" || raw == "null" {
		return 0, false
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	login, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return login, true
}

func newFrame(frameType string) Frame {
	return Frame{Type: frameType, Timestamp: time.Now()}
}

func initialFrame(data map[string]monitor.FullSnapshot, stats monitor.Stats) Frame {
	f := newFrame(FrameInitial)
	f.Data = data
	f.Stats = &stats
	return f
}

func updateFrame(updates []monitor.AccountUpdate, stats monitor.Stats) Frame {
	f := newFrame(FrameUpdate)
	f.Data = updates
	f.Stats = &stats
	return f
}

func snapshotFrame(data any) Frame {
	f := newFrame(FrameSnapshot)
	f.Data = data
	return f
}

func exposureFrame(data any) Frame {
	f := newFrame(FrameExposure)
	f.Data = data
	return f
}

func symbolExposureFrame(symbol string, exposure monitor.SymbolExposure, positions []monitor.SymbolPosition) Frame {
	f := newFrame(FrameExposure)
	f.Symbol = symbol
	f.Data = exposure
	f.Positions = positions
	return f
}

func statsFrame(stats monitor.Stats) Frame {
	f := newFrame(FrameStats)
	f.Data = stats
	return f
}

func successFrame(message string) Frame {
	f := newFrame(FrameSuccess)
	f.Message = message
	return f
}

func errorFrame(message string) Frame {
	f := newFrame(FrameError)
	f.Message = message
	return f
}
