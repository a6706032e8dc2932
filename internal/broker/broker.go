// Package broker implements the Broker Manager client.
//
// The monitor consumes the Client contract: per-account reads for details,
// open positions, and closed trades since a cutoff, plus a liveness check
// used as the engine start handshake. RESTClient is the production
// implementation; tests supply in-process fakes.
//
// Broker responses are loosely-shaped JSON mappings with inconsistent key
// casing (Symbol/symbol, Vol/volume, Type/type). decode.go normalizes them
// into pkg/types records at ingress; the raw mappings are retained verbatim
// on each record for subscribers.
package broker

import (
	"context"
	"time"
)

// Client is the capability contract the monitor requires from the
// Broker Manager.
type Client interface {
	// Connected reports whether the broker session is live. The engine
	// calls this once as the start() handshake.
	Connected() bool

	// AccountDetails returns the account's financial state, or an empty
	// mapping when the broker has no data for the login.
	AccountDetails(ctx context.Context, login int64) (map[string]any, error)

	// OpenPositions returns the account's open positions.
	OpenPositions(ctx context.Context, login int64) ([]map[string]any, error)

	// ClosedTrades returns trades closed at or after since.
	ClosedTrades(ctx context.Context, login int64, since time.Time) ([]map[string]any, error)
}
