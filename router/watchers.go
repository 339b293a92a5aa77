// watchers.go builds the two pollers that feed the router: the hot
// watcher on the block cadence and the slow fallback rescan that closes
// gaps after drops or restarts. Both carry their own cursor, so a restart
// replays at most one label's window.
package router

import (
	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/cursor"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/watcher"
)

// NewRequestWatcher builds the primary RequestCreated poller dispatching
// into r.
func NewRequestWatcher(client *chain.Client, store *cursor.Store, hub *contracts.Hub, r *Router, logger *log.Logger) (*watcher.Watcher, error) {
	return watcher.New(client, store, watcher.Config{
		Label:    cursor.LabelHubWatcher,
		Contract: hub.Address(),
		Events: []watcher.Event{
			{Name: contracts.EventRequestCreated, Topic: hub.EventID(contracts.EventRequestCreated)},
		},
		Dispatch: r.HandleLog,
	}, logger)
}

// NewFallbackWatcher builds the 30-second rescan poller dispatching into
// r's pending-only path.
func NewFallbackWatcher(client *chain.Client, store *cursor.Store, hub *contracts.Hub, r *Router, logger *log.Logger) (*watcher.Watcher, error) {
	return watcher.New(client, store, watcher.Config{
		Label:    cursor.LabelHubFallback,
		Contract: hub.Address(),
		Events: []watcher.Event{
			{Name: contracts.EventRequestCreated, Topic: hub.EventID(contracts.EventRequestCreated)},
		},
		Dispatch: r.HandleFallbackLog,
		Interval: FallbackInterval,
	}, logger)
}
