// config.go provides the small second watcher that tracks hub
// configuration changes. Oracle swaps, endpoint updates and gas-config
// updates all invalidate cached pricing, so each one triggers the refresh
// hook instead of flowing into the fulfillment pipeline.
package watcher

import (
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/cursor"
	"github.com/bobbyswhip/x402c/log"
)

// NewConfigWatcher builds a watcher over the hub's configuration events.
// onChange receives the event name; it must be fast or spin off its own
// work, since it runs on the poll goroutine.
func NewConfigWatcher(client *chain.Client, store *cursor.Store, hub *contracts.Hub, onChange func(name string), logger *log.Logger) (*Watcher, error) {
	names := []string{
		contracts.EventPriceOracleUpdated,
		contracts.EventEndpointUpdated,
		contracts.EventEndpointGasConfigUpdated,
	}
	events := make([]Event, 0, len(names))
	for _, name := range names {
		events = append(events, Event{Name: name, Topic: hub.EventID(name)})
	}
	return New(client, store, Config{
		Label:    cursor.LabelHubConfig,
		Contract: hub.Address(),
		Events:   events,
		Dispatch: func(name string, _ types.Log) { onChange(name) },
	}, logger)
}
