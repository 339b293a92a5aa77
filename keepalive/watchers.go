// watchers.go builds the poller over the keep-alive contract's
// subscription events. Fulfillments are announced from the on-chain log
// rather than from the driver, so cycles won by other agents show up in
// the same stream.
package keepalive

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bobbyswhip/x402c/broadcast"
	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/cursor"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/watcher"
)

// NewSubscriptionWatcher builds the subscription event poller under its
// own cursor label.
func NewSubscriptionWatcher(client *chain.Client, store *cursor.Store, ka *contracts.KeepAlive, events *broadcast.Hub, logger *log.Logger) (*watcher.Watcher, error) {
	return watcher.New(client, store, watcher.Config{
		Label:    cursor.LabelKeepAliveWatcher,
		Contract: ka.Address(),
		Events: []watcher.Event{
			{Name: contracts.EventSubscriptionCreated, Topic: ka.EventID(contracts.EventSubscriptionCreated)},
			{Name: contracts.EventSubscriptionFulfilled, Topic: ka.EventID(contracts.EventSubscriptionFulfilled)},
			{Name: contracts.EventSubscriptionCancelled, Topic: ka.EventID(contracts.EventSubscriptionCancelled)},
		},
		Dispatch: announceSubscription(ka, events, logger.Module("keepalive")),
	}, logger)
}

// announceSubscription decodes subscription logs into operator
// broadcasts, carrying the subscription id in the event's id slot.
func announceSubscription(ka *contracts.KeepAlive, events *broadcast.Hub, logger *log.Logger) watcher.DispatchFunc {
	return func(name string, lg types.Log) {
		var (
			typ  broadcast.EventType
			id   common.Hash
			data map[string]any
		)
		switch name {
		case contracts.EventSubscriptionCreated:
			ev, err := ka.DecodeSubscriptionCreated(lg)
			if err != nil {
				logger.Warn("undecodable subscription log", "event", name, "block", lg.BlockNumber, "err", err)
				return
			}
			typ, id = broadcast.TypeKeepAliveSubscriptionCreated, ev.SubscriptionId
			data = map[string]any{
				"consumer":    ev.Consumer.Hex(),
				"interval":    ev.Interval,
				"feePerCycle": ev.FeePerCycle.String(),
			}
		case contracts.EventSubscriptionFulfilled:
			ev, err := ka.DecodeSubscriptionFulfilled(lg)
			if err != nil {
				logger.Warn("undecodable subscription log", "event", name, "block", lg.BlockNumber, "err", err)
				return
			}
			typ, id = broadcast.TypeKeepAliveFulfilled, ev.SubscriptionId
			data = map[string]any{
				"agent":            ev.Agent.Hex(),
				"payout":           ev.Payout.String(),
				"fulfillmentCount": ev.FulfillmentCount,
			}
		case contracts.EventSubscriptionCancelled:
			ev, err := ka.DecodeSubscriptionCancelled(lg)
			if err != nil {
				logger.Warn("undecodable subscription log", "event", name, "block", lg.BlockNumber, "err", err)
				return
			}
			typ, id = broadcast.TypeKeepAliveSubscriptionCancelled, ev.SubscriptionId
			data = map[string]any{"block": lg.BlockNumber}
		default:
			return
		}
		err := events.Publish(broadcast.Event{Type: typ, RequestID: id, Data: data})
		if err != nil {
			logger.Debug("broadcast dropped", "type", typ, "err", err)
		}
	}
}
