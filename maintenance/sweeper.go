// sweeper.go implements the stale-request sweeper: a slow rescan of the
// RequestCreated history under its own cursor. Every rediscovered id is
// handed to the router, which cancels it on chain when it is still
// pending past the staleness bound. The hot path and the fallback
// watcher normally catch these first; the sweeper is the backstop that
// refunds requesters even when this agent was down for the whole window.
package maintenance

import (
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/cursor"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/router"
	"github.com/bobbyswhip/x402c/watcher"
)

// NewSweeper builds the sweep watcher over the hub's RequestCreated
// history. MaxInterval is pinned above the sweep cadence; the watcher's
// default ceiling sits below it and backoff would otherwise speed the
// sweeper up.
func NewSweeper(client *chain.Client, store *cursor.Store, hub *contracts.Hub, r *router.Router, logger *log.Logger) (*watcher.Watcher, error) {
	return watcher.New(client, store, watcher.Config{
		Label:    cursor.LabelHubSweeper,
		Contract: hub.Address(),
		Events: []watcher.Event{
			{Name: contracts.EventRequestCreated, Topic: hub.EventID(contracts.EventRequestCreated)},
		},
		Dispatch:    sweepDispatch(hub, r, logger.Module("maintenance")),
		Interval:    DefaultSweepInterval,
		MaxInterval: 2 * DefaultSweepInterval,
	}, logger)
}

// sweepDispatch funnels each rescanned creation log into the router's
// stale-cancel path.
func sweepDispatch(hub *contracts.Hub, r *router.Router, logger *log.Logger) watcher.DispatchFunc {
	return func(name string, lg types.Log) {
		if name != contracts.EventRequestCreated {
			return
		}
		ev, err := hub.DecodeRequestCreated(lg)
		if err != nil {
			logger.Warn("undecodable request log", "block", lg.BlockNumber, "err", err)
			return
		}
		if r.CancelIfStale(ev.RequestId) {
			logger.Info("stale request swept", "request", ev.RequestId, "endpoint", ev.EndpointId)
		}
	}
}
