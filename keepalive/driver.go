// driver.go implements the keep-alive poll-and-fulfill loop. Every cycle
// enumerates subscription ids through a TTL cache, batch-checks readiness
// with bounded concurrency and attempts one fulfillment per ready id. The
// authoritative isReady re-check and the profit gate run inside the
// sender's critical section, so a subscription another agent grabs
// mid-flight costs one eth_call, not a reverted transaction. One bad
// subscription never skips the rest, and the next poll is scheduled only
// after the current one returns.
package keepalive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bobbyswhip/x402c/broadcast"
	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/inflight"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/metrics"
	"github.com/bobbyswhip/x402c/profit"
	"github.com/bobbyswhip/x402c/sender"
)

const (
	// DefaultInterval is the poll cadence.
	DefaultInterval = 10 * time.Second
	// DefaultCacheTTL bounds how long the subscription id list is reused
	// before re-enumeration. A successful fulfill invalidates it early.
	DefaultCacheTTL = 60 * time.Second
	// DefaultBatchSize bounds concurrent id and readiness reads per poll.
	DefaultBatchSize = 5
)

// Skip reasons carried in keepalive_skipped broadcasts.
const (
	reasonSimulationFailed = "simulation-failed"
	reasonUnprofitable     = "unprofitable"
)

// Driver errors: each aborts a submission from inside the sender queue.
var (
	ErrNotReady     = errors.New("keepalive: subscription not ready")
	ErrUnprofitable = errors.New("keepalive: fulfillment unprofitable")
	ErrWouldRevert  = errors.New("keepalive: transaction would revert")
)

// Config tunes the driver.
type Config struct {
	Interval  time.Duration    // 0 for DefaultInterval
	CacheTTL  time.Duration    // 0 for DefaultCacheTTL
	BatchSize int              // 0 for DefaultBatchSize
	Now       func() time.Time // nil for time.Now
}

// Driver polls the keep-alive contract and fulfills ready subscriptions.
type Driver struct {
	client *chain.Client
	ka     *contracts.KeepAlive
	send   *sender.Sender
	gate   *profit.Gate
	events *broadcast.Hub
	cfg    Config
	logger *log.Logger

	busy *inflight.Set

	mu        sync.Mutex
	ids       []common.Hash
	fetchedAt time.Time
	started   bool
	stopped   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a driver polling ka through the client.
func New(client *chain.Client, ka *contracts.KeepAlive, send *sender.Sender, gate *profit.Gate, events *broadcast.Hub, cfg Config, logger *log.Logger) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Driver{
		client: client,
		ka:     ka,
		send:   send,
		gate:   gate,
		events: events,
		cfg:    cfg,
		logger: logger.Module("keepalive"),
		busy:   inflight.NewSet(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the poll loop.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started || d.stopped {
		d.mu.Unlock()
		return errors.New("keepalive: already started")
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("keep-alive driver started",
		"interval", d.cfg.Interval, "cacheTTL", d.cfg.CacheTTL)
	d.wg.Add(1)
	go d.loop(ctx)
	return nil
}

// Stop halts the loop and waits for the running poll to finish.
func (d *Driver) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	close(d.stopCh)
	d.wg.Wait()
}

// loop polls once immediately and then on the interval. The timer is
// re-armed only after the poll body returns, so cycles never overlap.
func (d *Driver) loop(ctx context.Context) {
	defer d.wg.Done()

	d.poll(ctx)
	timer := time.NewTimer(d.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-timer.C:
			d.poll(ctx)
			timer.Reset(d.cfg.Interval)
		}
	}
}

// poll runs one enumerate-check-fulfill cycle. Errors are logged and the
// loop carries on at the next tick.
func (d *Driver) poll(ctx context.Context) {
	ids, err := d.subscriptionIDs(ctx)
	if err != nil {
		d.logger.Warn("subscription enumeration failed", "err", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	ready := d.readyIDs(ctx, ids)
	metrics.KeepaliveBatches.Inc()
	if len(ready) == 0 {
		return
	}
	d.logger.Debug("ready subscriptions", "count", len(ready), "total", len(ids))

	for _, id := range ready {
		d.fulfillOne(ctx, id)
	}
}

// subscriptionIDs returns the id list, re-enumerating when the cache has
// expired. Enumeration is all or nothing: a partial list would silently
// starve the subscriptions missing from it.
func (d *Driver) subscriptionIDs(ctx context.Context) ([]common.Hash, error) {
	d.mu.Lock()
	if d.ids != nil && d.cfg.Now().Sub(d.fetchedAt) < d.cfg.CacheTTL {
		cached := append([]common.Hash(nil), d.ids...)
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	count, err := d.ka.SubscriptionCount(ctx)
	if err != nil {
		return nil, err
	}
	calls := make([]chain.Call, count)
	for i := uint64(0); i < count; i++ {
		data, err := d.ka.PackSubscriptionIDAt(i)
		if err != nil {
			return nil, err
		}
		calls[i] = chain.Call{To: d.ka.Address(), Data: data}
	}

	results := d.client.ReadCalls(ctx, calls, d.cfg.BatchSize)
	ids := make([]common.Hash, 0, count)
	for _, res := range results {
		if res.Err != nil {
			return nil, res.Err
		}
		id, err := d.ka.UnpackSubscriptionID(res.Output)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	d.mu.Lock()
	d.ids = ids
	d.fetchedAt = d.cfg.Now()
	d.mu.Unlock()
	d.logger.Debug("subscription ids refreshed", "count", len(ids))
	return ids, nil
}

// Invalidate drops the cached id list so the next poll re-enumerates.
func (d *Driver) Invalidate() {
	d.mu.Lock()
	d.ids = nil
	d.fetchedAt = time.Time{}
	d.mu.Unlock()
}

// readyIDs batch-checks readiness and returns the ids the contract says
// can be fulfilled. A failing check drops only its own id.
func (d *Driver) readyIDs(ctx context.Context, ids []common.Hash) []common.Hash {
	calls := make([]chain.Call, len(ids))
	for i, id := range ids {
		data, err := d.ka.PackIsReady(id)
		if err != nil {
			d.logger.Warn("pack isReady failed", "subscription", id, "err", err)
			return nil
		}
		calls[i] = chain.Call{To: d.ka.Address(), Data: data}
	}

	results := d.client.ReadCalls(ctx, calls, d.cfg.BatchSize)
	ready := make([]common.Hash, 0, len(ids))
	for i, res := range results {
		if res.Err != nil {
			d.logger.Debug("readiness check failed", "subscription", ids[i], "err", res.Err)
			continue
		}
		ok, err := d.ka.UnpackIsReady(res.Output)
		if err != nil {
			d.logger.Debug("readiness check failed", "subscription", ids[i], "err", err)
			continue
		}
		if ok {
			ready = append(ready, ids[i])
		}
	}
	return ready
}

// fulfillOne attempts a single fulfillment. The in-flight slot is held
// from acquisition to return; the authoritative re-check, cost read and
// gate run inside the sender's prepare step.
func (d *Driver) fulfillOne(ctx context.Context, id common.Hash) {
	slot, ok := d.busy.TryAcquire(id)
	if !ok {
		return
	}
	defer slot.Release()

	data, err := d.ka.PackFulfill(id)
	if err != nil {
		d.logger.Warn("pack fulfill failed", "subscription", id, "err", err)
		return
	}

	var gateRes *profit.Result
	result, err := d.send.Submit(ctx, "keepalive.fulfill", func(ctx context.Context) (*sender.Prepared, error) {
		ready, err := d.ka.IsReady(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ready {
			return nil, ErrNotReady
		}
		cost, err := d.ka.GetSubscriptionCost(ctx, id)
		if err != nil {
			return nil, err
		}
		res, err := d.gate.Evaluate(ctx, profit.Input{
			Target:        d.ka.Address(),
			From:          d.send.From(),
			Data:          data,
			Reimbursement: cost.Total(),
		})
		if err != nil {
			return nil, err
		}
		gateRes = res
		switch res.Verdict {
		case profit.VerdictUndecidable:
			return nil, ErrWouldRevert
		case profit.VerdictUnprofitable:
			return nil, ErrUnprofitable
		}
		return &sender.Prepared{To: d.ka.Address(), Data: data, GasLimit: res.GasLimit}, nil
	})

	switch {
	case err == nil:
		metrics.KeepaliveFulfilled.Inc()
		d.Invalidate()
		d.logger.Info("subscription fulfilled",
			"subscription", id, "hash", result.Hash, "block", result.Block, "gasUsed", result.GasUsed)
	case errors.Is(err, ErrNotReady):
		metrics.KeepaliveSkipped.Inc()
		d.logger.Debug("subscription no longer ready", "subscription", id)
	case errors.Is(err, ErrWouldRevert):
		metrics.KeepaliveSkipped.Inc()
		d.skipped(id, reasonSimulationFailed)
		d.logger.Debug("fulfill would revert, skipped", "subscription", id)
	case errors.Is(err, ErrUnprofitable):
		metrics.KeepaliveSkipped.Inc()
		d.skipped(id, reasonUnprofitable)
		fields := []any{"subscription", id}
		if gateRes != nil {
			fields = append(fields, gateRes.Fields()...)
		}
		d.logger.Info("fulfillment unprofitable, skipped", fields...)
	default:
		d.logger.Warn("subscription fulfill failed", "subscription", id, "err", err)
	}
}

// skipped announces a non-fulfillment to operators. Successful fulfills
// are announced by the subscription watcher from the on-chain log, which
// also covers fulfillments by other agents.
func (d *Driver) skipped(id common.Hash, reason string) {
	err := d.events.Publish(broadcast.Event{
		Type:      broadcast.TypeKeepAliveSkipped,
		RequestID: id,
		Data:      map[string]any{"reason": reason},
	})
	if err != nil {
		d.logger.Debug("broadcast dropped", "type", broadcast.TypeKeepAliveSkipped, "err", err)
	}
}
