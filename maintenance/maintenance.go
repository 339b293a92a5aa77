// maintenance.go implements the background housekeeping loops: protocol
// fee flush, locker reward distribution and the hook manager's rebalance
// pass. Each loop runs on its own self-rescheduling ticker with its own
// error sink, so a failing tick never touches the other loops or the
// process. Every tick is bounded by a timeout; a hung RPC aborts instead
// of wedging the loop. The stale sweeper lives in sweeper.go.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/metrics"
	"github.com/bobbyswhip/x402c/sender"
)

const (
	// DefaultSweepInterval is the stale sweeper's rescan cadence.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultFlushInterval is the protocol fee flush cadence.
	DefaultFlushInterval = 60 * time.Minute
	// DefaultDistributeInterval is the reward distribution cadence.
	DefaultDistributeInterval = 5 * time.Minute
	// DefaultHookInterval is the hook manager cadence. Hooks also run
	// once at startup.
	DefaultHookInterval = 60 * time.Minute

	// maxTickTimeout caps how long one tick may run regardless of the
	// loop interval.
	maxTickTimeout = 5 * time.Minute
)

// ErrWouldRevert aborts a maintenance write whose simulation reverted,
// usually because another agent already performed it.
var ErrWouldRevert = errors.New("maintenance: transaction would revert")

// Config tunes the maintenance loops. Zero values take the defaults.
type Config struct {
	FlushInterval      time.Duration
	DistributeInterval time.Duration
	HookInterval       time.Duration
}

// Loops runs the flush, distribution and hook loops.
type Loops struct {
	client *chain.Client
	hub    *contracts.Hub
	locker *contracts.Locker // nil disables reward distribution
	send   *sender.Sender
	cfg    Config
	logger *log.Logger

	hooks []Hook

	mu      sync.Mutex
	started bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the loops. A nil locker disables the distribution loop.
func New(client *chain.Client, hub *contracts.Hub, locker *contracts.Locker, send *sender.Sender, cfg Config, logger *log.Logger) *Loops {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.DistributeInterval <= 0 {
		cfg.DistributeInterval = DefaultDistributeInterval
	}
	if cfg.HookInterval <= 0 {
		cfg.HookInterval = DefaultHookInterval
	}
	return &Loops{
		client: client,
		hub:    hub,
		locker: locker,
		send:   send,
		cfg:    cfg,
		logger: logger.Module("maintenance"),
		stopCh: make(chan struct{}),
	}
}

// AddHook registers a rebalance hook. Register everything before Start.
func (l *Loops) AddHook(h Hook) {
	l.hooks = append(l.hooks, h)
}

// Start launches one goroutine per loop. The hook manager runs its first
// pass immediately; the other loops wait out their first interval.
func (l *Loops) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return errors.New("maintenance: already started")
	}
	l.started = true
	l.mu.Unlock()

	l.logger.Info("maintenance loops started",
		"flushInterval", l.cfg.FlushInterval,
		"distributeInterval", l.cfg.DistributeInterval,
		"hookInterval", l.cfg.HookInterval,
		"hooks", len(l.hooks))

	l.wg.Add(3)
	go l.run(ctx, "buyback-flush", l.cfg.FlushInterval, l.flushTick, false)
	go l.run(ctx, "reward-distribution", l.cfg.DistributeInterval, l.distributeTick, false)
	go l.run(ctx, "hook-manager", l.cfg.HookInterval, l.hookTick, true)
	return nil
}

// Stop halts every loop and waits for running ticks to finish.
func (l *Loops) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	started := l.started
	l.mu.Unlock()
	close(l.stopCh)
	if started {
		l.wg.Wait()
	}
}

// run drives one loop. The timer is re-armed only after the tick body
// returns, so iterations of the same loop never overlap.
func (l *Loops) run(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error, immediate bool) {
	defer l.wg.Done()

	if immediate {
		l.runTick(ctx, name, interval, tick)
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-timer.C:
			l.runTick(ctx, name, interval, tick)
			timer.Reset(interval)
		}
	}
}

func (l *Loops) runTick(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	timeout := interval
	if timeout > maxTickTimeout {
		timeout = maxTickTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	metrics.MaintenanceTicks.Inc()
	if err := tick(tctx); err != nil {
		metrics.MaintenanceErrors.Inc()
		l.logger.Warn("maintenance tick failed", "loop", name, "err", err)
	}
}

// flushTick moves accumulated protocol fees into the buyback module when
// there is anything to move.
func (l *Loops) flushTick(ctx context.Context) error {
	fees, err := l.hub.ProtocolFees(ctx)
	if err != nil {
		return err
	}
	if fees.Sign() == 0 {
		return nil
	}
	data, err := l.hub.PackFlushProtocolFees()
	if err != nil {
		return err
	}
	result, err := submitBuffered(ctx, l.client, l.send, "flushProtocolFees", l.hub.Address(), data)
	switch {
	case err == nil:
		l.logger.Info("protocol fees flushed", "fees", fees, "hash", result.Hash)
	case errors.Is(err, ErrWouldRevert):
		// Usually another agent flushed between the read and the send.
		l.logger.Debug("fee flush would revert, skipped")
	case errors.Is(err, sender.ErrWritesDisabled):
		l.logger.Debug("fee flush skipped, writes disabled", "fees", fees)
	default:
		return err
	}
	return nil
}

// distributeTick pushes the locker's pending reward pot to stakers.
func (l *Loops) distributeTick(ctx context.Context) error {
	if l.locker == nil {
		return nil
	}
	stats, err := l.locker.GetStats(ctx)
	if err != nil {
		return err
	}
	if stats.PendingDistribution.Sign() == 0 {
		return nil
	}
	data, err := l.locker.PackDistribute()
	if err != nil {
		return err
	}
	result, err := submitBuffered(ctx, l.client, l.send, "locker.distribute", l.locker.Address(), data)
	switch {
	case err == nil:
		l.logger.Info("locker rewards distributed",
			"pending", stats.PendingDistribution, "hash", result.Hash)
	case errors.Is(err, ErrWouldRevert):
		l.logger.Debug("distribution would revert, skipped")
	case errors.Is(err, sender.ErrWritesDisabled):
		l.logger.Debug("distribution skipped, writes disabled")
	default:
		return err
	}
	return nil
}

// hookTick runs every registered hook, isolating their failures from
// each other.
func (l *Loops) hookTick(ctx context.Context) error {
	for _, h := range l.hooks {
		if err := h.Run(ctx); err != nil {
			metrics.MaintenanceErrors.Inc()
			l.logger.Warn("rebalance hook failed", "hook", h.Name(), "err", err)
		}
	}
	return nil
}

// submitBuffered queues a maintenance write with an estimate-and-buffer
// gas limit. Maintenance writes skip the profit gate: they move protocol
// funds, not agent revenue.
func submitBuffered(ctx context.Context, client *chain.Client, send *sender.Sender, label string, to common.Address, data []byte) (*sender.Result, error) {
	return send.Submit(ctx, label, func(ctx context.Context) (*sender.Prepared, error) {
		raw, err := client.EstimateGas(ctx, send.From(), to, data, nil)
		if err != nil {
			if chain.IsRevert(err) {
				return nil, ErrWouldRevert
			}
			return nil, err
		}
		return &sender.Prepared{To: to, Data: data, GasLimit: sender.BufferGas(raw)}, nil
	})
}
