// watcher.go implements the chunked event poller that feeds the agent's
// pipelines. Each watcher owns one cursor label, polls the chain head on a
// fixed cadence and scans forward in bounded block chunks, dispatching
// every matching log through a single callback. The cursor persists only
// after a full range scans cleanly, so a failed poll rescans the same
// range and downstream consumers must absorb duplicate dispatches.
//
// The next tick is armed only after the poll body returns. A slow RPC
// stretches the cadence instead of stacking overlapping polls.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/cursor"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/metrics"
)

// Poll cadence and error policy.
const (
	// DefaultInterval matches the L2 block time.
	DefaultInterval = 2 * time.Second
	// DefaultMaxInterval caps backoff.
	DefaultMaxInterval = 30 * time.Second
	// DefaultLookback is how far behind the head a fresh or reset
	// cursor starts scanning.
	DefaultLookback = 1000

	// backoffAfter is the consecutive-error count before the first
	// interval doubling. Later doublings come every backoffStep errors.
	backoffAfter = 3
	backoffStep  = 2
	// resetAfter is the consecutive-error count that zeroes the cursor,
	// forcing a lookback rescan on the next success.
	resetAfter = 10
	// heartbeatEvery is the successful-poll count between heartbeat
	// logs.
	heartbeatEvery = 100
)

// ErrNoEvents means the watcher was configured without anything to watch.
var ErrNoEvents = errors.New("watcher: no events configured")

// Event pairs an event name with its topic hash.
type Event struct {
	Name  string
	Topic common.Hash
}

// DispatchFunc receives every non-removed log the watcher finds. It runs
// on the poll goroutine; a slow dispatch stretches the poll cadence.
type DispatchFunc func(name string, lg types.Log)

// Config describes one watcher.
type Config struct {
	Label    string // cursor label, one per watcher
	Contract common.Address
	Events   []Event
	Dispatch DispatchFunc

	Interval    time.Duration // 0 for DefaultInterval
	MaxInterval time.Duration // 0 for DefaultMaxInterval
	ChunkSize   uint64        // blocks per scan chunk, 0 for chain.MaxLogRange
	Lookback    uint64        // 0 for DefaultLookback
}

// Status is a snapshot of the watcher's poll state.
type Status struct {
	Label     string
	LastBlock uint64
	Interval  time.Duration
	ErrStreak int
	Polls     uint64
}

// Degraded reports whether the watcher is currently backed off.
func (s Status) Degraded() bool { return s.ErrStreak >= backoffAfter }

// Unhealthy reports whether the watcher has lost its cursor to repeated
// failures.
func (s Status) Unhealthy() bool { return s.ErrStreak >= resetAfter }

// Watcher polls one contract for one set of events.
type Watcher struct {
	client *chain.Client
	store  *cursor.Store
	cfg    Config
	logger *log.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	lastBlock   uint64
	streak      int
	sinceDouble int
	interval    time.Duration
	polls       uint64
	started     bool
	stopped     bool
}

// New creates a watcher from cfg, filling zero fields with defaults.
func New(client *chain.Client, store *cursor.Store, cfg Config, logger *log.Logger) (*Watcher, error) {
	if len(cfg.Events) == 0 {
		return nil, ErrNoEvents
	}
	if cfg.Dispatch == nil {
		return nil, errors.New("watcher: nil dispatch")
	}
	if cfg.Label == "" {
		return nil, errors.New("watcher: empty cursor label")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if cfg.ChunkSize == 0 || cfg.ChunkSize > chain.MaxLogRange {
		cfg.ChunkSize = chain.MaxLogRange
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = DefaultLookback
	}
	return &Watcher{
		client:   client,
		store:    store,
		cfg:      cfg,
		logger:   logger.Module("watcher").With("label", cfg.Label),
		stopCh:   make(chan struct{}),
		interval: cfg.Interval,
	}, nil
}

// Start loads the cursor and launches the poll loop. An unreadable cursor
// is logged and treated as absent, which rescans the lookback window.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return errors.New("watcher: already started")
	}
	w.started = true
	w.mu.Unlock()

	block, err := w.store.Load(w.cfg.Label)
	if err != nil {
		w.logger.Warn("cursor unreadable, rescanning lookback window", "err", err)
		block = new(big.Int)
	}
	w.mu.Lock()
	w.lastBlock = block.Uint64()
	last := w.lastBlock
	w.mu.Unlock()

	w.logger.Info("watcher started",
		"contract", w.cfg.Contract, "events", len(w.cfg.Events), "cursor", last)
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop halts the poll loop and waits for an in-flight poll to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	close(w.stopCh)
	if started {
		w.wg.Wait()
	}
}

// Status returns a snapshot of the poll state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Label:     w.cfg.Label,
		LastBlock: w.lastBlock,
		Interval:  w.interval,
		ErrStreak: w.streak,
		Polls:     w.polls,
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	w.poll(ctx)
	timer := time.NewTimer(w.currentInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-timer.C:
			w.poll(ctx)
			timer.Reset(w.currentInterval())
		}
	}
}

func (w *Watcher) currentInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interval
}

// poll scans everything between the cursor and the current head.
func (w *Watcher) poll(ctx context.Context) {
	metrics.WatcherPolls.Inc()

	current, err := w.client.CurrentBlock(ctx)
	if err != nil {
		w.fail(err)
		return
	}
	metrics.ChainHeight.Set(int64(current))

	w.mu.Lock()
	last := w.lastBlock
	w.mu.Unlock()

	if current <= last {
		w.success(current)
		return
	}

	from := last + 1
	if last == 0 {
		from = lookbackStart(current, w.cfg.Lookback)
	}
	if err := w.scan(ctx, from, current); err != nil {
		w.fail(err)
		return
	}

	w.mu.Lock()
	w.lastBlock = current
	w.mu.Unlock()
	if err := w.store.Save(w.cfg.Label, new(big.Int).SetUint64(current)); err != nil {
		// A stale cursor only costs a rescan after restart.
		w.logger.Warn("cursor save failed", "block", current, "err", err)
	}
	w.success(current)
}

// scan fetches and dispatches all configured events in [from, to], one
// bounded chunk per event per call.
func (w *Watcher) scan(ctx context.Context, from, to uint64) error {
	for start := from; start <= to; start += w.cfg.ChunkSize {
		end := start + w.cfg.ChunkSize - 1
		if end > to {
			end = to
		}
		for _, ev := range w.cfg.Events {
			logs, err := w.client.Logs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(start),
				ToBlock:   new(big.Int).SetUint64(end),
				Addresses: []common.Address{w.cfg.Contract},
				Topics:    [][]common.Hash{{ev.Topic}},
			})
			if err != nil {
				return fmt.Errorf("scan %s [%d, %d]: %w", ev.Name, start, end, err)
			}
			dispatched := 0
			for i := range logs {
				if logs[i].Removed {
					continue
				}
				w.cfg.Dispatch(ev.Name, logs[i])
				dispatched++
			}
			if dispatched > 0 {
				metrics.WatcherEvents.Add(int64(dispatched))
				metrics.WatcherEventRate.Mark(int64(dispatched))
				w.logger.Debug("events dispatched",
					"event", ev.Name, "count", dispatched, "from", start, "to", end)
			}
		}
	}
	return nil
}

func (w *Watcher) success(current uint64) {
	w.mu.Lock()
	recovered := w.interval != w.cfg.Interval
	w.streak = 0
	w.sinceDouble = 0
	w.interval = w.cfg.Interval
	w.polls++
	polls := w.polls
	w.mu.Unlock()

	if recovered {
		w.logger.Info("watcher recovered", "block", current)
	}
	if polls%heartbeatEvery == 0 {
		w.logger.Info("watcher heartbeat", "block", current, "polls", polls)
	}
}

func (w *Watcher) fail(err error) {
	metrics.WatcherErrors.Inc()

	w.mu.Lock()
	w.streak++
	streak := w.streak
	w.sinceDouble++
	// The first doubling waits for backoffAfter errors, later ones for
	// backoffStep, so a flapping node backs off steadily instead of
	// jumping straight to the ceiling.
	need := backoffStep
	if w.interval == w.cfg.Interval {
		need = backoffAfter
	}
	if w.sinceDouble >= need {
		next := w.interval * 2
		if next > w.cfg.MaxInterval {
			next = w.cfg.MaxInterval
		}
		w.interval = next
		w.sinceDouble = 0
	}
	interval := w.interval
	reset := streak >= resetAfter && w.lastBlock != 0
	if reset {
		w.lastBlock = 0
	}
	w.mu.Unlock()

	w.logger.Warn("poll failed", "streak", streak, "interval", interval, "err", err)
	if reset {
		metrics.WatcherCursorResets.Inc()
		if err := w.store.Save(w.cfg.Label, new(big.Int)); err != nil {
			w.logger.Warn("cursor reset save failed", "err", err)
		}
		w.logger.Error("cursor reset after repeated failures",
			"streak", streak, "lookback", w.cfg.Lookback)
	}
}

func lookbackStart(current, lookback uint64) uint64 {
	if current <= lookback {
		return 0
	}
	return current - lookback
}
