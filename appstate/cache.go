// cache.go implements the snapshot cache: a cheap delta probe against
// two monotonic hub counters decides when a full rebuild is worth the
// RPC spend, a max-staleness fallback forces one regardless, and config
// events trigger a small pricing-only push. A full rebuild gathers every
// section in parallel with per-task fallback, so one failed sub-fetch
// degrades its section to nil instead of aborting the snapshot.
package appstate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bobbyswhip/x402c/broadcast"
	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/identity"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/metrics"
)

const (
	// DefaultProbeInterval is the delta probe cadence.
	DefaultProbeInterval = 5 * time.Second
	// DefaultMaxStale forces a refresh when the snapshot outlives it,
	// even with no counter movement.
	DefaultMaxStale = 30 * time.Second

	refreshTimeout = 2 * time.Minute
	probeTimeout   = 10 * time.Second
	pricingTimeout = 30 * time.Second

	leaderboardSize = 10
	recentProposals = 5
	recentDisputes  = 5
)

// Contracts holds the bound read surfaces the cache aggregates. Hub is
// required; a nil entry disables its section.
type Contracts struct {
	Hub       *contracts.Hub
	KeepAlive *contracts.KeepAlive
	Staking   *contracts.Staking
	Locker    *contracts.Locker
	Governor  *contracts.Governor
	Dispute   *contracts.DisputeModule
	Bazaar    *contracts.Bazaar
	Buyback   *contracts.Buyback
}

// Config tunes the cache.
type Config struct {
	ChainID       uint64
	ProbeInterval time.Duration // 0 for DefaultProbeInterval
	MaxStale      time.Duration // 0 for DefaultMaxStale
	HistoryWindow uint64        // 0 for DefaultHistoryWindow

	// Agent scopes the staking and locker sections to this identity.
	// Zero disables the agent-scoped fields.
	Agent common.Address

	// Resolver supplies owner profiles. Nil leaves them null.
	Resolver identity.Resolver

	Now func() time.Time // nil for time.Now
}

// Cache maintains the current snapshot behind an atomic pointer and
// publishes app_state and pricing_update events on the broadcast hub.
type Cache struct {
	client *chain.Client
	con    Contracts
	events *broadcast.Hub
	cfg    Config
	logger *log.Logger

	snap atomic.Pointer[Snapshot]

	// refreshMu serializes rebuilds and guards the probe memory.
	refreshMu  sync.Mutex
	lastFees   *big.Int
	lastServed *big.Int

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a cache over the given contract surfaces.
func New(client *chain.Client, con Contracts, events *broadcast.Hub, cfg Config, logger *log.Logger) *Cache {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.MaxStale <= 0 {
		cfg.MaxStale = DefaultMaxStale
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		client: client,
		con:    con,
		events: events,
		cfg:    cfg,
		logger: logger.Module("appstate"),
	}
}

// Start builds the first snapshot and launches the probe loop.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return errors.New("appstate: already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.logger.Info("state cache started",
		"probe", c.cfg.ProbeInterval, "maxStale", c.cfg.MaxStale, "window", c.cfg.HistoryWindow)
	c.wg.Add(1)
	go c.loop(c.ctx)
	return nil
}

// Stop halts the loop and waits for any in-flight rebuild to finish.
func (c *Cache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()
	if started {
		c.cancel()
		c.wg.Wait()
	}
}

// Current returns the latest snapshot, nil before the first refresh
// succeeds. The returned snapshot is immutable.
func (c *Cache) Current() *Snapshot {
	return c.snap.Load()
}

// loop probes on the interval. The timer is re-armed only after the
// body returns, so probe cycles and the refreshes they trigger never
// overlap.
func (c *Cache) loop(ctx context.Context) {
	defer c.wg.Done()

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial snapshot refresh failed", "err", err)
	}
	timer := time.NewTimer(c.cfg.ProbeInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.tick(ctx)
			timer.Reset(c.cfg.ProbeInterval)
		}
	}
}

// tick runs one probe cycle: force a refresh past the staleness bound,
// otherwise compare the two monotonic counters against the last rebuild
// and refresh only on movement.
func (c *Cache) tick(ctx context.Context) {
	cur := c.snap.Load()
	if cur == nil || c.cfg.Now().Sub(cur.RefreshedAt) >= c.cfg.MaxStale {
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("snapshot refresh failed", "trigger", "max-stale", "err", err)
		}
		return
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	fees, err := c.con.Hub.ProtocolFees(pctx)
	if err != nil {
		c.logger.Debug("delta probe failed", "err", err)
		return
	}
	stats, err := c.con.Hub.GetHubStats(pctx)
	if err != nil {
		c.logger.Debug("delta probe failed", "err", err)
		return
	}

	c.refreshMu.Lock()
	moved := c.lastFees == nil || c.lastServed == nil ||
		fees.Cmp(c.lastFees) != 0 || stats.ServedRequests.Cmp(c.lastServed) != 0
	c.refreshMu.Unlock()
	if !moved {
		metrics.StateDeltaSkips.Inc()
		return
	}
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("snapshot refresh failed", "trigger", "delta", "err", err)
	}
}

// Refresh rebuilds the snapshot from chain state and swaps it in. Every
// section is gathered on its own goroutine writing its own field; the
// WaitGroup join publishes those writes before assembly reads them.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	head, err := c.client.CurrentBlock(rctx)
	if err != nil {
		return fmt.Errorf("refresh head: %w", err)
	}
	start := time.Now()
	next := &Snapshot{ChainID: c.cfg.ChainID, Block: head}

	var wg sync.WaitGroup
	section := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(rctx); err != nil {
				c.logger.Debug("snapshot section degraded", "section", name, "err", err)
			}
		}()
	}

	var (
		ethPrice *big.Int
		digest   *historyDigest
	)
	section("hub", func(ctx context.Context) error {
		stats, err := c.con.Hub.GetHubStats(ctx)
		if err != nil {
			return err
		}
		next.Hub = newHubSection(stats)
		return nil
	})
	section("eth-price", func(ctx context.Context) error {
		price, err := c.con.Hub.GetEthPrice(ctx)
		if err != nil {
			return err
		}
		ethPrice = price
		return nil
	})
	section("endpoints", func(ctx context.Context) error {
		views, err := c.endpointViews(ctx)
		if err != nil {
			return err
		}
		next.Endpoints = views
		return nil
	})
	section("history", func(ctx context.Context) error {
		d, err := c.scanHistory(ctx, head)
		if err != nil {
			return err
		}
		digest = d
		return nil
	})
	if c.con.Staking != nil {
		section("staking", func(ctx context.Context) error {
			params, err := c.con.Staking.Params(ctx)
			if err != nil {
				return err
			}
			total, err := c.con.Staking.TotalStaked(ctx)
			if err != nil {
				return err
			}
			sec := newStakingSection(params, total)
			if c.cfg.Agent != (common.Address{}) {
				sec.Agent = c.agentStake(ctx)
			}
			next.Staking = sec
			return nil
		})
	}
	if c.con.Locker != nil {
		section("locker", func(ctx context.Context) error {
			stats, err := c.con.Locker.GetStats(ctx)
			if err != nil {
				return err
			}
			sec := newLockerSection(stats)
			if c.cfg.Agent != (common.Address{}) {
				if positions, err := c.con.Locker.Positions(ctx, c.cfg.Agent); err == nil {
					now := c.cfg.Now()
					for _, p := range positions {
						sec.Positions = append(sec.Positions, newLockerPositionView(p, now))
					}
				}
			}
			next.Locker = sec
			return nil
		})
	}
	if c.con.Governor != nil {
		section("governance", func(ctx context.Context) error {
			info, err := c.con.Governor.Info(ctx)
			if err != nil {
				return err
			}
			sec := newGovernanceSection(info)
			if count, err := c.con.Governor.ProposalCount(ctx); err == nil {
				sec.ProposalCount = count
				for i := count; i > 0 && len(sec.Recent) < recentProposals; i-- {
					p, err := c.con.Governor.ProposalAt(ctx, i-1)
					if err != nil {
						break
					}
					sec.Recent = append(sec.Recent, newProposalView(p))
				}
			}
			next.Governance = sec
			return nil
		})
	}
	if c.con.Dispute != nil {
		section("disputes", func(ctx context.Context) error {
			stats, err := c.con.Dispute.GetStats(ctx)
			if err != nil {
				return err
			}
			sec := &DisputeSection{
				Total:         stats.Total,
				Open:          stats.Open,
				Resolved:      stats.Resolved,
				SlashedAmount: stats.SlashedAmount,
			}
			if recent, err := c.con.Dispute.Recent(ctx, recentDisputes); err == nil {
				for _, d := range recent {
					sec.Recent = append(sec.Recent, newDisputeView(d))
				}
			}
			next.Disputes = sec
			return nil
		})
	}
	if c.con.Bazaar != nil {
		section("bazaar", func(ctx context.Context) error {
			resources, err := c.con.Bazaar.Resources(ctx)
			if err != nil {
				return err
			}
			listings := make([]BazaarListing, 0, len(resources))
			for _, r := range resources {
				listings = append(listings, newBazaarListing(r))
			}
			next.Bazaar = listings
			return nil
		})
	}
	if c.con.Buyback != nil {
		section("buyback", func(ctx context.Context) error {
			stats, err := c.con.Buyback.GetStats(ctx)
			if err != nil {
				return err
			}
			next.Buyback = newBuybackSection(stats)
			return nil
		})
	}
	if c.con.KeepAlive != nil {
		section("keepalive", func(ctx context.Context) error {
			stats, err := c.con.KeepAlive.GetStats(ctx)
			if err != nil {
				return err
			}
			next.KeepAlive = newKeepAliveSection(stats)
			return nil
		})
	}
	wg.Wait()
	if err := rctx.Err(); err != nil {
		// Shutdown or timeout mid-gather. The sections that did land
		// are discarded; the previous snapshot stays current.
		return fmt.Errorf("refresh aborted: %w", err)
	}

	if next.Hub != nil {
		next.Hub.EthPrice = ethPrice
		next.Hub.EthPriceUSD = FormatUSDC(ethPrice)
	}
	if digest != nil {
		for i := range next.Endpoints {
			next.Endpoints[i].Fulfillments = digest.endpointFulfillments[next.Endpoints[i].ID]
		}
		next.Leaderboard = c.leaderboard(rctx, digest)
		next.RecentRequests = digest.recent
	}
	if next.Endpoints != nil {
		next.Pricing = pricingFromViews(ethPrice, next.Endpoints)
	}
	next.RefreshedAt = c.cfg.Now()

	c.snap.Store(next)
	if next.Hub != nil {
		c.lastFees = next.Hub.ProtocolFees
		c.lastServed = next.Hub.ServedRequests
	}
	metrics.StateRefreshes.Inc()
	metrics.StateRefreshTime.Observe(float64(time.Since(start).Milliseconds()))

	c.publish(broadcast.Event{Type: broadcast.TypeAppState, Data: map[string]any{"snapshot": next}})
	c.logger.Info("snapshot refreshed",
		"block", head, "endpoints", len(next.Endpoints), "recent", len(next.RecentRequests),
		"took", time.Since(start))
	return nil
}

// endpointViews enumerates the registered endpoints and enriches each
// with pricing and owner identity. The enumeration itself is all or
// nothing; enrichment failures leave null fields on the affected view.
func (c *Cache) endpointViews(ctx context.Context) ([]EndpointView, error) {
	count, err := c.con.Hub.EndpointCount(ctx)
	if err != nil {
		return nil, err
	}
	now := c.cfg.Now()
	views := make([]EndpointView, 0, count)
	for i := uint64(0); i < count; i++ {
		id, err := c.con.Hub.EndpointIDAt(ctx, i)
		if err != nil {
			return nil, err
		}
		ep, err := c.con.Hub.GetEndpoint(ctx, id)
		if err != nil {
			return nil, err
		}
		v := newEndpointView(ep, now)
		if price, err := c.con.Hub.GetEndpointPrice(ctx, id); err == nil {
			v.Price = price
			v.PriceUSD = FormatUSDC(price)
		}
		if ep.EstimatedGasCost != nil && ep.EstimatedGasCost.Sign() > 0 {
			if units, err := c.con.Hub.EstimateGasReimbursement(ctx, ep.EstimatedGasCost); err == nil {
				v.GasCost = units
			}
		}
		views = append(views, v)
	}
	c.decorateOwners(ctx, views)
	return views, nil
}

// decorateOwners batch-resolves owner profiles and fetches per-owner
// hub and staking stats. Every failure here is soft: the endpoint keeps
// null owner fields.
func (c *Cache) decorateOwners(ctx context.Context, views []EndpointView) {
	owners := make([]common.Address, 0, len(views))
	seen := make(map[common.Address]bool, len(views))
	for i := range views {
		if o := views[i].Owner; o != (common.Address{}) && !seen[o] {
			seen[o] = true
			owners = append(owners, o)
		}
	}
	if len(owners) == 0 {
		return
	}

	var profiles map[common.Address]identity.Profile
	if c.cfg.Resolver != nil {
		var err error
		profiles, err = c.cfg.Resolver.Resolve(ctx, owners)
		if err != nil {
			c.logger.Debug("owner profiles unavailable", "owners", len(owners), "err", err)
			profiles = nil
		}
	}
	stats := make(map[common.Address]*AgentStatsView, len(owners))
	reps := make(map[common.Address]*big.Int, len(owners))
	for _, owner := range owners {
		if s, err := c.con.Hub.GetAgentStats(ctx, owner); err == nil {
			stats[owner] = newAgentStatsView(s)
		}
		if c.con.Staking != nil {
			if rep, err := c.con.Staking.GetReputation(ctx, owner); err == nil {
				reps[owner] = rep
			}
		}
	}
	for i := range views {
		owner := views[i].Owner
		if p, ok := profiles[owner]; ok {
			profile := p
			views[i].OwnerProfile = &profile
		}
		views[i].OwnerStats = stats[owner]
		views[i].OwnerReputation = reps[owner]
	}
}

// agentStake reads this agent's staking position. A failed base read
// returns nil; the decorations degrade individually.
func (c *Cache) agentStake(ctx context.Context) *AgentStake {
	info, err := c.con.Staking.GetStakeInfo(ctx, c.cfg.Agent)
	if err != nil {
		c.logger.Debug("agent stake unavailable", "err", err)
		return nil
	}
	stake := &AgentStake{
		Address:        c.cfg.Agent,
		Staked:         info.Amount,
		PendingUnstake: info.PendingUnstake,
	}
	if rewards, err := c.con.Staking.PendingRewards(ctx, c.cfg.Agent); err == nil {
		stake.PendingRewards = rewards
	}
	if rep, err := c.con.Staking.GetReputation(ctx, c.cfg.Agent); err == nil {
		stake.Reputation = rep
	}
	if ok, err := c.con.Staking.IsEligibleAgent(ctx, c.cfg.Agent); err == nil {
		stake.Eligible = ok
	}
	return stake
}

func pricingFromViews(ethPrice *big.Int, views []EndpointView) *PricingSnapshot {
	p := &PricingSnapshot{
		EthPrice:  ethPrice,
		Endpoints: make(map[common.Hash]EndpointPricing, len(views)),
	}
	for i := range views {
		p.Endpoints[views[i].ID] = EndpointPricing{
			EndpointID:          views[i].ID,
			EstimatedGasCostWei: views[i].EstimatedGasCost,
			BaseCostUnits:       views[i].BaseCost,
		}
	}
	return p
}

// PricingRefresh fetches only the ETH price and the per-endpoint cost
// basis and pushes a pricing_update. Clients recompute totals locally,
// which keeps a price tick from costing a full snapshot rebuild. The
// current snapshot, when present, is re-issued with the new pricing but
// keeps its refresh stamp; its other sections are unchanged chain state.
func (c *Cache) PricingRefresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, pricingTimeout)
	defer cancel()

	price, err := c.con.Hub.GetEthPrice(pctx)
	if err != nil {
		return fmt.Errorf("pricing refresh: %w", err)
	}
	count, err := c.con.Hub.EndpointCount(pctx)
	if err != nil {
		return fmt.Errorf("pricing refresh: %w", err)
	}
	p := &PricingSnapshot{
		EthPrice:  price,
		Endpoints: make(map[common.Hash]EndpointPricing, count),
	}
	for i := uint64(0); i < count; i++ {
		id, err := c.con.Hub.EndpointIDAt(pctx, i)
		if err != nil {
			return fmt.Errorf("pricing refresh: %w", err)
		}
		ep, err := c.con.Hub.GetEndpoint(pctx, id)
		if err != nil {
			return fmt.Errorf("pricing refresh: %w", err)
		}
		p.Endpoints[id] = EndpointPricing{
			EndpointID:          id,
			EstimatedGasCostWei: ep.EstimatedGasCost,
			BaseCostUnits:       ep.BaseCost,
		}
	}

	if cur := c.snap.Load(); cur != nil {
		clone := *cur
		clone.Pricing = p
		c.snap.Store(&clone)
	}
	c.publish(broadcast.Event{Type: broadcast.TypePricingUpdate, Data: map[string]any{"pricing": p}})
	c.logger.Info("pricing update pushed", "endpoints", len(p.Endpoints), "ethPrice", price)
	return nil
}

// OnConfigChange is wired as the config watcher's change callback. The
// watcher dispatches on its poll goroutine, so the fetch moves to its
// own goroutine immediately.
func (c *Cache) OnConfigChange(name string) {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.logger.Debug("pricing config changed", "event", name)
		if err := c.PricingRefresh(ctx); err != nil {
			c.logger.Warn("pricing refresh failed", "event", name, "err", err)
		}
	}()
}

func (c *Cache) publish(ev broadcast.Event) {
	if err := c.events.Publish(ev); err != nil {
		c.logger.Debug("broadcast dropped", "type", ev.Type, "err", err)
	}
}
