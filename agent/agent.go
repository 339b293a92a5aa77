// Package agent assembles the fulfillment runtime. One constructor dials
// the chain, binds every configured contract surface and builds the
// component stack over a shared client; a priority-ordered supervisor
// starts the services in dependency order and stops them in reverse.
// Operators embed the Agent, bind their upstreams on the registry before
// Start and consume events off the broadcast hub.
package agent

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/bobbyswhip/x402c/appstate"
	"github.com/bobbyswhip/x402c/broadcast"
	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/config"
	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/cursor"
	"github.com/bobbyswhip/x402c/identity"
	"github.com/bobbyswhip/x402c/keepalive"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/maintenance"
	"github.com/bobbyswhip/x402c/metrics"
	"github.com/bobbyswhip/x402c/ops"
	"github.com/bobbyswhip/x402c/profit"
	"github.com/bobbyswhip/x402c/router"
	"github.com/bobbyswhip/x402c/sender"
	"github.com/bobbyswhip/x402c/watcher"
)

// Version is stamped by the main package at build time.
var Version = "dev"

// Start priorities. Lower starts first; stop runs the reverse, so the
// observability surface goes down before the loops it watches and the
// sender outlives everything that submits through it.
const (
	prioSender      = 10
	prioRouter      = 20
	prioWatchers    = 30
	prioKeepAlive   = 40
	prioMaintenance = 50
	prioAppState    = 60
	prioOps         = 70
)

// chainCheckTimeout bounds the health probe's head read.
const chainCheckTimeout = 5 * time.Second

// staleSnapshotAfter is the snapshot age at which the health surface
// reports the state cache degraded.
const staleSnapshotAfter = 2 * time.Minute

// ErrNotConfigured is returned by operator actions whose contract
// address was not supplied through the environment.
var ErrNotConfigured = errors.New("agent: contract not configured")

// Options carries the pluggable pieces a deployment supplies in code
// rather than through the environment.
type Options struct {
	// Resolver decorates snapshot endpoint owners with identity
	// profiles. Nil leaves the profile fields null.
	Resolver identity.Resolver
}

// Agent owns the component stack and the supervisor that sequences it.
type Agent struct {
	cfg    config.Config
	logger *log.Logger

	client *chain.Client
	store  *cursor.Store

	hub     *contracts.Hub
	ka      *contracts.KeepAlive
	staking *contracts.Staking
	usdc    *contracts.ERC20
	token   *contracts.ERC20
	swap    *contracts.SwapRouter

	send     *sender.Sender
	gate     *profit.Gate
	events   *broadcast.Hub
	registry *router.Registry
	router   *router.Router
	cache    *appstate.Cache
	health   *ops.HealthChecker
	system   *metrics.SystemMetrics

	sup *Supervisor

	mu      sync.Mutex
	started bool
	stopped bool
}

// New dials the chain and builds the full stack from cfg. The returned
// agent is not running yet; bind upstreams on Registry, then Start.
func New(ctx context.Context, cfg config.Config, opts Options, logger *log.Logger) (*Agent, error) {
	if logger == nil {
		logger = log.Default()
	}
	if !config.HasContract(cfg.Hub) {
		return nil, errors.New("agent: hub contract address not configured")
	}
	key, err := cfg.SignerKey()
	if err != nil && !errors.Is(err, config.ErrNoKey) {
		return nil, fmt.Errorf("agent: signer key: %w", err)
	}

	client, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("agent: dial %s: %w", cfg.RPCURL, err)
	}
	a, err := build(client, cfg, opts, key, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return a, nil
}

// build wires the stack over an already-connected client. Tests enter
// here with an in-memory backend.
func build(client *chain.Client, cfg config.Config, opts Options, key *ecdsa.PrivateKey, logger *log.Logger) (*Agent, error) {
	store, err := cursor.NewStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("agent: cursor store: %w", err)
	}

	hub := contracts.NewHub(cfg.Hub, client)
	var (
		ka      *contracts.KeepAlive
		staking *contracts.Staking
		usdc    *contracts.ERC20
		token   *contracts.ERC20
		oracle  *contracts.Oracle
		swap    *contracts.SwapRouter
		locker  *contracts.Locker
		gov     *contracts.Governor
		dispute *contracts.DisputeModule
		bazaar  *contracts.Bazaar
		buyback *contracts.Buyback
	)
	if config.HasContract(cfg.Keepalive) {
		ka = contracts.NewKeepAlive(cfg.Keepalive, client)
	}
	if config.HasContract(cfg.Staking) {
		staking = contracts.NewStaking(cfg.Staking, client)
	}
	if config.HasContract(cfg.USDC) {
		usdc = contracts.NewERC20(cfg.USDC, client)
	}
	if config.HasContract(cfg.Token) {
		token = contracts.NewERC20(cfg.Token, client)
	}
	if config.HasContract(cfg.PriceOracle) {
		oracle = contracts.NewOracle(cfg.PriceOracle, client)
	}
	if config.HasContract(cfg.SwapRouter) {
		swap = contracts.NewSwapRouter(cfg.SwapRouter)
	}
	if config.HasContract(cfg.Locker) {
		locker = contracts.NewLocker(cfg.Locker, client)
	}
	if config.HasContract(cfg.Governor) {
		gov = contracts.NewGovernor(cfg.Governor, client)
	}
	if config.HasContract(cfg.DisputeModule) {
		dispute = contracts.NewDisputeModule(cfg.DisputeModule, client)
	}
	if config.HasContract(cfg.Bazaar) {
		bazaar = contracts.NewBazaar(cfg.Bazaar, client)
	}
	if config.HasContract(cfg.BuybackModule) {
		buyback = contracts.NewBuyback(cfg.BuybackModule, client)
	}

	send := sender.New(client, sender.Config{
		ChainID: new(big.Int).SetUint64(cfg.ChainID),
		Key:     key,
	}, logger)
	gate := profit.New(client, profit.Config{EthPrice: ethPriceSource(hub, oracle)})
	events := broadcast.NewHub(broadcast.Config{})
	registry := router.NewRegistry()
	rt := router.New(client, hub, send, gate, registry, events, router.Config{}, logger)

	a := &Agent{
		cfg:      cfg,
		logger:   logger.Module("agent"),
		client:   client,
		store:    store,
		hub:      hub,
		ka:       ka,
		staking:  staking,
		usdc:     usdc,
		token:    token,
		swap:     swap,
		send:     send,
		gate:     gate,
		events:   events,
		registry: registry,
		router:   rt,
		health:   ops.NewHealthChecker(),
		system:   metrics.NewSystemMetrics(),
		sup:      NewSupervisor(logger),
	}

	reqW, err := router.NewRequestWatcher(client, store, hub, rt, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: request watcher: %w", err)
	}
	fbW, err := router.NewFallbackWatcher(client, store, hub, rt, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: fallback watcher: %w", err)
	}
	sweep, err := maintenance.NewSweeper(client, store, hub, rt, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: sweeper: %w", err)
	}

	loops := maintenance.New(client, hub, locker, send, maintenance.Config{}, logger)
	if staking != nil {
		loops.AddHook(maintenance.NewStakeCompounder(client, staking, send, logger))
	}

	a.cache = appstate.New(client, appstate.Contracts{
		Hub:       hub,
		KeepAlive: ka,
		Staking:   staking,
		Locker:    locker,
		Governor:  gov,
		Dispute:   dispute,
		Bazaar:    bazaar,
		Buyback:   buyback,
	}, events, appstate.Config{
		ChainID:  cfg.ChainID,
		Agent:    cfg.SignerAddress(),
		Resolver: opts.Resolver,
	}, logger)

	cfgW, err := watcher.NewConfigWatcher(client, store, hub, a.cache.OnConfigChange, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: config watcher: %w", err)
	}

	var (
		drv  *keepalive.Driver
		subW *watcher.Watcher
	)
	if ka != nil {
		drv = keepalive.New(client, ka, send, gate, events, keepalive.Config{}, logger)
		subW, err = keepalive.NewSubscriptionWatcher(client, store, ka, events, logger)
		if err != nil {
			return nil, fmt.Errorf("agent: subscription watcher: %w", err)
		}
	}

	a.registerServices(reqW, fbW, sweep, loops, cfgW, drv, subW)
	a.registerHealth(reqW, fbW, sweep, cfgW, subW)
	a.wireSystemMetrics()
	return a, nil
}

// registerServices hands every component to the supervisor. Registration
// cannot collide on names here, so errors are ignored.
func (a *Agent) registerServices(reqW, fbW, sweep *watcher.Watcher, loops *maintenance.Loops, cfgW *watcher.Watcher, drv *keepalive.Driver, subW *watcher.Watcher) {
	_ = a.sup.Register(svc{"sender", func(context.Context) error { a.send.Start(); return nil }, a.send.Stop}, prioSender)
	_ = a.sup.Register(svc{"router", a.router.Start, a.router.Stop}, prioRouter)
	_ = a.sup.Register(svc{cursor.LabelHubWatcher, reqW.Start, reqW.Stop}, prioWatchers)
	_ = a.sup.Register(svc{cursor.LabelHubFallback, fbW.Start, fbW.Stop}, prioWatchers)

	if drv != nil {
		_ = a.sup.Register(svc{"keepalive", drv.Start, drv.Stop}, prioKeepAlive)
		_ = a.sup.Register(svc{cursor.LabelKeepAliveWatcher, subW.Start, subW.Stop}, prioKeepAlive)
	}

	_ = a.sup.Register(svc{"maintenance", loops.Start, loops.Stop}, prioMaintenance)
	_ = a.sup.Register(svc{cursor.LabelHubSweeper, sweep.Start, sweep.Stop}, prioMaintenance)
	_ = a.sup.Register(svc{"appstate", a.cache.Start, a.cache.Stop}, prioAppState)
	_ = a.sup.Register(svc{cursor.LabelHubConfig, cfgW.Start, cfgW.Stop}, prioAppState)

	if a.cfg.OpsAddr != "" {
		srv := ops.New(ops.Config{
			Addr:    a.cfg.OpsAddr,
			Version: Version,
			Health:  a.health,
			System:  a.system,
		}, a.logger)
		_ = a.sup.Register(svc{"ops", srv.Start, srv.Stop}, prioOps)
	}
}

// registerHealth builds the /health breakdown: the RPC connection, every
// poller, the state cache and the sender's write path.
func (a *Agent) registerHealth(reqW, fbW, sweep, cfgW, subW *watcher.Watcher) {
	a.health.Register("chain", chainChecker(a.client))
	a.health.Register("sender", senderChecker(a.cfg.WritesEnabled()))
	a.health.Register(cursor.LabelHubWatcher, watcherChecker(reqW))
	a.health.Register(cursor.LabelHubFallback, watcherChecker(fbW))
	a.health.Register(cursor.LabelHubSweeper, watcherChecker(sweep))
	a.health.Register(cursor.LabelHubConfig, watcherChecker(cfgW))
	if subW != nil {
		a.health.Register(cursor.LabelKeepAliveWatcher, watcherChecker(subW))
	}
	a.health.Register("appstate", cacheChecker(a.cache))
}

// wireSystemMetrics feeds the diagnostics document from the standard
// gauges and the state cache.
func (a *Agent) wireSystemMetrics() {
	a.system.SetBlockHeightFunc(func() uint64 {
		return uint64(metrics.ChainHeight.Value())
	})
	a.system.SetInFlightFunc(func() int {
		return int(metrics.RouterInFlight.Value())
	})
	a.system.SetCacheAgeFunc(func() float64 {
		snap := a.cache.Current()
		if snap == nil {
			return 0
		}
		return float64(snap.AgeMs(time.Now())) / 1000
	})
}

// ethPriceSource prefers the hub's proxied oracle read and falls back to
// the oracle contract directly when one is bound.
func ethPriceSource(hub *contracts.Hub, oracle *contracts.Oracle) profit.PriceFunc {
	return func(ctx context.Context) (*big.Int, error) {
		price, err := hub.GetEthPrice(ctx)
		if err == nil {
			return price, nil
		}
		if oracle == nil {
			return nil, err
		}
		obs, oerr := oracle.LatestPrice(ctx)
		if oerr != nil {
			return nil, err
		}
		return obs.Price, nil
	}
}

// Start verifies the node serves the configured chain, logs the agent's
// funding position and brings the stack up. A failure leaves nothing
// running.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started || a.stopped {
		a.mu.Unlock()
		return errors.New("agent: already started")
	}
	a.started = true
	a.mu.Unlock()

	id, err := a.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("agent: chain id: %w", err)
	}
	if id.Uint64() != a.cfg.ChainID {
		return fmt.Errorf("agent: node serves chain %s, configured for %d", id, a.cfg.ChainID)
	}

	a.startupChecks(ctx)

	if err := a.sup.StartAll(ctx); err != nil {
		return err
	}
	a.logger.Info("agent started",
		"chain", a.cfg.ChainID,
		"hub", a.cfg.Hub,
		"services", a.sup.RunningCount(),
		"upstreams", a.registry.Len(),
		"writes", a.cfg.WritesEnabled())
	return nil
}

// Stop brings the stack down in reverse start order and releases the
// chain connection. Safe to call more than once.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	a.sup.StopAll()
	a.client.Close()
	a.logger.Info("agent stopped")
}

// startupChecks reads the agent's funding and eligibility once and logs
// what an operator would otherwise discover request by request. Failures
// warn and never block startup.
func (a *Agent) startupChecks(ctx context.Context) {
	if !a.cfg.WritesEnabled() {
		a.logger.Warn("no admin key configured, running read-only")
		return
	}
	self := a.cfg.SignerAddress()
	a.logger.Info("agent identity", "address", self)

	if bal, err := a.hub.GetBalance(ctx, self); err != nil {
		a.logger.Warn("hub balance check failed", "err", err)
	} else if bal.Sign() == 0 {
		a.logger.Warn("hub USDC balance is zero", "address", self)
	} else {
		a.logger.Info("hub balance", "usdc", appstate.FormatUSDC(bal))
	}

	if a.staking == nil {
		return
	}
	info, err := a.staking.GetStakeInfo(ctx, self)
	if err != nil {
		a.logger.Warn("stake check failed", "err", err)
		return
	}
	eligible, err := a.staking.IsEligibleAgent(ctx, self)
	switch {
	case err != nil:
		a.logger.Warn("eligibility check failed", "err", err)
	case !eligible:
		a.logger.Warn("agent stake below the eligibility threshold",
			"staked", info.Amount, "pendingUnstake", info.PendingUnstake)
	default:
		a.logger.Info("agent eligible for fulfillment rewards", "staked", info.Amount)
	}
}

// Registry exposes the upstream registry. Bind every upstream before
// Start; the router reads it without locks afterwards.
func (a *Agent) Registry() *router.Registry { return a.registry }

// Events exposes the broadcast hub operators subscribe to.
func (a *Agent) Events() *broadcast.Hub { return a.events }

// Cache exposes the state cache for direct snapshot reads.
func (a *Agent) Cache() *appstate.Cache { return a.cache }

// Sender exposes the transaction sender for custom writes.
func (a *Agent) Sender() *sender.Sender { return a.send }

// Health exposes the health checker so deployments can add their own
// service checks before Start.
func (a *Agent) Health() *ops.HealthChecker { return a.health }

// Client exposes the chain client for raw reads.
func (a *Agent) Client() *chain.Client { return a.client }

// chainChecker probes the node with a bounded head read.
func chainChecker(client *chain.Client) ops.CheckFunc {
	return func() *ops.ServiceHealth {
		ctx, cancel := context.WithTimeout(context.Background(), chainCheckTimeout)
		defer cancel()
		head, err := client.CurrentBlock(ctx)
		if err != nil {
			return &ops.ServiceHealth{Status: ops.StatusUnhealthy, Message: err.Error()}
		}
		return &ops.ServiceHealth{Status: ops.StatusHealthy, Message: fmt.Sprintf("head %d", head)}
	}
}

// watcherChecker maps a poller's error streak onto the health scale:
// backed off reads as degraded, a streak long enough to reset the
// cursor as unhealthy.
func watcherChecker(w *watcher.Watcher) ops.CheckFunc {
	return func() *ops.ServiceHealth {
		st := w.Status()
		switch {
		case st.Unhealthy():
			return &ops.ServiceHealth{
				Status:  ops.StatusUnhealthy,
				Message: fmt.Sprintf("%d consecutive poll errors", st.ErrStreak),
			}
		case st.Degraded():
			return &ops.ServiceHealth{
				Status:  ops.StatusDegraded,
				Message: fmt.Sprintf("backed off after %d poll errors", st.ErrStreak),
			}
		default:
			return &ops.ServiceHealth{Status: ops.StatusHealthy, Message: fmt.Sprintf("block %d", st.LastBlock)}
		}
	}
}

// cacheChecker reports the state cache degraded until the first snapshot
// lands and again when the current one goes stale.
func cacheChecker(cache *appstate.Cache) ops.CheckFunc {
	return func() *ops.ServiceHealth {
		snap := cache.Current()
		if snap == nil {
			return &ops.ServiceHealth{Status: ops.StatusDegraded, Message: "no snapshot yet"}
		}
		if age := snap.AgeMs(time.Now()); age > staleSnapshotAfter.Milliseconds() {
			return &ops.ServiceHealth{
				Status:  ops.StatusDegraded,
				Message: fmt.Sprintf("snapshot %ds old", age/1000),
			}
		}
		return &ops.ServiceHealth{Status: ops.StatusHealthy, Message: fmt.Sprintf("block %d", snap.Block)}
	}
}

// senderChecker is static: the write path is either configured or it is
// not, and read-only is a supported mode rather than a fault.
func senderChecker(writes bool) ops.CheckFunc {
	return func() *ops.ServiceHealth {
		if !writes {
			return &ops.ServiceHealth{Status: ops.StatusHealthy, Message: "writes disabled"}
		}
		return &ops.ServiceHealth{Status: ops.StatusHealthy}
	}
}
