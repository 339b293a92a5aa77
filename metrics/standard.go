package metrics

// Pre-defined metrics for the x402c fulfillment agent. All metrics live in
// DefaultRegistry so they are globally accessible without passing a registry
// around.

var (
	// ---- Chain metrics ----

	// ChainHeight tracks the latest observed block number.
	ChainHeight = DefaultRegistry.Gauge("chain.height")
	// RPCCalls counts outbound JSON-RPC calls to the chain node.
	RPCCalls = DefaultRegistry.Counter("chain.rpc_calls")
	// RPCErrors counts outbound JSON-RPC calls that returned an error.
	RPCErrors = DefaultRegistry.Counter("chain.rpc_errors")
	// RPCLatency records outbound JSON-RPC call latency in milliseconds.
	RPCLatency = DefaultRegistry.Histogram("chain.rpc_latency_ms")

	// ---- Watcher metrics ----

	// WatcherPolls counts completed event poll cycles.
	WatcherPolls = DefaultRegistry.Counter("watcher.polls")
	// WatcherEvents counts decoded contract events handed to handlers.
	WatcherEvents = DefaultRegistry.Counter("watcher.events")
	// WatcherErrors counts failed poll cycles.
	WatcherErrors = DefaultRegistry.Counter("watcher.errors")
	// WatcherCursorResets counts cursor resets after sustained failures.
	WatcherCursorResets = DefaultRegistry.Counter("watcher.cursor_resets")

	// ---- Sender metrics ----

	// SenderSubmitted counts transactions accepted into the submit queue.
	SenderSubmitted = DefaultRegistry.Counter("sender.submitted")
	// SenderConfirmed counts transactions confirmed with a success receipt.
	SenderConfirmed = DefaultRegistry.Counter("sender.confirmed")
	// SenderReverted counts transactions confirmed with a revert receipt.
	SenderReverted = DefaultRegistry.Counter("sender.reverted")
	// SenderQueueDepth tracks closures waiting on the serial submit queue.
	SenderQueueDepth = DefaultRegistry.Gauge("sender.queue_depth")
	// SenderSubmitTime records end-to-end submit latency in milliseconds.
	SenderSubmitTime = DefaultRegistry.Histogram("sender.submit_ms")

	// ---- Profitability gate metrics ----

	// GateEvaluations counts profitability evaluations.
	GateEvaluations = DefaultRegistry.Counter("gate.evaluations")
	// GateRejections counts evaluations that rejected the work as a loss.
	GateRejections = DefaultRegistry.Counter("gate.rejections")
	// GateFailOpen counts evaluations that passed on price-feed failure.
	GateFailOpen = DefaultRegistry.Counter("gate.fail_open")

	// ---- Router metrics ----

	// RouterFulfilled counts requests fulfilled on-chain.
	RouterFulfilled = DefaultRegistry.Counter("router.fulfilled")
	// RouterTimeouts counts requests cancelled for unknown endpoints.
	RouterTimeouts = DefaultRegistry.Counter("router.timeouts")
	// RouterStale counts requests skipped as older than the staleness window.
	RouterStale = DefaultRegistry.Counter("router.stale")
	// RouterInFlight tracks requests currently being processed.
	RouterInFlight = DefaultRegistry.Gauge("router.in_flight")

	// ---- Keep-alive metrics ----

	// KeepaliveFulfilled counts keep-alive cycles fulfilled on-chain.
	KeepaliveFulfilled = DefaultRegistry.Counter("keepalive.fulfilled")
	// KeepaliveBatches counts due-subscription batches processed.
	KeepaliveBatches = DefaultRegistry.Counter("keepalive.batches")
	// KeepaliveSkipped counts due subscriptions skipped by the gate or cache.
	KeepaliveSkipped = DefaultRegistry.Counter("keepalive.skipped")

	// ---- Maintenance metrics ----

	// MaintenanceTicks counts maintenance loop iterations across all loops.
	MaintenanceTicks = DefaultRegistry.Counter("maintenance.ticks")
	// MaintenanceErrors counts failed maintenance ticks.
	MaintenanceErrors = DefaultRegistry.Counter("maintenance.errors")

	// ---- App-state metrics ----

	// StateRefreshes counts full snapshot rebuilds.
	StateRefreshes = DefaultRegistry.Counter("appstate.refreshes")
	// StateDeltaSkips counts probe cycles that found no counter movement.
	StateDeltaSkips = DefaultRegistry.Counter("appstate.delta_skips")
	// StateRefreshTime records snapshot rebuild duration in milliseconds.
	StateRefreshTime = DefaultRegistry.Histogram("appstate.refresh_ms")

	// ---- Broadcast metrics ----

	// BroadcastEvents counts events published to subscribers.
	BroadcastEvents = DefaultRegistry.Counter("broadcast.events")
	// BroadcastDropped counts events dropped on slow subscriber channels.
	BroadcastDropped = DefaultRegistry.Counter("broadcast.dropped")
	// BroadcastSubscribers tracks currently registered subscribers.
	BroadcastSubscribers = DefaultRegistry.Gauge("broadcast.subscribers")
)

// Rate meters live outside the registry; they are exported through the
// MeterCollector custom collector on the ops endpoint.
var (
	// WatcherEventRate tracks the rate of decoded contract events.
	WatcherEventRate = NewMeter()
	// SenderTxRate tracks the rate of confirmed transactions.
	SenderTxRate = NewMeter()
)
