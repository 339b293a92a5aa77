// router.go implements the fulfillment router. RequestCreated logs from
// the hub watcher and re-observed ids from the fallback scan funnel into
// one per-request flow: single-flight acquire, staleness check, handler
// lookup, upstream call, and submission through the sender with a final
// on-chain PENDING re-check inside the sender's critical section. Stale
// and unhandled requests are cancelled on chain so the consumer is
// refunded.
//
// Processing the same log twice has one external effect: the in-flight
// set absorbs concurrent duplicates and the PENDING re-check absorbs
// sequential ones.
package router

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

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
	// DefaultStaleAfter is the age past which a pending request is
	// cancelled instead of fulfilled.
	DefaultStaleAfter = 5 * time.Minute
	// DefaultMaxConcurrent bounds parallel fulfillments. Requests
	// dropped at the bound are re-observed by the fallback scan.
	DefaultMaxConcurrent = 8
	// FallbackInterval is the poll cadence of the gap-closing rescan.
	FallbackInterval = 30 * time.Second
)

// Timeout reasons carried in request_timeout broadcasts.
const (
	reasonStale           = "stale"
	reasonUnknownEndpoint = "unknown_endpoint"
)

// Router errors: each aborts a submission from inside the sender queue.
var (
	ErrNotPending   = errors.New("router: request no longer pending")
	ErrUnprofitable = errors.New("router: fulfillment unprofitable")
	ErrWouldRevert  = errors.New("router: transaction would revert")
)

// Upstream produces the response for requests routed to one handler
// family. Implementations call the external API behind the endpoint; the
// router owns everything on-chain.
type Upstream interface {
	// Name identifies the handler family in logs and broadcasts.
	Name() string
	// Fulfill returns the response bytes and the session id to submit
	// with the fulfillment.
	Fulfill(ctx context.Context, req *contracts.Request, ep *contracts.Endpoint) (response []byte, sessionID string, err error)
}

// Registry is the static endpoint-to-handler table. Bind everything
// before the router starts; Lookup is safe for concurrent use only on an
// immutable registry.
type Registry struct {
	byEndpoint map[common.Hash]Upstream
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byEndpoint: make(map[common.Hash]Upstream)}
}

// Bind routes an endpoint id to a handler.
func (r *Registry) Bind(endpointID common.Hash, u Upstream) {
	r.byEndpoint[endpointID] = u
}

// Lookup returns the handler for an endpoint id.
func (r *Registry) Lookup(endpointID common.Hash) (Upstream, bool) {
	u, ok := r.byEndpoint[endpointID]
	return u, ok
}

// Len returns the number of bound endpoints.
func (r *Registry) Len() int { return len(r.byEndpoint) }

// Config tunes the router.
type Config struct {
	StaleAfter    time.Duration    // 0 for DefaultStaleAfter
	MaxConcurrent int              // 0 for DefaultMaxConcurrent
	Now           func() time.Time // nil for time.Now
}

// Router drives request fulfillment.
type Router struct {
	client   *chain.Client
	hub      *contracts.Hub
	send     *sender.Sender
	gate     *profit.Gate
	registry *Registry
	events   *broadcast.Hub
	cfg      Config
	logger   *log.Logger

	busy  *inflight.Set
	group *errgroup.Group

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// New creates a router. The registry must be fully bound before Start.
func New(client *chain.Client, hub *contracts.Hub, send *sender.Sender, gate *profit.Gate, registry *Registry, events *broadcast.Hub, cfg Config, logger *log.Logger) *Router {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	group := &errgroup.Group{}
	group.SetLimit(cfg.MaxConcurrent)
	return &Router{
		client:   client,
		hub:      hub,
		send:     send,
		gate:     gate,
		registry: registry,
		events:   events,
		cfg:      cfg,
		logger:   logger.Module("router"),
		busy:     inflight.NewSet(),
		group:    group,
	}
}

// Start arms the router for dispatches.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return errors.New("router: already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.logger.Info("router started",
		"handlers", r.registry.Len(), "staleAfter", r.cfg.StaleAfter)
	return nil
}

// Stop refuses new dispatches, cancels in-flight fulfillments and waits
// for them to unwind.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	if !started {
		return
	}
	r.cancel()
	r.group.Wait()
}

func (r *Router) running() (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped {
		return nil, false
	}
	return r.ctx, true
}

// HandleLog is the hub watcher's dispatch target. Every decoded
// RequestCreated is announced and queued for fulfillment.
func (r *Router) HandleLog(name string, lg types.Log) {
	if name != contracts.EventRequestCreated {
		return
	}
	ev, err := r.hub.DecodeRequestCreated(lg)
	if err != nil {
		r.logger.Warn("undecodable request log", "block", lg.BlockNumber, "err", err)
		return
	}
	r.publish(broadcast.TypeRequestCreated, ev.RequestId, ev.EndpointId, map[string]any{
		"requester": ev.Requester.Hex(),
		"totalCost": ev.TotalCost.String(),
		"block":     lg.BlockNumber,
	})
	r.enqueue(ev.RequestId)
}

// HandleFallbackLog is the fallback watcher's dispatch target. It closes
// gaps left by drops and restarts: ids still pending and not in flight
// re-enter the normal flow.
func (r *Router) HandleFallbackLog(name string, lg types.Log) {
	if name != contracts.EventRequestCreated {
		return
	}
	ev, err := r.hub.DecodeRequestCreated(lg)
	if err != nil {
		r.logger.Warn("undecodable request log", "block", lg.BlockNumber, "err", err)
		return
	}
	id := ev.RequestId
	if r.busy.Contains(id) {
		return
	}
	ctx, ok := r.running()
	if !ok {
		return
	}
	req, err := r.hub.GetRequest(ctx, id)
	if err != nil {
		r.logger.Debug("fallback read failed", "request", id, "err", err)
		return
	}
	if req.Status != contracts.StatusPending {
		return
	}
	r.logger.Debug("fallback re-observed pending request", "request", id)
	r.enqueue(id)
}

// CancelIfStale re-reads id and, when it is still pending and past the
// staleness bound, runs the timeout path: broadcast and on-chain cancel.
// The sweeper calls this for every request it rescans. Ids the router is
// actively working are skipped, and the slot is held for the duration so
// the hot path cannot double-process the id.
func (r *Router) CancelIfStale(id common.Hash) bool {
	ctx, ok := r.running()
	if !ok {
		return false
	}
	slot, ok := r.busy.TryAcquire(id)
	if !ok {
		return false
	}
	defer slot.Release()

	req, err := r.hub.GetRequest(ctx, id)
	if err != nil {
		r.logger.Debug("sweep read failed", "request", id, "err", err)
		return false
	}
	if req.Status != contracts.StatusPending {
		return false
	}
	age := req.Age(r.cfg.Now())
	if age <= r.cfg.StaleAfter {
		return false
	}
	metrics.RouterStale.Inc()
	r.timeout(ctx, &req, reasonStale, age)
	return true
}

func (r *Router) enqueue(id common.Hash) {
	ctx, ok := r.running()
	if !ok {
		return
	}
	queued := r.group.TryGo(func() error {
		r.fulfill(ctx, id)
		return nil
	})
	if !queued {
		// The fallback scan re-observes anything dropped here.
		r.logger.Warn("router saturated, dropping request", "request", id)
	}
}

// fulfill runs the whole per-request flow. The in-flight slot is held
// from acquisition to return, so a duplicate dispatch of the same id in
// any interleaving is a no-op.
func (r *Router) fulfill(ctx context.Context, id common.Hash) {
	slot, ok := r.busy.TryAcquire(id)
	if !ok {
		return
	}
	defer slot.Release()
	metrics.RouterInFlight.Inc()
	defer metrics.RouterInFlight.Dec()

	req, err := r.hub.GetRequest(ctx, id)
	if err != nil {
		r.logger.Warn("request read failed", "request", id, "err", err)
		return
	}
	if req.Status != contracts.StatusPending {
		r.logger.Debug("request already terminal", "request", id, "status", req.Status)
		return
	}

	age := req.Age(r.cfg.Now())
	if age > r.cfg.StaleAfter {
		metrics.RouterStale.Inc()
		r.timeout(ctx, &req, reasonStale, age)
		return
	}

	upstream, ok := r.registry.Lookup(req.EndpointID)
	if !ok {
		r.timeout(ctx, &req, reasonUnknownEndpoint, age)
		return
	}

	r.publish(broadcast.TypeRequestRouting, req.ID, req.EndpointID, map[string]any{
		"handler": upstream.Name(),
		"ageMs":   age.Milliseconds(),
	})

	ep, err := r.hub.GetEndpoint(ctx, req.EndpointID)
	if err != nil {
		r.logger.Warn("endpoint read failed", "request", id, "endpoint", req.EndpointID, "err", err)
		return
	}

	response, sessionID, err := upstream.Fulfill(ctx, &req, &ep)
	if err != nil {
		r.logger.Warn("upstream failed", "request", id, "handler", upstream.Name(), "err", err)
		return
	}
	if ep.MaxResponseBytes > 0 && len(response) > int(ep.MaxResponseBytes) {
		r.logger.Warn("response exceeds endpoint limit",
			"request", id, "bytes", len(response), "max", ep.MaxResponseBytes)
		return
	}

	var gateRes *profit.Result
	result, err := r.submitFulfill(ctx, &req, response, sessionID, &gateRes)
	switch {
	case err == nil:
		metrics.RouterFulfilled.Inc()
		r.publish(broadcast.TypeRequestFulfilled, req.ID, req.EndpointID, map[string]any{
			"txHash":  result.Hash.Hex(),
			"block":   result.Block,
			"gasUsed": result.GasUsed,
		})
		r.logger.Info("request fulfilled",
			"request", id, "hash", result.Hash, "block", result.Block, "gasUsed", result.GasUsed)
	case errors.Is(err, ErrNotPending):
		r.logger.Debug("lost the fulfillment race", "request", id)
	case errors.Is(err, ErrWouldRevert):
		r.logger.Debug("fulfillment would revert, skipped", "request", id)
	case errors.Is(err, ErrUnprofitable):
		fields := []any{"request", id}
		if gateRes != nil {
			fields = append(fields, gateRes.Fields()...)
		}
		r.logger.Info("fulfillment unprofitable, skipped", fields...)
	default:
		r.logger.Warn("fulfillment failed", "request", id, "err", err)
	}
}

// submitFulfill queues the fulfillment write. The PENDING re-check and
// the profit gate run inside the sender's critical section, immediately
// before signing, so the race window against other agents is as small as
// the chain allows.
func (r *Router) submitFulfill(ctx context.Context, req *contracts.Request, response []byte, sessionID string, gateRes **profit.Result) (*sender.Result, error) {
	data, err := r.hub.PackFulfillRequest(req.ID, response, sessionID)
	if err != nil {
		return nil, err
	}
	reimbursement := new(big.Int).Add(req.Markup, req.GasReimbursement)

	return r.send.Submit(ctx, "fulfillRequest", func(ctx context.Context) (*sender.Prepared, error) {
		fresh, err := r.hub.GetRequest(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if fresh.Status != contracts.StatusPending {
			return nil, ErrNotPending
		}
		res, err := r.gate.Evaluate(ctx, profit.Input{
			Target:        r.hub.Address(),
			From:          r.send.From(),
			Data:          data,
			Reimbursement: reimbursement,
		})
		if err != nil {
			return nil, err
		}
		*gateRes = res
		switch res.Verdict {
		case profit.VerdictUndecidable:
			return nil, ErrWouldRevert
		case profit.VerdictUnprofitable:
			return nil, ErrUnprofitable
		}
		return &sender.Prepared{To: r.hub.Address(), Data: data, GasLimit: res.GasLimit}, nil
	})
}

// timeout announces a terminal non-fulfillment and cancels the request on
// chain so the consumer is refunded.
func (r *Router) timeout(ctx context.Context, req *contracts.Request, reason string, age time.Duration) {
	metrics.RouterTimeouts.Inc()
	r.publish(broadcast.TypeRequestTimeout, req.ID, req.EndpointID, map[string]any{
		"reason": reason,
		"ageMs":  age.Milliseconds(),
	})
	r.logger.Info("request timed out", "request", req.ID, "reason", reason, "age", age)

	result, err := r.cancelRequest(ctx, req.ID)
	switch {
	case err == nil:
		r.publish(broadcast.TypeRequestCancelled, req.ID, req.EndpointID, map[string]any{
			"txHash": result.Hash.Hex(),
			"reason": reason,
		})
		r.logger.Info("request cancelled", "request", req.ID, "hash", result.Hash)
	case errors.Is(err, ErrWouldRevert):
		// Usually another agent cancelled or fulfilled first.
		r.logger.Debug("cancel would revert, skipped", "request", req.ID)
	case errors.Is(err, sender.ErrWritesDisabled):
		r.logger.Debug("cancel skipped, writes disabled", "request", req.ID)
	default:
		r.logger.Warn("cancel failed", "request", req.ID, "err", err)
	}
}

// cancelRequest submits cancelRequest through the sender. Cancels skip
// the profit gate: the reward is the contract's cancellation incentive,
// not a quoted reimbursement.
func (r *Router) cancelRequest(ctx context.Context, id common.Hash) (*sender.Result, error) {
	data, err := r.hub.PackCancelRequest(id)
	if err != nil {
		return nil, err
	}
	return r.send.Submit(ctx, "cancelRequest", func(ctx context.Context) (*sender.Prepared, error) {
		raw, err := r.client.EstimateGas(ctx, r.send.From(), r.hub.Address(), data, nil)
		if err != nil {
			if chain.IsRevert(err) {
				return nil, ErrWouldRevert
			}
			return nil, err
		}
		return &sender.Prepared{To: r.hub.Address(), Data: data, GasLimit: sender.BufferGas(raw)}, nil
	})
}

func (r *Router) publish(t broadcast.EventType, requestID, endpointID common.Hash, data map[string]any) {
	err := r.events.Publish(broadcast.Event{
		Type:       t,
		RequestID:  requestID,
		EndpointID: endpointID,
		Data:       data,
	})
	if err != nil {
		r.logger.Debug("broadcast dropped", "type", t, "err", err)
	}
}
