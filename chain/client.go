// Package chain wraps the JSON-RPC connection to the chain node behind the
// narrow surface the agent consumes: bounded contract reads, gas and block
// queries, chunk-guarded log filtering, transaction submission and receipt
// polling. Everything above this package works in terms of Backend so tests
// substitute an in-memory node.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/semaphore"

	"github.com/bobbyswhip/x402c/metrics"
)

// MaxLogRange is the widest block span a single FilterLogs call may cover.
// Public RPC providers reject wider ranges; callers chunk above this.
const MaxLogRange = 1000

// defaultReceiptInterval is how often WaitReceipt polls when the caller
// passes no interval.
const defaultReceiptInterval = 2 * time.Second

// Backend is the chain-node surface the agent consumes. *ethclient.Client
// satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Call is a single eth_call target for batch reads.
type Call struct {
	To   common.Address
	Data []byte
}

// CallResult holds the outcome of one batched call. Err is classified.
type CallResult struct {
	Output []byte
	Err    error
}

// Client adds typed helpers, metrics and error classification on top of a
// Backend.
type Client struct {
	backend Backend
}

// Dial connects to the node at url and returns a Client around it.
func Dial(ctx context.Context, url string) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, Classify(err)
	}
	return NewClient(ec), nil
}

// NewClient wraps an existing backend. Used by tests and by Dial.
func NewClient(b Backend) *Client {
	return &Client{backend: b}
}

// Backend returns the underlying backend for the rare caller that needs
// the raw surface.
func (c *Client) Backend() Backend { return c.backend }

// Close releases the underlying connection when the backend holds one.
func (c *Client) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// done records call metrics and classifies the error. Every public method
// funnels through it.
func (c *Client) done(start time.Time, err error) error {
	metrics.RPCCalls.Inc()
	metrics.RPCLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RPCErrors.Inc()
	}
	return Classify(err)
}

// ChainID returns the chain id the node reports.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	start := time.Now()
	id, err := c.backend.ChainID(ctx)
	return id, c.done(start, err)
}

// CurrentBlock returns the latest block number.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	start := time.Now()
	n, err := c.backend.BlockNumber(ctx)
	return n, c.done(start, err)
}

// HeaderByNumber returns the header for the given block, or the latest
// header when number is nil.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	start := time.Now()
	h, err := c.backend.HeaderByNumber(ctx, number)
	return h, c.done(start, err)
}

// ReadCall executes an eth_call against to at the latest block.
func (c *Client) ReadCall(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.ReadCallAt(ctx, to, data, nil)
}

// ReadCallAt executes an eth_call against to at the given block (nil for
// latest).
func (c *Client) ReadCallAt(ctx context.Context, to common.Address, data []byte, block *big.Int) ([]byte, error) {
	start := time.Now()
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	return out, c.done(start, err)
}

// ReadCalls executes every call with at most workers in flight and returns
// one result slot per call, in order. A failing call fills its own slot and
// never aborts the rest. workers <= 0 means unbounded.
func (c *Client) ReadCalls(ctx context.Context, calls []Call, workers int) []CallResult {
	results := make([]CallResult, len(calls))
	if len(calls) == 0 {
		return results
	}
	if workers <= 0 {
		workers = len(calls)
	}

	sem := semaphore.NewWeighted(int64(workers))
	for i := range calls {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = CallResult{Err: Classify(err)}
			continue
		}
		go func(idx int) {
			defer sem.Release(1)
			out, err := c.ReadCall(ctx, calls[idx].To, calls[idx].Data)
			results[idx] = CallResult{Output: out, Err: err}
		}(i)
	}
	// Draining the full weight waits for every worker.
	if err := sem.Acquire(context.Background(), int64(workers)); err == nil {
		sem.Release(int64(workers))
	}
	return results
}

// EstimateGas simulates the call and returns the node's gas estimate. A
// revert during simulation surfaces as a KindReverted error.
func (c *Client) EstimateGas(ctx context.Context, from, to common.Address, data []byte, value *big.Int) (uint64, error) {
	start := time.Now()
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Data:  data,
		Value: value,
	})
	return gas, c.done(start, err)
}

// GasPrice returns the node's suggested gas price in wei.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	start := time.Now()
	p, err := c.backend.SuggestGasPrice(ctx)
	return p, c.done(start, err)
}

// Logs fetches logs for q. The block span must not exceed MaxLogRange;
// wider requests fail with ErrRangeTooWide before touching the node.
func (c *Client) Logs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if q.FromBlock != nil && q.ToBlock != nil {
		span := new(big.Int).Sub(q.ToBlock, q.FromBlock)
		if span.Cmp(big.NewInt(MaxLogRange)) > 0 {
			return nil, ErrRangeTooWide
		}
	}
	start := time.Now()
	logs, err := c.backend.FilterLogs(ctx, q)
	return logs, c.done(start, err)
}

// PendingNonce returns the next nonce for account including pending txs.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	start := time.Now()
	n, err := c.backend.PendingNonceAt(ctx, account)
	return n, c.done(start, err)
}

// SendTransaction submits a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	start := time.Now()
	err := c.backend.SendTransaction(ctx, tx)
	return c.done(start, err)
}

// WaitReceipt polls for the receipt of hash until it lands or ctx is done.
// interval <= 0 uses defaultReceiptInterval. Not-found responses are
// expected while the transaction is in the mempool and do not count as
// errors.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = defaultReceiptInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, Classify(ctx.Err())
		case <-ticker.C:
		}
	}
}
