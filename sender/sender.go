// sender.go implements the serialized transaction sender. Every signed
// write from the agent identity flows through one FIFO queue and one
// dispatch goroutine, so nonces are fetched, used and incremented strictly
// in order. Parallel nonce computation under RPC latency is how agents
// double-spend a nonce; the queue trades throughput for that guarantee.
package sender

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/metrics"
)

// GasBufferPercent is the safety margin applied to node gas estimates
// before submission. It absorbs the L1 data cost variance of the L2.
const GasBufferPercent = 120

// defaultReceiptTimeout bounds how long a dispatched transaction may wait
// for its receipt before the queue moves on.
const defaultReceiptTimeout = 2 * time.Minute

// Sender errors.
var (
	ErrWritesDisabled = errors.New("sender: writes disabled, no signing key")
	ErrStopped        = errors.New("sender: stopped")
	ErrNothingToSend  = errors.New("sender: prepare returned no transaction")
	ErrReverted       = errors.New("sender: transaction reverted")
)

// RevertedError reports a transaction that was mined but reverted. It
// unwraps to ErrReverted so callers can match either way.
type RevertedError struct {
	Hash  common.Hash
	Block uint64
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("sender: transaction %s reverted in block %d", e.Hash, e.Block)
}

func (e *RevertedError) Unwrap() error { return ErrReverted }

// BufferGas applies the standard safety margin to a raw gas estimate.
func BufferGas(raw uint64) uint64 {
	return raw * GasBufferPercent / 100
}

// Prepared is a write ready for signing: the caller has already built the
// calldata, estimated gas, applied BufferGas and consulted the
// profitability gate.
type Prepared struct {
	To       common.Address
	Data     []byte
	Value    *big.Int // nil means zero
	GasLimit uint64
}

// PrepareFunc builds the write when its turn in the queue arrives.
// Returning an error abandons the slot without sending anything.
type PrepareFunc func(ctx context.Context) (*Prepared, error)

// Result is the outcome of a confirmed write.
type Result struct {
	Hash    common.Hash
	Block   uint64
	GasUsed uint64
	Receipt *types.Receipt
}

// Config tunes the sender.
type Config struct {
	ChainID         *big.Int
	Key             *ecdsa.PrivateKey // nil disables writes
	ReceiptInterval time.Duration     // receipt poll cadence, 0 for client default
	ReceiptTimeout  time.Duration     // 0 for defaultReceiptTimeout
}

type task struct {
	ctx   context.Context
	label string
	prep  PrepareFunc
	done  chan outcome
}

type outcome struct {
	result *Result
	err    error
}

// Sender serializes writes for a single signing identity.
type Sender struct {
	client *chain.Client
	cfg    Config
	from   common.Address
	logger *log.Logger

	queue  chan *task
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a sender for the identity in cfg. A nil key is allowed; the
// sender then refuses every Submit with ErrWritesDisabled.
func New(client *chain.Client, cfg Config, logger *log.Logger) *Sender {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	s := &Sender{
		client: client,
		cfg:    cfg,
		logger: logger.Module("sender"),
		queue:  make(chan *task),
		stopCh: make(chan struct{}),
	}
	if cfg.Key != nil {
		s.from = crypto.PubkeyToAddress(cfg.Key.PublicKey)
	}
	return s
}

// From returns the signing address, or the zero address when writes are
// disabled.
func (s *Sender) From() common.Address { return s.from }

// Start launches the dispatch goroutine. Safe to call once.
func (s *Sender) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.loop()
}

// Stop refuses new submissions, lets the in-flight task finish and waits
// for the dispatcher to exit. Queued callers are released with ErrStopped.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stopCh)
	if started {
		s.wg.Wait()
	}
}

// Submit enqueues prep and blocks until the write confirms, prep declines,
// or ctx ends. Tasks run strictly in hand-off order.
func (s *Sender) Submit(ctx context.Context, label string, prep PrepareFunc) (*Result, error) {
	if s.cfg.Key == nil {
		return nil, ErrWritesDisabled
	}
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.mu.Unlock()

	t := &task{ctx: ctx, label: label, prep: prep, done: make(chan outcome, 1)}
	metrics.SenderQueueDepth.Inc()
	defer metrics.SenderQueueDepth.Dec()

	select {
	case s.queue <- t:
	case <-ctx.Done():
		return nil, chain.Classify(ctx.Err())
	case <-s.stopCh:
		return nil, ErrStopped
	}

	// Accepted tasks always get a reply; the dispatcher never exits
	// mid-task.
	select {
	case out := <-t.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, chain.Classify(ctx.Err())
	}
}

func (s *Sender) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			start := time.Now()
			result, err := s.process(t)
			metrics.SenderSubmitTime.Observe(float64(time.Since(start).Milliseconds()))
			t.done <- outcome{result: result, err: err}
		}
	}
}

// process runs one task inside the critical section. The nonce is read
// here, after every earlier write already reached the node, which keeps
// the sequence gapless for the single identity.
func (s *Sender) process(t *task) (*Result, error) {
	if err := t.ctx.Err(); err != nil {
		return nil, chain.Classify(err)
	}
	prepared, err := t.prep(t.ctx)
	if err != nil {
		return nil, err
	}
	if prepared == nil {
		return nil, ErrNothingToSend
	}
	metrics.SenderSubmitted.Inc()

	nonce, err := s.client.PendingNonce(t.ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := s.client.GasPrice(t.ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch gas price: %w", err)
	}
	value := prepared.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: gasPrice,
		GasFeeCap: gasPrice,
		Gas:       prepared.GasLimit,
		To:        &prepared.To,
		Value:     value,
		Data:      prepared.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.cfg.ChainID), s.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := s.client.SendTransaction(t.ctx, signed); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	s.logger.Debug("transaction sent",
		"label", t.label, "hash", signed.Hash(), "nonce", nonce, "gas", prepared.GasLimit)

	waitCtx, cancel := context.WithTimeout(t.ctx, s.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := s.client.WaitReceipt(waitCtx, signed.Hash(), s.cfg.ReceiptInterval)
	if err != nil {
		return nil, fmt.Errorf("await receipt %s: %w", signed.Hash(), err)
	}

	result := &Result{
		Hash:    signed.Hash(),
		Block:   receipt.BlockNumber.Uint64(),
		GasUsed: receipt.GasUsed,
		Receipt: receipt,
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.SenderReverted.Inc()
		s.logger.Warn("transaction reverted",
			"label", t.label, "hash", result.Hash, "block", result.Block)
		return nil, &RevertedError{Hash: result.Hash, Block: result.Block}
	}
	metrics.SenderConfirmed.Inc()
	metrics.SenderTxRate.Mark(1)
	s.logger.Info("transaction confirmed",
		"label", t.label, "hash", result.Hash, "block", result.Block, "gasUsed", result.GasUsed)
	return result, nil
}
