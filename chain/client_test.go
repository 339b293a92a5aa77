package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend implements Backend with overridable functions. Unset
// functions return zero values.
type fakeBackend struct {
	chainIDFn     func(context.Context) (*big.Int, error)
	blockNumberFn func(context.Context) (uint64, error)
	headerFn      func(context.Context, *big.Int) (*types.Header, error)
	callFn        func(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error)
	estimateFn    func(context.Context, ethereum.CallMsg) (uint64, error)
	gasPriceFn    func(context.Context) (*big.Int, error)
	filterFn      func(context.Context, ethereum.FilterQuery) ([]types.Log, error)
	nonceFn       func(context.Context, common.Address) (uint64, error)
	sendFn        func(context.Context, *types.Transaction) error
	receiptFn     func(context.Context, common.Hash) (*types.Receipt, error)
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	if f.chainIDFn != nil {
		return f.chainIDFn(ctx)
	}
	return big.NewInt(8453), nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if f.blockNumberFn != nil {
		return f.blockNumberFn(ctx)
	}
	return 0, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error) {
	if f.headerFn != nil {
		return f.headerFn(ctx, n)
	}
	return &types.Header{Number: big.NewInt(0)}, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if f.callFn != nil {
		return f.callFn(ctx, msg, block)
	}
	return nil, nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateFn != nil {
		return f.estimateFn(ctx, msg)
	}
	return 21000, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasPriceFn != nil {
		return f.gasPriceFn(ctx)
	}
	return big.NewInt(1), nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.filterFn != nil {
		return f.filterFn(ctx, q)
	}
	return nil, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	if f.nonceFn != nil {
		return f.nonceFn(ctx, a)
	}
	return 0, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendFn != nil {
		return f.sendFn(ctx, tx)
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	if f.receiptFn != nil {
		return f.receiptFn(ctx, h)
	}
	return nil, ethereum.NotFound
}

// ---------------------------------------------------------------------------
// Logs range guard
// ---------------------------------------------------------------------------

func TestLogs_RangeGuard(t *testing.T) {
	called := false
	c := NewClient(&fakeBackend{
		filterFn: func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			called = true
			return []types.Log{{BlockNumber: 1}}, nil
		},
	})

	// Exactly MaxLogRange wide passes.
	q := ethereum.FilterQuery{
		FromBlock: big.NewInt(100),
		ToBlock:   big.NewInt(100 + MaxLogRange),
	}
	if _, err := c.Logs(context.Background(), q); err != nil {
		t.Fatalf("span == MaxLogRange rejected: %v", err)
	}
	if !called {
		t.Fatal("backend not called for valid range")
	}

	// One block wider fails without touching the backend.
	called = false
	q.ToBlock = big.NewInt(100 + MaxLogRange + 1)
	_, err := c.Logs(context.Background(), q)
	if !errors.Is(err, ErrRangeTooWide) {
		t.Fatalf("err = %v, want ErrRangeTooWide", err)
	}
	if called {
		t.Fatal("backend called for over-wide range")
	}
}

func TestLogs_OpenRangeAllowed(t *testing.T) {
	c := NewClient(&fakeBackend{})
	// Nil ToBlock means "latest"; the guard cannot apply.
	q := ethereum.FilterQuery{FromBlock: big.NewInt(1)}
	if _, err := c.Logs(context.Background(), q); err != nil {
		t.Fatalf("open range rejected: %v", err)
	}
}

// ---------------------------------------------------------------------------
// ReadCalls
// ---------------------------------------------------------------------------

func TestReadCalls_OrderedResults(t *testing.T) {
	c := NewClient(&fakeBackend{
		callFn: func(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			// Echo the first calldata byte so slots are distinguishable.
			if msg.Data[0] == 0xee {
				return nil, errors.New("boom")
			}
			return []byte{msg.Data[0]}, nil
		},
	})

	calls := []Call{
		{Data: []byte{0x01}},
		{Data: []byte{0xee}},
		{Data: []byte{0x03}},
	}
	results := c.ReadCalls(context.Background(), calls, 2)

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[0].Err != nil || results[0].Output[0] != 0x01 {
		t.Fatalf("slot 0 = %+v", results[0])
	}
	if results[1].Err == nil {
		t.Fatal("slot 1 should carry the error")
	}
	if results[2].Err != nil || results[2].Output[0] != 0x03 {
		t.Fatalf("slot 2 = %+v", results[2])
	}
}

func TestReadCalls_BoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int64
	var mu sync.Mutex

	c := NewClient(&fakeBackend{
		callFn: func(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			n := active.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		},
	})

	calls := make([]Call, 20)
	for i := range calls {
		calls[i] = Call{Data: []byte{byte(i)}}
	}
	c.ReadCalls(context.Background(), calls, 4)

	if got := peak.Load(); got > 4 {
		t.Fatalf("peak concurrency = %d, want <= 4", got)
	}
}

func TestReadCalls_Empty(t *testing.T) {
	c := NewClient(&fakeBackend{})
	if got := c.ReadCalls(context.Background(), nil, 5); len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}
}

// ---------------------------------------------------------------------------
// WaitReceipt
// ---------------------------------------------------------------------------

func TestWaitReceipt_LandsAfterPolls(t *testing.T) {
	var polls atomic.Int64
	want := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(7)}

	c := NewClient(&fakeBackend{
		receiptFn: func(ctx context.Context, h common.Hash) (*types.Receipt, error) {
			if polls.Add(1) < 3 {
				return nil, ethereum.NotFound
			}
			return want, nil
		},
	})

	got, err := c.WaitReceipt(context.Background(), common.Hash{0x01}, time.Millisecond)
	if err != nil {
		t.Fatalf("WaitReceipt: %v", err)
	}
	if got.BlockNumber.Cmp(want.BlockNumber) != 0 {
		t.Fatalf("block = %v, want 7", got.BlockNumber)
	}
	if polls.Load() < 3 {
		t.Fatalf("polls = %d, want >= 3", polls.Load())
	}
}

func TestWaitReceipt_ContextCancel(t *testing.T) {
	c := NewClient(&fakeBackend{}) // never returns a receipt

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.WaitReceipt(ctx, common.Hash{0x01}, 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected error after context timeout")
	}
}

// ---------------------------------------------------------------------------
// EstimateGas classification
// ---------------------------------------------------------------------------

func TestEstimateGas_RevertClassified(t *testing.T) {
	c := NewClient(&fakeBackend{
		estimateFn: func(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
			return 0, errors.New("execution reverted: request not pending")
		},
	})

	_, err := c.EstimateGas(context.Background(), common.Address{}, common.Address{0x01}, nil, nil)
	if !IsRevert(err) {
		t.Fatalf("err = %v, want revert classification", err)
	}
}

func TestEstimateGas_Value(t *testing.T) {
	var gotMsg ethereum.CallMsg
	c := NewClient(&fakeBackend{
		estimateFn: func(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
			gotMsg = msg
			return 50000, nil
		},
	})

	from := common.Address{0x0a}
	to := common.Address{0x0b}
	gas, err := c.EstimateGas(context.Background(), from, to, []byte{0x01}, big.NewInt(5))
	if err != nil {
		t.Fatalf("EstimateGas: %v", err)
	}
	if gas != 50000 {
		t.Fatalf("gas = %d, want 50000", gas)
	}
	if gotMsg.From != from || *gotMsg.To != to {
		t.Fatalf("msg addresses = %v -> %v", gotMsg.From, gotMsg.To)
	}
	if gotMsg.Value.Int64() != 5 {
		t.Fatalf("msg value = %v, want 5", gotMsg.Value)
	}
}
