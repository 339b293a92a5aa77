package profit

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bobbyswhip/x402c/chain"
)

// fakeEstimator implements chain.Backend; only gas estimation and gas
// price matter to the gate.
type fakeEstimator struct {
	estimate    uint64
	estimateErr error
	gasPrice    *big.Int
}

func (f *fakeEstimator) ChainID(context.Context) (*big.Int, error)   { return big.NewInt(8453), nil }
func (f *fakeEstimator) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (f *fakeEstimator) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100)}, nil
}

func (f *fakeEstimator) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeEstimator) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeEstimator) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1), nil
	}
	return f.gasPrice, nil
}

func (f *fakeEstimator) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeEstimator) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeEstimator) SendTransaction(context.Context, *types.Transaction) error { return nil }

func (f *fakeEstimator) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func fixedPrice(p int64) PriceFunc {
	return func(context.Context) (*big.Int, error) { return big.NewInt(p), nil }
}

func testInput(reimbursement int64) Input {
	return Input{
		Target:        common.HexToAddress("0x10"),
		From:          common.HexToAddress("0x20"),
		Data:          []byte{0x01, 0x02},
		Reimbursement: big.NewInt(reimbursement),
	}
}

// Fixture arithmetic: estimate 100k buffers to 120k gas; at 1 gwei that is
// 1.2e14 wei; at $4500/ETH (4.5e9 in 6-decimal units) the USDC cost is
// 1.2e14 × 4.5e9 / 1e18 = 540_000, i.e. $0.54.
func newTestGate(price PriceFunc) (*Gate, *fakeEstimator) {
	node := &fakeEstimator{estimate: 100_000, gasPrice: big.NewInt(1_000_000_000)}
	return New(chain.NewClient(node), Config{EthPrice: price}), node
}

func TestEvaluateProfitable(t *testing.T) {
	g, _ := newTestGate(fixedPrice(4_500_000_000))

	res, err := g.Evaluate(context.Background(), testInput(600_000))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Verdict != VerdictProfitable {
		t.Fatalf("Verdict = %v, want profitable", res.Verdict)
	}
	if !res.Profitable() {
		t.Fatal("Profitable() = false")
	}
	if res.Reason != ReasonNone {
		t.Fatalf("Reason = %q, want none", res.Reason)
	}
	if res.RawEstimate != 100_000 {
		t.Fatalf("RawEstimate = %d", res.RawEstimate)
	}
	if res.GasLimit != 120_000 {
		t.Fatalf("GasLimit = %d, want 120000", res.GasLimit)
	}
	if want := big.NewInt(120_000_000_000_000); res.WeiCost.Cmp(want) != 0 {
		t.Fatalf("WeiCost = %v, want %v", res.WeiCost, want)
	}
	if want := big.NewInt(540_000); res.UsdcCost.Cmp(want) != 0 {
		t.Fatalf("UsdcCost = %v, want %v", res.UsdcCost, want)
	}
	if want := big.NewInt(60_000); res.Profit.Cmp(want) != 0 {
		t.Fatalf("Profit = %v, want %v", res.Profit, want)
	}
}

func TestEvaluateToleranceBoundary(t *testing.T) {
	g, _ := newTestGate(fixedPrice(4_500_000_000))

	// Cost is 540_000; a reimbursement of 535_000 loses exactly the
	// default tolerance and still passes.
	res, err := g.Evaluate(context.Background(), testInput(535_000))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Verdict != VerdictProfitable {
		t.Fatalf("at -tolerance: Verdict = %v, want profitable", res.Verdict)
	}
	if want := big.NewInt(-5_000); res.Profit.Cmp(want) != 0 {
		t.Fatalf("Profit = %v, want %v", res.Profit, want)
	}

	// One unit deeper fails.
	res, err = g.Evaluate(context.Background(), testInput(534_999))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Verdict != VerdictUnprofitable {
		t.Fatalf("below -tolerance: Verdict = %v, want unprofitable", res.Verdict)
	}
	if res.Reason != ReasonBelowTolerance {
		t.Fatalf("Reason = %q, want below_tolerance", res.Reason)
	}
}

func TestEvaluateCustomTolerance(t *testing.T) {
	g, _ := newTestGate(fixedPrice(4_500_000_000))

	in := testInput(539_999) // profit -1
	in.LossTolerance = big.NewInt(0)
	res, err := g.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Verdict != VerdictUnprofitable {
		t.Fatalf("Verdict = %v, want unprofitable at zero tolerance", res.Verdict)
	}

	in = testInput(540_000) // profit 0
	in.LossTolerance = big.NewInt(0)
	res, err = g.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Verdict != VerdictProfitable {
		t.Fatalf("Verdict = %v, want profitable at break-even", res.Verdict)
	}
}

func TestEvaluateWouldRevert(t *testing.T) {
	g, node := newTestGate(fixedPrice(4_500_000_000))
	node.estimateErr = errors.New("execution reverted: request not pending")

	res, err := g.Evaluate(context.Background(), testInput(600_000))
	if err != nil {
		t.Fatalf("Evaluate: %v, reverting simulation must be a verdict", err)
	}
	if res.Verdict != VerdictUndecidable {
		t.Fatalf("Verdict = %v, want undecidable", res.Verdict)
	}
	if res.Reason != ReasonWouldRevert {
		t.Fatalf("Reason = %q, want would_revert", res.Reason)
	}
}

func TestEvaluateEstimateError(t *testing.T) {
	g, node := newTestGate(fixedPrice(4_500_000_000))
	node.estimateErr = errors.New("connection refused")

	_, err := g.Evaluate(context.Background(), testInput(600_000))
	if err == nil {
		t.Fatal("want error when estimation fails for transport reasons")
	}
}

func TestEvaluateFailOpenOnPriceError(t *testing.T) {
	g, _ := newTestGate(func(context.Context) (*big.Int, error) {
		return nil, errors.New("oracle timeout")
	})

	res, err := g.Evaluate(context.Background(), testInput(600_000))
	if err != nil {
		t.Fatalf("Evaluate: %v, price failure must fail open", err)
	}
	if res.Verdict != VerdictProfitable {
		t.Fatalf("Verdict = %v, want profitable", res.Verdict)
	}
	if res.Reason != ReasonPriceUnavailable {
		t.Fatalf("Reason = %q, want price_unavailable", res.Reason)
	}
	if res.EthPrice != nil {
		t.Fatalf("EthPrice = %v, want nil when unavailable", res.EthPrice)
	}
	if res.UsdcCost.Sign() != 0 {
		t.Fatalf("UsdcCost = %v, want 0", res.UsdcCost)
	}
	if want := big.NewInt(600_000); res.Profit.Cmp(want) != 0 {
		t.Fatalf("Profit = %v, want reimbursement %v", res.Profit, want)
	}
}

func TestEvaluateFailOpenOnZeroPrice(t *testing.T) {
	g, _ := newTestGate(fixedPrice(0))

	res, err := g.Evaluate(context.Background(), testInput(600_000))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Verdict != VerdictProfitable || res.Reason != ReasonPriceUnavailable {
		t.Fatalf("got %v/%q, want profitable/price_unavailable", res.Verdict, res.Reason)
	}
}

func TestUsdcCostLargeValues(t *testing.T) {
	// 30M gas at 1000 gwei burns 3e19 wei, 30 ETH. At $10000/ETH the
	// cost is 3e19 * 1e10 / 1e18 = 3e11, $300k in 6-decimal units.
	wei := new(big.Int).Mul(big.NewInt(30_000_000), big.NewInt(1_000_000_000_000))
	got := usdcCost(wei, big.NewInt(10_000_000_000))
	if want := big.NewInt(300_000_000_000); got.Cmp(want) != 0 {
		t.Fatalf("usdcCost = %v, want %v", got, want)
	}
}

func TestVerdictString(t *testing.T) {
	cases := []struct {
		v    Verdict
		want string
	}{
		{VerdictProfitable, "profitable"},
		{VerdictUnprofitable, "unprofitable"},
		{VerdictUndecidable, "undecidable"},
		{Verdict(9), "verdict(9)"},
	}
	for _, tc := range cases {
		if got := tc.v.String(); got != tc.want {
			t.Fatalf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestResultFields(t *testing.T) {
	res := &Result{
		Verdict:  VerdictUnprofitable,
		Reason:   ReasonBelowTolerance,
		GasLimit: 120_000,
		GasPrice: big.NewInt(1),
		UsdcCost: big.NewInt(540_000),
		Profit:   big.NewInt(-6_000),
	}
	fields := res.Fields()
	if len(fields)%2 != 0 {
		t.Fatalf("Fields() length %d is odd", len(fields))
	}
	var hasReason bool
	for i := 0; i < len(fields); i += 2 {
		if fields[i] == "reason" {
			hasReason = true
			if fields[i+1] != "below_tolerance" {
				t.Fatalf("reason = %v", fields[i+1])
			}
		}
	}
	if !hasReason {
		t.Fatal("Fields() missing reason for a qualified verdict")
	}

	res.Reason = ReasonNone
	for i, f := range res.Fields() {
		if i%2 == 0 && f == "reason" {
			t.Fatal("Fields() carries an empty reason")
		}
	}
}
