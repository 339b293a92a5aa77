// profit.go implements the pre-submission profitability gate. Before a
// fulfillment write is queued, the gate estimates the call, prices the gas
// in USDC terms and compares the cost against the declared reimbursement.
// The gate is an optimizer, not a safety property: when the price feed is
// unavailable it fails open so the pipeline keeps moving, and a small loss
// tolerance keeps borderline requests flowing through.
package profit

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/metrics"
	"github.com/bobbyswhip/x402c/sender"
)

// DefaultLossTolerance is the largest acceptable shortfall in 6-decimal
// USDC units: $0.005. Gas estimates and the oracle price both carry noise
// on that order, so rejecting inside the band would drop requests that are
// break-even in practice.
const DefaultLossTolerance = 5_000

// weiPerEth scales the oracle price, which is quoted in 6-decimal USDC per
// 1e18 wei.
var weiPerEth = uint256.NewInt(1e18)

// Verdict is the gate's decision for a proposed write.
type Verdict uint8

const (
	// VerdictProfitable clears the write for submission.
	VerdictProfitable Verdict = iota
	// VerdictUnprofitable means the cost exceeds the reimbursement by
	// more than the loss tolerance.
	VerdictUnprofitable
	// VerdictUndecidable means the call could not be priced at all, e.g.
	// the simulation reverted.
	VerdictUndecidable
)

func (v Verdict) String() string {
	switch v {
	case VerdictProfitable:
		return "profitable"
	case VerdictUnprofitable:
		return "unprofitable"
	case VerdictUndecidable:
		return "undecidable"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Reason qualifies a verdict for logs.
type Reason string

const (
	// ReasonNone accompanies an unqualified profitable verdict.
	ReasonNone Reason = ""
	// ReasonWouldRevert means gas estimation reverted, so the write
	// would fail on chain.
	ReasonWouldRevert Reason = "would_revert"
	// ReasonPriceUnavailable marks a fail-open verdict: the oracle
	// price could not be fetched and the cost side is unknown.
	ReasonPriceUnavailable Reason = "price_unavailable"
	// ReasonBelowTolerance means the shortfall exceeds the loss
	// tolerance.
	ReasonBelowTolerance Reason = "below_tolerance"
)

// PriceFunc returns the current ETH price in 6-decimal USDC units per
// 1e18 wei.
type PriceFunc func(ctx context.Context) (*big.Int, error)

// Input describes one proposed write.
type Input struct {
	Target        common.Address
	From          common.Address
	Data          []byte
	Value         *big.Int // nil means zero
	Reimbursement *big.Int // 6-decimal USDC units the contract will pay
	LossTolerance *big.Int // nil uses the gate default
}

// Result carries the verdict and every intermediate of the evaluation so
// callers can log the full decision.
type Result struct {
	Verdict     Verdict
	Reason      Reason
	RawEstimate uint64   // node gas estimate before buffering
	GasLimit    uint64   // buffered estimate, ready for submission
	GasPrice    *big.Int // wei per gas at evaluation time
	WeiCost     *big.Int // GasLimit × GasPrice
	EthPrice    *big.Int // oracle price, nil when unavailable
	UsdcCost    *big.Int // WeiCost priced in 6-decimal USDC
	Profit      *big.Int // Reimbursement − UsdcCost, signed
	Tolerance   *big.Int // loss tolerance applied
}

// Profitable reports whether the write cleared the gate.
func (r *Result) Profitable() bool { return r.Verdict == VerdictProfitable }

// Fields renders the evaluation as structured log attributes.
func (r *Result) Fields() []any {
	fields := []any{
		"verdict", r.Verdict.String(),
		"gasLimit", r.GasLimit,
		"gasPrice", r.GasPrice,
		"usdcCost", r.UsdcCost,
		"profit", r.Profit,
	}
	if r.Reason != ReasonNone {
		fields = append(fields, "reason", string(r.Reason))
	}
	return fields
}

// Config tunes the gate.
type Config struct {
	EthPrice      PriceFunc
	LossTolerance *big.Int // nil for DefaultLossTolerance
	GasBufferPct  uint64   // 0 for sender.GasBufferPercent
}

// Gate evaluates proposed writes against their reimbursement.
type Gate struct {
	client *chain.Client
	cfg    Config
}

// New creates a gate reading gas data through client and ETH prices
// through cfg.EthPrice.
func New(client *chain.Client, cfg Config) *Gate {
	if cfg.LossTolerance == nil {
		cfg.LossTolerance = big.NewInt(DefaultLossTolerance)
	}
	if cfg.GasBufferPct == 0 {
		cfg.GasBufferPct = sender.GasBufferPercent
	}
	return &Gate{client: client, cfg: cfg}
}

// Evaluate prices the write described by in and decides whether it is
// worth submitting. Pure beyond RPC reads: the same chain state and
// inputs always produce the same result.
//
// A reverting simulation is a verdict, not an error. Other estimation or
// gas price failures are errors, because the gate cannot decide without
// them. A price feed failure is neither: the gate fails open with
// ReasonPriceUnavailable.
func (g *Gate) Evaluate(ctx context.Context, in Input) (*Result, error) {
	metrics.GateEvaluations.Inc()

	res := &Result{Tolerance: g.tolerance(in)}

	raw, err := g.client.EstimateGas(ctx, in.From, in.Target, in.Data, in.Value)
	if err != nil {
		if chain.IsRevert(err) {
			res.Verdict = VerdictUndecidable
			res.Reason = ReasonWouldRevert
			metrics.GateRejections.Inc()
			return res, nil
		}
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	res.RawEstimate = raw
	res.GasLimit = raw * g.cfg.GasBufferPct / 100

	res.GasPrice, err = g.client.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch gas price: %w", err)
	}
	res.WeiCost = new(big.Int).Mul(new(big.Int).SetUint64(res.GasLimit), res.GasPrice)

	price, err := g.cfg.EthPrice(ctx)
	if err != nil || price == nil || price.Sign() <= 0 {
		res.Verdict = VerdictProfitable
		res.Reason = ReasonPriceUnavailable
		res.UsdcCost = new(big.Int)
		res.Profit = reimbursement(in)
		metrics.GateFailOpen.Inc()
		return res, nil
	}
	res.EthPrice = price

	res.UsdcCost = usdcCost(res.WeiCost, price)
	res.Profit = new(big.Int).Sub(reimbursement(in), res.UsdcCost)

	// Profitable down to and including the tolerated loss.
	floor := new(big.Int).Neg(res.Tolerance)
	if res.Profit.Cmp(floor) >= 0 {
		res.Verdict = VerdictProfitable
		return res, nil
	}
	res.Verdict = VerdictUnprofitable
	res.Reason = ReasonBelowTolerance
	metrics.GateRejections.Inc()
	return res, nil
}

func (g *Gate) tolerance(in Input) *big.Int {
	if in.LossTolerance != nil {
		return in.LossTolerance
	}
	return g.cfg.LossTolerance
}

func reimbursement(in Input) *big.Int {
	if in.Reimbursement == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(in.Reimbursement)
}

// usdcCost computes weiCost × ethPrice / 1e18 the way the contracts do,
// in uint256 with a 512-bit intermediate. An overflowing product clamps
// to the maximum, which lands on the rejecting side.
func usdcCost(weiCost, ethPrice *big.Int) *big.Int {
	wei, overflow := uint256.FromBig(weiCost)
	if overflow {
		return maxCost()
	}
	price, overflow := uint256.FromBig(ethPrice)
	if overflow {
		return maxCost()
	}
	var cost uint256.Int
	if _, overflow := cost.MulDivOverflow(wei, price, weiPerEth); overflow {
		return maxCost()
	}
	return cost.ToBig()
}

func maxCost() *big.Int {
	var m uint256.Int
	return m.SetAllOne().ToBig()
}
