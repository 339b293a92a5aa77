// buyback.go binds the buyback module. The hub flushes protocol fees into
// it; the agent only reads its counters for the state cache.
package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const buybackABIJSON = `[
  {"type": "function", "name": "getStats", "stateMutability": "view", "inputs": [], "outputs": [
    {"name": "totalBought", "type": "uint256"},
    {"name": "totalBurned", "type": "uint256"},
    {"name": "pendingFees", "type": "uint256"},
    {"name": "lastBuyback", "type": "uint64"}
  ]}
]`

var buybackABI = mustABI(buybackABIJSON)

// BuybackStats mirrors the buyback module's counters. TotalBought and
// TotalBurned are protocol token units, PendingFees is 6-decimal USDC.
type BuybackStats struct {
	TotalBought *big.Int
	TotalBurned *big.Int
	PendingFees *big.Int
	LastBuyback uint64
}

// Buyback reads the buyback module.
type Buyback struct {
	addr   common.Address
	caller Caller
}

// NewBuyback binds the buyback module at addr through the caller.
func NewBuyback(addr common.Address, caller Caller) *Buyback {
	return &Buyback{addr: addr, caller: caller}
}

// Address returns the bound contract address.
func (b *Buyback) Address() common.Address { return b.addr }

// GetStats reads the module's counters.
func (b *Buyback) GetStats(ctx context.Context) (BuybackStats, error) {
	vals, err := call(ctx, b.caller, &buybackABI, b.addr, "getStats")
	if err != nil {
		return BuybackStats{}, err
	}
	return BuybackStats{
		TotalBought: vals[0].(*big.Int),
		TotalBurned: vals[1].(*big.Int),
		PendingFees: vals[2].(*big.Int),
		LastBuyback: vals[3].(uint64),
	}, nil
}
