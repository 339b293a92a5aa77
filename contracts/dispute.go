// dispute.go binds the dispute module, read-only: consumers may contest a
// fulfillment; the state cache surfaces the counters and the most recent
// disputes for operators.
package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const disputeABIJSON = `[
  {"type": "function", "name": "getStats", "stateMutability": "view", "inputs": [], "outputs": [
    {"name": "total", "type": "uint256"},
    {"name": "open", "type": "uint256"},
    {"name": "resolved", "type": "uint256"},
    {"name": "slashedAmount", "type": "uint256"}
  ]},
  {"type": "function", "name": "disputeCount", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "disputeAt", "stateMutability": "view", "inputs": [{"name": "index", "type": "uint256"}], "outputs": [
    {"name": "id", "type": "uint256"},
    {"name": "requestId", "type": "bytes32"},
    {"name": "claimant", "type": "address"},
    {"name": "respondent", "type": "address"},
    {"name": "status", "type": "uint8"},
    {"name": "openedAt", "type": "uint64"},
    {"name": "resolvedAt", "type": "uint64"}
  ]}
]`

var disputeABI = mustABI(disputeABIJSON)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus uint8

const (
	DisputeOpen DisputeStatus = iota
	DisputeResolved
	DisputeDismissed
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeOpen:
		return "open"
	case DisputeResolved:
		return "resolved"
	case DisputeDismissed:
		return "dismissed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// DisputeStats mirrors the module's counters.
type DisputeStats struct {
	Total         *big.Int
	Open          *big.Int
	Resolved      *big.Int
	SlashedAmount *big.Int
}

// Dispute is one contested fulfillment.
type Dispute struct {
	ID         *big.Int
	RequestID  common.Hash
	Claimant   common.Address
	Respondent common.Address
	Status     DisputeStatus
	OpenedAt   uint64
	ResolvedAt uint64
}

// DisputeModule reads the dispute module.
type DisputeModule struct {
	addr   common.Address
	caller Caller
}

// NewDisputeModule binds the module at addr through the caller.
func NewDisputeModule(addr common.Address, caller Caller) *DisputeModule {
	return &DisputeModule{addr: addr, caller: caller}
}

// Address returns the bound contract address.
func (d *DisputeModule) Address() common.Address { return d.addr }

// GetStats reads the module's counters.
func (d *DisputeModule) GetStats(ctx context.Context) (DisputeStats, error) {
	vals, err := call(ctx, d.caller, &disputeABI, d.addr, "getStats")
	if err != nil {
		return DisputeStats{}, err
	}
	return DisputeStats{
		Total:         vals[0].(*big.Int),
		Open:          vals[1].(*big.Int),
		Resolved:      vals[2].(*big.Int),
		SlashedAmount: vals[3].(*big.Int),
	}, nil
}

// DisputeCount returns the number of disputes ever opened.
func (d *DisputeModule) DisputeCount(ctx context.Context) (uint64, error) {
	vals, err := call(ctx, d.caller, &disputeABI, d.addr, "disputeCount")
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

// DisputeAt reads the dispute at index i.
func (d *DisputeModule) DisputeAt(ctx context.Context, i uint64) (Dispute, error) {
	vals, err := call(ctx, d.caller, &disputeABI, d.addr, "disputeAt", new(big.Int).SetUint64(i))
	if err != nil {
		return Dispute{}, err
	}
	return Dispute{
		ID:         vals[0].(*big.Int),
		RequestID:  common.Hash(vals[1].([32]byte)),
		Claimant:   vals[2].(common.Address),
		Respondent: vals[3].(common.Address),
		Status:     DisputeStatus(vals[4].(uint8)),
		OpenedAt:   vals[5].(uint64),
		ResolvedAt: vals[6].(uint64),
	}, nil
}

// Recent reads the newest n disputes, newest first. It never reads past
// the start of the list.
func (d *DisputeModule) Recent(ctx context.Context, n uint64) ([]Dispute, error) {
	count, err := d.DisputeCount(ctx)
	if err != nil {
		return nil, err
	}
	if n > count {
		n = count
	}
	disputes := make([]Dispute, 0, n)
	for i := uint64(0); i < n; i++ {
		dp, err := d.DisputeAt(ctx, count-1-i)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, dp)
	}
	return disputes, nil
}
