// keepalive.go binds the keep-alive contract: recurring subscriptions any
// agent may fulfill when their interval elapses. The driver enumerates ids,
// checks readiness and submits fulfill writes through the sender.
package contracts

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Keep-alive event names, as emitted on chain.
const (
	EventSubscriptionCreated   = "SubscriptionCreated"
	EventSubscriptionFulfilled = "SubscriptionFulfilled"
	EventSubscriptionCancelled = "SubscriptionCancelled"
)

const keepAliveABIJSON = `[
  {"type": "function", "name": "getSubscriptionCount", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "subscriptionIds", "stateMutability": "view", "inputs": [{"name": "index", "type": "uint256"}], "outputs": [{"name": "", "type": "bytes32"}]},
  {"type": "function", "name": "getSubscription", "stateMutability": "view", "inputs": [{"name": "subscriptionId", "type": "bytes32"}], "outputs": [
    {"name": "consumer", "type": "address"},
    {"name": "target", "type": "address"},
    {"name": "callbackGasLimit", "type": "uint64"},
    {"name": "interval", "type": "uint64"},
    {"name": "feePerCycle", "type": "uint256"},
    {"name": "estimatedGasCost", "type": "uint256"},
    {"name": "maxFulfillments", "type": "uint64"},
    {"name": "fulfillmentCount", "type": "uint64"},
    {"name": "lastFulfilled", "type": "uint64"},
    {"name": "active", "type": "bool"}
  ]},
  {"type": "function", "name": "getSubscriptionCost", "stateMutability": "view", "inputs": [{"name": "subscriptionId", "type": "bytes32"}], "outputs": [
    {"name": "fee", "type": "uint256"},
    {"name": "gasReimbursement", "type": "uint256"}
  ]},
  {"type": "function", "name": "isReady", "stateMutability": "view", "inputs": [{"name": "subscriptionId", "type": "bytes32"}], "outputs": [{"name": "", "type": "bool"}]},
  {"type": "function", "name": "getBalance", "stateMutability": "view", "inputs": [{"name": "account", "type": "address"}], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "getEthPrice", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "estimateGasReimbursement", "stateMutability": "view", "inputs": [{"name": "weiCost", "type": "uint256"}], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "getStats", "stateMutability": "view", "inputs": [], "outputs": [
    {"name": "totalSubscriptions", "type": "uint256"},
    {"name": "activeSubscriptions", "type": "uint256"},
    {"name": "totalFulfillments", "type": "uint256"},
    {"name": "totalVolume", "type": "uint256"}
  ]},
  {"type": "function", "name": "depositUSDC", "stateMutability": "nonpayable", "inputs": [{"name": "amount", "type": "uint256"}], "outputs": []},
  {"type": "function", "name": "createSubscription", "stateMutability": "nonpayable", "inputs": [
    {"name": "target", "type": "address"},
    {"name": "callbackGasLimit", "type": "uint64"},
    {"name": "interval", "type": "uint64"},
    {"name": "feePerCycle", "type": "uint256"},
    {"name": "maxFulfillments", "type": "uint64"}
  ], "outputs": []},
  {"type": "function", "name": "updateSubscription", "stateMutability": "nonpayable", "inputs": [
    {"name": "subscriptionId", "type": "bytes32"},
    {"name": "interval", "type": "uint64"},
    {"name": "feePerCycle", "type": "uint256"},
    {"name": "maxFulfillments", "type": "uint64"}
  ], "outputs": []},
  {"type": "function", "name": "cancelSubscription", "stateMutability": "nonpayable", "inputs": [{"name": "subscriptionId", "type": "bytes32"}], "outputs": []},
  {"type": "function", "name": "fulfill", "stateMutability": "nonpayable", "inputs": [{"name": "subscriptionId", "type": "bytes32"}], "outputs": []},
  {"type": "event", "name": "SubscriptionCreated", "anonymous": false, "inputs": [
    {"name": "subscriptionId", "type": "bytes32", "indexed": true},
    {"name": "consumer", "type": "address", "indexed": true},
    {"name": "interval", "type": "uint64", "indexed": false},
    {"name": "feePerCycle", "type": "uint256", "indexed": false}
  ]},
  {"type": "event", "name": "SubscriptionFulfilled", "anonymous": false, "inputs": [
    {"name": "subscriptionId", "type": "bytes32", "indexed": true},
    {"name": "agent", "type": "address", "indexed": true},
    {"name": "payout", "type": "uint256", "indexed": false},
    {"name": "fulfillmentCount", "type": "uint64", "indexed": false}
  ]},
  {"type": "event", "name": "SubscriptionCancelled", "anonymous": false, "inputs": [
    {"name": "subscriptionId", "type": "bytes32", "indexed": true}
  ]}
]`

var keepAliveABI = mustABI(keepAliveABIJSON)

// Subscription mirrors a keep-alive subscription record. FeePerCycle is
// 6-decimal USDC, EstimatedGasCost is wei, Interval and timestamps are
// seconds. MaxFulfillments zero means unbounded.
type Subscription struct {
	ID               common.Hash
	Consumer         common.Address
	Target           common.Address
	CallbackGasLimit uint64
	Interval         uint64
	FeePerCycle      *big.Int
	EstimatedGasCost *big.Int
	MaxFulfillments  uint64
	FulfillmentCount uint64
	LastFulfilled    uint64
	Active           bool
}

// Due reports the locally computable part of readiness: active, cycles
// remaining and interval elapsed. The contract's isReady stays
// authoritative because it may also consult a consumer predicate.
func (s *Subscription) Due(now time.Time) bool {
	if !s.Active {
		return false
	}
	if s.MaxFulfillments > 0 && s.FulfillmentCount >= s.MaxFulfillments {
		return false
	}
	return uint64(now.Unix()) >= s.LastFulfilled+s.Interval
}

// SubscriptionCost is the payout split for one fulfillment cycle.
type SubscriptionCost struct {
	Fee              *big.Int
	GasReimbursement *big.Int
}

// Total returns fee + gas reimbursement, the full reimbursement used by
// the profitability gate.
func (c SubscriptionCost) Total() *big.Int {
	return new(big.Int).Add(c.Fee, c.GasReimbursement)
}

// KeepAliveStats is the contract's global counter block.
type KeepAliveStats struct {
	TotalSubscriptions  *big.Int
	ActiveSubscriptions *big.Int
	TotalFulfillments   *big.Int
	TotalVolume         *big.Int
}

// KeepAlive reads and encodes calls against the keep-alive contract.
type KeepAlive struct {
	addr   common.Address
	caller Caller
}

// NewKeepAlive binds the keep-alive contract at addr through the caller.
func NewKeepAlive(addr common.Address, caller Caller) *KeepAlive {
	return &KeepAlive{addr: addr, caller: caller}
}

// Address returns the bound contract address.
func (k *KeepAlive) Address() common.Address { return k.addr }

// EventID returns the topic hash for a keep-alive event name.
func (k *KeepAlive) EventID(name string) common.Hash {
	return keepAliveABI.Events[name].ID
}

// SubscriptionCount returns the number of subscriptions ever created.
func (k *KeepAlive) SubscriptionCount(ctx context.Context) (uint64, error) {
	vals, err := call(ctx, k.caller, &keepAliveABI, k.addr, "getSubscriptionCount")
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

// SubscriptionIDAt returns the subscription id at index i.
func (k *KeepAlive) SubscriptionIDAt(ctx context.Context, i uint64) (common.Hash, error) {
	vals, err := call(ctx, k.caller, &keepAliveABI, k.addr, "subscriptionIds", new(big.Int).SetUint64(i))
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(vals[0].([32]byte)), nil
}

// GetSubscription reads the subscription record for id.
func (k *KeepAlive) GetSubscription(ctx context.Context, id common.Hash) (Subscription, error) {
	vals, err := call(ctx, k.caller, &keepAliveABI, k.addr, "getSubscription", id)
	if err != nil {
		return Subscription{}, err
	}
	return Subscription{
		ID:               id,
		Consumer:         vals[0].(common.Address),
		Target:           vals[1].(common.Address),
		CallbackGasLimit: vals[2].(uint64),
		Interval:         vals[3].(uint64),
		FeePerCycle:      vals[4].(*big.Int),
		EstimatedGasCost: vals[5].(*big.Int),
		MaxFulfillments:  vals[6].(uint64),
		FulfillmentCount: vals[7].(uint64),
		LastFulfilled:    vals[8].(uint64),
		Active:           vals[9].(bool),
	}, nil
}

// GetSubscriptionCost reads the fee and gas reimbursement one fulfillment
// of id pays right now.
func (k *KeepAlive) GetSubscriptionCost(ctx context.Context, id common.Hash) (SubscriptionCost, error) {
	vals, err := call(ctx, k.caller, &keepAliveABI, k.addr, "getSubscriptionCost", id)
	if err != nil {
		return SubscriptionCost{}, err
	}
	return SubscriptionCost{
		Fee:              vals[0].(*big.Int),
		GasReimbursement: vals[1].(*big.Int),
	}, nil
}

// IsReady asks the contract whether id can be fulfilled right now.
func (k *KeepAlive) IsReady(ctx context.Context, id common.Hash) (bool, error) {
	vals, err := call(ctx, k.caller, &keepAliveABI, k.addr, "isReady", id)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// PackSubscriptionIDAt encodes subscriptionIds(i) for batched reads.
func (k *KeepAlive) PackSubscriptionIDAt(i uint64) ([]byte, error) {
	return keepAliveABI.Pack("subscriptionIds", new(big.Int).SetUint64(i))
}

// UnpackSubscriptionID decodes a subscriptionIds reply.
func (k *KeepAlive) UnpackSubscriptionID(out []byte) (common.Hash, error) {
	vals, err := keepAliveABI.Unpack("subscriptionIds", out)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: subscriptionIds: %v", ErrBadResponse, err)
	}
	return common.Hash(vals[0].([32]byte)), nil
}

// PackIsReady encodes isReady(id) for batched reads.
func (k *KeepAlive) PackIsReady(id common.Hash) ([]byte, error) {
	return keepAliveABI.Pack("isReady", id)
}

// UnpackIsReady decodes an isReady reply.
func (k *KeepAlive) UnpackIsReady(out []byte) (bool, error) {
	vals, err := keepAliveABI.Unpack("isReady", out)
	if err != nil {
		return false, fmt.Errorf("%w: isReady: %v", ErrBadResponse, err)
	}
	return vals[0].(bool), nil
}

// GetBalance returns the account's deposited USDC balance.
func (k *KeepAlive) GetBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	vals, err := call(ctx, k.caller, &keepAliveABI, k.addr, "getBalance", account)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// GetEthPrice returns the oracle ETH price in 6-decimal USDC units per
// 1e18 wei.
func (k *KeepAlive) GetEthPrice(ctx context.Context) (*big.Int, error) {
	vals, err := call(ctx, k.caller, &keepAliveABI, k.addr, "getEthPrice")
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// EstimateGasReimbursement converts a wei cost into USDC reimbursement.
func (k *KeepAlive) EstimateGasReimbursement(ctx context.Context, weiCost *big.Int) (*big.Int, error) {
	vals, err := call(ctx, k.caller, &keepAliveABI, k.addr, "estimateGasReimbursement", weiCost)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// GetStats reads the contract's global counters.
func (k *KeepAlive) GetStats(ctx context.Context) (KeepAliveStats, error) {
	vals, err := call(ctx, k.caller, &keepAliveABI, k.addr, "getStats")
	if err != nil {
		return KeepAliveStats{}, err
	}
	return KeepAliveStats{
		TotalSubscriptions:  vals[0].(*big.Int),
		ActiveSubscriptions: vals[1].(*big.Int),
		TotalFulfillments:   vals[2].(*big.Int),
		TotalVolume:         vals[3].(*big.Int),
	}, nil
}

// PackDepositUSDC encodes depositUSDC(amount).
func (k *KeepAlive) PackDepositUSDC(amount *big.Int) ([]byte, error) {
	return keepAliveABI.Pack("depositUSDC", amount)
}

// PackCreateSubscription encodes createSubscription.
func (k *KeepAlive) PackCreateSubscription(target common.Address, callbackGasLimit, interval uint64, feePerCycle *big.Int, maxFulfillments uint64) ([]byte, error) {
	return keepAliveABI.Pack("createSubscription", target, callbackGasLimit, interval, feePerCycle, maxFulfillments)
}

// PackUpdateSubscription encodes updateSubscription.
func (k *KeepAlive) PackUpdateSubscription(id common.Hash, interval uint64, feePerCycle *big.Int, maxFulfillments uint64) ([]byte, error) {
	return keepAliveABI.Pack("updateSubscription", id, interval, feePerCycle, maxFulfillments)
}

// PackCancelSubscription encodes cancelSubscription(subscriptionId).
func (k *KeepAlive) PackCancelSubscription(id common.Hash) ([]byte, error) {
	return keepAliveABI.Pack("cancelSubscription", id)
}

// PackFulfill encodes fulfill(subscriptionId).
func (k *KeepAlive) PackFulfill(id common.Hash) ([]byte, error) {
	return keepAliveABI.Pack("fulfill", id)
}

// SubscriptionCreatedEvent is the decoded SubscriptionCreated log.
type SubscriptionCreatedEvent struct {
	SubscriptionId common.Hash
	Consumer       common.Address
	Interval       uint64
	FeePerCycle    *big.Int
	Raw            types.Log
}

// SubscriptionFulfilledEvent is the decoded SubscriptionFulfilled log.
type SubscriptionFulfilledEvent struct {
	SubscriptionId   common.Hash
	Agent            common.Address
	Payout           *big.Int
	FulfillmentCount uint64
	Raw              types.Log
}

// SubscriptionCancelledEvent is the decoded SubscriptionCancelled log.
type SubscriptionCancelledEvent struct {
	SubscriptionId common.Hash
	Raw            types.Log
}

// DecodeSubscriptionCreated decodes a SubscriptionCreated log.
func (k *KeepAlive) DecodeSubscriptionCreated(lg types.Log) (*SubscriptionCreatedEvent, error) {
	vals, err := eventVals(&keepAliveABI, EventSubscriptionCreated, lg, 3)
	if err != nil {
		return nil, err
	}
	return &SubscriptionCreatedEvent{
		SubscriptionId: lg.Topics[1],
		Consumer:       topicAddress(lg.Topics[2]),
		Interval:       vals[0].(uint64),
		FeePerCycle:    vals[1].(*big.Int),
		Raw:            lg,
	}, nil
}

// DecodeSubscriptionFulfilled decodes a SubscriptionFulfilled log.
func (k *KeepAlive) DecodeSubscriptionFulfilled(lg types.Log) (*SubscriptionFulfilledEvent, error) {
	vals, err := eventVals(&keepAliveABI, EventSubscriptionFulfilled, lg, 3)
	if err != nil {
		return nil, err
	}
	return &SubscriptionFulfilledEvent{
		SubscriptionId:   lg.Topics[1],
		Agent:            topicAddress(lg.Topics[2]),
		Payout:           vals[0].(*big.Int),
		FulfillmentCount: vals[1].(uint64),
		Raw:              lg,
	}, nil
}

// DecodeSubscriptionCancelled decodes a SubscriptionCancelled log.
func (k *KeepAlive) DecodeSubscriptionCancelled(lg types.Log) (*SubscriptionCancelledEvent, error) {
	if _, err := eventVals(&keepAliveABI, EventSubscriptionCancelled, lg, 2); err != nil {
		return nil, err
	}
	return &SubscriptionCancelledEvent{
		SubscriptionId: lg.Topics[1],
		Raw:            lg,
	}, nil
}
