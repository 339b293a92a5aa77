// governance.go binds the protocol governor and its timelock, read-only:
// the state cache surfaces governance parameters and the proposal list.
// The timelock address is discovered from the governor itself.
package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const governorABIJSON = `[
  {"type": "function", "name": "votingDelay", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "votingPeriod", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "proposalThreshold", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "quorumNumerator", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "timelock", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "address"}]},
  {"type": "function", "name": "proposalCount", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "proposalAt", "stateMutability": "view", "inputs": [{"name": "index", "type": "uint256"}], "outputs": [
    {"name": "id", "type": "uint256"},
    {"name": "proposer", "type": "address"},
    {"name": "description", "type": "string"},
    {"name": "startBlock", "type": "uint64"},
    {"name": "endBlock", "type": "uint64"},
    {"name": "forVotes", "type": "uint256"},
    {"name": "againstVotes", "type": "uint256"},
    {"name": "abstainVotes", "type": "uint256"},
    {"name": "state", "type": "uint8"}
  ]}
]`

const timelockABIJSON = `[
  {"type": "function", "name": "getMinDelay", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]}
]`

var (
	governorABI = mustABI(governorABIJSON)
	timelockABI = mustABI(timelockABIJSON)
)

// ProposalState follows the standard governor lifecycle numbering.
type ProposalState uint8

const (
	ProposalPending ProposalState = iota
	ProposalActive
	ProposalCanceled
	ProposalDefeated
	ProposalSucceeded
	ProposalQueued
	ProposalExpired
	ProposalExecuted
)

func (s ProposalState) String() string {
	switch s {
	case ProposalPending:
		return "pending"
	case ProposalActive:
		return "active"
	case ProposalCanceled:
		return "canceled"
	case ProposalDefeated:
		return "defeated"
	case ProposalSucceeded:
		return "succeeded"
	case ProposalQueued:
		return "queued"
	case ProposalExpired:
		return "expired"
	case ProposalExecuted:
		return "executed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// GovernorInfo aggregates the governor's parameters plus the discovered
// timelock address and delay.
type GovernorInfo struct {
	VotingDelay       *big.Int
	VotingPeriod      *big.Int
	ProposalThreshold *big.Int
	QuorumNumerator   *big.Int
	Timelock          common.Address
	TimelockMinDelay  *big.Int
}

// Proposal is one governance proposal.
type Proposal struct {
	ID           *big.Int
	Proposer     common.Address
	Description  string
	StartBlock   uint64
	EndBlock     uint64
	ForVotes     *big.Int
	AgainstVotes *big.Int
	AbstainVotes *big.Int
	State        ProposalState
}

// Governor reads the protocol governor.
type Governor struct {
	addr   common.Address
	caller Caller
}

// NewGovernor binds the governor at addr through the caller.
func NewGovernor(addr common.Address, caller Caller) *Governor {
	return &Governor{addr: addr, caller: caller}
}

// Address returns the bound contract address.
func (g *Governor) Address() common.Address { return g.addr }

// Info reads the governor's parameters and, when a timelock is wired,
// the timelock's minimum delay. A missing timelock leaves those fields
// zero rather than failing the read.
func (g *Governor) Info(ctx context.Context) (GovernorInfo, error) {
	var info GovernorInfo
	vals, err := call(ctx, g.caller, &governorABI, g.addr, "votingDelay")
	if err != nil {
		return info, err
	}
	info.VotingDelay = vals[0].(*big.Int)
	vals, err = call(ctx, g.caller, &governorABI, g.addr, "votingPeriod")
	if err != nil {
		return info, err
	}
	info.VotingPeriod = vals[0].(*big.Int)
	vals, err = call(ctx, g.caller, &governorABI, g.addr, "proposalThreshold")
	if err != nil {
		return info, err
	}
	info.ProposalThreshold = vals[0].(*big.Int)
	vals, err = call(ctx, g.caller, &governorABI, g.addr, "quorumNumerator")
	if err != nil {
		return info, err
	}
	info.QuorumNumerator = vals[0].(*big.Int)
	vals, err = call(ctx, g.caller, &governorABI, g.addr, "timelock")
	if err != nil {
		return info, err
	}
	info.Timelock = vals[0].(common.Address)
	if info.Timelock != (common.Address{}) {
		vals, err = call(ctx, g.caller, &timelockABI, info.Timelock, "getMinDelay")
		if err != nil {
			return info, err
		}
		info.TimelockMinDelay = vals[0].(*big.Int)
	}
	return info, nil
}

// ProposalCount returns the number of proposals ever created.
func (g *Governor) ProposalCount(ctx context.Context) (uint64, error) {
	vals, err := call(ctx, g.caller, &governorABI, g.addr, "proposalCount")
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

// ProposalAt reads the proposal at index i.
func (g *Governor) ProposalAt(ctx context.Context, i uint64) (Proposal, error) {
	vals, err := call(ctx, g.caller, &governorABI, g.addr, "proposalAt", new(big.Int).SetUint64(i))
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{
		ID:           vals[0].(*big.Int),
		Proposer:     vals[1].(common.Address),
		Description:  vals[2].(string),
		StartBlock:   vals[3].(uint64),
		EndBlock:     vals[4].(uint64),
		ForVotes:     vals[5].(*big.Int),
		AgainstVotes: vals[6].(*big.Int),
		AbstainVotes: vals[7].(*big.Int),
		State:        ProposalState(vals[8].(uint8)),
	}, nil
}
