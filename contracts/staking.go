// staking.go binds the staking contract. Agents must stake the protocol
// token to be eligible for fulfillment rewards; the agent checks its own
// eligibility at startup and the state cache surfaces the globals.
package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const stakingABIJSON = `[
  {"type": "function", "name": "getStakeInfo", "stateMutability": "view", "inputs": [{"name": "account", "type": "address"}], "outputs": [
    {"name": "amount", "type": "uint256"},
    {"name": "shares", "type": "uint256"},
    {"name": "stakedAt", "type": "uint64"},
    {"name": "unstakeAvailableAt", "type": "uint64"},
    {"name": "pendingUnstake", "type": "uint256"}
  ]},
  {"type": "function", "name": "pendingRewards", "stateMutability": "view", "inputs": [{"name": "account", "type": "address"}], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "totalStaked", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "getReputation", "stateMutability": "view", "inputs": [{"name": "account", "type": "address"}], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "isEligibleAgent", "stateMutability": "view", "inputs": [{"name": "account", "type": "address"}], "outputs": [{"name": "", "type": "bool"}]},
  {"type": "function", "name": "minStake", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "unstakeDelay", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint64"}]},
  {"type": "function", "name": "rewardRate", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "stake", "stateMutability": "nonpayable", "inputs": [{"name": "amount", "type": "uint256"}], "outputs": []},
  {"type": "function", "name": "requestUnstake", "stateMutability": "nonpayable", "inputs": [{"name": "amount", "type": "uint256"}], "outputs": []},
  {"type": "function", "name": "withdraw", "stateMutability": "nonpayable", "inputs": [], "outputs": []},
  {"type": "function", "name": "claimRewards", "stateMutability": "nonpayable", "inputs": [], "outputs": []},
  {"type": "function", "name": "compound", "stateMutability": "nonpayable", "inputs": [], "outputs": []}
]`

var stakingABI = mustABI(stakingABIJSON)

// StakeInfo mirrors a staker's position.
type StakeInfo struct {
	Amount             *big.Int
	Shares             *big.Int
	StakedAt           uint64
	UnstakeAvailableAt uint64
	PendingUnstake     *big.Int
}

// StakingParams are the contract's tunable parameters.
type StakingParams struct {
	MinStake     *big.Int
	UnstakeDelay uint64
	RewardRate   *big.Int
}

// Staking reads and encodes calls against the staking contract.
type Staking struct {
	addr   common.Address
	caller Caller
}

// NewStaking binds the staking contract at addr through the caller.
func NewStaking(addr common.Address, caller Caller) *Staking {
	return &Staking{addr: addr, caller: caller}
}

// Address returns the bound contract address.
func (s *Staking) Address() common.Address { return s.addr }

// GetStakeInfo reads the account's staking position.
func (s *Staking) GetStakeInfo(ctx context.Context, account common.Address) (StakeInfo, error) {
	vals, err := call(ctx, s.caller, &stakingABI, s.addr, "getStakeInfo", account)
	if err != nil {
		return StakeInfo{}, err
	}
	return StakeInfo{
		Amount:             vals[0].(*big.Int),
		Shares:             vals[1].(*big.Int),
		StakedAt:           vals[2].(uint64),
		UnstakeAvailableAt: vals[3].(uint64),
		PendingUnstake:     vals[4].(*big.Int),
	}, nil
}

// PendingRewards returns the account's unclaimed reward balance.
func (s *Staking) PendingRewards(ctx context.Context, account common.Address) (*big.Int, error) {
	vals, err := call(ctx, s.caller, &stakingABI, s.addr, "pendingRewards", account)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// TotalStaked returns the global staked amount.
func (s *Staking) TotalStaked(ctx context.Context) (*big.Int, error) {
	vals, err := call(ctx, s.caller, &stakingABI, s.addr, "totalStaked")
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// GetReputation returns the account's reputation score.
func (s *Staking) GetReputation(ctx context.Context, account common.Address) (*big.Int, error) {
	vals, err := call(ctx, s.caller, &stakingABI, s.addr, "getReputation", account)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// IsEligibleAgent reports whether the account's stake qualifies it to
// fulfill requests.
func (s *Staking) IsEligibleAgent(ctx context.Context, account common.Address) (bool, error) {
	vals, err := call(ctx, s.caller, &stakingABI, s.addr, "isEligibleAgent", account)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// Params reads the contract's parameter getters.
func (s *Staking) Params(ctx context.Context) (StakingParams, error) {
	var p StakingParams
	vals, err := call(ctx, s.caller, &stakingABI, s.addr, "minStake")
	if err != nil {
		return p, err
	}
	p.MinStake = vals[0].(*big.Int)
	vals, err = call(ctx, s.caller, &stakingABI, s.addr, "unstakeDelay")
	if err != nil {
		return p, err
	}
	p.UnstakeDelay = vals[0].(uint64)
	vals, err = call(ctx, s.caller, &stakingABI, s.addr, "rewardRate")
	if err != nil {
		return p, err
	}
	p.RewardRate = vals[0].(*big.Int)
	return p, nil
}

// PackStake encodes stake(amount).
func (s *Staking) PackStake(amount *big.Int) ([]byte, error) {
	return stakingABI.Pack("stake", amount)
}

// PackRequestUnstake encodes requestUnstake(amount).
func (s *Staking) PackRequestUnstake(amount *big.Int) ([]byte, error) {
	return stakingABI.Pack("requestUnstake", amount)
}

// PackWithdraw encodes withdraw().
func (s *Staking) PackWithdraw() ([]byte, error) {
	return stakingABI.Pack("withdraw")
}

// PackClaimRewards encodes claimRewards().
func (s *Staking) PackClaimRewards() ([]byte, error) {
	return stakingABI.Pack("claimRewards")
}

// PackCompound encodes compound().
func (s *Staking) PackCompound() ([]byte, error) {
	return stakingABI.Pack("compound")
}
