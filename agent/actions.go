// actions.go is the operator write surface: funding the hub balance,
// managing the stake and driving the buyback swaps. Every action runs
// through the sender's single queue, so operator writes and fulfillment
// writes never race on the nonce.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/sender"
)

// ErrBadAmount is returned when an action is given a nil or non-positive
// amount.
var ErrBadAmount = errors.New("agent: amount must be positive")

// DepositUSDC moves amount from the agent's wallet into its hub balance,
// approving the hub first when the allowance is short.
func (a *Agent) DepositUSDC(ctx context.Context, amount *big.Int) (*sender.Result, error) {
	if a.usdc == nil {
		return nil, fmt.Errorf("%w: usdc", ErrNotConfigured)
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if err := a.ensureAllowance(ctx, a.usdc, a.hub.Address(), amount); err != nil {
		return nil, err
	}
	data, err := a.hub.PackDepositUSDC(amount)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "depositUSDC", a.hub.Address(), data, nil)
}

// Stake locks amount of the protocol token in the staking contract,
// approving it first when the allowance is short.
func (a *Agent) Stake(ctx context.Context, amount *big.Int) (*sender.Result, error) {
	if a.staking == nil {
		return nil, fmt.Errorf("%w: staking", ErrNotConfigured)
	}
	if a.token == nil {
		return nil, fmt.Errorf("%w: token", ErrNotConfigured)
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if err := a.ensureAllowance(ctx, a.token, a.staking.Address(), amount); err != nil {
		return nil, err
	}
	data, err := a.staking.PackStake(amount)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "stake", a.staking.Address(), data, nil)
}

// RequestUnstake starts the unstake delay for amount of the stake.
func (a *Agent) RequestUnstake(ctx context.Context, amount *big.Int) (*sender.Result, error) {
	if a.staking == nil {
		return nil, fmt.Errorf("%w: staking", ErrNotConfigured)
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	data, err := a.staking.PackRequestUnstake(amount)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "requestUnstake", a.staking.Address(), data, nil)
}

// Withdraw collects stake whose unstake delay has elapsed.
func (a *Agent) Withdraw(ctx context.Context) (*sender.Result, error) {
	if a.staking == nil {
		return nil, fmt.Errorf("%w: staking", ErrNotConfigured)
	}
	data, err := a.staking.PackWithdraw()
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "withdraw", a.staking.Address(), data, nil)
}

// ClaimRewards pays out the accumulated staking rewards.
func (a *Agent) ClaimRewards(ctx context.Context) (*sender.Result, error) {
	if a.staking == nil {
		return nil, fmt.Errorf("%w: staking", ErrNotConfigured)
	}
	data, err := a.staking.PackClaimRewards()
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "claimRewards", a.staking.Address(), data, nil)
}

// Compound restakes the accumulated staking rewards.
func (a *Agent) Compound(ctx context.Context) (*sender.Result, error) {
	if a.staking == nil {
		return nil, fmt.Errorf("%w: staking", ErrNotConfigured)
	}
	data, err := a.staking.PackCompound()
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "compound", a.staking.Address(), data, nil)
}

// Swap sends value wei through the router's fixed first hop, ETH to
// USDC. minMid bounds the acceptable USDC out.
func (a *Agent) Swap(ctx context.Context, value, minMid *big.Int) (*sender.Result, error) {
	if a.swap == nil {
		return nil, fmt.Errorf("%w: swap router", ErrNotConfigured)
	}
	if err := checkAmount(value); err != nil {
		return nil, err
	}
	data, err := a.swap.PackSwap(minMid)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "swap", a.swap.Address(), data, value)
}

// SwapToToken sends value wei through both hops into the protocol token.
// key names the second-hop pool; minMid and minOut bound each hop.
func (a *Agent) SwapToToken(ctx context.Context, value *big.Int, key contracts.PoolKey, minMid, minOut *big.Int, midIsToken0 bool) (*sender.Result, error) {
	if a.swap == nil {
		return nil, fmt.Errorf("%w: swap router", ErrNotConfigured)
	}
	if err := checkAmount(value); err != nil {
		return nil, err
	}
	data, err := a.swap.PackSwapToToken(key, minMid, minOut, midIsToken0)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, "swapToToken", a.swap.Address(), data, value)
}

// ensureAllowance approves spender for amount when the current allowance
// is short. Approvals are exact, never unlimited.
func (a *Agent) ensureAllowance(ctx context.Context, token *contracts.ERC20, spender common.Address, amount *big.Int) error {
	need, err := token.NeedsApproval(ctx, a.send.From(), spender, amount)
	if err != nil {
		return fmt.Errorf("allowance check: %w", err)
	}
	if !need {
		return nil
	}
	data, err := token.PackApprove(spender, amount)
	if err != nil {
		return err
	}
	result, err := a.submit(ctx, "approve", token.Address(), data, nil)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	a.logger.Info("allowance approved",
		"token", token.Address(), "spender", spender, "amount", amount, "hash", result.Hash)
	return nil
}

// submit estimates gas for one calldata blob, buffers the estimate and
// queues the transaction under the given label.
func (a *Agent) submit(ctx context.Context, label string, to common.Address, data []byte, value *big.Int) (*sender.Result, error) {
	result, err := a.send.Submit(ctx, label, func(ctx context.Context) (*sender.Prepared, error) {
		raw, err := a.client.EstimateGas(ctx, a.send.From(), to, data, value)
		if err != nil {
			return nil, err
		}
		return &sender.Prepared{To: to, Data: data, Value: value, GasLimit: sender.BufferGas(raw)}, nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("action confirmed", "action", label, "hash", result.Hash, "block", result.Block)
	return result, nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrBadAmount
	}
	return nil
}
