// erc20.go binds the minimal ERC-20 surface the agent touches: balances,
// allowances and the approve call used by the auto-approve path before
// deposits.
package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
  {"type": "function", "name": "balanceOf", "stateMutability": "view", "inputs": [{"name": "account", "type": "address"}], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "allowance", "stateMutability": "view", "inputs": [{"name": "owner", "type": "address"}, {"name": "spender", "type": "address"}], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "decimals", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint8"}]},
  {"type": "function", "name": "symbol", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "string"}]},
  {"type": "function", "name": "approve", "stateMutability": "nonpayable", "inputs": [{"name": "spender", "type": "address"}, {"name": "amount", "type": "uint256"}], "outputs": [{"name": "", "type": "bool"}]},
  {"type": "function", "name": "transfer", "stateMutability": "nonpayable", "inputs": [{"name": "to", "type": "address"}, {"name": "amount", "type": "uint256"}], "outputs": [{"name": "", "type": "bool"}]}
]`

var erc20ABI = mustABI(erc20ABIJSON)

// MaxApproval is the unlimited allowance value used by the auto-approve
// path so each spender needs at most one approval.
var MaxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ERC20 reads and encodes calls against a token contract.
type ERC20 struct {
	addr   common.Address
	caller Caller
}

// NewERC20 binds the token at addr through the caller.
func NewERC20(addr common.Address, caller Caller) *ERC20 {
	return &ERC20{addr: addr, caller: caller}
}

// Address returns the bound token address.
func (t *ERC20) Address() common.Address { return t.addr }

// BalanceOf returns the account's token balance.
func (t *ERC20) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	vals, err := call(ctx, t.caller, &erc20ABI, t.addr, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// Allowance returns how much spender may move from owner.
func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	vals, err := call(ctx, t.caller, &erc20ABI, t.addr, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// Decimals returns the token's decimal places.
func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	vals, err := call(ctx, t.caller, &erc20ABI, t.addr, "decimals")
	if err != nil {
		return 0, err
	}
	return vals[0].(uint8), nil
}

// Symbol returns the token's ticker symbol.
func (t *ERC20) Symbol(ctx context.Context) (string, error) {
	vals, err := call(ctx, t.caller, &erc20ABI, t.addr, "symbol")
	if err != nil {
		return "", err
	}
	return vals[0].(string), nil
}

// NeedsApproval reports whether owner must approve spender before moving
// amount. An allowance exactly equal to amount is sufficient.
func (t *ERC20) NeedsApproval(ctx context.Context, owner, spender common.Address, amount *big.Int) (bool, error) {
	allowance, err := t.Allowance(ctx, owner, spender)
	if err != nil {
		return false, err
	}
	return allowance.Cmp(amount) < 0, nil
}

// PackApprove encodes approve(spender, amount).
func (t *ERC20) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// PackTransfer encodes transfer(to, amount).
func (t *ERC20) PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}
