// swap.go binds the two-hop swap router used by the buyback flow: ETH is
// swapped to USDC on a fixed first hop, then to the protocol token through
// a caller-supplied pool.
package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const swapRouterABIJSON = `[
  {"type": "function", "name": "swap", "stateMutability": "payable", "inputs": [{"name": "minMid", "type": "uint256"}], "outputs": []},
  {"type": "function", "name": "swapToToken", "stateMutability": "payable", "inputs": [
    {"name": "poolKey", "type": "tuple", "components": [
      {"name": "currency0", "type": "address"},
      {"name": "currency1", "type": "address"},
      {"name": "fee", "type": "uint24"},
      {"name": "tickSpacing", "type": "int24"},
      {"name": "hooks", "type": "address"}
    ]},
    {"name": "minMid", "type": "uint256"},
    {"name": "minOut", "type": "uint256"},
    {"name": "midIsToken0", "type": "bool"}
  ], "outputs": []}
]`

var swapRouterABI = mustABI(swapRouterABIJSON)

// PoolKey identifies a v4-style pool for the second swap hop. Field order
// matches the on-chain tuple.
type PoolKey struct {
	Currency0   common.Address
	Currency1   common.Address
	Fee         *big.Int
	TickSpacing *big.Int
	Hooks       common.Address
}

// SwapRouter encodes calls against the swap router. The router has no read
// surface the agent needs.
type SwapRouter struct {
	addr common.Address
}

// NewSwapRouter binds the router at addr.
func NewSwapRouter(addr common.Address) *SwapRouter {
	return &SwapRouter{addr: addr}
}

// Address returns the bound contract address.
func (r *SwapRouter) Address() common.Address { return r.addr }

// PackSwap encodes swap(minMid): ETH in, USDC out on the fixed first hop.
func (r *SwapRouter) PackSwap(minMid *big.Int) ([]byte, error) {
	return swapRouterABI.Pack("swap", minMid)
}

// PackSwapToToken encodes swapToToken(poolKey, minMid, minOut, midIsToken0)
// for the full two-hop path into the protocol token.
func (r *SwapRouter) PackSwapToToken(key PoolKey, minMid, minOut *big.Int, midIsToken0 bool) ([]byte, error) {
	return swapRouterABI.Pack("swapToToken", key, minMid, minOut, midIsToken0)
}
