// oracle.go binds the price oracle directly. The hub proxies the price
// through getEthPrice; the agent's price source falls back to the oracle
// itself when the hub read fails.
package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const oracleABIJSON = `[
  {"type": "function", "name": "latestPrice", "stateMutability": "view", "inputs": [], "outputs": [
    {"name": "price", "type": "uint256"},
    {"name": "updatedAt", "type": "uint64"}
  ]},
  {"type": "function", "name": "decimals", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint8"}]}
]`

var oracleABI = mustABI(oracleABIJSON)

// OraclePrice is one oracle observation.
type OraclePrice struct {
	Price     *big.Int
	UpdatedAt uint64
}

// Oracle reads the ETH price oracle.
type Oracle struct {
	addr   common.Address
	caller Caller
}

// NewOracle binds the oracle at addr through the caller.
func NewOracle(addr common.Address, caller Caller) *Oracle {
	return &Oracle{addr: addr, caller: caller}
}

// Address returns the bound contract address.
func (o *Oracle) Address() common.Address { return o.addr }

// LatestPrice reads the most recent observation.
func (o *Oracle) LatestPrice(ctx context.Context) (OraclePrice, error) {
	vals, err := call(ctx, o.caller, &oracleABI, o.addr, "latestPrice")
	if err != nil {
		return OraclePrice{}, err
	}
	return OraclePrice{
		Price:     vals[0].(*big.Int),
		UpdatedAt: vals[1].(uint64),
	}, nil
}

// Decimals returns the oracle's price decimals.
func (o *Oracle) Decimals(ctx context.Context) (uint8, error) {
	vals, err := call(ctx, o.caller, &oracleABI, o.addr, "decimals")
	if err != nil {
		return 0, err
	}
	return vals[0].(uint8), nil
}
