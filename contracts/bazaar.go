// bazaar.go binds the resource bazaar, read-only: a listing board of data
// resources endpoint owners sell. The state cache surfaces the listings.
package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const bazaarABIJSON = `[
  {"type": "function", "name": "resourceCount", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
  {"type": "function", "name": "resourceAt", "stateMutability": "view", "inputs": [{"name": "index", "type": "uint256"}], "outputs": [
    {"name": "id", "type": "bytes32"},
    {"name": "seller", "type": "address"},
    {"name": "uri", "type": "string"},
    {"name": "pricePerCall", "type": "uint256"},
    {"name": "active", "type": "bool"},
    {"name": "listedAt", "type": "uint64"}
  ]}
]`

var bazaarABI = mustABI(bazaarABIJSON)

// BazaarResource is one listed resource. PricePerCall is 6-decimal USDC.
type BazaarResource struct {
	ID           common.Hash
	Seller       common.Address
	URI          string
	PricePerCall *big.Int
	Active       bool
	ListedAt     uint64
}

// Bazaar reads the resource bazaar.
type Bazaar struct {
	addr   common.Address
	caller Caller
}

// NewBazaar binds the bazaar at addr through the caller.
func NewBazaar(addr common.Address, caller Caller) *Bazaar {
	return &Bazaar{addr: addr, caller: caller}
}

// Address returns the bound contract address.
func (b *Bazaar) Address() common.Address { return b.addr }

// ResourceCount returns the number of listings.
func (b *Bazaar) ResourceCount(ctx context.Context) (uint64, error) {
	vals, err := call(ctx, b.caller, &bazaarABI, b.addr, "resourceCount")
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

// ResourceAt reads the listing at index i.
func (b *Bazaar) ResourceAt(ctx context.Context, i uint64) (BazaarResource, error) {
	vals, err := call(ctx, b.caller, &bazaarABI, b.addr, "resourceAt", new(big.Int).SetUint64(i))
	if err != nil {
		return BazaarResource{}, err
	}
	return BazaarResource{
		ID:           common.Hash(vals[0].([32]byte)),
		Seller:       vals[1].(common.Address),
		URI:          vals[2].(string),
		PricePerCall: vals[3].(*big.Int),
		Active:       vals[4].(bool),
		ListedAt:     vals[5].(uint64),
	}, nil
}

// Resources reads every listing.
func (b *Bazaar) Resources(ctx context.Context) ([]BazaarResource, error) {
	n, err := b.ResourceCount(ctx)
	if err != nil {
		return nil, err
	}
	resources := make([]BazaarResource, 0, n)
	for i := uint64(0); i < n; i++ {
		r, err := b.ResourceAt(ctx, i)
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, nil
}
