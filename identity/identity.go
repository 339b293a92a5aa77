// Package identity defines the consumer side of the external identity
// service that maps addresses to registered basenames. The agent only
// reads profiles to decorate endpoint owners in the state snapshot; a
// failing or absent resolver degrades those fields to null and never
// blocks a refresh.
package identity

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Profile is one resolved identity. Name is the registered basename,
// empty when the address never registered one.
type Profile struct {
	Address common.Address `json:"address"`
	Name    string         `json:"name,omitempty"`
	Avatar  string         `json:"avatar,omitempty"`
}

// Resolver batch-resolves addresses to profiles. Implementations front
// the external identity service. The returned map holds an entry per
// resolved address; addresses the service does not know are simply
// absent. An error means the whole batch failed and the caller should
// degrade, not retry inline.
type Resolver interface {
	Resolve(ctx context.Context, addrs []common.Address) (map[common.Address]Profile, error)
}

// Static is a fixed-table Resolver. Deployments without an identity
// service can seed it from configuration; tests use it as a stand-in.
type Static map[common.Address]Profile

// Resolve returns the table entries for the requested addresses.
func (s Static) Resolve(_ context.Context, addrs []common.Address) (map[common.Address]Profile, error) {
	out := make(map[common.Address]Profile, len(addrs))
	for _, a := range addrs {
		if p, ok := s[a]; ok {
			out[a] = p
		}
	}
	return out, nil
}
