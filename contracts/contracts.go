// contracts.go holds the shared plumbing for the deployed protocol
// contracts: the Caller abstraction every read goes through, inline ABI
// parsing and the log decode helper. Raw tuple indexing happens only in
// this package; everything above it works with typed records.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Contract decode errors.
var (
	// ErrBadResponse is returned when a contract answered with bytes the
	// ABI decoder cannot make sense of.
	ErrBadResponse = errors.New("contracts: malformed contract response")

	// ErrEventMismatch is returned when a log is decoded against an event
	// it was not emitted for.
	ErrEventMismatch = errors.New("contracts: log does not match event")
)

// Caller is the read side of the chain adapter. *chain.Client satisfies it.
type Caller interface {
	ReadCall(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// mustABI parses an inline ABI fragment. The fragments are package
// constants, so a parse failure is a programming error caught by any test.
func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("contracts: bad inline ABI: %v", err))
	}
	return parsed
}

// call packs a method invocation, reads it through the caller and unpacks
// the raw return values. RPC errors pass through untouched so callers can
// classify them; decode failures wrap ErrBadResponse.
func call(ctx context.Context, c Caller, a *abi.ABI, addr common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("contracts: pack %s: %w", method, err)
	}
	raw, err := c.ReadCall(ctx, addr, data)
	if err != nil {
		return nil, err
	}
	vals, err := a.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadResponse, method, err)
	}
	return vals, nil
}

// eventVals verifies lg against the named event and returns its non-indexed
// values in declaration order. topics is the expected topic count including
// the event id.
func eventVals(a *abi.ABI, event string, lg types.Log, topics int) ([]interface{}, error) {
	ev, ok := a.Events[event]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %q", ErrEventMismatch, event)
	}
	if len(lg.Topics) != topics || lg.Topics[0] != ev.ID {
		return nil, fmt.Errorf("%w: log topics do not match %s", ErrEventMismatch, event)
	}
	if len(lg.Data) == 0 {
		return nil, nil
	}
	vals, err := a.Unpack(event, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadResponse, event, err)
	}
	return vals, nil
}

// topicAddress recovers an indexed address argument from its topic.
func topicAddress(t common.Hash) common.Address {
	return common.BytesToAddress(t.Bytes())
}

// RequestStatus is the lifecycle state of a hub request.
type RequestStatus uint8

const (
	// StatusPending means the request awaits fulfillment or cancellation.
	StatusPending RequestStatus = iota
	// StatusFulfilled means an agent wrote a response and was paid.
	StatusFulfilled
	// StatusCancelled means the request was cancelled and refunded.
	StatusCancelled
)

// Terminal reports whether the status can no longer change.
func (s RequestStatus) Terminal() bool { return s != StatusPending }

func (s RequestStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFulfilled:
		return "fulfilled"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}
