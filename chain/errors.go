// errors.go classifies JSON-RPC failures into the small taxonomy the rest
// of the agent branches on: transient transport trouble is retried by the
// owning loop, simulated reverts mean another agent won the race, and
// invalid arguments are programming errors worth a loud log.
package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Chain adapter errors.
var (
	// ErrRangeTooWide is returned by Logs when the requested block range
	// exceeds MaxLogRange.
	ErrRangeTooWide = errors.New("chain: log range exceeds maximum block span")
)

// Kind classifies an RPC failure.
type Kind int

const (
	// KindUnknown covers failures with no recognizable cause.
	KindUnknown Kind = iota
	// KindUnavailable covers transport failures (connection refused/reset,
	// DNS, 5xx); the node may recover, callers should retry later.
	KindUnavailable
	// KindTimeout covers deadline and timeout failures.
	KindTimeout
	// KindRateLimited covers 429-style throttling responses.
	KindRateLimited
	// KindInvalidArgs covers malformed requests the node rejected.
	KindInvalidArgs
	// KindReverted covers execution reverts, including failed gas
	// estimation (the node simulates the call before estimating).
	KindReverted
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidArgs:
		return "invalid_args"
	case KindReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// RPCError wraps a transport or node error with its classification.
type RPCError struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("chain: %s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (e *RPCError) Unwrap() error { return e.Err }

// Classify wraps err in an RPCError with its kind. Returns nil for nil and
// passes through errors that are already classified.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return err
	}
	return &RPCError{Kind: kindOf(err), Err: err}
}

// kindOf maps an error onto a Kind by inspecting sentinel errors, net
// errors and the message strings the common node implementations emit.
func kindOf(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "always failing transaction"),
		strings.Contains(msg, "revert"):
		return KindReverted
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"):
		return KindRateLimited
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "service unavailable"):
		return KindUnavailable
	case strings.Contains(msg, "invalid argument"),
		strings.Contains(msg, "invalid params"),
		strings.Contains(msg, "method not found"):
		return KindInvalidArgs
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying on a later cycle
// (unavailable, timeout or rate-limited).
func IsTransient(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.Kind {
	case KindUnavailable, KindTimeout, KindRateLimited:
		return true
	}
	return false
}

// IsRevert reports whether err represents a simulated or executed revert.
func IsRevert(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Kind == KindReverted
}
