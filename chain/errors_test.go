package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify_Kinds(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("execution reverted: not pending"), KindReverted},
		{errors.New("gas estimation failed: always failing transaction"), KindReverted},
		{errors.New("429 Too Many Requests"), KindRateLimited},
		{errors.New("rate limit exceeded"), KindRateLimited},
		{errors.New("read tcp: i/o timeout"), KindTimeout},
		{errors.New("dial tcp: connection refused"), KindUnavailable},
		{errors.New("502 Bad Gateway"), KindUnavailable},
		{errors.New("invalid argument 0: hex string without 0x"), KindInvalidArgs},
		{errors.New("something else entirely"), KindUnknown},
	}

	for _, tt := range tests {
		err := Classify(tt.err)
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			t.Fatalf("Classify(%v) did not produce an RPCError", tt.err)
		}
		if rpcErr.Kind != tt.want {
			t.Errorf("Classify(%q) kind = %v, want %v", tt.err, rpcErr.Kind, tt.want)
		}
	}
}

func TestClassify_Nil(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatal("Classify(nil) should be nil")
	}
}

func TestClassify_Idempotent(t *testing.T) {
	inner := Classify(errors.New("rate limit"))
	outer := Classify(inner)
	if outer != inner {
		t.Fatal("Classify should pass through an already-classified error")
	}

	// Wrapping preserves the classification.
	wrapped := Classify(fmt.Errorf("poll: %w", inner))
	var rpcErr *RPCError
	if !errors.As(wrapped, &rpcErr) || rpcErr.Kind != KindRateLimited {
		t.Fatalf("wrapped classification lost: %v", wrapped)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{Classify(errors.New("connection reset by peer")), true},
		{Classify(context.DeadlineExceeded), true},
		{Classify(errors.New("too many requests")), true},
		{Classify(errors.New("execution reverted")), false},
		{Classify(errors.New("invalid params")), false},
		{errors.New("unclassified"), false},
		{nil, false},
	}

	for i, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("test %d: IsTransient(%v) = %v, want %v", i, tt.err, got, tt.want)
		}
	}
}

func TestIsRevert(t *testing.T) {
	if !IsRevert(Classify(errors.New("execution reverted: nope"))) {
		t.Fatal("revert not detected")
	}
	if IsRevert(Classify(errors.New("connection refused"))) {
		t.Fatal("transport error misreported as revert")
	}
	if IsRevert(nil) {
		t.Fatal("nil misreported as revert")
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindUnknown, "unknown"},
		{KindUnavailable, "unavailable"},
		{KindTimeout, "timeout"},
		{KindRateLimited, "rate_limited"},
		{KindInvalidArgs, "invalid_args"},
		{KindReverted, "reverted"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}

func TestRPCError_Unwrap(t *testing.T) {
	inner := errors.New("execution reverted")
	err := Classify(fmt.Errorf("estimate: %w", inner))

	if !errors.Is(err, inner) {
		t.Fatal("Unwrap chain broken")
	}
}
