package agent

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/config"
	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/sender"
)

// startedAgent builds an agent over node and starts only the sender, so
// action tests see exactly the transactions they trigger.
func startedAgent(t *testing.T, node *stubNode, mutate func(*config.Config)) *Agent {
	t.Helper()
	a := newTestAgent(t, node, mutate)
	a.send.Start()
	t.Cleanup(a.send.Stop)
	return a
}

func selOf(t *testing.T, data []byte) [4]byte {
	t.Helper()
	if len(data) < 4 {
		t.Fatalf("calldata too short: %x", data)
	}
	var s [4]byte
	copy(s[:], data[:4])
	return s
}

// unpackApprove decodes approve(spender, amount) calldata.
func unpackApprove(t *testing.T, data []byte) (common.Address, *big.Int) {
	t.Helper()
	addrT, err := abi.NewType("address", "", nil)
	if err != nil {
		t.Fatalf("abi.NewType(address) = %v", err)
	}
	uintT, err := abi.NewType("uint256", "", nil)
	if err != nil {
		t.Fatalf("abi.NewType(uint256) = %v", err)
	}
	vals, err := abi.Arguments{{Type: addrT}, {Type: uintT}}.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack approve args = %v", err)
	}
	return vals[0].(common.Address), vals[1].(*big.Int)
}

func TestDepositUSDCAutoApproves(t *testing.T) {
	node := newStubNode()
	node.canned("allowance(address,address)", packVals(t, []string{"uint256"}, big.NewInt(0)))
	a := startedAgent(t, node, nil)

	res, err := a.DepositUSDC(context.Background(), big.NewInt(25_000_000))
	if err != nil {
		t.Fatalf("DepositUSDC() = %v", err)
	}
	if res.Block != 1234 {
		t.Fatalf("res.Block = %d, want 1234", res.Block)
	}

	sent := node.sentTxs()
	if len(sent) != 2 {
		t.Fatalf("len(sent) = %d, want 2", len(sent))
	}
	approve, deposit := sent[0], sent[1]
	if *approve.To() != usdcAddr {
		t.Fatalf("approve.To = %s, want %s", approve.To(), usdcAddr)
	}
	if got := selOf(t, approve.Data()); got != sel("approve(address,uint256)") {
		t.Fatalf("first tx selector = %x, want approve", got)
	}
	spender, amount := unpackApprove(t, approve.Data())
	if spender != hubAddr {
		t.Fatalf("approve spender = %s, want %s", spender, hubAddr)
	}
	if amount.Cmp(big.NewInt(25_000_000)) != 0 {
		t.Fatalf("approve amount = %s, want 25000000", amount)
	}
	if *deposit.To() != hubAddr {
		t.Fatalf("deposit.To = %s, want %s", deposit.To(), hubAddr)
	}
	if got := selOf(t, deposit.Data()); got != sel("depositUSDC(uint256)") {
		t.Fatalf("second tx selector = %x, want depositUSDC", got)
	}
}

func TestDepositUSDCSkipsRedundantApprove(t *testing.T) {
	node := newStubNode()
	node.canned("allowance(address,address)", packVals(t, []string{"uint256"}, big.NewInt(100_000_000)))
	a := startedAgent(t, node, nil)

	if _, err := a.DepositUSDC(context.Background(), big.NewInt(25_000_000)); err != nil {
		t.Fatalf("DepositUSDC() = %v", err)
	}
	sent := node.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(sent))
	}
	if *sent[0].To() != hubAddr {
		t.Fatalf("tx.To = %s, want %s", sent[0].To(), hubAddr)
	}
}

func TestStakeApprovesProtocolToken(t *testing.T) {
	node := newStubNode()
	node.canned("allowance(address,address)", packVals(t, []string{"uint256"}, big.NewInt(0)))
	a := startedAgent(t, node, nil)

	if _, err := a.Stake(context.Background(), big.NewInt(200_000_000)); err != nil {
		t.Fatalf("Stake() = %v", err)
	}
	sent := node.sentTxs()
	if len(sent) != 2 {
		t.Fatalf("len(sent) = %d, want 2", len(sent))
	}
	if *sent[0].To() != tokenAddr {
		t.Fatalf("approve.To = %s, want token %s", sent[0].To(), tokenAddr)
	}
	spender, _ := unpackApprove(t, sent[0].Data())
	if spender != stakingAddr {
		t.Fatalf("approve spender = %s, want %s", spender, stakingAddr)
	}
	if *sent[1].To() != stakingAddr {
		t.Fatalf("stake.To = %s, want %s", sent[1].To(), stakingAddr)
	}
	if got := selOf(t, sent[1].Data()); got != sel("stake(uint256)") {
		t.Fatalf("second tx selector = %x, want stake", got)
	}
}

func TestStakingManagementActions(t *testing.T) {
	node := newStubNode()
	a := startedAgent(t, node, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() (*sender.Result, error)
		sig  string
	}{
		{"requestUnstake", func() (*sender.Result, error) { return a.RequestUnstake(ctx, big.NewInt(10_000_000)) }, "requestUnstake(uint256)"},
		{"withdraw", func() (*sender.Result, error) { return a.Withdraw(ctx) }, "withdraw()"},
		{"claimRewards", func() (*sender.Result, error) { return a.ClaimRewards(ctx) }, "claimRewards()"},
		{"compound", func() (*sender.Result, error) { return a.Compound(ctx) }, "compound()"},
	}
	for _, tc := range cases {
		before := len(node.sentTxs())
		if _, err := tc.call(); err != nil {
			t.Fatalf("%s = %v", tc.name, err)
		}
		sent := node.sentTxs()
		if len(sent) != before+1 {
			t.Fatalf("%s: len(sent) = %d, want %d", tc.name, len(sent), before+1)
		}
		tx := sent[len(sent)-1]
		if *tx.To() != stakingAddr {
			t.Fatalf("%s: tx.To = %s, want %s", tc.name, tx.To(), stakingAddr)
		}
		if got := selOf(t, tx.Data()); got != sel(tc.sig) {
			t.Fatalf("%s: selector = %x, want %s", tc.name, got, tc.sig)
		}
	}
}

func TestSwapSendsValue(t *testing.T) {
	node := newStubNode()
	a := startedAgent(t, node, nil)

	value := big.NewInt(1_000_000_000_000_000_000)
	if _, err := a.Swap(context.Background(), value, big.NewInt(2_950_000_000)); err != nil {
		t.Fatalf("Swap() = %v", err)
	}
	sent := node.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(sent))
	}
	tx := sent[0]
	if *tx.To() != swapAddr {
		t.Fatalf("tx.To = %s, want %s", tx.To(), swapAddr)
	}
	if tx.Value().Cmp(value) != 0 {
		t.Fatalf("tx.Value = %s, want %s", tx.Value(), value)
	}
	if got := selOf(t, tx.Data()); got != sel("swap(uint256)") {
		t.Fatalf("selector = %x, want swap", got)
	}
}

func TestSwapToTokenPacksPoolKey(t *testing.T) {
	node := newStubNode()
	a := startedAgent(t, node, nil)

	key := contracts.PoolKey{
		Currency0:   usdcAddr,
		Currency1:   tokenAddr,
		Fee:         big.NewInt(3000),
		TickSpacing: big.NewInt(60),
	}
	value := big.NewInt(500_000_000_000_000_000)
	if _, err := a.SwapToToken(context.Background(), value, key, big.NewInt(1_475_000_000), big.NewInt(900), true); err != nil {
		t.Fatalf("SwapToToken() = %v", err)
	}
	sent := node.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(sent))
	}
	tx := sent[0]
	if tx.Value().Cmp(value) != 0 {
		t.Fatalf("tx.Value = %s, want %s", tx.Value(), value)
	}
	wantSel := sel("swapToToken((address,address,uint24,int24,address),uint256,uint256,bool)")
	if got := selOf(t, tx.Data()); got != wantSel {
		t.Fatalf("selector = %x, want swapToToken", got)
	}
}

func TestActionsRequireConfiguredContracts(t *testing.T) {
	a := newTestAgent(t, newStubNode(), func(cfg *config.Config) {
		cfg.USDC = common.Address{}
		cfg.Staking = common.Address{}
		cfg.SwapRouter = common.Address{}
	})
	ctx := context.Background()

	if _, err := a.DepositUSDC(ctx, big.NewInt(1)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("DepositUSDC() = %v, want %v", err, ErrNotConfigured)
	}
	if _, err := a.Stake(ctx, big.NewInt(1)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Stake() = %v, want %v", err, ErrNotConfigured)
	}
	if _, err := a.Withdraw(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Withdraw() = %v, want %v", err, ErrNotConfigured)
	}
	if _, err := a.Swap(ctx, big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Swap() = %v, want %v", err, ErrNotConfigured)
	}
}

func TestStakeRequiresProtocolToken(t *testing.T) {
	a := newTestAgent(t, newStubNode(), func(cfg *config.Config) {
		cfg.Token = common.Address{}
	})
	if _, err := a.Stake(context.Background(), big.NewInt(1)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Stake() = %v, want %v", err, ErrNotConfigured)
	}
}

func TestActionAmountValidation(t *testing.T) {
	a := newTestAgent(t, newStubNode(), nil)
	ctx := context.Background()

	if _, err := a.DepositUSDC(ctx, nil); !errors.Is(err, ErrBadAmount) {
		t.Fatalf("DepositUSDC(nil) = %v, want %v", err, ErrBadAmount)
	}
	if _, err := a.RequestUnstake(ctx, big.NewInt(0)); !errors.Is(err, ErrBadAmount) {
		t.Fatalf("RequestUnstake(0) = %v, want %v", err, ErrBadAmount)
	}
	if _, err := a.Swap(ctx, big.NewInt(-1), big.NewInt(1)); !errors.Is(err, ErrBadAmount) {
		t.Fatalf("Swap(-1) = %v, want %v", err, ErrBadAmount)
	}
}

func TestActionsDisabledWithoutKey(t *testing.T) {
	node := newStubNode()
	cfg := testConfig(t, "")
	a, err := build(chain.NewClient(node), cfg, Options{}, nil, log.Default())
	if err != nil {
		t.Fatalf("build() = %v", err)
	}
	a.send.Start()
	t.Cleanup(a.send.Stop)

	if _, err := a.Withdraw(context.Background()); !errors.Is(err, sender.ErrWritesDisabled) {
		t.Fatalf("Withdraw() = %v, want %v", err, sender.ErrWritesDisabled)
	}
}
