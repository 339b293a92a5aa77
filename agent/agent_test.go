package agent

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/config"
	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/ops"
)

var (
	hubAddr     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	kaAddr      = common.HexToAddress("0x2222222222222222222222222222222222222222")
	stakingAddr = common.HexToAddress("0x3333333333333333333333333333333333333333")
	usdcAddr    = common.HexToAddress("0x4444444444444444444444444444444444444444")
	tokenAddr   = common.HexToAddress("0x5555555555555555555555555555555555555555")
	swapAddr    = common.HexToAddress("0x6666666666666666666666666666666666666666")
	lockerAddr  = common.HexToAddress("0x7777777777777777777777777777777777777777")
	oracleAddr  = common.HexToAddress("0x8888888888888888888888888888888888888888")
)

func sel(sig string) [4]byte {
	var s [4]byte
	copy(s[:], crypto.Keccak256([]byte(sig))[:4])
	return s
}

func packVals(t *testing.T, kinds []string, vals ...any) []byte {
	t.Helper()
	args := make(abi.Arguments, len(kinds))
	for i, kind := range kinds {
		typ, err := abi.NewType(kind, "", nil)
		if err != nil {
			t.Fatalf("abi.NewType(%s) = %v", kind, err)
		}
		args[i] = abi.Argument{Type: typ}
	}
	out, err := args.Pack(vals...)
	if err != nil {
		t.Fatalf("pack %v = %v", kinds, err)
	}
	return out
}

type readFn func(msg ethereum.CallMsg) ([]byte, error)

// stubNode is the minimal concurrency-safe backend the wired stack runs
// against: fixed chain id and head, empty logs, canned reads keyed by
// selector and immediate successful receipts.
type stubNode struct {
	chainID  *big.Int
	head     uint64
	estimate uint64
	gasPrice *big.Int

	mu       sync.Mutex
	reads    map[[4]byte]readFn
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	nonce    uint64
}

func newStubNode() *stubNode {
	return &stubNode{
		chainID:  big.NewInt(8453),
		head:     1234,
		estimate: 60_000,
		gasPrice: big.NewInt(1_000_000_000),
		reads:    make(map[[4]byte]readFn),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

// canned answers every call to the given function with a fixed blob.
func (n *stubNode) canned(sig string, out []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reads[sel(sig)] = func(ethereum.CallMsg) ([]byte, error) { return out, nil }
}

func (n *stubNode) sentTxs() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Transaction(nil), n.sent...)
}

func (n *stubNode) ChainID(context.Context) (*big.Int, error) { return n.chainID, nil }

func (n *stubNode) BlockNumber(context.Context) (uint64, error) { return n.head, nil }

func (n *stubNode) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	if number == nil {
		number = new(big.Int).SetUint64(n.head)
	}
	return &types.Header{Number: new(big.Int).Set(number)}, nil
}

func (n *stubNode) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(msg.Data) >= 4 {
		var s [4]byte
		copy(s[:], msg.Data[:4])
		if fn, ok := n.reads[s]; ok {
			return fn(msg)
		}
	}
	return nil, errors.New("stub: no canned read")
}

func (n *stubNode) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return n.estimate, nil
}

func (n *stubNode) SuggestGasPrice(context.Context) (*big.Int, error) { return n.gasPrice, nil }

func (n *stubNode) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (n *stubNode) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonce, nil
}

func (n *stubNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, tx)
	n.nonce++
	n.receipts[tx.Hash()] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(n.head),
		GasUsed:     42_000,
		TxHash:      tx.Hash(),
	}
	return nil
}

func (n *stubNode) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func testConfig(t *testing.T, keyHex string) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.AdminPrivateKey = keyHex
	cfg.Hub = hubAddr
	cfg.Keepalive = kaAddr
	cfg.Staking = stakingAddr
	cfg.USDC = usdcAddr
	cfg.Token = tokenAddr
	cfg.SwapRouter = swapAddr
	cfg.Locker = lockerAddr
	return cfg
}

func newTestAgent(t *testing.T, node *stubNode, mutate func(*config.Config)) *Agent {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() = %v", err)
	}
	cfg := testConfig(t, hex.EncodeToString(crypto.FromECDSA(key)))
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := build(chain.NewClient(node), cfg, Options{}, key, log.Default())
	if err != nil {
		t.Fatalf("build() = %v", err)
	}
	return a
}

func TestBuildRegistersServiceStack(t *testing.T) {
	a := newTestAgent(t, newStubNode(), nil)
	want := "sender,router,hub-watcher,hub-fallback,keepalive,keepalive-watcher,maintenance,hub-sweeper,appstate,hub-config"
	if got := strings.Join(a.sup.ServiceNames(), ","); got != want {
		t.Fatalf("ServiceNames() = %q, want %q", got, want)
	}
}

func TestBuildAddsOpsListenerWhenConfigured(t *testing.T) {
	a := newTestAgent(t, newStubNode(), func(cfg *config.Config) {
		cfg.OpsAddr = "127.0.0.1:0"
	})
	names := a.sup.ServiceNames()
	if got := names[len(names)-1]; got != "ops" {
		t.Fatalf("last service = %q, want %q", got, "ops")
	}
}

func TestBuildWithoutKeepalive(t *testing.T) {
	a := newTestAgent(t, newStubNode(), func(cfg *config.Config) {
		cfg.Keepalive = common.Address{}
	})
	joined := strings.Join(a.sup.ServiceNames(), ",")
	if strings.Contains(joined, "keepalive") {
		t.Fatalf("ServiceNames() = %q, want no keepalive services", joined)
	}
}

func TestHealthBreakdownCoversStack(t *testing.T) {
	a := newTestAgent(t, newStubNode(), nil)
	want := "chain,sender,hub-watcher,hub-fallback,hub-sweeper,hub-config,keepalive-watcher,appstate"
	if got := strings.Join(a.health.ServiceNames(), ","); got != want {
		t.Fatalf("health ServiceNames() = %q, want %q", got, want)
	}

	// No snapshot has landed, so the cache drags the aggregate down
	// while everything else reports healthy.
	report := a.health.CheckAll()
	if report.Status != ops.StatusDegraded {
		t.Fatalf("report.Status = %q, want %q", report.Status, ops.StatusDegraded)
	}
	for _, sh := range report.Services {
		switch sh.Name {
		case "appstate":
			if sh.Status != ops.StatusDegraded || sh.Message != "no snapshot yet" {
				t.Fatalf("appstate health = %q %q, want degraded with no snapshot", sh.Status, sh.Message)
			}
		case "chain":
			if sh.Status != ops.StatusHealthy {
				t.Fatalf("chain health = %q, want %q", sh.Status, ops.StatusHealthy)
			}
		}
	}
}

func TestStartRejectsWrongChain(t *testing.T) {
	node := newStubNode()
	node.chainID = big.NewInt(1)
	a := newTestAgent(t, node, nil)

	err := a.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "chain") {
		t.Fatalf("Start() = %v, want chain mismatch error", err)
	}
	if got := a.sup.RunningCount(); got != 0 {
		t.Fatalf("RunningCount() = %d, want 0", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	a := newTestAgent(t, newStubNode(), nil)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if got, want := a.sup.RunningCount(), a.sup.ServiceCount(); got != want {
		t.Fatalf("RunningCount() = %d, want %d", got, want)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("second Start() = nil, want error")
	}

	a.Stop()
	if got := a.sup.RunningCount(); got != 0 {
		t.Fatalf("RunningCount() after Stop = %d, want 0", got)
	}
	a.Stop()
}

// syncBuffer keeps concurrent service logs from racing the test's read.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartupChecksLogFundingPosition(t *testing.T) {
	node := newStubNode()
	node.canned("getBalance(address)", packVals(t, []string{"uint256"}, big.NewInt(5_000_000)))
	node.canned("getStakeInfo(address)", packVals(t,
		[]string{"uint256", "uint256", "uint64", "uint64", "uint256"},
		big.NewInt(100_000_000), big.NewInt(100_000_000), uint64(0), uint64(0), big.NewInt(0)))
	node.canned("isEligibleAgent(address)", packVals(t, []string{"bool"}, true))

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() = %v", err)
	}
	cfg := testConfig(t, hex.EncodeToString(crypto.FromECDSA(key)))
	cfg.Keepalive = common.Address{}

	buf := &syncBuffer{}
	logger := log.NewWithHandler(slog.NewJSONHandler(buf, nil))
	a, err := build(chain.NewClient(node), cfg, Options{}, key, logger)
	if err != nil {
		t.Fatalf("build() = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	a.Stop()

	out := buf.String()
	if !strings.Contains(out, "agent eligible for fulfillment rewards") {
		t.Fatalf("log output missing eligibility line:\n%s", out)
	}
	if !strings.Contains(out, "$5.00") {
		t.Fatalf("log output missing hub balance:\n%s", out)
	}
}

// stubCaller answers contract reads by target address, ignoring the
// calldata.
type stubCaller struct {
	hubErr    error
	oracleErr error
	hubOut    []byte
	oracleOut []byte
}

func (c *stubCaller) ReadCall(_ context.Context, to common.Address, _ []byte) ([]byte, error) {
	switch to {
	case hubAddr:
		return c.hubOut, c.hubErr
	case oracleAddr:
		return c.oracleOut, c.oracleErr
	}
	return nil, errors.New("unexpected address")
}

func TestEthPriceSourcePrefersHub(t *testing.T) {
	caller := &stubCaller{
		hubOut:    packVals(t, []string{"uint256"}, big.NewInt(3_000_000_000)),
		oracleOut: packVals(t, []string{"uint256", "uint64"}, big.NewInt(2_900_000_000), uint64(1_700_000_000)),
	}
	price := ethPriceSource(contracts.NewHub(hubAddr, caller), contracts.NewOracle(oracleAddr, caller))

	got, err := price(context.Background())
	if err != nil {
		t.Fatalf("price() = %v", err)
	}
	if got.Cmp(big.NewInt(3_000_000_000)) != 0 {
		t.Fatalf("price = %s, want 3000000000", got)
	}
}

func TestEthPriceSourceFallsBackToOracle(t *testing.T) {
	caller := &stubCaller{
		hubErr:    errors.New("hub down"),
		oracleOut: packVals(t, []string{"uint256", "uint64"}, big.NewInt(2_900_000_000), uint64(1_700_000_000)),
	}
	price := ethPriceSource(contracts.NewHub(hubAddr, caller), contracts.NewOracle(oracleAddr, caller))

	got, err := price(context.Background())
	if err != nil {
		t.Fatalf("price() = %v", err)
	}
	if got.Cmp(big.NewInt(2_900_000_000)) != 0 {
		t.Fatalf("price = %s, want 2900000000", got)
	}
}

func TestEthPriceSourceReturnsHubError(t *testing.T) {
	caller := &stubCaller{
		hubErr:    errors.New("hub down"),
		oracleErr: errors.New("oracle down"),
	}

	// With the oracle also failing, the hub's error surfaces.
	_, err := ethPriceSource(contracts.NewHub(hubAddr, caller), contracts.NewOracle(oracleAddr, caller))(context.Background())
	if err == nil || !strings.Contains(err.Error(), "hub down") {
		t.Fatalf("price() = %v, want hub error", err)
	}

	// Without an oracle bound nothing masks it either.
	_, err = ethPriceSource(contracts.NewHub(hubAddr, caller), nil)(context.Background())
	if err == nil || !strings.Contains(err.Error(), "hub down") {
		t.Fatalf("price() without oracle = %v, want hub error", err)
	}
}
