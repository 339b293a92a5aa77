// Package config holds the deployment configuration for the x402c
// fulfillment agent: chain endpoint, contract addresses and the signing
// identity. Values come from environment variables with defaults for the
// Base mainnet deployment; unset contract addresses disable the component
// that needs them rather than failing startup.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Configuration errors.
var (
	ErrInvalidConfig = errors.New("config: invalid configuration")
	ErrInvalidKey    = errors.New("config: invalid admin private key")
	ErrNoKey         = errors.New("config: no admin private key configured")
)

// Config aggregates the agent's deployment parameters. The zero value is
// not usable; start from DefaultConfig.
type Config struct {
	// RPCURL is the JSON-RPC endpoint of the chain node.
	RPCURL string

	// ChainID pins the expected chain. Transactions are signed against it
	// and startup fails if the node reports a different id.
	ChainID uint64

	// Contract addresses. A zero address means the contract is not
	// deployed in this environment and the components that need it run
	// disabled.
	Hub           common.Address
	Keepalive     common.Address
	Staking       common.Address
	USDC          common.Address
	BuybackModule common.Address
	PriceOracle   common.Address
	Token         common.Address
	SwapRouter    common.Address

	// Snapshot-only contracts. These feed the state cache; when unset the
	// corresponding snapshot sections are null.
	Locker        common.Address
	Governor      common.Address
	DisputeModule common.Address
	Bazaar        common.Address

	// AdminPrivateKey is the hex-encoded secp256k1 key used to sign every
	// write. Empty disables all write paths.
	AdminPrivateKey string

	// DataDir is where block cursor files are written.
	DataDir string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// LogFormat is one of json, text, color.
	LogFormat string

	// OpsAddr is the listen address for the metrics/health HTTP endpoint.
	// Empty disables the listener.
	OpsAddr string
}

// DefaultConfig returns the Base mainnet defaults. Contract addresses are
// intentionally zero; deployments set them through the environment.
func DefaultConfig() Config {
	return Config{
		RPCURL:    "https://mainnet.base.org",
		ChainID:   8453,
		DataDir:   ".",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// ApplyEnvironment reads environment variables and overrides Config fields.
// Unparseable values are ignored, leaving the previous value in place.
func ApplyEnvironment(cfg *Config) {
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ChainID = n
		}
	}
	applyAddress(&cfg.Hub, "HUB_CONTRACT")
	applyAddress(&cfg.Keepalive, "KEEPALIVE_CONTRACT")
	applyAddress(&cfg.Staking, "STAKING_CONTRACT")
	applyAddress(&cfg.USDC, "USDC_CONTRACT")
	applyAddress(&cfg.BuybackModule, "BUYBACK_MODULE")
	applyAddress(&cfg.PriceOracle, "PRICE_ORACLE")
	applyAddress(&cfg.Token, "TOKEN_CONTRACT")
	applyAddress(&cfg.SwapRouter, "SWAP_ROUTER")
	applyAddress(&cfg.Locker, "LOCKER_CONTRACT")
	applyAddress(&cfg.Governor, "GOVERNOR_CONTRACT")
	applyAddress(&cfg.DisputeModule, "DISPUTE_MODULE")
	applyAddress(&cfg.Bazaar, "BAZAAR_CONTRACT")
	if v := os.Getenv("ADMIN_PRIVATE_KEY"); v != "" {
		cfg.AdminPrivateKey = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("OPS_ADDR"); v != "" {
		cfg.OpsAddr = v
	}
}

// applyAddress sets dst from the named environment variable when it holds a
// valid hex address.
func applyAddress(dst *common.Address, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if common.IsHexAddress(v) {
		*dst = common.HexToAddress(v)
	}
}

// Validate checks the Config for internal consistency and returns an error
// describing the first problem found.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("%w: empty RPC URL", ErrInvalidConfig)
	}
	ok := false
	for _, scheme := range []string{"http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(c.RPCURL, scheme) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: RPC URL %q has no http(s)/ws(s) scheme", ErrInvalidConfig, c.RPCURL)
	}
	if c.ChainID == 0 {
		return fmt.Errorf("%w: chain id 0", ErrInvalidConfig)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: empty data dir", ErrInvalidConfig)
	}
	if c.AdminPrivateKey != "" {
		if _, err := c.SignerKey(); err != nil {
			return err
		}
	}
	return nil
}

// WritesEnabled reports whether an admin key is configured. Components use
// it to decide between full operation and read-only mode.
func (c *Config) WritesEnabled() bool {
	return c.AdminPrivateKey != ""
}

// SignerKey parses the configured admin private key. Returns ErrNoKey when
// no key is configured and ErrInvalidKey when the hex does not decode to a
// valid secp256k1 key.
func (c *Config) SignerKey() (*ecdsa.PrivateKey, error) {
	if c.AdminPrivateKey == "" {
		return nil, ErrNoKey
	}
	raw := strings.TrimPrefix(c.AdminPrivateKey, "0x")
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// SignerAddress derives the address of the configured admin key. Returns
// the zero address when writes are disabled.
func (c *Config) SignerAddress() common.Address {
	key, err := c.SignerKey()
	if err != nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(key.PublicKey)
}

// HasContract reports whether addr is configured (non-zero).
func HasContract(addr common.Address) bool {
	return addr != (common.Address{})
}
