// Command x402c-agent runs the off-chain fulfillment agent for the x402
// callback marketplace on Base.
//
// Usage:
//
//	x402c-agent [flags]
//
// Flags:
//
//	--rpc-url     JSON-RPC endpoint of the chain node (default: https://mainnet.base.org)
//	--chain-id    expected chain id (default: 8453)
//	--datadir     directory for block cursor files (default: .)
//	--log-level   log verbosity: debug, info, warn, error (default: info)
//	--log-format  log output: json, text, color (default: json)
//	--ops-addr    listen address for the metrics/health endpoint (default: disabled)
//	--version     print version and exit
//
// Contract addresses come from the environment: HUB_CONTRACT,
// KEEPALIVE_CONTRACT, STAKING_CONTRACT, USDC_CONTRACT, TOKEN_CONTRACT,
// SWAP_ROUTER, PRICE_ORACLE, BUYBACK_MODULE, LOCKER_CONTRACT,
// GOVERNOR_CONTRACT, DISPUTE_MODULE and BAZAAR_CONTRACT. The signing key
// is environment-only (ADMIN_PRIVATE_KEY) so it never shows up in a
// process listing; leaving it unset runs the agent read-only.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/bobbyswhip/x402c/agent"
	"github.com/bobbyswhip/x402c/config"
	"github.com/bobbyswhip/x402c/log"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.3.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		return code
	}

	logger := setupLogging(cfg)
	agent.Version = version

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}

	logger.Info("starting x402c-agent",
		"version", version,
		"chain", cfg.ChainID,
		"rpc", cfg.RPCURL,
		"datadir", cfg.DataDir,
		"hub", cfg.Hub,
		"ops", cfg.OpsAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg, agent.Options{}, logger)
	if err != nil {
		logger.Error("failed to create agent", "err", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		logger.Error("failed to start agent", "err", err)
		a.Stop()
		return 1
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")
	a.Stop()
	logger.Info("shutdown complete")
	return 0
}

// parseFlags resolves the configuration from defaults, the environment and
// CLI arguments, in that order. Returns the config, whether the caller
// should exit immediately, and the exit code.
func parseFlags(args []string) (config.Config, bool, int) {
	cfg := config.DefaultConfig()
	config.ApplyEnvironment(&cfg)

	fs := newFlagSet(&cfg)
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 2
	}

	if *showVersion {
		fmt.Printf("x402c-agent %s (commit %s)\n", version, commit)
		return cfg, true, 0
	}

	return cfg, false, 0
}

// newFlagSet creates a flag.FlagSet that binds CLI flags to the given
// Config. The current values serve as defaults, so flags override whatever
// the environment already set. The FlagSet uses ContinueOnError so callers
// control the error handling behavior.
func newFlagSet(cfg *config.Config) *flag.FlagSet {
	fs := flag.NewFlagSet("x402c-agent", flag.ContinueOnError)
	fs.StringVar(&cfg.RPCURL, "rpc-url", cfg.RPCURL, "JSON-RPC endpoint of the chain node")
	fs.Uint64Var(&cfg.ChainID, "chain-id", cfg.ChainID, "expected chain id")
	fs.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "directory for block cursor files")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log verbosity (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log output (json, text, color)")
	fs.StringVar(&cfg.OpsAddr, "ops-addr", cfg.OpsAddr, "listen address for the metrics/health endpoint")
	return fs
}

// setupLogging builds the process logger from the configured level and
// format and installs it as the package default.
func setupLogging(cfg config.Config) *log.Logger {
	lvl := parseLevel(cfg.LogLevel)

	var h slog.Handler
	switch cfg.LogFormat {
	case "color":
		h = gethlog.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)
	case "text":
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}

	logger := log.NewWithHandler(h)
	log.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
