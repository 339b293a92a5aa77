// hooks.go defines the pluggable rebalance hooks the hook manager runs
// every cycle and once at startup. A hook is any periodic position
// adjustment tied to the agent identity; the stock StakeCompounder rolls
// earned staking rewards back into the stake.
package maintenance

import (
	"context"
	"errors"

	"github.com/bobbyswhip/x402c/chain"
	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/sender"
)

// Hook is one rebalance pass. Run must respect ctx and keep its own
// failures internal; the manager logs the error and moves on.
type Hook interface {
	Name() string
	Run(ctx context.Context) error
}

// StakeCompounder compounds pending staking rewards into the agent's
// stake, growing eligibility weight without touching the wallet.
type StakeCompounder struct {
	client  *chain.Client
	staking *contracts.Staking
	send    *sender.Sender
	logger  *log.Logger
}

// NewStakeCompounder builds the hook for the sender's identity.
func NewStakeCompounder(client *chain.Client, staking *contracts.Staking, send *sender.Sender, logger *log.Logger) *StakeCompounder {
	return &StakeCompounder{
		client:  client,
		staking: staking,
		send:    send,
		logger:  logger.Module("maintenance"),
	}
}

// Name identifies the hook in logs.
func (c *StakeCompounder) Name() string { return "stake-compounder" }

// Run compounds when anything is pending. A zero pot or disabled writes
// is a quiet no-op.
func (c *StakeCompounder) Run(ctx context.Context) error {
	pending, err := c.staking.PendingRewards(ctx, c.send.From())
	if err != nil {
		return err
	}
	if pending.Sign() == 0 {
		return nil
	}
	data, err := c.staking.PackCompound()
	if err != nil {
		return err
	}
	result, err := submitBuffered(ctx, c.client, c.send, "staking.compound", c.staking.Address(), data)
	switch {
	case err == nil:
		c.logger.Info("staking rewards compounded", "pending", pending, "hash", result.Hash)
	case errors.Is(err, ErrWouldRevert):
		c.logger.Debug("compound would revert, skipped")
	case errors.Is(err, sender.ErrWritesDisabled):
		c.logger.Debug("compound skipped, writes disabled", "pending", pending)
	default:
		return err
	}
	return nil
}
