// snapshot.go defines the aggregate state snapshot published to read
// consumers and the derived-field helpers that turn raw contract values
// into display form. Snapshots are immutable once built; the cache swaps
// a pointer, so readers always see a complete snapshot and never a mix
// of two refreshes.
package appstate

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bobbyswhip/x402c/contracts"
	"github.com/bobbyswhip/x402c/identity"
)

// Snapshot is one full aggregation of protocol state. A nil section
// means the corresponding fetch failed or the contract is not
// configured; consumers render it as absent rather than stale.
type Snapshot struct {
	ChainID        uint64             `json:"chainId"`
	Block          uint64             `json:"block"`
	RefreshedAt    time.Time          `json:"refreshedAt"`
	Hub            *HubSection        `json:"hub,omitempty"`
	Endpoints      []EndpointView     `json:"endpoints,omitempty"`
	Staking        *StakingSection    `json:"staking,omitempty"`
	Locker         *LockerSection     `json:"locker,omitempty"`
	Governance     *GovernanceSection `json:"governance,omitempty"`
	Disputes       *DisputeSection    `json:"disputes,omitempty"`
	Bazaar         []BazaarListing    `json:"bazaar,omitempty"`
	Buyback        *BuybackSection    `json:"buyback,omitempty"`
	KeepAlive      *KeepAliveSection  `json:"keepAlive,omitempty"`
	Pricing        *PricingSnapshot   `json:"pricing,omitempty"`
	Leaderboard    []AgentRank        `json:"leaderboard,omitempty"`
	RecentRequests []RequestSummary   `json:"recentRequests,omitempty"`
}

// AgeMs returns the snapshot age in milliseconds, clamped at zero so
// clock skew never reports a negative age.
func (s *Snapshot) AgeMs(now time.Time) int64 {
	age := now.Sub(s.RefreshedAt).Milliseconds()
	if age < 0 {
		return 0
	}
	return age
}

// HubSection carries the hub's global counters and the oracle ETH price
// used for all USD conversions.
type HubSection struct {
	TotalRequests   *big.Int `json:"totalRequests"`
	ServedRequests  *big.Int `json:"servedRequests"`
	TotalVolume     *big.Int `json:"totalVolume"`
	TotalVolumeUSD  string   `json:"totalVolumeUsd"`
	ProtocolFees    *big.Int `json:"protocolFees"`
	ProtocolFeesUSD string   `json:"protocolFeesUsd"`
	ActiveEndpoints *big.Int `json:"activeEndpoints"`
	EthPrice        *big.Int `json:"ethPrice,omitempty"`
	EthPriceUSD     string   `json:"ethPriceUsd,omitempty"`
}

func newHubSection(stats contracts.HubStats) *HubSection {
	return &HubSection{
		TotalRequests:   stats.TotalRequests,
		ServedRequests:  stats.ServedRequests,
		TotalVolume:     stats.TotalVolume,
		TotalVolumeUSD:  FormatUSDC(stats.TotalVolume),
		ProtocolFees:    stats.ProtocolFees,
		ProtocolFeesUSD: FormatUSDC(stats.ProtocolFees),
		ActiveEndpoints: stats.ActiveEndpoints,
	}
}

// EndpointView is one registered endpoint enriched with pricing, owner
// identity and historical fulfillment volume. Owner fields are null when
// the identity service or the per-owner stat reads fail.
type EndpointView struct {
	ID               common.Hash       `json:"id"`
	URL              string            `json:"url"`
	InputFormat      string            `json:"inputFormat,omitempty"`
	OutputFormat     string            `json:"outputFormat,omitempty"`
	Active           bool              `json:"active"`
	Owner            common.Address    `json:"owner"`
	BaseCost         *big.Int          `json:"baseCost"`
	EstimatedGasCost *big.Int          `json:"estimatedGasCostWei"`
	CallbackGasLimit uint64            `json:"callbackGasLimit"`
	Price            *big.Int          `json:"price,omitempty"`
	PriceUSD         string            `json:"priceUsd,omitempty"`
	GasCost          *big.Int          `json:"gasCost,omitempty"`
	RegisteredAt     uint64            `json:"registeredAt"`
	Age              string            `json:"age,omitempty"`
	OwnerProfile     *identity.Profile `json:"ownerProfile,omitempty"`
	OwnerStats       *AgentStatsView   `json:"ownerStats,omitempty"`
	OwnerReputation  *big.Int          `json:"ownerReputation,omitempty"`
	Fulfillments     uint64            `json:"fulfillments"`
}

func newEndpointView(ep contracts.Endpoint, now time.Time) EndpointView {
	v := EndpointView{
		ID:               ep.ID,
		URL:              ep.URL,
		InputFormat:      ep.InputFormat,
		OutputFormat:     ep.OutputFormat,
		Active:           ep.Active,
		Owner:            ep.Owner,
		BaseCost:         ep.BaseCost,
		EstimatedGasCost: ep.EstimatedGasCost,
		CallbackGasLimit: ep.CallbackGasLimit,
		RegisteredAt:     ep.RegisteredAt,
	}
	if ep.RegisteredAt > 0 {
		v.Age = FormatInterval(now.Sub(time.Unix(int64(ep.RegisteredAt), 0)))
	}
	return v
}

// AgentStatsView is the hub's per-agent record in display form.
type AgentStatsView struct {
	Fulfilled  *big.Int `json:"fulfilled"`
	Cancelled  *big.Int `json:"cancelled"`
	Earned     *big.Int `json:"earned"`
	EarnedUSD  string   `json:"earnedUsd"`
	LastActive uint64   `json:"lastActive"`
}

func newAgentStatsView(stats contracts.AgentStats) *AgentStatsView {
	return &AgentStatsView{
		Fulfilled:  stats.Fulfilled,
		Cancelled:  stats.Cancelled,
		Earned:     stats.Earned,
		EarnedUSD:  FormatUSDC(stats.Earned),
		LastActive: stats.LastActive,
	}
}

// StakingSection carries the staking contract's global parameters plus
// this agent's own position when a signing identity is configured.
type StakingSection struct {
	TotalStaked         *big.Int    `json:"totalStaked"`
	MinStake            *big.Int    `json:"minStake"`
	UnstakeDelaySeconds uint64      `json:"unstakeDelaySeconds"`
	UnstakeDelay        string      `json:"unstakeDelay,omitempty"`
	RewardRate          *big.Int    `json:"rewardRate"`
	Agent               *AgentStake `json:"agent,omitempty"`
}

func newStakingSection(params contracts.StakingParams, totalStaked *big.Int) *StakingSection {
	return &StakingSection{
		TotalStaked:         totalStaked,
		MinStake:            params.MinStake,
		UnstakeDelaySeconds: params.UnstakeDelay,
		UnstakeDelay:        FormatInterval(time.Duration(params.UnstakeDelay) * time.Second),
		RewardRate:          params.RewardRate,
	}
}

// AgentStake is this agent's staking position.
type AgentStake struct {
	Address        common.Address `json:"address"`
	Staked         *big.Int       `json:"staked"`
	PendingUnstake *big.Int       `json:"pendingUnstake,omitempty"`
	PendingRewards *big.Int       `json:"pendingRewards,omitempty"`
	Reputation     *big.Int       `json:"reputation,omitempty"`
	Eligible       bool           `json:"eligible"`
}

// LockerSection carries the revenue locker's global pot plus this
// agent's lock positions.
type LockerSection struct {
	TotalLocked            *big.Int             `json:"totalLocked"`
	TotalShares            *big.Int             `json:"totalShares"`
	PendingDistribution    *big.Int             `json:"pendingDistribution"`
	PendingDistributionUSD string               `json:"pendingDistributionUsd"`
	LastDistribution       uint64               `json:"lastDistribution"`
	Positions              []LockerPositionView `json:"positions,omitempty"`
}

func newLockerSection(stats contracts.LockerStats) *LockerSection {
	return &LockerSection{
		TotalLocked:            stats.TotalLocked,
		TotalShares:            stats.TotalShares,
		PendingDistribution:    stats.PendingDistribution,
		PendingDistributionUSD: FormatUSDC(stats.PendingDistribution),
		LastDistribution:       stats.LastDistribution,
	}
}

// LockerPositionView is one lock with its remaining time rendered.
type LockerPositionView struct {
	Amount    *big.Int `json:"amount"`
	Shares    *big.Int `json:"shares"`
	LockedAt  uint64   `json:"lockedAt"`
	UnlockAt  uint64   `json:"unlockAt"`
	UnlocksIn string   `json:"unlocksIn,omitempty"`
	Withdrawn bool     `json:"withdrawn"`
}

func newLockerPositionView(p contracts.LockerPosition, now time.Time) LockerPositionView {
	v := LockerPositionView{
		Amount:    p.Amount,
		Shares:    p.Shares,
		LockedAt:  p.LockedAt,
		UnlockAt:  p.UnlockAt,
		Withdrawn: p.Withdrawn,
	}
	if unlock := time.Unix(int64(p.UnlockAt), 0); unlock.After(now) {
		v.UnlocksIn = FormatInterval(unlock.Sub(now))
	}
	return v
}

// GovernanceSection carries governor parameters, timelock info and the
// most recent proposals, newest first.
type GovernanceSection struct {
	VotingDelay       *big.Int       `json:"votingDelay"`
	VotingPeriod      *big.Int       `json:"votingPeriod"`
	ProposalThreshold *big.Int       `json:"proposalThreshold"`
	QuorumNumerator   *big.Int       `json:"quorumNumerator"`
	Timelock          common.Address `json:"timelock"`
	TimelockMinDelay  *big.Int       `json:"timelockMinDelay,omitempty"`
	ProposalCount     uint64         `json:"proposalCount"`
	Recent            []ProposalView `json:"recent,omitempty"`
}

func newGovernanceSection(info contracts.GovernorInfo) *GovernanceSection {
	return &GovernanceSection{
		VotingDelay:       info.VotingDelay,
		VotingPeriod:      info.VotingPeriod,
		ProposalThreshold: info.ProposalThreshold,
		QuorumNumerator:   info.QuorumNumerator,
		Timelock:          info.Timelock,
		TimelockMinDelay:  info.TimelockMinDelay,
	}
}

// ProposalView is one governance proposal in display form.
type ProposalView struct {
	ID           *big.Int       `json:"id"`
	Proposer     common.Address `json:"proposer"`
	Description  string         `json:"description"`
	State        string         `json:"state"`
	StartBlock   uint64         `json:"startBlock"`
	EndBlock     uint64         `json:"endBlock"`
	ForVotes     *big.Int       `json:"forVotes"`
	AgainstVotes *big.Int       `json:"againstVotes"`
	AbstainVotes *big.Int       `json:"abstainVotes"`
}

func newProposalView(p contracts.Proposal) ProposalView {
	return ProposalView{
		ID:           p.ID,
		Proposer:     p.Proposer,
		Description:  p.Description,
		State:        p.State.String(),
		StartBlock:   p.StartBlock,
		EndBlock:     p.EndBlock,
		ForVotes:     p.ForVotes,
		AgainstVotes: p.AgainstVotes,
		AbstainVotes: p.AbstainVotes,
	}
}

// DisputeSection carries dispute module counters and the most recent
// disputes, newest first.
type DisputeSection struct {
	Total         *big.Int      `json:"total"`
	Open          *big.Int      `json:"open"`
	Resolved      *big.Int      `json:"resolved"`
	SlashedAmount *big.Int      `json:"slashedAmount"`
	Recent        []DisputeView `json:"recent,omitempty"`
}

// DisputeView is one contested fulfillment in display form.
type DisputeView struct {
	ID         *big.Int       `json:"id"`
	RequestID  common.Hash    `json:"requestId"`
	Claimant   common.Address `json:"claimant"`
	Respondent common.Address `json:"respondent"`
	Status     string         `json:"status"`
	OpenedAt   uint64         `json:"openedAt"`
	ResolvedAt uint64         `json:"resolvedAt,omitempty"`
}

func newDisputeView(d contracts.Dispute) DisputeView {
	return DisputeView{
		ID:         d.ID,
		RequestID:  d.RequestID,
		Claimant:   d.Claimant,
		Respondent: d.Respondent,
		Status:     d.Status.String(),
		OpenedAt:   d.OpenedAt,
		ResolvedAt: d.ResolvedAt,
	}
}

// BazaarListing is one marketplace resource in display form.
type BazaarListing struct {
	ID           common.Hash    `json:"id"`
	Seller       common.Address `json:"seller"`
	URI          string         `json:"uri"`
	PricePerCall *big.Int       `json:"pricePerCall"`
	PriceUSD     string         `json:"priceUsd"`
	Active       bool           `json:"active"`
	ListedAt     uint64         `json:"listedAt"`
}

func newBazaarListing(r contracts.BazaarResource) BazaarListing {
	return BazaarListing{
		ID:           r.ID,
		Seller:       r.Seller,
		URI:          r.URI,
		PricePerCall: r.PricePerCall,
		PriceUSD:     FormatUSDC(r.PricePerCall),
		Active:       r.Active,
		ListedAt:     r.ListedAt,
	}
}

// BuybackSection carries the buyback module counters.
type BuybackSection struct {
	TotalBought    *big.Int `json:"totalBought"`
	TotalBurned    *big.Int `json:"totalBurned"`
	PendingFees    *big.Int `json:"pendingFees"`
	PendingFeesUSD string   `json:"pendingFeesUsd"`
	LastBuyback    uint64   `json:"lastBuyback"`
}

func newBuybackSection(stats contracts.BuybackStats) *BuybackSection {
	return &BuybackSection{
		TotalBought:    stats.TotalBought,
		TotalBurned:    stats.TotalBurned,
		PendingFees:    stats.PendingFees,
		PendingFeesUSD: FormatUSDC(stats.PendingFees),
		LastBuyback:    stats.LastBuyback,
	}
}

// KeepAliveSection carries the keep-alive contract counters.
type KeepAliveSection struct {
	TotalSubscriptions  *big.Int `json:"totalSubscriptions"`
	ActiveSubscriptions *big.Int `json:"activeSubscriptions"`
	TotalFulfillments   *big.Int `json:"totalFulfillments"`
	TotalVolume         *big.Int `json:"totalVolume"`
	TotalVolumeUSD      string   `json:"totalVolumeUsd"`
}

func newKeepAliveSection(stats contracts.KeepAliveStats) *KeepAliveSection {
	return &KeepAliveSection{
		TotalSubscriptions:  stats.TotalSubscriptions,
		ActiveSubscriptions: stats.ActiveSubscriptions,
		TotalFulfillments:   stats.TotalFulfillments,
		TotalVolume:         stats.TotalVolume,
		TotalVolumeUSD:      FormatUSDC(stats.TotalVolume),
	}
}

// PricingSnapshot is the small payload pushed on config events so
// clients can recompute call costs without waiting for a full refresh.
type PricingSnapshot struct {
	EthPrice  *big.Int                        `json:"ethPrice,omitempty"`
	Endpoints map[common.Hash]EndpointPricing `json:"endpoints"`
}

// EndpointPricing is the per-endpoint cost basis. Clients combine it
// with the ETH price to derive the total per-call charge.
type EndpointPricing struct {
	EndpointID          common.Hash `json:"endpointId"`
	EstimatedGasCostWei *big.Int    `json:"estimatedGasCostWei"`
	BaseCostUnits       *big.Int    `json:"baseCostUnits"`
}

// AgentRank is one leaderboard row: fulfillment volume within the scan
// window plus the agent's lifetime hub record when readable.
type AgentRank struct {
	Agent        common.Address  `json:"agent"`
	Fulfillments uint64          `json:"fulfillments"`
	Stats        *AgentStatsView `json:"stats,omitempty"`
}

// RequestSummary is one recently observed request. Status reflects the
// latest event seen in the scan window, so entries that went terminal
// since the previous snapshot show their final state.
type RequestSummary struct {
	RequestID    common.Hash     `json:"requestId"`
	EndpointID   common.Hash     `json:"endpointId"`
	Requester    common.Address  `json:"requester"`
	TotalCost    *big.Int        `json:"totalCost"`
	TotalCostUSD string          `json:"totalCostUsd"`
	Block        uint64          `json:"block"`
	Status       string          `json:"status"`
	Agent        *common.Address `json:"agent,omitempty"`
	Payout       *big.Int        `json:"payout,omitempty"`
}

var usdcUnit = big.NewInt(1_000_000)

// FormatUSDC renders a 6-decimal USDC amount as a dollar string with
// cent precision, e.g. 1234560000 -> "$1234.56". Nil renders empty.
func FormatUSDC(units *big.Int) string {
	if units == nil {
		return ""
	}
	abs := new(big.Int).Abs(units)
	whole, frac := new(big.Int).QuoRem(abs, usdcUnit, new(big.Int))
	cents := new(big.Int).Quo(frac, big.NewInt(10_000)).Int64()
	if units.Sign() < 0 {
		return fmt.Sprintf("-$%s.%02d", whole, cents)
	}
	return fmt.Sprintf("$%s.%02d", whole, cents)
}

// FormatInterval renders a duration at single-unit precision, the way
// the downstream UI shows ages and delays: "45s", "12m", "3h", "2d".
func FormatInterval(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	}
}
