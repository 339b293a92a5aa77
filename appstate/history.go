// history.go scans a wide window of RequestCreated and RequestFulfilled
// logs to derive per-endpoint fulfillment volume, the agent leaderboard
// and the recent-requests list. The scan is read-only and stateless; it
// runs fresh inside every full refresh so the derived counts track the
// chain without a cursor.
package appstate

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/bobbyswhip/x402c/contracts"
)

const (
	// DefaultHistoryWindow is how far back the scan reaches.
	DefaultHistoryWindow = 50_000

	// historyChunk keeps each getLogs range inside the provider limit.
	historyChunk = 1_000

	// historyWorkers bounds concurrent chunk fetches against the RPC.
	historyWorkers = 5

	// recentLimit caps the recent-requests list carried in the snapshot.
	recentLimit = 25
)

// historyDigest is the folded result of one scan window.
type historyDigest struct {
	// endpointFulfillments counts fulfillments joined to their endpoint
	// through the RequestCreated event seen in the same window.
	endpointFulfillments map[common.Hash]uint64

	// agentFulfillments counts every fulfillment per agent, including
	// those whose creation predates the window.
	agentFulfillments map[common.Address]uint64

	// recent holds the newest requests first, capped at recentLimit.
	recent []RequestSummary
}

// scanHistory fetches both event streams over the window ending at head
// and folds them into a digest. Chunks are fetched concurrently; the
// fold runs over logs sorted back into chain order so a fulfillment is
// always applied after its creation.
func (c *Cache) scanHistory(ctx context.Context, head uint64) (*historyDigest, error) {
	window := c.cfg.HistoryWindow
	if window == 0 {
		window = DefaultHistoryWindow
	}
	from := uint64(0)
	if head+1 > window {
		from = head + 1 - window
	}

	createdID := c.con.Hub.EventID(contracts.EventRequestCreated)
	fulfilledID := c.con.Hub.EventID(contracts.EventRequestFulfilled)

	var (
		mu   sync.Mutex
		logs []types.Log
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(historyWorkers)
	for start := from; start <= head; start += historyChunk {
		end := start + historyChunk - 1
		if end > head {
			end = head
		}
		g.Go(func() error {
			chunk, err := c.client.Logs(gctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(start),
				ToBlock:   new(big.Int).SetUint64(end),
				Addresses: []common.Address{c.con.Hub.Address()},
				Topics:    [][]common.Hash{{createdID, fulfilledID}},
			})
			if err != nil {
				return err
			}
			mu.Lock()
			logs = append(logs, chunk...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	digest := &historyDigest{
		endpointFulfillments: make(map[common.Hash]uint64),
		agentFulfillments:    make(map[common.Address]uint64),
	}
	created := make(map[common.Hash]*RequestSummary)
	var order []common.Hash
	for i := range logs {
		lg := logs[i]
		if lg.Removed || len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case createdID:
			ev, err := c.con.Hub.DecodeRequestCreated(lg)
			if err != nil {
				c.logger.Debug("undecodable history log", "block", lg.BlockNumber, "err", err)
				continue
			}
			if _, ok := created[ev.RequestId]; ok {
				continue
			}
			created[ev.RequestId] = &RequestSummary{
				RequestID:    ev.RequestId,
				EndpointID:   ev.EndpointId,
				Requester:    ev.Requester,
				TotalCost:    ev.TotalCost,
				TotalCostUSD: FormatUSDC(ev.TotalCost),
				Block:        lg.BlockNumber,
				Status:       contracts.StatusPending.String(),
			}
			order = append(order, ev.RequestId)
		case fulfilledID:
			ev, err := c.con.Hub.DecodeRequestFulfilled(lg)
			if err != nil {
				c.logger.Debug("undecodable history log", "block", lg.BlockNumber, "err", err)
				continue
			}
			digest.agentFulfillments[ev.Agent]++
			sum, ok := created[ev.RequestId]
			if !ok {
				// Created before the window opened; the endpoint join
				// is unavailable for this one.
				continue
			}
			digest.endpointFulfillments[sum.EndpointID]++
			agent := ev.Agent
			sum.Status = contracts.StatusFulfilled.String()
			sum.Agent = &agent
			sum.Payout = ev.Payout
		}
	}

	for i := len(order) - 1; i >= 0 && len(digest.recent) < recentLimit; i-- {
		digest.recent = append(digest.recent, *created[order[i]])
	}
	return digest, nil
}

// leaderboard ranks agents by fulfillment volume within the window and
// decorates each row with the agent's lifetime hub record. A failed
// stat read leaves the row without stats rather than dropping it.
func (c *Cache) leaderboard(ctx context.Context, digest *historyDigest) []AgentRank {
	if len(digest.agentFulfillments) == 0 {
		return nil
	}
	ranks := make([]AgentRank, 0, len(digest.agentFulfillments))
	for agent, n := range digest.agentFulfillments {
		ranks = append(ranks, AgentRank{Agent: agent, Fulfillments: n})
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Fulfillments != ranks[j].Fulfillments {
			return ranks[i].Fulfillments > ranks[j].Fulfillments
		}
		return ranks[i].Agent.Hex() < ranks[j].Agent.Hex()
	})
	if len(ranks) > leaderboardSize {
		ranks = ranks[:leaderboardSize]
	}
	for i := range ranks {
		stats, err := c.con.Hub.GetAgentStats(ctx, ranks[i].Agent)
		if err != nil {
			c.logger.Debug("leaderboard stats skipped", "agent", ranks[i].Agent, "err", err)
			continue
		}
		ranks[i].Stats = newAgentStatsView(stats)
	}
	return ranks
}
