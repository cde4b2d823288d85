package coordinator

import (
	"context"

	"IntentMesh/internal/escrow"
	"IntentMesh/internal/market"
)

// complete 构造放款时同步写入的变更：意图 in_progress → completed，智能体恢复空闲。
func (c *Coordinator) complete(match *market.Match) escrow.Finalizer {
	return func(ctx context.Context, cs *market.Changeset) error {
		intent, err := c.store.GetIntent(ctx, match.IntentID)
		if err != nil {
			return err
		}
		if intent.Status == market.IntentCompleted {
			return nil
		}
		if intent.Status != market.IntentInProgress {
			return market.Stalef("意图 %s 状态为 %s，无法完成", intent.ID, intent.Status)
		}
		cs.UpdateIntent(intent, func(i *market.Intent) { i.Status = market.IntentCompleted })
		return c.releaseAgent(ctx, cs, match.AgentID)
	}
}

// closeOut 构造撤销时同步写入的变更：意图进入 to，未结束的撮合进入 matchTo，智能体恢复空闲。
func (c *Coordinator) closeOut(intentID string, to market.IntentStatus, reason string, matchTo market.MatchStatus) escrow.Finalizer {
	return func(ctx context.Context, cs *market.Changeset) error {
		intent, err := c.store.GetIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if intent.Status == to {
			return nil
		}
		if intent.Status.Terminal() {
			return market.Conflictf("意图 %s 已处于终态 %s", intent.ID, intent.Status)
		}
		cs.UpdateIntent(intent, func(i *market.Intent) {
			i.Status = to
			i.CancelReason = reason
		})
		matches, err := c.store.ListMatches(ctx, market.MatchFilter{
			IntentID: intentID,
			Statuses: []market.MatchStatus{market.MatchProposed, market.MatchAccepted},
		})
		if err != nil {
			return err
		}
		for _, match := range matches {
			cs.UpdateMatch(match, func(m *market.Match) { m.Status = matchTo })
			if match.Status == market.MatchAccepted {
				if err := c.releaseAgent(ctx, cs, match.AgentID); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func (c *Coordinator) releaseAgent(ctx context.Context, cs *market.Changeset, agentID string) error {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		if market.IsNotFound(err) {
			return nil
		}
		return err
	}
	if agent.Status == market.AgentMatched || agent.Status == market.AgentBusy {
		cs.UpdateAgent(agent, func(a *market.Agent) { a.Status = market.AgentIdle })
	}
	return nil
}
