package matching

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
)

// AgentProfile 是所有者可以维护的智能体资料。状态不在其中。
type AgentProfile struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Wallet       string   `json:"wallet"`
}

// RegisterAgent 注册一个空闲状态的智能体。
func (e *Engine) RegisterAgent(ctx context.Context, owner string, profile AgentProfile) (*market.Agent, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "所有者不能为空")
	}
	tags := market.NormalizeTags(profile.Capabilities)
	if len(tags) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个能力标签")
	}
	if err := validWallet(profile.Wallet); err != nil {
		return nil, err
	}
	agent := &market.Agent{
		ID:           uuid.NewString(),
		Owner:        owner,
		Name:         strings.TrimSpace(profile.Name),
		Capabilities: tags,
		Status:       market.AgentIdle,
		Wallet:       strings.TrimSpace(profile.Wallet),
	}
	if err := e.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	e.committer.Announce(ctx, market.StatusEvent{
		Entity: market.EntityAgent,
		ID:     agent.ID,
		To:     string(market.AgentIdle),
		At:     agent.CreatedAt,
	})
	e.log.Info("智能体已注册", slog.String("agent_id", agent.ID), slog.String("owner", owner))
	return agent, nil
}

// GetAgent 返回智能体。
func (e *Engine) GetAgent(ctx context.Context, id string) (*market.Agent, error) {
	return e.store.GetAgent(ctx, id)
}

// ListAgents 按过滤条件列出智能体。
func (e *Engine) ListAgents(ctx context.Context, filter market.AgentFilter) ([]*market.Agent, error) {
	return e.store.ListAgents(ctx, filter)
}

// UpdateAgentProfile 更新名称、能力标签与结算地址，空字段保持不变。
func (e *Engine) UpdateAgentProfile(ctx context.Context, id string, profile AgentProfile) (*market.Agent, error) {
	var updated *market.Agent
	err := market.Retry(ctx, e.attempts, func(ctx context.Context) error {
		agent, err := e.store.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		tags := market.NormalizeTags(profile.Capabilities)
		if profile.Capabilities != nil && len(tags) == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个能力标签")
		}
		cs := &market.Changeset{}
		updated = cs.UpdateAgent(agent, func(a *market.Agent) {
			if name := strings.TrimSpace(profile.Name); name != "" {
				a.Name = name
			}
			if len(tags) > 0 {
				a.Capabilities = tags
			}
			if wallet := strings.TrimSpace(profile.Wallet); wallet != "" {
				a.Wallet = wallet
			}
		})
		return e.committer.Commit(ctx, cs)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetAgentEnabled 在 idle 与 disabled 之间切换。已撮合或工作中的智能体不能停用。
func (e *Engine) SetAgentEnabled(ctx context.Context, id string, enabled bool) (*market.Agent, error) {
	from, to := market.AgentDisabled, market.AgentIdle
	if !enabled {
		from, to = market.AgentIdle, market.AgentDisabled
	}
	var updated *market.Agent
	err := market.Retry(ctx, e.attempts, func(ctx context.Context) error {
		agent, err := e.store.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if agent.Status == to {
			updated = agent
			return nil
		}
		if agent.Status != from {
			return market.Conflictf("智能体 %s 状态为 %s，无法切换为 %s", agent.ID, agent.Status, to)
		}
		cs := &market.Changeset{}
		updated = cs.UpdateAgent(agent, func(a *market.Agent) { a.Status = to })
		return e.committer.Commit(ctx, cs)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ActiveMatches 返回仍引用该智能体的撮合：proposed，或所属意图仍在进行中的 accepted。
func (e *Engine) ActiveMatches(ctx context.Context, agentID string) ([]*market.Match, error) {
	matches, err := e.store.ListMatches(ctx, market.MatchFilter{
		AgentID:  agentID,
		Statuses: []market.MatchStatus{market.MatchProposed, market.MatchAccepted},
	})
	if err != nil {
		return nil, err
	}
	active := make([]*market.Match, 0, len(matches))
	for _, match := range matches {
		if match.Status == market.MatchProposed {
			active = append(active, match)
			continue
		}
		intent, err := e.store.GetIntent(ctx, match.IntentID)
		if err != nil {
			if market.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if intent.Status == market.IntentMatched || intent.Status == market.IntentInProgress {
			active = append(active, match)
		}
	}
	return active, nil
}

// DeleteAgent 删除没有活跃撮合引用的智能体。
func (e *Engine) DeleteAgent(ctx context.Context, id string) error {
	return market.Retry(ctx, e.attempts, func(ctx context.Context) error {
		agent, err := e.store.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		active, err := e.ActiveMatches(ctx, id)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return market.Conflictf("智能体 %s 仍被撮合 %s 引用", id, active[0].ID)
		}
		if err := e.store.DeleteAgent(ctx, id, agent.Version); err != nil {
			return err
		}
		e.log.Info("智能体已删除", slog.String("agent_id", id))
		return nil
	})
}
