// Package matching 负责挑选可以承接意图的智能体，并维护撮合记录与智能体注册表。
package matching

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
	"IntentMesh/pkg/logger"
)

// Candidate 是一个满足能力要求的候选智能体及其得分。
type Candidate struct {
	Agent *market.Agent `json:"agent"`
	Score int           `json:"score"`
}

// Engine 是撮合引擎。
type Engine struct {
	committer *market.Committer
	store     market.Store
	attempts  int
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Engine)

// WithRetryAttempts 设置版本冲突时的最大重试次数。
func WithRetryAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// NewEngine 构造撮合引擎。
func NewEngine(committer *market.Committer, opts ...Option) *Engine {
	e := &Engine{
		committer: committer,
		store:     committer.Store(),
		attempts:  market.DefaultRetryAttempts,
		log:       logger.Named("matching"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Score 返回智能体能力标签与意图必需及偏好标签的交集大小。
func Score(intent *market.Intent, agent *market.Agent) int {
	wanted := market.NormalizeTags(append(slices.Clone(intent.RequiredCapabilities), intent.PreferredCapabilities...))
	score := 0
	for _, tag := range wanted {
		if slices.Contains(agent.Capabilities, tag) {
			score++
		}
	}
	return score
}

// FindCandidates 返回空闲且具备全部必需能力的智能体。
//
// 排序完全确定：得分降序，其次创建时间较新者优先，最后按 ID 升序。
func (e *Engine) FindCandidates(ctx context.Context, intent *market.Intent) ([]Candidate, error) {
	if intent == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "意图不能为空")
	}
	if intent.Status != market.IntentOpen {
		return nil, market.Conflictf("意图 %s 状态为 %s，无法撮合", intent.ID, intent.Status)
	}
	agents, err := e.store.ListAgents(ctx, market.AgentFilter{Statuses: []market.AgentStatus{market.AgentIdle}})
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(agents))
	for _, agent := range agents {
		if !agent.HasCapabilities(intent.RequiredCapabilities) {
			continue
		}
		candidates = append(candidates, Candidate{Agent: agent, Score: Score(intent, agent)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Agent.CreatedAt.Equal(b.Agent.CreatedAt) {
			return a.Agent.CreatedAt.After(b.Agent.CreatedAt)
		}
		return a.Agent.ID < b.Agent.ID
	})
	return candidates, nil
}

// ProposeMatch 为意图与智能体创建 proposed 撮合，不改变两者的状态。
func (e *Engine) ProposeMatch(ctx context.Context, intentID, agentID string) (*market.Match, error) {
	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != market.IntentOpen {
		return nil, market.Conflictf("意图 %s 状态为 %s，无法提出撮合", intent.ID, intent.Status)
	}
	if agent.Status != market.AgentIdle {
		return nil, market.Conflictf("智能体 %s 状态为 %s，无法提出撮合", agent.ID, agent.Status)
	}
	if !agent.HasCapabilities(intent.RequiredCapabilities) {
		return nil, market.Conflictf("智能体 %s 缺少意图 %s 要求的能力", agent.ID, intent.ID)
	}
	match := &market.Match{
		ID:       uuid.NewString(),
		IntentID: intent.ID,
		AgentID:  agent.ID,
		Score:    Score(intent, agent),
		Status:   market.MatchProposed,
	}
	if err := e.store.CreateMatch(ctx, match); err != nil {
		return nil, err
	}
	e.committer.Announce(ctx, market.StatusEvent{
		Entity:   market.EntityMatch,
		ID:       match.ID,
		IntentID: match.IntentID,
		To:       string(market.MatchProposed),
		At:       match.CreatedAt,
	})
	e.log.Info("已提出撮合", slog.String("match_id", match.ID), slog.String("intent_id", intent.ID), slog.String("agent_id", agent.ID))
	return match, nil
}

// AcceptMatch 原子地接受撮合：撮合 → accepted，同一意图的其它 proposed 撮合 → superseded，
// 意图与智能体 → matched。并发冲突时整体重试，失败方重新读取后得到 STALE_STATE。
func (e *Engine) AcceptMatch(ctx context.Context, matchID string) (*market.Match, error) {
	var accepted *market.Match
	err := market.Retry(ctx, e.attempts, func(ctx context.Context) error {
		match, err := e.store.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		if match.Status != market.MatchProposed {
			return market.Stalef("撮合 %s 状态为 %s，无法接受", match.ID, match.Status)
		}
		intent, err := e.store.GetIntent(ctx, match.IntentID)
		if err != nil {
			return err
		}
		if intent.Status != market.IntentOpen {
			return market.Stalef("意图 %s 状态为 %s，无法接受撮合", intent.ID, intent.Status)
		}
		agent, err := e.store.GetAgent(ctx, match.AgentID)
		if err != nil {
			return err
		}
		if agent.Status != market.AgentIdle {
			return market.Stalef("智能体 %s 状态为 %s，无法接受撮合", agent.ID, agent.Status)
		}
		siblings, err := e.store.ListMatches(ctx, market.MatchFilter{
			IntentID: intent.ID,
			Statuses: []market.MatchStatus{market.MatchProposed},
		})
		if err != nil {
			return err
		}

		cs := &market.Changeset{}
		next := cs.UpdateMatch(match, func(m *market.Match) { m.Status = market.MatchAccepted })
		for _, sibling := range siblings {
			if sibling.ID == match.ID {
				continue
			}
			cs.UpdateMatch(sibling, func(m *market.Match) { m.Status = market.MatchSuperseded })
		}
		cs.UpdateIntent(intent, func(i *market.Intent) {
			i.Status = market.IntentMatched
			i.MatchID = match.ID
		})
		cs.UpdateAgent(agent, func(a *market.Agent) { a.Status = market.AgentMatched })
		if err := e.committer.Commit(ctx, cs); err != nil {
			return err
		}
		accepted = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("撮合已接受", slog.String("match_id", accepted.ID), slog.String("intent_id", accepted.IntentID))
	return accepted, nil
}

// RejectMatch 拒绝一个 proposed 撮合。
func (e *Engine) RejectMatch(ctx context.Context, matchID string) (*market.Match, error) {
	var rejected *market.Match
	err := market.Retry(ctx, e.attempts, func(ctx context.Context) error {
		match, err := e.store.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		if match.Status != market.MatchProposed {
			return market.Stalef("撮合 %s 状态为 %s，无法拒绝", match.ID, match.Status)
		}
		cs := &market.Changeset{}
		rejected = cs.UpdateMatch(match, func(m *market.Match) { m.Status = market.MatchRejected })
		return e.committer.Commit(ctx, cs)
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// GetMatch 返回撮合记录。
func (e *Engine) GetMatch(ctx context.Context, id string) (*market.Match, error) {
	return e.store.GetMatch(ctx, id)
}

// ListMatches 按过滤条件列出撮合记录。
func (e *Engine) ListMatches(ctx context.Context, filter market.MatchFilter) ([]*market.Match, error) {
	return e.store.ListMatches(ctx, filter)
}

func validWallet(wallet string) error {
	if strings.TrimSpace(wallet) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结算地址不能为空")
	}
	return nil
}
