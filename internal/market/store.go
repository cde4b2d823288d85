package market

import (
	"context"
	"time"
)

// AgentFilter 控制智能体列表查询。
type AgentFilter struct {
	Owner    string
	Statuses []AgentStatus
}

// IntentFilter 控制意图列表查询。
type IntentFilter struct {
	Owner    string
	Statuses []IntentStatus
	// DeadlineBefore 非零时只返回截止时间早于该时刻的意图。
	DeadlineBefore time.Time
	Limit          int
}

// MatchFilter 控制撮合记录列表查询。
type MatchFilter struct {
	IntentID string
	AgentID  string
	Statuses []MatchStatus
}

// EscrowFilter 控制托管账户列表查询。
type EscrowFilter struct {
	Statuses []EscrowStatus
	// PendingOnly 只返回存在未落账网关操作的托管账户。
	PendingOnly bool
	Limit       int
}

// Store 是撮合与托管数据的唯一事实来源。
//
// 所有跨实体的状态推进都必须通过 Apply 以乐观并发方式原子提交；
// Create 系列方法只负责插入新实体。读取方法返回副本。
type Store interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string, version int64) error

	CreateIntent(ctx context.Context, intent *Intent) error
	GetIntent(ctx context.Context, id string) (*Intent, error)
	ListIntents(ctx context.Context, filter IntentFilter) ([]*Intent, error)

	// CreateMatch 在意图不是 open、或同一 (intent, agent) 已存在非终态撮合时返回 CONFLICT。
	// 成功时意图的版本号同时前进。
	CreateMatch(ctx context.Context, match *Match) error
	GetMatch(ctx context.Context, id string) (*Match, error)
	ListMatches(ctx context.Context, filter MatchFilter) ([]*Match, error)

	// CreateEscrow 在撮合已有托管账户时返回 ErrDuplicateEscrow。
	CreateEscrow(ctx context.Context, escrow *Escrow) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByMatch(ctx context.Context, matchID string) (*Escrow, error)
	ListEscrows(ctx context.Context, filter EscrowFilter) ([]*Escrow, error)

	ListLedger(ctx context.Context, escrowID string) ([]LedgerEntry, error)

	// Apply 原子提交变更集。任一实体的版本与期望不符时返回 ErrVersionConflict，
	// 并且不写入任何内容。成功后变更集中的实体版本号与更新时间会被刷新。
	Apply(ctx context.Context, cs *Changeset) error

	Close() error
}

// ApplyHook 在 Apply 每写入一行后被调用，返回错误会使整个变更集回滚。用于故障注入测试。
type ApplyHook func(step string) error

func containsStatus[T comparable](set []T, value T) bool {
	if len(set) == 0 {
		return true
	}
	for _, candidate := range set {
		if candidate == value {
			return true
		}
	}
	return false
}

// MatchesAgent 判断智能体是否满足过滤条件。
func (f AgentFilter) MatchesAgent(a *Agent) bool {
	if f.Owner != "" && a.Owner != f.Owner {
		return false
	}
	return containsStatus(f.Statuses, a.Status)
}

// MatchesIntent 判断意图是否满足过滤条件。
func (f IntentFilter) MatchesIntent(i *Intent) bool {
	if f.Owner != "" && i.Owner != f.Owner {
		return false
	}
	if !containsStatus(f.Statuses, i.Status) {
		return false
	}
	if !f.DeadlineBefore.IsZero() {
		if i.Deadline == nil || !i.Deadline.Before(f.DeadlineBefore) {
			return false
		}
	}
	return true
}

// MatchesMatch 判断撮合记录是否满足过滤条件。
func (f MatchFilter) MatchesMatch(m *Match) bool {
	if f.IntentID != "" && m.IntentID != f.IntentID {
		return false
	}
	if f.AgentID != "" && m.AgentID != f.AgentID {
		return false
	}
	return containsStatus(f.Statuses, m.Status)
}

// MatchesEscrow 判断托管账户是否满足过滤条件。
func (f EscrowFilter) MatchesEscrow(e *Escrow) bool {
	if f.PendingOnly && e.PendingOp == "" {
		return false
	}
	return containsStatus(f.Statuses, e.Status)
}
