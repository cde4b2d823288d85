package market

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "IntentMesh/internal/errors"
)

// MemoryStore 以内存方式保存撮合与托管数据，用于测试与单机开发。
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]*Agent
	intents    map[string]*Intent
	matches    map[string]*Match
	escrows    map[string]*Escrow
	ledger     map[string][]LedgerEntry
	ledgerKeys map[string]struct{}
	hook       ApplyHook
	clock      func() time.Time
}

// MemoryOption 定义 MemoryStore 的可选配置。
type MemoryOption func(*MemoryStore)

// WithApplyHook 设置故障注入钩子。
func WithApplyHook(hook ApplyHook) MemoryOption {
	return func(m *MemoryStore) {
		m.hook = hook
	}
}

// WithMemoryClock 替换时间源。
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		agents:     make(map[string]*Agent),
		intents:    make(map[string]*Intent),
		matches:    make(map[string]*Match),
		escrows:    make(map[string]*Escrow),
		ledger:     make(map[string][]LedgerEntry),
		ledgerKeys: make(map[string]struct{}),
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SetApplyHook 在运行期替换故障注入钩子。
func (m *MemoryStore) SetApplyHook(hook ApplyHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

func (m *MemoryStore) now() time.Time {
	return m.clock().UTC()
}

func requireID(id, what string) error {
	if strings.TrimSpace(id) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, what+" ID 不能为空")
	}
	return nil
}

// CreateAgent 实现 Store 接口。
func (m *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if err := requireID(agent.ID, "智能体"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return Conflictf("智能体 %s 已存在", agent.ID)
	}
	now := m.now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	agent.Version = 1
	m.agents[agent.ID] = agent.Clone()
	return nil
}

// GetAgent 实现 Store 接口。
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.Clone(), nil
}

// ListAgents 返回按创建时间倒序排列的智能体。
func (m *MemoryStore) ListAgents(_ context.Context, filter AgentFilter) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		if filter.MatchesAgent(agent) {
			results = append(results, agent.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results, nil
}

// DeleteAgent 在版本匹配时删除智能体。
func (m *MemoryStore) DeleteAgent(_ context.Context, id string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.Version != version {
		return ErrVersionConflict
	}
	delete(m.agents, id)
	return nil
}

// CreateIntent 实现 Store 接口。
func (m *MemoryStore) CreateIntent(_ context.Context, intent *Intent) error {
	if intent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	if err := requireID(intent.ID, "意图"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[intent.ID]; ok {
		return Conflictf("意图 %s 已存在", intent.ID)
	}
	now := m.now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now
	intent.Version = 1
	m.intents[intent.ID] = intent.Clone()
	return nil
}

// GetIntent 实现 Store 接口。
func (m *MemoryStore) GetIntent(_ context.Context, id string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return intent.Clone(), nil
}

// ListIntents 返回按创建时间正序排列的意图。
func (m *MemoryStore) ListIntents(_ context.Context, filter IntentFilter) ([]*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Intent, 0, len(m.intents))
	for _, intent := range m.intents {
		if filter.MatchesIntent(intent) {
			results = append(results, intent.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// CreateMatch 实现 Store 接口。
func (m *MemoryStore) CreateMatch(_ context.Context, match *Match) error {
	if match == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "match 不能为空")
	}
	if err := requireID(match.ID, "撮合"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[match.IntentID]
	if !ok {
		return ErrIntentNotFound
	}
	if intent.Status != IntentOpen {
		return Conflictf("意图 %s 状态为 %s，无法创建撮合", intent.ID, intent.Status)
	}
	agent, ok := m.agents[match.AgentID]
	if !ok {
		return ErrAgentNotFound
	}
	if _, ok := m.matches[match.ID]; ok {
		return Conflictf("撮合 %s 已存在", match.ID)
	}
	for _, existing := range m.matches {
		if existing.IntentID == match.IntentID && existing.AgentID == match.AgentID && existing.Status.Open() {
			return Conflictf("意图 %s 与智能体 %s 已存在未结束的撮合 %s", match.IntentID, match.AgentID, existing.ID)
		}
	}
	now := m.now()
	if match.CreatedAt.IsZero() {
		match.CreatedAt = now
	}
	match.UpdatedAt = now
	match.Version = 1
	m.matches[match.ID] = match.Clone()
	// 新撮合使意图版本前进，正在进行的接受操作会因此重新读取同级撮合。
	m.intents[intent.ID] = bumpIntent(intent.Clone(), now)
	// 智能体版本同样前进，并发的按版本删除因此失败。
	m.agents[agent.ID] = bumpAgent(agent.Clone(), now)
	return nil
}

// GetMatch 实现 Store 接口。
func (m *MemoryStore) GetMatch(_ context.Context, id string) (*Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	match, ok := m.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	return match.Clone(), nil
}

// ListMatches 返回按创建时间正序排列的撮合记录。
func (m *MemoryStore) ListMatches(_ context.Context, filter MatchFilter) ([]*Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Match, 0)
	for _, match := range m.matches {
		if filter.MatchesMatch(match) {
			results = append(results, match.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

// CreateEscrow 实现 Store 接口。
func (m *MemoryStore) CreateEscrow(_ context.Context, escrow *Escrow) error {
	if escrow == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "escrow 不能为空")
	}
	if err := requireID(escrow.ID, "托管"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.matches[escrow.MatchID]; !ok {
		return ErrMatchNotFound
	}
	if _, ok := m.escrows[escrow.ID]; ok {
		return ErrDuplicateEscrow
	}
	for _, existing := range m.escrows {
		if existing.MatchID == escrow.MatchID {
			return ErrDuplicateEscrow
		}
	}
	now := m.now()
	if escrow.CreatedAt.IsZero() {
		escrow.CreatedAt = now
	}
	escrow.UpdatedAt = now
	escrow.Version = 1
	m.escrows[escrow.ID] = escrow.Clone()
	return nil
}

// GetEscrow 实现 Store 接口。
func (m *MemoryStore) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return escrow.Clone(), nil
}

// GetEscrowByMatch 实现 Store 接口。
func (m *MemoryStore) GetEscrowByMatch(_ context.Context, matchID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, escrow := range m.escrows {
		if escrow.MatchID == matchID {
			return escrow.Clone(), nil
		}
	}
	return nil, ErrEscrowNotFound
}

// ListEscrows 返回按创建时间正序排列的托管账户。
func (m *MemoryStore) ListEscrows(_ context.Context, filter EscrowFilter) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Escrow, 0)
	for _, escrow := range m.escrows {
		if filter.MatchesEscrow(escrow) {
			results = append(results, escrow.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// ListLedger 按写入顺序返回托管账户的账本条目。
func (m *MemoryStore) ListLedger(_ context.Context, escrowID string) ([]LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.ledger[escrowID]
	out := make([]LedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// Apply 在内存中模拟事务：先校验全部版本，再在暂存区逐行写入，
// 所有步骤成功后才一次性替换可见状态。
func (m *MemoryStore) Apply(_ context.Context, cs *Changeset) error {
	if cs.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkVersions(cs); err != nil {
		return err
	}

	now := m.now()
	var writes []func()
	step := func(name string, write func()) error {
		writes = append(writes, write)
		if m.hook != nil {
			if err := m.hook(name); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 "+name+" 失败")
			}
		}
		return nil
	}

	for _, ch := range cs.Matches {
		next := ch.Next.Clone()
		if err := step("match:"+next.ID, func() { m.matches[next.ID] = bump(next, now) }); err != nil {
			return err
		}
	}
	for _, ch := range cs.Intents {
		next := ch.Next.Clone()
		if err := step("intent:"+next.ID, func() { m.intents[next.ID] = bumpIntent(next, now) }); err != nil {
			return err
		}
	}
	for _, ch := range cs.Agents {
		next := ch.Next.Clone()
		if err := step("agent:"+next.ID, func() { m.agents[next.ID] = bumpAgent(next, now) }); err != nil {
			return err
		}
	}
	for _, ch := range cs.Escrows {
		next := ch.Next.Clone()
		if err := step("escrow:"+next.ID, func() { m.escrows[next.ID] = bumpEscrow(next, now) }); err != nil {
			return err
		}
	}
	for _, entry := range cs.Ledger {
		entry := entry
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if err := step("ledger:"+entry.ID, func() {
			m.ledger[entry.EscrowID] = append(m.ledger[entry.EscrowID], entry)
			m.ledgerKeys[entry.IdempotencyKey] = struct{}{}
		}); err != nil {
			return err
		}
	}

	for _, write := range writes {
		write()
	}
	RefreshChangeset(cs, now)
	return nil
}

func (m *MemoryStore) checkVersions(cs *Changeset) error {
	for _, ch := range cs.Matches {
		current, ok := m.matches[ch.Next.ID]
		if !ok {
			return ErrMatchNotFound
		}
		if current.Version != ch.Next.Version {
			return ErrVersionConflict
		}
	}
	for _, ch := range cs.Intents {
		current, ok := m.intents[ch.Next.ID]
		if !ok {
			return ErrIntentNotFound
		}
		if current.Version != ch.Next.Version {
			return ErrVersionConflict
		}
	}
	for _, ch := range cs.Agents {
		current, ok := m.agents[ch.Next.ID]
		if !ok {
			return ErrAgentNotFound
		}
		if current.Version != ch.Next.Version {
			return ErrVersionConflict
		}
	}
	for _, ch := range cs.Escrows {
		current, ok := m.escrows[ch.Next.ID]
		if !ok {
			return ErrEscrowNotFound
		}
		if current.Version != ch.Next.Version {
			return ErrVersionConflict
		}
	}
	seen := make(map[string]struct{}, len(cs.Ledger))
	for _, entry := range cs.Ledger {
		if _, ok := m.escrows[entry.EscrowID]; !ok {
			return ErrEscrowNotFound
		}
		if entry.IdempotencyKey == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "账本条目缺少幂等键")
		}
		if _, ok := m.ledgerKeys[entry.IdempotencyKey]; ok {
			return ErrDuplicateEntry
		}
		if _, ok := seen[entry.IdempotencyKey]; ok {
			return ErrDuplicateEntry
		}
		seen[entry.IdempotencyKey] = struct{}{}
	}
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func bump(match *Match, now time.Time) *Match {
	match.Version++
	match.UpdatedAt = now
	return match
}

func bumpIntent(intent *Intent, now time.Time) *Intent {
	intent.Version++
	intent.UpdatedAt = now
	return intent
}

func bumpAgent(agent *Agent, now time.Time) *Agent {
	agent.Version++
	agent.UpdatedAt = now
	return agent
}

func bumpEscrow(escrow *Escrow, now time.Time) *Escrow {
	escrow.Version++
	escrow.UpdatedAt = now
	return escrow
}

// RefreshChangeset 将提交后的版本号与更新时间回写到调用方持有的实体上。
func RefreshChangeset(cs *Changeset, now time.Time) {
	for _, ch := range cs.Matches {
		ch.Next.Version++
		ch.Next.UpdatedAt = now
	}
	for _, ch := range cs.Intents {
		ch.Next.Version++
		ch.Next.UpdatedAt = now
	}
	for _, ch := range cs.Agents {
		ch.Next.Version++
		ch.Next.UpdatedAt = now
	}
	for _, ch := range cs.Escrows {
		ch.Next.Version++
		ch.Next.UpdatedAt = now
	}
}

var _ Store = (*MemoryStore)(nil)
