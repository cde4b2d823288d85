package market

import (
	"time"
)

// AgentChange 描述一次针对智能体的条件写入，Next.Version 为期望的当前版本。
type AgentChange struct {
	Next *Agent
	From AgentStatus
}

// IntentChange 描述一次针对意图的条件写入。
type IntentChange struct {
	Next *Intent
	From IntentStatus
}

// MatchChange 描述一次针对撮合记录的条件写入。
type MatchChange struct {
	Next *Match
	From MatchStatus
}

// EscrowChange 描述一次针对托管账户的条件写入。
type EscrowChange struct {
	Next *Escrow
	From EscrowStatus
}

// Changeset 是一组必须原子提交的跨实体状态变更。
//
// 存储按撮合、意图、智能体、托管、账本的顺序写入，任意一步失败都会整体回滚。
type Changeset struct {
	Matches []MatchChange
	Intents []IntentChange
	Agents  []AgentChange
	Escrows []EscrowChange
	Ledger  []LedgerEntry
}

// UpdateAgent 基于当前读取到的智能体登记一次变更。
func (c *Changeset) UpdateAgent(current *Agent, mutate func(*Agent)) *Agent {
	next := current.Clone()
	if mutate != nil {
		mutate(next)
	}
	c.Agents = append(c.Agents, AgentChange{Next: next, From: current.Status})
	return next
}

// UpdateIntent 基于当前读取到的意图登记一次变更。
func (c *Changeset) UpdateIntent(current *Intent, mutate func(*Intent)) *Intent {
	next := current.Clone()
	if mutate != nil {
		mutate(next)
	}
	c.Intents = append(c.Intents, IntentChange{Next: next, From: current.Status})
	return next
}

// UpdateMatch 基于当前读取到的撮合记录登记一次变更。
func (c *Changeset) UpdateMatch(current *Match, mutate func(*Match)) *Match {
	next := current.Clone()
	if mutate != nil {
		mutate(next)
	}
	c.Matches = append(c.Matches, MatchChange{Next: next, From: current.Status})
	return next
}

// UpdateEscrow 基于当前读取到的托管账户登记一次变更。
func (c *Changeset) UpdateEscrow(current *Escrow, mutate func(*Escrow)) *Escrow {
	next := current.Clone()
	if mutate != nil {
		mutate(next)
	}
	c.Escrows = append(c.Escrows, EscrowChange{Next: next, From: current.Status})
	return next
}

// Append 追加账本条目。
func (c *Changeset) Append(entries ...LedgerEntry) {
	c.Ledger = append(c.Ledger, entries...)
}

// Merge 将 other 的全部变更并入 c。
func (c *Changeset) Merge(other *Changeset) {
	if other == nil {
		return
	}
	c.Matches = append(c.Matches, other.Matches...)
	c.Intents = append(c.Intents, other.Intents...)
	c.Agents = append(c.Agents, other.Agents...)
	c.Escrows = append(c.Escrows, other.Escrows...)
	c.Ledger = append(c.Ledger, other.Ledger...)
}

// Empty 判断变更集是否为空。
func (c *Changeset) Empty() bool {
	return c == nil || (len(c.Matches) == 0 && len(c.Intents) == 0 && len(c.Agents) == 0 && len(c.Escrows) == 0 && len(c.Ledger) == 0)
}

// Events 生成变更集中所有发生状态变化的事件。
func (c *Changeset) Events(at time.Time) []StatusEvent {
	if c == nil {
		return nil
	}
	var events []StatusEvent
	for _, ch := range c.Matches {
		if ch.From != ch.Next.Status {
			events = append(events, StatusEvent{Entity: EntityMatch, ID: ch.Next.ID, IntentID: ch.Next.IntentID, From: string(ch.From), To: string(ch.Next.Status), At: at})
		}
	}
	for _, ch := range c.Intents {
		if ch.From != ch.Next.Status {
			events = append(events, StatusEvent{Entity: EntityIntent, ID: ch.Next.ID, IntentID: ch.Next.ID, From: string(ch.From), To: string(ch.Next.Status), At: at})
		}
	}
	for _, ch := range c.Agents {
		if ch.From != ch.Next.Status {
			events = append(events, StatusEvent{Entity: EntityAgent, ID: ch.Next.ID, From: string(ch.From), To: string(ch.Next.Status), At: at})
		}
	}
	for _, ch := range c.Escrows {
		if ch.From != ch.Next.Status {
			events = append(events, StatusEvent{Entity: EntityEscrow, ID: ch.Next.ID, IntentID: ch.Next.IntentID, From: string(ch.From), To: string(ch.Next.Status), At: at})
		}
	}
	return events
}
