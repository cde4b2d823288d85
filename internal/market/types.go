package market

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AgentStatus 表示智能体的可用状态。
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentMatched  AgentStatus = "matched"
	AgentBusy     AgentStatus = "busy"
	AgentDisabled AgentStatus = "disabled"
)

// IntentStatus 表示意图在生命周期中的状态。
type IntentStatus string

const (
	IntentOpen       IntentStatus = "open"
	IntentMatched    IntentStatus = "matched"
	IntentInProgress IntentStatus = "in_progress"
	IntentCompleted  IntentStatus = "completed"
	IntentCancelled  IntentStatus = "cancelled"
	IntentExpired    IntentStatus = "expired"
)

// Terminal 判断意图是否已经进入终态。
func (s IntentStatus) Terminal() bool {
	return s == IntentCompleted || s == IntentCancelled || s == IntentExpired
}

// MatchStatus 表示撮合记录的状态。
type MatchStatus string

const (
	MatchProposed   MatchStatus = "proposed"
	MatchAccepted   MatchStatus = "accepted"
	MatchRejected   MatchStatus = "rejected"
	MatchExpired    MatchStatus = "expired"
	MatchSuperseded MatchStatus = "superseded"
)

// Open 判断撮合记录是否仍处于非终态。
func (s MatchStatus) Open() bool {
	return s == MatchProposed || s == MatchAccepted
}

// EscrowStatus 表示托管账户的状态。
type EscrowStatus string

const (
	EscrowCreated  EscrowStatus = "created"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

// Resolved 判断托管资金是否已经结清。
func (s EscrowStatus) Resolved() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// LedgerKind 表示账本条目的资金动作类型。
type LedgerKind string

const (
	LedgerFund    LedgerKind = "fund"
	LedgerRelease LedgerKind = "release"
	LedgerRefund  LedgerKind = "refund"
	LedgerFee     LedgerKind = "fee"
)

// Money 是金额与资产标识的组合。
type Money struct {
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset"`
}

// NewMoney 以字符串金额构造 Money。
func NewMoney(amount, asset string) (Money, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: value, Asset: strings.ToUpper(strings.TrimSpace(asset))}, nil
}

// String 返回易读的金额表示。
func (m Money) String() string {
	return m.Amount.String() + " " + m.Asset
}

// Agent 描述一个可以承接意图的自治工作者。
type Agent struct {
	ID           string      `json:"id"`
	Owner        string      `json:"owner"`
	Name         string      `json:"name"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`
	Wallet       string      `json:"wallet"`
	Version      int64       `json:"version"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Clone 返回深拷贝，外部修改不会影响存储中的对象。
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Capabilities = slices.Clone(a.Capabilities)
	return &clone
}

// HasCapabilities 判断智能体是否具备全部所需能力标签。
func (a *Agent) HasCapabilities(required []string) bool {
	for _, tag := range required {
		if !slices.Contains(a.Capabilities, tag) {
			return false
		}
	}
	return true
}

// Intent 描述请求方发布的一项工作。
type Intent struct {
	ID                    string       `json:"id"`
	Owner                 string       `json:"owner"`
	Title                 string       `json:"title"`
	RequiredCapabilities  []string     `json:"required_capabilities"`
	PreferredCapabilities []string     `json:"preferred_capabilities,omitempty"`
	Budget                Money        `json:"budget"`
	Payer                 string       `json:"payer"`
	Status                IntentStatus `json:"status"`
	MatchID               string       `json:"match_id,omitempty"`
	CancelReason          string       `json:"cancel_reason,omitempty"`
	Deadline              *time.Time   `json:"deadline,omitempty"`
	Version               int64        `json:"version"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// Clone 返回深拷贝。
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	clone := *i
	clone.RequiredCapabilities = slices.Clone(i.RequiredCapabilities)
	clone.PreferredCapabilities = slices.Clone(i.PreferredCapabilities)
	if i.Deadline != nil {
		deadline := *i.Deadline
		clone.Deadline = &deadline
	}
	return &clone
}

// Overdue 判断意图在给定时间点是否已超过截止时间。
func (i *Intent) Overdue(now time.Time) bool {
	return i.Deadline != nil && now.After(*i.Deadline)
}

// Match 表示一个意图与一个智能体之间的撮合。
type Match struct {
	ID        string      `json:"id"`
	IntentID  string      `json:"intent_id"`
	AgentID   string      `json:"agent_id"`
	Score     int         `json:"score"`
	Status    MatchStatus `json:"status"`
	Version   int64       `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Clone 返回拷贝。
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}

// Escrow 是与已接受撮合一一对应的托管账户。
type Escrow struct {
	ID       string       `json:"id"`
	IntentID string       `json:"intent_id"`
	MatchID  string       `json:"match_id"`
	Status   EscrowStatus `json:"status"`
	Amount   Money        `json:"amount"`
	Payer    string       `json:"payer"`
	Payee    string       `json:"payee"`
	// PendingOp 记录已经发往结算网关但尚未落账的目标状态。
	PendingOp   EscrowStatus `json:"pending_op,omitempty"`
	LastFailure string       `json:"last_failure,omitempty"`
	Version     int64        `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
	FundedAt    *time.Time   `json:"funded_at,omitempty"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Clone 返回深拷贝。
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.FundedAt != nil {
		t := *e.FundedAt
		clone.FundedAt = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		clone.ResolvedAt = &t
	}
	return &clone
}

// LedgerEntry 是托管资金变动的不可变记录。
type LedgerEntry struct {
	ID             string          `json:"id"`
	EscrowID       string          `json:"escrow_id"`
	Kind           LedgerKind      `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	Asset          string          `json:"asset"`
	ExternalRef    string          `json:"external_ref"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NormalizeTags 去除空白、转为小写并去重排序。
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		out = append(out, tag)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
