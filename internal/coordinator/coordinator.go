// Package coordinator 拥有意图的生命周期，按顺序驱动撮合、托管注资、开工、完工放款，
// 以及取消与过期时的退款。
//
// 意图状态只在这里（以及它调用的撮合接受流程）写入。每个操作在崩溃后都可以重新调用：
// 托管操作本身幂等，已经生效的意图迁移会被跳过。
package coordinator

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/escrow"
	"IntentMesh/internal/ledger"
	"IntentMesh/internal/market"
	"IntentMesh/internal/matching"
	"IntentMesh/internal/settlement"
	"IntentMesh/pkg/logger"
)

const (
	// ReasonSettlementDeclined 是结算网关拒绝放款或注资时写入的取消原因。
	ReasonSettlementDeclined = "settlement_declined"
	// ReasonDeadlineExceeded 是过期意图的原因。
	ReasonDeadlineExceeded = "deadline_exceeded"
	// ReasonDisputeRefunded 是争议裁决退款时的取消原因。
	ReasonDisputeRefunded = "dispute_refunded"
	// ReasonCancelledByRequester 是请求方取消且未给出原因时的默认值。
	ReasonCancelledByRequester = "cancelled_by_requester"

	tracerName = "IntentMesh/internal/coordinator"
)

// Outcome 是争议裁决结果。
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// Coordinator 是意图生命周期协调器。
type Coordinator struct {
	committer *market.Committer
	store     market.Store
	engine    *matching.Engine
	escrows   *escrow.Service
	book      *ledger.Book
	tracer    trace.Tracer
	attempts  int
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Coordinator)

// WithTracer 替换链路追踪器。
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithRetryAttempts 设置版本冲突时的最大重试次数。
func WithRetryAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// New 构造协调器。
func New(committer *market.Committer, engine *matching.Engine, escrows *escrow.Service, opts ...Option) *Coordinator {
	c := &Coordinator{
		committer: committer,
		store:     committer.Store(),
		engine:    engine,
		escrows:   escrows,
		book:      ledger.NewBook(committer.Store()),
		tracer:    otel.Tracer(tracerName),
		attempts:  market.DefaultRetryAttempts,
		log:       logger.Named("coordinator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Coordinator) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "coordinator."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(xerrors.CodeOf(err)))
	}
	span.End()
}

// CreateIntentInput 是创建意图的参数。
type CreateIntentInput struct {
	Owner                 string       `json:"-"`
	Title                 string       `json:"title"`
	RequiredCapabilities  []string     `json:"required_capabilities"`
	PreferredCapabilities []string     `json:"preferred_capabilities"`
	Budget                market.Money `json:"budget"`
	Payer                 string       `json:"payer"`
	Deadline              *time.Time   `json:"deadline"`
}

// CreateIntent 发布一个 open 状态的意图。
func (c *Coordinator) CreateIntent(ctx context.Context, in CreateIntentInput) (_ *market.Intent, err error) {
	ctx, span := c.start(ctx, "CreateIntent", attribute.String("owner", in.Owner))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(in.Owner) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "意图所有者不能为空")
	}
	required := market.NormalizeTags(in.RequiredCapabilities)
	if len(required) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个必需能力标签")
	}
	if !in.Budget.Amount.IsPositive() || strings.TrimSpace(in.Budget.Asset) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预算必须为正数且指定资产")
	}
	if strings.TrimSpace(in.Payer) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "付款地址不能为空")
	}
	now := c.committer.Now()
	if in.Deadline != nil && !in.Deadline.After(now) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "截止时间必须晚于当前时间")
	}
	intent := &market.Intent{
		ID:                    uuid.NewString(),
		Owner:                 in.Owner,
		Title:                 strings.TrimSpace(in.Title),
		RequiredCapabilities:  required,
		PreferredCapabilities: market.NormalizeTags(in.PreferredCapabilities),
		Budget:                market.Money{Amount: in.Budget.Amount, Asset: strings.ToUpper(strings.TrimSpace(in.Budget.Asset))},
		Payer:                 strings.TrimSpace(in.Payer),
		Status:                market.IntentOpen,
	}
	if in.Deadline != nil {
		deadline := in.Deadline.UTC()
		intent.Deadline = &deadline
	}
	if err := c.store.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}
	c.committer.Announce(ctx, market.StatusEvent{
		Entity:   market.EntityIntent,
		ID:       intent.ID,
		IntentID: intent.ID,
		To:       string(market.IntentOpen),
		At:       intent.CreatedAt,
	})
	c.log.Info("意图已创建", slog.String("intent_id", intent.ID), slog.String("budget", intent.Budget.String()))
	return intent, nil
}

// GetIntent 返回意图。
func (c *Coordinator) GetIntent(ctx context.Context, id string) (*market.Intent, error) {
	return c.store.GetIntent(ctx, id)
}

// ListIntents 按过滤条件列出意图。
func (c *Coordinator) ListIntents(ctx context.Context, filter market.IntentFilter) ([]*market.Intent, error) {
	return c.store.ListIntents(ctx, filter)
}

// FindCandidates 返回意图的候选智能体。
func (c *Coordinator) FindCandidates(ctx context.Context, intentID string) (_ []matching.Candidate, err error) {
	ctx, span := c.start(ctx, "FindCandidates", attribute.String("intent_id", intentID))
	defer func() { endSpan(span, err) }()

	intent, err := c.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return c.engine.FindCandidates(ctx, intent)
}

// ProposeMatch 为意图提出一个撮合。
func (c *Coordinator) ProposeMatch(ctx context.Context, intentID, agentID string) (_ *market.Match, err error) {
	ctx, span := c.start(ctx, "ProposeMatch", attribute.String("intent_id", intentID), attribute.String("agent_id", agentID))
	defer func() { endSpan(span, err) }()
	return c.engine.ProposeMatch(ctx, intentID, agentID)
}

// RejectMatch 拒绝一个 proposed 撮合。
func (c *Coordinator) RejectMatch(ctx context.Context, matchID string) (_ *market.Match, err error) {
	ctx, span := c.start(ctx, "RejectMatch", attribute.String("match_id", matchID))
	defer func() { endSpan(span, err) }()
	return c.engine.RejectMatch(ctx, matchID)
}

// Acceptance 是接受撮合后的结果。
type Acceptance struct {
	Match  *market.Match  `json:"match"`
	Intent *market.Intent `json:"intent"`
	Escrow *market.Escrow `json:"escrow"`
}

// AcceptMatch 接受撮合，开立托管并注资。
//
// 注资被拒绝时托管作废、意图取消；网关不可用时意图保持 matched，
// 托管保留待完成的注资操作，可通过 FundEscrow 或后台恢复继续。
func (c *Coordinator) AcceptMatch(ctx context.Context, matchID string) (_ *Acceptance, err error) {
	ctx, span := c.start(ctx, "AcceptMatch", attribute.String("match_id", matchID))
	defer func() { endSpan(span, err) }()

	match, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	intent, err := c.store.GetIntent(ctx, match.IntentID)
	if err != nil {
		return nil, err
	}
	if !acceptedFor(match, intent) {
		if match, err = c.engine.AcceptMatch(ctx, matchID); err != nil {
			return nil, err
		}
	}

	e, err := c.openEscrow(ctx, match)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("escrow_id", e.ID))
	funded, err := c.fund(ctx, match, e)
	if err != nil {
		return nil, err
	}
	intent, err = c.store.GetIntent(ctx, match.IntentID)
	if err != nil {
		return nil, err
	}
	match, err = c.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return &Acceptance{Match: match, Intent: intent, Escrow: funded}, nil
}

// FundEscrow 重试已接受撮合的托管注资。
func (c *Coordinator) FundEscrow(ctx context.Context, matchID string) (_ *market.Escrow, err error) {
	ctx, span := c.start(ctx, "FundEscrow", attribute.String("match_id", matchID))
	defer func() { endSpan(span, err) }()

	match, intent, err := c.loadAccepted(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if intent.Status != market.IntentMatched {
		return nil, market.Preconditionf("意图 %s 状态为 %s，无法注资", intent.ID, intent.Status)
	}
	e, err := c.openEscrow(ctx, match)
	if err != nil {
		return nil, err
	}
	return c.fund(ctx, match, e)
}

func acceptedFor(match *market.Match, intent *market.Intent) bool {
	return match.Status == market.MatchAccepted && intent.MatchID == match.ID
}

// loadAccepted 读取已接受的撮合及其意图。
func (c *Coordinator) loadAccepted(ctx context.Context, matchID string) (*market.Match, *market.Intent, error) {
	match, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, nil, err
	}
	intent, err := c.store.GetIntent(ctx, match.IntentID)
	if err != nil {
		return nil, nil, err
	}
	if !acceptedFor(match, intent) {
		return nil, nil, market.Preconditionf("撮合 %s 不是意图 %s 已接受的撮合", match.ID, intent.ID)
	}
	return match, intent, nil
}

// openEscrow 返回撮合的托管账户，不存在时开立。
func (c *Coordinator) openEscrow(ctx context.Context, match *market.Match) (*market.Escrow, error) {
	existing, err := c.store.GetEscrowByMatch(ctx, match.ID)
	if err == nil {
		return existing, nil
	}
	if !stdErrors.Is(err, market.ErrEscrowNotFound) {
		return nil, err
	}
	intent, err := c.store.GetIntent(ctx, match.IntentID)
	if err != nil {
		return nil, err
	}
	agent, err := c.store.GetAgent(ctx, match.AgentID)
	if err != nil {
		return nil, err
	}
	opened, err := c.escrows.Open(ctx, intent, match, agent.Wallet)
	if stdErrors.Is(err, market.ErrDuplicateEscrow) {
		return c.store.GetEscrowByMatch(ctx, match.ID)
	}
	return opened, err
}

// fund 注资；被拒绝时作废托管并取消意图。
func (c *Coordinator) fund(ctx context.Context, match *market.Match, e *market.Escrow) (*market.Escrow, error) {
	funded, err := c.escrows.Fund(ctx, e.ID)
	if err == nil {
		return funded, nil
	}
	if !settlement.IsDeclined(err) {
		return nil, err
	}
	c.log.Warn("注资被拒绝，取消意图", slog.String("intent_id", match.IntentID), slog.String("escrow_id", e.ID))
	if _, verr := c.escrows.Void(ctx, e.ID, c.closeOut(match.IntentID, market.IntentCancelled, ReasonSettlementDeclined, market.MatchRejected)); verr != nil {
		return nil, stdErrors.Join(err, verr)
	}
	return nil, err
}

// StartWork 在意图已撮合、撮合已接受且托管已注资时开工。
func (c *Coordinator) StartWork(ctx context.Context, matchID string) (_ *market.Intent, err error) {
	ctx, span := c.start(ctx, "StartWork", attribute.String("match_id", matchID))
	defer func() { endSpan(span, err) }()

	var started *market.Intent
	err = market.Retry(ctx, c.attempts, func(ctx context.Context) error {
		match, intent, err := c.loadAccepted(ctx, matchID)
		if err != nil {
			return err
		}
		if intent.Status == market.IntentInProgress {
			started = intent
			return nil
		}
		if intent.Status != market.IntentMatched {
			return market.Preconditionf("意图 %s 状态为 %s，无法开工", intent.ID, intent.Status)
		}
		e, err := c.store.GetEscrowByMatch(ctx, match.ID)
		if err != nil {
			if stdErrors.Is(err, market.ErrEscrowNotFound) {
				return market.Preconditionf("撮合 %s 尚未开立托管", match.ID)
			}
			return err
		}
		if e.Status != market.EscrowFunded {
			return market.Preconditionf("托管 %s 状态为 %s，无法开工", e.ID, e.Status)
		}
		agent, err := c.store.GetAgent(ctx, match.AgentID)
		if err != nil {
			return err
		}
		cs := &market.Changeset{}
		started = cs.UpdateIntent(intent, func(i *market.Intent) { i.Status = market.IntentInProgress })
		if agent.Status == market.AgentMatched {
			cs.UpdateAgent(agent, func(a *market.Agent) { a.Status = market.AgentBusy })
		}
		return c.committer.Commit(ctx, cs)
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// CompleteWork 放款并将意图标记为 completed。放款被拒绝时改为退款并取消意图。
func (c *Coordinator) CompleteWork(ctx context.Context, matchID string) (_ *market.Intent, err error) {
	ctx, span := c.start(ctx, "CompleteWork", attribute.String("match_id", matchID))
	defer func() { endSpan(span, err) }()

	match, intent, err := c.loadAccepted(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if intent.Status == market.IntentCompleted {
		return intent, nil
	}
	if intent.Status != market.IntentInProgress {
		return nil, market.Preconditionf("意图 %s 状态为 %s，无法完工", intent.ID, intent.Status)
	}
	e, err := c.store.GetEscrowByMatch(ctx, match.ID)
	if err != nil {
		return nil, err
	}
	if e.Status == market.EscrowDisputed {
		return nil, market.Preconditionf("托管 %s 处于争议中，等待裁决", e.ID)
	}
	if err := c.release(ctx, match, e); err != nil {
		return nil, err
	}
	return c.store.GetIntent(ctx, intent.ID)
}

// release 放款并完成意图；网关拒绝时退款并以 settlement_declined 取消意图。
func (c *Coordinator) release(ctx context.Context, match *market.Match, e *market.Escrow) error {
	_, err := c.escrows.Release(ctx, e.ID, c.complete(match))
	if err == nil || !settlement.IsDeclined(err) {
		return err
	}
	c.log.Warn("放款被拒绝，改为退款", slog.String("intent_id", match.IntentID), slog.String("escrow_id", e.ID))
	if nerr := c.noteReason(ctx, match.IntentID, ReasonSettlementDeclined); nerr != nil {
		return stdErrors.Join(err, nerr)
	}
	if _, rerr := c.escrows.Refund(ctx, e.ID, c.closeOut(match.IntentID, market.IntentCancelled, ReasonSettlementDeclined, market.MatchRejected)); rerr != nil {
		return stdErrors.Join(err, rerr)
	}
	return err
}

// Cancel 取消意图。存在托管时退款（已注资）或作废（未注资）。
func (c *Coordinator) Cancel(ctx context.Context, intentID, reason string) (_ *market.Intent, err error) {
	ctx, span := c.start(ctx, "Cancel", attribute.String("intent_id", intentID))
	defer func() { endSpan(span, err) }()

	intent, err := c.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	switch intent.Status {
	case market.IntentCancelled:
		return intent, nil
	case market.IntentOpen, market.IntentMatched, market.IntentInProgress:
	default:
		return nil, market.Conflictf("意图 %s 状态为 %s，无法取消", intent.ID, intent.Status)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonCancelledByRequester
	}
	if err := c.terminate(ctx, intent, market.IntentCancelled, reason, market.MatchRejected); err != nil {
		return nil, err
	}
	return c.store.GetIntent(ctx, intentID)
}

// Expire 使超过截止时间的 open 或 matched 意图过期，托管按取消处理。
func (c *Coordinator) Expire(ctx context.Context, intentID string) (_ *market.Intent, err error) {
	ctx, span := c.start(ctx, "Expire", attribute.String("intent_id", intentID))
	defer func() { endSpan(span, err) }()

	intent, err := c.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	switch intent.Status {
	case market.IntentExpired:
		return intent, nil
	case market.IntentOpen, market.IntentMatched:
	default:
		return nil, market.Conflictf("意图 %s 状态为 %s，无法过期", intent.ID, intent.Status)
	}
	if !intent.Overdue(c.committer.Now()) {
		return nil, market.Preconditionf("意图 %s 尚未超过截止时间", intent.ID)
	}
	if err := c.terminate(ctx, intent, market.IntentExpired, ReasonDeadlineExceeded, market.MatchExpired); err != nil {
		return nil, err
	}
	c.log.Info("意图已过期", slog.String("intent_id", intentID))
	return c.store.GetIntent(ctx, intentID)
}

// ExpireOverdue 处理所有已超过截止时间的 open 与 matched 意图，返回成功过期的数量。
// 处于争议中的托管会被跳过。
func (c *Coordinator) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := c.store.ListIntents(ctx, market.IntentFilter{
		Statuses:       []market.IntentStatus{market.IntentOpen, market.IntentMatched},
		DeadlineBefore: c.committer.Now(),
		Limit:          limit,
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	var errs []error
	for _, intent := range overdue {
		if _, err := c.Expire(ctx, intent.ID); err != nil {
			if xerrors.HasCode(err, xerrors.CodePreconditionFailed) {
				c.log.Info("跳过无法过期的意图", slog.String("intent_id", intent.ID), slog.Any("error", err))
				continue
			}
			errs = append(errs, err)
			continue
		}
		expired++
	}
	return expired, stdErrors.Join(errs...)
}

// terminate 将意图推进到取消或过期，必要时先退款或作废托管。
func (c *Coordinator) terminate(ctx context.Context, intent *market.Intent, to market.IntentStatus, reason string, matchTo market.MatchStatus) error {
	finalize := c.closeOut(intent.ID, to, reason, matchTo)
	if intent.MatchID == "" {
		return c.commitFinalizer(ctx, finalize)
	}
	e, err := c.store.GetEscrowByMatch(ctx, intent.MatchID)
	if stdErrors.Is(err, market.ErrEscrowNotFound) {
		return c.commitFinalizer(ctx, finalize)
	}
	if err != nil {
		return err
	}
	if e.Status == market.EscrowDisputed {
		return market.Preconditionf("托管 %s 处于争议中，等待裁决", e.ID)
	}
	if e.PendingOp != "" {
		if e, err = c.escrows.Settle(ctx, e.ID); err != nil {
			return err
		}
	}
	switch {
	case e.Status == market.EscrowCreated, e.Status == market.EscrowRefunded && e.FundedAt == nil:
		_, err = c.escrows.Void(ctx, e.ID, finalize)
	case e.Status == market.EscrowFunded, e.Status == market.EscrowRefunded:
		if err = c.noteReason(ctx, intent.ID, reason); err != nil {
			return err
		}
		_, err = c.escrows.Refund(ctx, e.ID, finalize)
	case e.Status == market.EscrowDisputed:
		err = market.Preconditionf("托管 %s 处于争议中，等待裁决", e.ID)
	default:
		err = market.Conflictf("托管 %s 已放款，无法撤销", e.ID)
	}
	return err
}

func (c *Coordinator) commitFinalizer(ctx context.Context, finalize escrow.Finalizer) error {
	return market.Retry(ctx, c.attempts, func(ctx context.Context) error {
		cs := &market.Changeset{}
		if err := finalize(ctx, cs); err != nil {
			return err
		}
		return c.committer.Commit(ctx, cs)
	})
}

// Dispute 冻结工作中意图的托管，等待外部裁决。
func (c *Coordinator) Dispute(ctx context.Context, matchID string) (_ *market.Escrow, err error) {
	ctx, span := c.start(ctx, "Dispute", attribute.String("match_id", matchID))
	defer func() { endSpan(span, err) }()

	match, intent, err := c.loadAccepted(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if intent.Status != market.IntentInProgress {
		return nil, market.Preconditionf("意图 %s 状态为 %s，只能对工作中的意图发起争议", intent.ID, intent.Status)
	}
	e, err := c.store.GetEscrowByMatch(ctx, match.ID)
	if err != nil {
		return nil, err
	}
	return c.escrows.Dispute(ctx, e.ID, nil)
}

// ResolveDispute 执行外部裁决：release 完成意图，refund 取消意图。
func (c *Coordinator) ResolveDispute(ctx context.Context, matchID string, outcome Outcome) (_ *market.Intent, err error) {
	ctx, span := c.start(ctx, "ResolveDispute", attribute.String("match_id", matchID), attribute.String("outcome", string(outcome)))
	defer func() { endSpan(span, err) }()

	match, intent, err := c.loadAccepted(ctx, matchID)
	if err != nil {
		return nil, err
	}
	e, err := c.store.GetEscrowByMatch(ctx, match.ID)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case OutcomeRelease:
		if e.Status != market.EscrowDisputed && !(e.Status == market.EscrowReleased && intent.Status == market.IntentCompleted) {
			return nil, market.Preconditionf("托管 %s 状态为 %s，不在争议中", e.ID, e.Status)
		}
		err = c.release(ctx, match, e)
	case OutcomeRefund:
		if e.Status != market.EscrowDisputed && !(e.Status == market.EscrowRefunded && intent.Status == market.IntentCancelled) {
			return nil, market.Preconditionf("托管 %s 状态为 %s，不在争议中", e.ID, e.Status)
		}
		if err = c.noteReason(ctx, intent.ID, ReasonDisputeRefunded); err != nil {
			return nil, err
		}
		_, err = c.escrows.Refund(ctx, e.ID, c.closeOut(intent.ID, market.IntentCancelled, ReasonDisputeRefunded, market.MatchRejected))
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的裁决结果 %q", outcome)
	}
	if err != nil {
		return nil, err
	}
	return c.store.GetIntent(ctx, intent.ID)
}

// GetMatch 返回撮合记录。
func (c *Coordinator) GetMatch(ctx context.Context, id string) (*market.Match, error) {
	return c.store.GetMatch(ctx, id)
}

// ListMatches 返回意图的全部撮合记录。
func (c *Coordinator) ListMatches(ctx context.Context, intentID string) ([]*market.Match, error) {
	if _, err := c.store.GetIntent(ctx, intentID); err != nil {
		return nil, err
	}
	return c.store.ListMatches(ctx, market.MatchFilter{IntentID: intentID})
}

// EscrowForMatch 返回撮合的托管账户。
func (c *Coordinator) EscrowForMatch(ctx context.Context, matchID string) (*market.Escrow, error) {
	return c.store.GetEscrowByMatch(ctx, matchID)
}

// Ledger 返回托管账户的账本条目。
func (c *Coordinator) Ledger(ctx context.Context, escrowID string) ([]market.LedgerEntry, error) {
	return c.book.Entries(ctx, escrowID)
}

// Reconcile 对托管账户执行对账。
func (c *Coordinator) Reconcile(ctx context.Context, escrowID string) (ledger.Report, error) {
	return c.book.Reconcile(ctx, escrowID)
}
