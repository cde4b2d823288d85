// Package escrow 实现托管账户状态机。
//
// 状态: created → funded → {released | refunded}，funded → disputed → {released | refunded}，
// 以及未注资时的 created → refunded（作废，不产生账本条目）。
//
// 每次资金划转分两步完成：先以条件写入记录待完成的目标状态，再在存储事务之外调用结算网关；
// 网关确认成功后，在第二个事务中追加账本条目并推进状态。两步之间崩溃时，
// 以同一目标再次推进会按幂等键向网关查询后继续，关联实体的收尾由调用方的 Finalizer 提供。
package escrow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/ledger"
	"IntentMesh/internal/market"
	"IntentMesh/internal/observability/alerting"
	"IntentMesh/internal/settlement"
	"IntentMesh/pkg/logger"
)

// CodeNotFunded 表示托管账户尚未注资。
const CodeNotFunded xerrors.Code = "NOT_FUNDED"

// ErrNotFunded 用于 errors.Is 判断。
var ErrNotFunded = xerrors.New(CodeNotFunded, "escrow is not funded")

func init() {
	xerrors.Register(CodeNotFunded, xerrors.Attributes{
		Message:  "escrow is not funded",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassLocal,
	})
}

const (
	defaultMaxAttempts     uint          = 4
	defaultInitialInterval time.Duration = 200 * time.Millisecond
	defaultMaxInterval     time.Duration = 5 * time.Second
	feePrecision           int32         = 8
	maxFeeBasisPoints      int64         = 10000
)

// Config 控制托管状态机的资金流向与重试策略。
type Config struct {
	// HoldingAddress 是平台托管资金的结算地址。
	HoldingAddress string `json:"holding_address" yaml:"holding_address"`
	// FeeBasisPoints 是放款时平台保留的手续费（万分比）。
	FeeBasisPoints int64 `json:"fee_basis_points" yaml:"fee_basis_points"`
	// MaxAttempts 是网关不可用时的最大尝试次数。
	MaxAttempts     uint          `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaultMaxInterval
	}
}

// Validate 校验配置。
func (c Config) Validate() error {
	if c.HoldingAddress == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管地址不能为空")
	}
	if c.FeeBasisPoints < 0 || c.FeeBasisPoints >= maxFeeBasisPoints {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "手续费必须在 [0, %d) 之间", maxFeeBasisPoints)
	}
	return nil
}

// Finalizer 在托管状态推进的同一个变更集中追加关联实体的变更，
// 例如意图进入终态、智能体恢复空闲。重试时会被重新调用，必须基于最新读取构造变更。
type Finalizer func(ctx context.Context, cs *market.Changeset) error

// CallObserver 接收每次网关调用的结果，用于指标采集。
type CallObserver func(op market.EscrowStatus, err error, elapsed time.Duration)

// Service 是托管状态机。托管账户的状态只能经由它写入。
type Service struct {
	committer *market.Committer
	store     market.Store
	gateway   settlement.Gateway
	cfg       Config
	alerts    alerting.Dispatcher
	observe   CallObserver
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Service)

// WithAlerts 设置网关重试耗尽时的告警派发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Service) {
		s.alerts = d
	}
}

// WithCallObserver 注册网关调用观察者。
func WithCallObserver(fn CallObserver) Option {
	return func(s *Service) {
		s.observe = fn
	}
}

// NewService 构造托管状态机。
func NewService(committer *market.Committer, gateway settlement.Gateway, cfg Config, opts ...Option) (*Service, error) {
	if committer == nil || gateway == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "托管服务缺少存储或结算网关")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		committer: committer,
		store:     committer.Store(),
		gateway:   gateway,
		cfg:       cfg,
		log:       logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Get 返回托管账户。
func (s *Service) Get(ctx context.Context, id string) (*market.Escrow, error) {
	return s.store.GetEscrow(ctx, id)
}

// Open 为已接受的撮合创建托管账户，金额取自意图预算。
func (s *Service) Open(ctx context.Context, intent *market.Intent, match *market.Match, payee string) (*market.Escrow, error) {
	if intent == nil || match == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "意图与撮合不能为空")
	}
	if match.IntentID != intent.ID {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "撮合 %s 不属于意图 %s", match.ID, intent.ID)
	}
	if match.Status != market.MatchAccepted {
		return nil, market.Preconditionf("撮合 %s 状态为 %s，只能为已接受的撮合开立托管", match.ID, match.Status)
	}
	if !intent.Budget.Amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "托管金额必须为正数")
	}
	escrow := &market.Escrow{
		ID:       uuid.NewString(),
		IntentID: intent.ID,
		MatchID:  match.ID,
		Status:   market.EscrowCreated,
		Amount:   intent.Budget,
		Payer:    intent.Payer,
		Payee:    payee,
	}
	if err := s.store.CreateEscrow(ctx, escrow); err != nil {
		return nil, err
	}
	s.committer.Announce(ctx, market.StatusEvent{
		Entity:   market.EntityEscrow,
		ID:       escrow.ID,
		IntentID: escrow.IntentID,
		To:       string(market.EscrowCreated),
		At:       escrow.CreatedAt,
	})
	s.log.Info("托管账户已开立",
		slog.String("escrow_id", escrow.ID),
		slog.String("match_id", match.ID),
		slog.String("amount", escrow.Amount.String()),
	)
	return escrow, nil
}

// Fund 将请求方资金转入托管地址。已注资时直接返回当前状态，不会产生第二条 fund 记录。
func (s *Service) Fund(ctx context.Context, id string) (*market.Escrow, error) {
	return s.drive(ctx, id, market.EscrowFunded, nil)
}

// Release 向智能体放款（扣除手续费），finalize 可为空。
func (s *Service) Release(ctx context.Context, id string, finalize Finalizer) (*market.Escrow, error) {
	return s.drive(ctx, id, market.EscrowReleased, finalize)
}

// Refund 将托管资金退回请求方，finalize 可为空。
func (s *Service) Refund(ctx context.Context, id string, finalize Finalizer) (*market.Escrow, error) {
	return s.drive(ctx, id, market.EscrowRefunded, finalize)
}

// Dispute 冻结已注资的托管账户，直到外部裁决调用 Release 或 Refund。
func (s *Service) Dispute(ctx context.Context, id string, finalize Finalizer) (*market.Escrow, error) {
	var result *market.Escrow
	err := market.Retry(ctx, market.DefaultRetryAttempts, func(ctx context.Context) error {
		current, err := s.store.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case current.Status == market.EscrowDisputed:
			result = current
			return nil
		case current.Status == market.EscrowCreated:
			return notFunded(current)
		case current.Status != market.EscrowFunded:
			return market.Conflictf("托管 %s 状态为 %s，无法发起争议", current.ID, current.Status)
		case current.PendingOp != "":
			return market.Conflictf("托管 %s 存在未完成的 %s 操作", current.ID, current.PendingOp)
		}
		cs := &market.Changeset{}
		next := cs.UpdateEscrow(current, func(e *market.Escrow) {
			e.Status = market.EscrowDisputed
		})
		if finalize != nil {
			if err := finalize(ctx, cs); err != nil {
				return err
			}
		}
		if err := s.committer.Commit(ctx, cs); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

// Void 作废尚未注资的托管账户，不调用网关也不写账本。
func (s *Service) Void(ctx context.Context, id string, finalize Finalizer) (*market.Escrow, error) {
	var result *market.Escrow
	err := market.Retry(ctx, market.DefaultRetryAttempts, func(ctx context.Context) error {
		current, err := s.store.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		cs := &market.Changeset{}
		switch {
		case current.Status == market.EscrowRefunded && current.FundedAt == nil:
			result = current
		case current.Status != market.EscrowCreated:
			return market.Conflictf("托管 %s 状态为 %s，只能作废未注资的托管", current.ID, current.Status)
		case current.PendingOp != "":
			return market.Conflictf("托管 %s 存在未完成的 %s 操作", current.ID, current.PendingOp)
		default:
			now := s.committer.Now()
			result = cs.UpdateEscrow(current, func(e *market.Escrow) {
				e.Status = market.EscrowRefunded
				e.ResolvedAt = &now
			})
		}
		if finalize != nil {
			if err := finalize(ctx, cs); err != nil {
				return err
			}
		}
		return s.committer.Commit(ctx, cs)
	})
	if err == nil {
		logger.Audit().Info("托管账户已作废", slog.String("escrow_id", id))
	}
	return result, err
}

// Settle 只通过查询网关确认待完成操作的结果，不重新发起划转：
// 已确认则落账，未确认则清除待完成标记。用于撤销流程前的收尾。
func (s *Service) Settle(ctx context.Context, id string) (*market.Escrow, error) {
	current, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.PendingOp == "" {
		return current, nil
	}
	target := current.PendingOp
	receipt, found, err := s.gateway.Lookup(ctx, ledger.IdempotencyKey(id, target))
	if err != nil {
		return nil, settlement.Unavailable(err, "查询网关转账状态失败")
	}
	if found {
		return s.record(ctx, id, target, receipt, nil)
	}
	var result *market.Escrow
	err = market.Retry(ctx, market.DefaultRetryAttempts, func(ctx context.Context) error {
		latest, err := s.store.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		if latest.PendingOp != target {
			result = latest
			return nil
		}
		cs := &market.Changeset{}
		result = cs.UpdateEscrow(latest, func(e *market.Escrow) {
			e.PendingOp = ""
		})
		return s.committer.Commit(ctx, cs)
	})
	return result, err
}

// checkTransition 判断 current 是否可以推进到 target。done 为 true 表示已经处于目标状态。
func checkTransition(current *market.Escrow, target market.EscrowStatus) (done bool, err error) {
	if current.Status == target {
		if target == market.EscrowRefunded && current.FundedAt == nil {
			return false, market.Conflictf("托管 %s 已作废", current.ID)
		}
		return true, nil
	}
	if current.PendingOp != "" && current.PendingOp != target {
		return false, market.Conflictf("托管 %s 存在未完成的 %s 操作", current.ID, current.PendingOp)
	}
	switch target {
	case market.EscrowFunded:
		if current.Status == market.EscrowDisputed || current.Status == market.EscrowReleased {
			return true, nil
		}
		if current.Status != market.EscrowCreated {
			return false, market.Conflictf("托管 %s 状态为 %s，无法注资", current.ID, current.Status)
		}
	case market.EscrowReleased, market.EscrowRefunded:
		if current.Status == market.EscrowCreated {
			return false, notFunded(current)
		}
		if current.Status != market.EscrowFunded && current.Status != market.EscrowDisputed {
			return false, market.Conflictf("托管 %s 状态为 %s，无法推进到 %s", current.ID, current.Status, target)
		}
	default:
		return false, market.Conflictf("托管 %s 不支持推进到 %s", current.ID, target)
	}
	return false, nil
}

func notFunded(e *market.Escrow) error {
	return xerrors.New(CodeNotFunded, "托管 "+e.ID+" 尚未注资", xerrors.WithMetadata("escrow_id", e.ID))
}

// drive 执行一次完整的资金推进：标记待完成、调用网关、落账。
func (s *Service) drive(ctx context.Context, id string, target market.EscrowStatus, finalize Finalizer) (*market.Escrow, error) {
	current, state, err := s.markPending(ctx, id, target)
	if err != nil {
		return nil, err
	}
	if state == pendingDone {
		if finalize == nil {
			return current, nil
		}
		// 已经处于目标状态：只补齐关联实体的变更。
		return current, s.finalizeOnly(ctx, finalize)
	}

	key := ledger.IdempotencyKey(id, target)
	if state == pendingResumed {
		receipt, found, err := s.gateway.Lookup(ctx, key)
		if err != nil {
			s.log.Warn("查询网关转账状态失败，将重新发起划转", slog.String("escrow_id", id), slog.Any("error", err))
		} else if found {
			s.log.Info("网关已确认此前的划转，直接落账", slog.String("escrow_id", id), slog.String("target", string(target)))
			return s.record(ctx, id, target, receipt, finalize)
		}
	}

	req, err := s.transferRequest(current, target, key)
	if err != nil {
		return nil, err
	}
	receipt, attempts, err := s.transfer(ctx, req, target)
	if err != nil {
		return nil, s.fail(ctx, current, target, attempts, err)
	}
	return s.record(ctx, id, target, receipt, finalize)
}

func (s *Service) finalizeOnly(ctx context.Context, finalize Finalizer) error {
	return market.Retry(ctx, market.DefaultRetryAttempts, func(ctx context.Context) error {
		cs := &market.Changeset{}
		if err := finalize(ctx, cs); err != nil {
			return err
		}
		return s.committer.Commit(ctx, cs)
	})
}

type pendingState int

const (
	pendingFresh pendingState = iota
	pendingResumed
	pendingDone
)

// markPending 以条件写入记录目标操作。pendingResumed 表示此前已经记录过同一目标，
// pendingDone 表示无需再调用网关。
func (s *Service) markPending(ctx context.Context, id string, target market.EscrowStatus) (*market.Escrow, pendingState, error) {
	var (
		result *market.Escrow
		state  pendingState
	)
	err := market.Retry(ctx, market.DefaultRetryAttempts, func(ctx context.Context) error {
		current, err := s.store.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		done, err := checkTransition(current, target)
		if err != nil {
			return err
		}
		if done {
			result, state = current, pendingDone
			return nil
		}
		if current.PendingOp == target {
			result, state = current, pendingResumed
			return nil
		}
		cs := &market.Changeset{}
		next := cs.UpdateEscrow(current, func(e *market.Escrow) {
			e.PendingOp = target
			e.LastFailure = ""
		})
		if err := s.committer.Commit(ctx, cs); err != nil {
			return err
		}
		result, state = next, pendingFresh
		return nil
	})
	return result, state, err
}

func (s *Service) transferRequest(e *market.Escrow, target market.EscrowStatus, key string) (settlement.TransferRequest, error) {
	req := settlement.TransferRequest{IdempotencyKey: key, Amount: e.Amount}
	switch target {
	case market.EscrowFunded:
		req.From, req.To = e.Payer, s.cfg.HoldingAddress
	case market.EscrowReleased:
		req.From, req.To = s.cfg.HoldingAddress, e.Payee
		req.Amount.Amount = e.Amount.Amount.Sub(s.Fee(e.Amount.Amount))
	case market.EscrowRefunded:
		req.From, req.To = s.cfg.HoldingAddress, e.Payer
	default:
		return req, market.Conflictf("托管 %s 不支持推进到 %s", e.ID, target)
	}
	return req, nil
}

// Fee 计算放款时保留的手续费。
func (s *Service) Fee(amount decimal.Decimal) decimal.Decimal {
	if s.cfg.FeeBasisPoints <= 0 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(s.cfg.FeeBasisPoints)).
		Div(decimal.NewFromInt(maxFeeBasisPoints)).
		Truncate(feePrecision)
}

// transfer 调用网关，Unavailable 时指数退避重试，Declined 立即返回。
func (s *Service) transfer(ctx context.Context, req settlement.TransferRequest, target market.EscrowStatus) (settlement.Receipt, int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialInterval
	policy.MaxInterval = s.cfg.MaxInterval

	attempts := 0
	receipt, err := backoff.Retry(ctx, func() (settlement.Receipt, error) {
		attempts++
		started := time.Now()
		receipt, err := s.gateway.Transfer(ctx, req)
		if s.observe != nil {
			s.observe(target, err, time.Since(started))
		}
		if err != nil && !settlement.IsUnavailable(err) {
			return settlement.Receipt{}, backoff.Permanent(err)
		}
		return receipt, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.log.Warn("结算网关不可用，准备重试",
				slog.String("key", req.IdempotencyKey),
				slog.Duration("wait", wait),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil && ctx.Err() != nil && !settlement.IsUnavailable(err) && !settlement.IsDeclined(err) {
		err = settlement.Unavailable(err, "等待结算网关时调用已取消")
	}
	return receipt, attempts, err
}

// fail 记录网关失败。Declined 清除待完成标记；Unavailable 保留标记留待恢复并告警。
func (s *Service) fail(ctx context.Context, e *market.Escrow, target market.EscrowStatus, attempts int, cause error) error {
	declined := settlement.IsDeclined(cause)
	err := market.Retry(ctx, market.DefaultRetryAttempts, func(ctx context.Context) error {
		current, err := s.store.GetEscrow(ctx, e.ID)
		if err != nil {
			return err
		}
		if current.PendingOp != target {
			return nil
		}
		cs := &market.Changeset{}
		cs.UpdateEscrow(current, func(next *market.Escrow) {
			next.LastFailure = cause.Error()
			if declined {
				next.PendingOp = ""
			}
		})
		return s.committer.Commit(ctx, cs)
	})
	if err != nil {
		s.log.Error("记录网关失败时写入存储失败", slog.String("escrow_id", e.ID), slog.Any("error", err))
	}

	if declined {
		s.log.Warn("结算网关拒绝转账",
			slog.String("escrow_id", e.ID),
			slog.String("target", string(target)),
			slog.Any("error", cause),
		)
		return cause
	}
	s.log.Error("结算网关重试耗尽，托管等待人工处理",
		slog.String("escrow_id", e.ID),
		slog.String("target", string(target)),
		slog.Int("attempts", attempts),
		slog.Any("error", cause),
	)
	if xerrors.ShouldAlert(cause) {
		event := alerting.EventFromError(cause, e.ID, e.IntentID)
		event.Attempts, event.MaxAttempts = attempts, int(s.cfg.MaxAttempts)
		if event.Metadata == nil {
			event.Metadata = map[string]string{}
		}
		event.Metadata["pending_op"] = string(target)
		alerting.Raise(ctx, s.alerts, event)
	}
	return cause
}

// record 在一个事务中追加账本条目并推进托管状态。
func (s *Service) record(ctx context.Context, id string, target market.EscrowStatus, receipt settlement.Receipt, finalize Finalizer) (*market.Escrow, error) {
	var (
		result      *market.Escrow
		finalizeErr error
	)
	err := market.Retry(ctx, market.DefaultRetryAttempts, func(ctx context.Context) error {
		current, err := s.store.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		cs := &market.Changeset{}
		if current.Status == target {
			result = current
		} else {
			now := s.committer.Now()
			result = cs.UpdateEscrow(current, func(e *market.Escrow) {
				e.Status = target
				e.PendingOp = ""
				e.LastFailure = ""
				if target == market.EscrowFunded {
					e.FundedAt = &now
				} else {
					e.ResolvedAt = &now
				}
			})
			cs.Append(s.entries(current, target, receipt, now)...)
		}
		finalizeErr = nil
		if finalize != nil {
			extra := &market.Changeset{}
			if err := finalize(ctx, extra); err != nil {
				if stdErrors.Is(err, market.ErrVersionConflict) {
					return err
				}
				// 资金已经划转，关联实体的变更失败也必须先落账。
				finalizeErr = err
			} else {
				cs.Merge(extra)
			}
		}
		if err := s.committer.Commit(ctx, cs); err != nil {
			if stdErrors.Is(err, market.ErrDuplicateEntry) {
				return market.ErrVersionConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("托管资金已落账",
		slog.String("escrow_id", id),
		slog.String("status", string(target)),
		slog.String("external_ref", receipt.ExternalRef),
		slog.String("amount", receipt.Amount.String()),
	)
	if finalizeErr != nil {
		s.log.Error("托管已落账，但关联实体更新失败",
			slog.String("escrow_id", id),
			slog.String("status", string(target)),
			slog.Any("error", finalizeErr),
		)
		return result, finalizeErr
	}
	return result, nil
}

func (s *Service) entries(e *market.Escrow, target market.EscrowStatus, receipt settlement.Receipt, now time.Time) []market.LedgerEntry {
	key := ledger.IdempotencyKey(e.ID, target)
	switch target {
	case market.EscrowFunded:
		return []market.LedgerEntry{ledger.NewEntry(e, market.LedgerFund, e.Amount.Amount, receipt.ExternalRef, key, now)}
	case market.EscrowRefunded:
		return []market.LedgerEntry{ledger.NewEntry(e, market.LedgerRefund, e.Amount.Amount, receipt.ExternalRef, key, now)}
	}
	fee := s.Fee(e.Amount.Amount)
	out := []market.LedgerEntry{ledger.NewEntry(e, market.LedgerRelease, e.Amount.Amount.Sub(fee), receipt.ExternalRef, key, now)}
	if fee.IsPositive() {
		out = append(out, ledger.NewEntry(e, market.LedgerFee, fee, receipt.ExternalRef, key+":fee", now))
	}
	return out
}
