// Package ledger 负责托管资金账本条目的构造与对账。
//
// 账本条目只会随托管状态推进在同一个变更集中追加，从不更新或删除；
// Reconcile 根据条目重新推导托管账户应处的状态，不一致时报告给运维人员而不自动修正。
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
	"IntentMesh/pkg/logger"
)

// CodeInconsistent 表示账本与托管状态不一致。
const CodeInconsistent xerrors.Code = "LEDGER_INCONSISTENT"

// ErrInconsistent 用于 errors.Is 判断。
var ErrInconsistent = xerrors.New(CodeInconsistent, "ledger does not reconcile with escrow status")

func init() {
	xerrors.Register(CodeInconsistent, xerrors.Attributes{
		Message:  "ledger does not reconcile with escrow status",
		Severity: xerrors.SeverityCritical,
		Class:    xerrors.ClassOperator,
		Alert:    true,
	})
}

// IdempotencyKey 返回托管账户推进到目标状态时使用的幂等键。
func IdempotencyKey(escrowID string, target market.EscrowStatus) string {
	return escrowID + ":" + string(target)
}

// NewEntry 构造一条账本条目，ID 使用按时间排序的 ULID。
func NewEntry(escrow *market.Escrow, kind market.LedgerKind, amount decimal.Decimal, externalRef, key string, at time.Time) market.LedgerEntry {
	return market.LedgerEntry{
		ID:             ulid.Make().String(),
		EscrowID:       escrow.ID,
		Kind:           kind,
		Amount:         amount,
		Asset:          escrow.Amount.Asset,
		ExternalRef:    externalRef,
		IdempotencyKey: key,
		CreatedAt:      at,
	}
}

type tally struct {
	counts map[market.LedgerKind]int
	sums   map[market.LedgerKind]decimal.Decimal
}

func summarize(entries []market.LedgerEntry) tally {
	t := tally{
		counts: make(map[market.LedgerKind]int),
		sums:   make(map[market.LedgerKind]decimal.Decimal),
	}
	for _, entry := range entries {
		t.counts[entry.Kind]++
		t.sums[entry.Kind] = t.sums[entry.Kind].Add(entry.Amount)
	}
	return t
}

// ExpectedStatuses 根据账本条目推导托管账户可能处于的状态。
//
// 没有条目时可能是 created，也可能是未注资即作废的 refunded；
// 只有 fund 时可能是 funded 或 disputed。
func ExpectedStatuses(entries []market.LedgerEntry) ([]market.EscrowStatus, error) {
	t := summarize(entries)
	fund, release, refund, fee := t.counts[market.LedgerFund], t.counts[market.LedgerRelease], t.counts[market.LedgerRefund], t.counts[market.LedgerFee]
	if len(entries) > 0 && entries[0].Kind != market.LedgerFund {
		return nil, fmt.Errorf("首条账本记录必须是 fund，实际为 %s", entries[0].Kind)
	}
	switch {
	case len(entries) == 0:
		return []market.EscrowStatus{market.EscrowCreated, market.EscrowRefunded}, nil
	case fund == 1 && len(entries) == 1:
		return []market.EscrowStatus{market.EscrowFunded, market.EscrowDisputed}, nil
	case fund == 1 && release == 1 && refund == 0 && fee <= 1 && len(entries) == 2+fee:
		if !t.sums[market.LedgerRelease].Add(t.sums[market.LedgerFee]).Equal(t.sums[market.LedgerFund]) {
			return nil, fmt.Errorf("release %s + fee %s 不等于 fund %s",
				t.sums[market.LedgerRelease], t.sums[market.LedgerFee], t.sums[market.LedgerFund])
		}
		return []market.EscrowStatus{market.EscrowReleased}, nil
	case fund == 1 && refund == 1 && len(entries) == 2:
		if !t.sums[market.LedgerRefund].Equal(t.sums[market.LedgerFund]) {
			return nil, fmt.Errorf("refund %s 不等于 fund %s", t.sums[market.LedgerRefund], t.sums[market.LedgerFund])
		}
		return []market.EscrowStatus{market.EscrowRefunded}, nil
	default:
		return nil, fmt.Errorf("无法识别的账本组合: fund=%d release=%d refund=%d fee=%d", fund, release, refund, fee)
	}
}

// Verify 校验托管账户与其账本条目是否一致。
func Verify(escrow *market.Escrow, entries []market.LedgerEntry) error {
	expected, err := ExpectedStatuses(entries)
	if err != nil {
		return xerrors.Wrap(CodeInconsistent, err, "托管 "+escrow.ID+" 账本无法解析",
			xerrors.WithMetadata("escrow_id", escrow.ID))
	}
	if !slices.Contains(expected, escrow.Status) {
		return xerrors.Newf(CodeInconsistent, "托管 %s 状态为 %s，账本推导为 %v", escrow.ID, escrow.Status, expected)
	}
	for _, entry := range entries {
		if entry.EscrowID != escrow.ID {
			return xerrors.Newf(CodeInconsistent, "账本条目 %s 不属于托管 %s", entry.ID, escrow.ID)
		}
		if entry.Asset != escrow.Amount.Asset {
			return xerrors.Newf(CodeInconsistent, "账本条目 %s 资产 %s 与托管资产 %s 不一致", entry.ID, entry.Asset, escrow.Amount.Asset)
		}
		if entry.Kind == market.LedgerFund && !entry.Amount.Equal(escrow.Amount.Amount) {
			return xerrors.Newf(CodeInconsistent, "托管 %s 注资金额 %s 与托管金额 %s 不一致", escrow.ID, entry.Amount, escrow.Amount.Amount)
		}
	}
	return nil
}

// Report 是一次对账的结果。
type Report struct {
	EscrowID string              `json:"escrow_id"`
	Status   market.EscrowStatus `json:"status"`
	Entries  int                 `json:"entries"`
	Err      error               `json:"-"`
}

// Consistent 判断对账是否通过。
func (r Report) Consistent() bool {
	return r.Err == nil
}

// Book 是基于 market.Store 的只读账本视图。
type Book struct {
	store market.Store
	log   *slog.Logger
}

// NewBook 构造 Book。
func NewBook(store market.Store) *Book {
	return &Book{store: store, log: logger.Named("ledger")}
}

// Escrow 返回托管账户。
func (b *Book) Escrow(ctx context.Context, escrowID string) (*market.Escrow, error) {
	return b.store.GetEscrow(ctx, escrowID)
}

// Entries 返回托管账户的账本条目。
func (b *Book) Entries(ctx context.Context, escrowID string) ([]market.LedgerEntry, error) {
	if _, err := b.store.GetEscrow(ctx, escrowID); err != nil {
		return nil, err
	}
	return b.store.ListLedger(ctx, escrowID)
}

// Reconcile 对单个托管账户执行对账，不一致时返回 LEDGER_INCONSISTENT。
func (b *Book) Reconcile(ctx context.Context, escrowID string) (Report, error) {
	escrow, err := b.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return Report{EscrowID: escrowID}, err
	}
	entries, err := b.store.ListLedger(ctx, escrowID)
	if err != nil {
		return Report{EscrowID: escrowID}, err
	}
	report := Report{EscrowID: escrowID, Status: escrow.Status, Entries: len(entries)}
	if verr := Verify(escrow, entries); verr != nil {
		report.Err = verr
		b.log.Error("账本对账失败", slog.String("escrow_id", escrowID), slog.Any("error", verr))
		return report, verr
	}
	return report, nil
}

// ReconcileAll 对全部托管账户执行对账，返回不一致的报告。存储错误会中断遍历。
func (b *Book) ReconcileAll(ctx context.Context) ([]Report, error) {
	escrows, err := b.store.ListEscrows(ctx, market.EscrowFilter{})
	if err != nil {
		return nil, err
	}
	var failed []Report
	for _, escrow := range escrows {
		report, err := b.Reconcile(ctx, escrow.ID)
		if err != nil {
			if xerrors.HasCode(err, CodeInconsistent) {
				failed = append(failed, report)
				continue
			}
			return failed, err
		}
	}
	return failed, nil
}
