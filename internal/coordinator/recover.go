package coordinator

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"IntentMesh/internal/escrow"
	"IntentMesh/internal/market"
	"IntentMesh/internal/settlement"
)

// ResumePending 继续一个被崩溃或网关故障中断的托管操作，并补齐意图、撮合与智能体的变更。
// 注资被拒绝时作废托管并取消意图；放款被拒绝时改为退款。
func (c *Coordinator) ResumePending(ctx context.Context, escrowID string) (_ *market.Escrow, err error) {
	ctx, span := c.start(ctx, "ResumePending", attribute.String("escrow_id", escrowID))
	defer func() { endSpan(span, err) }()

	e, err := c.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.PendingOp == "" {
		return e, nil
	}
	match, err := c.store.GetMatch(ctx, e.MatchID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("pending_op", string(e.PendingOp)))

	switch e.PendingOp {
	case market.EscrowFunded:
		if _, err := c.fund(ctx, match, e); err != nil {
			return c.settledAfterDecline(ctx, e.ID, err)
		}
	case market.EscrowReleased:
		if err := c.release(ctx, match, e); err != nil {
			return c.settledAfterDecline(ctx, e.ID, err)
		}
	case market.EscrowRefunded:
		intent, err := c.store.GetIntent(ctx, e.IntentID)
		if err != nil {
			return nil, err
		}
		if _, err := c.escrows.Refund(ctx, e.ID, c.refundCloseOut(intent, e)); err != nil {
			return nil, err
		}
	default:
		return nil, market.Conflictf("托管 %s 的待完成操作 %s 无法恢复", e.ID, e.PendingOp)
	}
	return c.store.GetEscrow(ctx, escrowID)
}

// ResumeAll 恢复全部存在待完成操作的托管账户，返回成功恢复的数量。
func (c *Coordinator) ResumeAll(ctx context.Context) (int, error) {
	pending, err := c.store.ListEscrows(ctx, market.EscrowFilter{PendingOnly: true})
	if err != nil {
		return 0, err
	}
	resumed := 0
	var errs []error
	for _, e := range pending {
		if _, err := c.ResumePending(ctx, e.ID); err != nil {
			c.log.Warn("恢复托管操作失败",
				slog.String("escrow_id", e.ID),
				slog.String("pending_op", string(e.PendingOp)),
				slog.Any("error", err),
			)
			errs = append(errs, err)
			continue
		}
		resumed++
	}
	return resumed, stdErrors.Join(errs...)
}

// settledAfterDecline 在网关拒绝后确认托管已经按拒绝路径退回或作废，此时恢复视为完成。
func (c *Coordinator) settledAfterDecline(ctx context.Context, escrowID string, err error) (*market.Escrow, error) {
	if !settlement.IsDeclined(err) {
		return nil, err
	}
	e, gerr := c.store.GetEscrow(ctx, escrowID)
	if gerr != nil {
		return nil, stdErrors.Join(err, gerr)
	}
	if e.PendingOp != "" || e.Status != market.EscrowRefunded {
		return nil, err
	}
	c.log.Warn("恢复的操作被结算网关拒绝，已退回请求方",
		slog.String("escrow_id", e.ID),
		slog.String("intent_id", e.IntentID),
		slog.Any("error", err),
	)
	return e, nil
}

// refundCloseOut 根据发起退款前记下的原因重建收尾变更。
func (c *Coordinator) refundCloseOut(intent *market.Intent, e *market.Escrow) escrow.Finalizer {
	reason := intent.CancelReason
	switch {
	case reason == ReasonDeadlineExceeded:
		return c.closeOut(intent.ID, market.IntentExpired, reason, market.MatchExpired)
	case reason == "" && e.Status == market.EscrowDisputed:
		reason = ReasonDisputeRefunded
	case reason == "":
		reason = ReasonCancelledByRequester
	}
	return c.closeOut(intent.ID, market.IntentCancelled, reason, market.MatchRejected)
}

// noteReason 在发起退款前把原因写入仍在进行中的意图，使中断后的恢复能以同样方式收尾。
func (c *Coordinator) noteReason(ctx context.Context, intentID, reason string) error {
	return market.Retry(ctx, c.attempts, func(ctx context.Context) error {
		intent, err := c.store.GetIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if intent.Status.Terminal() || intent.CancelReason == reason {
			return nil
		}
		cs := &market.Changeset{}
		cs.UpdateIntent(intent, func(i *market.Intent) { i.CancelReason = reason })
		return c.committer.Commit(ctx, cs)
	})
}
