package sqlstore

import (
	"context"
	"database/sql"
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
)

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.log.Warn("事务回滚失败", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err, "提交事务失败")
	}
	return nil
}

// Apply 在单个事务内按撮合、意图、智能体、托管、账本的顺序执行条件写入。
func (s *Store) Apply(ctx context.Context, cs *market.Changeset) error {
	if cs.Empty() {
		return nil
	}
	now := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		step := func(name string) error {
			if s.hook == nil {
				return nil
			}
			if err := s.hook(name); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 "+name+" 失败")
			}
			return nil
		}
		for _, ch := range cs.Matches {
			if err := s.updateMatch(ctx, tx, ch.Next, now); err != nil {
				return err
			}
			if err := step("match:" + ch.Next.ID); err != nil {
				return err
			}
		}
		for _, ch := range cs.Intents {
			if err := s.updateIntent(ctx, tx, ch.Next, now); err != nil {
				return err
			}
			if err := step("intent:" + ch.Next.ID); err != nil {
				return err
			}
		}
		for _, ch := range cs.Agents {
			if err := s.updateAgent(ctx, tx, ch.Next, now); err != nil {
				return err
			}
			if err := step("agent:" + ch.Next.ID); err != nil {
				return err
			}
		}
		for _, ch := range cs.Escrows {
			if err := s.updateEscrow(ctx, tx, ch.Next, now); err != nil {
				return err
			}
			if err := step("escrow:" + ch.Next.ID); err != nil {
				return err
			}
		}
		for _, entry := range cs.Ledger {
			if err := s.insertLedger(ctx, tx, entry, now); err != nil {
				return err
			}
			if err := step("ledger:" + entry.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	market.RefreshChangeset(cs, now)
	return nil
}

func conditional(ctx context.Context, tx *sql.Tx, table, id string, notFound error, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr(err, "条件更新 "+table+" 失败")
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return versionMiss(ctx, tx, table, id, notFound)
	}
	return nil
}

func (s *Store) updateMatch(ctx context.Context, tx *sql.Tx, m *market.Match, now time.Time) error {
	return conditional(ctx, tx, "matches", m.ID, market.ErrMatchNotFound,
		`UPDATE matches SET status = ?, score = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`,
		string(m.Status), m.Score, millis(now), m.ID, m.Version)
}

func (s *Store) updateIntent(ctx context.Context, tx *sql.Tx, i *market.Intent, now time.Time) error {
	return conditional(ctx, tx, "intents", i.ID, market.ErrIntentNotFound,
		`UPDATE intents SET title = ?, required_capabilities = ?, preferred_capabilities = ?, status = ?,
        match_id = ?, cancel_reason = ?, deadline = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`,
		i.Title, encodeTags(i.RequiredCapabilities), encodeTags(i.PreferredCapabilities), string(i.Status),
		i.MatchID, i.CancelReason, nullMillis(i.Deadline), millis(now), i.ID, i.Version)
}

func (s *Store) updateAgent(ctx context.Context, tx *sql.Tx, a *market.Agent, now time.Time) error {
	return conditional(ctx, tx, "agents", a.ID, market.ErrAgentNotFound,
		`UPDATE agents SET name = ?, capabilities = ?, status = ?, wallet = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`,
		a.Name, encodeTags(a.Capabilities), string(a.Status), a.Wallet, millis(now), a.ID, a.Version)
}

func (s *Store) updateEscrow(ctx context.Context, tx *sql.Tx, e *market.Escrow, now time.Time) error {
	return conditional(ctx, tx, "escrows", e.ID, market.ErrEscrowNotFound,
		`UPDATE escrows SET status = ?, pending_op = ?, last_failure = ?, funded_at = ?, resolved_at = ?,
        version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`,
		string(e.Status), string(e.PendingOp), e.LastFailure, nullMillis(e.FundedAt), nullMillis(e.ResolvedAt),
		millis(now), e.ID, e.Version)
}

func (s *Store) insertLedger(ctx context.Context, tx *sql.Tx, entry market.LedgerEntry, now time.Time) error {
	if entry.IdempotencyKey == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "账本条目缺少幂等键")
	}
	var one int
	switch err := tx.QueryRowContext(ctx, `SELECT 1 FROM escrows WHERE id = ?`, entry.EscrowID).Scan(&one); {
	case err == sql.ErrNoRows:
		return market.ErrEscrowNotFound
	case err != nil:
		return storageErr(err, "查询托管账户失败")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries (`+ledgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EscrowID, string(entry.Kind), entry.Amount, entry.Asset, entry.ExternalRef,
		entry.IdempotencyKey, millis(createdAt))
	if err != nil {
		if isDuplicateKey(err) {
			return market.ErrDuplicateEntry
		}
		return storageErr(err, "写入账本条目失败")
	}
	return nil
}
