package sqlstore

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
)

const (
	agentColumns  = `id, owner, name, capabilities, status, wallet, version, created_at, updated_at`
	intentColumns = `id, owner, title, required_capabilities, preferred_capabilities, budget_amount, budget_asset,
        payer, status, match_id, cancel_reason, deadline, version, created_at, updated_at`
	matchColumns  = `id, intent_id, agent_id, score, status, version, created_at, updated_at`
	escrowColumns = `id, intent_id, match_id, status, amount, asset, payer, payee, pending_op, last_failure,
        version, created_at, funded_at, resolved_at, updated_at`
	ledgerColumns = `id, escrow_id, kind, amount, asset, external_ref, idempotency_key, created_at`
)

func scanAgent(row rowScanner) (*market.Agent, error) {
	var (
		agent                market.Agent
		capabilities, status string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&agent.ID, &agent.Owner, &agent.Name, &capabilities, &status, &agent.Wallet,
		&agent.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	tags, err := decodeTags(capabilities)
	if err != nil {
		return nil, err
	}
	agent.Capabilities = tags
	agent.Status = market.AgentStatus(status)
	agent.CreatedAt = fromMillis(createdAt)
	agent.UpdatedAt = fromMillis(updatedAt)
	return &agent, nil
}

func scanIntent(row rowScanner) (*market.Intent, error) {
	var (
		intent                      market.Intent
		required, preferred, status string
		deadline                    sql.NullInt64
		createdAt, updatedAt        int64
	)
	if err := row.Scan(&intent.ID, &intent.Owner, &intent.Title, &required, &preferred,
		&intent.Budget.Amount, &intent.Budget.Asset, &intent.Payer, &status, &intent.MatchID,
		&intent.CancelReason, &deadline, &intent.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if intent.RequiredCapabilities, err = decodeTags(required); err != nil {
		return nil, err
	}
	if intent.PreferredCapabilities, err = decodeTags(preferred); err != nil {
		return nil, err
	}
	intent.Status = market.IntentStatus(status)
	intent.Deadline = fromNullMillis(deadline)
	intent.CreatedAt = fromMillis(createdAt)
	intent.UpdatedAt = fromMillis(updatedAt)
	return &intent, nil
}

func scanMatch(row rowScanner) (*market.Match, error) {
	var (
		match                market.Match
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&match.ID, &match.IntentID, &match.AgentID, &match.Score, &status,
		&match.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	match.Status = market.MatchStatus(status)
	match.CreatedAt = fromMillis(createdAt)
	match.UpdatedAt = fromMillis(updatedAt)
	return &match, nil
}

func scanEscrow(row rowScanner) (*market.Escrow, error) {
	var (
		escrow               market.Escrow
		status, pending      string
		createdAt, updatedAt int64
		fundedAt, resolvedAt sql.NullInt64
	)
	if err := row.Scan(&escrow.ID, &escrow.IntentID, &escrow.MatchID, &status, &escrow.Amount.Amount,
		&escrow.Amount.Asset, &escrow.Payer, &escrow.Payee, &pending, &escrow.LastFailure,
		&escrow.Version, &createdAt, &fundedAt, &resolvedAt, &updatedAt); err != nil {
		return nil, err
	}
	escrow.Status = market.EscrowStatus(status)
	escrow.PendingOp = market.EscrowStatus(pending)
	escrow.CreatedAt = fromMillis(createdAt)
	escrow.FundedAt = fromNullMillis(fundedAt)
	escrow.ResolvedAt = fromNullMillis(resolvedAt)
	escrow.UpdatedAt = fromMillis(updatedAt)
	return &escrow, nil
}

func scanLedger(row rowScanner) (market.LedgerEntry, error) {
	var (
		entry     market.LedgerEntry
		kind      string
		amount    decimal.Decimal
		createdAt int64
	)
	if err := row.Scan(&entry.ID, &entry.EscrowID, &kind, &amount, &entry.Asset, &entry.ExternalRef,
		&entry.IdempotencyKey, &createdAt); err != nil {
		return market.LedgerEntry{}, err
	}
	entry.Kind = market.LedgerKind(kind)
	entry.Amount = amount
	entry.CreatedAt = fromMillis(createdAt)
	return entry, nil
}

func getOne[T any](ctx context.Context, q querier, query string, scan func(rowScanner) (T, error), notFound error, args ...any) (T, error) {
	value, err := scan(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		var zero T
		return zero, notFound
	}
	if err != nil {
		var zero T
		return zero, storageErr(err, "读取记录失败")
	}
	return value, nil
}

func listAll[T any](ctx context.Context, q querier, query string, scan func(rowScanner) (T, error), args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询记录失败")
	}
	defer rows.Close()
	results := make([]T, 0)
	for rows.Next() {
		value, err := scan(rows)
		if err != nil {
			return nil, storageErr(err, "解析记录失败")
		}
		results = append(results, value)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历记录失败")
	}
	return results, nil
}

// CreateAgent 实现 market.Store。
func (s *Store) CreateAgent(ctx context.Context, agent *market.Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if err := requireID(agent.ID, "智能体"); err != nil {
		return err
	}
	now := s.now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Owner, agent.Name, encodeTags(agent.Capabilities), string(agent.Status), agent.Wallet,
		1, millis(agent.CreatedAt), millis(now))
	if err != nil {
		if isDuplicateKey(err) {
			return market.Conflictf("智能体 %s 已存在", agent.ID)
		}
		return storageErr(err, "写入智能体失败")
	}
	agent.Version = 1
	agent.UpdatedAt = now
	return nil
}

// GetAgent 实现 market.Store。
func (s *Store) GetAgent(ctx context.Context, id string) (*market.Agent, error) {
	return getOne(ctx, s.db, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, scanAgent, market.ErrAgentNotFound, id)
}

// ListAgents 返回按创建时间倒序排列的智能体。
func (s *Store) ListAgents(ctx context.Context, filter market.AgentFilter) ([]*market.Agent, error) {
	var where whereBuilder
	if filter.Owner != "" {
		where.add("owner = ?", filter.Owner)
	}
	if len(filter.Statuses) > 0 {
		clause, args := inClause("status", filter.Statuses)
		where.add(clause, args...)
	}
	query := `SELECT ` + agentColumns + ` FROM agents` + where.String() + ` ORDER BY created_at DESC, id ASC`
	return listAll(ctx, s.db, query, scanAgent, where.args...)
}

// DeleteAgent 在版本匹配时删除智能体。
func (s *Store) DeleteAgent(ctx context.Context, id string, version int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ? AND version = ?`, id, version)
	if err != nil {
		return storageErr(err, "删除智能体失败")
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return versionMiss(ctx, s.db, "agents", id, market.ErrAgentNotFound)
	}
	return nil
}

// CreateIntent 实现 market.Store。
func (s *Store) CreateIntent(ctx context.Context, intent *market.Intent) error {
	if intent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	if err := requireID(intent.ID, "意图"); err != nil {
		return err
	}
	now := s.now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO intents (`+intentColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.Owner, intent.Title, encodeTags(intent.RequiredCapabilities),
		encodeTags(intent.PreferredCapabilities), intent.Budget.Amount, intent.Budget.Asset, intent.Payer,
		string(intent.Status), intent.MatchID, intent.CancelReason, nullMillis(intent.Deadline),
		1, millis(intent.CreatedAt), millis(now))
	if err != nil {
		if isDuplicateKey(err) {
			return market.Conflictf("意图 %s 已存在", intent.ID)
		}
		return storageErr(err, "写入意图失败")
	}
	intent.Version = 1
	intent.UpdatedAt = now
	return nil
}

// GetIntent 实现 market.Store。
func (s *Store) GetIntent(ctx context.Context, id string) (*market.Intent, error) {
	return getOne(ctx, s.db, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, scanIntent, market.ErrIntentNotFound, id)
}

// ListIntents 返回按创建时间正序排列的意图。
func (s *Store) ListIntents(ctx context.Context, filter market.IntentFilter) ([]*market.Intent, error) {
	var where whereBuilder
	if filter.Owner != "" {
		where.add("owner = ?", filter.Owner)
	}
	if len(filter.Statuses) > 0 {
		clause, args := inClause("status", filter.Statuses)
		where.add(clause, args...)
	}
	if !filter.DeadlineBefore.IsZero() {
		where.add("deadline IS NOT NULL AND deadline < ?", millis(filter.DeadlineBefore))
	}
	query := `SELECT ` + intentColumns + ` FROM intents` + where.String() + ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		where.args = append(where.args, filter.Limit)
	}
	return listAll(ctx, s.db, query, scanIntent, where.args...)
}

// CreateMatch 在同一事务内校验意图状态、写入撮合并推进意图版本。
func (s *Store) CreateMatch(ctx context.Context, match *market.Match) error {
	if match == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "match 不能为空")
	}
	if err := requireID(match.ID, "撮合"); err != nil {
		return err
	}
	now := s.now()
	if match.CreatedAt.IsZero() {
		match.CreatedAt = now
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// 先锁定意图行，同一意图上的并发创建与接受因此串行化。
		res, err := tx.ExecContext(ctx, `UPDATE intents SET version = version + 1, updated_at = ?
            WHERE id = ? AND status = ?`, millis(now), match.IntentID, string(market.IntentOpen))
		if err != nil {
			return storageErr(err, "更新意图版本失败")
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			intent, err := getOne(ctx, tx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, scanIntent, market.ErrIntentNotFound, match.IntentID)
			if err != nil {
				return err
			}
			return market.Conflictf("意图 %s 状态为 %s，无法创建撮合", intent.ID, intent.Status)
		}
		// 智能体版本同样前进，并发的按版本删除因此失败。
		res, err = tx.ExecContext(ctx, `UPDATE agents SET version = version + 1, updated_at = ? WHERE id = ?`,
			millis(now), match.AgentID)
		if err != nil {
			return storageErr(err, "更新智能体版本失败")
		}
		if n, err = affected(res); err != nil {
			return err
		}
		if n == 0 {
			return market.ErrAgentNotFound
		}
		var existing string
		err = tx.QueryRowContext(ctx, `SELECT id FROM matches WHERE intent_id = ? AND agent_id = ? AND status IN (?, ?)`,
			match.IntentID, match.AgentID, string(market.MatchProposed), string(market.MatchAccepted)).Scan(&existing)
		switch {
		case err == nil:
			return market.Conflictf("意图 %s 与智能体 %s 已存在未结束的撮合 %s", match.IntentID, match.AgentID, existing)
		case err != sql.ErrNoRows:
			return storageErr(err, "查询撮合失败")
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO matches (`+matchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			match.ID, match.IntentID, match.AgentID, match.Score, string(match.Status), 1,
			millis(match.CreatedAt), millis(now))
		if err != nil {
			if isDuplicateKey(err) {
				return market.Conflictf("撮合 %s 已存在", match.ID)
			}
			return storageErr(err, "写入撮合失败")
		}
		return nil
	})
	if err != nil {
		return err
	}
	match.Version = 1
	match.UpdatedAt = now
	return nil
}

// GetMatch 实现 market.Store。
func (s *Store) GetMatch(ctx context.Context, id string) (*market.Match, error) {
	return getOne(ctx, s.db, `SELECT `+matchColumns+` FROM matches WHERE id = ?`, scanMatch, market.ErrMatchNotFound, id)
}

// ListMatches 返回按创建时间正序排列的撮合记录。
func (s *Store) ListMatches(ctx context.Context, filter market.MatchFilter) ([]*market.Match, error) {
	var where whereBuilder
	if filter.IntentID != "" {
		where.add("intent_id = ?", filter.IntentID)
	}
	if filter.AgentID != "" {
		where.add("agent_id = ?", filter.AgentID)
	}
	if len(filter.Statuses) > 0 {
		clause, args := inClause("status", filter.Statuses)
		where.add(clause, args...)
	}
	query := `SELECT ` + matchColumns + ` FROM matches` + where.String() + ` ORDER BY created_at ASC, id ASC`
	return listAll(ctx, s.db, query, scanMatch, where.args...)
}

// CreateEscrow 实现 market.Store，match_id 上的唯一约束保证一个撮合至多一个托管账户。
func (s *Store) CreateEscrow(ctx context.Context, escrow *market.Escrow) error {
	if escrow == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "escrow 不能为空")
	}
	if err := requireID(escrow.ID, "托管"); err != nil {
		return err
	}
	if _, err := s.GetMatch(ctx, escrow.MatchID); err != nil {
		return err
	}
	now := s.now()
	if escrow.CreatedAt.IsZero() {
		escrow.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO escrows (`+escrowColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		escrow.ID, escrow.IntentID, escrow.MatchID, string(escrow.Status), escrow.Amount.Amount,
		escrow.Amount.Asset, escrow.Payer, escrow.Payee, string(escrow.PendingOp), escrow.LastFailure,
		1, millis(escrow.CreatedAt), nullMillis(escrow.FundedAt), nullMillis(escrow.ResolvedAt), millis(now))
	if err != nil {
		if isDuplicateKey(err) {
			return market.ErrDuplicateEscrow
		}
		return storageErr(err, "写入托管账户失败")
	}
	escrow.Version = 1
	escrow.UpdatedAt = now
	return nil
}

// GetEscrow 实现 market.Store。
func (s *Store) GetEscrow(ctx context.Context, id string) (*market.Escrow, error) {
	return getOne(ctx, s.db, `SELECT `+escrowColumns+` FROM escrows WHERE id = ?`, scanEscrow, market.ErrEscrowNotFound, id)
}

// GetEscrowByMatch 实现 market.Store。
func (s *Store) GetEscrowByMatch(ctx context.Context, matchID string) (*market.Escrow, error) {
	return getOne(ctx, s.db, `SELECT `+escrowColumns+` FROM escrows WHERE match_id = ?`, scanEscrow, market.ErrEscrowNotFound, matchID)
}

// ListEscrows 返回按创建时间正序排列的托管账户。
func (s *Store) ListEscrows(ctx context.Context, filter market.EscrowFilter) ([]*market.Escrow, error) {
	var where whereBuilder
	if len(filter.Statuses) > 0 {
		clause, args := inClause("status", filter.Statuses)
		where.add(clause, args...)
	}
	if filter.PendingOnly {
		where.add("pending_op <> ''")
	}
	query := `SELECT ` + escrowColumns + ` FROM escrows` + where.String() + ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		where.args = append(where.args, filter.Limit)
	}
	return listAll(ctx, s.db, query, scanEscrow, where.args...)
}

// ListLedger 按写入顺序返回托管账户的账本条目。
func (s *Store) ListLedger(ctx context.Context, escrowID string) ([]market.LedgerEntry, error) {
	return listAll(ctx, s.db, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE escrow_id = ? ORDER BY seq ASC`,
		scanLedger, escrowID)
}
