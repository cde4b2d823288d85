package sqlstore

import (
	"context"
	stdErrors "errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{Driver: DialectSQLite, DSN: ":memory:"}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, store *Store) (*market.Intent, *market.Agent, *market.Match) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	intent := &market.Intent{
		ID:                   "i1",
		Owner:                "alice",
		RequiredCapabilities: []string{"go", "sql"},
		Budget:               market.Money{Amount: decimal.RequireFromString("100.5"), Asset: "USD"},
		Payer:                "alice-wallet",
		Status:               market.IntentOpen,
		Deadline:             &deadline,
	}
	require.NoError(t, store.CreateIntent(ctx, intent))
	agent := &market.Agent{ID: "a1", Owner: "bob", Capabilities: []string{"go"}, Status: market.AgentIdle, Wallet: "bob-wallet"}
	require.NoError(t, store.CreateAgent(ctx, agent))
	match := &market.Match{ID: "m1", IntentID: "i1", AgentID: "a1", Score: 1, Status: market.MatchProposed}
	require.NoError(t, store.CreateMatch(ctx, match))
	intent, err := store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	agent, err = store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	return intent, agent, match
}

func TestOpenRunsMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "intentmesh.db")
	cfg := Config{Driver: DialectSQLite, DSN: path}

	first, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, first.CreateAgent(ctx, &market.Agent{ID: "a1", Owner: "bob", Status: market.AgentIdle, Wallet: "w"}))
	require.NoError(t, first.Close())

	second, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer second.Close()
	agent, err := second.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "bob", agent.Owner)

	var count int
	require.NoError(t, second.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres", DSN: "x"})
	require.Error(t, err)
	require.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}

func TestEntitiesRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	intent, agent, match := seed(t, store)

	require.Equal(t, int64(2), intent.Version)
	require.Equal(t, int64(2), agent.Version)
	require.Equal(t, []string{"go", "sql"}, intent.RequiredCapabilities)
	require.Nil(t, intent.PreferredCapabilities)
	require.True(t, decimal.RequireFromString("100.5").Equal(intent.Budget.Amount))
	require.NotNil(t, intent.Deadline)
	require.True(t, intent.Deadline.Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))

	got, err := store.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.MatchProposed, got.Status)
	require.Equal(t, int64(1), got.Version)

	_, err = store.GetAgent(ctx, "missing")
	require.ErrorIs(t, err, market.ErrAgentNotFound)
	_, err = store.GetEscrowByMatch(ctx, "m1")
	require.ErrorIs(t, err, market.ErrEscrowNotFound)
}

func TestCreateMatchRequiresOpenIntent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	intent, agent, match := seed(t, store)

	err := store.CreateMatch(ctx, &market.Match{ID: "m2", IntentID: "i1", AgentID: "a1", Status: market.MatchProposed})
	require.ErrorIs(t, err, market.ErrConflict)

	err = store.CreateMatch(ctx, &market.Match{ID: "m3", IntentID: "i1", AgentID: "missing", Status: market.MatchProposed})
	require.ErrorIs(t, err, market.ErrAgentNotFound)

	err = store.CreateMatch(ctx, &market.Match{ID: "m4", IntentID: "nope", AgentID: "a1", Status: market.MatchProposed})
	require.ErrorIs(t, err, market.ErrIntentNotFound)

	unchanged, err := store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, intent.Version, unchanged.Version)

	cs := &market.Changeset{}
	cs.UpdateMatch(match, func(m *market.Match) { m.Status = market.MatchAccepted })
	cs.UpdateIntent(intent, func(i *market.Intent) {
		i.Status = market.IntentMatched
		i.MatchID = match.ID
	})
	cs.UpdateAgent(agent, func(a *market.Agent) { a.Status = market.AgentMatched })
	require.NoError(t, store.Apply(ctx, cs))

	require.NoError(t, store.CreateAgent(ctx, &market.Agent{ID: "a2", Owner: "carol", Status: market.AgentIdle, Wallet: "w2"}))
	err = store.CreateMatch(ctx, &market.Match{ID: "m5", IntentID: "i1", AgentID: "a2", Status: market.MatchProposed})
	require.ErrorIs(t, err, market.ErrConflict)
}

func TestApplyVersionConflictWritesNothing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	intent, agent, match := seed(t, store)

	stale := intent.Clone()
	stale.Version = 1

	cs := &market.Changeset{}
	next := cs.UpdateMatch(match, func(m *market.Match) { m.Status = market.MatchAccepted })
	cs.UpdateIntent(stale, func(i *market.Intent) { i.Status = market.IntentMatched })
	cs.UpdateAgent(agent, func(a *market.Agent) { a.Status = market.AgentMatched })
	err := store.Apply(ctx, cs)
	require.ErrorIs(t, err, market.ErrVersionConflict)
	require.Equal(t, int64(1), next.Version)

	got, err := store.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, market.MatchProposed, got.Status)
	require.Equal(t, int64(1), got.Version)

	missing := &market.Changeset{}
	missing.UpdateAgent(&market.Agent{ID: "ghost", Version: 1}, nil)
	require.ErrorIs(t, store.Apply(ctx, missing), market.ErrAgentNotFound)
}

func TestApplyHookRollsBack(t *testing.T) {
	var steps []string
	store := openTestStore(t, WithApplyHook(func(step string) error {
		steps = append(steps, step)
		if strings.HasPrefix(step, "agent:") {
			return stdErrors.New("boom")
		}
		return nil
	}))
	ctx := context.Background()
	intent, agent, match := seed(t, store)

	cs := &market.Changeset{}
	cs.UpdateMatch(match, func(m *market.Match) { m.Status = market.MatchAccepted })
	cs.UpdateIntent(intent, func(i *market.Intent) { i.Status = market.IntentMatched })
	cs.UpdateAgent(agent, func(a *market.Agent) { a.Status = market.AgentMatched })
	err := store.Apply(ctx, cs)
	require.Error(t, err)
	require.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	require.Equal(t, []string{"match:m1", "intent:i1", "agent:a1"}, steps)

	gotIntent, err := store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, market.IntentOpen, gotIntent.Status)
	require.Equal(t, intent.Version, gotIntent.Version)
	gotMatch, err := store.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, market.MatchProposed, gotMatch.Status)
}

func TestEscrowAndLedger(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seed(t, store)

	escrow := &market.Escrow{
		ID:       "e1",
		IntentID: "i1",
		MatchID:  "m1",
		Status:   market.EscrowCreated,
		Amount:   market.Money{Amount: decimal.RequireFromString("100.5"), Asset: "USD"},
		Payer:    "alice-wallet",
		Payee:    "bob-wallet",
	}
	require.NoError(t, store.CreateEscrow(ctx, escrow))
	err := store.CreateEscrow(ctx, &market.Escrow{ID: "e2", IntentID: "i1", MatchID: "m1", Status: market.EscrowCreated})
	require.ErrorIs(t, err, market.ErrDuplicateEscrow)

	fundedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cs := &market.Changeset{}
	next := cs.UpdateEscrow(escrow, func(e *market.Escrow) {
		e.Status = market.EscrowFunded
		e.FundedAt = &fundedAt
	})
	cs.Append(
		market.LedgerEntry{ID: "l1", EscrowID: "e1", Kind: market.LedgerFund, Amount: escrow.Amount.Amount, Asset: "USD", ExternalRef: "tx1", IdempotencyKey: "e1:funded"},
	)
	require.NoError(t, store.Apply(ctx, cs))
	require.Equal(t, int64(2), next.Version)

	stored, err := store.GetEscrowByMatch(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, market.EscrowFunded, stored.Status)
	require.NotNil(t, stored.FundedAt)
	require.True(t, stored.FundedAt.Equal(fundedAt))
	require.Nil(t, stored.ResolvedAt)

	dup := &market.Changeset{}
	dup.Append(market.LedgerEntry{ID: "l2", EscrowID: "e1", Kind: market.LedgerFund, Amount: escrow.Amount.Amount, Asset: "USD", IdempotencyKey: "e1:funded"})
	require.ErrorIs(t, store.Apply(ctx, dup), market.ErrDuplicateEntry)

	release := &market.Changeset{}
	release.UpdateEscrow(stored, func(e *market.Escrow) { e.PendingOp = market.EscrowReleased })
	release.Append(
		market.LedgerEntry{ID: "l3", EscrowID: "e1", Kind: market.LedgerRelease, Amount: decimal.RequireFromString("98"), Asset: "USD", IdempotencyKey: "e1:released"},
		market.LedgerEntry{ID: "l4", EscrowID: "e1", Kind: market.LedgerFee, Amount: decimal.RequireFromString("2.5"), Asset: "USD", IdempotencyKey: "e1:released:fee"},
	)
	require.NoError(t, store.Apply(ctx, release))

	entries, err := store.ListLedger(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, []market.LedgerKind{market.LedgerFund, market.LedgerRelease, market.LedgerFee},
		[]market.LedgerKind{entries[0].Kind, entries[1].Kind, entries[2].Kind})
	require.True(t, decimal.RequireFromString("2.5").Equal(entries[2].Amount))

	pending, err := store.ListEscrows(ctx, market.EscrowFilter{PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, market.EscrowReleased, pending[0].PendingOp)
}

func TestListFilters(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := openTestStore(t, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	ctx := context.Background()
	seed(t, store)
	require.NoError(t, store.CreateIntent(ctx, &market.Intent{ID: "i2", Owner: "bob", Status: market.IntentOpen,
		Budget: market.Money{Amount: decimal.NewFromInt(1), Asset: "USD"}}))
	require.NoError(t, store.CreateAgent(ctx, &market.Agent{ID: "a2", Owner: "bob", Status: market.AgentDisabled, Wallet: "w"}))

	overdue, err := store.ListIntents(ctx, market.IntentFilter{
		Statuses:       []market.IntentStatus{market.IntentOpen, market.IntentMatched},
		DeadlineBefore: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, "i1", overdue[0].ID)

	limited, err := store.ListIntents(ctx, market.IntentFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "i1", limited[0].ID)

	agents, err := store.ListAgents(ctx, market.AgentFilter{Owner: "bob"})
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "a2", agents[0].ID)

	idle, err := store.ListAgents(ctx, market.AgentFilter{Statuses: []market.AgentStatus{market.AgentIdle}})
	require.NoError(t, err)
	require.Len(t, idle, 1)

	matches, err := store.ListMatches(ctx, market.MatchFilter{AgentID: "a1", Statuses: []market.MatchStatus{market.MatchProposed}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestDeleteAgentChecksVersion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAgent(ctx, &market.Agent{ID: "a9", Owner: "bob", Status: market.AgentIdle, Wallet: "w"}))

	require.ErrorIs(t, store.DeleteAgent(ctx, "a9", 7), market.ErrVersionConflict)
	require.NoError(t, store.DeleteAgent(ctx, "a9", 1))
	require.ErrorIs(t, store.DeleteAgent(ctx, "a9", 1), market.ErrAgentNotFound)
}
