package coordinator

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"IntentMesh/internal/escrow"
	"IntentMesh/internal/ledger"
	"IntentMesh/internal/market"
	"IntentMesh/internal/matching"
	"IntentMesh/internal/settlement"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock   *fakeClock
	store   *market.MemoryStore
	gateway *settlement.MemoryGateway
	engine  *matching.Engine
	escrows *escrow.Service
	coord   *Coordinator

	mu     sync.Mutex
	events []market.StatusEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}}
	h.store = market.NewMemoryStore(market.WithMemoryClock(h.clock.Now))
	h.gateway = settlement.NewMemoryGateway()
	committer := market.NewCommitter(h.store,
		market.WithClock(h.clock.Now),
		market.WithObserver(func(e market.StatusEvent) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, e)
		}),
	)
	h.engine = matching.NewEngine(committer)
	var err error
	h.escrows, err = escrow.NewService(committer, h.gateway, escrow.Config{
		HoldingAddress:  "platform-holding",
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
	require.NoError(t, err)
	h.coord = New(committer, h.engine, h.escrows)
	return h
}

func (h *harness) agent(t *testing.T, name string, tags ...string) *market.Agent {
	t.Helper()
	agent, err := h.engine.RegisterAgent(context.Background(), "owner-"+name, matching.AgentProfile{
		Name:         name,
		Capabilities: tags,
		Wallet:       name + "-wallet",
	})
	require.NoError(t, err)
	return agent
}

func (h *harness) intent(t *testing.T, deadline *time.Time) *market.Intent {
	t.Helper()
	budget, err := market.NewMoney("100", "usd")
	require.NoError(t, err)
	intent, err := h.coord.CreateIntent(context.Background(), CreateIntentInput{
		Owner:                "alice",
		Title:                "translate docs",
		RequiredCapabilities: []string{"translate"},
		Budget:               budget,
		Payer:                "alice-wallet",
		Deadline:             deadline,
	})
	require.NoError(t, err)
	return intent
}

func (h *harness) ledger(t *testing.T, escrowID string) []market.LedgerEntry {
	t.Helper()
	entries, err := h.coord.Ledger(context.Background(), escrowID)
	require.NoError(t, err)
	return entries
}

func (h *harness) requireReconciled(t *testing.T) {
	t.Helper()
	failed, err := ledger.NewBook(h.store).ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, failed)
}

func (h *harness) requireStatuses(t *testing.T, intentID string, intent market.IntentStatus, agentID string, agent market.AgentStatus) {
	t.Helper()
	ctx := context.Background()
	gotIntent, err := h.store.GetIntent(ctx, intentID)
	require.NoError(t, err)
	require.Equal(t, intent, gotIntent.Status)
	gotAgent, err := h.store.GetAgent(ctx, agentID)
	require.NoError(t, err)
	require.Equal(t, agent, gotAgent.Status)
}

func (h *harness) accepted(t *testing.T, agentTags ...string) (*market.Intent, *market.Agent, *Acceptance) {
	t.Helper()
	ctx := context.Background()
	agent := h.agent(t, "agent-a", agentTags...)
	intent := h.intent(t, nil)
	match, err := h.coord.ProposeMatch(ctx, intent.ID, agent.ID)
	require.NoError(t, err)
	acc, err := h.coord.AcceptMatch(ctx, match.ID)
	require.NoError(t, err)
	return intent, agent, acc
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "agent-a", "translate", "review")
	intent := h.intent(t, nil)

	candidates, err := h.coord.FindCandidates(ctx, intent.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, agent.ID, candidates[0].Agent.ID)

	match, err := h.coord.ProposeMatch(ctx, intent.ID, agent.ID)
	require.NoError(t, err)
	acc, err := h.coord.AcceptMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.MatchAccepted, acc.Match.Status)
	require.Equal(t, market.IntentMatched, acc.Intent.Status)
	require.Equal(t, market.EscrowFunded, acc.Escrow.Status)
	require.Equal(t, "100", acc.Escrow.Amount.Amount.String())

	entries := h.ledger(t, acc.Escrow.ID)
	require.Len(t, entries, 1)
	require.Equal(t, market.LedgerFund, entries[0].Kind)
	require.Equal(t, "tx1", entries[0].ExternalRef)

	started, err := h.coord.StartWork(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.IntentInProgress, started.Status)
	h.requireStatuses(t, intent.ID, market.IntentInProgress, agent.ID, market.AgentBusy)

	completed, err := h.coord.CompleteWork(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.IntentCompleted, completed.Status)
	h.requireStatuses(t, intent.ID, market.IntentCompleted, agent.ID, market.AgentIdle)

	e, err := h.coord.EscrowForMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.EscrowReleased, e.Status)
	require.NotNil(t, e.ResolvedAt)

	entries = h.ledger(t, e.ID)
	require.Len(t, entries, 2)
	require.Equal(t, market.LedgerFund, entries[0].Kind)
	require.Equal(t, "100", entries[0].Amount.String())
	require.Equal(t, "tx1", entries[0].ExternalRef)
	require.Equal(t, market.LedgerRelease, entries[1].Kind)
	require.Equal(t, "100", entries[1].Amount.String())
	require.Equal(t, "tx2", entries[1].ExternalRef)
	h.requireReconciled(t)

	again, err := h.coord.CompleteWork(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.IntentCompleted, again.Status)
	require.Len(t, h.ledger(t, e.ID), 2)

	_, err = h.coord.Cancel(ctx, intent.ID, "too late")
	require.ErrorIs(t, err, market.ErrConflict)

	h.mu.Lock()
	defer h.mu.Unlock()
	var intentTransitions []string
	for _, ev := range h.events {
		if ev.Entity == market.EntityIntent {
			intentTransitions = append(intentTransitions, ev.From+"->"+ev.To)
		}
	}
	require.Equal(t, []string{"->open", "open->matched", "matched->in_progress", "in_progress->completed"}, intentTransitions)
}

func TestExpiryRefundsFundedEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "agent-a", "translate")
	deadline := h.clock.Now().Add(time.Hour)
	intent := h.intent(t, &deadline)
	match, err := h.coord.ProposeMatch(ctx, intent.ID, agent.ID)
	require.NoError(t, err)
	acc, err := h.coord.AcceptMatch(ctx, match.ID)
	require.NoError(t, err)

	_, err = h.coord.Expire(ctx, intent.ID)
	require.ErrorIs(t, err, market.ErrPreconditionFailed)

	h.clock.Advance(2 * time.Hour)
	expired, err := h.coord.ExpireOverdue(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	h.requireStatuses(t, intent.ID, market.IntentExpired, agent.ID, market.AgentIdle)
	e, err := h.coord.EscrowForMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.EscrowRefunded, e.Status)
	entries := h.ledger(t, acc.Escrow.ID)
	require.Len(t, entries, 2)
	require.Equal(t, market.LedgerRefund, entries[1].Kind)
	require.Equal(t, "tx2", entries[1].ExternalRef)

	stored, err := h.coord.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.MatchExpired, stored.Status)
	h.requireReconciled(t)

	again, err := h.coord.ExpireOverdue(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, again)
}

func TestExpireOpenIntentWithoutEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "agent-a", "translate")
	deadline := h.clock.Now().Add(time.Minute)
	intent := h.intent(t, &deadline)
	match, err := h.coord.ProposeMatch(ctx, intent.ID, agent.ID)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	expired, err := h.coord.Expire(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, market.IntentExpired, expired.Status)
	require.Equal(t, ReasonDeadlineExceeded, expired.CancelReason)

	stored, err := h.coord.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.MatchExpired, stored.Status)
}

func TestConcurrentProposeAndAccept(t *testing.T) {
	for round := 0; round < 10; round++ {
		h := newHarness(t)
		ctx := context.Background()
		a := h.agent(t, "agent-a", "translate")
		b := h.agent(t, "agent-b", "translate")
		intent := h.intent(t, nil)

		var wg sync.WaitGroup
		results := make([]error, 2)
		for i, agent := range []*market.Agent{a, b} {
			wg.Add(1)
			go func(i int, agentID string) {
				defer wg.Done()
				match, err := h.coord.ProposeMatch(ctx, intent.ID, agentID)
				if err != nil {
					results[i] = err
					return
				}
				_, results[i] = h.coord.AcceptMatch(ctx, match.ID)
			}(i, agent.ID)
		}
		wg.Wait()

		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
				continue
			}
			require.True(t, stdErrors.Is(err, market.ErrStaleState) || stdErrors.Is(err, market.ErrConflict), "unexpected error: %v", err)
		}
		require.Equal(t, 1, winners)

		matches, err := h.coord.ListMatches(ctx, intent.ID)
		require.NoError(t, err)
		accepted := 0
		for _, m := range matches {
			switch m.Status {
			case market.MatchAccepted:
				accepted++
			case market.MatchSuperseded, market.MatchRejected:
			default:
				t.Fatalf("unexpected match status %s", m.Status)
			}
		}
		require.Equal(t, 1, accepted)
		h.requireReconciled(t)
	}
}

func TestAcceptMatchCrashLeavesNoPartialState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "agent-a", "translate")
	intent := h.intent(t, nil)
	match, err := h.coord.ProposeMatch(ctx, intent.ID, agent.ID)
	require.NoError(t, err)

	h.store.SetApplyHook(func(step string) error {
		if strings.HasPrefix(step, "intent:") {
			return stdErrors.New("process killed")
		}
		return nil
	})
	_, err = h.coord.AcceptMatch(ctx, match.ID)
	require.Error(t, err)

	stored, err := h.coord.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.MatchProposed, stored.Status)
	h.requireStatuses(t, intent.ID, market.IntentOpen, agent.ID, market.AgentIdle)
	_, err = h.coord.EscrowForMatch(ctx, match.ID)
	require.ErrorIs(t, err, market.ErrEscrowNotFound)

	h.store.SetApplyHook(nil)
	acc, err := h.coord.AcceptMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.EscrowFunded, acc.Escrow.Status)
}

func TestFundEscrowIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, acc := h.accepted(t, "translate")

	for i := 0; i < 2; i++ {
		e, err := h.coord.FundEscrow(ctx, acc.Match.ID)
		require.NoError(t, err)
		require.Equal(t, market.EscrowFunded, e.Status)
	}
	entries := h.ledger(t, acc.Escrow.ID)
	require.Len(t, entries, 1)
	require.Equal(t, 1, h.gateway.Transfers())
}

func TestFundUnavailableThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "agent-a", "translate")
	intent := h.intent(t, nil)
	match, err := h.coord.ProposeMatch(ctx, intent.ID, agent.ID)
	require.NoError(t, err)

	h.gateway.Inject(settlement.FaultUnavailable)
	_, err = h.coord.AcceptMatch(ctx, match.ID)
	require.True(t, settlement.IsUnavailable(err))
	h.requireStatuses(t, intent.ID, market.IntentMatched, agent.ID, market.AgentMatched)

	_, err = h.coord.StartWork(ctx, match.ID)
	require.ErrorIs(t, err, market.ErrPreconditionFailed)

	e, err := h.coord.FundEscrow(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.EscrowFunded, e.Status)

	_, err = h.coord.StartWork(ctx, match.ID)
	require.NoError(t, err)
	h.requireReconciled(t)
}

func TestLostFundReplyResumesWithoutDoubleTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "agent-a", "translate")
	intent := h.intent(t, nil)
	match, err := h.coord.ProposeMatch(ctx, intent.ID, agent.ID)
	require.NoError(t, err)

	h.gateway.Inject(settlement.FaultLostReply)
	_, err = h.coord.AcceptMatch(ctx, match.ID)
	require.True(t, settlement.IsUnavailable(err))
	require.Equal(t, 1, h.gateway.Transfers())

	resumed, err := h.coord.ResumeAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	e, err := h.coord.EscrowForMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.EscrowFunded, e.Status)
	require.Equal(t, 1, h.gateway.Transfers())
	entries := h.ledger(t, e.ID)
	require.Len(t, entries, 1)
	require.Equal(t, "tx1", entries[0].ExternalRef)
}

func TestFundDeclinedCancelsIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "agent-a", "translate")
	intent := h.intent(t, nil)
	match, err := h.coord.ProposeMatch(ctx, intent.ID, agent.ID)
	require.NoError(t, err)

	h.gateway.Inject(settlement.FaultDeclined)
	_, err = h.coord.AcceptMatch(ctx, match.ID)
	require.True(t, settlement.IsDeclined(err))

	h.requireStatuses(t, intent.ID, market.IntentCancelled, agent.ID, market.AgentIdle)
	stored, err := h.coord.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, ReasonSettlementDeclined, stored.CancelReason)

	e, err := h.coord.EscrowForMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.EscrowRefunded, e.Status)
	require.Empty(t, h.ledger(t, e.ID))
	h.requireReconciled(t)
}

func TestReleaseDeclinedRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intent, agent, acc := h.accepted(t, "translate")
	_, err := h.coord.StartWork(ctx, acc.Match.ID)
	require.NoError(t, err)

	h.gateway.Inject(settlement.FaultDeclined)
	_, err = h.coord.CompleteWork(ctx, acc.Match.ID)
	require.True(t, settlement.IsDeclined(err))

	h.requireStatuses(t, intent.ID, market.IntentCancelled, agent.ID, market.AgentIdle)
	entries := h.ledger(t, acc.Escrow.ID)
	require.Len(t, entries, 2)
	require.Equal(t, market.LedgerRefund, entries[1].Kind)
	h.requireReconciled(t)
}

func TestCancelInProgressRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intent, agent, acc := h.accepted(t, "translate")
	_, err := h.coord.StartWork(ctx, acc.Match.ID)
	require.NoError(t, err)

	cancelled, err := h.coord.Cancel(ctx, intent.ID, "changed my mind")
	require.NoError(t, err)
	require.Equal(t, market.IntentCancelled, cancelled.Status)
	require.Equal(t, "changed my mind", cancelled.CancelReason)
	h.requireStatuses(t, intent.ID, market.IntentCancelled, agent.ID, market.AgentIdle)

	e, err := h.coord.EscrowForMatch(ctx, acc.Match.ID)
	require.NoError(t, err)
	require.Equal(t, market.EscrowRefunded, e.Status)
	stored, err := h.coord.GetMatch(ctx, acc.Match.ID)
	require.NoError(t, err)
	require.Equal(t, market.MatchRejected, stored.Status)
	require.True(t, h.gateway.Balance("platform-holding").IsZero())
	h.requireReconciled(t)

	again, err := h.coord.Cancel(ctx, intent.ID, "")
	require.NoError(t, err)
	require.Equal(t, market.IntentCancelled, again.Status)
	require.Len(t, h.ledger(t, e.ID), 2)
}

func TestCancelOpenIntentRejectsProposals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "agent-a", "translate")
	intent := h.intent(t, nil)
	match, err := h.coord.ProposeMatch(ctx, intent.ID, agent.ID)
	require.NoError(t, err)

	cancelled, err := h.coord.Cancel(ctx, intent.ID, "")
	require.NoError(t, err)
	require.Equal(t, market.IntentCancelled, cancelled.Status)

	stored, err := h.coord.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.MatchRejected, stored.Status)
	require.Zero(t, h.gateway.Transfers())

	_, err = h.coord.AcceptMatch(ctx, match.ID)
	require.ErrorIs(t, err, market.ErrStaleState)
}

func TestStartWorkPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.agent(t, "agent-a", "translate")
	intent := h.intent(t, nil)
	match, err := h.coord.ProposeMatch(ctx, intent.ID, agent.ID)
	require.NoError(t, err)

	_, err = h.coord.StartWork(ctx, match.ID)
	require.ErrorIs(t, err, market.ErrPreconditionFailed)
	_, err = h.coord.CompleteWork(ctx, match.ID)
	require.ErrorIs(t, err, market.ErrPreconditionFailed)
}

func TestDisputeResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intent, agent, acc := h.accepted(t, "translate")

	_, err := h.coord.Dispute(ctx, acc.Match.ID)
	require.ErrorIs(t, err, market.ErrPreconditionFailed)

	_, err = h.coord.StartWork(ctx, acc.Match.ID)
	require.NoError(t, err)
	disputed, err := h.coord.Dispute(ctx, acc.Match.ID)
	require.NoError(t, err)
	require.Equal(t, market.EscrowDisputed, disputed.Status)

	_, err = h.coord.Cancel(ctx, intent.ID, "")
	require.ErrorIs(t, err, market.ErrPreconditionFailed)
	_, err = h.coord.CompleteWork(ctx, acc.Match.ID)
	require.ErrorIs(t, err, market.ErrPreconditionFailed)

	_, err = h.coord.ResolveDispute(ctx, acc.Match.ID, Outcome("split"))
	require.Error(t, err)

	resolved, err := h.coord.ResolveDispute(ctx, acc.Match.ID, OutcomeRefund)
	require.NoError(t, err)
	require.Equal(t, market.IntentCancelled, resolved.Status)
	require.Equal(t, ReasonDisputeRefunded, resolved.CancelReason)
	h.requireStatuses(t, intent.ID, market.IntentCancelled, agent.ID, market.AgentIdle)
	h.requireReconciled(t)
}

func TestDisputeResolvedByRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intent, agent, acc := h.accepted(t, "translate")
	_, err := h.coord.StartWork(ctx, acc.Match.ID)
	require.NoError(t, err)
	_, err = h.coord.Dispute(ctx, acc.Match.ID)
	require.NoError(t, err)

	resolved, err := h.coord.ResolveDispute(ctx, acc.Match.ID, OutcomeRelease)
	require.NoError(t, err)
	require.Equal(t, market.IntentCompleted, resolved.Status)
	h.requireStatuses(t, intent.ID, market.IntentCompleted, agent.ID, market.AgentIdle)
	require.Equal(t, "100", h.gateway.Balance("agent-a-wallet").String())
	h.requireReconciled(t)
}

func TestCreateIntentValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	budget, err := market.NewMoney("10", "usd")
	require.NoError(t, err)
	past := h.clock.Now().Add(-time.Minute)

	cases := map[string]CreateIntentInput{
		"missing owner": {RequiredCapabilities: []string{"x"}, Budget: budget, Payer: "p"},
		"missing tags":  {Owner: "o", Budget: budget, Payer: "p"},
		"zero budget":   {Owner: "o", RequiredCapabilities: []string{"x"}, Budget: market.Money{Asset: "USD"}, Payer: "p"},
		"missing payer": {Owner: "o", RequiredCapabilities: []string{"x"}, Budget: budget},
		"past deadline": {Owner: "o", RequiredCapabilities: []string{"x"}, Budget: budget, Payer: "p", Deadline: &past},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.coord.CreateIntent(ctx, in)
			require.Error(t, err)
		})
	}
}
