package matching

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newEngine(t *testing.T) (*Engine, *market.MemoryStore) {
	t.Helper()
	clock := &stepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := market.NewMemoryStore(market.WithMemoryClock(clock.Now))
	return NewEngine(market.NewCommitter(store, market.WithClock(clock.Now))), store
}

func register(t *testing.T, e *Engine, name string, tags ...string) *market.Agent {
	t.Helper()
	agent, err := e.RegisterAgent(context.Background(), "owner-"+name, AgentProfile{Name: name, Capabilities: tags, Wallet: name + "-wallet"})
	require.NoError(t, err)
	return agent
}

func openIntent(t *testing.T, store *market.MemoryStore, id string, required []string, preferred []string) *market.Intent {
	t.Helper()
	budget, err := market.NewMoney("100", "USD")
	require.NoError(t, err)
	intent := &market.Intent{
		ID:                    id,
		Owner:                 "alice",
		RequiredCapabilities:  market.NormalizeTags(required),
		PreferredCapabilities: market.NormalizeTags(preferred),
		Budget:                budget,
		Payer:                 "alice-wallet",
		Status:                market.IntentOpen,
	}
	require.NoError(t, store.CreateIntent(context.Background(), intent))
	return intent
}

func TestFindCandidatesOrdering(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	older := register(t, e, "older", "go", "sql")
	newer := register(t, e, "newer", "go", "sql")
	best := register(t, e, "best", "go", "sql", "redis")
	register(t, e, "missing", "sql")
	disabled := register(t, e, "disabled", "go", "sql", "redis")
	_, err := e.SetAgentEnabled(ctx, disabled.ID, false)
	require.NoError(t, err)

	intent := openIntent(t, store, "i1", []string{"GO"}, []string{"redis", "sql"})
	candidates, err := e.FindCandidates(ctx, intent)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	require.Equal(t, best.ID, candidates[0].Agent.ID)
	require.Equal(t, 3, candidates[0].Score)
	require.Equal(t, newer.ID, candidates[1].Agent.ID)
	require.Equal(t, older.ID, candidates[2].Agent.ID)
	require.Equal(t, 2, candidates[2].Score)

	again, err := e.FindCandidates(ctx, intent)
	require.NoError(t, err)
	require.Equal(t, candidates, again)
}

func TestProposeMatchConflicts(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	agent := register(t, e, "a", "go")
	other := register(t, e, "b", "python")
	openIntent(t, store, "i1", []string{"go"}, nil)

	match, err := e.ProposeMatch(ctx, "i1", agent.ID)
	require.NoError(t, err)
	require.Equal(t, market.MatchProposed, match.Status)
	require.Equal(t, int64(1), match.Version)

	_, err = e.ProposeMatch(ctx, "i1", agent.ID)
	require.ErrorIs(t, err, market.ErrConflict)

	_, err = e.ProposeMatch(ctx, "i1", other.ID)
	require.ErrorIs(t, err, market.ErrConflict)

	_, err = e.ProposeMatch(ctx, "missing", agent.ID)
	require.ErrorIs(t, err, market.ErrIntentNotFound)

	intent, err := store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, market.IntentOpen, intent.Status)
	stored, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, market.AgentIdle, stored.Status)
}

func TestAcceptMatchSupersedesSiblings(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	a := register(t, e, "a", "go")
	b := register(t, e, "b", "go")
	openIntent(t, store, "i1", []string{"go"}, nil)

	ma, err := e.ProposeMatch(ctx, "i1", a.ID)
	require.NoError(t, err)
	mb, err := e.ProposeMatch(ctx, "i1", b.ID)
	require.NoError(t, err)

	accepted, err := e.AcceptMatch(ctx, ma.ID)
	require.NoError(t, err)
	require.Equal(t, market.MatchAccepted, accepted.Status)

	sibling, err := store.GetMatch(ctx, mb.ID)
	require.NoError(t, err)
	require.Equal(t, market.MatchSuperseded, sibling.Status)

	intent, err := store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, market.IntentMatched, intent.Status)
	require.Equal(t, ma.ID, intent.MatchID)

	agent, err := store.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, market.AgentMatched, agent.Status)

	_, err = e.AcceptMatch(ctx, mb.ID)
	require.ErrorIs(t, err, market.ErrStaleState)
	_, err = e.RejectMatch(ctx, ma.ID)
	require.ErrorIs(t, err, market.ErrStaleState)
}

func TestAcceptMatchIsAtomicUnderFault(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	a := register(t, e, "a", "go")
	openIntent(t, store, "i1", []string{"go"}, nil)
	match, err := e.ProposeMatch(ctx, "i1", a.ID)
	require.NoError(t, err)

	store.SetApplyHook(func(step string) error {
		if strings.HasPrefix(step, "intent:") {
			return stdErrors.New("injected crash")
		}
		return nil
	})
	_, err = e.AcceptMatch(ctx, match.ID)
	require.Error(t, err)
	require.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))

	stored, err := store.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, market.MatchProposed, stored.Status)
	require.Equal(t, int64(1), stored.Version)
	intent, err := store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, market.IntentOpen, intent.Status)
	require.Empty(t, intent.MatchID)
	agent, err := store.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, market.AgentIdle, agent.Status)

	store.SetApplyHook(nil)
	_, err = e.AcceptMatch(ctx, match.ID)
	require.NoError(t, err)
}

func TestConcurrentAcceptHasSingleWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		e, store := newEngine(t)
		ctx := context.Background()
		a := register(t, e, "a", "go")
		b := register(t, e, "b", "go")
		openIntent(t, store, "i1", []string{"go"}, nil)
		ma, err := e.ProposeMatch(ctx, "i1", a.ID)
		require.NoError(t, err)
		mb, err := e.ProposeMatch(ctx, "i1", b.ID)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, id := range []string{ma.ID, mb.ID} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				_, errs[i] = e.AcceptMatch(ctx, id)
			}(i, id)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			require.ErrorIs(t, err, market.ErrStaleState)
		}
		require.Equal(t, 1, winners)

		accepted, err := store.ListMatches(ctx, market.MatchFilter{IntentID: "i1", Statuses: []market.MatchStatus{market.MatchAccepted}})
		require.NoError(t, err)
		require.Len(t, accepted, 1)
		superseded, err := store.ListMatches(ctx, market.MatchFilter{IntentID: "i1", Statuses: []market.MatchStatus{market.MatchSuperseded}})
		require.NoError(t, err)
		require.Len(t, superseded, 1)
	}
}

func TestAgentRegistry(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	_, err := e.RegisterAgent(ctx, "bob", AgentProfile{Capabilities: []string{" "}, Wallet: "w"})
	require.Error(t, err)
	_, err = e.RegisterAgent(ctx, "bob", AgentProfile{Capabilities: []string{"go"}})
	require.Error(t, err)

	agent := register(t, e, "a", "Go", "go", "SQL")
	require.Equal(t, []string{"go", "sql"}, agent.Capabilities)

	updated, err := e.UpdateAgentProfile(ctx, agent.ID, AgentProfile{Capabilities: []string{"rust"}})
	require.NoError(t, err)
	require.Equal(t, []string{"rust"}, updated.Capabilities)
	require.Equal(t, "a-wallet", updated.Wallet)
	require.Equal(t, int64(2), updated.Version)

	openIntent(t, store, "i1", []string{"rust"}, nil)
	match, err := e.ProposeMatch(ctx, "i1", agent.ID)
	require.NoError(t, err)

	err = e.DeleteAgent(ctx, agent.ID)
	require.ErrorIs(t, err, market.ErrConflict)

	_, err = e.RejectMatch(ctx, match.ID)
	require.NoError(t, err)
	require.NoError(t, e.DeleteAgent(ctx, agent.ID))
	_, err = e.GetAgent(ctx, agent.ID)
	require.ErrorIs(t, err, market.ErrAgentNotFound)
}

func TestSetAgentEnabledRejectsMatchedAgent(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	agent := register(t, e, "a", "go")
	openIntent(t, store, "i1", []string{"go"}, nil)
	match, err := e.ProposeMatch(ctx, "i1", agent.ID)
	require.NoError(t, err)
	_, err = e.AcceptMatch(ctx, match.ID)
	require.NoError(t, err)

	_, err = e.SetAgentEnabled(ctx, agent.ID, false)
	require.ErrorIs(t, err, market.ErrConflict)
}

// proposeBeforeDelete 在删除真正执行前插入一次撮合提议。
type proposeBeforeDelete struct {
	*market.MemoryStore
	once    sync.Once
	propose func()
}

func (s *proposeBeforeDelete) DeleteAgent(ctx context.Context, id string, version int64) error {
	s.once.Do(s.propose)
	return s.MemoryStore.DeleteAgent(ctx, id, version)
}

func TestDeleteAgentLosesToConcurrentProposal(t *testing.T) {
	proposer, store := newEngine(t)
	ctx := context.Background()
	agent := register(t, proposer, "a", "go")
	openIntent(t, store, "i1", []string{"go"}, nil)

	var match *market.Match
	racing := &proposeBeforeDelete{MemoryStore: store}
	racing.propose = func() {
		var err error
		match, err = proposer.ProposeMatch(ctx, "i1", agent.ID)
		require.NoError(t, err)
	}
	deleter := NewEngine(market.NewCommitter(racing))

	err := deleter.DeleteAgent(ctx, agent.ID)
	require.ErrorIs(t, err, market.ErrConflict)
	require.NotNil(t, match)

	stored, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Version)
	active, err := deleter.ActiveMatches(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, match.ID, active[0].ID)
}
