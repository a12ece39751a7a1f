package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/audit"
	"github.com/xela07ax/toxguard/internal/domain"
	"github.com/xela07ax/toxguard/internal/keypool"
	"github.com/xela07ax/toxguard/internal/repository/memory"
)

// stubClassifier возвращает заранее заданные ответы по очереди.
type stubClassifier struct {
	mu      sync.Mutex
	results []stubResult
	calls   int
}

type stubResult struct {
	verdict domain.Verdict
	err     error
}

func (c *stubClassifier) Classify(_ context.Context, _, _ string) (domain.Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.results[c.calls%len(c.results)]
	c.calls++
	return r.verdict, r.err
}

func flagged(v bool) stubResult {
	return stubResult{verdict: domain.Verdict{IsFlagged: v, ClassifiedAt: time.Now(), CredentialID: "cred-1"}}
}

func failed(cause error) stubResult {
	return stubResult{err: &domain.ClassificationError{Cause: cause, CredentialID: "cred-1", Err: errors.New("boom")}}
}

func newTestService(t *testing.T, attempts uint, results ...stubResult) (*Service, *memory.Store, *stubClassifier) {
	t.Helper()
	store := memory.NewStore()
	journal := audit.NewJournal(audit.NewDirectSink(store), store, zap.NewNop())
	cls := &stubClassifier{results: results}
	sealer, err := keypool.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	pool := keypool.New(store, sealer, journal, zap.NewNop())
	svc := NewService(store, cls, journal, pool, Config{ClassifyAttempts: attempts, RetryDelay: time.Millisecond}, zap.NewNop())
	return svc, store, cls
}

func eventsOf(store *memory.Store, cat audit.Category) []audit.AuditEvent {
	var out []audit.AuditEvent
	for _, e := range store.Events() {
		if e.Category == cat {
			out = append(out, e)
		}
	}
	return out
}

func TestCreate_LandsInPendingWithVerdict(t *testing.T) {
	svc, store, _ := newTestService(t, 1, flagged(true))

	rec, err := svc.Create(context.Background(), CreateInput{Text: "you are awful", SubmitterRef: "user-1", SourceRef: "post-9"})
	require.NoError(t, err)

	assert.Equal(t, domain.StatePending, rec.State)
	assert.True(t, rec.Verdict.IsFlagged)
	assert.Equal(t, domain.StateRejected, rec.SuggestedState())
	assert.Nil(t, rec.Override)

	stored, err := store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "post-9", stored.SourceRef)

	events := eventsOf(store, audit.CategoryClassification)
	require.Len(t, events, 1)
	assert.Equal(t, rec.ID, events[0].Metadata["record_id"])
	assert.Equal(t, "cred-1", events[0].Metadata["credential_id"])
}

func TestCreate_FailurePersistsNothing(t *testing.T) {
	tests := []struct {
		name  string
		cause error
	}{
		{name: "no credential", cause: domain.ErrNoCredentialAvailable},
		{name: "provider error", cause: domain.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService(t, 1, failed(tt.cause))

			rec, err := svc.Create(context.Background(), CreateInput{Text: "hello", SubmitterRef: "user-1"})
			require.ErrorIs(t, err, tt.cause)
			assert.Nil(t, rec)

			list, err := store.ListRecords(context.Background(), domain.ModerationFilter{})
			require.NoError(t, err)
			assert.Empty(t, list)
			assert.Len(t, eventsOf(store, audit.CategoryClassificationFailed), 1)
		})
	}
}

func TestCreate_RetriesProviderErrorOnly(t *testing.T) {
	t.Run("provider error then success", func(t *testing.T) {
		svc, _, cls := newTestService(t, 3, failed(domain.ErrProviderError), flagged(false))

		rec, err := svc.Create(context.Background(), CreateInput{Text: "hello"})
		require.NoError(t, err)
		assert.False(t, rec.Verdict.IsFlagged)
		assert.Equal(t, 2, cls.calls)
	})

	t.Run("no credential is terminal", func(t *testing.T) {
		svc, _, cls := newTestService(t, 3, failed(domain.ErrNoCredentialAvailable))

		_, err := svc.Create(context.Background(), CreateInput{Text: "hello"})
		require.ErrorIs(t, err, domain.ErrNoCredentialAvailable)
		assert.Equal(t, 1, cls.calls)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		svc, _, cls := newTestService(t, 2, failed(domain.ErrProviderError))

		_, err := svc.Create(context.Background(), CreateInput{Text: "hello"})
		require.ErrorIs(t, err, domain.ErrProviderError)
		assert.Equal(t, 2, cls.calls)
	})
}

func TestCreate_EmptyText(t *testing.T) {
	svc, _, cls := newTestService(t, 1, flagged(false))

	_, err := svc.Create(context.Background(), CreateInput{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Zero(t, cls.calls)
}

func TestSetState_OverrideScenario(t *testing.T) {
	svc, store, _ := newTestService(t, 1, flagged(true))
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateInput{Text: "toxic", SubmitterRef: "user-1"})
	require.NoError(t, err)

	rec, err = svc.SetState(ctx, rec.ID, domain.StateRejected, "actor1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, rec.State)

	rec, err = svc.SetState(ctx, rec.ID, domain.StateApproved, "actor2", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, rec.State)
	require.NotNil(t, rec.Override)
	assert.Equal(t, "actor2", rec.Override.By)

	_, err = svc.SetState(ctx, rec.ID, domain.StateRejected, "actor3", true)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, stored.State)
	assert.Equal(t, "actor2", stored.Override.By)

	changes := eventsOf(store, audit.CategoryModerationStateChange)
	require.Len(t, changes, 1)
	assert.Equal(t, "actor1", changes[0].ActorRef)
	assert.Equal(t, "pending", changes[0].Metadata["from"])
	assert.Equal(t, "rejected", changes[0].Metadata["to"])

	overrides := eventsOf(store, audit.CategoryModerationOverride)
	require.Len(t, overrides, 1)
	assert.Equal(t, "actor2", overrides[0].ActorRef)
	assert.Equal(t, "rejected", overrides[0].Metadata["from"])
	assert.Equal(t, "approved", overrides[0].Metadata["to"])
}

func TestSetState_DeletedIsAbsorbing(t *testing.T) {
	svc, store, _ := newTestService(t, 1, flagged(false))
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateInput{Text: "fine"})
	require.NoError(t, err)
	_, err = svc.SetState(ctx, rec.ID, domain.StateDeleted, "mod-1", false)
	require.NoError(t, err)

	before := len(store.Events())
	for _, next := range []domain.ModerationState{domain.StatePending, domain.StateApproved, domain.StateRejected, domain.StateDeleted} {
		for _, override := range []bool{false, true} {
			_, err := svc.SetState(ctx, rec.ID, next, "mod-2", override)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition, "%s override=%t", next, override)
		}
	}
	assert.Len(t, store.Events(), before, "failed transitions leave no audit trail")
}

func TestSetState_OneAuditEventPerTransition(t *testing.T) {
	svc, store, _ := newTestService(t, 1, flagged(false))
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateInput{Text: "fine"})
	require.NoError(t, err)
	before := len(store.Events())

	_, err = svc.SetState(ctx, rec.ID, domain.StateApproved, "mod-1", false)
	require.NoError(t, err)
	assert.Len(t, store.Events(), before+1)
}

func TestSetState_ConcurrentModeratorsOneWinner(t *testing.T) {
	svc, store, _ := newTestService(t, 1, flagged(false))
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateInput{Text: "fine"})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := domain.StateApproved
			if i%2 == 0 {
				next = domain.StateRejected
			}
			if _, err := svc.SetState(ctx, rec.ID, next, "mod", false); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, eventsOf(store, audit.CategoryModerationStateChange), 1)
}

func TestSetState_UnknownRecord(t *testing.T) {
	svc, _, _ := newTestService(t, 1, flagged(false))

	_, err := svc.SetState(context.Background(), "missing", domain.StateApproved, "mod-1", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetState_ObserverSeesCommittedTransition(t *testing.T) {
	svc, _, _ := newTestService(t, 1, flagged(true))
	var seen []domain.Transition
	svc.WithTransitionObserver(func(tr domain.Transition) { seen = append(seen, tr) })
	ctx := context.Background()

	rec, err := svc.Create(ctx, CreateInput{Text: "toxic"})
	require.NoError(t, err)
	_, err = svc.SetState(ctx, rec.ID, domain.StateRejected, "mod-1", false)
	require.NoError(t, err)
	_, _ = svc.SetState(ctx, rec.ID, domain.StateRejected, "mod-1", false)

	require.Len(t, seen, 1)
	assert.Equal(t, domain.Transition{From: domain.StatePending, To: domain.StateRejected}, seen[0])
}

func TestListAndStats(t *testing.T) {
	svc, store, _ := newTestService(t, 1, flagged(true), flagged(false))
	ctx := context.Background()
	require.NoError(t, store.CreateCredential(ctx, &domain.Credential{ID: "cred-on", Active: true}))
	require.NoError(t, store.CreateCredential(ctx, &domain.Credential{ID: "cred-off", Active: false, FailureCount: 5}))

	first, err := svc.Create(ctx, CreateInput{Text: "one"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{Text: "two"})
	require.NoError(t, err)
	_, err = svc.SetState(ctx, first.ID, domain.StateRejected, "mod-1", false)
	require.NoError(t, err)

	pending, err := svc.List(ctx, domain.ModerationFilter{State: domain.StatePending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "two", pending[0].Text)

	_, err = svc.List(ctx, domain.ModerationFilter{State: "archived"})
	assert.Error(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ByState[domain.StatePending])
	assert.EqualValues(t, 1, stats.ByState[domain.StateRejected])
	assert.Zero(t, stats.Overridden)
	assert.EqualValues(t, 1, stats.ActiveCredentials)
	assert.EqualValues(t, 1, stats.InactiveCredentials)
}
