package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/toxguard/internal/audit"
	"github.com/xela07ax/toxguard/internal/domain"
	"github.com/xela07ax/toxguard/internal/infra"
)

// Интеграционные тесты: нужен живой Postgres в TOXGUARD_TEST_DB_URL.
func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TOXGUARD_TEST_DB_URL")
	if url == "" {
		t.Skip("TOXGUARD_TEST_DB_URL is not set")
	}

	ctx := context.Background()
	pool, err := Open(ctx, infra.DatabaseConfig{URL: url, MaxConns: 10})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(pool))
	require.NoError(t, RunMigrations(pool), "migrations are idempotent")

	_, err = pool.Exec(ctx, `TRUNCATE credentials, moderation_records, audit_events`)
	require.NoError(t, err)
	return pool
}

func newCredential(id string, failures int, lastUsed *time.Time) *domain.Credential {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Credential{
		ID:           id,
		Label:        id,
		Secret:       "sealed-" + domain.SealedSecret(id),
		Active:       true,
		FailureCount: failures,
		LastUsedAt:   lastUsed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCredentialRepo_Selection(t *testing.T) {
	repo := NewCredentialRepo(openTestDB(t))
	ctx := context.Background()

	_, err := repo.NextActive(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	require.NoError(t, repo.CreateCredential(ctx, newCredential("a", 4, nil)))
	require.NoError(t, repo.CreateCredential(ctx, newCredential("b", 0, &late)))
	require.NoError(t, repo.CreateCredential(ctx, newCredential("c", 0, &early)))

	c, err := repo.NextActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID, "equal failures: least recently used")

	_, err = repo.SetCredentialActive(ctx, "c", false)
	require.NoError(t, err)
	c, err = repo.NextActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
}

func TestCredentialRepo_FailureThresholdUnderConcurrency(t *testing.T) {
	repo := NewCredentialRepo(openTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.CreateCredential(ctx, newCredential("hot", 0, nil)))

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	deactivations := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := repo.RecordFailure(ctx, "hot", 5)
			assert.NoError(t, err)
			if out.Deactivated {
				mu.Lock()
				deactivations++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	c, err := repo.GetCredential(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, workers, c.FailureCount, "no lost increments")
	assert.False(t, c.Active)
	assert.Equal(t, 1, deactivations)

	changed, err := repo.SetCredentialActive(ctx, "hot", true)
	require.NoError(t, err)
	assert.True(t, changed)
	c, err = repo.GetCredential(ctx, "hot")
	require.NoError(t, err)
	assert.Zero(t, c.FailureCount)

	_, err = repo.SetCredentialActive(ctx, "missing", true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCredentialRepo_SuccessResets(t *testing.T) {
	repo := NewCredentialRepo(openTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.CreateCredential(ctx, newCredential("k", 3, nil)))

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.RecordSuccess(ctx, "k", at))

	c, err := repo.GetCredential(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, c.FailureCount)
	require.NotNil(t, c.LastUsedAt)
	assert.True(t, at.Equal(*c.LastUsedAt))

	active, inactive, err := repo.CountCredentials(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, active)
	assert.Zero(t, inactive)
}

func TestModerationRepo_TransitionCompareAndSet(t *testing.T) {
	repo := NewModerationRepo(openTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := &domain.ModerationRecord{
		ID: uuid.New().String(), Text: "text", SubmitterRef: "user-1", SourceRef: "post-1",
		Verdict: domain.Verdict{IsFlagged: true, ClassifiedAt: now},
		State:   domain.StatePending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, repo.CreateRecord(ctx, rec))

	toRejected := domain.Transition{From: domain.StatePending, To: domain.StateRejected}
	require.NoError(t, repo.TransitionRecord(ctx, rec.ID, toRejected, "actor1", now))
	assert.ErrorIs(t, repo.TransitionRecord(ctx, rec.ID, toRejected, "actor1", now), domain.ErrInvalidTransition)

	flip := domain.Transition{From: domain.StateRejected, To: domain.StateApproved, Override: true}
	require.NoError(t, repo.TransitionRecord(ctx, rec.ID, flip, "actor2", now))

	back := domain.Transition{From: domain.StateApproved, To: domain.StateRejected, Override: true}
	assert.ErrorIs(t, repo.TransitionRecord(ctx, rec.ID, back, "actor3", now), domain.ErrInvalidTransition)

	got, err := repo.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, got.State)
	require.NotNil(t, got.Override)
	assert.Equal(t, "actor2", got.Override.By)

	assert.ErrorIs(t, repo.TransitionRecord(ctx, "missing", toRejected, "actor1", now), domain.ErrNotFound)

	counts, overridden, err := repo.CountByState(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[domain.StateApproved])
	assert.EqualValues(t, 1, overridden)
}

func TestAuditRepo_QueryAndAppendOnly(t *testing.T) {
	pool := openTestDB(t)
	repo := NewAuditRepo(pool)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	events := []audit.AuditEvent{
		{ID: uuid.New().String(), Timestamp: base, Severity: audit.SeverityInfo, Category: audit.CategoryCredentialAdded, ActorRef: "admin-1", Message: "credential added"},
		{ID: uuid.New().String(), Timestamp: base.Add(time.Minute), Severity: audit.SeverityWarn, Category: audit.CategoryModerationOverride, ActorRef: "mod-2", Message: "decision 100% overridden",
			Metadata: map[string]interface{}{"from": "rejected", "to": "approved"}},
		{ID: uuid.New().String(), Timestamp: base.Add(2 * time.Minute), Severity: audit.SeverityError, Category: audit.CategoryCredentialDeactivated, Message: "credential deactivated"},
	}
	require.NoError(t, repo.WriteBatch(ctx, events))

	all, err := repo.QueryEvents(ctx, audit.Filter{}.Normalize())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, events[2].ID, all[0].ID, "newest first")
	assert.Empty(t, all[0].ActorRef, "system event has no actor")

	byActor, err := repo.QueryEvents(ctx, audit.Filter{ActorRef: "mod-2"}.Normalize())
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "approved", byActor[0].Metadata["to"])

	byText, err := repo.QueryEvents(ctx, audit.Filter{Text: "100%"}.Normalize())
	require.NoError(t, err)
	assert.Len(t, byText, 1)

	byRange, err := repo.QueryEvents(ctx, audit.Filter{From: base.Add(time.Minute), Category: audit.CategoryCredentialDeactivated}.Normalize())
	require.NoError(t, err)
	assert.Len(t, byRange, 1)

	_, err = pool.Exec(ctx, `DELETE FROM audit_events`)
	assert.Error(t, err, "audit_events rejects deletes")
}
