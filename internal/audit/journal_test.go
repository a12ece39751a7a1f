package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xela07ax/toxguard/internal/audit"
	"github.com/xela07ax/toxguard/internal/domain"
	"github.com/xela07ax/toxguard/internal/infra"
	"github.com/xela07ax/toxguard/internal/repository/memory"
)

func newObservedJournal(store *memory.Store, opts ...audit.Option) (*audit.Journal, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return audit.NewJournal(audit.NewDirectSink(store), store, zap.New(core), opts...), logs
}

func TestJournal_MinSeverityFiltersOperationalStreamOnly(t *testing.T) {
	store := memory.NewStore()
	j, logs := newObservedJournal(store, audit.WithMinSeverity(audit.SeverityWarn))
	ctx := context.Background()

	j.Append(ctx, audit.AuditEvent{Severity: audit.SeverityInfo, Category: audit.CategoryClassification, Message: "classified"})
	j.Append(ctx, audit.AuditEvent{Severity: audit.SeverityError, Category: audit.CategoryCredentialDeactivated, Message: "deactivated"})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "deactivated", entries[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)

	// Персистентный сток получает все события независимо от порога
	assert.Len(t, store.Events(), 2)
}

func TestJournal_FillsDefaults(t *testing.T) {
	store := memory.NewStore()
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	j, _ := newObservedJournal(store, audit.WithClock(func() time.Time { return fixed }))
	ctx := infra.WithTraceID(context.Background(), "trace-42")

	j.Append(ctx, audit.AuditEvent{Category: audit.CategoryModerationStateChange, ActorRef: "mod-1", Message: "state changed"})

	events := store.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, fixed, e.Timestamp)
	assert.Equal(t, audit.SeverityInfo, e.Severity)
	assert.Equal(t, "trace-42", e.TraceID)
	assert.Equal(t, "mod-1", e.ActorRef)
}

func TestJournal_PersistenceFailureIsSwallowed(t *testing.T) {
	store := memory.NewStore()
	store.FailWrites = errors.New("db down")
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_audit_failures"})
	j, logs := newObservedJournal(store, audit.WithFailureCounter(counter))

	assert.NotPanics(t, func() {
		j.Append(context.Background(), audit.AuditEvent{Category: audit.CategoryClassification, Message: "classified"})
	})

	failures := logs.FilterMessage("audit persistence failure").All()
	require.Len(t, failures, 1)
	errField, ok := failures[0].ContextMap()["error"].(string)
	require.True(t, ok)
	assert.Contains(t, errField, domain.ErrAuditPersistence.Error())
	assert.Contains(t, errField, "db down")
	assert.Equal(t, 1.0, testutil.ToFloat64(counter))
}

func TestJournal_PublishesToLiveStream(t *testing.T) {
	store := memory.NewStore()
	hub := audit.NewHub()
	j, _ := newObservedJournal(store, audit.WithLive(hub), audit.WithMinSeverity(audit.SeverityWarn))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := hub.Subscribe(ctx)

	j.Append(ctx, audit.AuditEvent{Severity: audit.SeverityDebug, Category: audit.CategoryClassification, Message: "quiet"})
	j.Append(ctx, audit.AuditEvent{Severity: audit.SeverityWarn, Category: audit.CategoryCredentialFailover, Message: "loud"})

	select {
	case e := <-sub:
		assert.Equal(t, "loud", e.Message)
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
	select {
	case e := <-sub:
		t.Fatalf("unexpected live event %q below min severity", e.Message)
	default:
	}
}

func TestHub_SubscriptionClosesOnCancel(t *testing.T) {
	hub := audit.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	sub := hub.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-sub:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	require.NoError(t, hub.Publish(context.Background(), audit.AuditEvent{Message: "after close"}))
}

func TestJournal_Query(t *testing.T) {
	store := memory.NewStore()
	j, _ := newObservedJournal(store)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	seed := []audit.AuditEvent{
		{Timestamp: base, Category: audit.CategoryCredentialAdded, ActorRef: "admin-1", Message: "credential added to pool"},
		{Timestamp: base.Add(time.Minute), Category: audit.CategoryModerationStateChange, ActorRef: "mod-1", Message: "Record approved"},
		{Timestamp: base.Add(2 * time.Minute), Category: audit.CategoryModerationOverride, ActorRef: "mod-2", Message: "record override"},
		{Timestamp: base.Add(3 * time.Minute), Category: audit.CategoryClassification, Message: "text classified"},
	}
	for _, e := range seed {
		j.Append(ctx, e)
	}

	tests := []struct {
		name string
		f    audit.Filter
		want []string
	}{
		{name: "all newest first", f: audit.Filter{}, want: []string{"text classified", "record override", "Record approved", "credential added to pool"}},
		{name: "by actor", f: audit.Filter{ActorRef: "mod-1"}, want: []string{"Record approved"}},
		{name: "by category", f: audit.Filter{Category: audit.CategoryModerationOverride}, want: []string{"record override"}},
		{name: "text case insensitive", f: audit.Filter{Text: "RECORD"}, want: []string{"record override", "Record approved"}},
		{name: "time range", f: audit.Filter{From: base.Add(time.Minute), To: base.Add(2 * time.Minute)}, want: []string{"record override", "Record approved"}},
		{name: "limit", f: audit.Filter{Limit: 1}, want: []string{"text classified"}},
		{name: "no match", f: audit.Filter{ActorRef: "nobody"}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := j.Query(ctx, tt.f)
			require.NoError(t, err)
			got := make([]string, 0, len(events))
			for _, e := range events {
				got = append(got, e.Message)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := j.Query(ctx, audit.Filter{Category: "BOGUS"})
	assert.Error(t, err)
}

func TestFilter_Normalize(t *testing.T) {
	assert.Equal(t, audit.DefaultQueryLimit, audit.Filter{}.Normalize().Limit)
	assert.Equal(t, audit.MaxQueryLimit, audit.Filter{Limit: 5000}.Normalize().Limit)
	assert.Equal(t, 7, audit.Filter{Limit: 7}.Normalize().Limit)
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, audit.SeverityWarn, audit.ParseSeverity("warning"))
	assert.Equal(t, audit.SeverityDebug, audit.ParseSeverity("debug"))
	assert.Equal(t, audit.SeverityInfo, audit.ParseSeverity("loud"))
}
