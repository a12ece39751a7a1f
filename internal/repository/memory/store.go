// Package memory — потокобезопасное in-memory хранилище для локального запуска без Postgres и для тестов.
// Семантика операций совпадает с postgres-репозиториями: все мутации атомарны под мьютексом.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/toxguard/internal/audit"
	"github.com/xela07ax/toxguard/internal/domain"
)

type Store struct {
	mu          sync.RWMutex
	credentials map[string]*domain.Credential
	records     map[string]*domain.ModerationRecord
	events      []audit.AuditEvent

	// FailWrites — заставляет WriteBatch возвращать ошибку (имитация отказа БД).
	FailWrites error
}

func NewStore() *Store {
	return &Store{
		credentials: make(map[string]*domain.Credential),
		records:     make(map[string]*domain.ModerationRecord),
	}
}

// --- Credentials ---

func (s *Store) NextActive(_ context.Context) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.Credential
	for _, c := range s.credentials {
		if !c.Active {
			continue
		}
		if best == nil || c.Less(best) {
			best = c
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	return cloneCredential(best), nil
}

func (s *Store) RecordSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.FailureCount = 0
	c.LastUsedAt = &at
	c.UpdatedAt = at
	return nil
}

func (s *Store) RecordFailure(_ context.Context, id string, threshold int) (domain.FailureOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok {
		return domain.FailureOutcome{}, domain.ErrNotFound
	}
	wasActive := c.Active
	c.FailureCount++
	if c.FailureCount >= threshold {
		c.Active = false
	}
	c.UpdatedAt = time.Now()
	return domain.FailureOutcome{
		FailureCount: c.FailureCount,
		Deactivated:  wasActive && !c.Active,
	}, nil
}

func (s *Store) CreateCredential(_ context.Context, c *domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.ID] = cloneCredential(c)
	return nil
}

func (s *Store) SetCredentialActive(_ context.Context, id string, active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if c.Active == active {
		return false, nil
	}
	c.Active = active
	if active {
		c.FailureCount = 0
	}
	c.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) ListCredentials(_ context.Context) ([]*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, cloneCredential(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CountCredentials(_ context.Context) (active, inactive int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.credentials {
		if c.Active {
			active++
		} else {
			inactive++
		}
	}
	return active, inactive, nil
}

// GetCredential — для тестов и админки.
func (s *Store) GetCredential(_ context.Context, id string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneCredential(c), nil
}

// --- Moderation records ---

func (s *Store) CreateRecord(_ context.Context, r *domain.ModerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = cloneRecord(r)
	return nil
}

func (s *Store) GetRecord(_ context.Context, id string) (*domain.ModerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRecord(r), nil
}

// TransitionRecord — compare-and-set по текущему состоянию и отсутствию override.
func (s *Store) TransitionRecord(_ context.Context, id string, t domain.Transition, actorRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.State != t.From || (t.Override && r.Override != nil) {
		return domain.ErrInvalidTransition
	}
	r.Apply(t, actorRef, at)
	return nil
}

func (s *Store) ListRecords(_ context.Context, f domain.ModerationFilter) ([]*domain.ModerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ModerationRecord, 0)
	for _, r := range s.records {
		if f.State != "" && r.State != f.State {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountByState(_ context.Context) (map[domain.ModerationState]int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.ModerationState]int64)
	var overridden int64
	for _, r := range s.records {
		counts[r.State]++
		if r.Override != nil {
			overridden++
		}
	}
	return counts, overridden, nil
}

// --- Audit ---

func (s *Store) WriteBatch(_ context.Context, events []audit.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) QueryEvents(_ context.Context, f audit.Filter) ([]audit.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	text := strings.ToLower(f.Text)
	out := make([]audit.AuditEvent, 0)
	// Обход с конца: при равных метках времени позже добавленные окажутся выше
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.ActorRef != "" && e.ActorRef != f.ActorRef {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(e.Message), text) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Events — все сохраненные события в порядке записи (для тестов).
func (s *Store) Events() []audit.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

func cloneCredential(c *domain.Credential) *domain.Credential {
	cp := *c
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

func cloneRecord(r *domain.ModerationRecord) *domain.ModerationRecord {
	cp := *r
	if r.Override != nil {
		o := *r.Override
		cp.Override = &o
	}
	return &cp
}
