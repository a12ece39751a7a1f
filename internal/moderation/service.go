package moderation

/*
Файл service.go — сервис модерации: создание записей через шлюз классификации
и переходы конечного автомата со следом в журнале аудита.

- Create: классификация с повторами (решение вызывающей стороны, не шлюза). Без вердикта
  запись не создается: "неклассифицировано" лучше выдуманного решения.
- SetState: план перехода проверяется в памяти, затем фиксируется compare-and-set в хранилище.
  Гонку двух модераторов выигрывает один, второй получает ErrInvalidTransition.
- Каждый зафиксированный переход — ровно одно событие аудита.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/audit"
	"github.com/xela07ax/toxguard/internal/connectors"
	"github.com/xela07ax/toxguard/internal/domain"
)

// Classifier — шлюз классификации.
type Classifier interface {
	Classify(ctx context.Context, text, submitterRef string) (domain.Verdict, error)
}

// Repository — хранилище записей модерации.
type Repository interface {
	CreateRecord(ctx context.Context, r *domain.ModerationRecord) error
	GetRecord(ctx context.Context, id string) (*domain.ModerationRecord, error)
	// TransitionRecord применяет переход, только если запись все еще в t.From
	// (и, для override, еще не имеет отметки). Иначе domain.ErrInvalidTransition.
	TransitionRecord(ctx context.Context, id string, t domain.Transition, actorRef string, at time.Time) error
	ListRecords(ctx context.Context, f domain.ModerationFilter) ([]*domain.ModerationRecord, error)
	CountByState(ctx context.Context) (map[domain.ModerationState]int64, int64, error)
}

// CredentialCounter — для сводной статистики.
type CredentialCounter interface {
	Counts(ctx context.Context) (active, inactive int64, err error)
}

type Config struct {
	// ClassifyAttempts — сколько раз Create вызывает шлюз при ProviderError
	ClassifyAttempts uint
	RetryDelay       time.Duration
}

// TransitionObserver — хук для метрик переходов, может быть nil.
type TransitionObserver func(t domain.Transition)

type Service struct {
	repo        Repository
	classifier  Classifier
	auditor     audit.Appender
	credentials CredentialCounter
	cfg         Config
	observe     TransitionObserver
	logger      *zap.Logger
	now         func() time.Time
}

type CreateInput struct {
	Text         string `json:"text"`
	SubmitterRef string `json:"submitter_ref"`
	SourceRef    string `json:"source_ref"`
}

var ErrEmptyText = errors.New("moderation: text is required")

func NewService(repo Repository, classifier Classifier, auditor audit.Appender, credentials CredentialCounter, cfg Config, logger *zap.Logger) *Service {
	if cfg.ClassifyAttempts == 0 {
		cfg.ClassifyAttempts = 1
	}
	return &Service{
		repo:        repo,
		classifier:  classifier,
		auditor:     auditor,
		credentials: credentials,
		cfg:         cfg,
		logger:      logger.Named("moderation"),
		now:         time.Now,
	}
}

// WithTransitionObserver подключает хук (метрики) для зафиксированных переходов.
func (s *Service) WithTransitionObserver(fn TransitionObserver) *Service {
	s.observe = fn
	return s
}

// Create классифицирует текст и сохраняет запись в состоянии pending.
// Ошибка классификации возвращается как есть (*domain.ClassificationError), запись не создается.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.ModerationRecord, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, ErrEmptyText
	}

	verdict, err := s.classify(ctx, in.Text, in.SubmitterRef)
	if err != nil {
		var cerr *domain.ClassificationError
		meta := map[string]interface{}{
			"submitter_ref": in.SubmitterRef,
			"source_ref":    in.SourceRef,
			"reason":        "provider_error",
		}
		if errors.Is(err, domain.ErrNoCredentialAvailable) {
			meta["reason"] = "no_credential_available"
		}
		if errors.As(err, &cerr) && cerr.CredentialID != "" {
			meta["credential_id"] = cerr.CredentialID
		}
		s.auditor.Append(ctx, audit.AuditEvent{
			Severity: audit.SeverityWarn,
			Category: audit.CategoryClassificationFailed,
			Message:  "submission could not be classified",
			Metadata: meta,
		})
		return nil, err
	}

	now := s.now()
	rec := &domain.ModerationRecord{
		ID:           uuid.New().String(),
		Text:         in.Text,
		SubmitterRef: in.SubmitterRef,
		SourceRef:    in.SourceRef,
		Verdict:      verdict,
		State:        domain.StatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("moderation: save record: %w", err)
	}

	s.auditor.Append(ctx, audit.AuditEvent{
		Severity: audit.SeverityInfo,
		Category: audit.CategoryClassification,
		Message:  "submission classified",
		Metadata: map[string]interface{}{
			"record_id":       rec.ID,
			"submitter_ref":   rec.SubmitterRef,
			"source_ref":      rec.SourceRef,
			"is_flagged":      verdict.IsFlagged,
			"suggested_state": string(rec.SuggestedState()),
			"credential_id":   verdict.CredentialID,
		},
	})
	return rec, nil
}

// classify повторяет вызов шлюза только при ProviderError: каждый повтор заново выбирает ключ.
// Пустой пул — терминальная ситуация, повторять бессмысленно.
func (s *Service) classify(ctx context.Context, text, submitterRef string) (domain.Verdict, error) {
	var verdict domain.Verdict

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.cfg.ClassifyAttempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrProviderError) && !errors.Is(err, domain.ErrNoCredentialAvailable)
		}),
		// Провайдер ответил 429 — ждем столько, сколько он попросил
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			var tErr *connectors.ThrottleError
			if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
				return tErr.RetryAfter
			}
			return retry.BackOffDelay(n, err, config)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("classification attempt failed, retrying",
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)

	err := r.Do(func() error {
		v, err := s.classifier.Classify(ctx, text, submitterRef)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	return verdict, err
}

// SetState применяет переход конечного автомата от имени actorRef.
func (s *Service) SetState(ctx context.Context, id string, next domain.ModerationState, actorRef string, override bool) (*domain.ModerationRecord, error) {
	rec, err := s.repo.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	t, err := rec.PlanTransition(next, override)
	if err != nil {
		return nil, fmt.Errorf("%w: %s -> %s (override=%t)", err, rec.State, next, override)
	}

	now := s.now()
	if err := s.repo.TransitionRecord(ctx, id, t, actorRef, now); err != nil {
		// Запись изменилась между чтением и записью: проигравший получает InvalidTransition
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: record %s changed concurrently", err, id)
		}
		return nil, fmt.Errorf("moderation: transition record %s: %w", id, err)
	}
	rec.Apply(t, actorRef, now)

	category, msg := audit.CategoryModerationStateChange, "moderation state changed"
	severity := audit.SeverityInfo
	if t.Override {
		category, msg = audit.CategoryModerationOverride, "automatic decision overridden"
		severity = audit.SeverityWarn
	}
	s.auditor.Append(ctx, audit.AuditEvent{
		Severity: severity,
		Category: category,
		ActorRef: actorRef,
		Message:  msg,
		Metadata: map[string]interface{}{
			"record_id": id,
			"from":      string(t.From),
			"to":        string(t.To),
		},
	})
	if s.observe != nil {
		s.observe(t)
	}
	return rec, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.ModerationRecord, error) {
	return s.repo.GetRecord(ctx, id)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// List — очередь модерации, от новых к старым.
func (s *Service) List(ctx context.Context, f domain.ModerationFilter) ([]*domain.ModerationRecord, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, fmt.Errorf("moderation: unknown state %q", f.State)
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	list, err := s.repo.ListRecords(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("moderation: list records: %w", err)
	}
	if list == nil {
		list = []*domain.ModerationRecord{}
	}
	return list, nil
}

// Stats — сводка для дашборда.
func (s *Service) Stats(ctx context.Context) (*domain.ModerationStats, error) {
	byState, overridden, err := s.repo.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("moderation: count records: %w", err)
	}
	stats := &domain.ModerationStats{ByState: byState, Overridden: overridden}
	if s.credentials != nil {
		active, inactive, err := s.credentials.Counts(ctx)
		if err != nil {
			return nil, fmt.Errorf("moderation: count credentials: %w", err)
		}
		stats.ActiveCredentials, stats.InactiveCredentials = active, inactive
	}
	return stats, nil
}
