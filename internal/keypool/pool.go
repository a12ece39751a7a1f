package keypool

/*
Файл pool.go реализует пул ключей доступа к внешнему провайдеру классификации.

- Выбор: только active, порядок (failure_count ASC, last_used_at ASC), т.е. сначала самый
  здоровый, затем самый давно использованный. Нагрузка и риск распределяются равномерно.
- Здоровье: успех обнуляет счетчик, ошибка атомарно инкрементирует его в хранилище.
- Circuit breaker: при достижении порога ключ выводится из ротации навсегда,
  до ручной реактивации администратором.

Пул не держит локов: выбор-и-использование не атомарны, два запроса могут взять один ключ.
Счетчики сходятся, т.к. каждое изменение — атомарная операция в хранилище.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/audit"
	"github.com/xela07ax/toxguard/internal/domain"
)

const DefaultFailureThreshold = 5

// Store — хранилище ключей. Все мутации должны быть атомарными на стороне хранилища.
type Store interface {
	// NextActive возвращает лучшего кандидата или domain.ErrNotFound.
	NextActive(ctx context.Context) (*domain.Credential, error)
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure инкрементирует счетчик и деактивирует ключ при достижении порога.
	RecordFailure(ctx context.Context, id string, threshold int) (domain.FailureOutcome, error)

	CreateCredential(ctx context.Context, c *domain.Credential) error
	// SetCredentialActive возвращает false, если ключ уже был в нужном состоянии.
	// Реактивация обнуляет счетчик ошибок.
	SetCredentialActive(ctx context.Context, id string, active bool) (bool, error)
	ListCredentials(ctx context.Context) ([]*domain.Credential, error)
	CountCredentials(ctx context.Context) (active, inactive int64, err error)
}

// Notifier транслирует изменения активного набора (Redis Pub/Sub).
type Notifier interface {
	NotifyCredentialState(ctx context.Context, id string, active bool) error
}

type Pool struct {
	store     Store
	sealer    *Sealer
	auditor   audit.Appender
	notifier  Notifier // может быть nil
	threshold int
	logger    *zap.Logger
	now       func() time.Time

	onDeactivate func(id string) // хук для метрик, может быть nil
}

type Option func(*Pool)

func WithThreshold(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.threshold = n
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(p *Pool) { p.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithOnDeactivate вызывается, когда ключ выведен из ротации порогом ошибок.
func WithOnDeactivate(fn func(id string)) Option {
	return func(p *Pool) { p.onDeactivate = fn }
}

func New(store Store, sealer *Sealer, auditor audit.Appender, logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		store:     store,
		sealer:    sealer,
		auditor:   auditor,
		threshold: DefaultFailureThreshold,
		logger:    logger.Named("keypool"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Threshold() int { return p.threshold }

// Acquire выбирает ключ для следующего вызова. Секрет остается зашифрованным.
// Пустой активный набор — domain.ErrNoCredentialAvailable, повторов внутри пула нет.
func (p *Pool) Acquire(ctx context.Context) (*domain.Credential, error) {
	c, err := p.store.NextActive(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNoCredentialAvailable
		}
		return nil, fmt.Errorf("keypool: select credential: %w", err)
	}
	// Страховка от хранилища, вернувшего неактивную запись
	if !c.Active {
		return nil, domain.ErrNoCredentialAvailable
	}
	return c, nil
}

// ReportSuccess обнуляет счетчик ошибок и проставляет last_used_at. Аудит не пишется.
func (p *Pool) ReportSuccess(ctx context.Context, id string) error {
	if err := p.store.RecordSuccess(ctx, id, p.now()); err != nil {
		return fmt.Errorf("keypool: report success %s: %w", id, err)
	}
	return nil
}

// ReportFailure атомарно инкрементирует счетчик ключа и применяет политику деактивации.
func (p *Pool) ReportFailure(ctx context.Context, id string) error {
	out, err := p.store.RecordFailure(ctx, id, p.threshold)
	if err != nil {
		return fmt.Errorf("keypool: report failure %s: %w", id, err)
	}

	p.auditor.Append(ctx, audit.AuditEvent{
		Severity: audit.SeverityWarn,
		Category: audit.CategoryCredentialFailover,
		Message:  "provider call failed with credential",
		Metadata: map[string]interface{}{
			"credential_id": id,
			"failure_count": out.FailureCount,
			"threshold":     p.threshold,
		},
	})

	if !out.Deactivated {
		return nil
	}

	p.logger.Warn("credential deactivated by circuit breaker",
		zap.String("credential_id", id),
		zap.Int("failure_count", out.FailureCount))
	if p.onDeactivate != nil {
		p.onDeactivate(id)
	}

	p.auditor.Append(ctx, audit.AuditEvent{
		Severity: audit.SeverityError,
		Category: audit.CategoryCredentialDeactivated,
		Message:  "credential removed from rotation after consecutive failures",
		Metadata: map[string]interface{}{
			"credential_id": id,
			"failure_count": out.FailureCount,
			"threshold":     p.threshold,
			"reason":        "failure_threshold",
		},
	})
	p.notify(ctx, id, false)
	return nil
}

// Add шифрует и сохраняет новый ключ (административное действие).
func (p *Pool) Add(ctx context.Context, label, plaintext, actorRef string) (*domain.Credential, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return nil, fmt.Errorf("keypool: secret is required")
	}

	now := p.now()
	c := &domain.Credential{
		ID:        uuid.New().String(),
		Label:     strings.TrimSpace(label),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sealed, err := p.sealer.Seal(c.ID, plaintext)
	if err != nil {
		return nil, err
	}
	c.Secret = sealed

	if err := p.store.CreateCredential(ctx, c); err != nil {
		return nil, fmt.Errorf("keypool: create credential: %w", err)
	}

	p.auditor.Append(ctx, audit.AuditEvent{
		Severity: audit.SeverityInfo,
		Category: audit.CategoryCredentialAdded,
		ActorRef: actorRef,
		Message:  "credential added to pool",
		Metadata: map[string]interface{}{"credential_id": c.ID, "label": c.Label},
	})
	p.notify(ctx, c.ID, true)

	return publicView(c), nil
}

// Deactivate вручную выводит ключ из ротации.
func (p *Pool) Deactivate(ctx context.Context, id, actorRef string) error {
	return p.setActive(ctx, id, false, actorRef)
}

// Reactivate возвращает ключ в ротацию и обнуляет его счетчик ошибок.
func (p *Pool) Reactivate(ctx context.Context, id, actorRef string) error {
	return p.setActive(ctx, id, true, actorRef)
}

func (p *Pool) setActive(ctx context.Context, id string, active bool, actorRef string) error {
	changed, err := p.store.SetCredentialActive(ctx, id, active)
	if err != nil {
		return fmt.Errorf("keypool: set credential %s active=%t: %w", id, active, err)
	}
	if !changed {
		return nil
	}

	category, msg := audit.CategoryCredentialReactivated, "credential returned to rotation"
	if !active {
		category, msg = audit.CategoryCredentialDeactivated, "credential removed from rotation by administrator"
	}
	p.auditor.Append(ctx, audit.AuditEvent{
		Severity: audit.SeverityWarn,
		Category: category,
		ActorRef: actorRef,
		Message:  msg,
		Metadata: map[string]interface{}{"credential_id": id, "reason": "manual"},
	})
	p.notify(ctx, id, active)
	return nil
}

// List отдает ключи без секретов — для админки.
func (p *Pool) List(ctx context.Context) ([]*domain.Credential, error) {
	list, err := p.store.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("keypool: list credentials: %w", err)
	}
	out := make([]*domain.Credential, 0, len(list))
	for _, c := range list {
		out = append(out, publicView(c))
	}
	return out, nil
}

func (p *Pool) Counts(ctx context.Context) (active, inactive int64, err error) {
	return p.store.CountCredentials(ctx)
}

func (p *Pool) notify(ctx context.Context, id string, active bool) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.NotifyCredentialState(ctx, id, active); err != nil {
		p.logger.Warn("credential state signal delivery failed",
			zap.String("credential_id", id),
			zap.Error(err))
	}
}

func publicView(c *domain.Credential) *domain.Credential {
	cp := *c
	cp.Secret = ""
	return &cp
}
