package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/connectors"
	"github.com/xela07ax/toxguard/internal/domain"
	"github.com/xela07ax/toxguard/internal/infra"
)

// Provider — внешний классификатор (OpenAI-совместимый API или мок).
type Provider interface {
	Classify(ctx context.Context, req connectors.ClassifyRequest) (connectors.ClassifyResult, error)
}

// CredentialPool — часть пула ключей, которая нужна шлюзу.
type CredentialPool interface {
	Acquire(ctx context.Context) (*domain.Credential, error)
	ReportSuccess(ctx context.Context, id string) error
	ReportFailure(ctx context.Context, id string) error
}

// SecretOpener расшифровывает секрет ключа непосредственно перед вызовом.
type SecretOpener interface {
	Open(credentialID string, sealed domain.SealedSecret) (string, error)
}

type GatewayConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Gateway — единственная точка обращения к провайдеру классификации.
// Один вызов Classify — один ключ и не больше одного обращения к провайдеру.
// Повторы — решение вызывающей стороны.
type Gateway struct {
	pool     CredentialPool
	opener   SecretOpener
	provider Provider
	cfg      GatewayConfig
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewGateway(pool CredentialPool, opener SecretOpener, provider Provider, cfg GatewayConfig, metrics *Metrics, logger *zap.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Gateway{
		pool:     pool,
		opener:   opener,
		provider: provider,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.Named("gateway"),
		now:      time.Now,
	}
}

// Classify возвращает вердикт или *domain.ClassificationError с причиной
// domain.ErrNoCredentialAvailable либо domain.ErrProviderError.
func (g *Gateway) Classify(ctx context.Context, text, submitterRef string) (domain.Verdict, error) {
	start := time.Now()
	outcome := "provider_error"
	defer func() {
		g.metrics.ClassifyTotal.WithLabelValues(outcome).Inc()
		g.metrics.ClassifyDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	log := g.logger.With(zap.String("trace_id", infra.TraceIDFromContext(ctx)))

	// 1. Выбор ключа. Пустой пул — провайдер не вызывается вовсе.
	cred, err := g.pool.Acquire(ctx)
	if err != nil {
		outcome = "no_credential"
		if errors.Is(err, domain.ErrNoCredentialAvailable) {
			return domain.Verdict{}, &domain.ClassificationError{Cause: domain.ErrNoCredentialAvailable}
		}
		// Хранилище недоступно: выбрать ключ нельзя, для вызывающего это тот же пустой пул
		log.Error("credential selection failed", zap.Error(err))
		return domain.Verdict{}, &domain.ClassificationError{Cause: domain.ErrNoCredentialAvailable, Err: err}
	}

	// Обновление здоровья ключа не должно теряться из-за отмены запроса клиентом
	healthCtx := context.WithoutCancel(ctx)

	// 2. Секрет расшифровывается только на время вызова. Битый секрет — отказ ключа.
	secret, err := g.opener.Open(cred.ID, cred.Secret)
	if err != nil {
		log.Error("credential secret cannot be opened", zap.String("credential_id", cred.ID), zap.Error(err))
		g.reportFailure(healthCtx, log, cred.ID)
		return domain.Verdict{}, &domain.ClassificationError{Cause: domain.ErrProviderError, CredentialID: cred.ID, Err: err}
	}

	// 3. Вызов провайдера с жестким таймаутом
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	res, err := g.provider.Classify(callCtx, connectors.ClassifyRequest{
		APIKey:       secret,
		SystemPrompt: connectors.SystemPrompt,
		UserText:     text,
		AuthorRef:    submitterRef,
		Model:        g.cfg.Model,
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
	})
	cancel()

	if err != nil {
		// Вызов не состоялся (лимитер, открытый предохранитель): ключ не использовался
		if errors.Is(err, ErrNotAttempted) {
			outcome = "not_attempted"
			log.Warn("provider call skipped", zap.String("credential_id", cred.ID), zap.Error(err))
			return domain.Verdict{}, &domain.ClassificationError{Cause: domain.ErrProviderError, CredentialID: cred.ID, Err: err}
		}

		// Клиент ушел раньше ответа: о здоровье ключа это ничего не говорит
		if ctx.Err() != nil {
			outcome = "cancelled"
			log.Info("provider call abandoned by caller", zap.String("credential_id", cred.ID), zap.Error(ctx.Err()))
			return domain.Verdict{}, &domain.ClassificationError{Cause: domain.ErrProviderError, CredentialID: cred.ID, Err: ctx.Err()}
		}

		log.Warn("provider call failed", zap.String("credential_id", cred.ID), zap.Error(err))
		g.metrics.CredentialFailures.WithLabelValues(cred.ID).Inc()
		g.reportFailure(healthCtx, log, cred.ID)
		return domain.Verdict{}, &domain.ClassificationError{Cause: domain.ErrProviderError, CredentialID: cred.ID, Err: err}
	}

	// 4. Успех: счетчик ключа обнуляется. Сбой учета не отменяет полученный вердикт.
	if err := g.pool.ReportSuccess(healthCtx, cred.ID); err != nil {
		log.Warn("credential health update failed", zap.String("credential_id", cred.ID), zap.Error(err))
	}

	verdict := domain.Verdict{
		IsFlagged:    !res.Status,
		ClassifiedAt: g.now(),
		CredentialID: cred.ID,
	}
	outcome = "clean"
	if verdict.IsFlagged {
		outcome = "flagged"
	}
	return verdict, nil
}

func (g *Gateway) reportFailure(ctx context.Context, log *zap.Logger, id string) {
	if err := g.pool.ReportFailure(ctx, id); err != nil {
		log.Error("credential health update failed", zap.String("credential_id", id), zap.Error(err))
	}
}

// String для логов конфигурации
func (c GatewayConfig) String() string {
	return fmt.Sprintf("model=%s temperature=%.2f max_tokens=%d timeout=%s", c.Model, c.Temperature, c.MaxTokens, c.Timeout)
}
