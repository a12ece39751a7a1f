package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/toxguard/internal/infra"
)

// ModerationServiceName — имя сервиса в grpc.health.v1
const ModerationServiceName = "toxguard.Moderation"

// CredentialCounter — источник числа активных ключей.
type CredentialCounter interface {
	Counts(ctx context.Context) (active, inactive int64, err error)
}

// HealthReporter держит статус grpc health в соответствии с пулом ключей:
// без активных ключей классификация невозможна, сервис NOT_SERVING.
type HealthReporter struct {
	counter CredentialCounter
	server  *health.Server
	metrics *Metrics
	logger  *zap.Logger
}

func NewHealthReporter(counter CredentialCounter, server *health.Server, metrics *Metrics, logger *zap.Logger) *HealthReporter {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &HealthReporter{
		counter: counter,
		server:  server,
		metrics: metrics,
		logger:  logger.Named("health"),
	}
}

// Refresh перечитывает число активных ключей и выставляет статус.
func (h *HealthReporter) Refresh(ctx context.Context) error {
	active, _, err := h.counter.Counts(ctx)
	if err != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	h.metrics.ActiveCredentials.Set(float64(active))

	if active == 0 {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return nil
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

func (h *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ModerationServiceName, status)
}

// Watch слушает сигналы об изменении активного набора ключей (Redis)
// и пересчитывает статус. Блокирует до отмены контекста.
func (h *HealthReporter) Watch(ctx context.Context, rdb *redis.Client) {
	refresh := func() error {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return h.Refresh(rctx)
	}

	h.logger.Info("credential state listener started", zap.String("chan", infra.RedisChanCredentialState))

	infra.ListenResilient(ctx, rdb, h.logger, infra.RedisChanCredentialState, refresh, func(payload string) {
		id, active, ok := infra.ParseSignal(payload)
		if !ok {
			h.logger.Warn("invalid credential signal", zap.String("payload", payload))
			return
		}
		h.logger.Info("credential state changed", zap.String("credential_id", id), zap.Bool("active", active))
		if err := refresh(); err != nil {
			h.logger.Error("health refresh failed", zap.Error(err))
		}
	})
}

// Poll — запасной вариант без Redis: периодический пересчет.
func (h *HealthReporter) Poll(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := h.Refresh(ctx); err != nil && ctx.Err() == nil {
			h.logger.Error("health refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
