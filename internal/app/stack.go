// Package app собирает зависимости модерационного ядра из конфигурации.
// Используется обоими бинарниками: модератором и консолью администратора.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/audit"
	"github.com/xela07ax/toxguard/internal/connectors"
	"github.com/xela07ax/toxguard/internal/domain"
	"github.com/xela07ax/toxguard/internal/engine"
	"github.com/xela07ax/toxguard/internal/infra"
	"github.com/xela07ax/toxguard/internal/infra/auth"
	"github.com/xela07ax/toxguard/internal/keypool"
	"github.com/xela07ax/toxguard/internal/moderation"
	"github.com/xela07ax/toxguard/internal/repository/memory"
	"github.com/xela07ax/toxguard/internal/repository/postgres"
)

// auditStore — персистентный сток и выборка журнала
type auditStore interface {
	audit.StorageInterface
	audit.Querier
}

type Stack struct {
	Config   *infra.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *engine.Metrics

	DB    *pgxpool.Pool // nil в режиме in-memory
	Redis *redis.Client // nil, если redis.addr не задан

	Journal    *audit.Journal
	Live       audit.LiveSource
	Sealer     *keypool.Sealer
	Pool       *keypool.Pool
	Gateway    *engine.Gateway
	Moderation *moderation.Service
	Validator  auth.TokenValidator

	buffered *audit.BufferedSink
}

// Build поднимает хранилища, журнал, пул ключей, шлюз и сервис модерации.
func Build(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (*Stack, error) {
	s := &Stack{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = engine.NewMetrics(s.Registry)

	// 1. Проверка токенов персонала (RS256)
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("auth public key: %w", err)
	}
	s.Validator = auth.NewActorVerifier(pub, cfg.Auth.Issuer)

	// 2. Шифрование секретов ключей
	s.Sealer, err = keypool.NewSealer(cfg.Pool.EncryptionKeyRaw)
	if err != nil {
		return nil, fmt.Errorf("pool encryption key: %w", err)
	}

	// 3. Хранилища: Postgres или in-memory
	var (
		credStore keypool.Store
		modStore  moderation.Repository
		events    auditStore
	)
	if cfg.Database.URL == "" {
		logger.Warn("database.url is empty, using in-memory storage")
		mem := memory.NewStore()
		credStore, modStore, events = mem, mem, mem
	} else {
		s.DB, err = postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := postgres.RunMigrations(s.DB); err != nil {
				s.Close()
				return nil, err
			}
			logger.Info("database migrations applied")
		}
		credStore = postgres.NewCredentialRepo(s.DB)
		modStore = postgres.NewModerationRepo(s.DB)
		events = postgres.NewAuditRepo(s.DB)
	}

	// 4. Redis (живой поток аудита, сигналы пула ключей)
	if cfg.Redis.Addr != "" {
		s.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := s.Redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	// 5. Журнал аудита
	var sink audit.Sink = audit.NewDirectSink(events)
	if cfg.Audit.Async {
		s.buffered = audit.NewBufferedSink(events, audit.BufferedConfig{
			BufferSize:    cfg.Audit.BufferSize,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}, logger).WithMetrics(s.Metrics.AuditBufferFill, s.Metrics.AuditPersistFailures)
		s.buffered.Start()
		sink = s.buffered
	}

	journalOpts := []audit.Option{
		audit.WithMinSeverity(audit.ParseSeverity(cfg.Audit.MinSeverity)),
		audit.WithFailureCounter(s.Metrics.AuditPersistFailures),
	}
	if cfg.Audit.LiveStream {
		if s.Redis != nil {
			live := audit.NewRedisLive(s.Redis, logger)
			s.Live = live
			journalOpts = append(journalOpts, audit.WithLive(live))
		} else {
			hub := audit.NewHub()
			s.Live = hub
			journalOpts = append(journalOpts, audit.WithLive(hub))
		}
	}
	s.Journal = audit.NewJournal(sink, events, logger, journalOpts...)

	// 6. Пул ключей
	poolOpts := []keypool.Option{
		keypool.WithThreshold(cfg.Pool.FailureThreshold),
		keypool.WithOnDeactivate(func(string) { s.Metrics.CredentialDeactivations.Inc() }),
	}
	if s.Redis != nil {
		poolOpts = append(poolOpts, keypool.WithNotifier(keypool.NewRedisNotifier(s.Redis)))
	}
	s.Pool = keypool.New(credStore, s.Sealer, s.Journal, logger, poolOpts...)

	// 7. Шлюз классификации: провайдер -> темп и предохранитель -> шлюз
	var provider engine.Provider
	switch cfg.Provider.Mode {
	case "mock":
		logger.Warn("provider.mode=mock: verdicts come from a local keyword list")
		provider = connectors.NewMockProvider()
	default:
		provider = connectors.NewOpenAIClient(cfg.Provider.BaseURL, cfg.Provider.Timeout)
	}
	reliable := engine.NewReliableProvider(provider, engine.ReliabilityConfig{
		RateLimit:           cfg.Provider.RateLimit,
		RateBurst:           cfg.Provider.RateBurst,
		ConsecutiveFailures: cfg.Provider.CBConsecutiveFailures,
		Interval:            cfg.Provider.CBInterval,
		Timeout:             cfg.Provider.CBTimeout,
	}, s.Metrics, logger)
	gwCfg := engine.GatewayConfig{
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		Timeout:     cfg.Provider.Timeout,
	}
	s.Gateway = engine.NewGateway(s.Pool, s.Sealer, reliable, gwCfg, s.Metrics, logger)
	logger.Info("classification gateway ready", zap.String("provider", cfg.Provider.Mode), zap.Stringer("config", gwCfg))

	// 8. Сервис модерации
	s.Moderation = moderation.NewService(modStore, s.Gateway, s.Journal, s.Pool, moderation.Config{
		ClassifyAttempts: cfg.Moderation.ClassifyAttempts,
		RetryDelay:       cfg.Moderation.RetryDelay,
	}, logger).WithTransitionObserver(func(t domain.Transition) {
		s.Metrics.ModerationTransitions.WithLabelValues(string(t.From), string(t.To), fmt.Sprint(t.Override)).Inc()
	})

	return s, nil
}

// Close останавливает буфер аудита (с финальным flush) и закрывает соединения.
func (s *Stack) Close() {
	if s.buffered != nil {
		s.buffered.Stop()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
