package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/connectors"
)

// ErrNotAttempted — вызов провайдера не состоялся (лимитер, открытый предохранитель).
// Ключ при этом не использовался, поэтому здоровье пула не меняется.
var ErrNotAttempted = errors.New("provider call not attempted")

type ReliabilityConfig struct {
	RateLimit           float64
	RateBurst           int
	ConsecutiveFailures uint32
	Interval            time.Duration
	Timeout             time.Duration
}

// ReliableProvider — темп вызовов и общий предохранитель провайдера.
// Это защита от полного отказа провайдера; вывод отдельных ключей делает пул.
type ReliableProvider struct {
	next    Provider
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliableProvider(next Provider, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliableProvider {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	const name = "classification-provider"
	log := logger.Named("reliability")

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Отказ конкретного ключа (401/403) не говорит о недоступности провайдера
		IsSuccessful: func(err error) bool {
			// Отмена вызывающим не характеризует провайдера
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var se *connectors.StatusError
			if errors.As(err, &se) {
				return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
			}
			return false
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			log.Warn("provider circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(n).Set(breakerGauge(to))
			}
		},
	})

	return &ReliableProvider{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
	}
}

func (p *ReliableProvider) Classify(ctx context.Context, req connectors.ClassifyRequest) (connectors.ClassifyResult, error) {
	// 1. Rate Limiter
	if err := p.limiter.Wait(ctx); err != nil {
		return connectors.ClassifyResult{}, fmt.Errorf("%w: rate limiter: %w", ErrNotAttempted, err)
	}

	// 2. Circuit Breaker
	res, err := p.cb.Execute(func() (interface{}, error) {
		return p.next.Classify(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return connectors.ClassifyResult{}, fmt.Errorf("%w: %w", ErrNotAttempted, err)
		}
		return connectors.ClassifyResult{}, err
	}
	return res.(connectors.ClassifyResult), nil
}

func (p *ReliableProvider) State() gobreaker.State {
	return p.cb.State()
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	}
	return 0
}
