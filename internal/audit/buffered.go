package audit

/*
Файл buffered.go реализует буферизованный персистентный сток журнала аудита.

- Non-blocking: Write кладет событие в канал и сразу возвращается, задержки БД
  не влияют на время ответа модерации.
- Batching: события копятся в памяти и пишутся пачкой по таймеру или по лимиту.
- Drain: Stop закрывает канал и ждет, пока воркер вычитает остаток и сделает финальный flush.
- Сбой flush логируется и не пробрасывается (best-effort secondary sink).
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/domain"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

var (
	errSinkClosed   = errors.New("audit sink is stopping")
	errSinkOverflow = errors.New("audit buffer overflow")
)

type BufferedConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type BufferedSink struct {
	ch     chan AuditEvent  // Буфер для асинхронности
	repo   StorageInterface // Postgres
	logger *zap.Logger
	cfg    BufferedConfig
	wg     sync.WaitGroup
	once   sync.Once

	// mu защищает закрытие канала от конкурентных Write
	mu       sync.RWMutex
	isClosed atomic.Bool

	fill     prometheus.Gauge   // может быть nil
	failures prometheus.Counter // может быть nil
}

func NewBufferedSink(repo StorageInterface, cfg BufferedConfig, logger *zap.Logger) *BufferedSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &BufferedSink{
		ch:     make(chan AuditEvent, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "audit-buffer")),
	}
}

// WithMetrics подключает gauge заполненности буфера и счетчик отказов flush.
func (s *BufferedSink) WithMetrics(fill prometheus.Gauge, failures prometheus.Counter) *BufferedSink {
	s.fill = fill
	s.failures = failures
	return s
}

func (s *BufferedSink) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (s *BufferedSink) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.isClosed.Store(true)
		close(s.ch)
		s.mu.Unlock()

		s.logger.Info("stopping audit sink: flushing buffer...")
		s.wg.Wait()
		s.logger.Info("audit sink stopped gracefully")
	})
}

// Write использует стратегию Load Shedding: при переполнении событие не ждет, а возвращается ошибкой,
// которую журнал зафиксирует в операционном потоке.
func (s *BufferedSink) Write(_ context.Context, event AuditEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isClosed.Load() {
		return fmt.Errorf("%w: %w", domain.ErrAuditPersistence, errSinkClosed)
	}

	select {
	case s.ch <- event:
		if s.fill != nil {
			s.fill.Set(float64(len(s.ch)))
		}
		return nil
	default:
		return fmt.Errorf("%w: %w", domain.ErrAuditPersistence, errSinkOverflow)
	}
}

func (s *BufferedSink) worker() {
	defer s.wg.Done()

	batch := make([]AuditEvent, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть уже закрыт
		if err := s.repo.WriteBatch(context.Background(), batch); err != nil {
			if s.failures != nil {
				s.failures.Inc()
			}
			s.logger.Error("audit persistence failure",
				zap.Int("dropped", len(batch)),
				zap.Error(fmt.Errorf("%w: %w", domain.ErrAuditPersistence, err)))
		}
		batch = make([]AuditEvent, 0, s.cfg.BatchSize)
		if s.fill != nil {
			s.fill.Set(float64(len(s.ch)))
		}
	}

	for {
		select {
		case event, ok := <-s.ch:
			if !ok {
				// Канал закрыт в Stop(): остаток уже вычитан, делаем финальный сброс
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
