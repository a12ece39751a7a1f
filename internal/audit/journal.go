package audit

/*
Файл journal.go реализует журнал аудита с двумя независимыми путями записи:

- Операционный поток: zap-логгер (фильтр по минимальной Severity) и, опционально,
  живой канал Redis для дашбордов. Нужен для наблюдаемости "здесь и сейчас".
- Персистентное хранилище: для последующих выборок по актору, категории и времени.

Запись в хранилище best-effort: ее сбой логируется в операционный поток и никогда
не возвращается вызывающему. Журнал не должен ронять операцию, которую описывает.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/domain"
	"github.com/xela07ax/toxguard/internal/infra"
)

// Appender — то, что нужно пулу ключей и сервису модерации.
type Appender interface {
	Append(ctx context.Context, event AuditEvent)
}

// Sink — персистентный путь записи (напрямую в БД или через буфер).
type Sink interface {
	Write(ctx context.Context, event AuditEvent) error
}

// Querier читает персистентное хранилище.
type Querier interface {
	QueryEvents(ctx context.Context, f Filter) ([]AuditEvent, error)
}

// Publisher — живой операционный канал (Redis Pub/Sub).
type Publisher interface {
	Publish(ctx context.Context, event AuditEvent) error
}

type Journal struct {
	sink     Sink
	querier  Querier
	live     Publisher // может быть nil
	logger   *zap.Logger
	minLevel Severity
	failures prometheus.Counter // может быть nil
	now      func() time.Time
}

type Option func(*Journal)

// WithLive подключает живой канал операционного потока.
func WithLive(p Publisher) Option {
	return func(j *Journal) { j.live = p }
}

// WithMinSeverity задает порог операционного потока.
func WithMinSeverity(s Severity) Option {
	return func(j *Journal) { j.minLevel = s }
}

// WithFailureCounter считает отказы персистентного стока.
func WithFailureCounter(c prometheus.Counter) Option {
	return func(j *Journal) { j.failures = c }
}

func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

func NewJournal(sink Sink, querier Querier, logger *zap.Logger, opts ...Option) *Journal {
	j := &Journal{
		sink:     sink,
		querier:  querier,
		logger:   logger.With(zap.String("mod", "audit")),
		minLevel: SeverityInfo,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Append дописывает событие в оба стока. Ничего не возвращает по контракту.
func (j *Journal) Append(ctx context.Context, event AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = j.now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.TraceID == "" {
		event.TraceID = infra.TraceIDFromContext(ctx)
	}

	// 1. Операционный поток
	if event.Severity.Level() >= j.minLevel.Level() {
		j.emit(event)
		if j.live != nil {
			if err := j.live.Publish(ctx, event); err != nil {
				j.logger.Warn("audit live stream publish failed",
					zap.String("event_id", event.ID),
					zap.Error(err))
			}
		}
	}

	// 2. Персистентный сток. Ошибка остается внутри журнала.
	if err := j.sink.Write(ctx, event); err != nil {
		if j.failures != nil {
			j.failures.Inc()
		}
		j.logger.Error("audit persistence failure",
			zap.String("event_id", event.ID),
			zap.String("category", string(event.Category)),
			zap.Error(fmt.Errorf("%w: %w", domain.ErrAuditPersistence, err)))
	}
}

// Query возвращает события от новых к старым.
func (j *Journal) Query(ctx context.Context, f Filter) ([]AuditEvent, error) {
	if f.Category != "" && !f.Category.Valid() {
		return nil, fmt.Errorf("audit: unknown category %q", f.Category)
	}
	events, err := j.querier.QueryEvents(ctx, f.Normalize())
	if err != nil {
		return nil, fmt.Errorf("audit: query failed: %w", err)
	}
	if events == nil {
		return []AuditEvent{}, nil
	}
	return events, nil
}

func (j *Journal) emit(e AuditEvent) {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("category", string(e.Category)),
		zap.Time("ts", e.Timestamp),
	}
	if e.ActorRef != "" {
		fields = append(fields, zap.String("actor", e.ActorRef))
	}
	if e.TraceID != "" {
		fields = append(fields, zap.String("trace_id", e.TraceID))
	}
	if len(e.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", e.Metadata))
	}

	if ce := j.logger.Check(e.Severity.Level(), e.Message); ce != nil {
		ce.Write(fields...)
	}
}

// DirectSink пишет каждое событие в хранилище синхронно.
type DirectSink struct {
	repo StorageInterface
}

func NewDirectSink(repo StorageInterface) *DirectSink {
	return &DirectSink{repo: repo}
}

func (s *DirectSink) Write(ctx context.Context, event AuditEvent) error {
	return s.repo.WriteBatch(ctx, []AuditEvent{event})
}
