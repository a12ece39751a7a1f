package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/infra"
)

// LiveSource — подписка на живой операционный поток (консоль, SSE).
// Канал закрывается после отмены контекста. Медленный подписчик теряет события.
type LiveSource interface {
	Subscribe(ctx context.Context) <-chan AuditEvent
}

const subscriberBuffer = 64

// RedisLive — живой канал через Redis Pub/Sub, общий для всех реплик.
type RedisLive struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisLive(rdb *redis.Client, logger *zap.Logger) *RedisLive {
	return &RedisLive{
		rdb:     rdb,
		channel: infra.RedisChanAuditLive,
		logger:  logger.Named("audit-live"),
	}
}

func (l *RedisLive) Publish(ctx context.Context, event AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: encode live event: %w", err)
	}
	return l.rdb.Publish(ctx, l.channel, data).Err()
}

func (l *RedisLive) Subscribe(ctx context.Context) <-chan AuditEvent {
	out := make(chan AuditEvent, subscriberBuffer)
	go func() {
		defer close(out)
		infra.ListenResilient(ctx, l.rdb, l.logger, l.channel, nil, func(payload string) {
			var e AuditEvent
			if err := json.Unmarshal([]byte(payload), &e); err != nil {
				l.logger.Warn("invalid live audit payload", zap.Error(err))
				return
			}
			select {
			case out <- e:
			default:
			}
		})
	}()
	return out
}

// Hub — живой канал внутри одного процесса (режим без Redis).
type Hub struct {
	mu   sync.RWMutex
	subs map[chan AuditEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan AuditEvent]struct{})}
}

func (h *Hub) Publish(_ context.Context, event AuditEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context) <-chan AuditEvent {
	ch := make(chan AuditEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}
