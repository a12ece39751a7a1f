package keypool

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/toxguard/internal/infra"
)

// RedisNotifier публикует "credential_id:on|off" в канал состояния ключей.
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) NotifyCredentialState(ctx context.Context, id string, active bool) error {
	return n.rdb.Publish(ctx, infra.RedisChanCredentialState, infra.FormatSignal(id, active)).Err()
}
