package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "toxguard"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAuditLive — живой операционный поток журнала аудита (JSON AuditEvent).
	RedisChanAuditLive = RedisNamespace + ":audit:live"
	// RedisChanCredentialState — сигналы "credential_id:on|off" об изменении активного набора ключей.
	RedisChanCredentialState = RedisNamespace + ":credentials:state-signal"
)
