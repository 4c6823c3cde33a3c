package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "opsbrain"
)

// Ключи состояния
const (
	RedisKeyBusStream   = RedisNamespace + ":bus:events"
	RedisKeyBusCursors  = RedisNamespace + ":bus:cursors" // HASH consumer -> last id
	RedisKeyQuotaPrefix = RedisNamespace + ":quota:"
)

// Каналы Pub/Sub (сигналы)
const (
	// RedisChanPolicyUpdate — любое изменение kill switch или исключений; payload — причина.
	RedisChanPolicyUpdate = RedisNamespace + ":policy:update"
)

// QuotaKey — ключ бакета квоты в Redis.
func QuotaKey(bucket string) string {
	return RedisKeyQuotaPrefix + bucket
}
