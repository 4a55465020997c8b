package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "tbs"
)

// Ключи (состояние)
const (
	// RedisKeyAccountStatus — хэш accountID → последний статус
	RedisKeyAccountStatus = RedisNamespace + ":accounts:status"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanControl — команды управления "accountID:action[:taskKind]"
	RedisChanControl = RedisNamespace + ":accounts:control"
	// RedisChanEvents — уведомления ядра в JSON
	RedisChanEvents = RedisNamespace + ":events"
)
