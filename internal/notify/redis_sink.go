package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/tbs-engine/internal/domain"
)

// RedisSink публикует события в канал Pub/Sub и ведет хэш
// последних статусов аккаунтов (для консолей, подключившихся позже).
type RedisSink struct {
	rdb       redis.Cmdable
	channel   string
	statusKey string
}

func NewRedisSink(rdb redis.Cmdable, channel, statusKey string) *RedisSink {
	return &RedisSink{rdb: rdb, channel: channel, statusKey: statusKey}
}

func (s *RedisSink) WriteBatch(ctx context.Context, events []Event) error {
	pipe := s.rdb.Pipeline()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.Type, err)
		}
		pipe.Publish(ctx, s.channel, payload)

		switch e.Type {
		case AccountStatusChanged:
			if s.statusKey != "" {
				pipe.HSet(ctx, s.statusKey, string(e.AccountID), e.Status)
			}
		case AccountRemoved:
			if s.statusKey != "" {
				pipe.HDel(ctx, s.statusKey, string(e.AccountID))
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Warmup перезаписывает хэш статусов снимком после старта процесса:
// статусы прошлого запуска в Redis больше не верны.
func (s *RedisSink) Warmup(ctx context.Context, logger *zap.Logger, statuses map[domain.AccountID]domain.Status) error {
	if s.statusKey == "" {
		return nil
	}

	// 1. Распределенная блокировка (SetNX), чтобы только один инстанс обновлял Redis
	ok, err := s.rdb.SetNX(ctx, s.statusKey+":warmup", "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return err // Либо ошибка сети, либо другой уже греет хэш
	}

	// 2. Полная замена хэша
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.statusKey)
	if len(statuses) > 0 {
		fields := make(map[string]any, len(statuses))
		for id, st := range statuses {
			fields[string(id)] = st.String()
		}
		pipe.HSet(ctx, s.statusKey, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis warmup: %w", err)
	}

	logger.Info("account status hash warmed up",
		zap.String("key", s.statusKey), zap.Int("count", len(statuses)))
	return nil
}
