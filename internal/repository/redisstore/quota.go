// Package redisstore — хранилища, которым нужна общая для всех инстансов атомарность:
// бакеты квот и курсор потребителя шины.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/store"
)

// Фиксированное окно целиком внутри Redis: чтение, сброс и инкремент не разрываются
// другими клиентами. Возвращает {allowed, count, windowStartMs}.
var quotaScript = redis.NewScript(`
local limit  = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now    = tonumber(ARGV[3])

local start = tonumber(redis.call('HGET', KEYS[1], 'start') or '-1')
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')

if start < 0 or now - start > window then
  start = now
  count = 0
  redis.call('HSET', KEYS[1], 'start', start, 'count', 0)
  -- ключ живет чуть дольше окна: на самой границе бакет еще закрыт
  redis.call('PEXPIRE', KEYS[1], window + 1000)
end

if count >= limit then
  return {0, count, start}
end

count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {1, count, start}
`)

type QuotaStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewQuotaStore(rdb redis.UniversalClient, prefix string, now func() time.Time) *QuotaStore {
	if now == nil {
		now = time.Now
	}
	return &QuotaStore{rdb: rdb, prefix: prefix, now: now}
}

func (s *QuotaStore) Consume(ctx context.Context, key string, limit int, window time.Duration) (domain.QuotaResult, error) {
	nowMs := s.now().UnixMilli()
	windowMs := window.Milliseconds()

	res, err := quotaScript.Run(ctx, s.rdb, []string{s.prefix + key}, limit, windowMs, nowMs).Int64Slice()
	if err != nil {
		return domain.QuotaResult{}, fmt.Errorf("redisstore: consume quota %s: %w", key, err)
	}
	if len(res) != 3 {
		return domain.QuotaResult{}, fmt.Errorf("redisstore: unexpected quota reply %v", res)
	}

	out := domain.QuotaResult{Allowed: res[0] == 1, Count: int(res[1]), WindowStartMs: res[2]}
	if !out.Allowed {
		out.RetryAfterSeconds = store.RetryAfterSeconds(out.WindowStartMs, windowMs, nowMs)
	}
	return out, nil
}

var _ store.QuotaStore = (*QuotaStore)(nil)
