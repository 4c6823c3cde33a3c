package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dataField = "data"

// RedisLog — Log поверх Redis Streams (XADD / XREAD BLOCK / XREVRANGE).
// Клиент общий для процесса, поэтому Close его не закрывает: это делает bootstrap последним шагом.
type RedisLog struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisLog(rdb redis.UniversalClient, stream string, maxLen int64) *RedisLog {
	return &RedisLog{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (l *RedisLog) Append(ctx context.Context, data []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]interface{}{dataField: data},
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}
	id, err := l.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("redis log: xadd %s: %w", l.stream, err)
	}
	return id, nil
}

func (l *RedisLog) ReadAfter(ctx context.Context, afterID string, count int, block time.Duration) ([]Record, error) {
	args := &redis.XReadArgs{
		Streams: []string{l.stream, afterID},
		Count:   int64(count),
		Block:   -1, // Block >= 0 добавляет BLOCK, а BLOCK 0 — это ожидание навсегда
	}
	if block > 0 {
		args.Block = block
	}

	streams, err := l.rdb.XRead(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis log: xread %s: %w", l.stream, err)
	}

	var out []Record
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, Record{ID: msg.ID, Data: fieldBytes(msg.Values[dataField])})
		}
	}
	return out, nil
}

func (l *RedisLog) LastID(ctx context.Context) (string, error) {
	msgs, err := l.rdb.XRevRangeN(ctx, l.stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("redis log: xrevrange %s: %w", l.stream, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (l *RedisLog) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func (l *RedisLog) Close() error { return nil }

// fieldBytes: значение без поля data дает пустой payload, который Decode отклонит.
func fieldBytes(v interface{}) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		return nil
	}
}
