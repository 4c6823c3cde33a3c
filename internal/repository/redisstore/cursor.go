package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/opsbrain/internal/store"
)

// CursorStore хранит курсоры всех потребителей в одном HASH.
type CursorStore struct {
	rdb redis.UniversalClient
	key string
}

func NewCursorStore(rdb redis.UniversalClient, key string) *CursorStore {
	return &CursorStore{rdb: rdb, key: key}
}

func (s *CursorStore) Load(ctx context.Context, consumer string) (string, bool, error) {
	id, err := s.rdb.HGet(ctx, s.key, consumer).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisstore: load cursor %s: %w", consumer, err)
	}
	return id, true, nil
}

func (s *CursorStore) Save(ctx context.Context, consumer, id string) error {
	if err := s.rdb.HSet(ctx, s.key, consumer, id).Err(); err != nil {
		return fmt.Errorf("redisstore: save cursor %s: %w", consumer, err)
	}
	return nil
}

var _ store.CursorStore = (*CursorStore)(nil)
