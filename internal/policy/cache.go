// Package policy держит в памяти состояние политики исполнения (kill switch, исключения).
// Горячий путь читает только RAM; хранилище трогается при старте, по сигналу и при записи.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/resilience"
	"github.com/xela07ax/opsbrain/internal/store"
)

const refreshTimeout = 5 * time.Second

// Cache — read-through кэш поверх PolicyStore. Сам реализует store.PolicyStore:
// запись проходит в хранилище и рассылает сигнал остальным инстансам.
type Cache struct {
	mu     sync.RWMutex
	state  domain.ExecutionPolicyState
	loaded bool
	loads  singleflight.Group // параллельные холодные чтения сливаются в один запрос

	repo    store.PolicyStore
	rdb     *redis.Client // nil — без межпроцессной синхронизации
	channel string
	logger  *zap.Logger
}

func NewCache(repo store.PolicyStore, rdb *redis.Client, channel string, logger *zap.Logger) *Cache {
	return &Cache{
		repo:    repo,
		rdb:     rdb,
		channel: channel,
		logger:  logger.Named("policy"),
	}
}

// State отдает состояние из памяти; первый вызов до Refresh идет в хранилище.
func (c *Cache) State(ctx context.Context) (domain.ExecutionPolicyState, error) {
	c.mu.RLock()
	if c.loaded {
		st := cloneState(c.state)
		c.mu.RUnlock()
		return st, nil
	}
	c.mu.RUnlock()

	_, err, _ := c.loads.Do("state", func() (any, error) {
		c.mu.RLock()
		loaded := c.loaded
		c.mu.RUnlock()
		if loaded {
			return nil, nil
		}
		return nil, c.Refresh(ctx)
	})
	if err != nil {
		return domain.ExecutionPolicyState{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneState(c.state), nil
}

// Refresh — «холодная загрузка» состояния из хранилища с атомарной подменой.
func (c *Cache) Refresh(ctx context.Context) error {
	st, err := c.repo.State(ctx)
	if err != nil {
		return fmt.Errorf("policy: load state: %w", err)
	}

	c.mu.Lock()
	c.state = cloneState(st)
	c.loaded = true
	c.mu.Unlock()

	c.logger.Info("policy cache refreshed",
		zap.Bool("kill_switch", st.KillSwitch.Enabled),
		zap.Int("exemptions", len(st.Exemptions)))
	return nil
}

func (c *Cache) SetKillSwitch(ctx context.Context, ks domain.KillSwitch) error {
	if err := c.repo.SetKillSwitch(ctx, ks); err != nil {
		return fmt.Errorf("policy: set kill switch: %w", err)
	}
	return c.afterWrite(ctx, "kill_switch")
}

func (c *Cache) PutExemption(ctx context.Context, e domain.PolicyExemption) error {
	if err := c.repo.PutExemption(ctx, e); err != nil {
		return fmt.Errorf("policy: put exemption: %w", err)
	}
	return c.afterWrite(ctx, "exemption:"+e.CapabilityID)
}

// afterWrite: 1. перечитываем локально, 2. будим соседей.
func (c *Cache) afterWrite(ctx context.Context, reason string) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Publish(ctx, c.channel, reason).Err(); err != nil {
		// Запись уже в хранилище; соседи догонят при переподключении
		c.logger.Warn("policy update signal failed", zap.String("reason", reason), zap.Error(err))
	}
	return nil
}

// StartListener блокирует до отмены ctx: подписка на канал обновлений с переподключением.
// После каждой (пере)подписки состояние перечитывается целиком.
func (c *Cache) StartListener(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	resilience.ListenResilient(ctx, c.rdb, c.logger, c.channel,
		c.Refresh,
		func(payload string) {
			rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
			defer cancel()
			if err := c.Refresh(rctx); err != nil {
				c.logger.Error("policy refresh on signal failed", zap.String("reason", payload), zap.Error(err))
			}
		})
}

func cloneState(st domain.ExecutionPolicyState) domain.ExecutionPolicyState {
	out := st
	out.Exemptions = append([]domain.PolicyExemption(nil), st.Exemptions...)
	return out
}

var _ store.PolicyStore = (*Cache)(nil)
