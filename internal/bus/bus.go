// Package bus — шина событий поверх долговечного потока: публикация с повторами,
// один цикл потребления на шину, курсор с внешним хранением.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/metrics"
	"github.com/xela07ax/opsbrain/internal/resilience"
	"github.com/xela07ax/opsbrain/internal/store"
)

var ErrClosed = errors.New("bus closed")

type Config struct {
	Consumer       string        // Имя потребителя для CursorStore
	PollInterval   time.Duration // Сколько блокироваться в ожидании новых записей
	BatchSize      int
	CommandTimeout time.Duration // Жесткий предел каждого сетевого вызова поверх poll
	StartID        string        // "$" или конкретный id; используется, если курсор не сохранен
}

func (c Config) withDefaults() Config {
	if c.Consumer == "" {
		c.Consumer = "opsbrain"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 3 * time.Second
	}
	if c.StartID == "" {
		c.StartID = StartLatest
	}
	return c
}

// Handler обрабатывает одно событие. Ошибка или паника логируется, запись пропускается.
type Handler func(ctx context.Context, e Envelope) error

// StopFunc останавливает подписку и дожидается текущей итерации. Повторный вызов — no-op.
type StopFunc func()

type Deps struct {
	Cursors store.CursorStore // опционально
	Policy  resilience.Policy
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Status — снимок состояния для /api/status.
type Status struct {
	Subscribed bool   `json:"subscribed"`
	Cursor     string `json:"cursor,omitempty"`
	Processed  int64  `json:"processed"`
	Failed     int64  `json:"failed"`
}

type Bus struct {
	log     Log
	cfg     Config
	cursors store.CursorStore
	policy  resilience.Policy
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	active *subscription
	closed bool

	processed atomic.Int64
	failed    atomic.Int64
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	cursor atomic.Value // string
}

func New(log Log, cfg Config, d Deps) *Bus {
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Policy.Attempts == 0 {
		d.Policy = resilience.DefaultPolicy()
	}
	return &Bus{
		log:     log,
		cfg:     cfg.withDefaults(),
		cursors: d.Cursors,
		policy:  d.Policy,
		metrics: d.Metrics,
		logger:  d.Logger.With(zap.String("mod", "bus")),
		now:     d.Now,
	}
}

// Publish проставляет id и createdAt, сериализует и добавляет запись с ограниченными повторами.
func (b *Bus) Publish(ctx context.Context, e Envelope) (Envelope, error) {
	if b.isClosed() {
		return Envelope{}, ErrClosed
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = b.now().UTC()
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("bus: marshal envelope: %w", err)
	}

	err = b.policy.Do(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, b.cfg.CommandTimeout)
		defer cancel()
		_, err := b.log.Append(cctx, data)
		return err
	})
	if err != nil {
		b.metrics.BusPublished.WithLabelValues(e.Type, "error").Inc()
		return Envelope{}, fmt.Errorf("bus: publish %s: %w", e.Type, err)
	}
	b.metrics.BusPublished.WithLabelValues(e.Type, "ok").Inc()
	return e, nil
}

// Subscribe запускает единственный цикл потребления. Пока цикл активен, повторный вызов
// возвращает no-op StopFunc. Стартовый курсор: сохраненный в CursorStore, иначе StartID;
// "$" один раз разрешается в текущий хвост потока.
func (b *Bus) Subscribe(ctx context.Context, h Handler) (StopFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}, ErrClosed
	}
	if b.active != nil {
		b.logger.Warn("subscribe called while a consumption loop is active; ignoring")
		return func() {}, nil
	}

	cursor, err := b.resolveStart(ctx)
	if err != nil {
		return func() {}, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	sub.cursor.Store(cursor)
	b.active = sub

	go b.loop(loopCtx, ctx, sub, h)

	b.logger.Info("subscribed", zap.String("consumer", b.cfg.Consumer), zap.String("cursor", cursor))
	return func() { b.stop(sub) }, nil
}

func (b *Bus) resolveStart(ctx context.Context) (string, error) {
	if b.cursors != nil {
		cctx, cancel := context.WithTimeout(ctx, b.cfg.CommandTimeout)
		id, ok, err := b.cursors.Load(cctx, b.cfg.Consumer)
		cancel()
		if err != nil {
			return "", fmt.Errorf("bus: load cursor: %w", err)
		}
		if ok && id != "" {
			return id, nil
		}
	}
	if b.cfg.StartID != StartLatest {
		return b.cfg.StartID, nil
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.CommandTimeout)
	defer cancel()
	id, err := b.log.LastID(cctx)
	if err != nil {
		return "", fmt.Errorf("bus: resolve start cursor: %w", err)
	}
	return id, nil
}

// loop — строго последовательная обработка в порядке id.
// readCtx отменяется при остановке и прерывает только ожидание чтения; начатый пакет дорабатывается.
func (b *Bus) loop(readCtx, handlerCtx context.Context, sub *subscription, h Handler) {
	defer close(sub.done)

	for readCtx.Err() == nil {
		cursor := sub.cursor.Load().(string)

		rctx, cancel := context.WithTimeout(readCtx, b.cfg.PollInterval+b.cfg.CommandTimeout)
		records, err := b.log.ReadAfter(rctx, cursor, b.cfg.BatchSize, b.cfg.PollInterval)
		cancel()
		if err != nil {
			if readCtx.Err() != nil {
				return
			}
			b.logger.Warn("read failed", zap.String("cursor", cursor), zap.Error(err))
			if errors.Is(err, ErrLogClosed) {
				return
			}
			sleepCtx(readCtx, b.cfg.PollInterval)
			continue
		}
		if len(records) == 0 {
			continue
		}

		for _, rec := range records {
			b.dispatch(handlerCtx, rec, h)
			cursor = rec.ID
		}
		sub.cursor.Store(cursor)
		b.saveCursor(handlerCtx, cursor)
	}
}

// dispatch никогда не возвращает ошибку: курсор продвигается мимо любой записи.
func (b *Bus) dispatch(ctx context.Context, rec Record, h Handler) {
	env, err := Decode(rec.Data)
	if err != nil {
		b.failed.Add(1)
		b.metrics.BusConsumed.WithLabelValues("invalid").Inc()
		b.logger.Error("invalid record skipped", zap.String("record_id", rec.ID), zap.Error(err))
		return
	}

	if err := safeHandle(ctx, h, env); err != nil {
		b.failed.Add(1)
		b.metrics.BusConsumed.WithLabelValues("handler_error").Inc()
		b.logger.Error("handler failed, record skipped",
			zap.String("record_id", rec.ID),
			zap.String("type", env.Type),
			zap.Error(err))
		return
	}
	b.processed.Add(1)
	b.metrics.BusConsumed.WithLabelValues("ok").Inc()
}

func safeHandle(ctx context.Context, h Handler, e Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

func (b *Bus) saveCursor(ctx context.Context, id string) {
	if b.cursors == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.CommandTimeout)
	defer cancel()
	if err := b.cursors.Save(cctx, b.cfg.Consumer, id); err != nil {
		b.logger.Warn("cursor save failed", zap.String("cursor", id), zap.Error(err))
	}
}

func (b *Bus) stop(sub *subscription) {
	sub.once.Do(func() {
		sub.cancel()
		<-sub.done

		b.mu.Lock()
		if b.active == sub {
			b.active = nil
		}
		b.mu.Unlock()
		b.logger.Info("subscription stopped", zap.String("cursor", sub.cursor.Load().(string)))
	})
}

// Healthcheck — ping потока с таймаутом команды.
func (b *Bus) Healthcheck(ctx context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	cctx, cancel := context.WithTimeout(ctx, b.cfg.CommandTimeout)
	defer cancel()
	if err := b.log.Ping(cctx); err != nil {
		return fmt.Errorf("bus: ping: %w", err)
	}
	return nil
}

func (b *Bus) Status() Status {
	b.mu.Lock()
	sub := b.active
	b.mu.Unlock()

	st := Status{Processed: b.processed.Load(), Failed: b.failed.Load()}
	if sub != nil {
		st.Subscribed = true
		st.Cursor = sub.cursor.Load().(string)
	}
	return st
}

// Close помечает шину закрытой, дожидается текущей итерации цикла и освобождает лог.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sub := b.active
	b.mu.Unlock()

	if sub != nil {
		b.stop(sub)
	}
	return b.log.Close()
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
