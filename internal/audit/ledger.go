package audit

/*
Ledger — буферизованный журнал аудита поверх пакетного хранилища (Postgres).

- Batching: события копятся в памяти и пишутся одной вставкой по таймеру
  или при достижении размера пачки.
- Back-pressure: при полном буфере Append ждет места (или отмены ctx).
  Аудит не сбрасывается: каждое исполнение capability обязано оставить ровно одну запись.
- Read-your-writes: List сначала просит воркер сбросить текущую пачку.
- Drain: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/metrics"
	"github.com/xela07ax/opsbrain/internal/resilience"
	"github.com/xela07ax/opsbrain/internal/store"
)

var ErrLedgerClosed = errors.New("audit: ledger closed")

// Sink определяет, куда физически пишутся события.
type Sink interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []domain.Event) error
	List(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
}

type Config struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

type Ledger struct {
	sink    Sink
	cfg     Config
	policy  resilience.Policy
	metrics *metrics.Metrics
	logger  *zap.Logger

	ch      chan domain.Event
	flushes chan chan error

	mu     sync.RWMutex // Append держит RLock на время отправки; Stop берет Lock
	closed bool
	wg     sync.WaitGroup
}

func NewLedger(sink Sink, cfg Config, policy resilience.Policy, m *metrics.Metrics, logger *zap.Logger) *Ledger {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.New(nil)
	}
	return &Ledger{
		sink:    sink,
		cfg:     cfg,
		policy:  policy,
		metrics: m,
		logger:  logger.With(zap.String("mod", "audit")),
		ch:      make(chan domain.Event, cfg.BufferSize),
		flushes: make(chan chan error),
	}
}

func (l *Ledger) Start() {
	l.wg.Add(1)
	go l.worker()
}

// Stop «запирает» вход и ждет, пока воркер все допишет.
func (l *Ledger) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	l.logger.Info("stopping audit ledger: flushing buffer...")
	l.wg.Wait()
	l.logger.Info("audit ledger stopped")
}

// Append ставит событие в очередь. При полном буфере ждет; ошибка только при отмене или остановке.
func (l *Ledger) Append(ctx context.Context, e domain.Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLedgerClosed
	}

	select {
	case l.ch <- e:
		l.metrics.AuditBufferFill.Set(float64(len(l.ch)))
		return nil
	default:
	}

	// Буфер полон: ждем воркер, а не теряем запись
	l.logger.Warn("audit buffer full, applying back-pressure", zap.Int("capacity", cap(l.ch)))
	select {
	case l.ch <- e:
		l.metrics.AuditBufferFill.Set(float64(len(l.ch)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit: append %s: %w", e.Action, ctx.Err())
	}
}

// List сбрасывает накопленное и читает из хранилища.
func (l *Ledger) List(ctx context.Context, f domain.EventFilter) ([]domain.Event, error) {
	if err := l.Flush(ctx); err != nil && !errors.Is(err, ErrLedgerClosed) {
		return nil, err
	}
	return l.sink.List(ctx, f)
}

// Flush синхронно сбрасывает все, что уже принято в буфер.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrLedgerClosed
	}
	reply := make(chan error, 1)
	select {
	case l.flushes <- reply:
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	l.mu.RUnlock()

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Ledger) worker() {
	defer l.wg.Done()

	batch := make([]domain.Event, 0, l.cfg.BatchSize)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := l.write(batch)
		batch = batch[:0]
		l.metrics.AuditBufferFill.Set(float64(len(l.ch)))
		return err
	}

	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				// Канал закрыт в Stop: все, что было в очереди, уже вычитано
				_ = flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= l.cfg.BatchSize {
				_ = flush()
			}
		case reply := <-l.flushes:
			// Забираем то, что уже лежит в канале, чтобы Flush видел все принятые события
			for drained := false; !drained; {
				select {
				case e, ok := <-l.ch:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, e)
				default:
					drained = true
				}
			}
			reply <- flush()
		case <-ticker.C:
			_ = flush()
		}
	}
}

// write — пачка с ограниченными повторами. Используем Background: контекст вызова может быть уже закрыт.
func (l *Ledger) write(batch []domain.Event) error {
	events := append([]domain.Event(nil), batch...)
	err := l.policy.Do(context.Background(), func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
		defer cancel()
		return l.sink.WriteBatch(wctx, events)
	})
	if err != nil {
		ids := make([]string, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		l.logger.Error("audit flush failed, events lost", zap.Int("count", len(events)), zap.Strings("ids", ids), zap.Error(err))
		return fmt.Errorf("audit: write batch: %w", err)
	}
	return nil
}

var _ store.EventStore = (*Ledger)(nil)
