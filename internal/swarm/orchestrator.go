// Package swarm — тонкий координатор прогона: объявляет жизненный цикл на шине
// и раздает входящие события зарегистрированным обработчикам по типу.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/bus"
)

const (
	RunStartedEvent = "swarm.run.started"
	RunStoppedEvent = "swarm.run.stopped"

	// AnyEvent — обработчик, получающий все типы.
	AnyEvent = "*"
)

var ErrNotRunning = errors.New("swarm: orchestrator is not running")

// Bus — то, что оркестратору нужно от шины.
type Bus interface {
	Publish(ctx context.Context, e bus.Envelope) (bus.Envelope, error)
	Subscribe(ctx context.Context, h bus.Handler) (bus.StopFunc, error)
}

type Config struct {
	SwarmID string `mapstructure:"swarm_id"`
	ActorID string `mapstructure:"actor_id"` // Кем подписаны собственные события
}

type Orchestrator struct {
	bus    Bus
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	handlers  map[string][]bus.Handler
	runID     string
	startedAt time.Time
	stop      bus.StopFunc
}

func New(b Bus, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.SwarmID == "" {
		cfg.SwarmID = "opsbrain"
	}
	if cfg.ActorID == "" {
		cfg.ActorID = "orchestrator"
	}
	return &Orchestrator{
		bus:      b,
		cfg:      cfg,
		logger:   logger.With(zap.String("mod", "swarm"), zap.String("swarm_id", cfg.SwarmID)),
		now:      time.Now,
		handlers: make(map[string][]bus.Handler),
	}
}

// On регистрирует обработчик для типа события. Можно вызывать и после Start.
func (o *Orchestrator) On(eventType string, h bus.Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[eventType] = append(o.handlers[eventType], h)
}

// Start открывает новый прогон: подписка на шину, затем swarm.run.started.
// Повторный Start при активном прогоне ничего не делает.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.runID != "" {
		o.mu.Unlock()
		return nil
	}

	stop, err := o.bus.Subscribe(ctx, o.dispatch)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("swarm: subscribe: %w", err)
	}
	o.runID = uuid.NewString()
	o.startedAt = o.now().UTC()
	o.stop = stop
	runID, startedAt := o.runID, o.startedAt
	o.mu.Unlock()

	if err := o.Announce(ctx, RunStartedEvent, map[string]any{"startedAt": startedAt}); err != nil {
		// Прогон уже идет: отказ объявления не повод гасить подписку
		o.logger.Warn("run start announce failed", zap.String("run_id", runID), zap.Error(err))
	}
	o.logger.Info("run started", zap.String("run_id", runID))
	return nil
}

// Stop дожидается текущей обработки, затем объявляет swarm.run.stopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.runID == "" {
		o.mu.Unlock()
		return nil
	}
	stop, runID, startedAt := o.stop, o.runID, o.startedAt
	o.mu.Unlock()

	// 1. Потребление: stop ждет начатый пакет
	stop()

	// 2. Объявление от имени еще текущего прогона
	err := o.publish(ctx, runID, RunStoppedEvent, o.cfg.ActorID, map[string]any{
		"startedAt":  startedAt,
		"uptimeSecs": int64(o.now().Sub(startedAt).Seconds()),
	})

	o.mu.Lock()
	o.runID, o.stop = "", nil
	o.mu.Unlock()

	o.logger.Info("run stopped", zap.String("run_id", runID))
	if err != nil {
		return fmt.Errorf("swarm: announce stop: %w", err)
	}
	return nil
}

// Announce публикует событие от имени оркестратора в текущем прогоне.
func (o *Orchestrator) Announce(ctx context.Context, eventType string, payload any) error {
	return o.Notify(ctx, eventType, o.cfg.ActorID, payload)
}

// Notify публикует событие от имени конкретного актора (хук рантайма capability).
func (o *Orchestrator) Notify(ctx context.Context, eventType, actorID string, payload any) error {
	o.mu.RLock()
	runID := o.runID
	o.mu.RUnlock()
	if runID == "" {
		return ErrNotRunning
	}
	return o.publish(ctx, runID, eventType, actorID, payload)
}

func (o *Orchestrator) publish(ctx context.Context, runID, eventType, actorID string, payload any) error {
	raw, err := bus.NewPayload(payload)
	if err != nil {
		return err
	}
	_, err = o.bus.Publish(ctx, bus.Envelope{
		Type:    eventType,
		SwarmID: o.cfg.SwarmID,
		RunID:   runID,
		ActorID: actorID,
		Payload: raw,
	})
	return err
}

// RunID — идентификатор текущего прогона или "".
func (o *Orchestrator) RunID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runID
}

// dispatch вызывает обработчики типа, затем универсальные. Ошибки собираются,
// шина залогирует их и продвинет курсор.
func (o *Orchestrator) dispatch(ctx context.Context, e bus.Envelope) error {
	if e.SwarmID != o.cfg.SwarmID {
		return nil // Чужой рой на общем потоке
	}

	o.mu.RLock()
	hs := make([]bus.Handler, 0, len(o.handlers[e.Type])+len(o.handlers[AnyEvent]))
	hs = append(hs, o.handlers[e.Type]...)
	hs = append(hs, o.handlers[AnyEvent]...)
	o.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
