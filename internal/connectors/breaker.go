package connectors

import (
	"sync"
	"time"
)

// BreakerState — состояние ключа для метрик и /api/status.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type breakerEntry struct {
	failures    int
	lastFailure time.Time

	// Пробная попытка half-open уже выдана и еще не завершилась
	probing      bool
	probeStarted time.Time
}

// CircuitBreaker считает подряд идущие ошибки по логическому ключу.
// Решение — чистая функция (failures, lastFailure, now): без таймеров и фоновых горутин.
// Мьютекс нужен только потому, что вызовы идут из разных горутин.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	entries   map[string]*breakerEntry
}

func NewCircuitBreaker(threshold int, cooldown time.Duration, now func() time.Time) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		entries:   make(map[string]*breakerEntry),
	}
}

// CanAttempt — false, пока открыт. В half-open пропускает ровно одну попытку:
// остальные получают false, пока она не завершится через RecordSuccess/RecordFailure.
// Зависшая проба (не вернулась за cooldown) освобождает слот для следующей.
func (b *CircuitBreaker) CanAttempt(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	e, ok := b.entries[key]
	switch b.stateLocked(e, ok, now) {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return false
	}
	if e.probing && now.Sub(e.probeStarted) < b.cooldown {
		return false
	}
	e.probing = true
	e.probeStarted = now
	return true
}

// State вычисляет состояние на текущий момент. Только чтение: пробу не выдает.
func (b *CircuitBreaker) State(key string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return b.stateLocked(e, ok, b.now())
}

func (b *CircuitBreaker) stateLocked(e *breakerEntry, ok bool, now time.Time) BreakerState {
	if !ok || e.failures < b.threshold {
		return BreakerClosed
	}
	if now.Sub(e.lastFailure) >= b.cooldown {
		return BreakerHalfOpen
	}
	return BreakerOpen
}

// RecordSuccess сбрасывает счетчик.
func (b *CircuitBreaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// RecordFailure увеличивает счетчик; провал в half-open снова открывает цепь на cooldown.
func (b *CircuitBreaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		e = &breakerEntry{}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()
	e.probing = false
}

// Snapshot — состояния всех известных ключей.
func (b *CircuitBreaker) Snapshot() map[string]BreakerState {
	b.mu.Lock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	out := make(map[string]BreakerState, len(keys))
	for _, k := range keys {
		out[k] = b.State(k)
	}
	return out
}
