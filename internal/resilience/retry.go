// Package resilience — ограниченные повторы с экспоненциальной задержкой и джиттером,
// плюс живучая подписка на сигналы Redis.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v5"
)

// Policy описывает ограниченную политику повторов. Бесконечных повторов в ядре нет.
type Policy struct {
	Attempts  uint          // Всего попыток, включая первую
	BaseDelay time.Duration // Стартовая задержка экспоненты
	MaxDelay  time.Duration // Потолок задержки без джиттера
	MaxJitter time.Duration // Случайная добавка к каждой задержке

	// Retryable решает, имеет ли смысл повторять. nil — повторяем любую ошибку.
	Retryable func(error) bool

	// DelayHint позволяет ошибке продиктовать задержку (например, считанный Retry-After)
	DelayHint func(error) (time.Duration, bool)
}

// DefaultPolicy — 3 попытки, 100ms → 200ms, джиттер до 100ms.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
		MaxJitter: 100 * time.Millisecond,
	}
}

// WithRetryable возвращает копию политики с другим фильтром ошибок.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// Do выполняет fn с повторами. Возвращается последняя ошибка, а не склейка всех попыток.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.BaseDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			if p.Retryable == nil {
				return true
			}
			return p.Retryable(err)
		}),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			if p.DelayHint != nil {
				if d, ok := p.DelayHint(err); ok {
					return d
				}
			}
			return p.delay(retry.BackOffDelay(n, err, config))
		}),
	)

	return r.Do(func() error {
		return fn(ctx)
	})
}

// delay ограничивает экспоненту и добавляет джиттер, чтобы повторы разных инстансов не совпадали.
func (p Policy) delay(backoff time.Duration) time.Duration {
	if p.MaxDelay > 0 && backoff > p.MaxDelay {
		backoff = p.MaxDelay
	}
	if p.MaxJitter > 0 {
		backoff += time.Duration(rand.Int64N(int64(p.MaxJitter)))
	}
	return backoff
}
