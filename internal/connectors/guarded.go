package connectors

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/metrics"
	"github.com/xela07ax/opsbrain/internal/resilience"
)

// ErrCircuitOpen — цепь открыта, попытка не выполнялась.
var ErrCircuitOpen = errors.New("circuit open")

// Guarded оборачивает коннектор: Circuit Breaker -> Retry (только retryable коды) -> классификация.
type Guarded struct {
	next    Connector
	breaker *CircuitBreaker
	policy  resilience.Policy
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewGuarded(next Connector, breaker *CircuitBreaker, policy resilience.Policy, m *metrics.Metrics, logger *zap.Logger) *Guarded {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Guarded{
		next:    next,
		breaker: breaker,
		policy:  policy,
		metrics: m,
		logger:  logger.With(zap.String("mod", "connector"), zap.String("connector", next.Name())),
	}
}

func (g *Guarded) Name() string { return g.next.Name() }

// Health пробрасывается без учета в breaker: проба не должна расходовать half-open попытку.
func (g *Guarded) Health(ctx context.Context) HealthResult {
	res := g.next.Health(ctx)
	code := string(res.Code)
	if res.OK {
		code = "OK"
	}
	g.metrics.ConnectorCalls.WithLabelValues(g.Name(), "health", code).Inc()
	return res
}

func (g *Guarded) ReadStatus(ctx context.Context, in ReadStatusInput) (ReadStatusResult, error) {
	var out ReadStatusResult
	err := g.call(ctx, "read_status", func(ctx context.Context) error {
		var err error
		out, err = g.next.ReadStatus(ctx, in)
		return err
	})
	return out, err
}

func (g *Guarded) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	// Запись отклоняем до breaker: это ошибка вызывающего, а не отказ устройства
	if err := rejectWrites(g.Name(), req); err != nil {
		g.metrics.ConnectorCalls.WithLabelValues(g.Name(), "execute", string(CodeReadOnlyViolation)).Inc()
		return ExecuteResult{}, err
	}

	var out ExecuteResult
	err := g.call(ctx, "execute", func(ctx context.Context) error {
		var err error
		out, err = g.next.Execute(ctx, req)
		return err
	})
	return out, err
}

// BreakerState — текущее состояние цепи коннектора.
func (g *Guarded) BreakerState() BreakerState {
	return g.breaker.State(g.Name())
}

func (g *Guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	key := g.Name()

	policy := g.policy.WithRetryable(func(err error) bool {
		// Нет смысла повторять, если цепь успела открыться
		return IsRetryable(err) && g.breaker.State(key) != BreakerOpen
	})

	err := policy.Do(ctx, func(ctx context.Context) error {
		if !g.breaker.CanAttempt(key) {
			g.metrics.ConnectorCalls.WithLabelValues(key, op, "CIRCUIT_OPEN").Inc()
			return &ConnectorError{Code: CodeUnavailable, Message: key + ": circuit open", Retryable: true, Cause: ErrCircuitOpen}
		}

		callErr := fn(ctx)
		if callErr == nil {
			g.breaker.RecordSuccess(key)
			g.observe(key, op, "OK")
			return nil
		}

		ce := Classify(callErr)
		if ce.Code != CodeReadOnlyViolation {
			g.breaker.RecordFailure(key)
		}
		g.observe(key, op, string(ce.Code))
		g.logger.Warn("connector call failed",
			zap.String("op", op),
			zap.String("code", string(ce.Code)),
			zap.Bool("retryable", ce.Retryable),
			zap.Error(callErr))
		return ce
	})
	if err == nil {
		return nil
	}
	return Classify(err)
}

func (g *Guarded) observe(key, op, code string) {
	g.metrics.ConnectorCalls.WithLabelValues(key, op, code).Inc()

	var v float64
	switch g.breaker.State(key) {
	case BreakerOpen:
		v = 1
	case BreakerHalfOpen:
		v = 0.5
	}
	g.metrics.CircuitBreakerState.WithLabelValues(key).Set(v)
}
