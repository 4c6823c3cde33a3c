// Package executor — клиент внешнего исполнителя изменяющих действий.
// Коннекторы только читают; любая запись уходит сюда через путь capability.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/opsbrain/internal/connectors"
	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/resilience"
)

const maxResponseBody = 1 << 20

type Config struct {
	URL            string
	Token          string
	RatePerSecond  float64
	Burst          int
	AttemptTimeout time.Duration

	// Настройки предохранителя
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBFailures    uint32
}

// ThrottleError — исполнитель попросил подождать (429 + Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("executor throttled: retry after %s", e.RetryAfter)
}

type Client struct {
	cfg     Config
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	policy  resilience.Policy
	logger  *zap.Logger
}

func New(cfg Config, httpClient *http.Client, policy resilience.Policy, logger *zap.Logger) *Client {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.CBFailures == 0 {
		cfg.CBFailures = 5
	}
	if cfg.CBTimeout <= 0 {
		cfg.CBTimeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger = logger.With(zap.String("mod", "executor"))

	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger,
	}

	// Настройка предохранителя
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "write-executor",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CBFailures
		},
		// Ошибки вызывающего (4xx) не говорят о здоровье исполнителя
		IsSuccessful: func(err error) bool {
			return err == nil || !connectors.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	c.policy = policy.WithRetryable(func(err error) bool {
		var tErr *ThrottleError
		return errors.As(err, &tErr) || connectors.IsRetryable(err)
	})
	c.policy.DelayHint = func(err error) (time.Duration, bool) {
		// Если исполнитель вернул ThrottleError — ждем ровно столько, сколько он попросил
		var tErr *ThrottleError
		if errors.As(err, &tErr) {
			return tErr.RetryAfter, true
		}
		return 0, false
	}
	return c
}

type executeRequest struct {
	CapabilityID string          `json:"capability_id"`
	Target       string          `json:"target"`
	Action       string          `json:"action"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// Execute: rate limiter -> circuit breaker -> retry с таймаутом на попытку.
func (c *Client) Execute(ctx context.Context, def domain.CapabilityDefinition, input json.RawMessage) (json.RawMessage, error) {
	// 1. Rate Limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("executor: rate limit wait: %w", err)
	}

	body, err := json.Marshal(executeRequest{CapabilityID: def.ID, Target: def.Target, Action: def.Action, Input: input})
	if err != nil {
		return nil, fmt.Errorf("executor: marshal request: %w", err)
	}
	// Один ключ на все попытки: исполнитель обязан дедуплицировать повторы
	idempotencyKey := uuid.NewString()

	// 2. Circuit Breaker
	res, err := c.cb.Execute(func() (interface{}, error) {
		var out json.RawMessage
		retryErr := c.policy.Do(ctx, func(ctx context.Context) error {
			tCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
			defer cancel()

			var callErr error
			out, callErr = c.post(tCtx, body, idempotencyKey)
			return callErr
		})
		return out, retryErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &connectors.ConnectorError{Code: connectors.CodeUnavailable, Message: "executor: circuit open", Retryable: true, Cause: err}
		}
		c.logger.Warn("execute failed", zap.String("capability", def.ID), zap.Error(err))
		var tErr *ThrottleError
		if errors.As(err, &tErr) {
			return nil, &connectors.ConnectorError{Code: connectors.CodeUnavailable, Message: tErr.Error(), Retryable: true, Cause: err}
		}
		return nil, connectors.Classify(err)
	}
	return res.(json.RawMessage), nil
}

// State — состояние предохранителя для /api/status.
func (c *Client) State() string { return c.cb.State().String() }

func (c *Client) post(ctx context.Context, body []byte, idempotencyKey string) (json.RawMessage, error) {
	url := strings.TrimRight(c.cfg.URL, "/") + "/v1/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("executor: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ThrottleError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("executor: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if !json.Valid(data) {
		return nil, &connectors.ConnectorError{Code: connectors.CodeBadResponse, Message: "executor: malformed response body"}
	}
	return json.RawMessage(data), nil
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return time.Second
	}
	return time.Duration(secs) * time.Second
}
