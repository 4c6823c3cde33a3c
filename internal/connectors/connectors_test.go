package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/resilience"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Set(ms int64)            { c.t = time.UnixMilli(ms) }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCircuitBreaker_OpensAndHalfOpens(t *testing.T) {
	clock := &fakeClock{}
	b := NewCircuitBreaker(2, 1000*time.Millisecond, clock.Now)

	clock.Set(0)
	b.RecordFailure("hub")
	assert.True(t, b.CanAttempt("hub"), "one failure is below threshold")

	clock.Set(1)
	b.RecordFailure("hub")

	clock.Set(500)
	assert.False(t, b.CanAttempt("hub"))
	assert.Equal(t, BreakerOpen, b.State("hub"))

	clock.Set(1001)
	assert.True(t, b.CanAttempt("hub"))
	assert.Equal(t, BreakerHalfOpen, b.State("hub"))

	// Провал в half-open снова открывает цепь
	b.RecordFailure("hub")
	clock.Set(1500)
	assert.False(t, b.CanAttempt("hub"))

	b.RecordSuccess("hub")
	assert.Equal(t, BreakerClosed, b.State("hub"))
	assert.True(t, b.CanAttempt("other"), "keys are independent")
}

func TestCircuitBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	clock := &fakeClock{}
	b := NewCircuitBreaker(2, 1000*time.Millisecond, clock.Now)

	clock.Set(0)
	b.RecordFailure("k")
	clock.Set(1)
	b.RecordFailure("k")

	clock.Set(1001)
	allowed := 0
	for i := 0; i < 5; i++ {
		if b.CanAttempt("k") {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
	assert.Equal(t, BreakerHalfOpen, b.State("k"), "State does not hand out the probe")

	// Успех пробы закрывает цепь
	b.RecordSuccess("k")
	assert.True(t, b.CanAttempt("k"))
	assert.True(t, b.CanAttempt("k"))
}

func TestCircuitBreaker_ConcurrentHalfOpen(t *testing.T) {
	clock := &fakeClock{}
	b := NewCircuitBreaker(1, time.Second, clock.Now)
	clock.Set(0)
	b.RecordFailure("k")
	clock.Set(1000)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.CanAttempt("k") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, allowed.Load())
}

func TestCircuitBreaker_StuckProbeIsReleasedAfterCooldown(t *testing.T) {
	clock := &fakeClock{}
	b := NewCircuitBreaker(1, time.Second, clock.Now)
	clock.Set(0)
	b.RecordFailure("k")

	clock.Set(1000)
	require.True(t, b.CanAttempt("k"))
	clock.Set(1500)
	assert.False(t, b.CanAttempt("k"), "probe still in flight")
	clock.Set(2000)
	assert.True(t, b.CanAttempt("k"), "probe never reported back")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg       string
		code      ErrorCode
		retryable bool
	}{
		{"context deadline exceeded", CodeTimeout, true},
		{"request timed out", CodeTimeout, true},
		{"hub: status 401: denied", CodeAuth, false},
		{"403 Forbidden", CodeAuth, false},
		{"dial tcp 10.0.0.2:80: connect: connection refused", CodeUnavailable, true},
		{"hub: status 502: bad gateway", CodeUnavailable, true},
		{"invalid character 'x' looking for beginning of value", CodeBadResponse, false},
		{"boom", CodeUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			ce := Classify(errors.New(tc.msg))
			require.NotNil(t, ce)
			assert.Equal(t, tc.code, ce.Code)
			assert.Equal(t, tc.retryable, ce.Retryable)
		})
	}

	assert.Nil(t, Classify(nil))
}

func TestClassify_PreclassifiedPassesThrough(t *testing.T) {
	orig := &ConnectorError{Code: CodeAuth, Message: "token timeout"}
	got := Classify(fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, got)
}

func TestNormalizeDevice(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("switch on and numeric battery", func(t *testing.T) {
		d := NormalizeDevice(map[string]any{"id": "hub-1", "switch": "on", "battery": float64(98)}, now, 0)
		assert.Equal(t, "hub-1", d.ID)
		assert.Equal(t, "hub-1", d.Label)
		assert.True(t, d.Online)
		require.NotNil(t, d.BatteryPct)
		assert.Equal(t, 98, *d.BatteryPct)
	})

	t.Run("non numeric battery is absent", func(t *testing.T) {
		d := NormalizeDevice(map[string]any{"id": "lock-3", "battery": "n/a"}, now, 0)
		assert.Nil(t, d.BatteryPct)
	})

	t.Run("battery string is clamped", func(t *testing.T) {
		d := NormalizeDevice(map[string]any{"id": "x", "battery": "140%"}, now, 0)
		require.NotNil(t, d.BatteryPct)
		assert.Equal(t, 100, *d.BatteryPct)
	})

	t.Run("stale device is forced offline", func(t *testing.T) {
		d := NormalizeDevice(map[string]any{
			"id":         "sensor-2",
			"online":     true,
			"lastSeenAt": now.Add(-2 * time.Hour).Format(time.RFC3339),
		}, now, 30*time.Minute)
		assert.False(t, d.Online)
		assert.Equal(t, true, d.Attributes["stale"])
	})

	t.Run("fresh device keeps status and extra keys", func(t *testing.T) {
		d := NormalizeDevice(map[string]any{
			"deviceId":   "sensor-2",
			"name":       "Hall motion",
			"status":     "online",
			"lastSeenAt": now.Add(-time.Minute).Format(time.RFC3339),
			"room":       "hall",
		}, now, 30*time.Minute)
		assert.Equal(t, "sensor-2", d.ID)
		assert.Equal(t, "Hall motion", d.Label)
		assert.True(t, d.Online)
		assert.Equal(t, false, d.Attributes["stale"])
		assert.Equal(t, "hall", d.Attributes["room"])
		assert.NotContains(t, d.Attributes, "deviceId")
	})
}

func TestParseDevices(t *testing.T) {
	items, err := ParseDevices([]byte(`{"devices":[{"id":"a"},{"id":"b"}]}`))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = ParseDevices([]byte(`[{"id":"a"}]`))
	require.NoError(t, err)
	assert.Len(t, items, 1)

	for _, body := range []string{
		`{"devices":"bad-shape"}`,
		`{"items":[]}`,
		`[1,2]`,
		`not json`,
	} {
		_, err := ParseDevices([]byte(body))
		var ce *ConnectorError
		require.ErrorAs(t, err, &ce, body)
		assert.Equal(t, CodeBadResponse, ce.Code, body)
		assert.False(t, ce.Retryable)
	}
}

func TestNormalizeDevices_MissingIDIsBadResponse(t *testing.T) {
	_, err := NormalizeDevices([]map[string]any{{"label": "nameless"}}, time.Now(), 0)
	var ce *ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeBadResponse, ce.Code)
}

// scripted — коннектор, возвращающий заранее заданные ошибки по порядку.
type scripted struct {
	errs  []error
	calls atomic.Int32
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Health(context.Context) HealthResult { return HealthResult{OK: true} }

func (s *scripted) ReadStatus(context.Context, ReadStatusInput) (ReadStatusResult, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return ReadStatusResult{}, s.errs[n]
	}
	return ReadStatusResult{Devices: []domain.Device{{ID: "d1"}}, RawCount: 1}, nil
}

func (s *scripted) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	return executeRead(ctx, s, req)
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestGuarded_RetriesRetryableCodes(t *testing.T) {
	next := &scripted{errs: []error{errors.New("status 503"), errors.New("i/o timeout")}}
	g := NewGuarded(next, NewCircuitBreaker(10, time.Minute, nil), fastPolicy(), nil, zap.NewNop())

	res, err := g.ReadStatus(context.Background(), ReadStatusInput{})
	require.NoError(t, err)
	assert.Len(t, res.Devices, 1)
	assert.EqualValues(t, 3, next.calls.Load())
	assert.Equal(t, BreakerClosed, g.BreakerState())
}

func TestGuarded_StopsOnNonRetryable(t *testing.T) {
	next := &scripted{errs: []error{errors.New("status 401"), nil}}
	g := NewGuarded(next, NewCircuitBreaker(10, time.Minute, nil), fastPolicy(), nil, zap.NewNop())

	_, err := g.ReadStatus(context.Background(), ReadStatusInput{})
	var ce *ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeAuth, ce.Code)
	assert.EqualValues(t, 1, next.calls.Load())
}

func TestGuarded_OpenCircuitShortCircuits(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	next := &scripted{errs: []error{errors.New("status 503"), errors.New("status 503"), errors.New("status 503")}}
	g := NewGuarded(next, NewCircuitBreaker(2, time.Second, clock.Now), fastPolicy(), nil, zap.NewNop())

	_, err := g.ReadStatus(context.Background(), ReadStatusInput{})
	require.Error(t, err)
	assert.EqualValues(t, 2, next.calls.Load(), "retry stops once the circuit opens")
	assert.Equal(t, BreakerOpen, g.BreakerState())

	_, err = g.ReadStatus(context.Background(), ReadStatusInput{})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.EqualValues(t, 2, next.calls.Load())

	clock.Advance(time.Second)
	_, err = g.ReadStatus(context.Background(), ReadStatusInput{})
	require.Error(t, err, "half-open probe hits the third scripted failure")
	assert.EqualValues(t, 3, next.calls.Load())
}

func TestGuarded_WriteIntentIsRejected(t *testing.T) {
	next := &scripted{}
	g := NewGuarded(next, NewCircuitBreaker(1, time.Minute, nil), fastPolicy(), nil, zap.NewNop())

	_, err := g.Execute(context.Background(), ExecuteRequest{Intent: domain.IntentWrite, Action: "turn_on"})
	var ce *ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeReadOnlyViolation, ce.Code)
	assert.False(t, ce.Retryable)
	assert.EqualValues(t, 0, next.calls.Load())
	assert.Equal(t, BreakerClosed, g.BreakerState())
}

func TestGuarded_ExecuteReadReturnsDevices(t *testing.T) {
	next := &scripted{}
	g := NewGuarded(next, NewCircuitBreaker(1, time.Minute, nil), fastPolicy(), nil, zap.NewNop())

	res, err := g.Execute(context.Background(), ExecuteRequest{Intent: domain.IntentRead, Action: "refresh"})
	require.NoError(t, err)

	var out ReadStatusResult
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, 1, out.RawCount)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewSimulated("sim-b", 0)))
	require.NoError(t, r.Register(NewSimulated("sim-a", 0)))
	require.Error(t, r.Register(NewSimulated("sim-a", 0)))

	assert.Equal(t, []string{"sim-a", "sim-b"}, r.Names())

	_, err := r.Get("missing")
	require.ErrorIs(t, err, ErrUnknownConnector)

	health := r.HealthAll(context.Background())
	assert.True(t, health["sim-a"].OK)
	assert.True(t, health["sim-b"].OK)
}

func TestSimulated_FailNext(t *testing.T) {
	s := NewSimulated("", 0)
	s.FailNext(1)

	_, err := s.ReadStatus(context.Background(), ReadStatusInput{})
	assert.Equal(t, CodeUnavailable, Classify(err).Code)

	res, err := s.ReadStatus(context.Background(), ReadStatusInput{DeviceIDs: []string{"hub-1"}})
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	assert.True(t, res.Devices[0].Online)
	assert.Equal(t, 4, res.RawCount)
}
