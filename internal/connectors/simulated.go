package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Simulated — коннектор для стенда разработки: отдает фиксированный набор устройств
// с имитацией сетевой задержки. Включается в конфиге (connectors.simulated.enabled).
type Simulated struct {
	name       string
	maxLatency time.Duration
	failNext   atomic.Int32
	now        func() time.Time
}

func NewSimulated(name string, maxLatency time.Duration) *Simulated {
	if name == "" {
		name = "simulated"
	}
	return &Simulated{name: name, maxLatency: maxLatency, now: time.Now}
}

func (s *Simulated) Name() string { return s.name }

// FailNext заставляет следующие n вызовов вернуть UNAVAILABLE.
func (s *Simulated) FailNext(n int) { s.failNext.Store(int32(n)) }

func (s *Simulated) Health(ctx context.Context) HealthResult {
	start := s.now()
	err := s.roundTrip(ctx)
	res := HealthResult{OK: err == nil, LatencyMs: s.now().Sub(start).Milliseconds(), CheckedAt: s.now()}
	if err != nil {
		ce := Classify(err)
		res.Code, res.Message = ce.Code, ce.Message
	}
	return res
}

func (s *Simulated) ReadStatus(ctx context.Context, in ReadStatusInput) (ReadStatusResult, error) {
	if err := s.roundTrip(ctx); err != nil {
		return ReadStatusResult{}, err
	}
	now := s.now()
	raw := []map[string]any{
		{"id": "hub-1", "label": "Living room plug", "switch": "on", "battery": float64(98)},
		{"id": "sensor-2", "label": "Hall motion", "status": "online", "battery": "41%", "lastSeenAt": now.Add(-time.Minute).Format(time.RFC3339)},
		{"id": "lock-3", "label": "Front door", "online": true, "battery": "n/a"},
		{"id": "vacuum-4", "label": "Robot vacuum", "state": "docked", "lastSeenAt": now.Add(-2 * time.Hour).Format(time.RFC3339)},
	}
	devices, err := NormalizeDevices(raw, now, DefaultStaleAfter)
	if err != nil {
		return ReadStatusResult{}, err
	}
	return ReadStatusResult{Devices: filterDevices(devices, in.DeviceIDs), RawCount: len(raw)}, nil
}

func (s *Simulated) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if err := rejectWrites(s.Name(), req); err != nil {
		return ExecuteResult{}, err
	}
	return executeRead(ctx, s, req)
}

func (s *Simulated) roundTrip(ctx context.Context) error {
	if s.maxLatency > 0 {
		latency := time.Duration(rand.Int64N(int64(s.maxLatency)))
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.failNext.Load() > 0 {
		s.failNext.Add(-1)
		return fmt.Errorf("%s: service unavailable", s.name)
	}
	return nil
}

var _ Connector = (*Simulated)(nil)
