package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xela07ax/opsbrain/internal/domain"
)

// DefaultStaleAfter — устройство без активности дольше этого считается offline.
const DefaultStaleAfter = 30 * time.Minute

// Connector — единый контракт адаптеров к внешним API устройств.
// Коннекторы только читают: запись идет через отдельный executor по пути capability.
type Connector interface {
	Name() string
	Health(ctx context.Context) HealthResult
	ReadStatus(ctx context.Context, in ReadStatusInput) (ReadStatusResult, error)
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// HealthResult — результат проверки доступности.
type HealthResult struct {
	OK        bool      `json:"ok"`
	LatencyMs int64     `json:"latency_ms"`
	Code      ErrorCode `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ReadStatusInput — опциональный фильтр устройств.
type ReadStatusInput struct {
	DeviceIDs []string `json:"device_ids,omitempty"`
}

// ReadStatusResult — нормализованные устройства и число сырых записей.
type ReadStatusResult struct {
	Devices  []domain.Device `json:"devices"`
	RawCount int             `json:"raw_count"`
}

// ExecuteRequest — запрос на действие через коннектор.
type ExecuteRequest struct {
	Intent domain.Intent   `json:"intent"`
	Action string          `json:"action"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ExecuteResult — ответ коннектора.
type ExecuteResult struct {
	Output json.RawMessage `json:"output"`
}

// rejectWrites — общий предохранитель read-only контракта.
func rejectWrites(connector string, req ExecuteRequest) error {
	if req.Intent == domain.IntentWrite {
		return &ConnectorError{
			Code:      CodeReadOnlyViolation,
			Message:   connector + ": write intent is not allowed on a read-only connector",
			Retryable: false,
		}
	}
	return nil
}

// filterDevices оставляет только запрошенные id (если список задан).
func filterDevices(devices []domain.Device, ids []string) []domain.Device {
	if len(ids) == 0 {
		return devices
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]domain.Device, 0, len(devices))
	for _, d := range devices {
		if _, ok := want[d.ID]; ok {
			out = append(out, d)
		}
	}
	return out
}
