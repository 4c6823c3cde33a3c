package domain

import "time"

// Device — нормализованное устройство независимо от формата конкретного API.
type Device struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Online     bool           `json:"online"`
	BatteryPct *int           `json:"battery_pct"` // nil, если значение не распознано
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ConnectorSnapshot — срез одного коннектора на момент расчета.
type ConnectorSnapshot struct {
	Healthy  bool     `json:"healthy"`
	Devices  []Device `json:"devices"`
	RawCount int      `json:"raw_count"`
	Error    string   `json:"error,omitempty"`
	Code     string   `json:"code,omitempty"`
}

// Snapshot — последнее вычисленное состояние (State Store).
type Snapshot struct {
	ID          string                       `json:"id"`
	GeneratedAt time.Time                    `json:"generated_at"`
	Connectors  map[string]ConnectorSnapshot `json:"connectors"`
}
