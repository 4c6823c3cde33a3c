package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxHubBody = 4 << 20

// HubConfig — настройки адаптера хаба домашней автоматизации (maker-API стиль).
type HubConfig struct {
	Name       string
	BaseURL    string
	Token      string
	Timeout    time.Duration
	StaleAfter time.Duration
}

// HubAdapter читает устройства из HTTP JSON API хаба: GET {base}/devices.
type HubAdapter struct {
	cfg    HubConfig
	client *http.Client
	now    func() time.Time
}

// NewHubAdapter создает экземпляр адаптера
func NewHubAdapter(cfg HubConfig, client *http.Client) *HubAdapter {
	if cfg.Name == "" {
		cfg.Name = "hub"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HubAdapter{cfg: cfg, client: client, now: time.Now}
}

func (a *HubAdapter) Name() string { return a.cfg.Name }

func (a *HubAdapter) Health(ctx context.Context) HealthResult {
	start := a.now()
	_, err := a.fetchDevices(ctx)
	res := HealthResult{OK: err == nil, LatencyMs: a.now().Sub(start).Milliseconds(), CheckedAt: a.now()}
	if err != nil {
		ce := Classify(err)
		res.Code = ce.Code
		res.Message = ce.Message
	}
	return res
}

func (a *HubAdapter) ReadStatus(ctx context.Context, in ReadStatusInput) (ReadStatusResult, error) {
	items, err := a.fetchDevices(ctx)
	if err != nil {
		return ReadStatusResult{}, err
	}
	devices, err := NormalizeDevices(items, a.now(), a.cfg.StaleAfter)
	if err != nil {
		return ReadStatusResult{}, err
	}
	return ReadStatusResult{Devices: filterDevices(devices, in.DeviceIDs), RawCount: len(items)}, nil
}

// Execute поддерживает только чтение: "refresh" возвращает свежий срез устройств.
func (a *HubAdapter) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if err := rejectWrites(a.Name(), req); err != nil {
		return ExecuteResult{}, err
	}
	return executeRead(ctx, a, req)
}

func (a *HubAdapter) fetchDevices(ctx context.Context) ([]map[string]any, error) {
	// Защитный таймаут на уровне вызова, даже если обертка имеет свой
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/devices"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("hub: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHubBody))
	if err != nil {
		return nil, fmt.Errorf("hub: read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("hub: status %d: %s", resp.StatusCode, snippet(body))
	}
	return ParseDevices(body)
}

// executeRead — общая логика read-действий для адаптеров.
func executeRead(ctx context.Context, c Connector, req ExecuteRequest) (ExecuteResult, error) {
	switch req.Action {
	case "", "refresh", "read_status":
		var in ReadStatusInput
		if len(req.Input) > 0 {
			if err := json.Unmarshal(req.Input, &in); err != nil {
				return ExecuteResult{}, &ConnectorError{Code: CodeUnknown, Message: "invalid input: " + err.Error()}
			}
		}
		res, err := c.ReadStatus(ctx, in)
		if err != nil {
			return ExecuteResult{}, err
		}
		out, err := json.Marshal(res)
		if err != nil {
			return ExecuteResult{}, fmt.Errorf("%s: marshal result: %w", c.Name(), err)
		}
		return ExecuteResult{Output: out}, nil
	default:
		return ExecuteResult{}, &ConnectorError{
			Code:    CodeUnknown,
			Message: fmt.Sprintf("%s: action %q is not supported", c.Name(), req.Action),
		}
	}
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max]
	}
	return s
}

var _ Connector = (*HubAdapter)(nil)
