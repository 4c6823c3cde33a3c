package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Методы сервиса робота. Сообщения — google.protobuf.Struct, поэтому сгенерированный клиент не нужен.
const (
	RobotHealthMethod    = "/opsbrain.robot.v1.RobotService/Health"
	RobotGetStatusMethod = "/opsbrain.robot.v1.RobotService/GetStatus"
)

type RobotConfig struct {
	Name       string
	Timeout    time.Duration
	StaleAfter time.Duration
}

// RobotAdapter опрашивает бытового робота (пылесос и т.п.) по gRPC.
type RobotAdapter struct {
	cfg  RobotConfig
	conn grpc.ClientConnInterface
	now  func() time.Time
}

// NewRobotAdapter создает экземпляр адаптера
func NewRobotAdapter(cfg RobotConfig, conn grpc.ClientConnInterface) *RobotAdapter {
	if cfg.Name == "" {
		cfg.Name = "robot"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &RobotAdapter{cfg: cfg, conn: conn, now: time.Now}
}

func (a *RobotAdapter) Name() string { return a.cfg.Name }

func (a *RobotAdapter) Health(ctx context.Context) HealthResult {
	start := a.now()
	resp, err := a.invoke(ctx, RobotHealthMethod, map[string]any{})
	res := HealthResult{LatencyMs: a.now().Sub(start).Milliseconds(), CheckedAt: a.now()}
	if err != nil {
		ce := Classify(err)
		res.Code = ce.Code
		res.Message = ce.Message
		return res
	}
	// Отсутствие поля ok трактуем как здоровье: ответ пришел
	ok, present := resp.AsMap()["ok"].(bool)
	res.OK = !present || ok
	if !res.OK {
		res.Code = CodeUnavailable
		res.Message = "robot reported unhealthy"
	}
	return res
}

func (a *RobotAdapter) ReadStatus(ctx context.Context, in ReadStatusInput) (ReadStatusResult, error) {
	req := map[string]any{}
	if len(in.DeviceIDs) > 0 {
		ids := make([]any, len(in.DeviceIDs))
		for i, id := range in.DeviceIDs {
			ids[i] = id
		}
		req["device_ids"] = ids
	}

	resp, err := a.invoke(ctx, RobotGetStatusMethod, req)
	if err != nil {
		return ReadStatusResult{}, err
	}

	// Struct -> JSON -> общий разбор: схема проверяется одинаково для всех адаптеров
	body, err := json.Marshal(resp.AsMap())
	if err != nil {
		return ReadStatusResult{}, badResponse("robot: marshal status: %v", err)
	}
	items, err := ParseDevices(body)
	if err != nil {
		return ReadStatusResult{}, err
	}
	devices, err := NormalizeDevices(items, a.now(), a.cfg.StaleAfter)
	if err != nil {
		return ReadStatusResult{}, err
	}
	return ReadStatusResult{Devices: filterDevices(devices, in.DeviceIDs), RawCount: len(items)}, nil
}

func (a *RobotAdapter) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if err := rejectWrites(a.Name(), req); err != nil {
		return ExecuteResult{}, err
	}
	return executeRead(ctx, a, req)
}

func (a *RobotAdapter) invoke(ctx context.Context, method string, payload map[string]any) (*structpb.Struct, error) {
	// 1. Конвертируем запрос в Protobuf Struct
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("robot: build request: %w", err)
	}

	// 2. Защитный таймаут на уровне вызова
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	// 3. Вызов
	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, classifyStatus(a.Name(), err)
	}
	return resp, nil
}

// classifyStatus переводит gRPC статус в таксономию; остальное — по тексту.
func classifyStatus(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectorError{Code: CodeTimeout, Message: name + ": deadline exceeded", Retryable: true, Cause: err}
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: call failed: %w", name, err)
	}
	msg := fmt.Sprintf("%s: %s", name, st.Message())
	switch st.Code() {
	case codes.DeadlineExceeded:
		return &ConnectorError{Code: CodeTimeout, Message: msg, Retryable: true, Cause: err}
	case codes.Unauthenticated, codes.PermissionDenied:
		return &ConnectorError{Code: CodeAuth, Message: msg, Retryable: false, Cause: err}
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return &ConnectorError{Code: CodeUnavailable, Message: msg, Retryable: true, Cause: err}
	case codes.InvalidArgument, codes.Unimplemented, codes.DataLoss:
		return &ConnectorError{Code: CodeBadResponse, Message: msg, Retryable: false, Cause: err}
	default:
		return fmt.Errorf("%s: call failed: %w", name, err)
	}
}

var _ Connector = (*RobotAdapter)(nil)
