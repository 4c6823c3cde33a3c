package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope — форма события на потоке. id/type/swarmId/runId обязательны при чтении.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SwarmID   string          `json:"swarmId"`
	RunID     string          `json:"runId"`
	ActorID   string          `json:"actorId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (e Envelope) Validate() error {
	var missing []string
	if e.ID == "" {
		missing = append(missing, "id")
	}
	if e.Type == "" {
		missing = append(missing, "type")
	}
	if e.SwarmID == "" {
		missing = append(missing, "swarmId")
	}
	if e.RunID == "" {
		missing = append(missing, "runId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidEnvelope, missing)
	}
	return nil
}

// Decode разбирает запись потока. Ошибка разбора не проглатывается: вызывающий логирует ее как сбой записи.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// NewPayload сериализует полезную нагрузку для Envelope.
func NewPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal payload: %w", err)
	}
	return b, nil
}
