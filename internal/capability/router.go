package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/opsbrain/internal/connectors"
	"github.com/xela07ax/opsbrain/internal/domain"
)

var ErrNoWriteExecutor = errors.New("capability: write executor is not configured")

// WriteExecutor — внешний исполнитель изменяющих действий. Коннекторы его не заменяют.
type WriteExecutor interface {
	Execute(ctx context.Context, def domain.CapabilityDefinition, input json.RawMessage) (json.RawMessage, error)
}

// Router выбирает путь исполнения: read идет в именованный коннектор, write — во внешний executor.
type Router struct {
	connectors *connectors.Registry
	writer     WriteExecutor
}

func NewRouter(reg *connectors.Registry, writer WriteExecutor) *Router {
	return &Router{connectors: reg, writer: writer}
}

func (r *Router) Invoke(ctx context.Context, def domain.CapabilityDefinition, input json.RawMessage) (json.RawMessage, error) {
	switch def.Intent {
	case domain.IntentWrite:
		if r.writer == nil {
			return nil, ErrNoWriteExecutor
		}
		return r.writer.Execute(ctx, def, input)
	case domain.IntentRead:
		if r.connectors == nil || def.Connector == "" {
			return nil, fmt.Errorf("capability: %s has no connector", def.ID)
		}
		c, err := r.connectors.Get(def.Connector)
		if err != nil {
			return nil, err
		}
		res, err := c.Execute(ctx, connectors.ExecuteRequest{Intent: def.Intent, Action: def.Action, Input: input})
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	default:
		return nil, fmt.Errorf("capability: %s has unknown intent %q", def.ID, def.Intent)
	}
}
