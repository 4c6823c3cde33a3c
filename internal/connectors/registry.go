package connectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownConnector = errors.New("unknown connector")

// Registry — именованные коннекторы процесса. Заполняется при старте, дальше только читается.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Connector)}
}

func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[c.Name()]; exists {
		return fmt.Errorf("connectors: %q already registered", c.Name())
	}
	r.items[c.Name()] = c
	return nil
}

func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, name)
	}
	return c, nil
}

// Names — отсортированные имена, чтобы снапшоты и /api/status были стабильны.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for n := range r.items {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HealthAll опрашивает все коннекторы параллельно.
func (r *Registry) HealthAll(ctx context.Context) map[string]HealthResult {
	names := r.Names()
	out := make(map[string]HealthResult, len(names))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range names {
		c, _ := r.Get(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.Health(ctx)
			mu.Lock()
			out[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// Breakers — состояния цепей для коннекторов, обернутых в Guarded.
func (r *Registry) Breakers() map[string]BreakerState {
	out := make(map[string]BreakerState)
	for _, name := range r.Names() {
		c, _ := r.Get(name)
		if g, ok := c.(*Guarded); ok {
			out[name] = g.BreakerState()
		}
	}
	return out
}
