package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xela07ax/opsbrain/internal/domain"
)

// Catalog — статический каталог capability. Собирается при старте и дальше только читается.
type Catalog struct {
	items map[string]domain.CapabilityDefinition
}

func NewCatalog(defs []domain.CapabilityDefinition) (*Catalog, error) {
	c := &Catalog{items: make(map[string]domain.CapabilityDefinition, len(defs))}
	for i, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("capability: definition at index %d has no id", i)
		}
		if _, dup := c.items[d.ID]; dup {
			return nil, fmt.Errorf("capability: duplicate id %q", d.ID)
		}
		if d.Intent == "" {
			d.Intent = domain.IntentRead
		}
		if d.Intent != domain.IntentRead && d.Intent != domain.IntentWrite {
			return nil, fmt.Errorf("capability: %q has unknown intent %q", d.ID, d.Intent)
		}
		if d.MaxCallsPerHour < 0 {
			return nil, fmt.Errorf("capability: %q has negative max_calls_per_hour", d.ID)
		}
		c.items[d.ID] = d
	}
	return c, nil
}

func (c *Catalog) Get(id string) (domain.CapabilityDefinition, bool) {
	d, ok := c.items[id]
	return d, ok
}

// List — копия каталога, отсортированная по id.
func (c *Catalog) List() []domain.CapabilityDefinition {
	out := make([]domain.CapabilityDefinition, 0, len(c.items))
	for _, d := range c.items {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
