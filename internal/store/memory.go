package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/opsbrain/internal/domain"
)

// MemoryEvents — in-memory журнал.
type MemoryEvents struct {
	mu     sync.RWMutex
	events []domain.Event
}

func NewMemoryEvents() *MemoryEvents { return &MemoryEvents{} }

func (s *MemoryEvents) Append(_ context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryEvents) List(_ context.Context, f domain.EventFilter) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Event, 0)
	for _, e := range s.events {
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// MemoryProposals — in-memory предложения.
type MemoryProposals struct {
	mu    sync.Mutex
	items map[string]domain.ActionProposal
}

func NewMemoryProposals() *MemoryProposals {
	return &MemoryProposals{items: make(map[string]domain.ActionProposal)}
}

func (s *MemoryProposals) Create(_ context.Context, p *domain.ActionProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[p.ID]; exists {
		return fmt.Errorf("proposal %s already exists", p.ID)
	}
	s.items[p.ID] = *p
	return nil
}

func (s *MemoryProposals) Get(_ context.Context, id string) (*domain.ActionProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	if !ok {
		return nil, domain.ErrProposalNotFound
	}
	return &p, nil
}

func (s *MemoryProposals) UpdateStatus(_ context.Context, id string, status domain.ProposalStatus, actorID string, at time.Time) (*domain.ActionProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	if !ok {
		return nil, domain.ErrProposalNotFound
	}
	if err := p.CanTransitionTo(status); err != nil {
		return nil, err
	}
	p.Status = status
	p.ApprovedBy = &actorID
	p.ApprovedAt = &at
	s.items[id] = p
	return &p, nil
}

type bucket struct {
	count         int
	windowStartMs int64
}

// MemoryQuota — фиксированное окно на ключ; сброс, когда прошло строго больше окна.
// Один мьютекс на все бакеты:
// инкремент одного ключа никогда не идет параллельно.
type MemoryQuota struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewMemoryQuota(now func() time.Time) *MemoryQuota {
	if now == nil {
		now = time.Now
	}
	return &MemoryQuota{buckets: make(map[string]*bucket), now: now}
}

func (s *MemoryQuota) Consume(_ context.Context, key string, limit int, window time.Duration) (domain.QuotaResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()
	windowMs := window.Milliseconds()

	b, ok := s.buckets[key]
	if !ok || nowMs-b.windowStartMs > windowMs {
		b = &bucket{windowStartMs: nowMs}
		s.buckets[key] = b
	}

	if b.count >= limit {
		return domain.QuotaResult{
			Allowed:           false,
			Count:             b.count,
			WindowStartMs:     b.windowStartMs,
			RetryAfterSeconds: RetryAfterSeconds(b.windowStartMs, windowMs, nowMs),
		}, nil
	}
	b.count++
	return domain.QuotaResult{Allowed: true, Count: b.count, WindowStartMs: b.windowStartMs}, nil
}

// RetryAfterSeconds — сколько секунд осталось до конца окна, минимум 1.
func RetryAfterSeconds(windowStartMs, windowMs, nowMs int64) int {
	remaining := windowStartMs + windowMs - nowMs
	secs := int((remaining + 999) / 1000)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// MemoryPolicy — in-memory политика.
type MemoryPolicy struct {
	mu    sync.RWMutex
	state domain.ExecutionPolicyState
}

func NewMemoryPolicy() *MemoryPolicy { return &MemoryPolicy{} }

func (s *MemoryPolicy) State(_ context.Context) (domain.ExecutionPolicyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.state
	out.Exemptions = append([]domain.PolicyExemption(nil), s.state.Exemptions...)
	return out, nil
}

func (s *MemoryPolicy) SetKillSwitch(_ context.Context, ks domain.KillSwitch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.KillSwitch = ks
	return nil
}

func (s *MemoryPolicy) PutExemption(_ context.Context, e domain.PolicyExemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.state.Exemptions {
		if cur.CapabilityID == e.CapabilityID && cur.OwnerUID == e.OwnerUID {
			s.state.Exemptions[i] = e
			return nil
		}
	}
	s.state.Exemptions = append(s.state.Exemptions, e)
	return nil
}

// MemoryState хранит историю снимков по времени.
type MemoryState struct {
	mu        sync.RWMutex
	snapshots []domain.Snapshot
}

func NewMemoryState() *MemoryState { return &MemoryState{} }

func (s *MemoryState) Save(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	sort.SliceStable(s.snapshots, func(i, j int) bool {
		return s.snapshots[i].GeneratedAt.Before(s.snapshots[j].GeneratedAt)
	})
	return nil
}

func (s *MemoryState) Latest(_ context.Context) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snapshots) == 0 {
		return nil, nil
	}
	last := s.snapshots[len(s.snapshots)-1]
	return &last, nil
}

func (s *MemoryState) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.snapshots[:0]
	removed := 0
	for i, snap := range s.snapshots {
		// Последний снимок не удаляем никогда: /readyz должен видеть хоть что-то
		if snap.GeneratedAt.Before(before) && i != len(s.snapshots)-1 {
			removed++
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots = kept
	return removed, nil
}

// MemoryCursors — курсоры потребителей шины.
type MemoryCursors struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemoryCursors() *MemoryCursors { return &MemoryCursors{data: make(map[string]string)} }

func (s *MemoryCursors) Load(_ context.Context, consumer string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.data[consumer]
	return id, ok, nil
}

func (s *MemoryCursors) Save(_ context.Context, consumer, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[consumer] = id
	return nil
}
