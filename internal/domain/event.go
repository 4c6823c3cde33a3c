package domain

import "time"

// Event — запись журнала аудита. Только добавление: ядро никогда не изменяет и не удаляет события.
type Event struct {
	ID            string         `json:"id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	ActorType     ActorType      `json:"actor_type"`
	ActorID       string         `json:"actor_id"`
	Action        string         `json:"action"` // Например "capability.vacuum.start.executed"
	Rationale     string         `json:"rationale,omitempty"`
	Target        string         `json:"target,omitempty"`
	ApprovalState ApprovalState  `json:"approval_state,omitempty"`
	InputHash     string         `json:"input_hash,omitempty"`
	OutputHash    string         `json:"output_hash,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// EventFilter — фильтр для чтения журнала.
type EventFilter struct {
	Action       string
	ActionPrefix string
	ActorID      string
	Since        time.Time
	Limit        int
}

// Match проверяет событие на соответствие фильтру (для in-memory реализаций).
func (f EventFilter) Match(e Event) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ActionPrefix != "" && (len(e.Action) < len(f.ActionPrefix) || e.Action[:len(f.ActionPrefix)] != f.ActionPrefix) {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	return true
}
