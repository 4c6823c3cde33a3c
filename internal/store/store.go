// Package store описывает хранилища, от которых зависит ядро, и их in-memory реализации.
// Любая совместимая реализация (Postgres, Redis) подставляется без изменения рантайма.
package store

import (
	"context"
	"time"

	"github.com/xela07ax/opsbrain/internal/domain"
)

// EventStore — журнал аудита, только добавление.
type EventStore interface {
	Append(ctx context.Context, event domain.Event) error
	List(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
}

// ProposalStore хранит предложения; изменяется только статус.
type ProposalStore interface {
	Create(ctx context.Context, p *domain.ActionProposal) error
	Get(ctx context.Context, id string) (*domain.ActionProposal, error)
	// UpdateStatus атомарно переводит pending_approval -> approved/rejected.
	UpdateStatus(ctx context.Context, id string, status domain.ProposalStatus, actorID string, at time.Time) (*domain.ActionProposal, error)
}

// QuotaStore — token-bucket-per-window.
type QuotaStore interface {
	Consume(ctx context.Context, key string, limit int, window time.Duration) (domain.QuotaResult, error)
}

// PolicyStore — kill switch и исключения. Изменяется внешним администратором политик.
type PolicyStore interface {
	State(ctx context.Context) (domain.ExecutionPolicyState, error)
	SetKillSwitch(ctx context.Context, ks domain.KillSwitch) error
	PutExemption(ctx context.Context, e domain.PolicyExemption) error
}

// StateStore хранит вычисленные снимки; Latest — последний.
type StateStore interface {
	Save(ctx context.Context, s domain.Snapshot) error
	Latest(ctx context.Context) (*domain.Snapshot, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}

// CursorStore — внешнее хранение курсора потребителя шины.
type CursorStore interface {
	Load(ctx context.Context, consumer string) (id string, ok bool, err error)
	Save(ctx context.Context, consumer, id string) error
}
