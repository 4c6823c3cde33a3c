package postgres

/*
Файл event_repo.go — журнал аудита. Только INSERT и SELECT: UPDATE/DELETE по audit_events
в ядре не существует. Пакетная вставка вызывается буфером audit.Ledger.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/opsbrain/internal/domain"
)

// Количество колонок в таблице audit_events
const eventFields = 11

const eventColumns = `id, occurred_at, actor_type, actor_id, action, rationale, target, approval_state, input_hash, output_hash, metadata`

const defaultListLimit = 500

type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

func (r *EventRepo) Append(ctx context.Context, e domain.Event) error {
	return r.WriteBatch(ctx, []domain.Event{e})
}

// WriteBatch вставляет пачку одним запросом. Повтор пачки безопасен: дубли по id игнорируются.
func (r *EventRepo) WriteBatch(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	query, args, err := buildEventInsert(events)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: insert %d audit events: %w", len(events), err)
	}
	return nil
}

// buildEventInsert динамически строит многострочный INSERT.
func buildEventInsert(events []domain.Event) (string, []any, error) {
	var sb strings.Builder
	args := make([]any, 0, len(events)*eventFields)

	for i, e := range events {
		meta, err := json.Marshal(orEmptyMap(e.Metadata))
		if err != nil {
			return "", nil, fmt.Errorf("postgres: marshal metadata of %s: %w", e.ID, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		p := i * eventFields
		sb.WriteString("(")
		for j := 1; j <= eventFields; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", p+j)
		}
		sb.WriteString(")")

		args = append(args,
			e.ID, e.OccurredAt, string(e.ActorType), e.ActorID, e.Action,
			e.Rationale, e.Target, string(e.ApprovalState), e.InputHash, e.OutputHash, meta,
		)
	}

	query := "INSERT INTO audit_events (" + eventColumns + ") VALUES " + sb.String() + " ON CONFLICT (id) DO NOTHING"
	return query, args, nil
}

func (r *EventRepo) List(ctx context.Context, f domain.EventFilter) ([]domain.Event, error) {
	query, args := buildEventQuery(f)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return events, nil
}

func buildEventQuery(f domain.EventFilter) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ActionPrefix != "" {
		add("action LIKE $%d", escapeLike(f.ActionPrefix)+"%")
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}

	query := "SELECT " + eventColumns + " FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY occurred_at ASC, id ASC LIMIT $%d", len(args))
	return query, args
}

func scanEvent(row scannable) (domain.Event, error) {
	var e domain.Event
	var actorType, approval string
	var meta []byte
	if err := row.Scan(&e.ID, &e.OccurredAt, &actorType, &e.ActorID, &e.Action,
		&e.Rationale, &e.Target, &approval, &e.InputHash, &e.OutputHash, &meta); err != nil {
		return domain.Event{}, err
	}
	e.ActorType = domain.ActorType(actorType)
	e.ApprovalState = domain.ApprovalState(approval)
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return domain.Event{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
