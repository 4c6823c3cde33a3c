package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/opsbrain/internal/domain"
)

// StateRepo — история вычисленных снимков.
type StateRepo struct {
	pool *pgxpool.Pool
}

func NewStateRepo(pool *pgxpool.Pool) *StateRepo {
	return &StateRepo{pool: pool}
}

func (r *StateRepo) Save(ctx context.Context, s domain.Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO state_snapshots (id, generated_at, payload) VALUES ($1, $2, $3)`,
		s.ID, s.GeneratedAt, payload)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return nil
}

// Latest возвращает nil, nil, если снимков еще нет.
func (r *StateRepo) Latest(ctx context.Context) (*domain.Snapshot, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx,
		`SELECT payload FROM state_snapshots ORDER BY generated_at DESC LIMIT 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: latest snapshot: %w", err)
	}
	var s domain.Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("postgres: decode snapshot: %w", err)
	}
	return &s, nil
}

// Prune удаляет снимки старше before, кроме самого свежего.
func (r *StateRepo) Prune(ctx context.Context, before time.Time) (int, error) {
	query := `
		DELETE FROM state_snapshots
		WHERE generated_at < $1
		  AND id <> (SELECT id FROM state_snapshots ORDER BY generated_at DESC LIMIT 1)`
	ct, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune snapshots: %w", err)
	}
	return int(ct.RowsAffected()), nil
}
