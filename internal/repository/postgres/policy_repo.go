package postgres

/*
Файл policy_repo.go — долговременное хранение политики исполнения (kill switch, исключения).
Проверка идет в памяти (policy.Cache); сюда обращаются при старте, по сигналу и при записи.
*/

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/opsbrain/internal/domain"
)

type PolicyRepo struct {
	pool *pgxpool.Pool
}

func NewPolicyRepo(pool *pgxpool.Pool) *PolicyRepo {
	return &PolicyRepo{pool: pool}
}

// State выполняет "холодную загрузку" всего состояния политики.
func (r *PolicyRepo) State(ctx context.Context) (domain.ExecutionPolicyState, error) {
	var st domain.ExecutionPolicyState

	err := r.pool.QueryRow(ctx, `SELECT enabled, reason, updated_at FROM kill_switch WHERE id = 1`).
		Scan(&st.KillSwitch.Enabled, &st.KillSwitch.Reason, &st.KillSwitch.UpdatedAt)
	if err != nil {
		return st, fmt.Errorf("postgres: load kill switch: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT capability_id, owner_uid, status, updated_at FROM policy_exemptions ORDER BY capability_id, owner_uid`)
	if err != nil {
		return st, fmt.Errorf("postgres: query exemptions: %w", err)
	}
	defer rows.Close()

	st.Exemptions = make([]domain.PolicyExemption, 0)
	for rows.Next() {
		var e domain.PolicyExemption
		var status string
		if err := rows.Scan(&e.CapabilityID, &e.OwnerUID, &status, &e.UpdatedAt); err != nil {
			return st, fmt.Errorf("postgres: scan exemption: %w", err)
		}
		e.Status = domain.ExemptionStatus(status)
		st.Exemptions = append(st.Exemptions, e)
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return st, nil
}

func (r *PolicyRepo) SetKillSwitch(ctx context.Context, ks domain.KillSwitch) error {
	query := `
		INSERT INTO kill_switch (id, enabled, reason, updated_at) VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET enabled = EXCLUDED.enabled, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`
	if _, err := r.pool.Exec(ctx, query, ks.Enabled, ks.Reason, ks.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: set kill switch: %w", err)
	}
	return nil
}

// PutExemption — upsert по (capability_id, owner_uid); отзыв — это status = 'revoked', не DELETE.
func (r *PolicyRepo) PutExemption(ctx context.Context, e domain.PolicyExemption) error {
	query := `
		INSERT INTO policy_exemptions (capability_id, owner_uid, status, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (capability_id, owner_uid) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`
	if _, err := r.pool.Exec(ctx, query, e.CapabilityID, e.OwnerUID, string(e.Status), e.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: put exemption: %w", err)
	}
	return nil
}
