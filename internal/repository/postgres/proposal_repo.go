package postgres

/*
Файл proposal_repo.go — предложения действий (HITL). Строки никогда не удаляются;
меняется только статус, и только из pending_approval.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/opsbrain/internal/domain"
)

const proposalColumns = `id, created_at, requested_by, tenant_id, capability_id, rationale, input_hash, preview, status, approved_by, approved_at`

type ProposalRepo struct {
	pool *pgxpool.Pool
}

func NewProposalRepo(pool *pgxpool.Pool) *ProposalRepo {
	return &ProposalRepo{pool: pool}
}

func (r *ProposalRepo) Create(ctx context.Context, p *domain.ActionProposal) error {
	preview, err := json.Marshal(p.Preview)
	if err != nil {
		return fmt.Errorf("postgres: marshal preview: %w", err)
	}
	query := `INSERT INTO action_proposals (` + proposalColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.pool.Exec(ctx, query,
		p.ID, p.CreatedAt, p.RequestedBy, p.TenantID, p.CapabilityID, p.Rationale,
		p.InputHash, preview, string(p.Status), p.ApprovedBy, p.ApprovedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: proposal %s already exists", p.ID)
		}
		return fmt.Errorf("postgres: failed to create proposal: %w", err)
	}
	return nil
}

func (r *ProposalRepo) Get(ctx context.Context, id string) (*domain.ActionProposal, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM action_proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProposalNotFound
		}
		return nil, fmt.Errorf("postgres: get proposal: %w", err)
	}
	return p, nil
}

// UpdateStatus атомарно переводит статус. Условие WHERE status = 'pending_approval'
// исключает двойное решение: второй ревьюер получит ErrAlreadyProcessed.
func (r *ProposalRepo) UpdateStatus(ctx context.Context, id string, status domain.ProposalStatus, actorID string, at time.Time) (*domain.ActionProposal, error) {
	probe := domain.ActionProposal{Status: domain.ProposalPending}
	if err := probe.CanTransitionTo(status); err != nil {
		return nil, err
	}

	// RETURNING дает итоговую строку за один проход, без гонки SELECT -> UPDATE
	query := `
		UPDATE action_proposals
		SET status = $1,
		    approved_by = $2,
		    approved_at = $3
		WHERE id = $4 AND status = 'pending_approval'
		RETURNING ` + proposalColumns

	p, err := scanProposal(r.pool.QueryRow(ctx, query, string(status), actorID, at, id))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: update proposal status: %w", err)
	}

	// Строк нет: либо id неверный, либо решение уже принято
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM action_proposals WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres: check proposal: %w", err)
	}
	if !exists {
		return nil, domain.ErrProposalNotFound
	}
	return nil, domain.ErrAlreadyProcessed
}

func scanProposal(row scannable) (*domain.ActionProposal, error) {
	var p domain.ActionProposal
	var status string
	var preview []byte
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.RequestedBy, &p.TenantID, &p.CapabilityID,
		&p.Rationale, &p.InputHash, &preview, &status, &p.ApprovedBy, &p.ApprovedAt); err != nil {
		return nil, err
	}
	p.Status = domain.ProposalStatus(status)
	if err := json.Unmarshal(preview, &p.Preview); err != nil {
		return nil, fmt.Errorf("decode preview: %w", err)
	}
	return &p, nil
}
