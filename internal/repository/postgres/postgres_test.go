package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/opsbrain/internal/domain"
)

func TestBuildEventInsert(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	events := []domain.Event{
		{ID: "e1", OccurredAt: at, ActorType: domain.ActorAgent, ActorID: "a1", Action: "capability.vacuum.status.executed"},
		{ID: "e2", OccurredAt: at, ActorType: domain.ActorSystem, ActorID: "job-runner", Action: "job.x.succeeded", Metadata: map[string]any{"durationMs": 3}},
	}

	query, args, err := buildEventInsert(events)
	require.NoError(t, err)
	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11), ($12,")
	assert.Contains(t, query, "$22)")
	assert.Contains(t, query, "ON CONFLICT (id) DO NOTHING")
	require.Len(t, args, 22)
	assert.Equal(t, "e2", args[11])
	assert.Equal(t, []byte(`{}`), args[10])
	assert.JSONEq(t, `{"durationMs":3}`, string(args[21].([]byte)))
}

func TestBuildEventQuery(t *testing.T) {
	query, args := buildEventQuery(domain.EventFilter{})
	assert.Equal(t, "SELECT "+eventColumns+" FROM audit_events ORDER BY occurred_at ASC, id ASC LIMIT $1", query)
	assert.Equal(t, []any{defaultListLimit}, args)

	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	query, args = buildEventQuery(domain.EventFilter{ActionPrefix: "job.snapshot_x.", ActorID: "job-runner", Since: since, Limit: 10})
	assert.Contains(t, query, "WHERE action LIKE $1 AND actor_id = $2 AND occurred_at >= $3")
	assert.Contains(t, query, "LIMIT $4")
	assert.Equal(t, []any{`job.snapshot\_x.%`, "job-runner", since, 10}, args)
}

// Интеграционные тесты идут только при заданной OPSBRAIN_TEST_DATABASE_URL.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("OPSBRAIN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("OPSBRAIN_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, dsn))
	pool, err := NewPool(ctx, PoolConfig{URL: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestProposalRepo_SingleDecision(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewProposalRepo(pool)

	p := &domain.ActionProposal{
		ID: uuid.NewString(), CreatedAt: time.Now().UTC(), RequestedBy: "agent-1", TenantID: "owner-1",
		CapabilityID: "vacuum.start", Rationale: "kitchen is dirty again", InputHash: "abc",
		Preview: domain.ProposalPreview{Summary: "start vacuum"}, Status: domain.ProposalPending,
	}
	require.NoError(t, repo.Create(ctx, p))

	got, err := repo.UpdateStatus(ctx, p.ID, domain.ProposalApproved, "staff-1", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalApproved, got.Status)
	require.NotNil(t, got.ApprovedBy)
	assert.Equal(t, "staff-1", *got.ApprovedBy)

	_, err = repo.UpdateStatus(ctx, p.ID, domain.ProposalRejected, "staff-2", time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	_, err = repo.UpdateStatus(ctx, uuid.NewString(), domain.ProposalRejected, "staff-2", time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrProposalNotFound)
}

func TestStateRepo_PruneKeepsLatest(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewStateRepo(pool)
	_, err := pool.Exec(ctx, `DELETE FROM state_snapshots`)
	require.NoError(t, err)

	old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Millisecond)
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.Save(ctx, domain.Snapshot{ID: uuid.NewString(), GeneratedAt: old.Add(time.Duration(i) * time.Minute)}))
	}

	n, err := repo.Prune(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err := repo.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.GeneratedAt.Equal(old.Add(time.Minute)))
}

func TestEventRepo_WriteBatchAndList(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewEventRepo(pool)

	prefix := "test." + uuid.NewString()[:8] + "."
	now := time.Now().UTC()
	batch := []domain.Event{
		{ID: uuid.NewString(), OccurredAt: now, ActorType: domain.ActorAgent, ActorID: "a", Action: prefix + "one"},
		{ID: uuid.NewString(), OccurredAt: now.Add(time.Second), ActorType: domain.ActorAgent, ActorID: "a", Action: prefix + "two", Metadata: map[string]any{"k": "v"}},
	}
	require.NoError(t, repo.WriteBatch(ctx, batch))
	require.NoError(t, repo.WriteBatch(ctx, batch)) // повтор пачки не дублирует

	got, err := repo.List(ctx, domain.EventFilter{ActionPrefix: prefix})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "v", got[1].Metadata["k"])
}
