package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/opsbrain/internal/bus"
	"github.com/xela07ax/opsbrain/internal/capability"
	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/jobs"
	"github.com/xela07ax/opsbrain/internal/metrics"
	"github.com/xela07ax/opsbrain/internal/store"
)

const adminToken = "s3cret-admin"

type stubInvoker struct{}

func (stubInvoker) Invoke(_ context.Context, def domain.CapabilityDefinition, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"capability":"` + def.ID + `"}`), nil
}

// tokenActors — проверка токена по таблице вместо RS256.
type tokenActors map[string]domain.ActorContext

func (t tokenActors) VerifyToken(tokenStr string) (domain.ActorContext, error) {
	a, ok := t[strings.TrimPrefix(tokenStr, "Bearer ")]
	if !ok {
		return domain.ActorContext{}, errors.New("unknown token")
	}
	return a, nil
}

type fakeScheduler struct{ st jobs.SchedulerState }

func (f fakeScheduler) Status() jobs.SchedulerState { return f.st }

type fakeJobs map[string]jobs.Stats

func (f fakeJobs) Stats() map[string]jobs.Stats { return f }

type fakeBus struct{ err error }

func (f fakeBus) Status() bus.Status                { return bus.Status{Subscribed: true, Cursor: "5-0", Processed: 5} }
func (f fakeBus) Healthcheck(context.Context) error { return f.err }

type fixture struct {
	mu     sync.Mutex
	now    time.Time
	states *store.MemoryState
	policy *store.MemoryPolicy
	events *store.MemoryEvents
	reg    *prometheus.Registry
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, mutate func(*Config, *Deps)) (*fixture, *Server) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	require.NoError(t, err)

	catalog, err := capability.NewCatalog([]domain.CapabilityDefinition{
		{ID: "hub.refresh", Target: "hub", MaxCallsPerHour: 1, Connector: "hub", Intent: domain.IntentRead},
		{ID: "vacuum.start", Target: "vacuum", RequiresApproval: true, Intent: domain.IntentWrite, Action: "start"},
	})
	require.NoError(t, err)

	f := &fixture{
		now:    time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		states: store.NewMemoryState(),
		policy: store.NewMemoryPolicy(),
		events: store.NewMemoryEvents(),
		reg:    prometheus.NewRegistry(),
	}
	m := metrics.New(f.reg)
	rt := capability.New(capability.Deps{
		Catalog:   catalog,
		Proposals: store.NewMemoryProposals(),
		Events:    f.events,
		Quota:     store.NewMemoryQuota(f.clock),
		Policy:    f.policy,
		Invoker:   stubInvoker{},
		Metrics:   m,
		Now:       f.clock,
	})

	cfg := Config{
		AdminTokenHash: string(hash),
		AllowedOrigins: []string{"https://console.example.com"},
		MaxSnapshotAge: 15 * time.Minute,
		Retention:      jobs.RetentionConfig{Enabled: true, Days: 30},
	}
	d := Deps{
		Runtime:  rt,
		States:   f.states,
		Policy:   f.policy,
		Events:   f.events,
		Metrics:  m,
		Gatherer: f.reg,
		Now:      f.clock,
	}
	if mutate != nil {
		mutate(&cfg, &d)
	}
	return f, New(cfg, d)
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func admin() map[string]string { return map[string]string{AdminTokenHeader: adminToken} }

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

func TestHealthzIsPublic(t *testing.T) {
	_, srv := newFixture(t, nil)
	rec := do(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(TraceHeader))
}

func TestTraceIDIsPropagated(t *testing.T) {
	_, srv := newFixture(t, nil)
	rec := do(t, srv, http.MethodGet, "/healthz", "", map[string]string{TraceHeader: "trace-42"})
	assert.Equal(t, "trace-42", rec.Header().Get(TraceHeader))
}

func TestReadyz(t *testing.T) {
	f, srv := newFixture(t, nil)

	rec := do(t, srv, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SNAPSHOT_MISSING", errorCode(t, rec))

	require.NoError(t, f.states.Save(context.Background(), domain.Snapshot{ID: "snap-1", GeneratedAt: f.clock()}))
	f.advance(10 * time.Minute)
	rec = do(t, srv, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ready readiness
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "snap-1", ready.SnapshotID)
	assert.EqualValues(t, 600, ready.AgeSeconds)

	f.advance(6 * time.Minute)
	rec = do(t, srv, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SNAPSHOT_STALE", errorCode(t, rec))
}

func TestAdminTokenGate(t *testing.T) {
	_, srv := newFixture(t, nil)

	rec := do(t, srv, http.MethodGet, "/api/capabilities", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/capabilities", "", map[string]string{AdminTokenHeader: "guess"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))

	rec = do(t, srv, http.MethodGet, "/api/capabilities", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	var defs []domain.CapabilityDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &defs))
	assert.Len(t, defs, 2)
}

func TestAdminTokenNotConfiguredClosesPerimeter(t *testing.T) {
	_, srv := newFixture(t, func(c *Config, _ *Deps) { c.AdminTokenHash = "" })

	rec := do(t, srv, http.MethodGet, "/api/capabilities", "", admin())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "ADMIN_TOKEN_NOT_CONFIGURED", errorCode(t, rec))

	// Публичные маршруты продолжают работать
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	_, srv := newFixture(t, nil)

	preflight := map[string]string{
		"Origin":                         "https://console.example.com",
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": "content-type, x-admin-token",
	}
	rec := do(t, srv, http.MethodOptions, "/api/capabilities/hub.refresh/execute", "", preflight)
	assert.Less(t, rec.Code, 300, "preflight must not require the admin token")
	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	preflight["Origin"] = "https://evil.example.com"
	rec = do(t, srv, http.MethodOptions, "/api/capabilities/hub.refresh/execute", "", preflight)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestExecuteAndRateLimit(t *testing.T) {
	f, srv := newFixture(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/capabilities/hub.refresh/execute", `{"rationale":"refresh hub devices"}`, admin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res capability.ExecuteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Decision.Allowed)
	assert.JSONEq(t, `{"capability":"hub.refresh"}`, string(res.Output))

	f.advance(15 * time.Minute)
	rec = do(t, srv, http.MethodPost, "/api/capabilities/hub.refresh/execute", "", admin())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Equal(t, 45*60, retry)

	rec = do(t, srv, http.MethodPost, "/api/capabilities/nope/execute", "", admin())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "CAPABILITY_UNKNOWN", errorCode(t, rec))

	rec = do(t, srv, http.MethodPost, "/api/capabilities/hub.refresh/execute", `{"unknown":1}`, admin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProposalLifecycle(t *testing.T) {
	_, srv := newFixture(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/capabilities/vacuum.start/proposals", `{"rationale":"short"}`, admin())
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "RATIONALE_REQUIRED", errorCode(t, rec))

	rec = do(t, srv, http.MethodPost, "/api/capabilities/vacuum.start/proposals",
		`{"rationale":"kitchen floor is dirty after dinner","input":{"room":"kitchen"}}`, admin())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created capability.ProposalResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotNil(t, created.Proposal)
	assert.Equal(t, domain.ProposalPending, created.Proposal.Status)
	id := created.Proposal.ID

	// Без подтверждения исполнение запрещено
	rec = do(t, srv, http.MethodPost, "/api/capabilities/vacuum.start/execute", `{"proposal_id":"`+id+`"}`, admin())
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "APPROVAL_REQUIRED", errorCode(t, rec))

	rec = do(t, srv, http.MethodGet, "/api/proposals/"+id, "", admin())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/proposals/"+id+"/approve", "", admin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved domain.ActionProposal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.Equal(t, domain.ProposalApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, AdminActor.ID, *approved.ApprovedBy)

	rec = do(t, srv, http.MethodPost, "/api/proposals/"+id+"/reject", "", admin())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/proposals/missing/approve", "", admin())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PROPOSAL_NOT_FOUND", errorCode(t, rec))
}

func TestPolicyChangesRequireStaff(t *testing.T) {
	member := domain.ActorContext{Type: domain.ActorHuman, ID: "u1", OwnerID: "u1"}
	staff := domain.ActorContext{Type: domain.ActorStaff, ID: "s1", OwnerID: "ops"}
	_, srv := newFixture(t, func(_ *Config, d *Deps) {
		d.Validator = tokenActors{"member": member, "staff": staff}
	})
	as := func(token string) map[string]string {
		return map[string]string{AdminTokenHeader: adminToken, "Authorization": "Bearer " + token}
	}

	rec := do(t, srv, http.MethodGet, "/api/policy/", "", admin())
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "actor token is required when a validator is configured")

	body := `{"enabled":true,"reason":"water leak in the basement"}`
	rec = do(t, srv, http.MethodPut, "/api/policy/kill-switch", body, as("member"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, http.MethodPut, "/api/policy/kill-switch", `{"enabled":true}`, as("staff"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPut, "/api/policy/kill-switch", body, as("staff"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/api/capabilities/hub.refresh/execute", "", as("member"))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "BLOCKED_BY_POLICY", errorCode(t, rec))

	rec = do(t, srv, http.MethodPut, "/api/policy/exemptions", `{"capability_id":"nope","status":"active"}`, as("staff"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodPut, "/api/policy/exemptions", `{"capability_id":"vacuum.start","status":"active"}`, as("staff"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/policy/", "", as("member"))
	require.Equal(t, http.StatusOK, rec.Code)
	var st domain.ExecutionPolicyState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.KillSwitch.Enabled)
	assert.True(t, st.HasActiveExemption("vacuum.start", "u1"))
}

func TestEventsQuery(t *testing.T) {
	_, srv := newFixture(t, nil)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/capabilities/hub.refresh/execute", "", admin()).Code)

	rec := do(t, srv, http.MethodGet, "/api/events?prefix=capability.hub.", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	var events []domain.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, AdminActor.ID, events[0].ActorID)

	rec = do(t, srv, http.MethodGet, "/api/events?prefix=job.", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/api/events?since=yesterday", "", admin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusReport(t *testing.T) {
	_, srv := newFixture(t, func(_ *Config, d *Deps) {
		d.Schedulers = []SchedulerStatus{
			fakeScheduler{jobs.SchedulerState{Job: jobs.DeviceSnapshotJob, Interval: "5m0s", ConsecutiveFailures: 2}},
		}
		d.Jobs = fakeJobs{jobs.DeviceSnapshotJob: {SuccessCount: 3, FailureCount: 2}}
		d.Bus = fakeBus{err: errors.New("redis: connection refused")}
	})

	rec := do(t, srv, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rep statusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.Len(t, rep.Schedulers, 1)
	assert.Equal(t, 2, rep.Schedulers[0].ConsecutiveFailures)
	assert.True(t, rep.Retention.Enabled)
	assert.Equal(t, 30, rep.Retention.Days)
	assert.EqualValues(t, 3, rep.Jobs[jobs.DeviceSnapshotJob].SuccessCount)
	require.NotNil(t, rep.Bus)
	assert.False(t, rep.Bus.Healthy)
	assert.Equal(t, "5-0", rep.Bus.Cursor)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newFixture(t, nil)
	do(t, srv, http.MethodGet, "/healthz", "", nil)

	rec := do(t, srv, http.MethodGet, "/api/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `opsbrain_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}
