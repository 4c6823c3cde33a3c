// Package capability — исполнение capability под контролем политик: предложения, подтверждения,
// квоты, kill switch и аудит каждого решения.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/metrics"
	"github.com/xela07ax/opsbrain/internal/store"
)

const (
	// MinRationaleLength — порог трения против низкоусилийных автоматических предложений.
	MinRationaleLength = 10
	QuotaWindow        = time.Hour
)

// PolicySource — откуда читается состояние политик (store.PolicyStore или policy.Cache).
type PolicySource interface {
	State(ctx context.Context) (domain.ExecutionPolicyState, error)
}

// Invoker вызывает реальное действие после положительного решения.
type Invoker interface {
	Invoke(ctx context.Context, def domain.CapabilityDefinition, input json.RawMessage) (json.RawMessage, error)
}

// Notifier рассылает доменные события (шина). Ошибки уведомления не влияют на решение.
type Notifier interface {
	Notify(ctx context.Context, eventType string, actorID string, payload any) error
}

type Deps struct {
	Catalog   *Catalog
	Proposals store.ProposalStore
	Events    store.EventStore
	Quota     store.QuotaStore
	Policy    PolicySource
	Invoker   Invoker
	Notifier  Notifier // опционально
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

type Runtime struct {
	catalog   *Catalog
	proposals store.ProposalStore
	events    store.EventStore
	quota     store.QuotaStore
	policy    PolicySource
	invoker   Invoker
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func New(d Deps) *Runtime {
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Runtime{
		catalog:   d.Catalog,
		proposals: d.Proposals,
		events:    d.Events,
		quota:     d.Quota,
		policy:    d.Policy,
		invoker:   d.Invoker,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		logger:    d.Logger.With(zap.String("mod", "capability")),
		now:       d.Now,
	}
}

func (r *Runtime) Catalog() *Catalog { return r.catalog }

// ProposalRequest — поля запроса на создание предложения.
type ProposalRequest struct {
	CapabilityID string                 `json:"capability_id"`
	Rationale    string                 `json:"rationale"`
	Preview      domain.ProposalPreview `json:"preview"`
	Input        json.RawMessage        `json:"input,omitempty"`
	RequestedBy  string                 `json:"requested_by,omitempty"` // по умолчанию actor.ID
}

type ProposalResult struct {
	Decision domain.Decision        `json:"decision"`
	Proposal *domain.ActionProposal `json:"proposal,omitempty"`
}

// CreateProposal проверяет capability, делегирование и обоснование и сохраняет предложение.
// Отказ возвращается решением, а не ошибкой; ошибка — только сбой хранилища.
func (r *Runtime) CreateProposal(ctx context.Context, actor domain.ActorContext, req ProposalRequest) (ProposalResult, error) {
	def, known := r.catalog.Get(req.CapabilityID)

	// 1-2. Общие с исполнением проверки: capability и scope
	if d, denied := r.checkAccess(actor, def, known, nil); denied {
		return ProposalResult{Decision: d}, r.auditProposalDenied(ctx, actor, req, d)
	}

	// 3. Обоснование
	if utf8.RuneCountInString(strings.TrimSpace(req.Rationale)) < MinRationaleLength {
		d := domain.Deny(domain.ReasonRationaleRequired, baselineApproval(def, nil))
		return ProposalResult{Decision: d}, r.auditProposalDenied(ctx, actor, req, d)
	}

	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = actor.ID
	}
	createdAt := r.now().UTC()

	preview := req.Preview
	if len(preview.Input) == 0 {
		preview.Input = req.Input
	}

	status := domain.ProposalApproved
	state := domain.ApprovalExempt
	if def.RequiresApproval {
		status = domain.ProposalPending
		state = domain.ApprovalRequired
	}

	p := &domain.ActionProposal{
		ID:           domain.ProposalID(def.ID, requestedBy, createdAt),
		CreatedAt:    createdAt,
		RequestedBy:  requestedBy,
		TenantID:     actor.EffectiveTenant(),
		CapabilityID: def.ID,
		Rationale:    strings.TrimSpace(req.Rationale),
		InputHash:    domain.HashJSON(req.Input),
		Preview:      preview,
		Status:       status,
	}
	if err := r.proposals.Create(ctx, p); err != nil {
		return ProposalResult{}, fmt.Errorf("capability: create proposal: %w", err)
	}

	d := domain.Allow(state)
	r.metrics.CapabilityDecisions.WithLabelValues(def.ID, string(d.ReasonCode)).Inc()
	if err := r.appendEvent(ctx, domain.Event{
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		Action:        "capability." + def.ID + ".proposed",
		Rationale:     p.Rationale,
		Target:        def.Target,
		ApprovalState: state,
		InputHash:     p.InputHash,
		Metadata: map[string]any{
			"reasonCode": string(d.ReasonCode),
			"proposalId": p.ID,
			"status":     string(p.Status),
		},
	}); err != nil {
		return ProposalResult{}, err
	}

	if p.Status == domain.ProposalPending {
		r.notify(ctx, "proposal.created", actor.ID, p)
	}
	return ProposalResult{Decision: d, Proposal: p}, nil
}

// EvaluateExecution — проверка перед исполнением. Порядок фиксирован: capability, scope,
// kill switch, совпадение предложения, tenant, отклонение, подтверждение/исключение, квота.
// proposal может быть nil, если capability исполняется без предложения.
func (r *Runtime) EvaluateExecution(ctx context.Context, actor domain.ActorContext, capabilityID string, proposal *domain.ActionProposal) (domain.Decision, error) {
	def, known := r.catalog.Get(capabilityID)
	if d, denied := r.checkAccess(actor, def, known, proposal); denied {
		return d, nil
	}

	policy, err := r.policy.State(ctx)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("capability: read policy: %w", err)
	}

	// Kill switch — жесткая остановка независимо от подтверждений
	if policy.KillSwitch.Enabled {
		return domain.Deny(domain.ReasonBlockedByPolicy, baselineApproval(def, proposal)), nil
	}

	if proposal != nil {
		if proposal.CapabilityID != def.ID {
			return domain.Deny(domain.ReasonProposalCapabilityMismatch, baselineApproval(def, proposal)), nil
		}
		if proposal.TenantID != actor.EffectiveTenant() {
			return domain.Deny(domain.ReasonTenantMismatch, baselineApproval(def, proposal)), nil
		}
		if proposal.Status == domain.ProposalRejected {
			return domain.Deny(domain.ReasonProposalRejected, domain.ApprovalRejected), nil
		}
	}

	state := domain.ApprovalExempt
	if def.RequiresApproval {
		switch {
		case proposal != nil && proposal.Status == domain.ProposalApproved:
			state = domain.ApprovalApproved
		case policy.HasActiveExemption(def.ID, actor.OwnerID):
			state = domain.ApprovalExempt
		default:
			return domain.Deny(domain.ReasonApprovalRequired, domain.ApprovalRequired), nil
		}
	}

	// Квота списывается последней: отказ по политике не должен расходовать лимит
	if def.MaxCallsPerHour > 0 {
		q, err := r.quota.Consume(ctx, domain.QuotaKey(actor, def.ID), def.MaxCallsPerHour, QuotaWindow)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("capability: consume quota: %w", err)
		}
		if !q.Allowed {
			d := domain.Deny(domain.ReasonRateLimited, state)
			retry := q.RetryAfterSeconds
			d.RetryAfterSeconds = &retry
			return d, nil
		}
	}

	return domain.Allow(state), nil
}

// ExecutionRecord — все, что нужно для записи аудита исполнения.
type ExecutionRecord struct {
	Actor        domain.ActorContext
	CapabilityID string
	Decision     domain.Decision
	Rationale    string
	ProposalID   string
	Input        json.RawMessage
	Output       json.RawMessage
	Err          error
	Duration     time.Duration
}

// AppendExecutionAudit пишет ровно одно событие на исполнение (разрешенное или нет).
func (r *Runtime) AppendExecutionAudit(ctx context.Context, rec ExecutionRecord) error {
	def, _ := r.catalog.Get(rec.CapabilityID)

	suffix := "executed"
	switch {
	case !rec.Decision.Allowed:
		suffix = "denied"
	case rec.Err != nil:
		suffix = "failed"
	}

	meta := map[string]any{
		"reasonCode": string(rec.Decision.ReasonCode),
		"durationMs": rec.Duration.Milliseconds(),
	}
	if rec.ProposalID != "" {
		meta["proposalId"] = rec.ProposalID
	}
	if rec.Decision.RetryAfterSeconds != nil {
		meta["retryAfterSeconds"] = *rec.Decision.RetryAfterSeconds
	}
	if rec.Err != nil {
		meta["error"] = rec.Err.Error()
		if code := errorCode(rec.Err); code != "" {
			meta["errorCode"] = code
		}
	}

	return r.appendEvent(ctx, domain.Event{
		ActorType:     rec.Actor.Type,
		ActorID:       rec.Actor.ID,
		Action:        "capability." + rec.CapabilityID + "." + suffix,
		Rationale:     rec.Rationale,
		Target:        def.Target,
		ApprovalState: rec.Decision.ApprovalState,
		InputHash:     domain.HashJSON(rec.Input),
		OutputHash:    domain.HashJSON(rec.Output),
		Metadata:      meta,
	})
}

// checkAccess — проверки, общие для предложения и исполнения: исполнение никогда не слабее предложения.
func (r *Runtime) checkAccess(actor domain.ActorContext, def domain.CapabilityDefinition, known bool, proposal *domain.ActionProposal) (domain.Decision, bool) {
	if !known {
		return domain.Deny(domain.ReasonCapabilityUnknown, domain.ApprovalRequired), true
	}
	if actor.Type.RequiresDelegation() && !actor.HasScope(def.ID) {
		return domain.Deny(domain.ReasonDelegationScopeMissing, baselineApproval(def, proposal)), true
	}
	return domain.Decision{}, false
}

// baselineApproval — состояние подтверждения для отказов до проверки HITL.
func baselineApproval(def domain.CapabilityDefinition, proposal *domain.ActionProposal) domain.ApprovalState {
	if proposal != nil {
		switch proposal.Status {
		case domain.ProposalRejected:
			return domain.ApprovalRejected
		case domain.ProposalApproved:
			return domain.ApprovalApproved
		}
	}
	if !def.RequiresApproval {
		return domain.ApprovalExempt
	}
	return domain.ApprovalRequired
}

func (r *Runtime) auditProposalDenied(ctx context.Context, actor domain.ActorContext, req ProposalRequest, d domain.Decision) error {
	r.metrics.CapabilityDecisions.WithLabelValues(r.metricLabel(req.CapabilityID), string(d.ReasonCode)).Inc()
	return r.appendEvent(ctx, domain.Event{
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		Action:        "capability." + req.CapabilityID + ".proposal_denied",
		Rationale:     strings.TrimSpace(req.Rationale),
		ApprovalState: d.ApprovalState,
		InputHash:     domain.HashJSON(req.Input),
		Metadata:      map[string]any{"reasonCode": string(d.ReasonCode)},
	})
}

// unknownCapabilityLabel: id не из каталога приходят от клиента и не должны плодить серии метрик.
const unknownCapabilityLabel = "unknown"

func (r *Runtime) metricLabel(capabilityID string) string {
	if def, ok := r.catalog.Get(capabilityID); ok {
		return def.ID
	}
	return unknownCapabilityLabel
}

func (r *Runtime) appendEvent(ctx context.Context, e domain.Event) error {
	e.ID = uuid.NewString()
	e.OccurredAt = r.now().UTC()
	if err := r.events.Append(ctx, e); err != nil {
		return fmt.Errorf("capability: append audit event %s: %w", e.Action, err)
	}
	return nil
}

func (r *Runtime) notify(ctx context.Context, eventType, actorID string, payload any) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, eventType, actorID, payload); err != nil {
		r.logger.Warn("notify failed", zap.String("type", eventType), zap.Error(err))
	}
}
