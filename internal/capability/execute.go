package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/connectors"
	"github.com/xela07ax/opsbrain/internal/domain"
)

var (
	ErrNotAuthorized = errors.New("capability: actor is not allowed to review proposals")
	ErrNoInvoker     = errors.New("capability: no invoker configured")
)

// ExecuteRequest — вызов capability (опционально по ранее созданному предложению).
type ExecuteRequest struct {
	CapabilityID string          `json:"capability_id"`
	ProposalID   string          `json:"proposal_id,omitempty"`
	Rationale    string          `json:"rationale,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
}

type ExecuteResult struct {
	Decision domain.Decision `json:"decision"`
	Output   json.RawMessage `json:"output,omitempty"`
}

// Execute: оценка -> вызов действия -> ровно одно событие аудита.
// Отказ возвращается в Decision; ошибка действия (типизированная ConnectorError) — вторым значением.
func (r *Runtime) Execute(ctx context.Context, actor domain.ActorContext, req ExecuteRequest) (ExecuteResult, error) {
	start := r.now()

	// 1. Предложение (если указано). Несуществующий id — ошибка запроса, но в аудит попадает все равно
	var proposal *domain.ActionProposal
	if req.ProposalID != "" {
		p, err := r.proposals.Get(ctx, req.ProposalID)
		if err != nil {
			err = fmt.Errorf("capability: load proposal %s: %w", req.ProposalID, err)
			if auditErr := r.auditProposalLoadFailed(ctx, actor, req, err); auditErr != nil {
				return ExecuteResult{}, errors.Join(err, auditErr)
			}
			return ExecuteResult{}, err
		}
		proposal = p
	}

	rationale := req.Rationale
	if rationale == "" && proposal != nil {
		rationale = proposal.Rationale
	}

	// 2. Решение
	decision, err := r.EvaluateExecution(ctx, actor, req.CapabilityID, proposal)
	if err != nil {
		return ExecuteResult{}, err
	}
	r.metrics.CapabilityDecisions.WithLabelValues(r.metricLabel(req.CapabilityID), string(decision.ReasonCode)).Inc()

	rec := ExecutionRecord{
		Actor:        actor,
		CapabilityID: req.CapabilityID,
		Decision:     decision,
		Rationale:    rationale,
		ProposalID:   req.ProposalID,
		Input:        req.Input,
	}

	// 3. Вызов действия только после прохождения всех проверок
	status := "denied"
	if decision.Allowed {
		def, _ := r.catalog.Get(req.CapabilityID)
		if r.invoker == nil {
			rec.Err = ErrNoInvoker
		} else {
			rec.Output, rec.Err = r.invoker.Invoke(ctx, def, req.Input)
		}
		status = "success"
		if rec.Err != nil {
			status = "failed"
		}
	}
	rec.Duration = r.now().Sub(start)
	r.metrics.CapabilityDuration.WithLabelValues(r.metricLabel(req.CapabilityID), status).Observe(rec.Duration.Seconds())

	// 4. Финальный аудит результата
	if err := r.AppendExecutionAudit(ctx, rec); err != nil {
		return ExecuteResult{Decision: decision}, err
	}

	if !decision.Allowed {
		r.logger.Info("capability denied",
			zap.String("capability", req.CapabilityID),
			zap.String("actor", actor.ID),
			zap.String("reason", string(decision.ReasonCode)))
		return ExecuteResult{Decision: decision}, nil
	}
	if rec.Err != nil {
		r.logger.Warn("capability action failed",
			zap.String("capability", req.CapabilityID),
			zap.String("actor", actor.ID),
			zap.Error(rec.Err))
		return ExecuteResult{Decision: decision}, rec.Err
	}

	r.notify(ctx, "capability.executed", actor.ID, map[string]any{
		"capabilityId": req.CapabilityID,
		"proposalId":   req.ProposalID,
		"outputHash":   domain.HashJSON(rec.Output),
	})
	return ExecuteResult{Decision: decision, Output: rec.Output}, nil
}

// Proposal читает предложение. Участник видит только свой tenant.
func (r *Runtime) Proposal(ctx context.Context, actor domain.ActorContext, proposalID string) (*domain.ActionProposal, error) {
	p, err := r.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("capability: load proposal %s: %w", proposalID, err)
	}
	if actor.Type != domain.ActorStaff && p.TenantID != actor.EffectiveTenant() {
		return nil, ErrNotAuthorized
	}
	return p, nil
}

// Approve переводит предложение в approved. Право есть только у human/staff.
func (r *Runtime) Approve(ctx context.Context, actor domain.ActorContext, proposalID string) (*domain.ActionProposal, error) {
	return r.review(ctx, actor, proposalID, domain.ProposalApproved)
}

// Reject переводит предложение в rejected.
func (r *Runtime) Reject(ctx context.Context, actor domain.ActorContext, proposalID string) (*domain.ActionProposal, error) {
	return r.review(ctx, actor, proposalID, domain.ProposalRejected)
}

func (r *Runtime) review(ctx context.Context, actor domain.ActorContext, proposalID string, next domain.ProposalStatus) (*domain.ActionProposal, error) {
	if !actor.Type.CanApprove() {
		return nil, ErrNotAuthorized
	}

	current, err := r.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("capability: load proposal %s: %w", proposalID, err)
	}
	// Участник подтверждает только в своем tenant; персонал — в любом
	if actor.Type == domain.ActorHuman && current.TenantID != actor.EffectiveTenant() {
		return nil, ErrNotAuthorized
	}
	if err := current.CanTransitionTo(next); err != nil {
		return nil, err
	}

	updated, err := r.proposals.UpdateStatus(ctx, proposalID, next, actor.ID, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("capability: update proposal %s: %w", proposalID, err)
	}

	state := domain.ApprovalApproved
	if next == domain.ProposalRejected {
		state = domain.ApprovalRejected
	}
	def, _ := r.catalog.Get(updated.CapabilityID)
	if err := r.appendEvent(ctx, domain.Event{
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		Action:        "capability." + updated.CapabilityID + "." + string(next),
		Rationale:     updated.Rationale,
		Target:        def.Target,
		ApprovalState: state,
		InputHash:     updated.InputHash,
		Metadata:      map[string]any{"proposalId": updated.ID, "requestedBy": updated.RequestedBy},
	}); err != nil {
		return nil, err
	}

	r.notify(ctx, "proposal."+string(next), actor.ID, updated)
	return updated, nil
}

// auditProposalLoadFailed: вызов по несуществующему (или нечитаемому) предложению тоже оставляет ровно одно событие.
func (r *Runtime) auditProposalLoadFailed(ctx context.Context, actor domain.ActorContext, req ExecuteRequest, err error) error {
	def, _ := r.catalog.Get(req.CapabilityID)
	meta := map[string]any{
		"proposalId": req.ProposalID,
		"error":      err.Error(),
	}
	if errors.Is(err, domain.ErrProposalNotFound) {
		meta["errorCode"] = "PROPOSAL_NOT_FOUND"
	}
	return r.appendEvent(ctx, domain.Event{
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		Action:        "capability." + req.CapabilityID + ".denied",
		Rationale:     req.Rationale,
		Target:        def.Target,
		ApprovalState: baselineApproval(def, nil),
		InputHash:     domain.HashJSON(req.Input),
		Metadata:      meta,
	})
}

func errorCode(err error) string {
	var ce *connectors.ConnectorError
	if errors.As(err, &ce) {
		return string(ce.Code)
	}
	return ""
}
