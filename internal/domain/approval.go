package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Статусы State Machine предложения
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending_approval"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

var (
	ErrInvalidTransition = errors.New("invalid proposal status transition")
	ErrAlreadyProcessed  = errors.New("proposal already processed")
	ErrProposalNotFound  = errors.New("proposal not found")
)

// ProposalPreview — то, что видит ревьюер перед подтверждением.
type ProposalPreview struct {
	Summary         string          `json:"summary"`
	Input           json.RawMessage `json:"input,omitempty"`
	ExpectedEffects []string        `json:"expected_effects,omitempty"`
}

// ActionProposal — запрос на использование capability. Никогда не удаляется (запись аудита).
type ActionProposal struct {
	ID           string          `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	RequestedBy  string          `json:"requested_by"`
	TenantID     string          `json:"tenant_id"`
	CapabilityID string          `json:"capability_id"`
	Rationale    string          `json:"rationale"`
	InputHash    string          `json:"input_hash"`
	Preview      ProposalPreview `json:"preview"`
	Status       ProposalStatus  `json:"status"`

	ApprovedBy *string    `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// CanTransitionTo проверяет правила конечного автомата
func (p *ActionProposal) CanTransitionTo(next ProposalStatus) error {
	if p.Status != ProposalPending {
		return ErrAlreadyProcessed
	}
	if next != ProposalApproved && next != ProposalRejected {
		return ErrInvalidTransition
	}
	return nil
}
