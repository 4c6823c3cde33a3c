package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorContext_HasScope(t *testing.T) {
	a := ActorContext{Type: ActorAgent, Scopes: []string{"capability:vacuum.start:execute"}}
	assert.True(t, a.HasScope("vacuum.start"))
	assert.False(t, a.HasScope("hub.refresh"))

	wild := ActorContext{Type: ActorAgent, Scopes: []string{WildcardExecuteScope}}
	assert.True(t, wild.HasScope("anything"))
}

func TestActorContext_EffectiveTenantDefaultsToOwner(t *testing.T) {
	assert.Equal(t, "owner-1", ActorContext{OwnerID: "owner-1"}.EffectiveTenant())
	assert.Equal(t, "t-9", ActorContext{OwnerID: "owner-1", TenantID: "t-9"}.EffectiveTenant())
}

func TestActorType_Exhaustive(t *testing.T) {
	for _, at := range []ActorType{ActorHuman, ActorStaff, ActorAgent, ActorSystem} {
		assert.True(t, at.Valid(), at)
	}
	assert.False(t, ActorType("robot").Valid())
	assert.True(t, ActorAgent.RequiresDelegation())
	assert.False(t, ActorStaff.RequiresDelegation())
	assert.True(t, ActorType("robot").RequiresDelegation())
	assert.True(t, ActorStaff.CanApprove())
	assert.False(t, ActorAgent.CanApprove())

	_, err := ParseActorType("Robot")
	require.Error(t, err)
	parsed, err := ParseActorType(" Staff ")
	require.NoError(t, err)
	assert.Equal(t, ActorStaff, parsed)
}

func TestProposal_CanTransitionTo(t *testing.T) {
	p := &ActionProposal{Status: ProposalPending}
	require.NoError(t, p.CanTransitionTo(ProposalApproved))
	require.ErrorIs(t, p.CanTransitionTo(ProposalPending), ErrInvalidTransition)

	p.Status = ProposalRejected
	require.ErrorIs(t, p.CanTransitionTo(ProposalApproved), ErrAlreadyProcessed)
}

func TestPolicyState_HasActiveExemption(t *testing.T) {
	s := ExecutionPolicyState{Exemptions: []PolicyExemption{
		{CapabilityID: "vacuum.start", OwnerUID: "u1", Status: ExemptionActive},
		{CapabilityID: "hub.refresh", Status: ExemptionActive},
		{CapabilityID: "door.unlock", Status: ExemptionRevoked},
	}}
	assert.True(t, s.HasActiveExemption("vacuum.start", "u1"))
	assert.False(t, s.HasActiveExemption("vacuum.start", "u2"))
	assert.True(t, s.HasActiveExemption("hub.refresh", "anyone"))
	assert.False(t, s.HasActiveExemption("door.unlock", "u1"))
}

func TestHashJSON_StableAcrossKeyOrder(t *testing.T) {
	a := HashJSON(json.RawMessage(`{"a":1,"b":2}`))
	b := HashJSON(json.RawMessage(`{"b":2, "a":1}`))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Empty(t, HashJSON(nil))
}

func TestProposalID_DeterministicAndTruncated(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id1 := ProposalID("vacuum.start", "u1", at)
	id2 := ProposalID("vacuum.start", "u1", at)
	id3 := ProposalID("vacuum.start", "u1", at.Add(time.Millisecond))
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Len(t, id1, ProposalIDLength)
}

func TestQuotaKey(t *testing.T) {
	a := ActorContext{ID: "bot-1", OwnerID: "u1"}
	assert.Equal(t, "actor:u1:bot-1:capability:vacuum.start", QuotaKey(a, "vacuum.start"))
}
