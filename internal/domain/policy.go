package domain

import "time"

// ExemptionStatus — статус постоянного исключения из HITL.
type ExemptionStatus string

const (
	ExemptionActive  ExemptionStatus = "active"
	ExemptionRevoked ExemptionStatus = "revoked"
)

// PolicyExemption снимает требование подтверждения для capability.
// OwnerUID пустой — исключение глобальное, иначе действует только для владельца.
type PolicyExemption struct {
	CapabilityID string          `json:"capability_id"`
	OwnerUID     string          `json:"owner_uid,omitempty"`
	Status       ExemptionStatus `json:"status"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// KillSwitch — глобальный рубильник, блокирует любое исполнение.
type KillSwitch struct {
	Enabled   bool      `json:"enabled"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionPolicyState читается на каждой проверке исполнения.
type ExecutionPolicyState struct {
	KillSwitch KillSwitch        `json:"kill_switch"`
	Exemptions []PolicyExemption `json:"exemptions"`
}

// HasActiveExemption ищет активное исключение для capability с учетом владельца.
func (s ExecutionPolicyState) HasActiveExemption(capabilityID, ownerUID string) bool {
	for _, e := range s.Exemptions {
		if e.Status != ExemptionActive || e.CapabilityID != capabilityID {
			continue
		}
		if e.OwnerUID == "" || e.OwnerUID == ownerUID {
			return true
		}
	}
	return false
}
