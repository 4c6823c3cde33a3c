package domain

// Intent — характер действия: чтение или изменение состояния устройства.
type Intent string

const (
	IntentRead  Intent = "read"
	IntentWrite Intent = "write"
)

// CapabilityDefinition — статическая конфигурация, загружается при старте и не меняется.
type CapabilityDefinition struct {
	ID               string `json:"id" mapstructure:"id"`
	Target           string `json:"target" mapstructure:"target"` // Логический ресурс, на который влияет действие
	MaxCallsPerHour  int    `json:"max_calls_per_hour" mapstructure:"max_calls_per_hour"`
	RequiresApproval bool   `json:"requires_approval" mapstructure:"requires_approval"`

	// Куда маршрутизировать исполнение: имя коннектора (read) или внешний executor (write)
	Connector string `json:"connector,omitempty" mapstructure:"connector"`
	Intent    Intent `json:"intent" mapstructure:"intent"`
	Action    string `json:"action,omitempty" mapstructure:"action"`
}

// ReasonCode — закрытый список причин решения.
type ReasonCode string

const (
	ReasonAllowed                    ReasonCode = "ALLOWED"
	ReasonCapabilityUnknown          ReasonCode = "CAPABILITY_UNKNOWN"
	ReasonDelegationScopeMissing     ReasonCode = "DELEGATION_SCOPE_MISSING"
	ReasonRationaleRequired          ReasonCode = "RATIONALE_REQUIRED"
	ReasonBlockedByPolicy            ReasonCode = "BLOCKED_BY_POLICY"
	ReasonProposalCapabilityMismatch ReasonCode = "PROPOSAL_CAPABILITY_MISMATCH"
	ReasonTenantMismatch             ReasonCode = "TENANT_MISMATCH"
	ReasonProposalRejected           ReasonCode = "PROPOSAL_REJECTED"
	ReasonApprovalRequired           ReasonCode = "APPROVAL_REQUIRED"
	ReasonRateLimited                ReasonCode = "RATE_LIMITED"
)

// ApprovalState — требовалось ли подтверждение, было ли оно получено или снято исключением.
type ApprovalState string

const (
	ApprovalRequired ApprovalState = "required"
	ApprovalApproved ApprovalState = "approved"
	ApprovalExempt   ApprovalState = "exempt"
	ApprovalRejected ApprovalState = "rejected"
)

// Decision — эфемерный результат авторизации. Не сохраняется, считается на каждый вызов.
type Decision struct {
	Allowed           bool          `json:"allowed"`
	ReasonCode        ReasonCode    `json:"reason_code"`
	ApprovalState     ApprovalState `json:"approval_state"`
	RetryAfterSeconds *int          `json:"retry_after_seconds,omitempty"`
}

func Allow(state ApprovalState) Decision {
	return Decision{Allowed: true, ReasonCode: ReasonAllowed, ApprovalState: state}
}

func Deny(code ReasonCode, state ApprovalState) Decision {
	return Decision{Allowed: false, ReasonCode: code, ApprovalState: state}
}

// QuotaResult — результат списания из квоты.
type QuotaResult struct {
	Allowed           bool  `json:"allowed"`
	Count             int   `json:"count"`
	WindowStartMs     int64 `json:"window_start_ms"`
	RetryAfterSeconds int   `json:"retry_after_seconds,omitempty"`
}

// QuotaKey — ключ бакета actor:{ownerUid}:{actorId}:capability:{capabilityId}
func QuotaKey(actor ActorContext, capabilityID string) string {
	return "actor:" + actor.OwnerID + ":" + actor.ID + ":capability:" + capabilityID
}
