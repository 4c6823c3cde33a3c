package domain

import (
	"fmt"
	"strings"
)

// ActorType — закрытое перечисление участников, от имени которых выполняются действия.
type ActorType string

const (
	ActorHuman  ActorType = "human"  // Участник (владелец устройств)
	ActorStaff  ActorType = "staff"  // Персонал (консоль оператора)
	ActorAgent  ActorType = "agent"  // Автоматизированный агент с делегированными правами
	ActorSystem ActorType = "system" // Сам процесс (планировщик, джобы)
)

// ParseActorType превращает строку из токена/заголовка в ActorType.
func ParseActorType(s string) (ActorType, error) {
	t := ActorType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown actor type %q", s)
	}
	return t, nil
}

// Valid проверяет, что значение входит в закрытое перечисление.
func (t ActorType) Valid() bool {
	switch t {
	case ActorHuman, ActorStaff, ActorAgent, ActorSystem:
		return true
	default:
		return false
	}
}

// RequiresDelegation — только агенты обязаны предъявлять scope-гранты на capability.
func (t ActorType) RequiresDelegation() bool {
	switch t {
	case ActorAgent:
		return true
	case ActorHuman, ActorStaff, ActorSystem:
		return false
	default:
		return true // Неизвестный тип — проверяем как самый строгий
	}
}

// CanApprove — кто имеет право подтверждать предложения (HITL).
func (t ActorType) CanApprove() bool {
	switch t {
	case ActorHuman, ActorStaff:
		return true
	case ActorAgent, ActorSystem:
		return false
	default:
		return false
	}
}

// ActorContext — контекст вызывающего, извлеченный из токена.
type ActorContext struct {
	Type     ActorType `json:"actor_type"`
	ID       string    `json:"actor_id"`
	OwnerID  string    `json:"owner_id"`
	TenantID string    `json:"tenant_id,omitempty"`
	Scopes   []string  `json:"scopes,omitempty"`
}

// EffectiveTenant: если tenant не задан, используется owner — single-tenant акторы совпадают автоматически.
func (a ActorContext) EffectiveTenant() string {
	if a.TenantID != "" {
		return a.TenantID
	}
	return a.OwnerID
}

// HasScope ищет точный грант capability:<id>:execute или wildcard capability:*:execute.
func (a ActorContext) HasScope(capabilityID string) bool {
	exact := "capability:" + capabilityID + ":execute"
	for _, s := range a.Scopes {
		if s == exact || s == WildcardExecuteScope {
			return true
		}
	}
	return false
}

// WildcardExecuteScope разрешает агенту исполнять любую capability.
const WildcardExecuteScope = "capability:*:execute"
