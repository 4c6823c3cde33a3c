package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// ActorClaims — JWT, выпущенный консолью или agent API. Из него строится ActorContext.
type ActorClaims struct {
	ActorType string   `json:"actor_type"`
	OwnerID   string   `json:"owner_id"`
	TenantID  string   `json:"tenant_id,omitempty"`
	Scopes    []string `json:"scopes"` // "capability:vacuum.start:execute" или "capability:*:execute"
	jwt.RegisteredClaims
}

// Actor собирает ActorContext; ID актора — subject токена.
func (c *ActorClaims) Actor() (ActorContext, error) {
	t, err := ParseActorType(c.ActorType)
	if err != nil {
		return ActorContext{}, err
	}
	return ActorContext{
		Type:     t,
		ID:       c.Subject,
		OwnerID:  c.OwnerID,
		TenantID: c.TenantID,
		Scopes:   c.Scopes,
	}, nil
}
