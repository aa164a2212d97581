package crypto

import "github.com/golang-jwt/jwt/v5"

// DefaultActorType is the type tag given to subjects whose token carries none.
const DefaultActorType = "User"

// ActorClaims are the claims an audited caller presents.
type ActorClaims struct {
	jwt.RegisteredClaims
	Roles     []string `json:"roles,omitempty"`
	ActorType string   `json:"actor_type,omitempty"`
}

func (c *ActorClaims) GetRoles() []string {
	if c.Roles == nil {
		return []string{}
	}
	return c.Roles
}

func (c *ActorClaims) GetActorType() string {
	if c.ActorType == "" {
		return DefaultActorType
	}
	return c.ActorType
}
