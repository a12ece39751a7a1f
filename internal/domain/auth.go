package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Роли персонала, которые видит модерационное ядро
const (
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

type CustomClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// CanModerate — внешний контракт авторизации для SetState.
func (c *CustomClaims) CanModerate() bool {
	return c.Role == RoleModerator || c.Role == RoleAdmin
}

func (c *CustomClaims) IsAdmin() bool {
	return c.Role == RoleAdmin
}
