package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims matches the JWT structure
type Claims struct {
	Role         string   `json:"role"`
	Environments []string `json:"environments"`
	jwt.RegisteredClaims
}

func GetClaims(ctx echo.Context) (*Claims, error) {
	token, ok := ctx.Get("user").(*jwt.Token)
	if !ok {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}

// CanDeploy reports whether the token grants deploy rights on the environment.
// Admins can deploy anywhere; everyone else is limited to the environments
// listed in their token.
func (c *Claims) CanDeploy(environment string) bool {
	if c.Role == "admin" {
		return true
	}
	for _, env := range c.Environments {
		if env == environment {
			return true
		}
	}
	return false
}
