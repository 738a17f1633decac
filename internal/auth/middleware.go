package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenServoCore/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	usernameKey    = "username"
)

// BearerToken extracts the token from "Bearer <token>".
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware validates tokens and enforces authentication
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "missing authorization header", nil))
			return
		}

		token, ok := BearerToken(authHeader)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "invalid authorization header format", nil))
			return
		}

		// JWT first, then machine token
		if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
			c.Set(permissionsKey, RoleToPermissions(claims.Role))
			c.Set(usernameKey, claims.Username)
			c.Next()
			return
		}

		permissions, err := a.ValidateMachineToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "invalid or expired token", nil))
			return
		}

		c.Set(permissionsKey, permissions)
		c.Next()
	}
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasPermission(Permissions(c), required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse(types.CodeForbidden, "insufficient permissions",
					map[string]interface{}{"required": string(required)}))
			return
		}
		c.Next()
	}
}

// Permissions returns what AuthMiddleware granted the request.
func Permissions(c *gin.Context) []Permission {
	if perms, ok := c.Get(permissionsKey); ok {
		if p, ok := perms.([]Permission); ok {
			return p
		}
	}
	return nil
}
