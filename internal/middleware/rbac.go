package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/code-moran/grading-app-sub002/internal/models"
	appErrors "github.com/code-moran/grading-app-sub002/pkg/errors"
	"github.com/code-moran/grading-app-sub002/pkg/response"
)

// RequireRoles only lets callers holding one of roles through.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		claims, ok := claimsOf(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireStaff admits teachers and administrators.
func RequireStaff() gin.HandlerFunc {
	return RequireRoles(models.RoleTeacher, models.RoleAdmin, models.RoleSuperAdmin)
}

func claimsOf(c *gin.Context) (*models.JWTClaims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*models.JWTClaims)
	return claims, ok && claims != nil
}
