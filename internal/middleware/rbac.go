package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/accred-portal-api/internal/models"
	appErrors "github.com/noah-isme/accred-portal-api/pkg/errors"
	"github.com/noah-isme/accred-portal-api/pkg/response"
)

// RequireRoles admits the request iff the principal's role is in the
// declared set. Every endpoint states its own required roles; no
// handler re-implements role comparisons inline.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		claims := principal(c)
		if claims == nil {
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

// RequireSchoolScope admits ADMIN unconditionally; any other role must
// belong to the school named by the given route parameter. Composes
// after RequireRoles on school-scoped endpoints.
func RequireSchoolScope(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := principal(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		if claims.Role == models.RoleAdmin {
			c.Next()
			return
		}

		if school := c.Param(param); school == "" || school != claims.School {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}

func principal(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}
