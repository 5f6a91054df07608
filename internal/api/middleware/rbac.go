package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// RequirePermission returns middleware that checks if the authenticated
// caller's JWT roles grant a specific permission. Our domain is
// flat-tenancy (no VM→Service→System resource hierarchy to walk), so
// unlike the teacher this is the only permission check the API needs:
// every mutation is scoped by the X-Tenant header and checked against
// the caller's role list, not against a resource ownership graph.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get("permissions")
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": "FORBIDDEN", "message": "no permissions in context",
			})
			return
		}
		permList, ok := perms.([]string)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": "FORBIDDEN", "message": "invalid permissions type",
			})
			return
		}

		// platform:admin is the explicit super-admin permission, kept
		// from the teacher's escape hatch.
		if slices.Contains(permList, "platform:admin") {
			c.Next()
			return
		}

		if slices.Contains(permList, permission) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code": "FORBIDDEN", "message": "insufficient permissions",
		})
	}
}
