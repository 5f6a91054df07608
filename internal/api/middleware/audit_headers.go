package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"domaindetermine.io/governance/internal/apperr"
)

// Audit-header names every mutating route requires, per §6's wire
// protocol: pipeline modules identify themselves out-of-band from the
// bearer token so every write carries a human-readable actor, role
// set, tenant and reason even when the caller is a headless service
// account.
const (
	HeaderActor  = "X-Actor"
	HeaderRoles  = "X-Roles"
	HeaderTenant = "X-Tenant"
	HeaderReason = "X-Reason"
)

// AuditContext is the parsed set of mandatory audit headers for one
// request.
type AuditContext struct {
	Actor  string
	Roles  []string
	Tenant string
	Reason string
}

const auditContextKey = "audit_context"

// RequireAuditHeaders validates the four mandatory headers are present
// and corroborates X-Roles against the roles carried in the caller's
// JWT (set by JWTAuthWithConfig). A caller claiming a role its token
// doesn't carry is rejected the same as a missing header — the header
// is a convenience for logging, not an independent grant of roles.
func RequireAuditHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetHeader(HeaderActor)
		rolesHeader := c.GetHeader(HeaderRoles)
		tenant := c.GetHeader(HeaderTenant)
		reason := c.GetHeader(HeaderReason)

		if actor == "" || rolesHeader == "" || tenant == "" || reason == "" {
			abortAuthFailed(c, "missing one or more required headers: X-Actor, X-Roles, X-Tenant, X-Reason")
			return
		}

		roles := splitRoles(rolesHeader)

		tokenRoles := GetRoles(c.Request.Context())
		for _, r := range roles {
			if !slices.Contains(tokenRoles, r) {
				abortAuthFailed(c, "X-Roles claims a role not present on the bearer token: "+r)
				return
			}
		}

		c.Set(auditContextKey, AuditContext{Actor: actor, Roles: roles, Tenant: tenant, Reason: reason})
		c.Next()
	}
}

func splitRoles(header string) []string {
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func abortAuthFailed(c *gin.Context, msg string) {
	ge := apperr.AuthFailed(msg)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": ge.Code, "message": ge.Message})
}

// GetAuditContext retrieves the parsed audit headers set by
// RequireAuditHeaders. Callers must run after that middleware.
func GetAuditContext(c *gin.Context) AuditContext {
	if v, ok := c.Get(auditContextKey); ok {
		if ac, ok := v.(AuditContext); ok {
			return ac
		}
	}
	return AuditContext{}
}
