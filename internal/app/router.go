package app

import (
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"domaindetermine.io/governance/internal/api/handlers"
	"domaindetermine.io/governance/internal/api/middleware"
	"domaindetermine.io/governance/internal/config"
)

// Public routes that do NOT require JWT authentication: token minting,
// the two Kubernetes-style probes and the /metrics scrape endpoint,
// mirroring the teacher's
// jwtSkipPublic discipline over /auth/login and /health/.
var publicPrefixes = []string{
	"/auth/token",
	"/healthz",
	"/readyz",
	"/metrics",
}

// auditedPrefixes lists every route that either writes state or
// otherwise needs a resolved tenant/actor per request, and therefore
// requires the mandatory X-Actor/X-Roles/X-Tenant/X-Reason audit
// headers per §6. /release/evaluate doesn't persist anything but still
// needs the caller's tenant to resolve the manifest's waiver statuses,
// so it rides along with the mutating routes here.
var auditedPrefixes = []string{
	"/artifacts",
	"/jobs",
	"/waivers",
	"/release/evaluate",
}

func newRouter(cfg *config.Config, server *handlers.Server, jwtCfg middleware.JWTConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.New(buildCORSConfig(cfg)))
	router.Use(jwtSkipPublic(jwtCfg))
	router.Use(auditHeadersOnMutations())

	router.GET("/healthz", server.GetLiveness)
	router.GET("/readyz", server.GetReadiness)
	router.GET("/metrics", server.GetMetrics)

	router.POST("/auth/token", server.IssueToken)

	router.POST("/artifacts", middleware.RequirePermission("producer"), server.CreateArtifact)
	router.GET("/artifacts/:id", server.GetArtifact)
	router.GET("/artifacts/:id/payload", server.GetArtifactPayload)
	router.GET("/artifacts/:id/lineage", server.GetArtifactLineage)
	router.POST("/artifacts/:id/rollback", middleware.RequirePermission("governance"), server.RollbackArtifact)

	router.POST("/jobs", middleware.RequirePermission("producer"), server.CreateJob)
	router.GET("/jobs/:id", server.GetJob)
	router.GET("/jobs/:id/logs", server.GetJobLogs)
	router.POST("/jobs/:id/cancel", middleware.RequirePermission("producer"), server.CancelJob)

	router.GET("/quotas", server.GetQuota)

	router.POST("/release/evaluate", server.EvaluateRelease)

	router.GET("/events", server.GetEvents)

	router.POST("/waivers", middleware.RequirePermission("producer"), server.ProposeWaiver)
	router.POST("/waivers/:id/approve", middleware.RequirePermission("governance"), server.ApproveWaiver)
	router.POST("/waivers/:id/revoke", middleware.RequirePermission("governance"), server.RevokeWaiver)

	return router
}

// auditHeadersOnMutations applies RequireAuditHeaders only to routes
// that need a resolved tenant/actor (writes, plus /release/evaluate),
// leaving read-only routes (GET /artifacts/{id}, GET /quotas, GET
// /events, ...) and the public prefixes unburdened.
func auditHeadersOnMutations() gin.HandlerFunc {
	auditMw := middleware.RequireAuditHeaders()
	return func(c *gin.Context) {
		if c.Request.Method == "GET" {
			c.Next()
			return
		}
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}
		for _, prefix := range auditedPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				auditMw(c)
				return
			}
		}
		c.Next()
	}
}

func buildCORSConfig(cfg *config.Config) cors.Config {
	allowAllOrigins := cfg.Server.UnsafeAllowAllOrigins
	allowedOrigins := sanitizeAllowedOrigins(cfg.Server.AllowedOrigins)

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Request-ID", "X-Actor", "X-Roles", "X-Tenant", "X-Reason"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", "Retry-After", "ETag"},
		AllowCredentials: cfg.Server.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	if allowAllOrigins {
		corsCfg.AllowAllOrigins = true
		// gin-contrib/cors docs: AllowAllOrigins cannot be used with credentials.
		corsCfg.AllowCredentials = false
		return corsCfg
	}

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	corsCfg.AllowOrigins = allowedOrigins
	return corsCfg
}

func sanitizeAllowedOrigins(origins []string) []string {
	cleaned := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" {
			continue
		}
		cleaned = append(cleaned, origin)
	}
	return slices.Compact(cleaned)
}

// jwtSkipPublic returns middleware that applies JWT auth only on non-public routes.
func jwtSkipPublic(jwtCfg middleware.JWTConfig) gin.HandlerFunc {
	jwtMw := middleware.JWTAuthWithConfig(jwtCfg)
	return func(c *gin.Context) {
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}
		jwtMw(c)
	}
}
