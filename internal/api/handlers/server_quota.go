package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"domaindetermine.io/governance/internal/apperr"
)

// GetQuota handles GET /quotas?tenant=.
func (s *Server) GetQuota(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		_ = c.Error(apperr.SchemaViolation("quotas: tenant query parameter is required"))
		return
	}
	c.JSON(http.StatusOK, s.quotas.Get(tenant))
}
