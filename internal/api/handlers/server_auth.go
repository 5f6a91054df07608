package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"domaindetermine.io/governance/internal/api/middleware"
	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/obslog"
)

// tokenRequest is the POST /auth/token body: a service account
// exchanges its long-lived API key for a short-lived bearer JWT,
// grounded on the teacher's Login handler but keyed on a service
// account rather than a username/password pair (§ supplemented
// features: service-account authentication).
type tokenRequest struct {
	APIKey string `json:"api_key"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// IssueToken handles POST /auth/token.
func (s *Server) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.APIKey == "" {
		_ = c.Error(apperr.SchemaViolation("auth: api_key is required"))
		return
	}

	acct, err := s.accounts.Authenticate(c.Request.Context(), req.APIKey)
	if err != nil {
		_ = c.Error(err)
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.jwtCfg, acct.AccountID, acct.Name, acct.Roles, acct.Roles)
	if err != nil {
		obslog.Error("auth: token generation failed", zap.String("account_id", acct.AccountID), zap.Error(err))
		_ = c.Error(apperr.Internal("auth: token generation failed", err))
		return
	}

	c.JSON(http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format("2006-01-02T15:04:05.000Z07:00"),
	})
}
