package handlers

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"domaindetermine.io/governance/internal/api/middleware"
	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/jobs"
)

// createJobRequest is the POST /jobs body per §6.
type createJobRequest struct {
	Tenant         string `json:"tenant"`
	Project        string `json:"project"`
	JobType        string `json:"job_type"`
	PayloadBase64  string `json:"payload"`
	IdempotencyKey string `json:"idempotency_key"`
}

// CreateJob handles POST /jobs.
func (s *Server) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.SchemaViolation("jobs: invalid request body: " + err.Error()))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
	if err != nil {
		_ = c.Error(apperr.SchemaViolation("jobs: payload is not valid base64"))
		return
	}

	ac := middleware.GetAuditContext(c)
	rec, err := s.jobs.Enqueue(c.Request.Context(), jobs.EnqueueInput{
		Tenant:         ac.Tenant,
		Project:        req.Project,
		JobType:        req.JobType,
		Actor:          ac.Actor,
		Reason:         ac.Reason,
		Payload:        payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if ge, ok := apperr.As(err); ok && ge.Code == apperr.CodeRateLimited {
			limit, retryAfter := parseQuotaHint(ge.Hint)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{"limit": limit, "retry_after_seconds": retryAfter})
			return
		}
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, rec)
}

// parseQuotaHint extracts the limit name and retry-after seconds from
// a quota.refusalError's hint string ("limit=X retry_after_seconds=Y").
func parseQuotaHint(hint string) (limit string, retryAfterSeconds int) {
	for _, field := range strings.Fields(hint) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "limit":
			limit = v
		case "retry_after_seconds":
			retryAfterSeconds, _ = strconv.Atoi(v)
		}
	}
	return limit, retryAfterSeconds
}

// GetJob handles GET /jobs/{id}.
func (s *Server) GetJob(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		tenant = middleware.GetAuditContext(c).Tenant
	}
	rec, err := s.jobs.Get(c.Request.Context(), tenant, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetJobLogs handles GET /jobs/{id}/logs. It answers text/plain with a
// single "log_pointer: <pointer>" line naming where the job's handler
// wrote its logs, or an empty body when the job has no pointer. It does
// not fetch or stream the log content itself.
func (s *Server) GetJobLogs(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		tenant = middleware.GetAuditContext(c).Tenant
	}
	rec, err := s.jobs.Get(c.Request.Context(), tenant, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Header("Content-Type", "text/plain")
	if rec.LogPointer == "" {
		c.String(http.StatusOK, "")
		return
	}
	c.String(http.StatusOK, fmt.Sprintf("log_pointer: %s\n", rec.LogPointer))
}

// CancelJob handles POST /jobs/{id}/cancel.
func (s *Server) CancelJob(c *gin.Context) {
	ac := middleware.GetAuditContext(c)
	if err := s.jobs.RequestCancel(c.Request.Context(), ac.Tenant, c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}
