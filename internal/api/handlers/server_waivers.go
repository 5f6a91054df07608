package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"domaindetermine.io/governance/internal/api/middleware"
	"domaindetermine.io/governance/internal/apperr"
)

// §6 names the reviewer workbench's collaborator interface as
// `grant_waiver(scope, ...)`/`approve(artifact_id, role, signature)`
// but does not enumerate a wire route for it the way it does for
// artifacts/jobs/release/events. These three routes are the HTTP
// surface that collaborator interface needs against the already-built
// internal/waiver.Manager, additive in the same sense as the
// service-account auth supplement.

type proposeWaiverRequest struct {
	Scope         string    `json:"scope"`
	Owner         string    `json:"owner"`
	Justification string    `json:"justification"`
	Mitigation    string    `json:"mitigation"`
	ExpiresAt     time.Time `json:"expires_at"`
	AdvisoryRefs  []string  `json:"advisory_refs"`
}

// ProposeWaiver handles POST /waivers.
func (s *Server) ProposeWaiver(c *gin.Context) {
	var req proposeWaiverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.SchemaViolation("waivers: invalid request body: " + err.Error()))
		return
	}

	ac := middleware.GetAuditContext(c)
	w, err := s.waivers.Propose(c.Request.Context(), ac.Tenant, req.Scope, req.Owner,
		req.Justification, req.Mitigation, req.ExpiresAt, req.AdvisoryRefs)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// ApproveWaiver handles POST /waivers/{id}/approve — the reviewer
// workbench's `approve` collaborator call, applied to a waiver rather
// than an artifact proposal (artifact approvals are collected inline
// within POST /artifacts per the Publish Pipeline's single-request
// design).
func (s *Server) ApproveWaiver(c *gin.Context) {
	ac := middleware.GetAuditContext(c)
	w, err := s.waivers.Approve(c.Request.Context(), ac.Tenant, c.Param("id"), ac.Actor)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// RevokeWaiver handles POST /waivers/{id}/revoke.
func (s *Server) RevokeWaiver(c *gin.Context) {
	ac := middleware.GetAuditContext(c)
	if err := s.waivers.Revoke(c.Request.Context(), ac.Tenant, c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
