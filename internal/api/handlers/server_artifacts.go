package handlers

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"domaindetermine.io/governance/internal/api/middleware"
	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/domain"
	"domaindetermine.io/governance/internal/obslog"
	"domaindetermine.io/governance/internal/publish"
)

// publishRequest is the POST /artifacts body. The wire protocol
// exposes one endpoint for the whole propose→publish pipeline (no
// per-stage endpoints, no reviewer workbench over HTTP), so this
// handler drives every stage of internal/publish.Pipeline inline
// against a Proposal that is never persisted between requests,
// matching that package's documented design.
type publishRequest struct {
	Class            string            `json:"class"`
	Slug             string            `json:"slug"`
	DeclaredVersion  string            `json:"declared_version"`
	ChangeImpact     string            `json:"change_impact"`
	PayloadBase64    string            `json:"payload_base64"`
	Title            string            `json:"title"`
	Summary          string            `json:"summary"`
	LicenseTag       string            `json:"license_tag"`
	PolicyPackHash   string            `json:"policy_pack_hash"`
	ChangeReasonCode string            `json:"change_reason_code"`
	Upstream         []pinRequest      `json:"upstream"`
	PromptRefs       []promptRefReq    `json:"prompt_refs"`
	Environment      environmentReq    `json:"environment"`
	Approvals        []approvalRequest `json:"approvals"`
	WaiverIDs        []string          `json:"waiver_ids"`
}

type pinRequest struct {
	ArtifactID string `json:"artifact_id"`
	Hash       string `json:"hash"`
}

type promptRefReq struct {
	TemplateID string `json:"template_id"`
	Version    string `json:"version"`
	Hash       string `json:"hash"`
}

type environmentReq struct {
	LanguageVersion   string `json:"language_version"`
	ContainerDigest   string `json:"container_digest"`
	BuildToolVersions string `json:"build_tool_versions"`
}

type approvalRequest struct {
	Role      string `json:"role"`
	Signature string `json:"signature"`
}

// CreateArtifact handles POST /artifacts.
func (s *Server) CreateArtifact(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.SchemaViolation("artifacts: invalid request body: " + err.Error()))
		return
	}

	if !domain.KnownClasses[domain.ArtifactClass(req.Class)] {
		_ = c.Error(apperr.SchemaViolation("artifacts: unknown class " + req.Class))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
	if err != nil {
		_ = c.Error(apperr.SchemaViolation("artifacts: payload_base64 is not valid base64"))
		return
	}

	ac := middleware.GetAuditContext(c)
	ctx := c.Request.Context()

	upstream := make([]domain.Pin, len(req.Upstream))
	for i, p := range req.Upstream {
		upstream[i] = domain.Pin{ArtifactID: p.ArtifactID, Hash: p.Hash}
	}
	promptRefs := make([]domain.PromptRef, len(req.PromptRefs))
	for i, p := range req.PromptRefs {
		promptRefs[i] = domain.PromptRef{TemplateID: p.TemplateID, Version: p.Version, Hash: p.Hash}
	}

	prop, err := s.pipeline.Propose(ctx, publish.ProposeInput{
		Class:            domain.ArtifactClass(req.Class),
		Tenant:           ac.Tenant,
		Slug:             req.Slug,
		DeclaredVersion:  req.DeclaredVersion,
		ChangeImpact:     domain.ChangeImpact(req.ChangeImpact),
		Payload:          payload,
		Title:            req.Title,
		Summary:          req.Summary,
		LicenseTag:       req.LicenseTag,
		PolicyPackHash:   req.PolicyPackHash,
		Creator:          ac.Actor,
		ChangeReasonCode: req.ChangeReasonCode,
		Upstream:         upstream,
		PromptRefs:       promptRefs,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	if err := s.pipeline.Build(ctx, prop, domain.EnvironmentFingerprint{
		LanguageVersion:   req.Environment.LanguageVersion,
		ContainerDigest:   req.Environment.ContainerDigest,
		BuildToolVersions: req.Environment.BuildToolVersions,
	}); err != nil {
		_ = c.Error(err)
		return
	}

	// The external auditor integration is out of scope (§ non-goals):
	// an audit pass is recorded automatically so the state machine can
	// proceed to approval, which is where real policy enforcement
	// (required roles, signatures) happens.
	if err := s.pipeline.Audit(ctx, prop, true, "automatic pass: external auditor integration out of scope"); err != nil {
		_ = c.Error(err)
		return
	}

	for _, a := range req.Approvals {
		if err := s.pipeline.Approve(ctx, prop, domain.Approval{
			Role:      a.Role,
			Actor:     ac.Actor,
			Timestamp: time.Now().UTC(),
			Signature: a.Signature,
		}); err != nil {
			_ = c.Error(err)
			return
		}
	}

	for _, waiverID := range req.WaiverIDs {
		s.pipeline.AttachWaiver(prop, waiverID)
	}

	if err := s.pipeline.Sign(ctx, prop); err != nil {
		_ = c.Error(err)
		return
	}

	start := time.Now()
	manifest, err := s.pipeline.Publish(ctx, prop)
	if err != nil {
		_ = c.Error(err)
		return
	}
	s.metrics.ObserveArtifactPublish(float64(time.Since(start).Milliseconds()))

	obslog.Op("artifacts", "publish", ac.Tenant, "ok", zap.String("artifact_id", manifest.ArtifactID))
	c.JSON(http.StatusCreated, manifest)
}

// GetArtifact handles GET /artifacts/{id}.
func (s *Server) GetArtifact(c *gin.Context) {
	manifest, err := s.store.GetManifest(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, manifest)
}

// GetArtifactPayload handles GET /artifacts/{id}/payload.
func (s *Server) GetArtifactPayload(c *gin.Context) {
	ctx := c.Request.Context()
	manifest, err := s.store.GetManifest(ctx, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	payload, err := s.store.GetPayload(ctx, manifest.Hash)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Header("ETag", manifest.Hash)
	c.Data(http.StatusOK, "application/octet-stream", payload)
}

// rollbackRequest is the POST /artifacts/{id}/rollback body.
type rollbackRequest struct {
	Reason string `json:"reason"`
}

// RollbackArtifact handles POST /artifacts/{id}/rollback.
func (s *Server) RollbackArtifact(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		_ = c.Error(apperr.SchemaViolation("rollback: reason is required"))
		return
	}

	ac := middleware.GetAuditContext(c)
	if err := s.pipeline.Rollback(c.Request.Context(), ac.Tenant, c.Param("id"), ac.Actor, req.Reason); err != nil {
		_ = c.Error(err)
		return
	}
	s.metrics.ObserveRollback()
	c.Status(http.StatusNoContent)
}
